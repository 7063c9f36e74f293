package ledger

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"qrloyalty/native/loyalty"
	"qrloyalty/services/qr-loyalty/cache"
	"qrloyalty/services/qr-loyalty/models"
)

// TierStore persists per-merchant tier tables. Reads go through the injected
// cache; writes replace the whole table and invalidate it.
type TierStore struct {
	db    *gorm.DB
	cache *cache.TTL[string, []loyalty.Threshold]
	now   func() time.Time
}

// NewTierStore constructs a store. c may be nil to disable caching.
func NewTierStore(db *gorm.DB, c *cache.TTL[string, []loyalty.Threshold]) *TierStore {
	return &TierStore{db: db, cache: c, now: time.Now}
}

// Thresholds returns the merchant's table sorted ascending, or the default
// table when none is configured.
func (s *TierStore) Thresholds(ctx context.Context, merchantID string) ([]loyalty.Threshold, error) {
	thresholds, err := s.cache.GetOrLoad(ctx, merchantID, func(ctx context.Context) ([]loyalty.Threshold, error) {
		return s.load(ctx, merchantID)
	})
	if err != nil {
		return nil, err
	}
	return append([]loyalty.Threshold(nil), thresholds...), nil
}

func (s *TierStore) load(ctx context.Context, merchantID string) ([]loyalty.Threshold, error) {
	var rows []models.TierThreshold
	if err := s.db.WithContext(ctx).
		Where("merchant_id = ?", merchantID).
		Order("min_points ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("tiers: load: %w", err)
	}
	if len(rows) == 0 {
		return loyalty.DefaultThresholds(), nil
	}
	out := make([]loyalty.Threshold, 0, len(rows))
	for _, row := range rows {
		out = append(out, loyalty.Threshold{Name: row.TierName, MinPoints: row.MinPoints})
	}
	return out, nil
}

// Replace validates and stores a new table for the merchant.
func (s *TierStore) Replace(ctx context.Context, merchantID string, thresholds []loyalty.Threshold) ([]loyalty.Threshold, error) {
	if merchantID == "" {
		return nil, loyalty.Invalid("merchantId", "must not be empty")
	}
	normalized, err := loyalty.NormalizeThresholds(thresholds)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("merchant_id = ?", merchantID).Delete(&models.TierThreshold{}).Error; err != nil {
			return err
		}
		rows := make([]models.TierThreshold, 0, len(normalized))
		for i, t := range normalized {
			rows = append(rows, models.TierThreshold{
				MerchantID: merchantID,
				Position:   i,
				TierName:   t.Name,
				MinPoints:  t.MinPoints,
				UpdatedAt:  now,
			})
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("tiers: replace: %w", err)
	}
	s.cache.Invalidate(merchantID)
	return normalized, nil
}
