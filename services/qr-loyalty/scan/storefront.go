package scan

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"qrloyalty/services/qr-loyalty/cache"
	"qrloyalty/services/qr-loyalty/models"
)

// StorefrontSource returns the storefront base URL of a merchant.
type StorefrontSource interface {
	Storefront(ctx context.Context, merchantID string) (string, error)
}

// MerchantStorefronts reads storefront URLs from merchant records, falling
// back to https://<shop domain> and then to a configured default.
type MerchantStorefronts struct {
	db       *gorm.DB
	cache    *cache.TTL[string, string]
	fallback string
}

// NewMerchantStorefronts constructs a source. c may be nil.
func NewMerchantStorefronts(db *gorm.DB, c *cache.TTL[string, string], fallback string) *MerchantStorefronts {
	return &MerchantStorefronts{db: db, cache: c, fallback: strings.TrimSpace(fallback)}
}

// Storefront implements StorefrontSource.
func (s *MerchantStorefronts) Storefront(ctx context.Context, merchantID string) (string, error) {
	return s.cache.GetOrLoad(ctx, merchantID, func(ctx context.Context) (string, error) {
		var merchant models.Merchant
		err := s.db.WithContext(ctx).First(&merchant, "id = ?", merchantID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return s.fallback, nil
		case err != nil:
			return "", fmt.Errorf("scan: load merchant: %w", err)
		}
		if u := strings.TrimSpace(merchant.StorefrontURL); u != "" {
			return u, nil
		}
		if d := strings.TrimSpace(merchant.ShopDomain); d != "" {
			return "https://" + d, nil
		}
		return s.fallback, nil
	})
}
