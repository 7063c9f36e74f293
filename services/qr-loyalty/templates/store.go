package templates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"qrloyalty/native/loyalty"
	"qrloyalty/services/qr-loyalty/cache"
	"qrloyalty/services/qr-loyalty/models"
)

// Template is a decoded reward template.
type Template struct {
	ID         uuid.UUID            `json:"id"`
	MerchantID string               `json:"merchantId"`
	Tier       string               `json:"tier"`
	RewardType loyalty.RewardType   `json:"rewardType"`
	Name       string               `json:"name"`
	Config     loyalty.RewardConfig `json:"config"`
	IsActive   bool                 `json:"isActive"`
	CreatedAt  time.Time            `json:"createdAt"`
	UpdatedAt  time.Time            `json:"updatedAt"`
}

// CreateInput describes a new template. Config fields overlay the reward
// type's default configuration; IsActive defaults to true.
type CreateInput struct {
	Tier       string          `json:"tier"`
	RewardType string          `json:"rewardType"`
	Name       string          `json:"name"`
	Config     json.RawMessage `json:"config"`
	IsActive   *bool           `json:"isActive"`
}

// Patch carries the fields to change on an existing template. A reward type
// change regenerates the configuration from the new type's default before
// Config is applied.
type Patch struct {
	Tier       *string         `json:"tier"`
	RewardType *string         `json:"rewardType"`
	Name       *string         `json:"name"`
	Config     json.RawMessage `json:"config"`
	IsActive   *bool           `json:"isActive"`
}

// Filter narrows List.
type Filter struct {
	Tier       string
	RewardType string
	ActiveOnly bool
}

// TierSource supplies a merchant's tier table.
type TierSource interface {
	Thresholds(ctx context.Context, merchantID string) ([]loyalty.Threshold, error)
}

// Store persists reward templates.
type Store struct {
	db     *gorm.DB
	active *cache.TTL[string, []Template]
	tiers  TierSource
	now    func() time.Time
}

// NewStore constructs a template store. active caches ListActive results and
// may be nil.
func NewStore(db *gorm.DB, active *cache.TTL[string, []Template]) *Store {
	return &Store{db: db, active: active, now: time.Now}
}

// WithClock overrides the time source.
func (s *Store) WithClock(now func() time.Time) *Store {
	if now != nil {
		s.now = now
	}
	return s
}

// WithTiers makes writes resolve template tiers against the merchant's tier
// table, storing the table's spelling and rejecting unknown names.
func (s *Store) WithTiers(tiers TierSource) *Store {
	s.tiers = tiers
	return s
}

// canonicalTier returns the tier table's spelling of tier and whether the
// name is known. Without a tier source every name is accepted as given.
func (s *Store) canonicalTier(ctx context.Context, merchantID, tier string) (string, bool, error) {
	tier = strings.TrimSpace(tier)
	if tier == "" || s.tiers == nil {
		return tier, true, nil
	}
	thresholds, err := s.tiers.Thresholds(ctx, merchantID)
	if err != nil {
		return "", false, fmt.Errorf("templates: tiers: %w", err)
	}
	for _, t := range thresholds {
		if strings.EqualFold(t.Name, tier) {
			return t.Name, true, nil
		}
	}
	return tier, false, nil
}

func validateTemplate(tier string, known bool, t loyalty.RewardType, cfg loyalty.RewardConfig) error {
	err := loyalty.ValidateTemplate(tier, t, cfg)
	if known {
		return err
	}
	const reason = "must name one of the merchant's tiers"
	var verr *loyalty.ValidationError
	if errors.As(err, &verr) {
		verr.Fields = append(verr.Fields, loyalty.FieldError{Field: "tier", Reason: reason})
		return verr
	}
	return loyalty.Invalid("tier", reason)
}

func activeKey(merchantID, tier string) string {
	return merchantID + "|" + strings.ToLower(tier)
}

// Create validates and stores a new template.
func (s *Store) Create(ctx context.Context, merchantID string, in CreateInput) (Template, error) {
	if strings.TrimSpace(merchantID) == "" {
		return Template{}, loyalty.Invalid("merchantId", "must not be empty")
	}
	rewardType, err := loyalty.ParseRewardType(in.RewardType)
	if err != nil {
		return Template{}, loyalty.Invalid("rewardType", "unknown reward type")
	}
	now := s.now().UTC()
	base, err := loyalty.DefaultConfig(rewardType, now)
	if err != nil {
		return Template{}, err
	}
	cfg, err := loyalty.OverlayConfig(base, in.Config)
	if err != nil {
		return Template{}, err
	}
	tier, known, err := s.canonicalTier(ctx, merchantID, in.Tier)
	if err != nil {
		return Template{}, err
	}
	if err := validateTemplate(tier, known, rewardType, cfg); err != nil {
		return Template{}, err
	}
	encoded, err := loyalty.EncodeConfig(cfg)
	if err != nil {
		return Template{}, err
	}
	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}
	row := models.RewardTemplate{
		ID:         uuid.New(),
		MerchantID: merchantID,
		Tier:       tier,
		RewardType: string(rewardType),
		Name:       strings.TrimSpace(in.Name),
		Config:     datatypes.JSON(encoded),
		IsActive:   active,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureSlotFree(tx, row, uuid.Nil); err != nil {
			return err
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return Template{}, translate("create", err)
	}
	s.active.Invalidate(activeKey(merchantID, tier))
	return decode(row)
}

// Get returns a template owned by merchantID.
func (s *Store) Get(ctx context.Context, merchantID string, id uuid.UUID) (Template, error) {
	var row models.RewardTemplate
	if err := s.db.WithContext(ctx).First(&row, "id = ? AND merchant_id = ?", id, merchantID).Error; err != nil {
		return Template{}, translate("get", err)
	}
	return decode(row)
}

// List returns the merchant's templates ordered by tier and reward type.
func (s *Store) List(ctx context.Context, merchantID string, filter Filter) ([]Template, error) {
	query := s.db.WithContext(ctx).Where("merchant_id = ?", merchantID)
	if filter.Tier != "" {
		query = query.Where("LOWER(tier) = ?", strings.ToLower(strings.TrimSpace(filter.Tier)))
	}
	if filter.RewardType != "" {
		query = query.Where("reward_type = ?", filter.RewardType)
	}
	if filter.ActiveOnly {
		query = query.Where("is_active = ?", true)
	}
	var rows []models.RewardTemplate
	if err := query.Order("tier ASC, reward_type ASC").Find(&rows).Error; err != nil {
		return nil, translate("list", err)
	}
	return decodeAll(rows)
}

// ListActive returns the active templates for a tier in creation order.
func (s *Store) ListActive(ctx context.Context, merchantID, tier string) ([]Template, error) {
	return s.active.GetOrLoad(ctx, activeKey(merchantID, tier), func(ctx context.Context) ([]Template, error) {
		var rows []models.RewardTemplate
		if err := s.db.WithContext(ctx).
			Where("merchant_id = ? AND LOWER(tier) = ? AND is_active = ?", merchantID, strings.ToLower(strings.TrimSpace(tier)), true).
			Order("created_at ASC, id ASC").
			Find(&rows).Error; err != nil {
			return nil, translate("list active", err)
		}
		return decodeAll(rows)
	})
}

// Update applies patch to a template.
func (s *Store) Update(ctx context.Context, merchantID string, id uuid.UUID, patch Patch) (Template, error) {
	var (
		row       models.RewardTemplate
		oldTier   string
		patchTier string
		tierKnown = true
	)
	if patch.Tier != nil {
		var err error
		if patchTier, tierKnown, err = s.canonicalTier(ctx, merchantID, *patch.Tier); err != nil {
			return Template{}, err
		}
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&row, "id = ? AND merchant_id = ?", id, merchantID).Error; err != nil {
			return err
		}
		oldTier = row.Tier
		current, err := decode(row)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		rewardType := current.RewardType
		base := current.Config
		if patch.RewardType != nil {
			next, err := loyalty.ParseRewardType(*patch.RewardType)
			if err != nil {
				return loyalty.Invalid("rewardType", "unknown reward type")
			}
			if next != rewardType {
				if base, err = loyalty.DefaultConfig(next, now); err != nil {
					return err
				}
				rewardType = next
			}
		}
		cfg, err := loyalty.OverlayConfig(base, patch.Config)
		if err != nil {
			return err
		}
		tier := row.Tier
		if patch.Tier != nil {
			tier = patchTier
		}
		if err := validateTemplate(tier, tierKnown, rewardType, cfg); err != nil {
			return err
		}
		encoded, err := loyalty.EncodeConfig(cfg)
		if err != nil {
			return err
		}
		row.Tier = tier
		row.RewardType = string(rewardType)
		row.Config = datatypes.JSON(encoded)
		if patch.Name != nil {
			row.Name = strings.TrimSpace(*patch.Name)
		}
		if patch.IsActive != nil {
			row.IsActive = *patch.IsActive
		}
		row.UpdatedAt = now
		if err := ensureSlotFree(tx, row, row.ID); err != nil {
			return err
		}
		return tx.Save(&row).Error
	})
	if err != nil {
		return Template{}, translate("update", err)
	}
	s.active.Invalidate(activeKey(merchantID, oldTier))
	s.active.Invalidate(activeKey(merchantID, row.Tier))
	return decode(row)
}

// Delete removes a template. Rewards already provisioned from it are kept.
func (s *Store) Delete(ctx context.Context, merchantID string, id uuid.UUID) error {
	var row models.RewardTemplate
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&row, "id = ? AND merchant_id = ?", id, merchantID).Error; err != nil {
			return err
		}
		return tx.Delete(&models.RewardTemplate{}, "id = ?", id).Error
	})
	if err != nil {
		return translate("delete", err)
	}
	s.active.Invalidate(activeKey(merchantID, row.Tier))
	return nil
}

func ensureSlotFree(tx *gorm.DB, row models.RewardTemplate, self uuid.UUID) error {
	var count int64
	query := tx.Model(&models.RewardTemplate{}).
		Where("merchant_id = ? AND LOWER(tier) = ? AND reward_type = ?", row.MerchantID, strings.ToLower(row.Tier), row.RewardType)
	if self != uuid.Nil {
		query = query.Where("id <> ?", self)
	}
	if err := query.Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return loyalty.ErrConflict
	}
	return nil
}

func translate(op string, err error) error {
	var verr *loyalty.ValidationError
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("templates: %s: %w", op, loyalty.ErrNotFound)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("templates: %s: %w", op, loyalty.ErrConflict)
	case errors.As(err, &verr), errors.Is(err, loyalty.ErrConflict), errors.Is(err, loyalty.ErrUnknownRewardType):
		return err
	}
	return fmt.Errorf("templates: %s: %w", op, err)
}

func decode(row models.RewardTemplate) (Template, error) {
	rewardType := loyalty.RewardType(row.RewardType)
	cfg, err := loyalty.DecodeConfig(rewardType, row.Config)
	if err != nil {
		return Template{}, fmt.Errorf("templates: decode %s: %w", row.ID, err)
	}
	return Template{
		ID:         row.ID,
		MerchantID: row.MerchantID,
		Tier:       row.Tier,
		RewardType: rewardType,
		Name:       row.Name,
		Config:     cfg,
		IsActive:   row.IsActive,
		CreatedAt:  row.CreatedAt,
		UpdatedAt:  row.UpdatedAt,
	}, nil
}

func decodeAll(rows []models.RewardTemplate) ([]Template, error) {
	out := make([]Template, 0, len(rows))
	for _, row := range rows {
		t, err := decode(row)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
