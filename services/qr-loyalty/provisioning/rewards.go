package provisioning

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"qrloyalty/native/loyalty"
	"qrloyalty/services/qr-loyalty/models"
)

// Summary is the customer-facing view of provisioned rewards.
type Summary struct {
	State       *models.CustomerRewardState    `json:"state,omitempty"`
	StateActive bool                           `json:"stateActive"`
	CurrentCode *models.ExternalDiscountRecord `json:"currentCode,omitempty"`
	Grants      []models.RewardGrant           `json:"grants"`
}

// Summary loads the reward state, the current code and the unexpired access
// grants of a customer. Code validity comes from the code's own expiry, not
// the state window.
func (e *Engine) Summary(ctx context.Context, merchantID, customerID string) (Summary, error) {
	now := e.now().UTC()
	var out Summary
	state, err := e.State(ctx, merchantID, customerID)
	switch {
	case err == nil:
		out.State = &state
		out.StateActive = now.Before(state.ExpiresAt)
	case !errors.Is(err, loyalty.ErrNotFound):
		return out, err
	}

	code, err := e.CurrentDiscount(ctx, merchantID, customerID)
	switch {
	case err == nil:
		out.CurrentCode = &code
	case !errors.Is(err, loyalty.ErrNotFound):
		return out, err
	}

	out.Grants = []models.RewardGrant{}
	if err := e.db.WithContext(ctx).
		Where("merchant_id = ? AND customer_id = ? AND (expires_at IS NULL OR expires_at > ?)", merchantID, customerID, now).
		Order("created_at DESC").
		Find(&out.Grants).Error; err != nil {
		return out, fmt.Errorf("provisioning: load grants: %w", err)
	}
	return out, nil
}

// CurrentDiscount returns the most recent unused, unexpired code issued to
// the customer.
func (e *Engine) CurrentDiscount(ctx context.Context, merchantID, customerID string) (models.ExternalDiscountRecord, error) {
	var record models.ExternalDiscountRecord
	err := e.db.WithContext(ctx).
		Where("merchant_id = ? AND customer_id = ? AND is_used = ? AND (expires_at IS NULL OR expires_at > ?)",
			merchantID, customerID, false, e.now().UTC()).
		Order("created_at DESC").
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return record, loyalty.ErrNotFound
	}
	if err != nil {
		return record, fmt.Errorf("provisioning: load current code: %w", err)
	}
	return record, nil
}

// UseDiscount marks a locally issued code as redeemed. Used codes fail with
// loyalty.ErrConflict and expired codes with loyalty.ErrExpired.
func (e *Engine) UseDiscount(ctx context.Context, merchantID, code string) (models.ExternalDiscountRecord, error) {
	now := e.now().UTC()
	var record models.ExternalDiscountRecord
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.ExternalDiscountRecord{}).
			Where("code = ? AND merchant_id = ? AND is_used = ? AND (expires_at IS NULL OR expires_at > ?)", code, merchantID, false, now).
			Updates(map[string]interface{}{"is_used": true, "used_at": now})
		if res.Error != nil {
			return res.Error
		}
		if err := tx.First(&record, "code = ? AND merchant_id = ?", code, merchantID).Error; err != nil {
			return err
		}
		if res.RowsAffected == 1 {
			return nil
		}
		if record.IsUsed {
			return loyalty.ErrConflict
		}
		return loyalty.ErrExpired
	})
	switch {
	case err == nil:
		return record, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return models.ExternalDiscountRecord{}, loyalty.ErrNotFound
	case errors.Is(err, loyalty.ErrConflict), errors.Is(err, loyalty.ErrExpired):
		return record, err
	}
	return models.ExternalDiscountRecord{}, fmt.Errorf("provisioning: use code: %w", err)
}
