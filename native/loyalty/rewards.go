package loyalty

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RewardType discriminates the RewardConfig variants.
type RewardType string

const (
	RewardDiscount         RewardType = "discount"
	RewardFreeShipping     RewardType = "free_shipping"
	RewardExclusiveProduct RewardType = "exclusive_product"
	RewardEarlyAccess      RewardType = "early_access"
)

// RewardTypes lists every supported reward type in dispatch order.
func RewardTypes() []RewardType {
	return []RewardType{RewardDiscount, RewardFreeShipping, RewardExclusiveProduct, RewardEarlyAccess}
}

// Valid reports whether t is a known reward type.
func (t RewardType) Valid() bool {
	switch t {
	case RewardDiscount, RewardFreeShipping, RewardExclusiveProduct, RewardEarlyAccess:
		return true
	}
	return false
}

// ParseRewardType normalises raw into a RewardType.
func ParseRewardType(raw string) (RewardType, error) {
	t := RewardType(strings.ToLower(strings.TrimSpace(raw)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownRewardType, raw)
	}
	return t, nil
}

// Reward kind tokens recorded on a customer's reward state.
const (
	TokenFreeShipping    = "free_shipping"
	TokenExclusiveAccess = "exclusive_access"
	TokenEarlyAccess     = "early_access"
)

// RewardConfig is the type-specific configuration of a reward template. The
// set of implementations is closed.
type RewardConfig interface {
	Type() RewardType
	// Days returns the validity window in days, zero meaning no expiry.
	Days() int
	validate(errs *fieldErrors)
	clone() RewardConfig
}

// DiscountConfig provisions a percentage-off code.
type DiscountConfig struct {
	Percentage       int    `json:"percentage"`
	CodePrefix       string `json:"codePrefix"`
	ExpiresInDays    int    `json:"expiresInDays"`
	PerCustomerLimit int    `json:"perCustomerLimit"`
}

func (DiscountConfig) Type() RewardType { return RewardDiscount }
func (c DiscountConfig) Days() int      { return c.ExpiresInDays }

func (c DiscountConfig) validate(errs *fieldErrors) {
	if c.Percentage < 1 || c.Percentage > 100 {
		errs.add("percentage", "must be between 1 and 100")
	}
	if strings.TrimSpace(c.CodePrefix) == "" {
		errs.add("codePrefix", "must not be empty")
	}
	if c.ExpiresInDays < 0 {
		errs.add("expiresInDays", "must be >= 0")
	}
	if c.PerCustomerLimit < 0 {
		errs.add("perCustomerLimit", "must be >= 0")
	}
}

func (c DiscountConfig) clone() RewardConfig { return c }

// FreeShippingConfig provisions a shipping waiver code.
type FreeShippingConfig struct {
	MinimumOrder  decimal.Decimal `json:"minimumOrder"`
	Zones         []string        `json:"zones,omitempty"`
	ExpiresInDays int             `json:"expiresInDays"`
}

func (FreeShippingConfig) Type() RewardType { return RewardFreeShipping }
func (c FreeShippingConfig) Days() int      { return c.ExpiresInDays }

func (c FreeShippingConfig) validate(errs *fieldErrors) {
	if c.MinimumOrder.IsNegative() {
		errs.add("minimumOrder", "must be >= 0")
	}
	if c.ExpiresInDays < 0 {
		errs.add("expiresInDays", "must be >= 0")
	}
}

func (c FreeShippingConfig) clone() RewardConfig {
	c.Zones = append([]string(nil), c.Zones...)
	return c
}

// ExclusiveProductConfig grants access to gated products and collections.
type ExclusiveProductConfig struct {
	ProductIDs    []string `json:"productIds"`
	CollectionIDs []string `json:"collectionIds"`
	ExpiresInDays int      `json:"expiresInDays"`
}

func (ExclusiveProductConfig) Type() RewardType { return RewardExclusiveProduct }
func (c ExclusiveProductConfig) Days() int      { return c.ExpiresInDays }

func (c ExclusiveProductConfig) validate(errs *fieldErrors) {
	if c.ExpiresInDays < 0 {
		errs.add("expiresInDays", "must be >= 0")
	}
}

func (c ExclusiveProductConfig) clone() RewardConfig {
	c.ProductIDs = append([]string(nil), c.ProductIDs...)
	c.CollectionIDs = append([]string(nil), c.CollectionIDs...)
	return c
}

// AccessWindow bounds an early access period.
type AccessWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// EarlyAccessConfig grants access to launches inside a window.
type EarlyAccessConfig struct {
	AccessWindow  AccessWindow `json:"accessWindow"`
	ExpiresInDays int          `json:"expiresInDays"`
}

func (EarlyAccessConfig) Type() RewardType { return RewardEarlyAccess }
func (c EarlyAccessConfig) Days() int      { return c.ExpiresInDays }

func (c EarlyAccessConfig) validate(errs *fieldErrors) {
	if !c.AccessWindow.Start.Before(c.AccessWindow.End) {
		errs.add("accessWindow", "start must be before end")
	}
	if c.ExpiresInDays < 0 {
		errs.add("expiresInDays", "must be >= 0")
	}
}

func (c EarlyAccessConfig) clone() RewardConfig { return c }

// DefaultConfig returns the default shape for t. now anchors time-based
// defaults.
func DefaultConfig(t RewardType, now time.Time) (RewardConfig, error) {
	switch t {
	case RewardDiscount:
		return DiscountConfig{Percentage: 10, CodePrefix: "LOYAL", ExpiresInDays: 30, PerCustomerLimit: 1}, nil
	case RewardFreeShipping:
		return FreeShippingConfig{MinimumOrder: decimal.Zero, ExpiresInDays: 30}, nil
	case RewardExclusiveProduct:
		return ExclusiveProductConfig{ProductIDs: []string{}, CollectionIDs: []string{}, ExpiresInDays: 30}, nil
	case RewardEarlyAccess:
		start := now.UTC().Truncate(time.Hour)
		return EarlyAccessConfig{AccessWindow: AccessWindow{Start: start, End: start.Add(7 * 24 * time.Hour)}, ExpiresInDays: 30}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownRewardType, t)
}

// DecodeConfig parses a stored configuration for t.
func DecodeConfig(t RewardType, data []byte) (RewardConfig, error) {
	var base RewardConfig
	switch t {
	case RewardDiscount:
		base = DiscountConfig{}
	case RewardFreeShipping:
		base = FreeShippingConfig{}
	case RewardExclusiveProduct:
		base = ExclusiveProductConfig{}
	case RewardEarlyAccess:
		base = EarlyAccessConfig{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRewardType, t)
	}
	return OverlayConfig(base, data)
}

// OverlayConfig applies the JSON fields present in patch on top of a copy of
// base. base is never mutated.
func OverlayConfig(base RewardConfig, patch []byte) (RewardConfig, error) {
	if base == nil {
		return nil, ErrUnknownRewardType
	}
	cfg := base.clone()
	trimmed := bytes.TrimSpace(patch)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return cfg, nil
	}
	var err error
	switch c := cfg.(type) {
	case DiscountConfig:
		err = json.Unmarshal(trimmed, &c)
		cfg = c
	case FreeShippingConfig:
		err = json.Unmarshal(trimmed, &c)
		cfg = c
	case ExclusiveProductConfig:
		err = json.Unmarshal(trimmed, &c)
		cfg = c
	case EarlyAccessConfig:
		err = json.Unmarshal(trimmed, &c)
		cfg = c
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownRewardType, base)
	}
	if err != nil {
		return nil, Invalid("config", err.Error())
	}
	return cfg, nil
}

// EncodeConfig serialises cfg for storage.
func EncodeConfig(cfg RewardConfig) ([]byte, error) {
	if cfg == nil {
		return nil, ErrUnknownRewardType
	}
	return json.Marshal(cfg)
}

// ValidateTemplate checks a template's tier, type and configuration,
// collecting every violation into one ValidationError.
func ValidateTemplate(tier string, t RewardType, cfg RewardConfig) error {
	var errs fieldErrors
	if strings.TrimSpace(tier) == "" {
		errs.add("tier", "must not be empty")
	}
	if !t.Valid() {
		errs.add("rewardType", "unknown reward type")
	}
	if cfg == nil {
		errs.add("config", "required")
		return errs.err()
	}
	if t.Valid() && cfg.Type() != t {
		errs.add("config", "does not match reward type")
	}
	cfg.validate(&errs)
	return errs.err()
}

// RewardToken is the kind token a provisioned reward contributes to the
// customer's reward state.
func RewardToken(cfg RewardConfig) string {
	switch c := cfg.(type) {
	case DiscountConfig:
		return fmt.Sprintf("discount_%d", c.Percentage)
	case FreeShippingConfig:
		return TokenFreeShipping
	case ExclusiveProductConfig:
		return TokenExclusiveAccess
	case EarlyAccessConfig:
		return TokenEarlyAccess
	}
	return ""
}

// ExpiryFor returns when a reward provisioned at now stops being valid, or
// nil when cfg carries no expiry.
func ExpiryFor(cfg RewardConfig, now time.Time) *time.Time {
	if cfg == nil || cfg.Days() <= 0 {
		return nil
	}
	at := now.Add(time.Duration(cfg.Days()) * 24 * time.Hour)
	return &at
}
