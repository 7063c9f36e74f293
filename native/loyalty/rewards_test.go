package loyalty

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestDiscountPercentageZeroNamesField(t *testing.T) {
	cfg := DiscountConfig{Percentage: 0, CodePrefix: "VIP", ExpiresInDays: 30}
	err := ValidateTemplate(TierGold, RewardDiscount, cfg)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !verr.Has("percentage") {
		t.Fatalf("expected percentage violation, got %v", verr.FieldNames())
	}
}

func TestValidateTemplateCollectsEveryField(t *testing.T) {
	err := ValidateTemplate("", RewardDiscount, DiscountConfig{Percentage: 101, CodePrefix: " ", ExpiresInDays: -1, PerCustomerLimit: -2})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	want := []string{"codePrefix", "expiresInDays", "perCustomerLimit", "percentage", "tier"}
	got := verr.FieldNames()
	if len(got) != len(want) {
		t.Fatalf("expected %v got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v got %v", want, got)
		}
	}
}

func TestValidateFreeShippingAndEarlyAccess(t *testing.T) {
	err := ValidateTemplate(TierSilver, RewardFreeShipping, FreeShippingConfig{MinimumOrder: decimal.NewFromInt(-5)})
	var verr *ValidationError
	if !errors.As(err, &verr) || !verr.Has("minimumOrder") {
		t.Fatalf("expected minimumOrder violation, got %v", err)
	}

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	err = ValidateTemplate(TierGold, RewardEarlyAccess, EarlyAccessConfig{AccessWindow: AccessWindow{Start: now, End: now}})
	if !errors.As(err, &verr) || !verr.Has("accessWindow") {
		t.Fatalf("expected accessWindow violation, got %v", err)
	}
}

func TestDefaultConfigsAreValid(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	for _, rt := range RewardTypes() {
		cfg, err := DefaultConfig(rt, now)
		if err != nil {
			t.Fatalf("default %s: %v", rt, err)
		}
		if cfg.Type() != rt {
			t.Fatalf("default %s has type %s", rt, cfg.Type())
		}
		if err := ValidateTemplate(TierGold, rt, cfg); err != nil {
			t.Fatalf("default %s invalid: %v", rt, err)
		}
	}
	if _, err := DefaultConfig("points_multiplier", now); !errors.Is(err, ErrUnknownRewardType) {
		t.Fatalf("expected unknown type error, got %v", err)
	}
}

func TestOverlayConfigKeepsUnsetFields(t *testing.T) {
	base := DiscountConfig{Percentage: 10, CodePrefix: "LOYAL", ExpiresInDays: 30, PerCustomerLimit: 1}
	cfg, err := OverlayConfig(base, []byte(`{"percentage":25}`))
	if err != nil {
		t.Fatalf("overlay: %v", err)
	}
	got := cfg.(DiscountConfig)
	if got.Percentage != 25 || got.CodePrefix != "LOYAL" || got.ExpiresInDays != 30 {
		t.Fatalf("unexpected overlay result %+v", got)
	}
	if base.Percentage != 10 {
		t.Fatalf("base mutated")
	}
}

func TestOverlayConfigDoesNotShareSlices(t *testing.T) {
	base := FreeShippingConfig{Zones: []string{"US", "CA"}, ExpiresInDays: 10}
	cfg, err := OverlayConfig(base, []byte(`{"zones":["GB"]}`))
	if err != nil {
		t.Fatalf("overlay: %v", err)
	}
	if got := cfg.(FreeShippingConfig).Zones; len(got) != 1 || got[0] != "GB" {
		t.Fatalf("unexpected zones %v", got)
	}
	if base.Zones[0] != "US" {
		t.Fatalf("base zones mutated: %v", base.Zones)
	}
}

func TestOverlayConfigRejectsMalformedJSON(t *testing.T) {
	_, err := OverlayConfig(DiscountConfig{}, []byte(`{"percentage":"ten"}`))
	var verr *ValidationError
	if !errors.As(err, &verr) || !verr.Has("config") {
		t.Fatalf("expected config violation, got %v", err)
	}
}

func TestEncodeDecodeFreeShipping(t *testing.T) {
	cfg := FreeShippingConfig{MinimumOrder: decimal.RequireFromString("49.90"), Zones: []string{"US"}, ExpiresInDays: 14}
	data, err := EncodeConfig(cfg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeConfig(RewardFreeShipping, data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := decoded.(FreeShippingConfig)
	if !got.MinimumOrder.Equal(cfg.MinimumOrder) {
		t.Fatalf("expected minimum %s got %s", cfg.MinimumOrder, got.MinimumOrder)
	}
}

func TestRewardTokens(t *testing.T) {
	cases := map[string]RewardConfig{
		"discount_15":      DiscountConfig{Percentage: 15},
		"free_shipping":    FreeShippingConfig{},
		"exclusive_access": ExclusiveProductConfig{},
		"early_access":     EarlyAccessConfig{},
	}
	for want, cfg := range cases {
		if got := RewardToken(cfg); got != want {
			t.Fatalf("expected %s got %s", want, got)
		}
	}
}

func TestExpiryFor(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	at := ExpiryFor(DiscountConfig{ExpiresInDays: 7}, now)
	if at == nil || !at.Equal(now.AddDate(0, 0, 7)) {
		t.Fatalf("unexpected expiry %v", at)
	}
	if ExpiryFor(DiscountConfig{}, now) != nil {
		t.Fatalf("expected no expiry")
	}
}

func TestParseRewardType(t *testing.T) {
	rt, err := ParseRewardType(" Free_Shipping ")
	if err != nil || rt != RewardFreeShipping {
		t.Fatalf("unexpected parse %q %v", rt, err)
	}
	if _, err := ParseRewardType("cashback"); !errors.Is(err, ErrUnknownRewardType) {
		t.Fatalf("expected unknown type, got %v", err)
	}
}
