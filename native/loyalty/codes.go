package loyalty

import (
	"fmt"
	"strings"
)

// ShippingCodePrefix starts every free shipping code.
const ShippingCodePrefix = "SHIP"

// DiscountCode formats a percentage discount code as
// {prefix}{TIER}{percentage}_{suffix}.
func DiscountCode(prefix, tier string, percentage int, suffix string) string {
	return fmt.Sprintf("%s%s%d_%s", strings.TrimSpace(prefix), strings.ToUpper(tier), percentage, suffix)
}

// ShippingCode formats a free shipping code as SHIP{TIER}_{suffix}.
func ShippingCode(tier, suffix string) string {
	return ShippingCodePrefix + strings.ToUpper(tier) + "_" + suffix
}

// ExclusiveAccessTag is the customer tag unlocking gated products for tier.
func ExclusiveAccessTag(tier string) string {
	return "exclusive_" + strings.ToLower(tier) + "_access"
}

// EarlyAccessTag is the customer tag unlocking early launches for tier.
func EarlyAccessTag(tier string) string {
	return "early_access_" + strings.ToLower(tier)
}
