// Package commerce talks to the hosted commerce platform that owns discount
// codes and customer tags, and records every issued reward locally.
package commerce

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrCustomerNotFound  = errors.New("commerce: customer not found")
	ErrAnonymousCustomer = errors.New("commerce: anonymous customer has no platform account")
	ErrNotConfigured     = errors.New("commerce: merchant has no platform credentials")
)

// PercentageDiscount describes a percentage-off code to create.
type PercentageDiscount struct {
	Title           string
	Code            string
	Percentage      int
	StartsAt        time.Time
	EndsAt          *time.Time
	OncePerCustomer bool
	UsageLimit      int
}

// FreeShippingDiscount describes a shipping waiver code to create.
type FreeShippingDiscount struct {
	Title           string
	Code            string
	MinimumSubtotal decimal.Decimal
	CountryCodes    []string
	StartsAt        time.Time
	EndsAt          *time.Time
	OncePerCustomer bool
}

// Customer is the platform's view of a customer.
type Customer struct {
	ID    string   `json:"id"`
	Email string   `json:"email"`
	Tags  []string `json:"tags"`
}

// HasTag reports whether the customer already carries tag.
func (c *Customer) HasTag(tag string) bool {
	if c == nil {
		return false
	}
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Platform abstracts the commerce platform operations used for provisioning.
type Platform interface {
	CreatePercentageDiscount(ctx context.Context, d PercentageDiscount) (string, error)
	CreateFreeShippingDiscount(ctx context.Context, d FreeShippingDiscount) (string, error)
	FindCustomer(ctx context.Context, identifier string) (*Customer, error)
	UpdateCustomerTags(ctx context.Context, customerID string, tags []string) error
}

// Resolver returns the platform client for a merchant.
type Resolver interface {
	Platform(ctx context.Context, merchantID string) (Platform, error)
}

// StaticResolver serves the same platform to every merchant.
type StaticResolver struct {
	Client Platform
}

// Platform implements Resolver.
func (r StaticResolver) Platform(context.Context, string) (Platform, error) {
	if r.Client == nil {
		return nil, ErrNotConfigured
	}
	return r.Client, nil
}
