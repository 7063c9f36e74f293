package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PointsSource records what produced the latest change to a balance.
type PointsSource string

// Point sources.
const (
	SourceScan     PointsSource = "scan"
	SourcePurchase PointsSource = "purchase"
	SourceManual   PointsSource = "manual"
)

// Valid reports whether s is a known source.
func (s PointsSource) Valid() bool {
	switch s {
	case SourceScan, SourcePurchase, SourceManual:
		return true
	}
	return false
}

// QR code types. The type selects the redirect shape and whether a scan is
// a loyalty touchpoint.
const (
	QRTypeProduct    = "product"
	QRTypeCollection = "collection"
	QRTypeDiscount   = "discount"
	QRTypeCheckout   = "checkout"
	QRTypeLink       = "link"
	QRTypeLoyalty    = "loyalty"
)

// Merchant stores the storefront and commerce platform credentials of a shop.
type Merchant struct {
	ID            string    `gorm:"primaryKey;size:128" json:"id"`
	Name          string    `json:"name"`
	ShopDomain    string    `gorm:"uniqueIndex;size:255" json:"shopDomain"`
	StorefrontURL string    `json:"storefrontUrl"`
	AccessToken   string    `json:"-"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// PointsBalance is the running point total of one customer at one merchant.
type PointsBalance struct {
	MerchantID string       `gorm:"primaryKey;size:128" json:"merchantId"`
	CustomerID string       `gorm:"primaryKey;size:128" json:"customerId"`
	Points     int64        `gorm:"not null" json:"points"`
	LastSource PointsSource `gorm:"size:16" json:"lastSource"`
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

// TierThreshold is one row of a merchant's tier table.
type TierThreshold struct {
	MerchantID string `gorm:"primaryKey;size:128"`
	Position   int    `gorm:"primaryKey"`
	TierName   string `gorm:"size:64;not null"`
	MinPoints  int64  `gorm:"not null"`
	UpdatedAt  time.Time
}

// RewardTemplate configures the reward a tier grants. Config holds the JSON
// encoding of the variant matching RewardType.
type RewardTemplate struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	MerchantID string         `gorm:"size:128;not null;uniqueIndex:idx_reward_template_slot" json:"merchantId"`
	Tier       string         `gorm:"size:64;not null;uniqueIndex:idx_reward_template_slot" json:"tier"`
	RewardType string         `gorm:"size:32;not null;uniqueIndex:idx_reward_template_slot" json:"rewardType"`
	Name       string         `json:"name"`
	Config     datatypes.JSON `json:"config"`
	IsActive   bool           `gorm:"not null" json:"isActive"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// CustomerRewardState is the last tier a customer was provisioned for and the
// reward kinds granted with it.
type CustomerRewardState struct {
	MerchantID        string         `gorm:"primaryKey;size:128" json:"merchantId"`
	CustomerID        string         `gorm:"primaryKey;size:128" json:"customerId"`
	CurrentTier       string         `gorm:"size:64;not null" json:"currentTier"`
	ActiveRewardKinds datatypes.JSON `json:"activeRewardKinds"`
	PrimaryCode       *string        `gorm:"size:64" json:"primaryCode,omitempty"`
	ExpiresAt         time.Time      `json:"expiresAt"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

// RewardKinds decodes ActiveRewardKinds.
func (s CustomerRewardState) RewardKinds() []string {
	if len(s.ActiveRewardKinds) == 0 {
		return nil
	}
	var kinds []string
	if err := json.Unmarshal(s.ActiveRewardKinds, &kinds); err != nil {
		return nil
	}
	return kinds
}

// EncodeKinds returns the JSON column value for kinds.
func EncodeKinds(kinds []string) datatypes.JSON {
	if kinds == nil {
		kinds = []string{}
	}
	data, _ := json.Marshal(kinds)
	return datatypes.JSON(data)
}

// ExternalDiscountRecord is the local copy of a code issued to a customer.
// ExternalID carries the platform reference, or a local placeholder when the
// platform call failed.
type ExternalDiscountRecord struct {
	Code         string              `gorm:"primaryKey;size:64" json:"code"`
	MerchantID   string              `gorm:"size:128;not null;index:idx_discount_customer" json:"merchantId"`
	CustomerID   string              `gorm:"size:128;not null;index:idx_discount_customer" json:"customerId"`
	Tier         string              `gorm:"size:64" json:"tier"`
	RewardType   string              `gorm:"size:32" json:"rewardType"`
	ExternalID   string              `gorm:"size:255" json:"externalId"`
	Synced       bool                `gorm:"not null" json:"synced"`
	Percentage   *int                `json:"percentage,omitempty"`
	MinimumOrder decimal.NullDecimal `gorm:"type:numeric(12,2)" json:"minimumOrder"`
	IsUsed       bool                `gorm:"not null" json:"isUsed"`
	UsedAt       *time.Time          `json:"usedAt,omitempty"`
	ExpiresAt    *time.Time          `json:"expiresAt,omitempty"`
	CreatedAt    time.Time           `json:"createdAt"`
}

// Usable reports whether the code can still be redeemed at now.
func (r ExternalDiscountRecord) Usable(now time.Time) bool {
	if r.IsUsed {
		return false
	}
	return r.ExpiresAt == nil || now.Before(*r.ExpiresAt)
}

// RewardGrant records an access tag granted to a customer.
type RewardGrant struct {
	ID                 uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	MerchantID         string     `gorm:"size:128;not null;index:idx_grant_customer" json:"merchantId"`
	CustomerID         string     `gorm:"size:128;not null;index:idx_grant_customer" json:"customerId"`
	Tier               string     `gorm:"size:64" json:"tier"`
	RewardType         string     `gorm:"size:32" json:"rewardType"`
	Tag                string     `gorm:"size:128" json:"tag"`
	ExternalCustomerID string     `gorm:"size:255" json:"externalCustomerId,omitempty"`
	Synced             bool       `gorm:"not null" json:"synced"`
	ExpiresAt          *time.Time `json:"expiresAt,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
}

// QRCode is a printed code that resolves to a storefront destination.
type QRCode struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	MerchantID    string     `gorm:"size:128;not null;index" json:"merchantId"`
	Slug          string     `gorm:"size:128;uniqueIndex" json:"slug"`
	Title         string     `json:"title"`
	Type          string     `gorm:"size:32;index" json:"type"`
	Destination   string     `json:"destination"`
	Active        bool       `gorm:"not null;index" json:"active"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	ScanCount     int64      `gorm:"not null" json:"scanCount"`
	PointsPerScan int        `gorm:"not null" json:"pointsPerScan"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Expired reports whether the code stopped resolving before now.
func (q QRCode) Expired(now time.Time) bool {
	return q.ExpiresAt != nil && !now.Before(*q.ExpiresAt)
}

// ScanEvent is an analytics row for a scan or a client-side interaction.
type ScanEvent struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	QRCodeID   uuid.UUID      `gorm:"type:uuid;index" json:"qrCodeId"`
	MerchantID string         `gorm:"size:128;index" json:"merchantId"`
	EventType  string         `gorm:"size:32;not null" json:"eventType"`
	CustomerID string         `gorm:"size:128" json:"customerId,omitempty"`
	UserAgent  string         `json:"userAgent,omitempty"`
	Referrer   string         `json:"referrer,omitempty"`
	Meta       datatypes.JSON `json:"meta,omitempty"`
	CreatedAt  time.Time      `gorm:"index" json:"createdAt"`
}

// IdempotencyKey persists responses for idempotent admin writes.
type IdempotencyKey struct {
	Key        string `gorm:"primaryKey;size:128"`
	MerchantID string `gorm:"primaryKey;size:128"`
	RequestID  string
	Method     string
	Path       string
	Status     int
	Response   string `gorm:"type:text"`
	CreatedAt  time.Time
}

// AutoMigrate applies database migrations for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Merchant{},
		&PointsBalance{},
		&TierThreshold{},
		&RewardTemplate{},
		&CustomerRewardState{},
		&ExternalDiscountRecord{},
		&RewardGrant{},
		&QRCode{},
		&ScanEvent{},
		&IdempotencyKey{},
	)
}
