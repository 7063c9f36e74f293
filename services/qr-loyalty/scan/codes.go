package scan

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"qrloyalty/native/loyalty"
	"qrloyalty/services/qr-loyalty/models"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,127}$`)

// CodeInput registers a QR code.
type CodeInput struct {
	Slug          string     `json:"slug"`
	Title         string     `json:"title"`
	Type          string     `json:"type"`
	Destination   string     `json:"destination"`
	PointsPerScan int        `json:"pointsPerScan"`
	ExpiresAt     *time.Time `json:"expiresAt"`
}

// Codes registers and reads QR codes of a merchant.
type Codes struct {
	db  *gorm.DB
	now func() time.Time
}

func NewCodes(db *gorm.DB) *Codes {
	return &Codes{db: db, now: time.Now}
}

// WithClock overrides the time source.
func (c *Codes) WithClock(now func() time.Time) *Codes {
	if now != nil {
		c.now = now
	}
	return c
}

// Create validates in and stores an active code. Slugs are unique across
// merchants because scans resolve them without merchant context.
func (c *Codes) Create(ctx context.Context, merchantID string, in CodeInput) (models.QRCode, error) {
	in.Slug = strings.ToLower(strings.TrimSpace(in.Slug))
	in.Type = strings.ToLower(strings.TrimSpace(in.Type))
	in.Destination = strings.TrimSpace(in.Destination)
	now := c.now().UTC()

	var errs []loyalty.FieldError
	invalid := func(field, reason string) {
		errs = append(errs, loyalty.FieldError{Field: field, Reason: reason})
	}
	if strings.TrimSpace(merchantID) == "" {
		invalid("merchantId", "must not be empty")
	}
	if in.Slug != "" && !slugPattern.MatchString(in.Slug) {
		invalid("slug", "must be lowercase letters, digits, '-' or '_'")
	}
	if !knownType(in.Type) {
		invalid("type", "unknown qr code type")
	}
	if in.Destination == "" && in.Type != models.QRTypeLoyalty {
		invalid("destination", "must not be empty")
	}
	if in.PointsPerScan < 0 {
		invalid("pointsPerScan", "must not be negative")
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		invalid("expiresAt", "must be in the future")
	}
	if len(errs) > 0 {
		return models.QRCode{}, &loyalty.ValidationError{Fields: errs}
	}

	qr := models.QRCode{
		ID:            uuid.New(),
		MerchantID:    merchantID,
		Slug:          in.Slug,
		Title:         strings.TrimSpace(in.Title),
		Type:          in.Type,
		Destination:   in.Destination,
		Active:        true,
		PointsPerScan: in.PointsPerScan,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if qr.Slug == "" {
		qr.Slug = qr.ID.String()
	}
	if in.ExpiresAt != nil {
		expires := in.ExpiresAt.UTC()
		qr.ExpiresAt = &expires
	}
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.QRCode{}).Where("slug = ?", qr.Slug).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("scan: slug %q: %w", qr.Slug, loyalty.ErrConflict)
		}
		return tx.Create(&qr).Error
	})
	if err != nil {
		if errors.Is(err, loyalty.ErrConflict) {
			return models.QRCode{}, err
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return models.QRCode{}, fmt.Errorf("scan: slug %q: %w", qr.Slug, loyalty.ErrConflict)
		}
		return models.QRCode{}, fmt.Errorf("scan: create code: %w", err)
	}
	return qr, nil
}

// Get returns a code owned by merchantID by id or slug.
func (c *Codes) Get(ctx context.Context, merchantID, id string) (models.QRCode, error) {
	q := c.db.WithContext(ctx).Where("merchant_id = ?", merchantID)
	if parsed, err := uuid.Parse(id); err == nil {
		q = q.Where("id = ?", parsed)
	} else {
		q = q.Where("slug = ?", strings.ToLower(strings.TrimSpace(id)))
	}
	var qr models.QRCode
	err := q.First(&qr).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return models.QRCode{}, loyalty.ErrNotFound
	case err != nil:
		return models.QRCode{}, fmt.Errorf("scan: get code: %w", err)
	}
	return qr, nil
}
