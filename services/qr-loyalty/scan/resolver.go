// Package scan resolves inbound QR scans, records them and drives the loyalty
// side effects before handing back a redirect target.
package scan

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"qrloyalty/native/loyalty"
	"qrloyalty/services/qr-loyalty/models"
)

const candidateLimit = 25

type strategy struct {
	name  string
	match func(ctx context.Context, db *gorm.DB, id string) ([]models.QRCode, error)
	// final stops the search when every match has expired.
	final bool
}

// Resolver maps an inbound identifier to a QR code. Strategies run in order
// and the first one yielding exactly one live code wins.
type Resolver struct {
	db         *gorm.DB
	now        func() time.Time
	strategies []strategy
}

// NewResolver constructs a resolver with the default strategy order: exact
// id or slug, title contains, destination contains, then {type}-{handle}.
func NewResolver(db *gorm.DB) *Resolver {
	return &Resolver{
		db:  db,
		now: time.Now,
		strategies: []strategy{
			{name: "exact", match: matchExact, final: true},
			{name: "title", match: matchTitle},
			{name: "destination", match: matchDestination},
			{name: "typed", match: matchTyped},
		},
	}
}

// WithClock overrides the time source.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	if now != nil {
		r.now = now
	}
	return r
}

// Resolve returns the QR code for id. loyalty.ErrExpired is returned when
// the id or slug names an expired code, or when the only fuzzy matches have
// expired. loyalty.ErrNotFound is returned when nothing matched.
func (r *Resolver) Resolve(ctx context.Context, id string) (models.QRCode, string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return models.QRCode{}, "", loyalty.ErrNotFound
	}
	now := r.now()
	sawExpired := false
	for _, s := range r.strategies {
		candidates, err := s.match(ctx, r.db, id)
		if err != nil {
			return models.QRCode{}, s.name, fmt.Errorf("scan: resolve %s: %w", s.name, err)
		}
		var live []models.QRCode
		for _, qr := range candidates {
			if qr.Expired(now) {
				sawExpired = true
				continue
			}
			live = append(live, qr)
		}
		if len(live) == 1 {
			return live[0], s.name, nil
		}
		if s.final && len(candidates) > 0 && len(live) == 0 {
			return models.QRCode{}, s.name, loyalty.ErrExpired
		}
	}
	if sawExpired {
		return models.QRCode{}, "", loyalty.ErrExpired
	}
	return models.QRCode{}, "", loyalty.ErrNotFound
}

// Lookup finds an active code by exact id or slug only.
func (r *Resolver) Lookup(ctx context.Context, id string) (models.QRCode, error) {
	candidates, err := matchExact(ctx, r.db, strings.TrimSpace(id))
	if err != nil {
		return models.QRCode{}, fmt.Errorf("scan: lookup: %w", err)
	}
	if len(candidates) == 0 {
		return models.QRCode{}, loyalty.ErrNotFound
	}
	return candidates[0], nil
}

func active(ctx context.Context, db *gorm.DB) *gorm.DB {
	return db.WithContext(ctx).Model(&models.QRCode{}).Where("active = ?", true).Limit(candidateLimit)
}

func matchExact(ctx context.Context, db *gorm.DB, id string) ([]models.QRCode, error) {
	var out []models.QRCode
	if parsed, err := uuid.Parse(id); err == nil {
		if err := active(ctx, db).Where("id = ?", parsed).Find(&out).Error; err != nil {
			return nil, err
		}
		if len(out) > 0 {
			return out, nil
		}
	}
	err := active(ctx, db).Where("slug = ?", id).Find(&out).Error
	return out, err
}

func matchTitle(ctx context.Context, db *gorm.DB, id string) ([]models.QRCode, error) {
	words := strings.NewReplacer("-", " ", "_", " ").Replace(id)
	var out []models.QRCode
	err := active(ctx, db).Where(`LOWER(title) LIKE ? ESCAPE '\'`, containsPattern(words)).Find(&out).Error
	return out, err
}

func matchDestination(ctx context.Context, db *gorm.DB, id string) ([]models.QRCode, error) {
	var out []models.QRCode
	err := active(ctx, db).Where(`LOWER(destination) LIKE ? ESCAPE '\'`, containsPattern(id)).Find(&out).Error
	return out, err
}

// matchTyped handles composite ids such as product-summer-tee, matching the
// handle against destinations of that type.
func matchTyped(ctx context.Context, db *gorm.DB, id string) ([]models.QRCode, error) {
	qrType, handle, ok := strings.Cut(id, "-")
	if !ok || handle == "" || !knownType(qrType) {
		return nil, nil
	}
	qrType = strings.ToLower(qrType)
	var out []models.QRCode
	err := active(ctx, db).
		Where(`type = ? AND (LOWER(destination) = ? OR LOWER(destination) LIKE ? ESCAPE '\')`,
			qrType, strings.ToLower(handle), "%/"+escapeLike(strings.ToLower(handle))+"%").
		Find(&out).Error
	return out, err
}

func knownType(t string) bool {
	_, ok := redirectBuilders[strings.ToLower(t)]
	return ok
}

func containsPattern(s string) string {
	return "%" + escapeLike(strings.ToLower(s)) + "%"
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
