package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"qrloyalty/native/loyalty"
	"qrloyalty/observability"
	"qrloyalty/observability/logging"
	"qrloyalty/services/qr-loyalty/models"
)

// ThresholdSource supplies a merchant's tier table sorted ascending.
type ThresholdSource interface {
	Thresholds(ctx context.Context, merchantID string) ([]loyalty.Threshold, error)
}

// Standing is a balance together with its tier placement.
type Standing struct {
	models.PointsBalance
	Tier             string `json:"tier"`
	NextTier         string `json:"nextTier,omitempty"`
	PointsToNextTier int64  `json:"pointsToNextTier,omitempty"`
}

// Ledger keeps one point balance per (merchant, customer). Balances only
// change through single conditional statements, never read-modify-write.
type Ledger struct {
	db      *gorm.DB
	tiers   ThresholdSource
	now     func() time.Time
	logger  *slog.Logger
	metrics *observability.LoyaltyMetricsRegistry
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics sets the metrics registry.
func WithMetrics(m *observability.LoyaltyMetricsRegistry) Option {
	return func(l *Ledger) { l.metrics = m }
}

// New constructs a ledger over db. tiers may be nil, in which case the
// default tier table applies to every merchant.
func New(db *gorm.DB, tiers ThresholdSource, opts ...Option) *Ledger {
	l := &Ledger{db: db, tiers: tiers, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = logging.Component(l.logger, "ledger")
	return l
}

func validateKey(merchantID, customerID string) error {
	switch {
	case strings.TrimSpace(merchantID) == "":
		return loyalty.Invalid("merchantId", "must not be empty")
	case strings.TrimSpace(customerID) == "":
		return loyalty.Invalid("customerId", "must not be empty")
	}
	return nil
}

// Award credits amount points, creating the balance on first award.
func (l *Ledger) Award(ctx context.Context, merchantID, customerID string, amount int64, source models.PointsSource) (Standing, error) {
	if err := validateKey(merchantID, customerID); err != nil {
		return Standing{}, err
	}
	if amount <= 0 {
		return Standing{}, loyalty.Invalid("amount", "must be positive")
	}
	if !source.Valid() {
		return Standing{}, loyalty.Invalid("source", "unknown point source")
	}
	now := l.now().UTC()
	var balance models.PointsBalance
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := models.PointsBalance{
			MerchantID: merchantID,
			CustomerID: customerID,
			Points:     amount,
			LastSource: source,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "merchant_id"}, {Name: "customer_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"points":      gorm.Expr("points_balances.points + ?", amount),
				"last_source": source,
				"updated_at":  now,
			}),
		}).Create(&row).Error; err != nil {
			return err
		}
		return tx.First(&balance, "merchant_id = ? AND customer_id = ?", merchantID, customerID).Error
	})
	if err != nil {
		return Standing{}, fmt.Errorf("ledger: award: %w", err)
	}
	l.metrics.RecordAward(string(source), amount)
	l.logger.Debug("points awarded",
		slog.String("merchant_id", merchantID),
		logging.Customer(customerID),
		slog.Int64("amount", amount),
		slog.Int64("balance", balance.Points),
		slog.String("source", string(source)))
	return l.standing(ctx, balance)
}

// Redeem debits amount points. The balance is left unchanged and
// ErrInsufficientPoints returned when it holds fewer than amount points.
func (l *Ledger) Redeem(ctx context.Context, merchantID, customerID string, amount int64) (Standing, error) {
	if err := validateKey(merchantID, customerID); err != nil {
		return Standing{}, err
	}
	if amount <= 0 {
		return Standing{}, loyalty.Invalid("amount", "must be positive")
	}
	now := l.now().UTC()
	var balance models.PointsBalance
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.PointsBalance{}).
			Where("merchant_id = ? AND customer_id = ? AND points >= ?", merchantID, customerID, amount).
			Updates(map[string]interface{}{
				"points":     gorm.Expr("points - ?", amount),
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return loyalty.ErrInsufficientPoints
		}
		return tx.First(&balance, "merchant_id = ? AND customer_id = ?", merchantID, customerID).Error
	})
	if err != nil {
		if errors.Is(err, loyalty.ErrInsufficientPoints) {
			return Standing{}, err
		}
		return Standing{}, fmt.Errorf("ledger: redeem: %w", err)
	}
	l.metrics.RecordRedeem(amount)
	return l.standing(ctx, balance)
}

// GetBalance returns the customer's points and tier placement. Customers
// without a balance hold zero points.
func (l *Ledger) GetBalance(ctx context.Context, merchantID, customerID string) (Standing, error) {
	if err := validateKey(merchantID, customerID); err != nil {
		return Standing{}, err
	}
	var balance models.PointsBalance
	err := l.db.WithContext(ctx).First(&balance, "merchant_id = ? AND customer_id = ?", merchantID, customerID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		balance = models.PointsBalance{MerchantID: merchantID, CustomerID: customerID}
	case err != nil:
		return Standing{}, fmt.Errorf("ledger: balance: %w", err)
	}
	return l.standing(ctx, balance)
}

// Placement resolves points against the merchant's tier table.
func (l *Ledger) Placement(ctx context.Context, merchantID string, points int64) (loyalty.Placement, error) {
	thresholds := loyalty.DefaultThresholds()
	if l.tiers != nil {
		loaded, err := l.tiers.Thresholds(ctx, merchantID)
		if err != nil {
			return loyalty.Placement{}, fmt.Errorf("ledger: thresholds: %w", err)
		}
		thresholds = loaded
	}
	return loyalty.ResolveTier(points, thresholds), nil
}

func (l *Ledger) standing(ctx context.Context, balance models.PointsBalance) (Standing, error) {
	placement, err := l.Placement(ctx, balance.MerchantID, balance.Points)
	if err != nil {
		return Standing{}, err
	}
	out := Standing{
		PointsBalance:    balance,
		Tier:             placement.Tier,
		PointsToNextTier: placement.PointsToNext(balance.Points),
	}
	if placement.Next != nil {
		out.NextTier = placement.Next.Name
	}
	return out, nil
}
