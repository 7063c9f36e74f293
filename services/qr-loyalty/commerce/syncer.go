package commerce

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"qrloyalty/native/loyalty"
	"qrloyalty/observability"
	"qrloyalty/observability/logging"
	"qrloyalty/services/qr-loyalty/models"
)

// PlaceholderPrefix marks an external id assigned locally because the
// platform call failed.
const PlaceholderPrefix = "local:"

const (
	suffixAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	suffixLength   = 6
	maxCodeTries   = 5
)

// Request identifies who a reward is provisioned for.
type Request struct {
	MerchantID string
	CustomerID string
	Tier       string
}

// Outcome describes a provisioned reward. SyncErr is set when the platform
// could not be updated; the reward is recorded locally either way.
type Outcome struct {
	RewardType loyalty.RewardType
	Token      string
	Code       string
	ExternalID string
	Synced     bool
	ExpiresAt  *time.Time
	SyncErr    error
}

// Syncer provisions rewards on the commerce platform and records them
// locally. Methods return an error only when the local record could not be
// written.
type Syncer struct {
	platforms Resolver
	db        *gorm.DB
	now       func() time.Time
	suffix    func() (string, error)
	logger    *slog.Logger
	metrics   *observability.LoyaltyMetricsRegistry
	tracer    trace.Tracer
}

// SyncerOption customises a Syncer.
type SyncerOption func(*Syncer)

// WithSyncerClock overrides the time source.
func WithSyncerClock(now func() time.Time) SyncerOption {
	return func(s *Syncer) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSuffixSource overrides the random code suffix generator.
func WithSuffixSource(fn func() (string, error)) SyncerOption {
	return func(s *Syncer) {
		if fn != nil {
			s.suffix = fn
		}
	}
}

// WithSyncerLogger sets the structured logger.
func WithSyncerLogger(logger *slog.Logger) SyncerOption {
	return func(s *Syncer) { s.logger = logger }
}

// WithSyncerMetrics sets the metrics registry.
func WithSyncerMetrics(m *observability.LoyaltyMetricsRegistry) SyncerOption {
	return func(s *Syncer) { s.metrics = m }
}

// NewSyncer constructs a syncer.
func NewSyncer(platforms Resolver, db *gorm.DB, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		platforms: platforms,
		db:        db,
		now:       time.Now,
		suffix:    RandomSuffix,
		tracer:    otel.Tracer("qrloyalty/commerce"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.Component(s.logger, "commerce-sync")
	return s
}

// RandomSuffix returns six random uppercase alphanumerics.
func RandomSuffix() (string, error) {
	buf := make([]byte, suffixLength)
	limit := big.NewInt(int64(len(suffixAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		buf[i] = suffixAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// Provision dispatches cfg to the matching provisioner.
func (s *Syncer) Provision(ctx context.Context, req Request, cfg loyalty.RewardConfig) (Outcome, error) {
	switch c := cfg.(type) {
	case loyalty.DiscountConfig:
		return s.CreateDiscountCode(ctx, req, c)
	case loyalty.FreeShippingConfig:
		return s.ApplyFreeShipping(ctx, req, c)
	case loyalty.ExclusiveProductConfig:
		return s.GrantExclusiveProductAccess(ctx, req, c)
	case loyalty.EarlyAccessConfig:
		return s.GrantEarlyAccess(ctx, req, c)
	}
	return Outcome{}, fmt.Errorf("%w: %T", loyalty.ErrUnknownRewardType, cfg)
}

// CreateDiscountCode issues a {prefix}{TIER}{percentage}_{suffix} code.
func (s *Syncer) CreateDiscountCode(ctx context.Context, req Request, cfg loyalty.DiscountConfig) (Outcome, error) {
	ctx, span := s.start(ctx, "CreateDiscountCode", req, loyalty.RewardDiscount)
	defer span.End()

	now := s.now().UTC()
	code, err := s.uniqueCode(ctx, func(suffix string) string {
		return loyalty.DiscountCode(cfg.CodePrefix, req.Tier, cfg.Percentage, suffix)
	})
	if err != nil {
		return s.fail(span, Outcome{}, err)
	}
	outcome := Outcome{
		RewardType: loyalty.RewardDiscount,
		Token:      loyalty.RewardToken(cfg),
		Code:       code,
		ExpiresAt:  loyalty.ExpiryFor(cfg, now),
	}
	discount := PercentageDiscount{
		Title:           fmt.Sprintf("%s tier reward %d%% off", req.Tier, cfg.Percentage),
		Code:            code,
		Percentage:      cfg.Percentage,
		StartsAt:        now,
		EndsAt:          outcome.ExpiresAt,
		OncePerCustomer: cfg.PerCustomerLimit == 1,
	}
	if cfg.PerCustomerLimit > 1 {
		discount.UsageLimit = cfg.PerCustomerLimit
	}
	s.sync(ctx, req, &outcome, "discountCodeBasicCreate", func(p Platform) (string, error) {
		return p.CreatePercentageDiscount(ctx, discount)
	})

	percentage := cfg.Percentage
	record := models.ExternalDiscountRecord{
		Code:       code,
		MerchantID: req.MerchantID,
		CustomerID: req.CustomerID,
		Tier:       req.Tier,
		RewardType: string(loyalty.RewardDiscount),
		ExternalID: outcome.ExternalID,
		Synced:     outcome.Synced,
		Percentage: &percentage,
		ExpiresAt:  outcome.ExpiresAt,
		CreatedAt:  now,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return s.fail(span, outcome, fmt.Errorf("commerce: record discount: %w", err))
	}
	s.done(span, req, outcome)
	return outcome, nil
}

// ApplyFreeShipping issues a SHIP{TIER}_{suffix} shipping waiver code.
func (s *Syncer) ApplyFreeShipping(ctx context.Context, req Request, cfg loyalty.FreeShippingConfig) (Outcome, error) {
	ctx, span := s.start(ctx, "ApplyFreeShipping", req, loyalty.RewardFreeShipping)
	defer span.End()

	now := s.now().UTC()
	code, err := s.uniqueCode(ctx, func(suffix string) string {
		return loyalty.ShippingCode(req.Tier, suffix)
	})
	if err != nil {
		return s.fail(span, Outcome{}, err)
	}
	outcome := Outcome{
		RewardType: loyalty.RewardFreeShipping,
		Token:      loyalty.RewardToken(cfg),
		Code:       code,
		ExpiresAt:  loyalty.ExpiryFor(cfg, now),
	}
	discount := FreeShippingDiscount{
		Title:           fmt.Sprintf("%s tier free shipping", req.Tier),
		Code:            code,
		MinimumSubtotal: cfg.MinimumOrder,
		CountryCodes:    cfg.Zones,
		StartsAt:        now,
		EndsAt:          outcome.ExpiresAt,
		OncePerCustomer: true,
	}
	s.sync(ctx, req, &outcome, "discountCodeFreeShippingCreate", func(p Platform) (string, error) {
		return p.CreateFreeShippingDiscount(ctx, discount)
	})

	record := models.ExternalDiscountRecord{
		Code:         code,
		MerchantID:   req.MerchantID,
		CustomerID:   req.CustomerID,
		Tier:         req.Tier,
		RewardType:   string(loyalty.RewardFreeShipping),
		ExternalID:   outcome.ExternalID,
		Synced:       outcome.Synced,
		MinimumOrder: decimal.NewNullDecimal(cfg.MinimumOrder),
		ExpiresAt:    outcome.ExpiresAt,
		CreatedAt:    now,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return s.fail(span, outcome, fmt.Errorf("commerce: record shipping code: %w", err))
	}
	s.done(span, req, outcome)
	return outcome, nil
}

// GrantExclusiveProductAccess tags the customer exclusive_<tier>_access.
func (s *Syncer) GrantExclusiveProductAccess(ctx context.Context, req Request, cfg loyalty.ExclusiveProductConfig) (Outcome, error) {
	return s.grantTag(ctx, req, cfg, loyalty.ExclusiveAccessTag(req.Tier))
}

// GrantEarlyAccess tags the customer early_access_<tier>.
func (s *Syncer) GrantEarlyAccess(ctx context.Context, req Request, cfg loyalty.EarlyAccessConfig) (Outcome, error) {
	return s.grantTag(ctx, req, cfg, loyalty.EarlyAccessTag(req.Tier))
}

func (s *Syncer) grantTag(ctx context.Context, req Request, cfg loyalty.RewardConfig, tag string) (Outcome, error) {
	ctx, span := s.start(ctx, "GrantTag", req, cfg.Type())
	defer span.End()
	span.SetAttributes(attribute.String("tag", tag))

	now := s.now().UTC()
	outcome := Outcome{
		RewardType: cfg.Type(),
		Token:      loyalty.RewardToken(cfg),
		ExpiresAt:  loyalty.ExpiryFor(cfg, now),
	}
	if loyalty.IsAnonymous(req.CustomerID) {
		outcome.SyncErr = &loyalty.SyncError{Op: "customers", Err: ErrAnonymousCustomer}
	} else {
		s.sync(ctx, req, &outcome, "customerUpdate", func(p Platform) (string, error) {
			customer, err := p.FindCustomer(ctx, req.CustomerID)
			if err != nil {
				return "", err
			}
			if customer.HasTag(tag) {
				return customer.ID, nil
			}
			tags := append(append([]string(nil), customer.Tags...), tag)
			if err := p.UpdateCustomerTags(ctx, customer.ID, tags); err != nil {
				return "", err
			}
			return customer.ID, nil
		})
	}

	grant := models.RewardGrant{
		ID:         uuid.New(),
		MerchantID: req.MerchantID,
		CustomerID: req.CustomerID,
		Tier:       req.Tier,
		RewardType: string(cfg.Type()),
		Tag:        tag,
		Synced:     outcome.Synced,
		ExpiresAt:  outcome.ExpiresAt,
		CreatedAt:  now,
	}
	if outcome.Synced {
		grant.ExternalCustomerID = outcome.ExternalID
	}
	if err := s.db.WithContext(ctx).Create(&grant).Error; err != nil {
		return s.fail(span, outcome, fmt.Errorf("commerce: record grant: %w", err))
	}
	s.done(span, req, outcome)
	return outcome, nil
}

// sync runs call against the merchant's platform and fills the external id,
// falling back to a local placeholder on failure.
func (s *Syncer) sync(ctx context.Context, req Request, outcome *Outcome, op string, call func(Platform) (string, error)) {
	var (
		externalID string
		err        error
	)
	platform, err := s.resolve(ctx, req.MerchantID)
	if err == nil {
		externalID, err = call(platform)
	}
	if err != nil {
		outcome.SyncErr = &loyalty.SyncError{Op: op, Err: err}
		outcome.ExternalID = PlaceholderPrefix + uuid.NewString()
		s.logger.Warn("commerce sync failed, recording locally",
			slog.String("merchant_id", req.MerchantID),
			logging.Customer(req.CustomerID),
			slog.String("tier", req.Tier),
			slog.String("reward_type", string(outcome.RewardType)),
			slog.String("operation", op),
			slog.String("error", err.Error()))
		return
	}
	outcome.ExternalID = externalID
	outcome.Synced = true
}

func (s *Syncer) resolve(ctx context.Context, merchantID string) (Platform, error) {
	if s.platforms == nil {
		return nil, ErrNotConfigured
	}
	return s.platforms.Platform(ctx, merchantID)
}

func (s *Syncer) uniqueCode(ctx context.Context, format func(string) string) (string, error) {
	for i := 0; i < maxCodeTries; i++ {
		suffix, err := s.suffix()
		if err != nil {
			return "", fmt.Errorf("commerce: code suffix: %w", err)
		}
		code := format(suffix)
		var count int64
		if err := s.db.WithContext(ctx).Model(&models.ExternalDiscountRecord{}).Where("code = ?", code).Count(&count).Error; err != nil {
			return "", fmt.Errorf("commerce: check code: %w", err)
		}
		if count == 0 {
			return code, nil
		}
	}
	return "", errors.New("commerce: could not generate a unique code")
}

func (s *Syncer) start(ctx context.Context, name string, req Request, rewardType loyalty.RewardType) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "commerce."+name, trace.WithAttributes(
		attribute.String("merchant.id", req.MerchantID),
		attribute.String("loyalty.tier", req.Tier),
		attribute.String("loyalty.reward_type", string(rewardType)),
	))
}

func (s *Syncer) fail(span trace.Span, outcome Outcome, err error) (Outcome, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return outcome, err
}

func (s *Syncer) done(span trace.Span, req Request, outcome Outcome) {
	span.SetAttributes(attribute.Bool("commerce.synced", outcome.Synced))
	s.metrics.RecordReward(string(outcome.RewardType), outcome.Synced)
	s.logger.Info("reward provisioned",
		slog.String("merchant_id", req.MerchantID),
		logging.Customer(req.CustomerID),
		slog.String("tier", req.Tier),
		slog.String("reward_type", string(outcome.RewardType)),
		slog.Bool("synced", outcome.Synced))
}
