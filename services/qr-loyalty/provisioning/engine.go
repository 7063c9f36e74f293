// Package provisioning turns tier transitions into concrete customer rewards.
// EnsureTierRewards is the only path through which a customer's reward state
// changes.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"qrloyalty/native/loyalty"
	"qrloyalty/observability"
	"qrloyalty/observability/logging"
	"qrloyalty/services/qr-loyalty/commerce"
	"qrloyalty/services/qr-loyalty/models"
	"qrloyalty/services/qr-loyalty/templates"
)

// DefaultStateTTL is the display window recorded on a customer's reward state.
const DefaultStateTTL = 30 * 24 * time.Hour

// Status describes what a provisioning run did.
type Status string

const (
	StatusUnchanged   Status = "unchanged"
	StatusNoTemplates Status = "no_templates"
	StatusProvisioned Status = "provisioned"
)

// TemplateSource lists the active templates configured for a tier.
type TemplateSource interface {
	ListActive(ctx context.Context, merchantID, tier string) ([]templates.Template, error)
}

// Provisioner turns one template configuration into a reward for a customer.
type Provisioner interface {
	Provision(ctx context.Context, req commerce.Request, cfg loyalty.RewardConfig) (commerce.Outcome, error)
}

// Result reports a provisioning run.
type Result struct {
	Status      Status             `json:"status"`
	Tier        string             `json:"tier"`
	RewardKinds []string           `json:"rewardKinds,omitempty"`
	PrimaryCode *string            `json:"primaryCode,omitempty"`
	ExpiresAt   *time.Time         `json:"expiresAt,omitempty"`
	Rewards     []commerce.Outcome `json:"-"`
	Failures    int                `json:"failures,omitempty"`
}

// Engine provisions tier rewards.
type Engine struct {
	db          *gorm.DB
	templates   TemplateSource
	provisioner Provisioner
	locker      Locker
	now         func() time.Time
	stateTTL    time.Duration
	logger      *slog.Logger
	metrics     *observability.LoyaltyMetricsRegistry
	tracer      trace.Tracer
}

// Option customises an Engine.
type Option func(*Engine)

// WithLocker replaces the in-process keyed mutex.
func WithLocker(l Locker) Option {
	return func(e *Engine) {
		if l != nil {
			e.locker = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithStateTTL sets the reward state display window.
func WithStateTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.stateTTL = ttl
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the metrics registry.
func WithMetrics(m *observability.LoyaltyMetricsRegistry) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine constructs a provisioning engine.
func NewEngine(db *gorm.DB, source TemplateSource, provisioner Provisioner, opts ...Option) *Engine {
	e := &Engine{
		db:          db,
		templates:   source,
		provisioner: provisioner,
		locker:      NewMemoryLocker(),
		now:         time.Now,
		stateTTL:    DefaultStateTTL,
		tracer:      otel.Tracer("qrloyalty/provisioning"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.Component(e.logger, "provisioning")
	return e
}

// EnsureTierRewards makes sure the customer holds the rewards for tier. A
// customer already recorded at tier is left untouched.
func (e *Engine) EnsureTierRewards(ctx context.Context, merchantID, customerID, tier string) (Result, error) {
	switch {
	case strings.TrimSpace(merchantID) == "":
		return Result{}, loyalty.Invalid("merchantId", "must not be empty")
	case strings.TrimSpace(customerID) == "":
		return Result{}, loyalty.Invalid("customerId", "must not be empty")
	case strings.TrimSpace(tier) == "":
		return Result{}, loyalty.Invalid("tier", "must not be empty")
	}
	ctx, span := e.tracer.Start(ctx, "provisioning.EnsureTierRewards", trace.WithAttributes(
		attribute.String("merchant.id", merchantID),
		attribute.String("loyalty.tier", tier),
	))
	defer span.End()
	started := e.now()

	release, err := e.locker.Lock(ctx, LockKey(merchantID, customerID))
	if err != nil {
		return e.fail(span, fmt.Errorf("provisioning: lock: %w", err))
	}
	defer release()

	state, err := e.State(ctx, merchantID, customerID)
	switch {
	case err == nil && state.CurrentTier == tier:
		e.metrics.RecordProvisioning(string(StatusUnchanged), false, 0)
		return unchanged(state), nil
	case err != nil && !errors.Is(err, loyalty.ErrNotFound):
		return e.fail(span, err)
	}

	active, err := e.templates.ListActive(ctx, merchantID, tier)
	if err != nil {
		return e.fail(span, fmt.Errorf("provisioning: load templates: %w", err))
	}
	if len(active) == 0 {
		e.logger.Info("no active reward templates for tier",
			slog.String("merchant_id", merchantID),
			logging.Customer(customerID),
			slog.String("tier", tier))
		e.metrics.RecordProvisioning(string(StatusNoTemplates), false, 0)
		return Result{Status: StatusNoTemplates, Tier: tier}, nil
	}

	req := commerce.Request{MerchantID: merchantID, CustomerID: customerID, Tier: tier}
	result := Result{Status: StatusProvisioned, Tier: tier}
	var failures []error
	seen := make(map[string]struct{}, len(active))
	for _, tpl := range active {
		outcome, err := e.provisioner.Provision(ctx, req, tpl.Config)
		if err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", tpl.RewardType, err))
			e.logger.Error("reward provisioning failed",
				slog.String("merchant_id", merchantID),
				logging.Customer(customerID),
				slog.String("tier", tier),
				slog.String("reward_type", string(tpl.RewardType)),
				slog.String("template_id", tpl.ID.String()),
				slog.String("error", err.Error()))
			e.metrics.RecordStageFailure("provision_"+string(tpl.RewardType), "continue")
			continue
		}
		result.Rewards = append(result.Rewards, outcome)
		if _, dup := seen[outcome.Token]; !dup && outcome.Token != "" {
			seen[outcome.Token] = struct{}{}
			result.RewardKinds = append(result.RewardKinds, outcome.Token)
		}
		if result.PrimaryCode == nil && outcome.Code != "" {
			code := outcome.Code
			result.PrimaryCode = &code
		}
	}
	result.Failures = len(failures)
	span.SetAttributes(attribute.Int("provisioning.rewards", len(result.Rewards)), attribute.Int("provisioning.failures", len(failures)))

	if len(result.Rewards) == 0 {
		e.metrics.RecordProvisioning("failed", true, e.now().Sub(started))
		return e.fail(span, fmt.Errorf("provisioning: every reward failed: %w", errors.Join(failures...)))
	}

	now := e.now().UTC()
	expires := now.Add(e.stateTTL)
	result.ExpiresAt = &expires
	row := models.CustomerRewardState{
		MerchantID:        merchantID,
		CustomerID:        customerID,
		CurrentTier:       tier,
		ActiveRewardKinds: models.EncodeKinds(result.RewardKinds),
		PrimaryCode:       result.PrimaryCode,
		ExpiresAt:         expires,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	res := e.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "merchant_id"}, {Name: "customer_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"current_tier", "active_reward_kinds", "primary_code", "expires_at", "updated_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "customer_reward_states.current_tier <> excluded.current_tier"},
		}},
	}).Create(&row)
	if res.Error != nil {
		return e.fail(span, fmt.Errorf("provisioning: save state: %w", res.Error))
	}
	if res.RowsAffected == 0 {
		e.logger.Warn("reward state already moved to tier by a concurrent run",
			slog.String("merchant_id", merchantID),
			logging.Customer(customerID),
			slog.String("tier", tier))
		e.metrics.RecordProvisioning(string(StatusUnchanged), true, e.now().Sub(started))
		current, err := e.State(ctx, merchantID, customerID)
		if err != nil {
			return e.fail(span, err)
		}
		out := unchanged(current)
		out.Rewards = result.Rewards
		return out, nil
	}

	e.metrics.RecordProvisioning(string(StatusProvisioned), true, e.now().Sub(started))
	e.logger.Info("tier rewards provisioned",
		slog.String("merchant_id", merchantID),
		logging.Customer(customerID),
		slog.String("tier", tier),
		slog.Int("rewards", len(result.Rewards)),
		slog.Int("failures", len(failures)))
	return result, nil
}

// State returns the customer's reward state or loyalty.ErrNotFound.
func (e *Engine) State(ctx context.Context, merchantID, customerID string) (models.CustomerRewardState, error) {
	var state models.CustomerRewardState
	err := e.db.WithContext(ctx).First(&state, "merchant_id = ? AND customer_id = ?", merchantID, customerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return state, loyalty.ErrNotFound
	}
	if err != nil {
		return state, fmt.Errorf("provisioning: load state: %w", err)
	}
	return state, nil
}

func unchanged(state models.CustomerRewardState) Result {
	expires := state.ExpiresAt
	return Result{
		Status:      StatusUnchanged,
		Tier:        state.CurrentTier,
		RewardKinds: state.RewardKinds(),
		PrimaryCode: state.PrimaryCode,
		ExpiresAt:   &expires,
	}
}

func (e *Engine) fail(span trace.Span, err error) (Result, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return Result{}, err
}
