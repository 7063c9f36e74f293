package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"qrloyalty/native/loyalty"
	"qrloyalty/observability"
	"qrloyalty/observability/logging"
	"qrloyalty/services/qr-loyalty/analytics"
	"qrloyalty/services/qr-loyalty/ledger"
	"qrloyalty/services/qr-loyalty/models"
	"qrloyalty/services/qr-loyalty/provisioning"
)

// EventRecorder stores scan analytics.
type EventRecorder interface {
	RecordScan(ctx context.Context, ev analytics.Event) error
	RecordEvent(ctx context.Context, ev analytics.Event) error
}

// PointsAwarder credits scan points.
type PointsAwarder interface {
	Award(ctx context.Context, merchantID, customerID string, amount int64, source models.PointsSource) (ledger.Standing, error)
}

// TierProvisioner ensures tier rewards after an award.
type TierProvisioner interface {
	EnsureTierRewards(ctx context.Context, merchantID, customerID, tier string) (provisioning.Result, error)
}

// Request describes an inbound scan.
type Request struct {
	ID        string
	Identity  Identity
	UserAgent string
	Referrer  string
}

// Result is the outcome of a scan.
type Result struct {
	QR           models.QRCode
	Strategy     string
	Location     string
	CustomerID   string
	Standing     *ledger.Standing
	Provisioning *provisioning.Result
	Outcomes     []StageOutcome
}

// Config tunes a Pipeline.
type Config struct {
	DefaultPoints  int64
	LoyaltyTimeout time.Duration
	Policy         Policy
	Logger         *slog.Logger
	Metrics        *observability.LoyaltyMetricsRegistry
}

// Pipeline runs a scan through resolution, analytics, loyalty and redirect.
type Pipeline struct {
	resolver    *Resolver
	recorder    EventRecorder
	points      PointsAwarder
	rewards     TierProvisioner
	storefronts StorefrontSource

	defaultPoints  int64
	loyaltyTimeout time.Duration
	policy         Policy
	logger         *slog.Logger
	metrics        *observability.LoyaltyMetricsRegistry
	tracer         trace.Tracer
}

// NewPipeline constructs a pipeline.
func NewPipeline(resolver *Resolver, recorder EventRecorder, points PointsAwarder, rewards TierProvisioner, storefronts StorefrontSource, cfg Config) *Pipeline {
	policy := cfg.Policy
	if policy == nil {
		policy = DefaultPolicy()
	}
	defaultPoints := cfg.DefaultPoints
	if defaultPoints <= 0 {
		defaultPoints = 10
	}
	return &Pipeline{
		resolver:       resolver,
		recorder:       recorder,
		points:         points,
		rewards:        rewards,
		storefronts:    storefronts,
		defaultPoints:  defaultPoints,
		loyaltyTimeout: cfg.LoyaltyTimeout,
		policy:         policy,
		logger:         logging.Component(cfg.Logger, "scan"),
		metrics:        cfg.Metrics,
		tracer:         otel.Tracer("qrloyalty/scan"),
	}
}

// Scan resolves req.ID and returns the redirect location. Resolution errors
// (loyalty.ErrNotFound, loyalty.ErrExpired) are always returned; other stage
// failures follow the pipeline policy.
func (p *Pipeline) Scan(ctx context.Context, req Request) (Result, error) {
	ctx, span := p.tracer.Start(ctx, "scan.Scan", trace.WithAttributes(attribute.String("qr.lookup", req.ID)))
	defer span.End()

	var res Result
	started := time.Now()
	qr, strategy, err := p.resolver.Resolve(ctx, req.ID)
	res.Outcomes = append(res.Outcomes, StageOutcome{Stage: StageResolve, Err: err, Duration: time.Since(started)})
	if err != nil {
		switch {
		case errors.Is(err, loyalty.ErrNotFound):
			p.metrics.RecordScan("", "not_found")
		case errors.Is(err, loyalty.ErrExpired):
			p.metrics.RecordScan("", "expired")
		default:
			p.metrics.RecordScan("", "error")
		}
		return res, err
	}
	res.QR, res.Strategy = qr, strategy
	span.SetAttributes(
		attribute.String("qr.id", qr.ID.String()),
		attribute.String("qr.type", qr.Type),
		attribute.String("qr.strategy", strategy),
	)

	res.CustomerID = req.Identity.CustomerFor(qr.MerchantID)
	err = p.run(&res, StageAnalytics, func() error {
		return p.recorder.RecordScan(ctx, analytics.Event{
			QRCodeID:   qr.ID,
			MerchantID: qr.MerchantID,
			CustomerID: res.CustomerID,
			UserAgent:  req.UserAgent,
			Referrer:   req.Referrer,
		})
	})
	if err != nil {
		p.metrics.RecordScan(qr.Type, "error")
		return res, err
	}

	if qr.Type == models.QRTypeLoyalty {
		if err := p.loyalty(ctx, &res); err != nil {
			p.metrics.RecordScan(qr.Type, "error")
			return res, err
		}
	}

	err = p.run(&res, StageRedirect, func() error {
		storefront, err := p.storefront(ctx, qr.MerchantID)
		if err != nil {
			return err
		}
		res.Location, err = BuildRedirect(qr, storefront)
		return err
	})
	if err != nil || res.Location == "" {
		p.metrics.RecordScan(qr.Type, "error")
		if err == nil {
			err = fmt.Errorf("scan: no redirect for %s", qr.ID)
		}
		return res, err
	}
	p.metrics.RecordScan(qr.Type, "redirected")
	return res, nil
}

// loyalty awards scan points and provisions tier rewards under the loyalty
// time budget.
func (p *Pipeline) loyalty(ctx context.Context, res *Result) error {
	if p.points == nil || res.CustomerID == "" {
		res.Outcomes = append(res.Outcomes,
			StageOutcome{Stage: StageAward, Skipped: true},
			StageOutcome{Stage: StageProvision, Skipped: true})
		return nil
	}
	if p.loyaltyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.loyaltyTimeout)
		defer cancel()
	}
	amount := int64(res.QR.PointsPerScan)
	if amount <= 0 {
		amount = p.defaultPoints
	}
	var standing ledger.Standing
	err := p.run(res, StageAward, func() error {
		var err error
		standing, err = p.points.Award(ctx, res.QR.MerchantID, res.CustomerID, amount, models.SourceScan)
		return err
	})
	if err != nil {
		return err
	}
	last := res.Outcomes[len(res.Outcomes)-1]
	if last.Failed() || p.rewards == nil {
		res.Outcomes = append(res.Outcomes, StageOutcome{Stage: StageProvision, Skipped: true})
		return nil
	}
	res.Standing = &standing
	return p.run(res, StageProvision, func() error {
		out, err := p.rewards.EnsureTierRewards(ctx, res.QR.MerchantID, res.CustomerID, standing.Tier)
		if err == nil {
			res.Provisioning = &out
		}
		return err
	})
}

func (p *Pipeline) storefront(ctx context.Context, merchantID string) (string, error) {
	if p.storefronts == nil {
		return "", nil
	}
	return p.storefronts.Storefront(ctx, merchantID)
}

// run executes one stage, records its outcome and applies the policy.
func (p *Pipeline) run(res *Result, stage Stage, fn func() error) error {
	started := time.Now()
	err := fn()
	res.Outcomes = append(res.Outcomes, StageOutcome{Stage: stage, Err: err, Duration: time.Since(started)})
	if err == nil {
		return nil
	}
	action := p.policy.For(stage)
	if stage == StageRedirect {
		action = Escalate
	}
	p.metrics.RecordStageFailure(string(stage), action.String())
	p.logger.Warn("scan stage failed",
		slog.String("stage", string(stage)),
		slog.String("action", action.String()),
		slog.String("qr_id", res.QR.ID.String()),
		slog.String("merchant_id", res.QR.MerchantID),
		logging.Customer(res.CustomerID),
		slog.String("error", err.Error()))
	if action == Escalate {
		return &StageError{Stage: stage, Err: err}
	}
	return nil
}

// Track records a supplementary event against a code found by exact id or
// slug.
func (p *Pipeline) Track(ctx context.Context, id, eventType string, identity Identity, meta map[string]interface{}) (models.QRCode, error) {
	qr, err := p.resolver.Lookup(ctx, id)
	if err != nil {
		return qr, err
	}
	err = p.recorder.RecordEvent(ctx, analytics.Event{
		QRCodeID:   qr.ID,
		MerchantID: qr.MerchantID,
		Type:       eventType,
		CustomerID: identity.CustomerFor(qr.MerchantID),
		Meta:       meta,
	})
	return qr, err
}
