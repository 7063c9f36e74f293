package commerce

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"qrloyalty/observability"
	"qrloyalty/observability/logging"
)

// ClientConfig configures a GraphQL admin API client for one shop.
type ClientConfig struct {
	ShopDomain  string
	AccessToken string
	APIVersion  string
	// Endpoint overrides the URL derived from ShopDomain and APIVersion.
	Endpoint     string
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	Limiter      *rate.Limiter
	HTTPClient   *http.Client
	Logger       *slog.Logger
	Metrics      *observability.LoyaltyMetricsRegistry
}

// Client implements Platform over the commerce platform's GraphQL admin API.
// Every call runs under its own timeout and is retried a bounded number of
// times on transport errors, 429 and 5xx responses.
type Client struct {
	endpoint   string
	token      string
	timeout    time.Duration
	maxRetries int
	backoff    time.Duration
	limiter    *rate.Limiter
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *observability.LoyaltyMetricsRegistry
}

// NewClient constructs a client from cfg.
func NewClient(cfg ClientConfig) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		shop := strings.TrimSpace(cfg.ShopDomain)
		if shop == "" {
			return nil, fmt.Errorf("commerce: shop domain required")
		}
		version := strings.TrimSpace(cfg.APIVersion)
		if version == "" {
			version = "2024-10"
		}
		endpoint = fmt.Sprintf("https://%s/admin/api/%s/graphql.json", shop, version)
	}
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, ErrNotConfigured
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &Client{
		endpoint:   endpoint,
		token:      strings.TrimSpace(cfg.AccessToken),
		timeout:    timeout,
		maxRetries: retries,
		backoff:    backoff,
		limiter:    cfg.Limiter,
		httpClient: httpClient,
		logger:     logging.Component(cfg.Logger, "commerce"),
		metrics:    cfg.Metrics,
	}, nil
}

// UserError is a validation failure reported by the platform. It is never
// retried.
type UserError struct {
	Field   []string `json:"field"`
	Message string   `json:"message"`
}

// UserErrors is returned when a mutation reports userErrors.
type UserErrors []UserError

func (e UserErrors) Error() string {
	parts := make([]string, 0, len(e))
	for _, u := range e {
		if len(u.Field) > 0 {
			parts = append(parts, strings.Join(u.Field, ".")+": "+u.Message)
			continue
		}
		parts = append(parts, u.Message)
	}
	return "commerce: user errors: " + strings.Join(parts, "; ")
}

// StatusError reports a non-2xx HTTP response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("commerce: unexpected status %d", e.Code)
}

func (e *StatusError) retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

const discountCodeBasicCreate = `mutation discountCodeBasicCreate($basicCodeDiscount: DiscountCodeBasicInput!) {
  discountCodeBasicCreate(basicCodeDiscount: $basicCodeDiscount) {
    codeDiscountNode { id }
    userErrors { field message }
  }
}`

const discountCodeFreeShippingCreate = `mutation discountCodeFreeShippingCreate($freeShippingCodeDiscount: DiscountCodeFreeShippingInput!) {
  discountCodeFreeShippingCreate(freeShippingCodeDiscount: $freeShippingCodeDiscount) {
    codeDiscountNode { id }
    userErrors { field message }
  }
}`

const customerByID = `query customer($id: ID!) {
  customer(id: $id) { id email tags }
}`

const customerSearch = `query customers($query: String!) {
  customers(first: 1, query: $query) { edges { node { id email tags } } }
}`

const customerUpdate = `mutation customerUpdate($input: CustomerInput!) {
  customerUpdate(input: $input) {
    customer { id }
    userErrors { field message }
  }
}`

type mutationPayload struct {
	CodeDiscountNode *struct {
		ID string `json:"id"`
	} `json:"codeDiscountNode"`
	UserErrors UserErrors `json:"userErrors"`
}

func formatTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// CreatePercentageDiscount creates a basic percentage code discount and
// returns its platform id.
func (c *Client) CreatePercentageDiscount(ctx context.Context, d PercentageDiscount) (string, error) {
	input := map[string]interface{}{
		"title":                  d.Title,
		"code":                   d.Code,
		"startsAt":               d.StartsAt.UTC().Format(time.RFC3339),
		"endsAt":                 formatTime(d.EndsAt),
		"appliesOncePerCustomer": d.OncePerCustomer,
		"customerSelection":      map[string]interface{}{"all": true},
		"customerGets": map[string]interface{}{
			"value": map[string]interface{}{"percentage": float64(d.Percentage) / 100},
			"items": map[string]interface{}{"all": true},
		},
	}
	if d.UsageLimit > 0 {
		input["usageLimit"] = d.UsageLimit
	}
	var out struct {
		Payload mutationPayload `json:"discountCodeBasicCreate"`
	}
	if err := c.do(ctx, "discountCodeBasicCreate", discountCodeBasicCreate, map[string]interface{}{"basicCodeDiscount": input}, &out); err != nil {
		return "", err
	}
	return nodeID(out.Payload)
}

// CreateFreeShippingDiscount creates a free shipping code discount and
// returns its platform id.
func (c *Client) CreateFreeShippingDiscount(ctx context.Context, d FreeShippingDiscount) (string, error) {
	destination := map[string]interface{}{"all": true}
	if len(d.CountryCodes) > 0 {
		destination = map[string]interface{}{"countries": map[string]interface{}{"add": d.CountryCodes}}
	}
	input := map[string]interface{}{
		"title":                  d.Title,
		"code":                   d.Code,
		"startsAt":               d.StartsAt.UTC().Format(time.RFC3339),
		"endsAt":                 formatTime(d.EndsAt),
		"appliesOncePerCustomer": d.OncePerCustomer,
		"customerSelection":      map[string]interface{}{"all": true},
		"destination":            destination,
	}
	if d.MinimumSubtotal.IsPositive() {
		input["minimumRequirement"] = map[string]interface{}{
			"subtotal": map[string]interface{}{"greaterThanOrEqualToSubtotal": d.MinimumSubtotal.StringFixed(2)},
		}
	}
	var out struct {
		Payload mutationPayload `json:"discountCodeFreeShippingCreate"`
	}
	if err := c.do(ctx, "discountCodeFreeShippingCreate", discountCodeFreeShippingCreate, map[string]interface{}{"freeShippingCodeDiscount": input}, &out); err != nil {
		return "", err
	}
	return nodeID(out.Payload)
}

func nodeID(p mutationPayload) (string, error) {
	if len(p.UserErrors) > 0 {
		return "", p.UserErrors
	}
	if p.CodeDiscountNode == nil || p.CodeDiscountNode.ID == "" {
		return "", fmt.Errorf("commerce: response missing discount id")
	}
	return p.CodeDiscountNode.ID, nil
}

// FindCustomer looks a customer up by global id, email or numeric id.
func (c *Client) FindCustomer(ctx context.Context, identifier string) (*Customer, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, ErrCustomerNotFound
	}
	if strings.HasPrefix(identifier, "gid://") {
		var out struct {
			Customer *Customer `json:"customer"`
		}
		if err := c.do(ctx, "customer", customerByID, map[string]interface{}{"id": identifier}, &out); err != nil {
			return nil, err
		}
		if out.Customer == nil {
			return nil, ErrCustomerNotFound
		}
		return out.Customer, nil
	}
	query := "id:" + identifier
	if strings.Contains(identifier, "@") {
		query = "email:" + identifier
	}
	var out struct {
		Customers struct {
			Edges []struct {
				Node Customer `json:"node"`
			} `json:"edges"`
		} `json:"customers"`
	}
	if err := c.do(ctx, "customers", customerSearch, map[string]interface{}{"query": query}, &out); err != nil {
		return nil, err
	}
	if len(out.Customers.Edges) == 0 {
		return nil, ErrCustomerNotFound
	}
	customer := out.Customers.Edges[0].Node
	return &customer, nil
}

// UpdateCustomerTags replaces the customer's tag list.
func (c *Client) UpdateCustomerTags(ctx context.Context, customerID string, tags []string) error {
	var out struct {
		Payload struct {
			UserErrors UserErrors `json:"userErrors"`
		} `json:"customerUpdate"`
	}
	input := map[string]interface{}{"id": customerID, "tags": tags}
	if err := c.do(ctx, "customerUpdate", customerUpdate, map[string]interface{}{"input": input}, &out); err != nil {
		return err
	}
	if len(out.Payload.UserErrors) > 0 {
		return out.Payload.UserErrors
	}
	return nil
}

func (c *Client) do(ctx context.Context, operation, query string, variables map[string]interface{}, out interface{}) error {
	if c == nil || c.httpClient == nil {
		return ErrNotConfigured
	}
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("commerce: encode %s: %w", operation, err)
	}
	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := c.backoff << (attempt - 1)
			c.logger.Warn("retrying commerce call",
				slog.String("operation", operation),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", wait),
				slog.String("error", lastErr.Error()))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				lastErr = ctx.Err()
				c.metrics.ObserveExternalCall(operation, lastErr, time.Since(start))
				return fmt.Errorf("commerce: %s: %w", operation, lastErr)
			case <-timer.C:
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				lastErr = err
				break
			}
		}
		lastErr = c.attempt(ctx, body, out)
		if lastErr == nil || !retryable(ctx, lastErr) {
			break
		}
	}
	c.metrics.ObserveExternalCall(operation, lastErr, time.Since(start))
	if lastErr != nil {
		return fmt.Errorf("commerce: %s: %w", operation, lastErr)
	}
	return nil
}

func (c *Client) attempt(ctx context.Context, body []byte, out interface{}) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Shopify-Access-Token", c.token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(payload))}
	}
	var decoded graphQLResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Errors) > 0 {
		messages := make([]string, 0, len(decoded.Errors))
		for _, e := range decoded.Errors {
			messages = append(messages, e.Message)
		}
		return fmt.Errorf("graphql: %s", strings.Join(messages, "; "))
	}
	if out == nil || len(decoded.Data) == 0 {
		return nil
	}
	return json.Unmarshal(decoded.Data, out)
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

var _ Platform = (*Client)(nil)
