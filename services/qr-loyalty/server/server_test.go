package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"qrloyalty/services/qr-loyalty/analytics"
	"qrloyalty/services/qr-loyalty/commerce"
	"qrloyalty/services/qr-loyalty/ledger"
	qrmw "qrloyalty/services/qr-loyalty/middleware"
	"qrloyalty/services/qr-loyalty/models"
	"qrloyalty/services/qr-loyalty/provisioning"
	"qrloyalty/services/qr-loyalty/scan"
	"qrloyalty/services/qr-loyalty/templates"
)

const (
	testSecret     = "server-test-secret"
	customerSecret = "storefront-test-secret"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

type harness struct {
	db      *gorm.DB
	handler http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := setupTestDB(t)
	tiers := ledger.NewTierStore(db, nil)
	l := ledger.New(db, tiers)
	store := templates.NewStore(db, nil).WithTiers(tiers)
	// No platform configured: rewards fall back to local placeholder records.
	syncer := commerce.NewSyncer(commerce.StaticResolver{}, db)
	engine := provisioning.NewEngine(db, store, syncer)
	pipeline := scan.NewPipeline(
		scan.NewResolver(db),
		analytics.NewRecorder(db, nil, nil),
		l,
		engine,
		scan.NewMerchantStorefronts(db, nil, "https://shop.example.com"),
		scan.Config{},
	)
	srv := New(Config{
		DB:        db,
		Ledger:    l,
		Tiers:     tiers,
		Templates: store,
		Rewards:   engine,
		Pipeline:  pipeline,
		Codes:     scan.NewCodes(db),
		Identity:  scan.NewIdentityResolver(customerSecret, ""),
		Auth: qrmw.NewAuthenticator(qrmw.AuthConfig{
			Enabled:    true,
			HMACSecret: testSecret,
			Issuer:     "qr-admin",
		}, nil),
		Observability: qrmw.NewObservability(qrmw.ObservabilityConfig{Enabled: true, MetricsPrefix: "qrlserver"}, nil),
		RateLimiter:   qrmw.NewRateLimiter(map[string]qrmw.RateLimit{"scan": {RequestsPerMinute: 6000, Burst: 100}}, nil),
	})
	return &harness{db: db, handler: srv.Handler()}
}

func token(t *testing.T, merchantID string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":         "qr-admin",
		"sub":         "ops",
		"merchant_id": merchantID,
		"exp":         time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func customerToken(t *testing.T, merchantID, customerID string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  customerID,
		"shop": merchantID,
		"aud":  "qr-scan",
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(customerSecret))
	require.NoError(t, err)
	return signed
}

func (h *harness) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) admin(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	return h.do(t, method, "/api/v1/merchants/shop-1"+path, body, map[string]string{
		"Authorization": "Bearer " + token(t, "shop-1"),
	})
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst), rec.Body.String())
}

func (h *harness) seedQR(t *testing.T, qr models.QRCode) models.QRCode {
	t.Helper()
	qr.ID = uuid.New()
	if qr.MerchantID == "" {
		qr.MerchantID = "shop-1"
	}
	qr.Active = true
	require.NoError(t, h.db.Create(&qr).Error)
	return qr
}

func TestScanRedirect(t *testing.T) {
	h := newHarness(t)
	qr := h.seedQR(t, models.QRCode{Slug: "tee", Title: "Tee", Type: models.QRTypeProduct, Destination: "classic-tee"})
	past := time.Now().Add(-time.Hour)
	h.seedQR(t, models.QRCode{Slug: "old", Title: "Old", Type: models.QRTypeLink, Destination: "https://example.com", ExpiresAt: &past})

	rec := h.do(t, http.MethodGet, "/scan/tee", "", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "shop.example.com", loc.Host)
	require.Equal(t, "/products/classic-tee", loc.Path)
	require.Equal(t, qr.ID.String(), loc.Query().Get("qr_id"))
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	require.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/scan/missing-code", "", nil).Code)
	require.Equal(t, http.StatusGone, h.do(t, http.MethodGet, "/scan/old", "", nil).Code)

	var got models.QRCode
	require.NoError(t, h.db.First(&got, "id = ?", qr.ID).Error)
	require.EqualValues(t, 1, got.ScanCount)
}

func TestScanEvent(t *testing.T) {
	h := newHarness(t)
	h.seedQR(t, models.QRCode{Slug: "menu", Title: "Menu", Type: models.QRTypeLink, Destination: "https://example.com/menu"})

	rec := h.do(t, http.MethodPost, "/scan/menu", `{"type":"click","meta":{"button":"order"}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"success":true}`, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/scan/nope", `{"type":"click"}`, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPost, "/scan/menu", `{"type":`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoyaltyScanProvisionsTierReward(t *testing.T) {
	h := newHarness(t)
	rec := h.admin(t, http.MethodPost, "/templates", `{"tier":"Silver","rewardType":"discount","name":"Silver 15","config":{"percentage":15,"codePrefix":"SILVER"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	h.seedQR(t, models.QRCode{Slug: "counter", Title: "Counter", Type: models.QRTypeLoyalty, PointsPerScan: 150})

	headers := map[string]string{scan.CustomerTokenHeader: customerToken(t, "shop-1", "cust-9")}
	require.Equal(t, http.StatusFound, h.do(t, http.MethodGet, "/scan/counter", "", headers).Code)

	rec = h.admin(t, http.MethodGet, "/customers/cust-9/balance", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var standing ledger.Standing
	decodeBody(t, rec, &standing)
	require.EqualValues(t, 150, standing.Points)
	require.Equal(t, "Silver", standing.Tier)
	require.Equal(t, "Gold", standing.NextTier)
	require.EqualValues(t, 150, standing.PointsToNextTier)

	rec = h.admin(t, http.MethodGet, "/customers/cust-9/rewards", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var summary provisioning.Summary
	decodeBody(t, rec, &summary)
	require.NotNil(t, summary.State)
	require.Equal(t, "Silver", summary.State.CurrentTier)
	require.NotNil(t, summary.CurrentCode)
	require.True(t, strings.HasPrefix(summary.CurrentCode.ExternalID, commerce.PlaceholderPrefix))
}

func TestTemplateTierIsMatchedCaseInsensitively(t *testing.T) {
	h := newHarness(t)
	rec := h.admin(t, http.MethodPost, "/templates", `{"tier":"gold","rewardType":"discount","config":{"percentage":20}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), `"tier":"Gold"`)

	rec = h.admin(t, http.MethodPost, "/templates", `{"tier":"diamond","rewardType":"discount"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Contains(t, rec.Body.String(), `"field":"tier"`)

	rec = h.admin(t, http.MethodPost, "/customers/cust-3/points", `{"amount":300}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), `"status":"provisioned"`)
}

func TestLoyaltyScanIgnoresUnsignedCustomer(t *testing.T) {
	h := newHarness(t)
	h.seedQR(t, models.QRCode{Slug: "counter", Title: "Counter", Type: models.QRTypeLoyalty, PointsPerScan: 150})

	forged := map[string]string{
		"X-Customer-Id":          "gid://shopify/Customer/42",
		scan.CustomerTokenHeader: customerToken(t, "shop-2", "gid://shopify/Customer/42"),
	}
	require.Equal(t, http.StatusFound, h.do(t, http.MethodGet, "/scan/counter", "", forged).Code)

	var victim int64
	require.NoError(t, h.db.Model(&models.PointsBalance{}).Where("customer_id = ?", "gid://shopify/Customer/42").Count(&victim).Error)
	require.Zero(t, victim)

	var anon models.PointsBalance
	require.NoError(t, h.db.First(&anon, "merchant_id = ?", "shop-1").Error)
	require.True(t, strings.HasPrefix(anon.CustomerID, "anon_"))
	require.EqualValues(t, 150, anon.Points)
}

func TestAdminPointsAndDiscountFlow(t *testing.T) {
	h := newHarness(t)
	rec := h.admin(t, http.MethodPost, "/templates", `{"tier":"Gold","rewardType":"discount","config":{"percentage":20}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = h.admin(t, http.MethodPost, "/customers/cust-1/points", `{"amount":350,"source":"purchase"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var award struct {
		Balance      ledger.Standing      `json:"balance"`
		Provisioning *provisioning.Result `json:"provisioning"`
	}
	decodeBody(t, rec, &award)
	require.Equal(t, "Gold", award.Balance.Tier)
	require.NotNil(t, award.Provisioning)
	require.Equal(t, provisioning.StatusProvisioned, award.Provisioning.Status)
	require.NotNil(t, award.Provisioning.PrimaryCode)
	code := *award.Provisioning.PrimaryCode

	rec = h.admin(t, http.MethodPost, "/discounts/"+code+"/use", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = h.admin(t, http.MethodPost, "/discounts/"+code+"/use", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	rec = h.admin(t, http.MethodPost, "/discounts/NOPE_000000/use", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.admin(t, http.MethodPost, "/customers/cust-1/points/redeem", `{"amount":400}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	rec = h.admin(t, http.MethodPost, "/customers/cust-1/points/redeem", `{"amount":100}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var standing ledger.Standing
	decodeBody(t, rec, &standing)
	require.EqualValues(t, 250, standing.Points)
}

func TestAdminValidationErrors(t *testing.T) {
	h := newHarness(t)
	rec := h.admin(t, http.MethodPost, "/templates", `{"tier":"Gold","rewardType":"discount","config":{"percentage":0}}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var body struct {
		Error  string `json:"error"`
		Fields []struct {
			Field string `json:"field"`
		} `json:"fields"`
	}
	decodeBody(t, rec, &body)
	require.NotEmpty(t, body.Fields)
	require.Equal(t, "percentage", body.Fields[0].Field)

	rec = h.admin(t, http.MethodPost, "/customers/cust-1/points", `{"amount":-5}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = h.admin(t, http.MethodPost, "/customers/cust-1/points", `{"amount":5,"source":"gift"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = h.admin(t, http.MethodPost, "/customers/cust-1/points", `not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.admin(t, http.MethodGet, "/templates/not-a-uuid", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminTemplatesAndTiers(t *testing.T) {
	h := newHarness(t)
	rec := h.admin(t, http.MethodPost, "/templates", `{"tier":"Gold","rewardType":"free_shipping","config":{"minimumOrder":"25.00"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created templates.Template
	decodeBody(t, rec, &created)

	rec = h.admin(t, http.MethodPost, "/templates", `{"tier":"Gold","rewardType":"free_shipping"}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = h.admin(t, http.MethodPatch, "/templates/"+created.ID.String(), `{"isActive":false}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.admin(t, http.MethodGet, "/templates?active=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"templates":[]}`, rec.Body.String())

	rec = h.admin(t, http.MethodDelete, "/templates/"+created.ID.String(), "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.admin(t, http.MethodGet, "/templates/"+created.ID.String(), "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.admin(t, http.MethodGet, "/tiers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"Platinum"`)

	rec = h.admin(t, http.MethodPut, "/tiers", `{"tiers":[{"name":"Member","minPoints":0},{"name":"VIP","minPoints":50}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.admin(t, http.MethodPost, "/customers/cust-2/points", `{"amount":60}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"tier":"VIP"`)
}

func TestAdminQRCodes(t *testing.T) {
	h := newHarness(t)
	rec := h.admin(t, http.MethodPost, "/qr-codes", `{"slug":"window","title":"Window","type":"collection","destination":"summer"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var qr models.QRCode
	decodeBody(t, rec, &qr)

	rec = h.admin(t, http.MethodGet, "/qr-codes/"+qr.ID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/scan/window", "", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	require.Contains(t, rec.Header().Get("Location"), "/collections/summer")
}

func TestAdminRequiresMatchingMerchant(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/api/v1/merchants/shop-1/tiers", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/merchants/shop-1/tiers", "", map[string]string{
		"Authorization": "Bearer " + token(t, "shop-2"),
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminAwardIsIdempotent(t *testing.T) {
	h := newHarness(t)
	headers := map[string]string{
		"Authorization":         "Bearer " + token(t, "shop-1"),
		qrmw.IdempotencyHeader: "order-1001",
	}
	for i := 0; i < 2; i++ {
		rec := h.do(t, http.MethodPost, "/api/v1/merchants/shop-1/customers/cust-3/points", `{"amount":40,"source":"purchase"}`, headers)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	var balance models.PointsBalance
	require.NoError(t, h.db.First(&balance, "merchant_id = ? AND customer_id = ?", "shop-1", "cust-3").Error)
	require.EqualValues(t, 40, balance.Points)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = h.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "qrlserver_http_requests_total")
}
