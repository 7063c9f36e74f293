package scan

import (
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"qrloyalty/native/loyalty"
)

// CustomerTokenHeader carries a storefront-signed customer token. The
// storefront backend mints it for a logged-in customer; the scan endpoint
// never trusts a bare customer id.
const CustomerTokenHeader = "X-Customer-Token"

const (
	customerTokenAudience = "qr-scan"
	customerMerchantClaim = "shop"
	maxCustomerIDLength   = 128
)

// Identity is the customer a scan is credited to. MerchantID is set only
// for verified identities and scopes them to one merchant.
type Identity struct {
	CustomerID  string
	MerchantID  string
	AnonymousID string
	Verified    bool
}

// IdentityResolver verifies customer tokens and falls back to an anonymous
// fingerprint. A resolver without a secret only fingerprints.
type IdentityResolver struct {
	secret []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// NewIdentityResolver constructs a resolver for HMAC-signed customer
// tokens. The secret must differ from the admin API secret.
func NewIdentityResolver(secret, issuer string) *IdentityResolver {
	return &IdentityResolver{
		secret: []byte(strings.TrimSpace(secret)),
		issuer: strings.TrimSpace(issuer),
		leeway: time.Minute,
		now:    time.Now,
	}
}

// WithClock overrides the time source used for expiry checks.
func (ir *IdentityResolver) WithClock(now func() time.Time) *IdentityResolver {
	if now != nil {
		ir.now = now
	}
	return ir
}

// Resolve returns the verified customer for r, or the fingerprint identity
// when no valid token is present. Callers should set the remote address from
// trusted proxy headers before calling.
func (ir *IdentityResolver) Resolve(r *http.Request) Identity {
	anon := loyalty.Fingerprint(r.RemoteAddr, r.UserAgent())
	fallback := Identity{CustomerID: anon, AnonymousID: anon}
	if ir == nil || len(ir.secret) == 0 {
		return fallback
	}
	raw := strings.TrimSpace(r.Header.Get(CustomerTokenHeader))
	if raw == "" {
		return fallback
	}
	customerID, merchantID, ok := ir.verify(raw)
	if !ok {
		return fallback
	}
	return Identity{CustomerID: customerID, MerchantID: merchantID, AnonymousID: anon, Verified: true}
}

func (ir *IdentityResolver) verify(raw string) (string, string, bool) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithAudience(customerTokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(ir.leeway),
		jwt.WithTimeFunc(ir.now),
	}
	if ir.issuer != "" {
		opts = append(opts, jwt.WithIssuer(ir.issuer))
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return ir.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return "", "", false
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return "", "", false
	}
	sub = strings.TrimSpace(sub)
	merchant, _ := claims[customerMerchantClaim].(string)
	merchant = strings.TrimSpace(merchant)
	if sub == "" || len(sub) > maxCustomerIDLength || loyalty.IsAnonymous(sub) || merchant == "" {
		return "", "", false
	}
	return sub, merchant, true
}

// CustomerFor picks the identity to credit on a code owned by merchantID.
// Verified identities issued for another merchant degrade to the
// fingerprint.
func (id Identity) CustomerFor(merchantID string) string {
	if id.Verified && id.MerchantID != merchantID {
		return id.AnonymousID
	}
	return id.CustomerID
}
