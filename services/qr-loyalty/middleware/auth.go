package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	jwt "github.com/golang-jwt/jwt/v5"
)

type AuthConfig struct {
	Enabled    bool
	HMACSecret string
	Issuer     string
	Audience   string
	// MerchantClaim names the claim holding the merchant the token acts for.
	MerchantClaim string
	ClockSkew     time.Duration
}

type contextKey string

const (
	ContextKeySubject  contextKey = "qrloyalty.subject"
	ContextKeyMerchant contextKey = "qrloyalty.merchant"
)

// Authenticator validates HMAC-signed bearer tokens on the admin API and
// pins each token to a single merchant.
type Authenticator struct {
	cfg    AuthConfig
	logger *slog.Logger
	secret []byte
}

func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MerchantClaim == "" {
		cfg.MerchantClaim = "merchant_id"
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &Authenticator{
		cfg:    cfg,
		logger: logger,
		secret: []byte(strings.TrimSpace(cfg.HMACSecret)),
	}
}

// Middleware rejects requests without a valid token (401) and tokens issued
// for another merchant than the {merchantID} route parameter (403).
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}
		tokenString := extractBearer(r.Header.Get("Authorization"))
		if tokenString == "" {
			writeAuthError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := a.parseToken(tokenString)
		if err == nil {
			err = validateClaims(claims, a.cfg.Issuer, a.cfg.Audience)
		}
		if err != nil {
			a.logger.Info("auth: token rejected", slog.String("error", err.Error()))
			writeAuthError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		merchant, _ := claims[a.cfg.MerchantClaim].(string)
		if want := chi.URLParam(r, "merchantID"); want != "" && merchant != want {
			a.logger.Info("auth: merchant mismatch",
				slog.String("token_merchant", merchant),
				slog.String("route_merchant", want))
			writeAuthError(w, http.StatusForbidden, "token not valid for merchant")
			return
		}
		subject, _ := claims["sub"].(string)
		ctx := context.WithValue(r.Context(), ContextKeySubject, subject)
		ctx = context.WithValue(ctx, ContextKeyMerchant, merchant)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// MerchantFromContext returns the merchant the caller authenticated as.
func MerchantFromContext(ctx context.Context) string {
	merchant, _ := ctx.Value(ContextKeyMerchant).(string)
	return merchant
}

func (a *Authenticator) parseToken(tokenString string) (jwt.MapClaims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("auth secret not configured")
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.cfg.ClockSkew))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("claims not map")
	}
	return claims, nil
}

func validateClaims(claims jwt.MapClaims, issuer, audience string) error {
	if issuer != "" {
		if value, ok := claims["iss"].(string); !ok || value != issuer {
			return errors.New("issuer mismatch")
		}
	}
	if audience != "" {
		switch val := claims["aud"].(type) {
		case string:
			if val != audience {
				return errors.New("audience mismatch")
			}
		case []interface{}:
			matched := false
			for _, entry := range val {
				if s, ok := entry.(string); ok && s == audience {
					matched = true
					break
				}
			}
			if !matched {
				return errors.New("audience mismatch")
			}
		default:
			return errors.New("audience missing")
		}
	}
	return nil
}

func extractBearer(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="qr-loyalty"`)
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
