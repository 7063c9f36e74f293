package middleware

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"qrloyalty/services/qr-loyalty/models"
)

// IdempotencyHeader names the request header carrying the client key.
const IdempotencyHeader = "Idempotency-Key"

type contextKeyIdempotency struct{}

// IdempotencyKeyFromContext returns the key the request was executed under.
func IdempotencyKeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(contextKeyIdempotency{}).(string)
	return key
}

// idempotencyLease is how long an unfinished reservation blocks the key
// before another request may take it over.
const idempotencyLease = time.Minute

// WithIdempotency executes writes carrying an Idempotency-Key once per
// merchant. The key is reserved before the handler runs, so a concurrent
// duplicate gets 409 instead of executing twice. Replays return the stored
// status and body. Server errors release the key so the client can retry.
func WithIdempotency(db *gorm.DB, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
			if key == "" || r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > 128 {
				http.Error(w, "idempotency key too long", http.StatusBadRequest)
				return
			}
			merchantID := chi.URLParam(r, "merchantID")
			requestID := uuid.NewString()

			reserved, record, err := reserveKey(r.Context(), db, models.IdempotencyKey{
				Key:        key,
				MerchantID: merchantID,
				RequestID:  requestID,
				Method:     r.Method,
				Path:       r.URL.Path,
				CreatedAt:  time.Now().UTC(),
			})
			if err != nil {
				logger.Error("idempotency reserve failed", slog.String("error", err.Error()))
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			if !reserved {
				switch {
				case record.Method != r.Method || record.Path != r.URL.Path:
					http.Error(w, "idempotency key reused for a different request", http.StatusConflict)
				case record.Status == 0:
					w.Header().Set("Retry-After", "1")
					http.Error(w, "request with this idempotency key is in progress", http.StatusConflict)
				default:
					w.Header().Set("Content-Type", "application/json")
					w.Header().Set("Idempotent-Replayed", "true")
					w.WriteHeader(record.Status)
					_, _ = w.Write([]byte(record.Response))
				}
				return
			}

			owned := db.WithContext(context.WithoutCancel(r.Context())).
				Model(&models.IdempotencyKey{}).
				Where("key = ? AND merchant_id = ? AND request_id = ?", key, merchantID, requestID)
			completed := false
			defer func() {
				if completed {
					return
				}
				if err := owned.Delete(&models.IdempotencyKey{}).Error; err != nil {
					logger.Warn("idempotency release failed", slog.String("key", key), slog.String("error", err.Error()))
				}
			}()

			recorder := &responseRecorder{ResponseWriter: w}
			ctx := context.WithValue(r.Context(), contextKeyIdempotency{}, key)
			next.ServeHTTP(recorder, r.WithContext(ctx))

			status := recorder.status
			if status == 0 {
				status = http.StatusOK
			}
			if status >= http.StatusInternalServerError {
				return
			}
			completed = true
			if err := owned.Updates(map[string]interface{}{
				"status":   status,
				"response": recorder.buf.String(),
			}).Error; err != nil {
				logger.Warn("idempotency store failed", slog.String("key", key), slog.String("error", err.Error()))
			}
		})
	}
}

// reserveKey inserts an in-progress row for the key. When the key exists it
// returns the stored row instead, taking it over if it is an abandoned
// reservation older than the lease.
func reserveKey(ctx context.Context, db *gorm.DB, row models.IdempotencyKey) (bool, models.IdempotencyKey, error) {
	res := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, models.IdempotencyKey{}, res.Error
	}
	if res.RowsAffected == 1 {
		return true, row, nil
	}
	takeover := db.WithContext(ctx).Model(&models.IdempotencyKey{}).
		Where("key = ? AND merchant_id = ? AND status = 0 AND created_at < ?",
			row.Key, row.MerchantID, row.CreatedAt.Add(-idempotencyLease)).
		Updates(map[string]interface{}{
			"request_id": row.RequestID,
			"method":     row.Method,
			"path":       row.Path,
			"created_at": row.CreatedAt,
		})
	if takeover.Error != nil {
		return false, models.IdempotencyKey{}, takeover.Error
	}
	if takeover.RowsAffected == 1 {
		return true, row, nil
	}
	var existing models.IdempotencyKey
	err := db.WithContext(ctx).First(&existing, "key = ? AND merchant_id = ?", row.Key, row.MerchantID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Released between the insert and the read; the client may retry.
		existing = row
		existing.RequestID = ""
		return false, existing, nil
	}
	return false, existing, err
}

// responseRecorder captures the response for idempotent operations.
type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	if rr.status == 0 {
		rr.status = status
	}
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
