package commerce

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"qrloyalty/services/qr-loyalty/cache"
	"qrloyalty/services/qr-loyalty/models"
)

// DirectoryConfig holds the settings shared by every merchant's client.
type DirectoryConfig struct {
	Client            ClientConfig
	RequestsPerSecond float64
	Burst             int
}

// Directory resolves a merchant's platform credentials from storage and
// hands out one client per merchant. Each shop keeps its own rate limiter
// for the lifetime of the process.
type Directory struct {
	db      *gorm.DB
	cfg     DirectoryConfig
	clients *cache.TTL[string, Platform]

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewDirectory constructs a directory. clients caches built clients and may
// be nil.
func NewDirectory(db *gorm.DB, cfg DirectoryConfig, clients *cache.TTL[string, Platform]) *Directory {
	return &Directory{db: db, cfg: cfg, clients: clients, limiters: make(map[string]*rate.Limiter)}
}

// Platform implements Resolver.
func (d *Directory) Platform(ctx context.Context, merchantID string) (Platform, error) {
	return d.clients.GetOrLoad(ctx, merchantID, func(ctx context.Context) (Platform, error) {
		var merchant models.Merchant
		if err := d.db.WithContext(ctx).First(&merchant, "id = ?", merchantID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("%w: unknown merchant %s", ErrNotConfigured, merchantID)
			}
			return nil, fmt.Errorf("commerce: load merchant: %w", err)
		}
		if strings.TrimSpace(merchant.ShopDomain) == "" || strings.TrimSpace(merchant.AccessToken) == "" {
			return nil, ErrNotConfigured
		}
		cfg := d.cfg.Client
		cfg.ShopDomain = merchant.ShopDomain
		cfg.AccessToken = merchant.AccessToken
		cfg.Limiter = d.limiter(merchant.ShopDomain)
		client, err := NewClient(cfg)
		if err != nil {
			return nil, err
		}
		return client, nil
	})
}

// Forget drops the cached client so updated credentials take effect.
func (d *Directory) Forget(merchantID string) {
	d.clients.Invalidate(merchantID)
}

func (d *Directory) limiter(shop string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.limiters[shop]; ok {
		return l
	}
	perSecond := d.cfg.RequestsPerSecond
	if perSecond <= 0 {
		perSecond = 2
	}
	burst := d.cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	l := rate.NewLimiter(rate.Limit(perSecond), burst)
	d.limiters[shop] = l
	return l
}
