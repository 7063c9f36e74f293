package commerce

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"qrloyalty/services/qr-loyalty/cache"
	"qrloyalty/services/qr-loyalty/models"
)

func TestDirectoryResolvesMerchantCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "shpat_live", r.Header.Get("X-Shopify-Access-Token"))
		_, _ = w.Write([]byte(`{"data":{"customers":{"edges":[]}}}`))
	}))
	t.Cleanup(srv.Close)

	db := setupTestDB(t)
	require.NoError(t, db.Create(&models.Merchant{ID: "shop-1", ShopDomain: "demo.myshopify.com", AccessToken: "shpat_live"}).Error)
	require.NoError(t, db.Create(&models.Merchant{ID: "shop-2", ShopDomain: "empty.myshopify.com"}).Error)

	clients := cache.New[string, Platform](time.Minute)
	dir := NewDirectory(db, DirectoryConfig{Client: ClientConfig{Endpoint: srv.URL, HTTPClient: srv.Client()}, RequestsPerSecond: 100, Burst: 10}, clients)

	platform, err := dir.Platform(context.Background(), "shop-1")
	require.NoError(t, err)
	_, err = platform.FindCustomer(context.Background(), "42")
	require.ErrorIs(t, err, ErrCustomerNotFound)
	require.Equal(t, 1, clients.Len())

	again, err := dir.Platform(context.Background(), "shop-1")
	require.NoError(t, err)
	require.Same(t, platform, again)

	dir.Forget("shop-1")
	require.Equal(t, 0, clients.Len())

	_, err = dir.Platform(context.Background(), "shop-2")
	require.ErrorIs(t, err, ErrNotConfigured)
	_, err = dir.Platform(context.Background(), "unknown")
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestDirectorySharesLimiterPerShop(t *testing.T) {
	dir := NewDirectory(nil, DirectoryConfig{}, nil)
	a := dir.limiter("demo.myshopify.com")
	b := dir.limiter("demo.myshopify.com")
	c := dir.limiter("other.myshopify.com")
	require.Same(t, a, b)
	require.NotSame(t, a, c)
	require.Equal(t, 1, a.Burst())
}
