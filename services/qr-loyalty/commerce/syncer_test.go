package commerce

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"qrloyalty/native/loyalty"
	"qrloyalty/services/qr-loyalty/models"
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

type fakePlatform struct {
	mu        sync.Mutex
	fail      error
	discounts []PercentageDiscount
	shipping  []FreeShippingDiscount
	customers map[string]*Customer
	updates   map[string][]string
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{customers: map[string]*Customer{}, updates: map[string][]string{}}
}

func (f *fakePlatform) CreatePercentageDiscount(_ context.Context, d PercentageDiscount) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return "", f.fail
	}
	f.discounts = append(f.discounts, d)
	return fmt.Sprintf("gid://shopify/DiscountCodeNode/%d", len(f.discounts)), nil
}

func (f *fakePlatform) CreateFreeShippingDiscount(_ context.Context, d FreeShippingDiscount) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return "", f.fail
	}
	f.shipping = append(f.shipping, d)
	return fmt.Sprintf("gid://shopify/DiscountCodeNode/s%d", len(f.shipping)), nil
}

func (f *fakePlatform) FindCustomer(_ context.Context, identifier string) (*Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	c, ok := f.customers[identifier]
	if !ok {
		return nil, ErrCustomerNotFound
	}
	return c, nil
}

func (f *fakePlatform) UpdateCustomerTags(_ context.Context, customerID string, tags []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.updates[customerID] = tags
	return nil
}

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestSyncer(t *testing.T, platform Platform) (*Syncer, *gorm.DB) {
	t.Helper()
	db := setupTestDB(t)
	var resolver Resolver = StaticResolver{}
	if platform != nil {
		resolver = StaticResolver{Client: platform}
	}
	s := NewSyncer(resolver, db,
		WithSyncerClock(func() time.Time { return fixedNow }),
		WithSuffixSource(func() (string, error) { return "ABC123", nil }))
	return s, db
}

func TestRandomSuffix(t *testing.T) {
	suffix, err := RandomSuffix()
	require.NoError(t, err)
	require.Len(t, suffix, 6)
	for _, r := range suffix {
		require.True(t, strings.ContainsRune(suffixAlphabet, r), "unexpected rune %q", r)
	}
}

func TestCreateDiscountCodeSynced(t *testing.T) {
	platform := newFakePlatform()
	s, db := newTestSyncer(t, platform)

	out, err := s.CreateDiscountCode(context.Background(), Request{MerchantID: "shop-1", CustomerID: "cust-1", Tier: "Gold"},
		loyalty.DiscountConfig{Percentage: 20, CodePrefix: "LOYAL", ExpiresInDays: 30, PerCustomerLimit: 1})
	require.NoError(t, err)
	require.Equal(t, "LOYALGOLD20_ABC123", out.Code)
	require.Equal(t, "discount_20", out.Token)
	require.True(t, out.Synced)
	require.NoError(t, out.SyncErr)
	require.Equal(t, fixedNow.AddDate(0, 0, 30), *out.ExpiresAt)

	require.Len(t, platform.discounts, 1)
	require.True(t, platform.discounts[0].OncePerCustomer)
	require.Zero(t, platform.discounts[0].UsageLimit)

	var record models.ExternalDiscountRecord
	require.NoError(t, db.First(&record, "code = ?", out.Code).Error)
	require.Equal(t, "gid://shopify/DiscountCodeNode/1", record.ExternalID)
	require.True(t, record.Synced)
	require.Equal(t, 20, *record.Percentage)
	require.Equal(t, "cust-1", record.CustomerID)
}

func TestCreateDiscountCodeFallsBackWhenPlatformFails(t *testing.T) {
	platform := newFakePlatform()
	platform.fail = errors.New("boom")
	s, db := newTestSyncer(t, platform)

	out, err := s.CreateDiscountCode(context.Background(), Request{MerchantID: "shop-1", CustomerID: "cust-1", Tier: "Silver"},
		loyalty.DiscountConfig{Percentage: 10, CodePrefix: "LOYAL", ExpiresInDays: 30, PerCustomerLimit: 3})
	require.NoError(t, err)
	require.Equal(t, "LOYALSILVER10_ABC123", out.Code)
	require.False(t, out.Synced)
	require.ErrorIs(t, out.SyncErr, loyalty.ErrExternalSync)
	require.True(t, strings.HasPrefix(out.ExternalID, PlaceholderPrefix))

	var record models.ExternalDiscountRecord
	require.NoError(t, db.First(&record, "code = ?", out.Code).Error)
	require.Equal(t, out.ExternalID, record.ExternalID)
	require.False(t, record.Synced)
}

func TestCreateDiscountCodeWithoutCredentials(t *testing.T) {
	s, _ := newTestSyncer(t, nil)
	out, err := s.CreateDiscountCode(context.Background(), Request{MerchantID: "shop-1", CustomerID: "cust-1", Tier: "Gold"},
		loyalty.DiscountConfig{Percentage: 20, CodePrefix: "LOYAL"})
	require.NoError(t, err)
	require.ErrorIs(t, out.SyncErr, ErrNotConfigured)
	require.Nil(t, out.ExpiresAt)
}

func TestCodeCollisionRegeneratesSuffix(t *testing.T) {
	platform := newFakePlatform()
	s, db := newTestSyncer(t, platform)
	suffixes := []string{"AAAAAA", "AAAAAA", "BBBBBB"}
	s.suffix = func() (string, error) {
		next := suffixes[0]
		suffixes = suffixes[1:]
		return next, nil
	}
	req := Request{MerchantID: "shop-1", CustomerID: "cust-1", Tier: "Gold"}
	cfg := loyalty.FreeShippingConfig{MinimumOrder: decimal.NewFromInt(50), ExpiresInDays: 14}

	first, err := s.ApplyFreeShipping(context.Background(), req, cfg)
	require.NoError(t, err)
	require.Equal(t, "SHIPGOLD_AAAAAA", first.Code)
	second, err := s.ApplyFreeShipping(context.Background(), req, cfg)
	require.NoError(t, err)
	require.Equal(t, "SHIPGOLD_BBBBBB", second.Code)

	var count int64
	require.NoError(t, db.Model(&models.ExternalDiscountRecord{}).Count(&count).Error)
	require.EqualValues(t, 2, count)
	require.True(t, platform.shipping[0].MinimumSubtotal.Equal(decimal.NewFromInt(50)))
}

func TestCodeCollisionGivesUp(t *testing.T) {
	s, db := newTestSyncer(t, newFakePlatform())
	require.NoError(t, db.Create(&models.ExternalDiscountRecord{Code: "SHIPGOLD_ABC123", MerchantID: "shop-1", CustomerID: "other"}).Error)

	_, err := s.ApplyFreeShipping(context.Background(), Request{MerchantID: "shop-1", CustomerID: "cust-1", Tier: "Gold"}, loyalty.FreeShippingConfig{})
	require.Error(t, err)
}

func TestGrantExclusiveAccessAddsTag(t *testing.T) {
	platform := newFakePlatform()
	platform.customers["cust-1"] = &Customer{ID: "gid://shopify/Customer/1", Tags: []string{"newsletter"}}
	s, db := newTestSyncer(t, platform)

	out, err := s.GrantExclusiveProductAccess(context.Background(), Request{MerchantID: "shop-1", CustomerID: "cust-1", Tier: "Gold"},
		loyalty.ExclusiveProductConfig{ProductIDs: []string{"p1"}, ExpiresInDays: 30})
	require.NoError(t, err)
	require.True(t, out.Synced)
	require.Equal(t, loyalty.TokenExclusiveAccess, out.Token)
	require.Equal(t, []string{"newsletter", "exclusive_gold_access"}, platform.updates["gid://shopify/Customer/1"])

	var grant models.RewardGrant
	require.NoError(t, db.First(&grant, "customer_id = ?", "cust-1").Error)
	require.Equal(t, "exclusive_gold_access", grant.Tag)
	require.Equal(t, "gid://shopify/Customer/1", grant.ExternalCustomerID)
}

func TestGrantEarlyAccessSkipsExistingTag(t *testing.T) {
	platform := newFakePlatform()
	platform.customers["cust-1"] = &Customer{ID: "gid://shopify/Customer/1", Tags: []string{"early_access_platinum"}}
	s, _ := newTestSyncer(t, platform)

	out, err := s.GrantEarlyAccess(context.Background(), Request{MerchantID: "shop-1", CustomerID: "cust-1", Tier: "Platinum"},
		loyalty.EarlyAccessConfig{ExpiresInDays: 30})
	require.NoError(t, err)
	require.True(t, out.Synced)
	require.Empty(t, platform.updates)
}

func TestGrantUnknownCustomerRecordsLocally(t *testing.T) {
	s, db := newTestSyncer(t, newFakePlatform())

	out, err := s.GrantEarlyAccess(context.Background(), Request{MerchantID: "shop-1", CustomerID: "missing", Tier: "Gold"},
		loyalty.EarlyAccessConfig{ExpiresInDays: 30})
	require.NoError(t, err)
	require.False(t, out.Synced)
	require.ErrorIs(t, out.SyncErr, ErrCustomerNotFound)

	var grant models.RewardGrant
	require.NoError(t, db.First(&grant, "customer_id = ?", "missing").Error)
	require.False(t, grant.Synced)
	require.Empty(t, grant.ExternalCustomerID)
}

func TestAnonymousCustomerSkipsPlatform(t *testing.T) {
	platform := newFakePlatform()
	s, _ := newTestSyncer(t, platform)

	out, err := s.GrantEarlyAccess(context.Background(), Request{MerchantID: "shop-1", CustomerID: "anon_0a1b2c3d4e5f6071", Tier: "Gold"},
		loyalty.EarlyAccessConfig{ExpiresInDays: 30})
	require.NoError(t, err)
	require.ErrorIs(t, out.SyncErr, ErrAnonymousCustomer)
	require.Empty(t, platform.updates)
}

func TestProvisionDispatch(t *testing.T) {
	s, _ := newTestSyncer(t, newFakePlatform())
	req := Request{MerchantID: "shop-1", CustomerID: "cust-1", Tier: "Silver"}

	out, err := s.Provision(context.Background(), req, loyalty.FreeShippingConfig{ExpiresInDays: 30})
	require.NoError(t, err)
	require.Equal(t, loyalty.RewardFreeShipping, out.RewardType)
	require.Equal(t, loyalty.TokenFreeShipping, out.Token)

	_, err = s.Provision(context.Background(), req, nil)
	require.ErrorIs(t, err, loyalty.ErrUnknownRewardType)
}
