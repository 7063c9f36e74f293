package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"qrloyalty/native/loyalty"
	"qrloyalty/services/qr-loyalty/cache"
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

func newLedger(t *testing.T) (*Ledger, *TierStore, *gorm.DB) {
	t.Helper()
	db := setupTestDB(t)
	tiers := NewTierStore(db, cache.New[string, []loyalty.Threshold](time.Minute))
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	return New(db, tiers, WithClock(func() time.Time { return now })), tiers, db
}

func TestAwardCreatesAndIncrements(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()

	first, err := l.Award(ctx, "shop-1", "cust-1", 40, models.SourceScan)
	require.NoError(t, err)
	require.Equal(t, int64(40), first.Points)
	require.Equal(t, loyalty.TierBronze, first.Tier)

	second, err := l.Award(ctx, "shop-1", "cust-1", 70, models.SourcePurchase)
	require.NoError(t, err)
	require.Equal(t, int64(110), second.Points)
	require.Equal(t, models.SourcePurchase, second.LastSource)
	require.Equal(t, loyalty.TierSilver, second.Tier)
	require.Equal(t, loyalty.TierGold, second.NextTier)
	require.Equal(t, int64(190), second.PointsToNextTier)
}

func TestAwardIsAssociative(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()

	for _, amount := range []int64{5, 17, 33} {
		_, err := l.Award(ctx, "shop-1", "split", amount, models.SourceScan)
		require.NoError(t, err)
	}
	_, err := l.Award(ctx, "shop-1", "single", 55, models.SourceScan)
	require.NoError(t, err)

	split, err := l.GetBalance(ctx, "shop-1", "split")
	require.NoError(t, err)
	single, err := l.GetBalance(ctx, "shop-1", "single")
	require.NoError(t, err)
	require.Equal(t, single.Points, split.Points)
}

func TestAwardRejectsNonPositiveAmount(t *testing.T) {
	l, _, db := newLedger(t)
	for _, amount := range []int64{0, -3} {
		_, err := l.Award(context.Background(), "shop-1", "cust-1", amount, models.SourceScan)
		var verr *loyalty.ValidationError
		require.True(t, errors.As(err, &verr))
		require.True(t, verr.Has("amount"))
	}
	var count int64
	require.NoError(t, db.Model(&models.PointsBalance{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestRedeemInsufficientLeavesBalance(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()
	_, err := l.Award(ctx, "shop-1", "cust-1", 50, models.SourceScan)
	require.NoError(t, err)

	_, err = l.Redeem(ctx, "shop-1", "cust-1", 80)
	require.ErrorIs(t, err, loyalty.ErrInsufficientPoints)

	standing, err := l.GetBalance(ctx, "shop-1", "cust-1")
	require.NoError(t, err)
	require.Equal(t, int64(50), standing.Points)

	standing, err = l.Redeem(ctx, "shop-1", "cust-1", 50)
	require.NoError(t, err)
	require.Zero(t, standing.Points)
}

func TestRedeemUnknownCustomer(t *testing.T) {
	l, _, _ := newLedger(t)
	_, err := l.Redeem(context.Background(), "shop-1", "ghost", 1)
	require.ErrorIs(t, err, loyalty.ErrInsufficientPoints)
}

func TestGetBalanceUnknownCustomerIsZero(t *testing.T) {
	l, _, _ := newLedger(t)
	standing, err := l.GetBalance(context.Background(), "shop-1", "nobody")
	require.NoError(t, err)
	require.Zero(t, standing.Points)
	require.Equal(t, loyalty.TierBronze, standing.Tier)
	require.Equal(t, int64(100), standing.PointsToNextTier)
}

func TestBalance150IsSilver(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()
	_, err := l.Award(ctx, "shop-1", "cust-150", 150, models.SourceManual)
	require.NoError(t, err)

	standing, err := l.GetBalance(ctx, "shop-1", "cust-150")
	require.NoError(t, err)
	require.Equal(t, "Silver", standing.Tier)
	require.Equal(t, "Gold", standing.NextTier)
	require.Equal(t, int64(150), standing.PointsToNextTier)
}

func TestTopTierOmitsPointsToNext(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()
	standing, err := l.Award(ctx, "shop-1", "cust-top", 700, models.SourcePurchase)
	require.NoError(t, err)
	require.Equal(t, "Platinum", standing.Tier)
	require.Empty(t, standing.NextTier)

	raw, err := json.Marshal(standing)
	require.NoError(t, err)
	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &fields))
	require.NotContains(t, fields, "pointsToNextTier")
	require.NotContains(t, fields, "nextTier")
	require.EqualValues(t, "Platinum", fields["tier"])
}

func TestCustomTierTable(t *testing.T) {
	l, tiers, _ := newLedger(t)
	ctx := context.Background()

	// Prime the cache with the default table before replacing it.
	standing, err := l.GetBalance(ctx, "shop-2", "cust-1")
	require.NoError(t, err)
	require.Equal(t, loyalty.TierBronze, standing.Tier)

	_, err = tiers.Replace(ctx, "shop-2", []loyalty.Threshold{
		{Name: "VIP", MinPoints: 20},
		{Name: "Member", MinPoints: 0},
	})
	require.NoError(t, err)

	_, err = l.Award(ctx, "shop-2", "cust-1", 25, models.SourceScan)
	require.NoError(t, err)
	standing, err = l.GetBalance(ctx, "shop-2", "cust-1")
	require.NoError(t, err)
	require.Equal(t, "VIP", standing.Tier)
	require.Empty(t, standing.NextTier)
	require.Zero(t, standing.PointsToNextTier)

	table, err := tiers.Thresholds(ctx, "shop-2")
	require.NoError(t, err)
	require.Equal(t, []loyalty.Threshold{{Name: "Member", MinPoints: 0}, {Name: "VIP", MinPoints: 20}}, table)
}

func TestReplaceRejectsInvalidTable(t *testing.T) {
	_, tiers, _ := newLedger(t)
	_, err := tiers.Replace(context.Background(), "shop-1", nil)
	var verr *loyalty.ValidationError
	require.True(t, errors.As(err, &verr))
	require.True(t, verr.Has("tiers"))
}
