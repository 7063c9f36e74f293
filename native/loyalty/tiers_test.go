package loyalty

import (
	"errors"
	"testing"
)

func TestResolveTierDefaults(t *testing.T) {
	cases := []struct {
		points int64
		tier   string
		next   string
		toNext int64
	}{
		{0, TierBronze, TierSilver, 100},
		{99, TierBronze, TierSilver, 1},
		{100, TierSilver, TierGold, 200},
		{150, TierSilver, TierGold, 150},
		{300, TierGold, TierPlatinum, 300},
		{600, TierPlatinum, "", 0},
		{10_000, TierPlatinum, "", 0},
	}
	thresholds := DefaultThresholds()
	for _, tc := range cases {
		placement := ResolveTier(tc.points, thresholds)
		if placement.Tier != tc.tier {
			t.Fatalf("points %d: expected tier %s got %s", tc.points, tc.tier, placement.Tier)
		}
		next := ""
		if placement.Next != nil {
			next = placement.Next.Name
		}
		if next != tc.next {
			t.Fatalf("points %d: expected next %q got %q", tc.points, tc.next, next)
		}
		if got := placement.PointsToNext(tc.points); got != tc.toNext {
			t.Fatalf("points %d: expected %d to next got %d", tc.points, tc.toNext, got)
		}
	}
}

func TestResolveTierMonotonic(t *testing.T) {
	thresholds := DefaultThresholds()
	prev := -1
	for points := int64(0); points <= 1000; points++ {
		rank := ResolveTier(points, thresholds).Rank
		if rank < prev {
			t.Fatalf("rank decreased at %d: %d < %d", points, rank, prev)
		}
		prev = rank
	}
}

func TestResolveTierEmptyTable(t *testing.T) {
	placement := ResolveTier(5000, nil)
	if placement.Tier != TierBronze || placement.Next != nil {
		t.Fatalf("expected single Bronze tier, got %+v", placement)
	}
}

func TestResolveTierBelowFirstMinimum(t *testing.T) {
	thresholds := []Threshold{{Name: "Member", MinPoints: 50}, {Name: "VIP", MinPoints: 500}}
	placement := ResolveTier(10, thresholds)
	if placement.Tier != "Member" {
		t.Fatalf("expected first tier, got %s", placement.Tier)
	}
}

func TestNormalizeThresholdsSortsAndValidates(t *testing.T) {
	out, err := NormalizeThresholds([]Threshold{
		{Name: " Gold ", MinPoints: 300},
		{Name: "Bronze", MinPoints: 0},
		{Name: "Silver", MinPoints: 100},
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if out[0].Name != "Bronze" || out[1].Name != "Silver" || out[2].Name != "Gold" {
		t.Fatalf("unexpected order %+v", out)
	}

	_, err = NormalizeThresholds([]Threshold{
		{Name: "", MinPoints: -1},
		{Name: "Silver", MinPoints: 100},
		{Name: "silver", MinPoints: 100},
	})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	for _, field := range []string{"tiers[0].name", "tiers[0].minPoints", "tiers[2].name", "tiers[2].minPoints"} {
		if !verr.Has(field) {
			t.Fatalf("expected %s in %v", field, verr.FieldNames())
		}
	}
}

func TestTierRank(t *testing.T) {
	thresholds := DefaultThresholds()
	if got := TierRank("gold", thresholds); got != 2 {
		t.Fatalf("expected rank 2 got %d", got)
	}
	if got := TierRank("Diamond", thresholds); got != -1 {
		t.Fatalf("expected -1 got %d", got)
	}
}
