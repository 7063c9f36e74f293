package loyalty

import (
	"sort"
	"strconv"
	"strings"
)

// Tier names used by the default threshold table.
const (
	TierBronze   = "Bronze"
	TierSilver   = "Silver"
	TierGold     = "Gold"
	TierPlatinum = "Platinum"
)

// Threshold is a named tier with the minimum points required to hold it.
type Threshold struct {
	Name      string `json:"name" yaml:"name" toml:"name"`
	MinPoints int64  `json:"minPoints" yaml:"minPoints" toml:"minPoints"`
}

// DefaultThresholds returns the table applied when a merchant has not
// configured one.
func DefaultThresholds() []Threshold {
	return []Threshold{
		{Name: TierBronze, MinPoints: 0},
		{Name: TierSilver, MinPoints: 100},
		{Name: TierGold, MinPoints: 300},
		{Name: TierPlatinum, MinPoints: 600},
	}
}

// Placement describes where a balance sits in a threshold table.
type Placement struct {
	Tier string
	Rank int
	// Next is nil at the top tier.
	Next *Threshold
}

// PointsToNext returns the points still missing for the next tier, or zero
// at the top tier.
func (p Placement) PointsToNext(points int64) int64 {
	if p.Next == nil {
		return 0
	}
	remaining := p.Next.MinPoints - points
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ResolveTier returns the highest tier whose minimum is at or below points.
// thresholds must be sorted ascending by MinPoints. An empty table resolves to
// Bronze. Balances below the first minimum resolve to the first tier.
func ResolveTier(points int64, thresholds []Threshold) Placement {
	if len(thresholds) == 0 {
		return Placement{Tier: TierBronze}
	}
	rank := 0
	for i, t := range thresholds {
		if t.MinPoints > points {
			break
		}
		rank = i
	}
	placement := Placement{Tier: thresholds[rank].Name, Rank: rank}
	if rank+1 < len(thresholds) {
		next := thresholds[rank+1]
		placement.Next = &next
	}
	return placement
}

// NormalizeThresholds validates a threshold table and returns a copy sorted
// ascending by minimum points.
func NormalizeThresholds(in []Threshold) ([]Threshold, error) {
	var errs fieldErrors
	if len(in) == 0 {
		errs.add("tiers", "at least one tier required")
		return nil, errs.err()
	}
	out := make([]Threshold, 0, len(in))
	names := make(map[string]struct{}, len(in))
	mins := make(map[int64]struct{}, len(in))
	for i, t := range in {
		name := strings.TrimSpace(t.Name)
		field := "tiers[" + strconv.Itoa(i) + "]"
		if name == "" {
			errs.add(field+".name", "must not be empty")
		} else if _, dup := names[strings.ToLower(name)]; dup {
			errs.add(field+".name", "duplicate tier name")
		}
		if t.MinPoints < 0 {
			errs.add(field+".minPoints", "must be >= 0")
		} else if _, dup := mins[t.MinPoints]; dup {
			errs.add(field+".minPoints", "duplicate minimum")
		}
		names[strings.ToLower(name)] = struct{}{}
		mins[t.MinPoints] = struct{}{}
		out = append(out, Threshold{Name: name, MinPoints: t.MinPoints})
	}
	if err := errs.err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].MinPoints < out[j].MinPoints })
	return out, nil
}

// TierRank returns the position of name within thresholds, or -1.
func TierRank(name string, thresholds []Threshold) int {
	for i, t := range thresholds {
		if strings.EqualFold(t.Name, name) {
			return i
		}
	}
	return -1
}
