package retention

import (
	"sort"
	"time"

	"github.com/paulschiretz/pgl-failover/pkg/lifecycle"
)

// ShortRetention is the largest retention that keeps a plain count of passes.
const ShortRetention = 7

// aged is a backup set with its age in days relative to the pass date.
type aged struct {
	lifecycle.Set
	Age int
}

// Decision is the classification of every set under a server root.
type Decision struct {
	Keep    []lifecycle.Set
	Recycle []lifecycle.Set
	Delete  []lifecycle.Set
}

// RecycleCap returns how many .recycled directories a server root may hold.
func RecycleCap(retention int) int {
	switch {
	case retention <= ShortRetention:
		return 1
	case retention <= 31:
		return 2
	case retention <= 92:
		return 3
	default:
		return 4
	}
}

// Decide classifies sets for a pass dated date. Sets dated after date and the
// pass's own working directories are always kept.
func Decide(sets []lifecycle.Set, date time.Time, retention int, levels []int) Decision {
	var d Decision
	var candidates []aged
	var recycled []aged

	for _, s := range sets {
		age := ageInDays(s.Date, date)
		switch {
		case s.State == lifecycle.Deleted:
			d.Delete = append(d.Delete, s)
		case age < 0:
			d.Keep = append(d.Keep, s)
		case age == 0 && s.State != lifecycle.Final && s.State != lifecycle.Recycled:
			d.Keep = append(d.Keep, s)
		case s.State == lifecycle.Recycled:
			recycled = append(recycled, aged{s, age})
		default:
			candidates = append(candidates, aged{s, age})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Age < candidates[j].Age })

	var drop []aged
	if retention <= ShortRetention {
		drop = decideShort(candidates, retention, &d)
	} else {
		drop = decideTiered(candidates, tiers(retention, levels), &d)
	}

	for _, a := range drop {
		if a.State.Complete() {
			recycled = append(recycled, a)
		} else {
			d.Delete = append(d.Delete, a.Set)
		}
	}

	// Youngest recycled sets are the best hard-link bases.
	sort.SliceStable(recycled, func(i, j int) bool { return recycled[i].Age < recycled[j].Age })
	limit := RecycleCap(retention)
	for i, a := range recycled {
		switch {
		case i >= limit:
			d.Delete = append(d.Delete, a.Set)
		case a.State == lifecycle.Final:
			d.Recycle = append(d.Recycle, a.Set)
		default:
			d.Keep = append(d.Keep, a.Set)
		}
	}
	return d
}

// decideShort keeps every set up to and including the retention-th complete pass.
func decideShort(candidates []aged, retention int, d *Decision) []aged {
	var drop []aged
	complete := 0
	for _, a := range candidates {
		if complete >= retention {
			drop = append(drop, a)
			continue
		}
		d.Keep = append(d.Keep, a.Set)
		if a.State.Complete() {
			complete++
		}
	}
	return drop
}

// tiers returns the ascending tier boundaries for retention: the first week,
// then every configured level up to retention.
func tiers(retention int, levels []int) []int {
	bounds := []int{ShortRetention}
	sorted := append([]int(nil), levels...)
	sort.Ints(sorted)
	for _, l := range sorted {
		if l > bounds[len(bounds)-1] && l <= retention {
			bounds = append(bounds, l)
		}
	}
	if bounds[len(bounds)-1] < retention {
		bounds = append(bounds, retention)
	}
	return bounds
}

// decideTiered keeps the first week whole, then one complete pass per tier:
// the oldest one, so it can age into the next tier. Until the first complete
// pass has been seen nothing is dropped. Past the last tier only the oldest
// complete pass survives.
func decideTiered(candidates []aged, bounds []int, d *Decision) []aged {
	var drop []aged
	anchored := false
	i := 0

	lower := 0
	for _, upper := range bounds {
		var tier []aged
		for i < len(candidates) && candidates[i].Age < upper {
			tier = append(tier, candidates[i])
			i++
		}
		if lower == 0 {
			for _, a := range tier {
				d.Keep = append(d.Keep, a.Set)
				if a.State.Complete() {
					anchored = true
				}
			}
		} else {
			drop = append(drop, keepOldestComplete(tier, &anchored, d)...)
		}
		lower = upper
	}

	return append(drop, keepOldestComplete(candidates[i:], &anchored, d)...)
}

// keepOldestComplete keeps the oldest complete set of group and drops the
// rest. Without an anchor, everything up to the first complete set is kept too.
func keepOldestComplete(group []aged, anchored *bool, d *Decision) []aged {
	oldest := -1
	for j, a := range group {
		if a.State.Complete() {
			oldest = j
		}
	}

	var drop []aged
	for j, a := range group {
		switch {
		case j == oldest:
			d.Keep = append(d.Keep, a.Set)
		case !*anchored:
			d.Keep = append(d.Keep, a.Set)
			if a.State.Complete() {
				*anchored = true
			}
		default:
			drop = append(drop, a)
		}
	}
	if oldest >= 0 {
		*anchored = true
	}
	return drop
}

func ageInDays(setDate, passDate time.Time) int {
	a := time.Date(setDate.Year(), setDate.Month(), setDate.Day(), 0, 0, 0, 0, time.UTC)
	b := time.Date(passDate.Year(), passDate.Month(), passDate.Day(), 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}
