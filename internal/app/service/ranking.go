package service

import (
	"math"
	"sort"
	"time"

	"tle_arena/internal/domain/model"
)

const (
	ratingK     = 32
	expPerPlace = 10
)

// standing is a participant's frozen result at settlement time.
type standing struct {
	UserID          string
	Username        string
	Total           int
	LastImproved    time.Time
	JoinedAt        time.Time
	SubmissionCount int
	RatingAtJoin    int
}

// rank orders standings best first. Higher totals win; among equal non-zero
// totals the earlier last improvement wins. Remaining ties fall back to join
// order, then user id, so the ordering is total.
func rank(standings []standing) []standing {
	out := append([]standing(nil), standings...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Total != b.Total {
			return a.Total > b.Total
		}
		if a.Total > 0 && !a.LastImproved.Equal(b.LastImproved) {
			return a.LastImproved.Before(b.LastImproved)
		}
		if !a.JoinedAt.Equal(b.JoinedAt) {
			return a.JoinedAt.Before(b.JoinedAt)
		}
		return a.UserID < b.UserID
	})
	return out
}

// ratingDelta spreads K points linearly from +K for first place to -K for
// last. Players above their room's rating band midpoint gain half, players at
// or below it lose half.
func ratingDelta(placement, n, rating, midpoint int) int {
	if n < 2 {
		return 0
	}
	base := int(math.Round(float64(ratingK*(n+1-2*placement)) / float64(n-1)))
	switch {
	case base > 0 && rating > midpoint:
		base = int(math.Round(float64(base) / 2))
	case base < 0 && rating <= midpoint:
		base = int(math.Round(float64(base) / 2))
	}
	return base
}

func expFor(total, placement, n int) int {
	return total + expPerPlace*(n-placement)
}

func streakFor(placement int) model.StreakEvent {
	if placement == 1 {
		return model.StreakIncrement
	}
	return model.StreakReset
}
