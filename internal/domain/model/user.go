package model

type RankTier struct {
	Name      string `json:"name"`
	MinRating int    `json:"min_rating"`
	MaxRating int    `json:"max_rating"`
}

// UserRating is what the rating directory knows about a player.
type UserRating struct {
	UserID    string   `json:"user_id"`
	Username  string   `json:"username"`
	Rating    int      `json:"rating"`
	WinStreak int      `json:"win_streak"`
	Points    int      `json:"points"`
	Rank      RankTier `json:"rank"`
}

// DefaultRankTiers is used when no tier table is configured.
var DefaultRankTiers = []RankTier{
	{Name: "Bronze", MinRating: 0, MaxRating: 1199},
	{Name: "Silver", MinRating: 1200, MaxRating: 1499},
	{Name: "Gold", MinRating: 1500, MaxRating: 1799},
	{Name: "Platinum", MinRating: 1800, MaxRating: 2099},
	{Name: "Diamond", MinRating: 2100, MaxRating: 999999},
}

// RankFor returns the tier containing rating, or the closest edge tier.
func RankFor(tiers []RankTier, rating int) RankTier {
	if len(tiers) == 0 {
		return RankTier{}
	}
	for _, t := range tiers {
		if rating >= t.MinRating && rating <= t.MaxRating {
			return t
		}
	}
	if rating < tiers[0].MinRating {
		return tiers[0]
	}
	return tiers[len(tiers)-1]
}
