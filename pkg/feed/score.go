package feed

import (
	"math"

	"github.com/capsulehub/capsuled/pkg/models"
)

// Engagement aggregates per-post interaction counts for the scorer.
type Engagement struct {
	Runs     int64
	Likes    int64
	Comments int64
	Remixes  int64
}

// Scoring weights. Recency decays with a 24 hour half-life so a day-old
// post carries half the freshness signal of a new one; engagement is
// log-damped so a viral post cannot drown the feed; the author prior is
// log-damped on followers for the same reason.
const (
	recencyHalfLifeHours = 24.0
	recencyWeight        = 2.0

	runWeight     = 3.0
	likeWeight    = 2.0
	commentWeight = 2.0
	remixWeight   = 4.0

	followerWeight = 0.1
	featuredBoost  = 0.5

	capsuleBonus = 0.25
)

// ComputeForYouScore ranks one post for the personalized feed. Pure on
// its inputs so ranking stays reproducible for a fixed clock.
func ComputeForYouScore(createdAtSec, nowSec int64, eng Engagement, authorFollowers int64, authorFeatured bool, authorPlan models.Plan, hasCapsule bool) float64 {
	ageHours := float64(nowSec-createdAtSec) / 3600
	if ageHours < 0 {
		ageHours = 0
	}
	recency := math.Exp2(-ageHours / recencyHalfLifeHours)

	engagement := math.Log1p(
		runWeight*float64(eng.Runs) +
			likeWeight*float64(eng.Likes) +
			commentWeight*float64(eng.Comments) +
			remixWeight*float64(eng.Remixes))

	followers := authorFollowers
	if followers < 0 {
		followers = 0
	}
	prior := followerWeight * math.Log1p(float64(followers))
	if authorFeatured {
		prior += featuredBoost
	}
	prior *= authorPlan.RankBoost()

	score := recencyWeight*recency + engagement + prior
	if hasCapsule {
		score += capsuleBonus
	}
	return score
}
