package ranksync

import (
	"fmt"
	"math"
	"strings"
	"time"
)

type Profile struct {
	Username       string
	DisplayName    string
	Bio            string
	ProfilePicUrl  string
	Followers      int64
	Following      int64
	Posts          int64
	EngagementRate float64
	Verified       bool
	Private        bool
	LastUpdated    time.Time
}

type Metric int

const (
	MetricFollowers Metric = iota
	MetricFollowing
	MetricPosts
	MetricEngagementRate
)

func (self Metric) String() string {
	switch self {
	case MetricFollowers:
		return "followers"
	case MetricFollowing:
		return "following"
	case MetricPosts:
		return "posts"
	case MetricEngagementRate:
		return "engagement"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "followers", "followers_count":
		return MetricFollowers, nil
	case "following", "following_count":
		return MetricFollowing, nil
	case "posts", "posts_count":
		return MetricPosts, nil
	case "engagement", "engagement_rate":
		return MetricEngagementRate, nil
	default:
		return MetricFollowers, fmt.Errorf("unknown metric %q", s)
	}
}

func (self *Profile) MetricValue(metric Metric) float64 {
	switch metric {
	case MetricFollowers:
		return float64(self.Followers)
	case MetricFollowing:
		return float64(self.Following)
	case MetricPosts:
		return float64(self.Posts)
	case MetricEngagementRate:
		return self.EngagementRate
	default:
		return 0
	}
}

// float64(math.MaxInt64) rounds up to 2^63, which does not fit
const maxCount = float64(1 << 63)

// negative, non finite, and out of range counts are 0
func clampCount(v float64) (count int64, clamped bool) {
	if math.IsNaN(v) || v < 0 || maxCount <= v {
		return 0, true
	}
	return int64(v), false
}

func clampRate(v float64) (rate float64, clamped bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, true
	}
	return v, false
}

// merges the fields present in `snapshot` into `profile`. returns the number of clamped values.
func mergeSnapshot(profile *Profile, snapshot *ProfileSnapshot) int {
	clampedCount := 0
	count := func(dst *int64, src *float64) {
		if src == nil {
			return
		}
		v, clamped := clampCount(*src)
		if clamped {
			clampedCount += 1
		}
		*dst = v
	}

	if snapshot.DisplayName != nil {
		profile.DisplayName = *snapshot.DisplayName
	}
	if snapshot.Bio != nil {
		profile.Bio = *snapshot.Bio
	}
	if snapshot.ProfilePicUrl != nil {
		profile.ProfilePicUrl = *snapshot.ProfilePicUrl
	}
	count(&profile.Followers, snapshot.Followers)
	count(&profile.Following, snapshot.Following)
	count(&profile.Posts, snapshot.Posts)
	if snapshot.EngagementRate != nil {
		v, clamped := clampRate(*snapshot.EngagementRate)
		if clamped {
			clampedCount += 1
		}
		profile.EngagementRate = v
	}
	if snapshot.Verified != nil {
		profile.Verified = bool(*snapshot.Verified)
	}
	if snapshot.Private != nil {
		profile.Private = bool(*snapshot.Private)
	}
	return clampedCount
}
