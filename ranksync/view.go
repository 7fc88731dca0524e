package ranksync

import (
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/exp/slices"
)

type Category int

const (
	CategoryAll Category = iota
	CategoryVerifiedOnly
	CategoryPublicOnly
	CategoryPrivateOnly
)

func (self Category) String() string {
	switch self {
	case CategoryAll:
		return "all"
	case CategoryVerifiedOnly:
		return "verified"
	case CategoryPublicOnly:
		return "public"
	case CategoryPrivateOnly:
		return "private"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

func ParseCategory(s string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return CategoryAll, nil
	case "verified":
		return CategoryVerifiedOnly, nil
	case "public":
		return CategoryPublicOnly, nil
	case "private":
		return CategoryPrivateOnly, nil
	default:
		return CategoryAll, fmt.Errorf("unknown category %q", s)
	}
}

type SortDirection int

const (
	Descending SortDirection = iota
	Ascending
)

func (self SortDirection) String() string {
	if self == Ascending {
		return "asc"
	}
	return "desc"
}

func ParseSortDirection(s string) (SortDirection, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "desc", "descending":
		return Descending, nil
	case "asc", "ascending":
		return Ascending, nil
	default:
		return Descending, fmt.Errorf("unknown sort direction %q", s)
	}
}

type ViewCriteria struct {
	// case insensitive substring of the username or display name
	Search     string
	Category   Category
	SortMetric Metric
	Direction  SortDirection
	// when set, profiles with the sort metric below this are excluded
	MinThreshold *float64
	// when set, profiles last updated before this are excluded
	UpdatedAfter time.Time
}

func DefaultViewCriteria() ViewCriteria {
	return ViewCriteria{
		Category:   CategoryAll,
		SortMetric: MetricFollowers,
		Direction:  Descending,
	}
}

func (self *ViewCriteria) matches(profile *Profile, search string) bool {
	if search != "" &&
		!strings.Contains(strings.ToLower(profile.Username), search) &&
		!strings.Contains(strings.ToLower(profile.DisplayName), search) {
		return false
	}
	switch self.Category {
	case CategoryVerifiedOnly:
		if !profile.Verified {
			return false
		}
	case CategoryPrivateOnly:
		if !profile.Private {
			return false
		}
	case CategoryPublicOnly:
		if profile.Private {
			return false
		}
	}
	if self.MinThreshold != nil && profile.MetricValue(self.SortMetric) < *self.MinThreshold {
		return false
	}
	if !self.UpdatedAfter.IsZero() && profile.LastUpdated.Before(self.UpdatedAfter) {
		return false
	}
	return true
}

// filters then sorts a copy of `profiles`. the input is not modified.
// equal metric values order by username ascending in both directions, so the output is fully determined by the input set.
func BuildView(profiles []Profile, criteria ViewCriteria) []Profile {
	search := strings.ToLower(criteria.Search)

	view := make([]Profile, 0, len(profiles))
	for i := range profiles {
		if criteria.matches(&profiles[i], search) {
			view = append(view, profiles[i])
		}
	}
	sortProfiles(view, criteria.SortMetric, criteria.Direction)
	return view
}

func sortProfiles(profiles []Profile, metric Metric, direction SortDirection) {
	slices.SortStableFunc(profiles, func(a Profile, b Profile) int {
		return compareProfiles(&a, &b, metric, direction)
	})
}

func compareProfiles(a *Profile, b *Profile, metric Metric, direction SortDirection) int {
	av := a.MetricValue(metric)
	bv := b.MetricValue(metric)
	c := 0
	if av < bv {
		c = -1
	} else if bv < av {
		c = 1
	}
	if direction == Descending {
		c = -c
	}
	if c != 0 {
		return c
	}
	return strings.Compare(a.Username, b.Username)
}

// aggregates over a view
type ViewStats struct {
	Count int
	// saturates at max int64
	TotalFollowers    int64
	TotalFollowing    int64
	AverageEngagement float64
	VerifiedCount     int
	PrivateCount      int
}

func SummarizeView(profiles []Profile) ViewStats {
	stats := ViewStats{
		Count: len(profiles),
	}
	engagementSum := float64(0)
	for i := range profiles {
		profile := &profiles[i]
		stats.TotalFollowers = saturatingAdd(stats.TotalFollowers, profile.Followers)
		stats.TotalFollowing = saturatingAdd(stats.TotalFollowing, profile.Following)
		engagementSum += profile.EngagementRate
		if profile.Verified {
			stats.VerifiedCount += 1
		}
		if profile.Private {
			stats.PrivateCount += 1
		}
	}
	if 0 < stats.Count {
		stats.AverageEngagement = engagementSum / float64(stats.Count)
	}
	return stats
}

// counts are non-negative
func saturatingAdd(a int64, b int64) int64 {
	if math.MaxInt64-a < b {
		return math.MaxInt64
	}
	return a + b
}
