package ranksync

import (
	"fmt"
	"math"
	mathrand "math/rand"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/jonboulle/clockwork"
)

func ptr[T any](v T) *T {
	return &v
}

func followers(n float64) ProfileSnapshot {
	return ProfileSnapshot{
		Followers: ptr(n),
	}
}

func testReconciler() (*Reconciler, clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	settings := DefaultReconcilerSettings()
	settings.Clock = clock
	return NewReconciler(settings), clock
}

func TestReconcilerPartialMerge(t *testing.T) {
	reconciler, _ := testReconciler()

	reconciler.ApplyUpdate("a", ProfileSnapshot{
		DisplayName: ptr("A"),
		Followers:   ptr(float64(1)),
		Following:   ptr(float64(2)),
		Verified:    ptr(Flag(true)),
	})
	reconciler.ApplyUpdate("a", ProfileSnapshot{
		Following: ptr(float64(3)),
	})

	profile, ok := reconciler.Profile("a")
	assert.Equal(t, ok, true)
	assert.Equal(t, profile.Username, "a")
	assert.Equal(t, profile.DisplayName, "A")
	assert.Equal(t, profile.Followers, int64(1))
	assert.Equal(t, profile.Following, int64(3))
	assert.Equal(t, profile.Verified, true)

	_, ok = reconciler.Profile("b")
	assert.Equal(t, ok, false)
}

func TestReconcilerUpdateIdempotent(t *testing.T) {
	reconciler, clock := testReconciler()

	update := ProfileSnapshot{
		DisplayName: ptr("Leo Messi"),
		Followers:   ptr(float64(500)),
		Posts:       ptr(float64(12)),
	}

	assert.Equal(t, reconciler.ApplyUpdate("leomessi", update), true)
	once, _ := reconciler.Profile("leomessi")
	version := reconciler.Version()

	clock.Advance(time.Minute)
	assert.Equal(t, reconciler.ApplyUpdate("leomessi", update), false)
	twice, _ := reconciler.Profile("leomessi")

	assert.Equal(t, twice, once)
	assert.Equal(t, reconciler.Version(), version)

	// the same update frame applied twice carries the same timestamp
	message, err := DecodeInboundMessage([]byte(`{"type": "update", "username": "leomessi", "snapshot": {"followers": 501}, "timestamp": "2024-05-01T11:00:00Z"}`))
	assert.Equal(t, err, nil)
	reconciler.HandleMessage(message)
	once, _ = reconciler.Profile("leomessi")
	reconciler.HandleMessage(message)
	twice, _ = reconciler.Profile("leomessi")
	assert.Equal(t, twice, once)
	assert.Equal(t, twice.Followers, int64(501))
}

func TestReconcilerRankDeltas(t *testing.T) {
	reconciler, _ := testReconciler()

	applied := reconciler.ApplyInitial(map[string]ProfileSnapshot{
		"a": followers(300),
		"b": followers(200),
		"c": followers(100),
	})
	assert.Equal(t, applied, true)

	ranking := reconciler.Rankings()
	assert.Equal(t, len(ranking.Profiles()), 3)
	for i, username := range []string{"a", "b", "c"} {
		assert.Equal(t, ranking.Profiles()[i].Username, username)
		assert.Equal(t, ranking.Profiles()[i].Rank, i+1)
		// first sighting is never up or down
		assert.Equal(t, ranking.Profiles()[i].Change, RankChange{Direction: RankNew})
	}

	reconciler.ApplyUpdate("b", followers(400))

	ranking = reconciler.Rankings()
	assert.Equal(t, ranking.Profiles()[0].Username, "b")
	assert.Equal(t, ranking.Profiles()[1].Username, "a")
	assert.Equal(t, ranking.Profiles()[2].Username, "c")
	assert.Equal(t, ranking.Change("a"), RankChange{Direction: RankDown, Magnitude: 1})
	assert.Equal(t, ranking.Change("b"), RankChange{Direction: RankUp, Magnitude: 1})
	assert.Equal(t, ranking.Change("c"), RankChange{Direction: RankUnchanged})

	// reading again does not move the reference
	for i := 0; i < 3; i++ {
		assert.Equal(t, reconciler.RankChange("a"), RankChange{Direction: RankDown, Magnitude: 1})
		assert.Equal(t, reconciler.RankChange("b"), RankChange{Direction: RankUp, Magnitude: 1})
	}
	assert.Equal(t, reconciler.Rankings() == ranking, true)

	// c jumps two places
	reconciler.ApplyUpdate("c", followers(1000))
	ranking = reconciler.Rankings()
	assert.Equal(t, ranking.Change("c"), RankChange{Direction: RankUp, Magnitude: 2})
	assert.Equal(t, ranking.Change("b"), RankChange{Direction: RankDown, Magnitude: 1})
	assert.Equal(t, ranking.Change("a"), RankChange{Direction: RankDown, Magnitude: 1})
	assert.Equal(t, ranking.Change("a").String(), "↓1")
	assert.Equal(t, ranking.Change("c").String(), "↑2")
}

func TestReconcilerNewEntrant(t *testing.T) {
	reconciler, _ := testReconciler()

	reconciler.ApplyUpdate("a", followers(300))
	reconciler.ApplyUpdate("b", followers(200))

	// enters at rank 1
	reconciler.ApplyUpdate("d", followers(1000))

	ranking := reconciler.Rankings()
	rank, ok := ranking.Rank("d")
	assert.Equal(t, ok, true)
	assert.Equal(t, rank, 1)
	assert.Equal(t, ranking.Change("d").Direction, RankNew)
	assert.Equal(t, ranking.Change("d").String(), "")
	assert.Equal(t, ranking.Change("a"), RankChange{Direction: RankDown, Magnitude: 1})
	assert.Equal(t, ranking.Change("b"), RankChange{Direction: RankDown, Magnitude: 1})

	_, ok = ranking.Rank("missing")
	assert.Equal(t, ok, false)
	assert.Equal(t, ranking.Change("missing").Direction, RankNew)
}

func TestReconcilerTiesByUsername(t *testing.T) {
	reconciler, _ := testReconciler()

	reconciler.ApplyInitial(map[string]ProfileSnapshot{
		"zed":   followers(100),
		"alpha": followers(100),
		"mid":   followers(100),
	})

	ranking := reconciler.Rankings()
	assert.Equal(t, ranking.Profiles()[0].Username, "alpha")
	assert.Equal(t, ranking.Profiles()[1].Username, "mid")
	assert.Equal(t, ranking.Profiles()[2].Username, "zed")
}

func TestReconcilerInitialPolicy(t *testing.T) {
	reconciler, _ := testReconciler()

	assert.Equal(t, reconciler.ApplyInitial(map[string]ProfileSnapshot{
		"a": followers(100),
		"b": followers(200),
	}), true)
	reconciler.ApplyUpdate("a", followers(150))

	// a redundant initial must not clobber the live update
	assert.Equal(t, reconciler.ApplyInitial(map[string]ProfileSnapshot{
		"a": followers(100),
		"c": followers(50),
	}), false)

	profile, _ := reconciler.Profile("a")
	assert.Equal(t, profile.Followers, int64(150))
	_, ok := reconciler.Profile("c")
	assert.Equal(t, ok, false)
	assert.Equal(t, len(reconciler.Profiles()), 2)

	// data from another source before the first initial is merged with it, not dropped
	reconciler, _ = testReconciler()
	reconciler.ApplyUpdate("x", ProfileSnapshot{
		Followers: ptr(float64(10)),
		Bio:       ptr("from the api"),
	})
	assert.Equal(t, reconciler.ApplyInitial(map[string]ProfileSnapshot{
		"x": followers(20),
		"y": followers(30),
	}), true)
	profile, _ = reconciler.Profile("x")
	assert.Equal(t, profile.Followers, int64(20))
	assert.Equal(t, profile.Bio, "from the api")
	assert.Equal(t, len(reconciler.Profiles()), 2)

	// an initial into an empty table is always applied
	reconciler, _ = testReconciler()
	assert.Equal(t, reconciler.ApplyInitial(map[string]ProfileSnapshot{}), true)
	assert.Equal(t, reconciler.ApplyInitial(map[string]ProfileSnapshot{
		"a": followers(1),
	}), true)
	assert.Equal(t, len(reconciler.Profiles()), 1)
}

func TestReconcilerClamp(t *testing.T) {
	reconciler, _ := testReconciler()

	reconciler.ApplyUpdate("a", ProfileSnapshot{
		Followers:      ptr(float64(-5)),
		Following:      ptr(math.Inf(1)),
		Posts:          ptr(math.NaN()),
		EngagementRate: ptr(float64(-1.5)),
	})
	profile, _ := reconciler.Profile("a")
	assert.Equal(t, profile.Followers, int64(0))
	assert.Equal(t, profile.Following, int64(0))
	assert.Equal(t, profile.Posts, int64(0))
	assert.Equal(t, profile.EngagementRate, float64(0))

	reconciler.ApplyUpdate("a", ProfileSnapshot{
		Followers:      ptr(float64(1e30)),
		Following:      ptr(float64(42.9)),
		EngagementRate: ptr(math.NaN()),
	})
	profile, _ = reconciler.Profile("a")
	assert.Equal(t, profile.Followers, int64(0))
	assert.Equal(t, profile.Following, int64(42))
	assert.Equal(t, profile.EngagementRate, float64(0))
}

func TestReconcilerClampDecodedFrame(t *testing.T) {
	reconciler, _ := testReconciler()

	message, err := DecodeInboundMessage([]byte(`{"type": "initial", "data": {"a": {"followers": 1e400, "posts": -1e400}, "b": {"followers": 10}}}`))
	assert.Equal(t, err, nil)
	reconciler.HandleMessage(message)

	a, ok := reconciler.Profile("a")
	assert.Equal(t, ok, true)
	assert.Equal(t, a.Followers, int64(0))
	assert.Equal(t, a.Posts, int64(0))
	b, ok := reconciler.Profile("b")
	assert.Equal(t, ok, true)
	assert.Equal(t, b.Followers, int64(10))

	ranking := reconciler.Rankings()
	assert.Equal(t, len(ranking.Profiles()), 2)
	assert.Equal(t, ranking.Profiles()[0].Username, "b")
}

func TestRankingReadersGetCopies(t *testing.T) {
	reconciler, _ := testReconciler()
	reconciler.ApplyUpdate("a", followers(10))
	reconciler.ApplyUpdate("b", followers(20))

	ranking := reconciler.Rankings()
	profiles := ranking.Profiles()
	profiles[0].Change = RankChange{Direction: RankDown, Magnitude: 7}
	profiles[0].Username = "z"

	assert.Equal(t, ranking.Len(), 2)
	assert.Equal(t, ranking.Profiles()[0].Username, "b")
	assert.Equal(t, reconciler.RankChange("b"), ranking.Profiles()[0].Change)
	assert.NotEqual(t, reconciler.RankChange("b"), RankChange{Direction: RankDown, Magnitude: 7})
}

func TestReconcilerHandleMessage(t *testing.T) {
	reconciler, clock := testReconciler()

	frames := []string{
		`{"type": "initial", "data": {"a": {"followers": 10, "fetched_at": "2024-04-30T08:00:00"}, "b": {"followers": 20}}, "timestamp": "2024-05-01T09:00:00Z"}`,
		`{"type": "update", "username": "a", "changed": ["followers"], "snapshot": {"followers": 30}, "timestamp": "2024-05-01T09:30:00Z"}`,
		`{"type": "heartbeat", "timestamp": "2024-05-01T09:31:00Z"}`,
	}
	for _, frame := range frames {
		message, err := DecodeInboundMessage([]byte(frame))
		assert.Equal(t, err, nil)
		reconciler.HandleMessage(message)
	}

	a, _ := reconciler.Profile("a")
	b, _ := reconciler.Profile("b")
	assert.Equal(t, a.Followers, int64(30))
	assert.Equal(t, a.LastUpdated.Equal(time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)), true)
	assert.Equal(t, b.LastUpdated.Equal(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)), true)
	assert.Equal(t, reconciler.LastHeartbeat().Equal(clock.Now()), true)

	ranking := reconciler.Rankings()
	assert.Equal(t, ranking.Profiles()[0].Username, "a")
	assert.Equal(t, ranking.Change("a"), RankChange{Direction: RankUp, Magnitude: 1})

	// the fetch time wins over the frame time
	reconciler, _ = testReconciler()
	message, err := DecodeInboundMessage([]byte(frames[0]))
	assert.Equal(t, err, nil)
	reconciler.HandleMessage(message)
	a, _ = reconciler.Profile("a")
	assert.Equal(t, a.LastUpdated.Equal(time.Date(2024, 4, 30, 8, 0, 0, 0, time.UTC)), true)
}

func TestReconcilerChangeCallback(t *testing.T) {
	reconciler, _ := testReconciler()

	rankings := []*Ranking{}
	remove := reconciler.AddChangeCallback(func(ranking *Ranking) {
		rankings = append(rankings, ranking)
	})

	reconciler.ApplyInitial(map[string]ProfileSnapshot{"a": followers(1)})
	reconciler.ApplyUpdate("b", followers(2))
	// no change
	reconciler.ApplyUpdate("b", followers(2))
	// ignored
	reconciler.ApplyInitial(map[string]ProfileSnapshot{"c": followers(3)})

	assert.Equal(t, len(rankings), 2)
	assert.Equal(t, rankings[0].Version, uint64(1))
	assert.Equal(t, rankings[1].Version, uint64(2))
	assert.Equal(t, rankings[1] == reconciler.Rankings(), true)

	remove()
	reconciler.ApplyUpdate("b", followers(5))
	assert.Equal(t, len(rankings), 2)
}

func TestReconcilerRanksContiguous(t *testing.T) {
	reconciler, _ := testReconciler()
	r := mathrand.New(mathrand.NewSource(0))

	n := 50
	for i := 0; i < 500; i++ {
		username := fmt.Sprintf("p%d", r.Intn(n))
		reconciler.ApplyUpdate(username, followers(float64(r.Intn(20))))

		ranking := reconciler.Rankings()
		ranks := ranking.Ranks()
		assert.Equal(t, len(ranks), len(reconciler.Profiles()))
		seen := map[int]bool{}
		for _, rank := range ranks {
			assert.Equal(t, 1 <= rank && rank <= len(ranks), true)
			assert.Equal(t, seen[rank], false)
			seen[rank] = true
		}
		for i, rankedProfile := range ranking.Profiles() {
			assert.Equal(t, rankedProfile.Rank, i+1)
		}
	}
}
