package ranksync

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/golang/glog"
)

// the canonical profile table
//
// profiles are only ever added or merged into, never removed.
// every change to the table produces exactly one new ranking, computed against the ranking before it,
// so reading the ranking any number of times never changes the reported rank deltas.

type RankDirection int

const (
	// no previous rank to compare against
	RankNew RankDirection = iota
	RankUp
	RankDown
	RankUnchanged
)

type RankChange struct {
	Direction RankDirection
	Magnitude int
}

func (self RankChange) String() string {
	switch self.Direction {
	case RankUp:
		return fmt.Sprintf("↑%d", self.Magnitude)
	case RankDown:
		return fmt.Sprintf("↓%d", self.Magnitude)
	case RankUnchanged:
		return "→"
	default:
		return ""
	}
}

func rankChange(previousRank int, rank int) RankChange {
	switch {
	case rank < previousRank:
		return RankChange{Direction: RankUp, Magnitude: previousRank - rank}
	case previousRank < rank:
		return RankChange{Direction: RankDown, Magnitude: rank - previousRank}
	default:
		return RankChange{Direction: RankUnchanged}
	}
}

type RankedProfile struct {
	Profile
	// 1-based
	Rank   int
	Change RankChange
}

// immutable once published. readers get copies.
type Ranking struct {
	Version  uint64
	Metric   Metric
	profiles []RankedProfile
	ranks    map[string]int
}

// ordered by rank
func (self *Ranking) Profiles() []RankedProfile {
	return slices.Clone(self.profiles)
}

func (self *Ranking) Len() int {
	return len(self.profiles)
}

func (self *Ranking) Rank(username string) (int, bool) {
	rank, ok := self.ranks[username]
	return rank, ok
}

func (self *Ranking) Change(username string) RankChange {
	rank, ok := self.ranks[username]
	if !ok {
		return RankChange{}
	}
	return self.profiles[rank-1].Change
}

// username -> rank
func (self *Ranking) Ranks() map[string]int {
	return maps.Clone(self.ranks)
}

type ChangeCallback func(ranking *Ranking)

type ReconcilerSettings struct {
	// ranks are by this metric, descending
	RankMetric Metric
	// when nil the real clock is used
	Clock clockwork.Clock
}

func DefaultReconcilerSettings() *ReconcilerSettings {
	return &ReconcilerSettings{
		RankMetric: MetricFollowers,
	}
}

type Reconciler struct {
	settings *ReconcilerSettings
	clock    clockwork.Clock

	stateLock      sync.Mutex
	profiles       map[string]*Profile
	initialApplied bool
	version        uint64
	ranking        *Ranking
	lastHeartbeat  time.Time

	changeCallbacks *CallbackList[ChangeCallback]
}

func NewReconcilerWithDefaults() *Reconciler {
	return NewReconciler(DefaultReconcilerSettings())
}

func NewReconciler(settings *ReconcilerSettings) *Reconciler {
	clock := settings.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	reconciler := &Reconciler{
		settings:        settings,
		clock:           clock,
		profiles:        map[string]*Profile{},
		changeCallbacks: NewCallbackList[ChangeCallback](),
	}
	reconciler.ranking = reconciler.rankLocked(map[string]int{})
	return reconciler
}

// called with each new ranking, on the goroutine that applied the change
func (self *Reconciler) AddChangeCallback(callback ChangeCallback) func() {
	return self.changeCallbacks.Add(callback)
}

// dispatch for the closed message set
func (self *Reconciler) HandleMessage(message InboundMessage) {
	switch v := message.(type) {
	case *InitialMessage:
		self.applyInitial(v.Profiles, v.SentAt)
	case *UpdateMessage:
		glog.V(2).Infof("[r]update %s changed=%v\n", v.Username, v.Changed)
		self.applyUpdate(v.Username, &v.Snapshot, v.SentAt)
	case *HeartbeatMessage:
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			self.lastHeartbeat = self.clock.Now()
		}()
	default:
		glog.Infof("[r]unexpected message %T\n", message)
	}
}

// the first initial of the session is applied, and any initial into an empty table.
// later initials are ignored.
// returns true if the initial was applied.
func (self *Reconciler) ApplyInitial(profiles map[string]ProfileSnapshot) bool {
	return self.applyInitial(profiles, time.Time{})
}

func (self *Reconciler) applyInitial(profiles map[string]ProfileSnapshot, sentAt time.Time) bool {
	var ranking *Ranking
	applied := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.initialApplied && 0 < len(self.profiles) {
			reconcilerApplied.WithLabelValues("initial", "ignored").Inc()
			glog.V(1).Infof("[r]ignore initial (%d profiles)\n", len(profiles))
			return false
		}
		self.initialApplied = true

		changed := false
		// fixed order
		usernames := maps.Keys(profiles)
		slices.Sort(usernames)
		for _, username := range usernames {
			snapshot := profiles[username]
			if self.upsertLocked(username, &snapshot, sentAt) {
				changed = true
			}
		}
		reconcilerApplied.WithLabelValues("initial", "applied").Inc()
		if changed {
			ranking = self.changedLocked()
		}
		return true
	}()
	if ranking != nil {
		self.notifyChange(ranking)
	}
	return applied
}

// inserts or merges. fields absent from `snapshot` keep their current value.
// returns true if the table changed.
func (self *Reconciler) ApplyUpdate(username string, snapshot ProfileSnapshot) bool {
	return self.applyUpdate(username, &snapshot, time.Time{})
}

func (self *Reconciler) applyUpdate(username string, snapshot *ProfileSnapshot, sentAt time.Time) bool {
	var ranking *Ranking
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.upsertLocked(username, snapshot, sentAt) {
			reconcilerApplied.WithLabelValues("update", "applied").Inc()
			ranking = self.changedLocked()
		} else {
			reconcilerApplied.WithLabelValues("update", "unchanged").Inc()
		}
	}()
	if ranking != nil {
		self.notifyChange(ranking)
		return true
	}
	return false
}

func (self *Reconciler) upsertLocked(username string, snapshot *ProfileSnapshot, sentAt time.Time) bool {
	var next Profile
	previous, ok := self.profiles[username]
	if ok {
		next = *previous
	} else {
		next = Profile{
			Username: username,
		}
	}

	if clampedCount := mergeSnapshot(&next, snapshot); 0 < clampedCount {
		reconcilerClamped.Add(float64(clampedCount))
		glog.V(1).Infof("[r]clamped %d values for %s\n", clampedCount, username)
	}

	updatedAt, explicit := snapshotTime(snapshot, sentAt)
	if ok && *previous == next && !explicit {
		// re-applying the same content without a timestamp keeps the previous update time
		return false
	}
	if explicit {
		next.LastUpdated = updatedAt
	} else {
		next.LastUpdated = self.clock.Now().UTC()
	}

	if ok && *previous == next {
		return false
	}
	self.profiles[username] = &next
	reconcilerProfiles.Set(float64(len(self.profiles)))
	return true
}

// the fetch time of the snapshot, else the send time of the message
func snapshotTime(snapshot *ProfileSnapshot, sentAt time.Time) (time.Time, bool) {
	if snapshot.FetchedAt != nil {
		if fetchedAt, err := ParseTimestamp(*snapshot.FetchedAt); err == nil {
			return fetchedAt, true
		}
	}
	if !sentAt.IsZero() {
		return sentAt, true
	}
	return time.Time{}, false
}

func (self *Reconciler) changedLocked() *Ranking {
	self.version += 1
	self.ranking = self.rankLocked(self.ranking.ranks)
	return self.ranking
}

func (self *Reconciler) rankLocked(previousRanks map[string]int) *Ranking {
	profiles := make([]Profile, 0, len(self.profiles))
	for _, profile := range self.profiles {
		profiles = append(profiles, *profile)
	}
	sortProfiles(profiles, self.settings.RankMetric, Descending)

	rankedProfiles := make([]RankedProfile, len(profiles))
	ranks := make(map[string]int, len(profiles))
	for i, profile := range profiles {
		rank := i + 1
		var change RankChange
		if previousRank, ok := previousRanks[profile.Username]; ok {
			change = rankChange(previousRank, rank)
		}
		rankedProfiles[i] = RankedProfile{
			Profile: profile,
			Rank:    rank,
			Change:  change,
		}
		ranks[profile.Username] = rank
	}
	return &Ranking{
		Version:  self.version,
		Metric:   self.settings.RankMetric,
		profiles: rankedProfiles,
		ranks:    ranks,
	}
}

func (self *Reconciler) notifyChange(ranking *Ranking) {
	for _, callback := range self.changeCallbacks.Get() {
		HandleError(func() {
			callback(ranking)
		})
	}
}

func (self *Reconciler) Rankings() *Ranking {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.ranking
}

func (self *Reconciler) RankChange(username string) RankChange {
	return self.Rankings().Change(username)
}

func (self *Reconciler) Version() uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.version
}

// copies, ordered by username
func (self *Reconciler) Profiles() []Profile {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	usernames := maps.Keys(self.profiles)
	slices.Sort(usernames)
	profiles := make([]Profile, 0, len(usernames))
	for _, username := range usernames {
		profiles = append(profiles, *self.profiles[username])
	}
	return profiles
}

func (self *Reconciler) Profile(username string) (Profile, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	profile, ok := self.profiles[username]
	if !ok {
		return Profile{}, false
	}
	return *profile, true
}

func (self *Reconciler) LastHeartbeat() time.Time {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lastHeartbeat
}
