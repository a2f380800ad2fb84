package lineup

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/golang/glog"
)

type RosterCacheSettings struct {
	PollInterval      time.Duration
	PollPausedRecheck time.Duration
	DedupWindow       time.Duration
	RefreshRetryCount int
	RefreshTimeout    time.Duration
}

func DefaultRosterCacheSettings() *RosterCacheSettings {
	return &RosterCacheSettings{
		PollInterval:      5 * time.Second,
		PollPausedRecheck: 500 * time.Millisecond,
		DedupWindow:       1 * time.Second,
		RefreshRetryCount: 3,
		RefreshTimeout:    1 * time.Second,
	}
}

// supplied by the host environment. reports true while polling should be
// paused, e.g. the window is hidden or a text input has focus.
type PausePollingFunc func() bool

// called with the latest snapshot, or with the last good snapshot and a
// non-nil error when a refresh failed (stale while error)
type RosterSubscriberFunc func(snapshot *RosterSnapshot, err error)

type FetchRosterFunc func(ctx context.Context, retreatId int64) ([]*LineupRecord, error)

// the client's latest known snapshot per retreat.
// all roster reads go through this cache. it is refreshed by polling and by
// push events, and mutated optimistically by the orchestrator. an apply
// counter per retreat keeps a slow poll response from overwriting a value
// applied after the poll started, since ordering across the two transports
// is not guaranteed.
type RosterCache struct {
	ctx    context.Context
	cancel context.CancelFunc

	fetch        FetchRosterFunc
	pausePolling PausePollingFunc

	settings *RosterCacheSettings
	metrics  *syncMetrics

	mutex   sync.Mutex
	entries map[int64]*rosterEntry
}

type rosterEntry struct {
	snapshot        *RosterSnapshot
	version         uint64
	lastErr         error
	lastRefreshTime time.Time
	inflight        *refreshShare
	subscribers     *callbackList[RosterSubscriberFunc]
	pollCancel      context.CancelFunc
}

type refreshShare struct {
	done     chan struct{}
	snapshot *RosterSnapshot
	err      error
}

func NewRosterCacheWithDefaults(ctx context.Context, fetch FetchRosterFunc, pausePolling PausePollingFunc) *RosterCache {
	return NewRosterCache(ctx, fetch, pausePolling, DefaultRosterCacheSettings())
}

func NewRosterCache(ctx context.Context, fetch FetchRosterFunc, pausePolling PausePollingFunc, settings *RosterCacheSettings) *RosterCache {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &RosterCache{
		ctx:          cancelCtx,
		cancel:       cancel,
		fetch:        fetch,
		pausePolling: pausePolling,
		settings:     settings,
		entries:      map[int64]*rosterEntry{},
	}
}

func (self *RosterCache) entry(retreatId int64) *rosterEntry {
	entry, ok := self.entries[retreatId]
	if !ok {
		entry = &rosterEntry{
			subscribers: newCallbackList[RosterSubscriberFunc](),
		}
		self.entries[retreatId] = entry
	}
	return entry
}

func (self *RosterCache) Snapshot(retreatId int64) *RosterSnapshot {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.entry(retreatId).snapshot
}

// returns an unsub function
func (self *RosterCache) AddSubscriber(retreatId int64, subscriber RosterSubscriberFunc) func() {
	self.mutex.Lock()
	entry := self.entry(retreatId)
	self.mutex.Unlock()
	return entry.subscribers.add(subscriber)
}

func (self *RosterCache) notify(entry *rosterEntry, snapshot *RosterSnapshot, err error) {
	for _, subscriber := range entry.subscribers.get() {
		HandleError(func() {
			subscriber(snapshot, err)
		})
	}
}

// apply an updater to the current snapshot. the updater must treat the
// snapshot as immutable and return a replacement.
// revalidate triggers a background refresh after the update is applied.
// optimistic updates pass revalidate false so an in-flight stale refresh
// does not immediately overwrite them.
func (self *RosterCache) MutateSnapshot(retreatId int64, updater func(snapshot *RosterSnapshot) *RosterSnapshot, revalidate bool) {
	self.mutex.Lock()
	entry := self.entry(retreatId)
	snapshot := entry.snapshot
	if snapshot == nil {
		snapshot = &RosterSnapshot{
			RetreatId: retreatId,
		}
	}
	nextSnapshot := updater(snapshot)
	entry.snapshot = nextSnapshot
	entry.version += 1
	self.mutex.Unlock()

	self.notify(entry, nextSnapshot, nil)

	if revalidate {
		go self.Refresh(self.ctx, retreatId)
	}
}

// merge one server-confirmed or broadcast record into the snapshot.
// when merge is nil the record replaces the cached one wholesale.
func (self *RosterCache) ApplyRecord(retreatId int64, record *LineupRecord, merge MergeFunc) {
	self.MutateSnapshot(retreatId, func(snapshot *RosterSnapshot) *RosterSnapshot {
		next := record
		if merge != nil {
			if cached := snapshot.Record(record.Id); cached != nil {
				next = merge(cached, record)
			}
		}
		return snapshot.WithRecord(next)
	}, false)
}

// refresh from the server. duplicate refreshes inside the dedup window
// return the cached snapshot; concurrent refreshes share one in-flight
// request. a refresh that loses a race with an applied change keeps the
// applied value (last applied wins).
func (self *RosterCache) Refresh(ctx context.Context, retreatId int64) (*RosterSnapshot, error) {
	self.mutex.Lock()
	entry := self.entry(retreatId)

	if entry.snapshot != nil && entry.lastErr == nil && time.Since(entry.lastRefreshTime) < self.settings.DedupWindow {
		snapshot := entry.snapshot
		self.mutex.Unlock()
		return snapshot, nil
	}

	if share := entry.inflight; share != nil {
		self.mutex.Unlock()
		select {
		case <-share.done:
			return share.snapshot, share.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	share := &refreshShare{
		done: make(chan struct{}),
	}
	entry.inflight = share
	startVersion := entry.version
	self.mutex.Unlock()

	snapshot, err := self.refresh(ctx, retreatId, entry, startVersion)
	share.snapshot = snapshot
	share.err = err

	self.mutex.Lock()
	entry.inflight = nil
	self.mutex.Unlock()

	close(share.done)
	return snapshot, err
}

func (self *RosterCache) refresh(ctx context.Context, retreatId int64, entry *rosterEntry, startVersion uint64) (*RosterSnapshot, error) {
	self.metrics.IncRefreshes()

	var records []*LineupRecord
	var err error
	for i := 0; i < self.settings.RefreshRetryCount; i += 1 {
		records, err = self.fetch(ctx, retreatId)
		if err == nil {
			break
		}
		glog.V(2).Infof("[rc]refresh %d error = %s\n", retreatId, err)
		if i+1 < self.settings.RefreshRetryCount {
			reconnect := NewReconnect(self.settings.RefreshTimeout)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-self.ctx.Done():
				return nil, self.ctx.Err()
			case <-reconnect.After():
			}
		}
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	if err != nil {
		// keep the last good snapshot and surface the error
		self.metrics.IncRefreshErrors()
		entry.lastErr = err
		snapshot := entry.snapshot
		go self.notify(entry, snapshot, err)
		return snapshot, err
	}

	entry.lastErr = nil
	entry.lastRefreshTime = time.Now()

	if entry.version != startVersion {
		// a newer value was applied while this response was in flight
		glog.V(2).Infof("[rc]refresh %d discard stale response\n", retreatId)
		return entry.snapshot, nil
	}

	nextSnapshot := &RosterSnapshot{
		RetreatId: retreatId,
		Records:   records,
	}
	if entry.snapshot != nil && reflect.DeepEqual(entry.snapshot.Records, nextSnapshot.Records) {
		// unchanged, do not wake the subscribers
		return entry.snapshot, nil
	}
	entry.snapshot = nextSnapshot
	entry.version += 1
	go self.notify(entry, nextSnapshot, nil)
	return nextSnapshot, nil
}

// begin the timed poll loop for one retreat. idempotent.
// polling pauses while the pause predicate reports true and resumes with a
// fresh interval once it clears.
func (self *RosterCache) StartPolling(retreatId int64) {
	self.mutex.Lock()
	entry := self.entry(retreatId)
	if entry.pollCancel != nil {
		self.mutex.Unlock()
		return
	}
	pollCtx, pollCancel := context.WithCancel(self.ctx)
	entry.pollCancel = pollCancel
	self.mutex.Unlock()

	go self.poll(pollCtx, retreatId)
}

func (self *RosterCache) StopPolling(retreatId int64) {
	self.mutex.Lock()
	entry := self.entry(retreatId)
	pollCancel := entry.pollCancel
	entry.pollCancel = nil
	self.mutex.Unlock()

	if pollCancel != nil {
		pollCancel()
	}
}

func (self *RosterCache) poll(ctx context.Context, retreatId int64) {
	for {
		if self.pausePolling != nil && self.pausePolling() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(self.settings.PollPausedRecheck):
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(self.settings.PollInterval):
		}

		if self.pausePolling != nil && self.pausePolling() {
			continue
		}
		self.Refresh(ctx, retreatId)
	}
}

func (self *RosterCache) Close() {
	self.cancel()
}
