package lineup

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
)

var ErrLeaderAssignment = errors.New("Leader gbs numbers are managed by the server.")
var ErrUnknownRecord = errors.New("Unknown record.")

type SyncerSettings struct {
	CacheSettings  *RosterCacheSettings
	BridgeSettings *PushBridgeSettings
	EditorSettings *FieldEditorSettings

	// host supplied. reports true while polling should pause.
	PausePolling PausePollingFunc

	// nil disables metrics
	MetricsRegistry prometheus.Registerer
}

func DefaultSyncerSettings() *SyncerSettings {
	return &SyncerSettings{
		CacheSettings:  DefaultRosterCacheSettings(),
		BridgeSettings: DefaultPushBridgeSettings(),
		EditorSettings: DefaultFieldEditorSettings(),
	}
}

// ties the sync core together for one staff session: the polling cache as
// the always-on data feed, the push bridge as the freshness enhancement,
// and the orchestrator for edits. constructed once at application start and
// closed at shutdown; nothing in here is a process global.
type Syncer struct {
	ctx    context.Context
	cancel context.CancelFunc

	api          *RetreatApi
	cache        *RosterCache
	bridge       *PushBridge
	orchestrator *Orchestrator

	settings *SyncerSettings
	metrics  *syncMetrics
}

// an empty pushUrl runs polling-only
func NewSyncerWithDefaults(ctx context.Context, api *RetreatApi, pushUrl string) *Syncer {
	return NewSyncer(ctx, api, pushUrl, DefaultSyncerSettings())
}

func NewSyncer(ctx context.Context, api *RetreatApi, pushUrl string, settings *SyncerSettings) *Syncer {
	cancelCtx, cancel := context.WithCancel(ctx)

	metrics := newSyncMetrics(settings.MetricsRegistry)

	fetch := func(ctx context.Context, retreatId int64) ([]*LineupRecord, error) {
		return api.GetLineupsSync(ctx, retreatId)
	}
	cache := NewRosterCache(cancelCtx, fetch, settings.PausePolling, settings.CacheSettings)
	cache.metrics = metrics

	orchestrator := NewOrchestrator(cache)
	orchestrator.metrics = metrics

	syncer := &Syncer{
		ctx:          cancelCtx,
		cancel:       cancel,
		api:          api,
		cache:        cache,
		orchestrator: orchestrator,
		settings:     settings,
		metrics:      metrics,
	}

	if pushUrl != "" {
		bridge := NewPushBridge(cancelCtx, pushUrl, api.Auth(), settings.BridgeSettings)
		bridge.metrics = metrics
		bridge.AddRecordUpdatedCallback(func(retreatId int64, record *LineupRecord) {
			// broadcasts carry the full authoritative record
			cache.ApplyRecord(retreatId, record, nil)
		})
		bridge.AddRoomSnapshotCallback(func(retreatId int64, records []*LineupRecord) {
			syncer.adoptRoster(retreatId, records)
		})
		syncer.bridge = bridge
	}

	return syncer
}

func (self *Syncer) adoptRoster(retreatId int64, records []*LineupRecord) {
	self.cache.MutateSnapshot(retreatId, func(snapshot *RosterSnapshot) *RosterSnapshot {
		return &RosterSnapshot{
			RetreatId: retreatId,
			Records:   records,
		}
	}, false)
}

// begin following one retreat: join its push room when the channel comes
// up, else fall back to an immediate refresh, and start the poll loop
// either way. returns the initial snapshot.
func (self *Syncer) Watch(ctx context.Context, retreatId int64) (*RosterSnapshot, error) {
	joined := false
	if self.bridge != nil {
		self.bridge.Connect()
		if self.bridge.AwaitAvailable(ctx, self.settings.BridgeSettings.AckTimeout) {
			records, err := self.bridge.JoinRoom(ctx, retreatId)
			if err == nil {
				self.adoptRoster(retreatId, records)
				joined = true
			} else {
				glog.V(2).Infof("[sy]join %d error = %s\n", retreatId, err)
			}
		}
	}

	if !joined {
		if _, err := self.cache.Refresh(ctx, retreatId); err != nil {
			if self.cache.Snapshot(retreatId) == nil {
				return nil, err
			}
		}
	}

	self.cache.StartPolling(retreatId)
	return self.cache.Snapshot(retreatId), nil
}

func (self *Syncer) Unwatch(retreatId int64) {
	self.cache.StopPolling(retreatId)
	if self.bridge != nil {
		self.bridge.LeaveRoom(retreatId)
	}
}

func (self *Syncer) Snapshot(retreatId int64) *RosterSnapshot {
	return self.cache.Snapshot(retreatId)
}

func (self *Syncer) AddSubscriber(retreatId int64, subscriber RosterSubscriberFunc) func() {
	return self.cache.AddSubscriber(retreatId, subscriber)
}

func (self *Syncer) AddNoticeCallback(callback NoticeFunc) func() {
	return self.orchestrator.AddNoticeCallback(callback)
}

func (self *Syncer) Cache() *RosterCache {
	return self.cache
}

func (self *Syncer) Bridge() *PushBridge {
	return self.bridge
}

func (self *Syncer) pushAvailable() bool {
	return self.bridge != nil && self.bridge.Available()
}

type pushCreateMemoArgs struct {
	RecordId int64  `json:"recordId"`
	Memo     string `json:"memo"`
	Color    string `json:"color,omitempty"`
}

type pushUpdateMemoArgs struct {
	MemoId int64  `json:"memoId"`
	Memo   string `json:"memo"`
	Color  string `json:"color,omitempty"`
}

type pushDeleteMemoArgs struct {
	MemoId int64 `json:"memoId"`
}

// assign or clear (nil) the gbs number of a non-leader record.
// a leader record is rejected locally with no network call.
func (self *Syncer) AssignGbsNumber(ctx context.Context, retreatId int64, recordId int64, gbsNumber *int) (*LineupRecord, error) {
	if snapshot := self.cache.Snapshot(retreatId); snapshot != nil {
		if cached := snapshot.Record(recordId); cached != nil && cached.IsLeader {
			return nil, ErrLeaderAssignment
		}
	}

	return self.orchestrator.Perform(ctx, &MutationCommand{
		RetreatId: retreatId,
		RecordId:  recordId,
		Optimistic: func(record *LineupRecord) *LineupRecord {
			record.GbsNumber = gbsNumber
			return record
		},
		Mutate: func(ctx context.Context) (*LineupRecord, error) {
			args := &UpdateGbsNumberArgs{
				RecordId:  recordId,
				GbsNumber: gbsNumber,
			}
			if self.pushAvailable() {
				return self.bridge.SendMutation(ctx, MutationUpdateGbsNumber, retreatId, args)
			}
			return self.api.UpdateGbsNumberSync(ctx, retreatId, args)
		},
		Merge:          mergeGbsNumber,
		SuccessMessage: "Saved gbs number.",
	})
}

func (self *Syncer) CreateMemo(ctx context.Context, retreatId int64, recordId int64, memo string, color string) (*LineupRecord, error) {
	return self.orchestrator.Perform(ctx, &MutationCommand{
		RetreatId: retreatId,
		RecordId:  recordId,
		Optimistic: func(record *LineupRecord) *LineupRecord {
			record.Memo = memo
			record.MemoColor = color
			return record
		},
		Mutate: func(ctx context.Context) (*LineupRecord, error) {
			if self.pushAvailable() {
				return self.bridge.SendMutation(ctx, MutationCreateMemo, retreatId, &pushCreateMemoArgs{
					RecordId: recordId,
					Memo:     memo,
					Color:    color,
				})
			}
			return self.api.CreateMemoSync(ctx, retreatId, recordId, &CreateMemoArgs{
				Memo:  memo,
				Color: color,
			})
		},
		Merge:          mergeMemo,
		SuccessMessage: "Saved memo.",
	})
}

func (self *Syncer) UpdateMemo(ctx context.Context, retreatId int64, recordId int64, memoId int64, memo string, color string) (*LineupRecord, error) {
	return self.orchestrator.Perform(ctx, &MutationCommand{
		RetreatId: retreatId,
		RecordId:  recordId,
		Optimistic: func(record *LineupRecord) *LineupRecord {
			record.Memo = memo
			record.MemoColor = color
			return record
		},
		Mutate: func(ctx context.Context) (*LineupRecord, error) {
			if self.pushAvailable() {
				return self.bridge.SendMutation(ctx, MutationUpdateMemo, retreatId, &pushUpdateMemoArgs{
					MemoId: memoId,
					Memo:   memo,
					Color:  color,
				})
			}
			return self.api.UpdateMemoSync(ctx, retreatId, memoId, &UpdateMemoArgs{
				Memo:  memo,
				Color: color,
			})
		},
		Merge:          mergeMemo,
		SuccessMessage: "Saved memo.",
	})
}

// clears the memo fields; the record itself persists
func (self *Syncer) DeleteMemo(ctx context.Context, retreatId int64, recordId int64, memoId int64) (*LineupRecord, error) {
	return self.orchestrator.Perform(ctx, &MutationCommand{
		RetreatId: retreatId,
		RecordId:  recordId,
		Optimistic: func(record *LineupRecord) *LineupRecord {
			record.Memo = ""
			record.MemoId = nil
			record.MemoColor = ""
			return record
		},
		Mutate: func(ctx context.Context) (*LineupRecord, error) {
			if self.pushAvailable() {
				return self.bridge.SendMutation(ctx, MutationDeleteMemo, retreatId, &pushDeleteMemoArgs{
					MemoId: memoId,
				})
			}
			return self.api.DeleteMemoSync(ctx, retreatId, memoId)
		},
		Merge:          mergeMemo,
		SuccessMessage: "Removed memo.",
	})
}

func formatGbsNumber(gbsNumber *int) string {
	if gbsNumber == nil {
		return ""
	}
	return strconv.Itoa(*gbsNumber)
}

func parseGbsNumber(value string) (*int, error) {
	if value == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// editing session for one record's assignment field. the editor observes
// cache changes for the field, so concurrent remote edits surface as
// conflicts instead of silently replacing the draft. the returned teardown
// must be called when the session ends.
func (self *Syncer) NewGbsNumberEditor(retreatId int64, recordId int64) (*FieldEditor, func(), error) {
	snapshot := self.cache.Snapshot(retreatId)
	if snapshot == nil {
		return nil, nil, ErrUnknownRecord
	}
	record := snapshot.Record(recordId)
	if record == nil {
		return nil, nil, ErrUnknownRecord
	}

	commit := func(ctx context.Context, value string) (string, error) {
		gbsNumber, err := parseGbsNumber(value)
		if err != nil {
			return "", err
		}
		confirmed, err := self.AssignGbsNumber(ctx, retreatId, recordId, gbsNumber)
		if err != nil {
			return "", err
		}
		return formatGbsNumber(confirmed.GbsNumber), nil
	}

	editor := NewFieldEditor(
		self.ctx,
		formatGbsNumber(record.GbsNumber),
		record.IsLeader,
		ValidateGbsNumber,
		commit,
		self.settings.EditorSettings,
	)
	editor.metrics = self.metrics

	unsub := self.cache.AddSubscriber(retreatId, func(snapshot *RosterSnapshot, err error) {
		if err != nil || snapshot == nil {
			return
		}
		if cached := snapshot.Record(recordId); cached != nil {
			editor.ObserveExternal(formatGbsNumber(cached.GbsNumber))
		}
	})

	teardown := func() {
		unsub()
		editor.Close()
	}
	return editor, teardown, nil
}

// editing session for one record's memo. an existing memo is updated in
// place; a record without one gets a create on first save.
func (self *Syncer) NewMemoEditor(retreatId int64, recordId int64) (*FieldEditor, func(), error) {
	snapshot := self.cache.Snapshot(retreatId)
	if snapshot == nil {
		return nil, nil, ErrUnknownRecord
	}
	record := snapshot.Record(recordId)
	if record == nil {
		return nil, nil, ErrUnknownRecord
	}

	commit := func(ctx context.Context, value string) (string, error) {
		snapshot := self.cache.Snapshot(retreatId)
		if snapshot == nil {
			return "", ErrUnknownRecord
		}
		cached := snapshot.Record(recordId)
		if cached == nil {
			return "", ErrUnknownRecord
		}
		var confirmed *LineupRecord
		var err error
		if cached.MemoId != nil {
			confirmed, err = self.UpdateMemo(ctx, retreatId, recordId, *cached.MemoId, value, cached.MemoColor)
		} else {
			confirmed, err = self.CreateMemo(ctx, retreatId, recordId, value, "")
		}
		if err != nil {
			return "", err
		}
		return confirmed.Memo, nil
	}

	editor := NewFieldEditor(
		self.ctx,
		record.Memo,
		false,
		ValidateMemo,
		commit,
		self.settings.EditorSettings,
	)
	editor.metrics = self.metrics

	unsub := self.cache.AddSubscriber(retreatId, func(snapshot *RosterSnapshot, err error) {
		if err != nil || snapshot == nil {
			return
		}
		if cached := snapshot.Record(recordId); cached != nil {
			editor.ObserveExternal(cached.Memo)
		}
	})

	teardown := func() {
		unsub()
		editor.Close()
	}
	return editor, teardown, nil
}

func (self *Syncer) Close() {
	if self.bridge != nil {
		self.bridge.Close()
	}
	self.cache.Close()
	self.cancel()
}

func (self *Syncer) String() string {
	return fmt.Sprintf("syncer[%s]", self.api.apiUrl)
}
