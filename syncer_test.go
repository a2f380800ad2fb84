package lineup

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// in-memory stand-in for the retreat admin service, http only
type fakeRetreatServer struct {
	mutex         sync.Mutex
	records       []*LineupRecord
	nextMemoId    int64
	mutationCount int
}

func newFakeRetreatServer() *fakeRetreatServer {
	return &fakeRetreatServer{
		records:    testRecords(),
		nextMemoId: 100,
	}
}

func (self *fakeRetreatServer) record(recordId int64) *LineupRecord {
	for _, record := range self.records {
		if record.Id == recordId {
			return record
		}
	}
	return nil
}

func (self *fakeRetreatServer) recordByMemoId(memoId int64) *LineupRecord {
	for _, record := range self.records {
		if record.MemoId != nil && *record.MemoId == memoId {
			return record
		}
	}
	return nil
}

func (self *fakeRetreatServer) mutations() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.mutationCount
}

func (self *fakeRetreatServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		self.mutex.Lock()
		defer self.mutex.Unlock()

		switch {
		case r.Method == "GET":
			json.NewEncoder(w).Encode(self.records)
		case r.Method == "PUT" && r.URL.Path == "/retreats/1/lineups/gbs-number":
			self.mutationCount += 1
			var args UpdateGbsNumberArgs
			json.NewDecoder(r.Body).Decode(&args)
			record := self.record(args.RecordId)
			if record == nil {
				http.Error(w, "unknown record", http.StatusNotFound)
				return
			}
			if record.IsLeader {
				http.Error(w, "leader assignment is fixed", http.StatusBadRequest)
				return
			}
			record.GbsNumber = args.GbsNumber
			json.NewEncoder(w).Encode(record)
		case r.Method == "POST":
			self.mutationCount += 1
			var recordId int64
			fmt.Sscanf(r.URL.Path, "/retreats/1/lineups/%d/memo", &recordId)
			var args CreateMemoArgs
			json.NewDecoder(r.Body).Decode(&args)
			record := self.record(recordId)
			if record == nil {
				http.Error(w, "unknown record", http.StatusNotFound)
				return
			}
			memoId := self.nextMemoId
			self.nextMemoId += 1
			record.Memo = args.Memo
			record.MemoId = &memoId
			record.MemoColor = args.Color
			json.NewEncoder(w).Encode(record)
		case r.Method == "PUT":
			self.mutationCount += 1
			var memoId int64
			fmt.Sscanf(r.URL.Path, "/retreats/1/lineups/memo/%d", &memoId)
			var args UpdateMemoArgs
			json.NewDecoder(r.Body).Decode(&args)
			record := self.recordByMemoId(memoId)
			if record == nil {
				http.Error(w, "unknown memo", http.StatusNotFound)
				return
			}
			record.Memo = args.Memo
			if args.Color != "" {
				record.MemoColor = args.Color
			}
			json.NewEncoder(w).Encode(record)
		case r.Method == "DELETE":
			self.mutationCount += 1
			var memoId int64
			fmt.Sscanf(r.URL.Path, "/retreats/1/lineups/memo/%d", &memoId)
			record := self.recordByMemoId(memoId)
			if record == nil {
				http.Error(w, "unknown memo", http.StatusNotFound)
				return
			}
			record.Memo = ""
			record.MemoId = nil
			record.MemoColor = ""
			json.NewEncoder(w).Encode(record)
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	})
}

func newTestSyncer(t *testing.T, serverUrl string, pushUrl string) *Syncer {
	settings := DefaultSyncerSettings()
	settings.CacheSettings = testCacheSettings()
	settings.BridgeSettings = testBridgeSettings()
	// commits are driven explicitly in these tests
	settings.EditorSettings = &FieldEditorSettings{
		AutosaveIdleTimeout: 10 * time.Second,
		IndicatorTimeout:    10 * time.Second,
	}

	api := NewRetreatApi(serverUrl, nil)
	t.Cleanup(api.Close)

	syncer := NewSyncer(context.Background(), api, pushUrl, settings)
	t.Cleanup(syncer.Close)
	return syncer
}

func TestSyncerRoundTrip(t *testing.T) {
	fake := newFakeRetreatServer()
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	syncer := newTestSyncer(t, server.URL, "")

	snapshot, err := syncer.Watch(context.Background(), 1)
	assert.Equal(t, err, nil)
	assert.Equal(t, snapshot.Record(42).GbsNumber, nil)

	confirmed, err := syncer.AssignGbsNumber(context.Background(), 1, 42, intPtr(7))
	assert.Equal(t, err, nil)
	assert.Equal(t, *confirmed.GbsNumber, 7)

	// reading the snapshot back returns the saved value
	assert.Equal(t, *syncer.Snapshot(1).Record(42).GbsNumber, 7)
}

func TestSyncerIdempotentUnassignment(t *testing.T) {
	fake := newFakeRetreatServer()
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	syncer := newTestSyncer(t, server.URL, "")
	syncer.Watch(context.Background(), 1)

	syncer.AssignGbsNumber(context.Background(), 1, 42, intPtr(7))

	_, err := syncer.AssignGbsNumber(context.Background(), 1, 42, nil)
	assert.Equal(t, err, nil)
	_, err = syncer.AssignGbsNumber(context.Background(), 1, 42, nil)
	assert.Equal(t, err, nil)

	assert.Equal(t, syncer.Snapshot(1).Record(42).GbsNumber, nil)
	assert.Equal(t, fake.record(42).GbsNumber, nil)
}

func TestSyncerLeaderImmutable(t *testing.T) {
	fake := newFakeRetreatServer()
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	syncer := newTestSyncer(t, server.URL, "")
	syncer.Watch(context.Background(), 1)

	before := fake.mutations()
	_, err := syncer.AssignGbsNumber(context.Background(), 1, 43, intPtr(9))
	assert.Equal(t, err, ErrLeaderAssignment)
	// rejected locally, no network call
	assert.Equal(t, fake.mutations(), before)
	assert.Equal(t, *syncer.Snapshot(1).Record(43).GbsNumber, 3)
}

func TestSyncerMemoLifecycle(t *testing.T) {
	fake := newFakeRetreatServer()
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	syncer := newTestSyncer(t, server.URL, "")
	syncer.Watch(context.Background(), 1)

	created, err := syncer.CreateMemo(context.Background(), 1, 42, "vegetarian", "green")
	assert.Equal(t, err, nil)
	assert.NotEqual(t, created.MemoId, nil)
	memoId := *created.MemoId

	updated, err := syncer.UpdateMemo(context.Background(), 1, 42, memoId, "vegan", "")
	assert.Equal(t, err, nil)
	assert.Equal(t, updated.Memo, "vegan")

	// deleting clears the memo but the record persists
	deleted, err := syncer.DeleteMemo(context.Background(), 1, 42, memoId)
	assert.Equal(t, err, nil)
	assert.Equal(t, deleted.Memo, "")
	assert.Equal(t, deleted.MemoId, nil)
	assert.Equal(t, syncer.Snapshot(1).Record(42).Memo, "")
}

func TestSyncerRollbackOnFailure(t *testing.T) {
	fake := newFakeRetreatServer()
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	syncer := newTestSyncer(t, server.URL, "")
	syncer.Watch(context.Background(), 1)

	// the server rejects leader assignment; drive the request through the
	// orchestrator directly to exercise the rollback path
	before := syncer.Snapshot(1).Record(43)
	_, err := syncer.orchestrator.Perform(context.Background(), &MutationCommand{
		RetreatId: 1,
		RecordId:  43,
		Optimistic: func(record *LineupRecord) *LineupRecord {
			record.GbsNumber = intPtr(9)
			return record
		},
		Mutate: func(ctx context.Context) (*LineupRecord, error) {
			return syncer.api.UpdateGbsNumberSync(ctx, 1, &UpdateGbsNumberArgs{
				RecordId:  43,
				GbsNumber: intPtr(9),
			})
		},
		Merge: mergeGbsNumber,
	})
	assert.NotEqual(t, err, nil)

	after := syncer.Snapshot(1).Record(43)
	assert.Equal(t, after.GbsNumber, before.GbsNumber)
}

// blocking the push channel must not change the outcome, only the latency
func TestSyncerDegradedModeTransparency(t *testing.T) {
	fake := newFakeRetreatServer()
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	// nothing listens on the push url
	syncer := newTestSyncer(t, server.URL, "ws://127.0.0.1:1")

	snapshot, err := syncer.Watch(context.Background(), 1)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(snapshot.Records), 2)

	confirmed, err := syncer.AssignGbsNumber(context.Background(), 1, 42, intPtr(7))
	assert.Equal(t, err, nil)
	assert.Equal(t, *confirmed.GbsNumber, 7)

	// a change made elsewhere is eventually observed through polling
	fake.mutex.Lock()
	fake.record(42).Memo = "call home"
	fake.mutex.Unlock()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if syncer.Snapshot(1).Record(42).Memo == "call home" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("polling did not observe the remote change")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSyncerGbsNumberEditor(t *testing.T) {
	fake := newFakeRetreatServer()
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	syncer := newTestSyncer(t, server.URL, "")
	syncer.Watch(context.Background(), 1)

	editor, teardown, err := syncer.NewGbsNumberEditor(1, 42)
	assert.Equal(t, err, nil)
	defer teardown()

	editor.BeginEdit()
	editor.SetDraft("7")
	editor.Commit()

	assert.Equal(t, editor.State(), EditorStateIdle)
	assert.Equal(t, editor.LastSaved(), "7")
	assert.Equal(t, *syncer.Snapshot(1).Record(42).GbsNumber, 7)
	assert.Equal(t, *fake.record(42).GbsNumber, 7)
}

func TestSyncerLeaderEditorDisabled(t *testing.T) {
	fake := newFakeRetreatServer()
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	syncer := newTestSyncer(t, server.URL, "")
	syncer.Watch(context.Background(), 1)

	editor, teardown, err := syncer.NewGbsNumberEditor(1, 43)
	assert.Equal(t, err, nil)
	defer teardown()

	assert.Equal(t, editor.Disabled(), true)
	assert.Equal(t, editor.BeginEdit(), ErrFieldDisabled)
}

func TestSyncerEditorSeesExternalUpdates(t *testing.T) {
	fake := newFakeRetreatServer()
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	syncer := newTestSyncer(t, server.URL, "")
	syncer.Watch(context.Background(), 1)

	editor, teardown, err := syncer.NewGbsNumberEditor(1, 42)
	assert.Equal(t, err, nil)
	defer teardown()

	editor.BeginEdit()
	editor.SetDraft("2")

	// an update from another session lands in the cache while editing
	syncer.Cache().ApplyRecord(1, &LineupRecord{Id: 42, UserName: "kim", GbsNumber: intPtr(3)}, nil)

	// subscriber notification is asynchronous
	deadline := time.Now().Add(5 * time.Second)
	for editor.State() != EditorStateConflictPending {
		if time.Now().After(deadline) {
			t.Fatal("editor did not observe the external update")
		}
		time.Sleep(10 * time.Millisecond)
	}

	assert.Equal(t, editor.State(), EditorStateConflictPending)
	assert.Equal(t, editor.Draft(), "2")
	buffered := editor.BufferedValue()
	assert.NotEqual(t, buffered, nil)
	assert.Equal(t, *buffered, "3")

	editor.Cancel()
	assert.Equal(t, editor.Draft(), "3")
}
