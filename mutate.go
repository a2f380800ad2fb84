package lineup

import (
	"context"
	"fmt"

	"github.com/golang/glog"
)

// adopts the fields one mutation touched from `confirmed` into `cached`
type MergeFunc func(cached *LineupRecord, confirmed *LineupRecord) *LineupRecord

// the network phase of a mutation, http or push channel, chosen by the
// caller. returns the server confirmed record.
type MutationFunc func(ctx context.Context) (*LineupRecord, error)

// one user initiated change as an explicit command: the optimistic guess,
// the network call, and the field merge used both to adopt the confirmation
// and to roll the optimistic guess back.
type MutationCommand struct {
	RetreatId int64
	RecordId  int64

	Optimistic func(record *LineupRecord) *LineupRecord
	Mutate     MutationFunc
	Merge      MergeFunc

	SuccessMessage string
}

const NoticeLevelInfo = "info"
const NoticeLevelError = "error"

// transient, dismissible user facing notification
type Notice struct {
	Level   string
	Message string
}

type NoticeFunc func(notice Notice)

// runs every mutation through the same three phase sequence regardless of
// transport: optimistic cache update, network request, reconcile or roll
// back. the optimistic phase is applied without revalidation so a stale
// in-flight refresh cannot immediately overwrite it.
type Orchestrator struct {
	cache   *RosterCache
	metrics *syncMetrics

	noticeCallbacks *callbackList[NoticeFunc]
}

func NewOrchestrator(cache *RosterCache) *Orchestrator {
	return &Orchestrator{
		cache:           cache,
		noticeCallbacks: newCallbackList[NoticeFunc](),
	}
}

func (self *Orchestrator) AddNoticeCallback(callback NoticeFunc) func() {
	return self.noticeCallbacks.add(callback)
}

func (self *Orchestrator) notice(level string, message string) {
	for _, callback := range self.noticeCallbacks.get() {
		HandleError(func() {
			callback(Notice{
				Level:   level,
				Message: message,
			})
		})
	}
}

func (self *Orchestrator) Perform(ctx context.Context, command *MutationCommand) (*LineupRecord, error) {
	var prior *LineupRecord
	if snapshot := self.cache.Snapshot(command.RetreatId); snapshot != nil {
		if cached := snapshot.Record(command.RecordId); cached != nil {
			prior = cached.Copy()
		}
	}

	if prior != nil && command.Optimistic != nil {
		self.cache.MutateSnapshot(command.RetreatId, func(snapshot *RosterSnapshot) *RosterSnapshot {
			cached := snapshot.Record(command.RecordId)
			if cached == nil {
				return snapshot
			}
			return snapshot.WithRecord(command.Optimistic(cached.Copy()))
		}, false)
	}

	var confirmed *LineupRecord
	var err error
	if glog.V(2) {
		confirmed, err = TraceWithReturnError(
			fmt.Sprintf("[mu]record %d", command.RecordId),
			func() (*LineupRecord, error) {
				return command.Mutate(ctx)
			},
		)
	} else {
		confirmed, err = command.Mutate(ctx)
	}
	if err != nil {
		glog.V(2).Infof("[mu]record %d error = %s\n", command.RecordId, err)
		if prior != nil {
			self.rollback(command, prior)
		}
		self.metrics.IncRollbacks()
		self.notice(NoticeLevelError, err.Error())
		return nil, err
	}

	// the confirmation may carry recomputed aggregates the optimistic
	// guess could not know, so it is merged rather than trusted blindly
	// to match the guess
	self.cache.ApplyRecord(command.RetreatId, confirmed, command.Merge)
	self.metrics.IncMutations()
	if command.SuccessMessage != "" {
		self.notice(NoticeLevelInfo, command.SuccessMessage)
	}
	return confirmed, nil
}

// restore only this command's fields from the pre-mutation record, so a
// concurrent optimistic update to a sibling field survives the rollback
func (self *Orchestrator) rollback(command *MutationCommand, prior *LineupRecord) {
	self.cache.MutateSnapshot(command.RetreatId, func(snapshot *RosterSnapshot) *RosterSnapshot {
		cached := snapshot.Record(command.RecordId)
		if cached == nil {
			return snapshot
		}
		restored := prior
		if command.Merge != nil {
			restored = command.Merge(cached, prior)
		}
		return snapshot.WithRecord(restored)
	}, false)
}
