package lineup

import (
	"errors"
	"fmt"
	"slices"

	"github.com/oklog/ulid/v2"
)

// client-side sync core for the retreat lineup dashboard
// many staff sessions edit the same roster concurrently. the server owns the
// durable records; this package keeps a local snapshot fresh over two
// channels (polling + push) and applies optimistic edits with rollback.

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	id, err := ulid.ParseStrict(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(id), nil
}

func (self Id) Bytes() []byte {
	return self[:]
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

func (self Id) LessThan(b Id) bool {
	return ulid.ULID(self).Compare(ulid.ULID(b)) < 0
}

func (self Id) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("\"%s\"", self.String())), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) < 2 || src[0] != '"' || src[len(src)-1] != '"' {
		return errors.New("Id must be a string.")
	}
	id, err := ulid.ParseStrict(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = Id(id)
	return nil
}

// one row per registered participant in one retreat.
// the server assigns `Id` and computes the aggregate display fields.
// leaders' gbs number is server managed and never client editable.
type LineupRecord struct {
	Id        int64  `json:"id"`
	UserName  string `json:"userName,omitempty"`
	Gender    string `json:"gender,omitempty"`
	Grade     string `json:"grade,omitempty"`
	GbsNumber *int   `json:"gbsNumber"`
	IsLeader  bool   `json:"isLeader"`

	Memo      string `json:"memo,omitempty"`
	MemoId    *int64 `json:"memoId,omitempty"`
	MemoColor string `json:"memoColor,omitempty"`

	// display only, recomputed server side on every mutation
	MaleCount      int  `json:"maleCount,omitempty"`
	FemaleCount    int  `json:"femaleCount,omitempty"`
	FullAttendance bool `json:"fullAttendance,omitempty"`
}

func (self *LineupRecord) Copy() *LineupRecord {
	next := *self
	return &next
}

// the full ordered roster for one retreat as last seen by this client.
// records are immutable once published. mutation goes through the cache,
// which replaces records rather than editing them in place.
type RosterSnapshot struct {
	RetreatId int64
	Records   []*LineupRecord
}

func (self *RosterSnapshot) Record(recordId int64) *LineupRecord {
	i := slices.IndexFunc(self.Records, func(record *LineupRecord) bool {
		return record.Id == recordId
	})
	if i < 0 {
		return nil
	}
	return self.Records[i]
}

// replace one record, copying the slice so existing readers are unaffected
func (self *RosterSnapshot) WithRecord(record *LineupRecord) *RosterSnapshot {
	nextRecords := slices.Clone(self.Records)
	i := slices.IndexFunc(nextRecords, func(existing *LineupRecord) bool {
		return existing.Id == record.Id
	})
	if i < 0 {
		nextRecords = append(nextRecords, record)
	} else {
		nextRecords[i] = record
	}
	return &RosterSnapshot{
		RetreatId: self.RetreatId,
		Records:   nextRecords,
	}
}

// merge functions adopt only the fields a mutation touched, plus the
// server recomputed aggregates, so a concurrent optimistic edit to a
// sibling field is not clobbered by a confirmation for this one

func mergeGbsNumber(cached *LineupRecord, confirmed *LineupRecord) *LineupRecord {
	next := cached.Copy()
	next.GbsNumber = confirmed.GbsNumber
	next.IsLeader = confirmed.IsLeader
	mergeAggregates(next, confirmed)
	return next
}

func mergeMemo(cached *LineupRecord, confirmed *LineupRecord) *LineupRecord {
	next := cached.Copy()
	next.Memo = confirmed.Memo
	next.MemoId = confirmed.MemoId
	next.MemoColor = confirmed.MemoColor
	mergeAggregates(next, confirmed)
	return next
}

func mergeAggregates(next *LineupRecord, confirmed *LineupRecord) {
	next.MaleCount = confirmed.MaleCount
	next.FemaleCount = confirmed.FemaleCount
	next.FullAttendance = confirmed.FullAttendance
}
