package lineup

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"
)

type EditorState string

const (
	EditorStateIdle            EditorState = "idle"
	EditorStateEditing         EditorState = "editing"
	EditorStateSaving          EditorState = "saving"
	EditorStateConflictPending EditorState = "conflict-pending"
)

type Indicator string

const (
	IndicatorNone  Indicator = ""
	IndicatorSaved Indicator = "saved"
	IndicatorError Indicator = "error"
)

var ErrFieldDisabled = errors.New("Field is not editable.")

// normalizes a draft before save, or rejects it. rejected input reverts to
// the last saved value without a network call.
type ValidateFunc func(draft string) (string, error)

// saves one field value and returns the server confirmed value
type CommitFunc func(ctx context.Context, value string) (string, error)

type FieldEditorSettings struct {
	AutosaveIdleTimeout time.Duration
	IndicatorTimeout    time.Duration
}

func DefaultFieldEditorSettings() *FieldEditorSettings {
	return &FieldEditorSettings{
		AutosaveIdleTimeout: 2 * time.Second,
		IndicatorTimeout:    1500 * time.Millisecond,
	}
}

// per field editing session state machine.
// while a field is being edited, inbound cache changes for it are buffered
// instead of overwriting the draft, and a conflict is surfaced when the
// buffered value differs from both the draft and the last saved value.
// escape adopts the buffered value; saving overwrites it.
type FieldEditor struct {
	ctx    context.Context
	cancel context.CancelFunc

	validate ValidateFunc
	commit   CommitFunc
	disabled bool

	settings *FieldEditorSettings
	metrics  *syncMetrics

	debounce *Debounce[string]

	changeCallbacks *callbackList[func()]

	mutex          sync.Mutex
	state          EditorState
	draft          string
	lastSaved      string
	buffered       *string
	indicator      Indicator
	indicatorTimer *time.Timer
}

func NewFieldEditorWithDefaults(ctx context.Context, initialValue string, disabled bool, validate ValidateFunc, commit CommitFunc) *FieldEditor {
	return NewFieldEditor(ctx, initialValue, disabled, validate, commit, DefaultFieldEditorSettings())
}

func NewFieldEditor(ctx context.Context, initialValue string, disabled bool, validate ValidateFunc, commit CommitFunc, settings *FieldEditorSettings) *FieldEditor {
	cancelCtx, cancel := context.WithCancel(ctx)
	editor := &FieldEditor{
		ctx:             cancelCtx,
		cancel:          cancel,
		validate:        validate,
		commit:          commit,
		disabled:        disabled,
		settings:        settings,
		changeCallbacks: newCallbackList[func()](),
		state:           EditorStateIdle,
		draft:           initialValue,
		lastSaved:       initialValue,
	}
	editor.debounce = NewDebounce[string](editor.save, settings.AutosaveIdleTimeout)
	return editor
}

func (self *FieldEditor) State() EditorState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

func (self *FieldEditor) Draft() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.draft
}

func (self *FieldEditor) LastSaved() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.lastSaved
}

// the external value buffered while editing, nil when there is no conflict
func (self *FieldEditor) BufferedValue() *string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.buffered
}

func (self *FieldEditor) Indicator() Indicator {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.indicator
}

func (self *FieldEditor) Disabled() bool {
	return self.disabled
}

func (self *FieldEditor) AddChangeCallback(callback func()) func() {
	return self.changeCallbacks.add(callback)
}

func (self *FieldEditor) notify() {
	for _, callback := range self.changeCallbacks.get() {
		HandleError(callback)
	}
}

// focus/click. leader assignment fields never leave idle.
func (self *FieldEditor) BeginEdit() error {
	if self.disabled {
		return ErrFieldDisabled
	}

	self.mutex.Lock()
	if self.state != EditorStateIdle {
		self.mutex.Unlock()
		return nil
	}
	self.state = EditorStateEditing
	self.draft = self.lastSaved
	self.mutex.Unlock()

	self.notify()
	return nil
}

// keystroke. also re-arms the deferred autosave.
func (self *FieldEditor) SetDraft(draft string) {
	self.mutex.Lock()
	if self.state != EditorStateEditing && self.state != EditorStateConflictPending {
		self.mutex.Unlock()
		return
	}
	self.draft = draft
	self.mutex.Unlock()

	self.debounce.Call(draft)
	self.notify()
}

// blur or explicit confirm. commits the pending deferred save synchronously
// so the deferred timer cannot fire a second save later.
func (self *FieldEditor) Commit() {
	self.mutex.Lock()
	if self.state != EditorStateEditing && self.state != EditorStateConflictPending {
		self.mutex.Unlock()
		return
	}
	draft := self.draft
	self.mutex.Unlock()

	if !self.debounce.Flush() {
		self.save(draft)
	}
}

// escape. adopts the buffered external value when a conflict is pending,
// otherwise reverts to the last saved value.
func (self *FieldEditor) Cancel() {
	self.mutex.Lock()
	if self.state != EditorStateEditing && self.state != EditorStateConflictPending {
		self.mutex.Unlock()
		return
	}
	if self.buffered != nil {
		self.lastSaved = *self.buffered
		self.buffered = nil
	}
	self.draft = self.lastSaved
	self.state = EditorStateIdle
	self.mutex.Unlock()

	self.notify()
}

// the single save path, reached from the deferred autosave timer and from
// Commit. a save that arrives after the editing session ended is a no-op.
func (self *FieldEditor) save(draft string) {
	self.mutex.Lock()
	if self.state != EditorStateEditing && self.state != EditorStateConflictPending {
		self.mutex.Unlock()
		return
	}

	normalized := draft
	if self.validate != nil {
		var err error
		normalized, err = self.validate(draft)
		if err != nil {
			// invalid input reverts without a network call
			self.draft = self.lastSaved
			self.state = EditorStateIdle
			self.mutex.Unlock()
			self.notify()
			return
		}
	}

	if normalized == self.lastSaved {
		self.draft = self.lastSaved
		self.state = EditorStateIdle
		self.mutex.Unlock()
		self.notify()
		return
	}

	self.state = EditorStateSaving
	self.draft = normalized
	self.mutex.Unlock()
	self.notify()

	confirmed, err := self.commit(self.ctx, normalized)

	self.mutex.Lock()
	select {
	case <-self.ctx.Done():
		// the session was torn down while the save was in flight
		self.mutex.Unlock()
		return
	default:
	}

	if err != nil {
		self.draft = self.lastSaved
		self.state = EditorStateEditing
		self.setIndicator(IndicatorError)
		self.mutex.Unlock()
		self.notify()
		return
	}

	self.lastSaved = confirmed
	self.draft = confirmed
	// this save is the most recently applied write, so a value buffered
	// during the save is superseded
	self.buffered = nil
	self.state = EditorStateIdle
	self.setIndicator(IndicatorSaved)
	self.mutex.Unlock()
	self.notify()
}

// must hold self.mutex
func (self *FieldEditor) setIndicator(indicator Indicator) {
	self.indicator = indicator
	if self.indicatorTimer != nil {
		self.indicatorTimer.Stop()
	}
	self.indicatorTimer = time.AfterFunc(self.settings.IndicatorTimeout, func() {
		self.mutex.Lock()
		self.indicator = IndicatorNone
		self.indicatorTimer = nil
		self.mutex.Unlock()
		self.notify()
	})
}

// inbound cache change for this field. while the field is idle the value is
// adopted directly; while it is being edited a differing value is buffered
// and surfaced as a conflict instead of overwriting the draft.
func (self *FieldEditor) ObserveExternal(value string) {
	self.mutex.Lock()
	switch self.state {
	case EditorStateIdle:
		if self.lastSaved == value {
			self.mutex.Unlock()
			return
		}
		self.lastSaved = value
		self.draft = value
		self.mutex.Unlock()
		self.notify()
	case EditorStateEditing, EditorStateConflictPending, EditorStateSaving:
		if value == self.lastSaved {
			if self.buffered == nil {
				self.mutex.Unlock()
				return
			}
			// the remote reverted to the last saved value, so the
			// buffered conflict no longer exists
			self.buffered = nil
			if self.state == EditorStateConflictPending {
				self.state = EditorStateEditing
			}
			self.mutex.Unlock()
			self.notify()
			return
		}
		if value == self.draft {
			// another session saved exactly what is being typed
			self.lastSaved = value
			self.buffered = nil
			if self.state == EditorStateConflictPending {
				self.state = EditorStateEditing
			}
			self.mutex.Unlock()
			self.notify()
			return
		}
		self.buffered = &value
		if self.state != EditorStateSaving {
			self.state = EditorStateConflictPending
		}
		self.metrics.IncConflicts()
		self.mutex.Unlock()
		self.notify()
	default:
		self.mutex.Unlock()
	}
}

// teardown. cancels the deferred autosave and guards the in-flight save
// result against applying into a destroyed session.
func (self *FieldEditor) Close() {
	self.debounce.Cancel()
	self.cancel()

	self.mutex.Lock()
	if self.indicatorTimer != nil {
		self.indicatorTimer.Stop()
		self.indicatorTimer = nil
	}
	self.mutex.Unlock()
}

// assignment input accepts a positive integer or empty for unassigned
func ValidateGbsNumber(draft string) (string, error) {
	trimmed := strings.TrimSpace(draft)
	if trimmed == "" {
		return "", nil
	}
	n, err := strconv.Atoi(trimmed)
	if err != nil {
		return "", err
	}
	if n <= 0 {
		return "", errors.New("Gbs number must be positive.")
	}
	return strconv.Itoa(n), nil
}

// memo text is free form but required to be non empty
func ValidateMemo(draft string) (string, error) {
	if strings.TrimSpace(draft) == "" {
		return "", errors.New("Memo must not be empty.")
	}
	return draft, nil
}
