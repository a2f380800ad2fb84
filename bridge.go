package lineup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"
)

const AckStatusOk = "OK"
const AckStatusError = "ERROR"

const MutationUpdateGbsNumber = "update-gbs-number"
const MutationCreateMemo = "create-memo"
const MutationUpdateMemo = "update-memo"
const MutationDeleteMemo = "delete-memo"

type PushBridgeSettings struct {
	WsHandshakeTimeout  time.Duration
	PingTimeout         time.Duration
	WriteTimeout        time.Duration
	ReadTimeout         time.Duration
	AckTimeout          time.Duration
	ReconnectMinTimeout time.Duration
	ReconnectMaxTimeout time.Duration
	MaxConnectCount     int
	SendBufferSize      int
}

func DefaultPushBridgeSettings() *PushBridgeSettings {
	return &PushBridgeSettings{
		WsHandshakeTimeout:  2 * time.Second,
		PingTimeout:         10 * time.Second,
		WriteTimeout:        5 * time.Second,
		ReadTimeout:         30 * time.Second,
		AckTimeout:          5 * time.Second,
		ReconnectMinTimeout: 1 * time.Second,
		ReconnectMaxTimeout: 30 * time.Second,
		MaxConnectCount:     8,
		SendBufferSize:      16,
	}
}

// every message on the channel is one envelope.
// client to server requests carry a request id; the server answers with an
// `ack` envelope for the same request id instead of a broadcast, so the
// originator gets a deterministic result.
type pushEnvelope struct {
	Type      string          `json:"type"`
	RequestId string          `json:"requestId,omitempty"`
	RetreatId int64           `json:"retreatId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Status    string          `json:"status,omitempty"`
	Message   string          `json:"message,omitempty"`
	Code      string          `json:"code,omitempty"`
}

type RecordUpdatedFunc func(retreatId int64, record *LineupRecord)

// fired with the authoritative roster when a room is joined or re-joined
// after a reconnect
type RoomSnapshotFunc func(retreatId int64, records []*LineupRecord)

var errChannelUnavailable = errors.New("Push channel unavailable.")

// persistent bidirectional connection to the retreat service.
// joins one logical room per watched retreat, receives record-updated
// broadcasts, and sends room scoped mutation requests resolved by
// acknowledgement. if the channel cannot be kept up the bridge flags
// unavailability once and the polling cache carries on alone; nothing here
// is allowed to take the app down.
type PushBridge struct {
	ctx    context.Context
	cancel context.CancelFunc

	pushUrl string
	auth    *SessionAuth

	settings *PushBridgeSettings
	metrics  *syncMetrics

	recordUpdatedCallbacks *callbackList[RecordUpdatedFunc]
	roomSnapshotCallbacks  *callbackList[RoomSnapshotFunc]

	unavailableOnce  sync.Once
	availableMonitor *monitor

	mutex       sync.Mutex
	started     bool
	available   bool
	degraded    bool
	send        chan *pushEnvelope
	pending     map[string]chan *pushEnvelope
	joinedRooms map[int64]bool
}

func NewPushBridgeWithDefaults(ctx context.Context, pushUrl string, auth *SessionAuth) *PushBridge {
	return NewPushBridge(ctx, pushUrl, auth, DefaultPushBridgeSettings())
}

func NewPushBridge(ctx context.Context, pushUrl string, auth *SessionAuth, settings *PushBridgeSettings) *PushBridge {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &PushBridge{
		ctx:                    cancelCtx,
		cancel:                 cancel,
		pushUrl:                pushUrl,
		auth:                   auth,
		settings:               settings,
		recordUpdatedCallbacks: newCallbackList[RecordUpdatedFunc](),
		roomSnapshotCallbacks:  newCallbackList[RoomSnapshotFunc](),
		availableMonitor:       newMonitor(),
		send:                   make(chan *pushEnvelope, settings.SendBufferSize),
		pending:                map[string]chan *pushEnvelope{},
		joinedRooms:            map[int64]bool{},
	}
}

// idempotent. the bridge owns one connection per process.
func (self *PushBridge) Connect() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.started {
		return
	}
	self.started = true
	go self.run()
}

func (self *PushBridge) run() {
	defer self.cancel()

	connectCount := 0
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		ws, err := self.connect()
		if err != nil {
			glog.V(2).Infof("[pc]connect error = %s\n", err)
			self.flagUnavailable()
			connectCount += 1
			if self.settings.MaxConnectCount <= connectCount {
				self.degrade()
				return
			}
			reconnect := NewReconnect(self.reconnectTimeout(connectCount))
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
			}
			continue
		}
		connectCount = 0

		// anything queued while no connection was up belongs to a request
		// the caller already saw fail. it must not replay here.
		self.drainSend()
		self.setAvailable(true)
		self.handle(ws)
		self.setAvailable(false)
		self.failPending(errChannelUnavailable)

		self.metrics.IncReconnects()
		reconnect := NewReconnect(self.settings.ReconnectMinTimeout)
		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

// exponential backoff up to the capped delay
func (self *PushBridge) reconnectTimeout(connectCount int) time.Duration {
	timeout := self.settings.ReconnectMinTimeout << (connectCount - 1)
	if self.settings.ReconnectMaxTimeout < timeout {
		timeout = self.settings.ReconnectMaxTimeout
	}
	return timeout
}

func (self *PushBridge) drainSend() {
	for {
		select {
		case <-self.send:
		default:
			return
		}
	}
}

func (self *PushBridge) connect() (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	header := http.Header{}
	if self.auth != nil {
		if self.auth.SessionCookie != "" {
			header.Add("Cookie", self.auth.SessionCookie)
		}
		if self.auth.ByJwt != "" {
			header.Add("Authorization", fmt.Sprintf("Bearer %s", self.auth.ByJwt))
		}
	}
	ws, _, err := dialer.DialContext(self.ctx, self.pushUrl, header)
	if err != nil {
		return nil, err
	}
	return ws, nil
}

func (self *PushBridge) handle(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case envelope, ok := <-self.send:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteJSON(envelope); err != nil {
					// a deadline timeout cannot be recovered on a websocket
					glog.V(2).Infof("[pc]-> error = %s\n", err)
					return
				}
				glog.V(2).Infof("[pc]->%s\n", envelope.Type)
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			_, message, err := ws.ReadMessage()
			if err != nil {
				glog.V(2).Infof("[pc]<- error = %s\n", err)
				return
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))

			var envelope pushEnvelope
			if err := json.Unmarshal(message, &envelope); err != nil {
				glog.V(2).Infof("[pc]<- malformed envelope = %s\n", err)
				continue
			}
			self.dispatch(&envelope)
		}
	}()

	// resynchronize every room that was joined before the connection dropped
	go self.rejoinRooms(handleCtx)

	select {
	case <-handleCtx.Done():
	}
}

func (self *PushBridge) dispatch(envelope *pushEnvelope) {
	switch envelope.Type {
	case "ack":
		self.mutex.Lock()
		ack, ok := self.pending[envelope.RequestId]
		if ok {
			delete(self.pending, envelope.RequestId)
		}
		self.mutex.Unlock()
		if ok {
			ack <- envelope
		}
	case "record-updated":
		var record LineupRecord
		if err := json.Unmarshal(envelope.Payload, &record); err != nil {
			glog.V(2).Infof("[pc]record-updated malformed = %s\n", err)
			return
		}
		self.metrics.IncPushUpdates()
		for _, callback := range self.recordUpdatedCallbacks.get() {
			HandleError(func() {
				callback(envelope.RetreatId, &record)
			})
		}
	default:
		glog.V(2).Infof("[pc]<- other=%s\n", envelope.Type)
	}
}

func (self *PushBridge) rejoinRooms(ctx context.Context) {
	self.mutex.Lock()
	retreatIds := maps.Keys(self.joinedRooms)
	self.mutex.Unlock()

	for _, retreatId := range retreatIds {
		records, err := self.joinRoom(ctx, retreatId)
		if err != nil {
			glog.V(2).Infof("[pc]rejoin %d error = %s\n", retreatId, err)
			continue
		}
		for _, callback := range self.roomSnapshotCallbacks.get() {
			HandleError(func() {
				callback(retreatId, records)
			})
		}
	}
}

func (self *PushBridge) request(ctx context.Context, envelope *pushEnvelope) (*pushEnvelope, error) {
	if !self.Available() {
		return nil, errChannelUnavailable
	}

	requestId := NewId().String()
	envelope.RequestId = requestId

	ack := make(chan *pushEnvelope, 1)
	self.mutex.Lock()
	self.pending[requestId] = ack
	self.mutex.Unlock()

	abandon := func() {
		self.mutex.Lock()
		delete(self.pending, requestId)
		self.mutex.Unlock()
	}

	select {
	case self.send <- envelope:
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	case <-self.ctx.Done():
		abandon()
		return nil, errChannelUnavailable
	case <-time.After(self.settings.WriteTimeout):
		abandon()
		return nil, errors.New("Send buffer full.")
	}

	// the timeout guard keeps a dropped connection from leaving the caller
	// waiting indefinitely
	select {
	case ackEnvelope := <-ack:
		if ackEnvelope.Status != AckStatusOk {
			if ackEnvelope.Code != "" {
				return nil, fmt.Errorf("%s (%s)", ackEnvelope.Message, ackEnvelope.Code)
			}
			return nil, errors.New(ackEnvelope.Message)
		}
		return ackEnvelope, nil
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	case <-self.ctx.Done():
		abandon()
		return nil, errChannelUnavailable
	case <-time.After(self.settings.AckTimeout):
		abandon()
		return nil, errors.New("Ack timeout.")
	}
}

// join the room for one retreat. the acknowledgement carries the current
// authoritative roster.
func (self *PushBridge) JoinRoom(ctx context.Context, retreatId int64) ([]*LineupRecord, error) {
	self.mutex.Lock()
	self.joinedRooms[retreatId] = true
	self.mutex.Unlock()

	return self.joinRoom(ctx, retreatId)
}

func (self *PushBridge) joinRoom(ctx context.Context, retreatId int64) ([]*LineupRecord, error) {
	ackEnvelope, err := self.request(ctx, &pushEnvelope{
		Type:      "join-room",
		RetreatId: retreatId,
	})
	if err != nil {
		return nil, err
	}
	var records []*LineupRecord
	if err := json.Unmarshal(ackEnvelope.Payload, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// best effort, no acknowledgement
func (self *PushBridge) LeaveRoom(retreatId int64) {
	self.mutex.Lock()
	delete(self.joinedRooms, retreatId)
	self.mutex.Unlock()

	envelope := &pushEnvelope{
		Type:      "leave-room",
		RetreatId: retreatId,
	}
	select {
	case self.send <- envelope:
	default:
	}
}

// send a room scoped mutation and resolve with the server confirmed record
// from the acknowledgement
func (self *PushBridge) SendMutation(ctx context.Context, kind string, retreatId int64, payload any) (*LineupRecord, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	ackEnvelope, err := self.request(ctx, &pushEnvelope{
		Type:      kind,
		RetreatId: retreatId,
		Payload:   payloadBytes,
	})
	if err != nil {
		return nil, err
	}
	var record LineupRecord
	if err := json.Unmarshal(ackEnvelope.Payload, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (self *PushBridge) AddRecordUpdatedCallback(callback RecordUpdatedFunc) func() {
	return self.recordUpdatedCallbacks.add(callback)
}

func (self *PushBridge) AddRoomSnapshotCallback(callback RoomSnapshotFunc) func() {
	return self.roomSnapshotCallbacks.add(callback)
}

func (self *PushBridge) setAvailable(available bool) {
	self.mutex.Lock()
	self.available = available
	self.mutex.Unlock()
	self.availableMonitor.NotifyAll()
}

func (self *PushBridge) Available() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.available && !self.degraded
}

// block until the channel is up, the timeout passes, or the bridge has
// degraded permanently. used by callers that prefer the push snapshot on
// first join but fall back to polling.
func (self *PushBridge) AwaitAvailable(ctx context.Context, timeout time.Duration) bool {
	end := time.Now().Add(timeout)
	for {
		self.mutex.Lock()
		available := self.available
		degraded := self.degraded
		self.mutex.Unlock()
		if available && !degraded {
			return true
		}
		if degraded {
			return false
		}
		remaining := time.Until(end)
		if remaining <= 0 {
			return false
		}
		notify := self.availableMonitor.NotifyChannel()
		select {
		case <-ctx.Done():
			return false
		case <-self.ctx.Done():
			return false
		case <-notify:
		case <-time.After(remaining):
			return false
		}
	}
}

// flag once, never repeatedly. realtime freshness is an enhancement and
// losing it must stay quiet.
func (self *PushBridge) flagUnavailable() {
	self.unavailableOnce.Do(func() {
		glog.Infof("[pc]push channel unavailable, polling only\n")
	})
}

func (self *PushBridge) degrade() {
	self.mutex.Lock()
	self.degraded = true
	self.mutex.Unlock()
	self.availableMonitor.NotifyAll()
	self.flagUnavailable()
	self.failPending(errChannelUnavailable)
}

func (self *PushBridge) failPending(err error) {
	self.mutex.Lock()
	pending := self.pending
	self.pending = map[string]chan *pushEnvelope{}
	self.mutex.Unlock()

	for requestId, ack := range pending {
		select {
		case ack <- &pushEnvelope{
			Type:      "ack",
			RequestId: requestId,
			Status:    AckStatusError,
			Message:   err.Error(),
		}:
		default:
		}
	}
}

// leaves all rooms before disconnecting
func (self *PushBridge) Close() {
	self.mutex.Lock()
	retreatIds := maps.Keys(self.joinedRooms)
	self.mutex.Unlock()

	for _, retreatId := range retreatIds {
		self.LeaveRoom(retreatId)
	}
	self.cancel()
}
