package lineup

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

func testBridgeSettings() *PushBridgeSettings {
	return &PushBridgeSettings{
		WsHandshakeTimeout:  1 * time.Second,
		PingTimeout:         1 * time.Second,
		WriteTimeout:        1 * time.Second,
		ReadTimeout:         5 * time.Second,
		AckTimeout:          1 * time.Second,
		ReconnectMinTimeout: 20 * time.Millisecond,
		ReconnectMaxTimeout: 100 * time.Millisecond,
		MaxConnectCount:     3,
		SendBufferSize:      16,
	}
}

func wsUrl(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

var testUpgrader = websocket.Upgrader{}

func ackOk(requestId string, payload any) *pushEnvelope {
	payloadBytes, _ := json.Marshal(payload)
	return &pushEnvelope{
		Type:      "ack",
		RequestId: requestId,
		Status:    AckStatusOk,
		Payload:   payloadBytes,
	}
}

func TestBridgeJoinAndMutate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		for {
			var envelope pushEnvelope
			if err := ws.ReadJSON(&envelope); err != nil {
				return
			}
			switch envelope.Type {
			case "join-room":
				ws.WriteJSON(ackOk(envelope.RequestId, testRecords()))
			case MutationUpdateGbsNumber:
				var args UpdateGbsNumberArgs
				json.Unmarshal(envelope.Payload, &args)
				ws.WriteJSON(ackOk(envelope.RequestId, &LineupRecord{
					Id:        args.RecordId,
					GbsNumber: args.GbsNumber,
				}))
			}
		}
	}))
	defer server.Close()

	bridge := NewPushBridge(context.Background(), wsUrl(server), nil, testBridgeSettings())
	defer bridge.Close()

	bridge.Connect()
	assert.Equal(t, bridge.AwaitAvailable(context.Background(), 2*time.Second), true)

	records, err := bridge.JoinRoom(context.Background(), 1)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(records), 2)

	record, err := bridge.SendMutation(context.Background(), MutationUpdateGbsNumber, 1, &UpdateGbsNumberArgs{
		RecordId:  42,
		GbsNumber: intPtr(7),
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, record.Id, int64(42))
	assert.Equal(t, *record.GbsNumber, 7)
}

func TestBridgeBroadcast(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		for {
			var envelope pushEnvelope
			if err := ws.ReadJSON(&envelope); err != nil {
				return
			}
			if envelope.Type == "join-room" {
				ws.WriteJSON(ackOk(envelope.RequestId, []*LineupRecord{}))

				// another staff member's edit, broadcast to the room
				payloadBytes, _ := json.Marshal(&LineupRecord{Id: 42, GbsNumber: intPtr(5)})
				ws.WriteJSON(&pushEnvelope{
					Type:      "record-updated",
					RetreatId: envelope.RetreatId,
					Payload:   payloadBytes,
				})
			}
		}
	}))
	defer server.Close()

	bridge := NewPushBridge(context.Background(), wsUrl(server), nil, testBridgeSettings())
	defer bridge.Close()

	updated := make(chan *LineupRecord, 1)
	bridge.AddRecordUpdatedCallback(func(retreatId int64, record *LineupRecord) {
		assert.Equal(t, retreatId, int64(1))
		updated <- record
	})

	bridge.Connect()
	assert.Equal(t, bridge.AwaitAvailable(context.Background(), 2*time.Second), true)

	_, err := bridge.JoinRoom(context.Background(), 1)
	assert.Equal(t, err, nil)

	select {
	case record := <-updated:
		assert.Equal(t, record.Id, int64(42))
		assert.Equal(t, *record.GbsNumber, 5)
	case <-time.After(2 * time.Second):
		t.Fatal("no broadcast")
	}
}

func TestBridgeAckError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		for {
			var envelope pushEnvelope
			if err := ws.ReadJSON(&envelope); err != nil {
				return
			}
			ws.WriteJSON(&pushEnvelope{
				Type:      "ack",
				RequestId: envelope.RequestId,
				Status:    AckStatusError,
				Message:   "room is closed",
				Code:      "ROOM_CLOSED",
			})
		}
	}))
	defer server.Close()

	bridge := NewPushBridge(context.Background(), wsUrl(server), nil, testBridgeSettings())
	defer bridge.Close()

	bridge.Connect()
	assert.Equal(t, bridge.AwaitAvailable(context.Background(), 2*time.Second), true)

	_, err := bridge.JoinRoom(context.Background(), 1)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, strings.Contains(err.Error(), "room is closed"), true)
	assert.Equal(t, strings.Contains(err.Error(), "ROOM_CLOSED"), true)
}

func TestBridgeAckTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		// read but never acknowledge
		for {
			var envelope pushEnvelope
			if err := ws.ReadJSON(&envelope); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	settings := testBridgeSettings()
	settings.AckTimeout = 100 * time.Millisecond
	bridge := NewPushBridge(context.Background(), wsUrl(server), nil, settings)
	defer bridge.Close()

	bridge.Connect()
	assert.Equal(t, bridge.AwaitAvailable(context.Background(), 2*time.Second), true)

	start := time.Now()
	_, err := bridge.JoinRoom(context.Background(), 1)
	assert.NotEqual(t, err, nil)
	// the caller is not left waiting indefinitely
	assert.Equal(t, time.Since(start) < 2*time.Second, true)
}

func TestBridgeDegradedMode(t *testing.T) {
	// nothing is listening here
	bridge := NewPushBridge(context.Background(), "ws://127.0.0.1:1", nil, testBridgeSettings())
	defer bridge.Close()

	bridge.Connect()

	available := bridge.AwaitAvailable(context.Background(), 2*time.Second)
	assert.Equal(t, available, false)
	assert.Equal(t, bridge.Available(), false)

	// requests fail fast instead of hanging or crashing
	_, err := bridge.JoinRoom(context.Background(), 1)
	assert.NotEqual(t, err, nil)
}

func TestBridgeReconnectRejoinsRooms(t *testing.T) {
	joins := make(chan int64, 4)
	var connCount atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		dropAfterJoin := connCount.Add(1) == 1

		for {
			var envelope pushEnvelope
			if err := ws.ReadJSON(&envelope); err != nil {
				return
			}
			if envelope.Type == "join-room" {
				ws.WriteJSON(ackOk(envelope.RequestId, testRecords()))
				joins <- envelope.RetreatId
				if dropAfterJoin {
					// simulate the connection dropping
					return
				}
			}
		}
	}))
	defer server.Close()

	bridge := NewPushBridge(context.Background(), wsUrl(server), nil, testBridgeSettings())
	defer bridge.Close()

	resync := make(chan int64, 4)
	bridge.AddRoomSnapshotCallback(func(retreatId int64, records []*LineupRecord) {
		assert.Equal(t, len(records), 2)
		resync <- retreatId
	})

	bridge.Connect()
	assert.Equal(t, bridge.AwaitAvailable(context.Background(), 2*time.Second), true)

	_, err := bridge.JoinRoom(context.Background(), 1)
	assert.Equal(t, err, nil)
	assert.Equal(t, <-joins, int64(1))

	// the server dropped the connection; the bridge reconnects and
	// re-joins the room on its own
	select {
	case retreatId := <-joins:
		assert.Equal(t, retreatId, int64(1))
	case <-time.After(5 * time.Second):
		t.Fatal("no rejoin")
	}

	select {
	case retreatId := <-resync:
		assert.Equal(t, retreatId, int64(1))
	case <-time.After(5 * time.Second):
		t.Fatal("no resync snapshot")
	}
}

// an envelope queued while the connection was down must not be flushed to
// the server by the next connection
func TestBridgeStaleSendNotReplayed(t *testing.T) {
	allowSecond := make(chan struct{})
	secondTypes := make(chan []string, 1)
	var connCount atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		first := connCount.Add(1) == 1
		if !first {
			<-allowSecond
		}

		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		if first {
			var envelope pushEnvelope
			if err := ws.ReadJSON(&envelope); err != nil {
				return
			}
			ws.WriteJSON(ackOk(envelope.RequestId, testRecords()))
			// drop the connection after the join
			return
		}

		received := []string{}
		ws.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
		for {
			var envelope pushEnvelope
			if err := ws.ReadJSON(&envelope); err != nil {
				break
			}
			received = append(received, envelope.Type)
			if envelope.RequestId != "" {
				ws.WriteJSON(ackOk(envelope.RequestId, testRecords()))
			}
		}
		secondTypes <- received
	}))
	defer server.Close()

	bridge := NewPushBridge(context.Background(), wsUrl(server), nil, testBridgeSettings())
	defer bridge.Close()

	bridge.Connect()
	assert.Equal(t, bridge.AwaitAvailable(context.Background(), 2*time.Second), true)

	_, err := bridge.JoinRoom(context.Background(), 1)
	assert.Equal(t, err, nil)

	deadline := time.Now().Add(2 * time.Second)
	for bridge.Available() {
		if time.Now().After(deadline) {
			t.Fatal("connection did not drop")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// queued while disconnected, must be discarded
	bridge.LeaveRoom(1)
	close(allowSecond)

	select {
	case received := <-secondTypes:
		for _, envelopeType := range received {
			assert.NotEqual(t, envelopeType, "leave-room")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second connection never completed")
	}
}
