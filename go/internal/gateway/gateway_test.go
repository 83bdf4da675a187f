package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/gorilla/websocket"
	"github.com/mcdev12/meetingmeter/go/internal/rates"
	"github.com/mcdev12/meetingmeter/go/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

type testGateway struct {
	store   *store.MemoryStore
	service *Service
	server  *httptest.Server
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	st := store.NewMemoryStore(nil)
	config := DefaultConfig(st, rates.NewSource(rates.Default()))
	config.Backend = store.BackendMemory

	svc, err := NewService(config)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Start(ctx)
	}()

	server := httptest.NewServer(NewServer("", svc).Handler)
	t.Cleanup(func() {
		server.Close()
		cancel()
		<-done
		_ = st.Close()
	})
	return &testGateway{store: st, service: svc, server: server}
}

func (g *testGateway) dial(t *testing.T, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.server.URL, "http") + "/ws/meter?session_id=" + sessionID + "&user_id=tester"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// nextEvent reads events until match accepts one.
func nextEvent(t *testing.T, conn *websocket.Conn, match func(payload interface{}) bool) interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var event MeterEvent
		require.NoError(t, conn.ReadJSON(&event))
		payload, err := ParseEventPayload(&event)
		require.NoError(t, err)
		if match(payload) {
			return payload
		}
	}
}

func TestWebSocketCommandsAndReadings(t *testing.T) {
	g := newTestGateway(t)
	conn := g.dial(t, "retro")

	nextEvent(t, conn, func(p interface{}) bool {
		_, ok := p.(ReadingPayload)
		return ok
	})

	require.NoError(t, conn.WriteJSON(ClientMessage{
		RequestID: "req-1",
		Type:      CommandAddParticipant,
		Name:      "Ada",
		Role:      "engineer",
	}))

	result := nextEvent(t, conn, func(p interface{}) bool {
		_, ok := p.(CommandResultPayload)
		return ok
	}).(CommandResultPayload)
	assert.True(t, result.OK, result.Error)
	assert.Equal(t, "req-1", result.RequestID)
	assert.Equal(t, CommandAddParticipant, result.Command)
	require.NotNil(t, result.Participant)
	assert.Equal(t, 90.0, result.Participant.Rate)

	reading := nextEvent(t, conn, func(p interface{}) bool {
		r, ok := p.(ReadingPayload)
		return ok && len(r.Participants) == 1
	}).(ReadingPayload)
	assert.Equal(t, "Ada", reading.Participants[0].Name)
	assert.False(t, reading.IsRunning)
}

func TestWebSocketCommandErrors(t *testing.T) {
	g := newTestGateway(t)
	conn := g.dial(t, "retro")

	require.NoError(t, conn.WriteJSON(ClientMessage{RequestID: "req-2", Type: CommandStart}))
	result := nextEvent(t, conn, func(p interface{}) bool {
		_, ok := p.(CommandResultPayload)
		return ok
	}).(CommandResultPayload)
	assert.False(t, result.OK)
	assert.Equal(t, "validation", result.ErrorKind)

	require.NoError(t, conn.WriteJSON(ClientMessage{RequestID: "req-3", Type: CommandStop}))
	result = nextEvent(t, conn, func(p interface{}) bool {
		r, ok := p.(CommandResultPayload)
		return ok && r.RequestID == "req-3"
	}).(CommandResultPayload)
	assert.Equal(t, "transition", result.ErrorKind)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	result = nextEvent(t, conn, func(p interface{}) bool {
		r, ok := p.(CommandResultPayload)
		return ok && r.Error == "malformed message"
	}).(CommandResultPayload)
	assert.Equal(t, "validation", result.ErrorKind)
}

func TestWebSocketRejectsBadSession(t *testing.T) {
	g := newTestGateway(t)
	url := "ws" + strings.TrimPrefix(g.server.URL, "http") + "/ws/meter?session_id=bad%20id"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMeterReleasedWhenConnectionCloses(t *testing.T) {
	g := newTestGateway(t)
	conn := g.dial(t, "retro")
	require.Eventually(t, func() bool { return g.service.hub.Sessions() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return g.service.hub.Sessions() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func callMeter(t *testing.T, g *testGateway, procedure string, fields map[string]interface{}) (*structpb.Struct, error) {
	t.Helper()
	client := connect.NewClient[structpb.Struct, structpb.Struct](http.DefaultClient, g.server.URL+procedure)
	msg, err := structpb.NewStruct(fields)
	require.NoError(t, err)
	res, err := client.CallUnary(context.Background(), connect.NewRequest(msg))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

func TestConnectCommands(t *testing.T) {
	g := newTestGateway(t)

	out, err := callMeter(t, g, MeterServiceAddParticipantProcedure, map[string]interface{}{
		"session_id": "planning",
		"name":       "Grace",
		"role":       "manager",
	})
	require.NoError(t, err)
	participant := out.GetFields()["participant"].GetStructValue().GetFields()
	assert.Equal(t, "Grace", participant["name"].GetStringValue())
	assert.Equal(t, 120.0, participant["rate"].GetNumberValue())

	require.Eventually(t, func() bool {
		rec, ok := g.store.Record("planning")
		return ok && len(rec.Participants) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err = callMeter(t, g, MeterServiceStartProcedure, map[string]interface{}{"session_id": "planning"})
	require.NoError(t, err)
	rec, ok := g.store.Record("planning")
	require.True(t, ok)
	assert.True(t, rec.Timer.IsRunning)

	out, err = callMeter(t, g, MeterServiceGetReadingProcedure, map[string]interface{}{"session_id": "planning"})
	require.NoError(t, err)
	assert.True(t, out.GetFields()["is_running"].GetBoolValue())
	assert.Len(t, out.GetFields()["participants"].GetListValue().GetValues(), 1)
}

func TestConnectErrorCodes(t *testing.T) {
	g := newTestGateway(t)

	_, err := callMeter(t, g, MeterServiceAddParticipantProcedure, map[string]interface{}{
		"session_id": "planning",
		"name":       "Grace",
		"role":       "pilot",
	})
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	_, err = callMeter(t, g, MeterServiceStopProcedure, map[string]interface{}{"session_id": "planning"})
	assert.Equal(t, connect.CodeFailedPrecondition, connect.CodeOf(err))

	_, err = callMeter(t, g, MeterServiceStartProcedure, map[string]interface{}{"session_id": ""})
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))

	_, err = callMeter(t, g, MeterServiceRemoveParticipantProcedure, map[string]interface{}{"session_id": "planning"})
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	g.store.FailWrites(io.ErrClosedPipe)
	_, err = callMeter(t, g, MeterServiceResetProcedure, map[string]interface{}{"session_id": "planning"})
	assert.Equal(t, connect.CodeAborted, connect.CodeOf(err))
}

func TestOperationalRoutes(t *testing.T) {
	g := newTestGateway(t)

	resp, err := http.Get(g.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health store.HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.True(t, health.Healthy)
	assert.Equal(t, store.BackendMemory, health.Backend)

	g.dial(t, "retro")
	require.Eventually(t, func() bool {
		return g.service.GetStats()["total_connections"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp, err = http.Get(g.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "meetingmeter_gateway_hosted_meters 1")
	assert.Contains(t, string(body), "meetingmeter_gateway_websocket_connections 1")

	resp, err = http.Get(g.server.URL + "/ws/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	var stats ConnectionStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.SessionConnections["retro"])
}
