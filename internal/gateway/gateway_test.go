package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdictlab/courtroom/internal/models"
	"github.com/verdictlab/courtroom/internal/store"
)

type stubRounds struct {
	rounds []models.RoundRecord
}

func (s *stubRounds) ListRounds(context.Context, string) ([]models.RoundRecord, error) {
	return s.rounds, nil
}

func newTestGateway(t *testing.T, rounds RoundLister) (*httptest.Server, *store.Memory, *ConnectionManager) {
	t.Helper()
	m := store.NewMemory()
	cm := NewConnectionManager(DefaultConnectionConfig())
	relay := NewRelay(m, cm)
	t.Cleanup(relay.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go cm.Start(ctx)

	srv := httptest.NewServer(NewHandler(cm, relay, rounds).Routes())
	t.Cleanup(srv.Close)
	return srv, m, cm
}

func dialSession(t *testing.T, srv *httptest.Server, cm *ConnectionManager, sessionID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + sessionID + "?user=u1"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	// The server registers the connection just after the handshake;
	// wait for it before producing frames.
	require.Eventually(t, func() bool {
		return cm.ConnectionCount(sessionID) == 1
	}, time.Second, 5*time.Millisecond)
	return conn
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestGateway(t, nil)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestRoundsEndpoint(t *testing.T) {
	rounds := &stubRounds{rounds: []models.RoundRecord{{
		SessionID: "s1",
		RoundID:   "round-1",
		EndReason: models.EndReasonTimeExpired,
	}}}
	srv, _, _ := newTestGateway(t, rounds)

	resp, err := http.Get(srv.URL + "/sessions/s1/rounds")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got []models.RoundRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got, 1)
	assert.Equal(t, "round-1", got[0].RoundID)
}

func TestRoundsEndpointWithoutArchive(t *testing.T) {
	srv, _, _ := newTestGateway(t, nil)

	resp, err := http.Get(srv.URL + "/sessions/s1/rounds")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocketRelaysStateFrames(t *testing.T) {
	srv, m, cm := newTestGateway(t, nil)
	conn := dialSession(t, srv, cm, "s1")

	// A store write inside the session subtree reaches the socket as
	// a state frame.
	require.NoError(t, m.Set(context.Background(), store.TimerPath("s1"), models.TimerRecord{Active: true, DurationSeconds: 60}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame Frame
	require.NoError(t, json.Unmarshal(raw, &frame))
	assert.Equal(t, FrameState, frame.Type)
	assert.Equal(t, "s1", frame.SessionID)
	require.NotNil(t, frame.State)
	assert.Equal(t, store.TimerPath("s1"), frame.State.Path)
	assert.Equal(t, "set", frame.State.Kind)

	var rec models.TimerRecord
	require.NoError(t, json.Unmarshal(frame.State.Value, &rec))
	assert.Equal(t, 60, rec.DurationSeconds)
}

func TestWebSocketIgnoresOtherSessions(t *testing.T) {
	srv, m, cm := newTestGateway(t, nil)
	conn := dialSession(t, srv, cm, "s1")

	require.NoError(t, m.Set(context.Background(), store.TimerPath("other"), models.TimerRecord{Active: true}))
	require.NoError(t, m.Set(context.Background(), store.TimerPath("s1"), models.TimerRecord{Active: true}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame Frame
	require.NoError(t, json.Unmarshal(raw, &frame))
	require.NotNil(t, frame.State)
	assert.Equal(t, store.TimerPath("s1"), frame.State.Path,
		"frames from other sessions must not leak onto this socket")
}
