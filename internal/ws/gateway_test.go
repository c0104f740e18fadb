package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/fieldsync/internal/types"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	var f Frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func TestGatewaySendsSnapshotThenUpdates(t *testing.T) {
	snapshot := func() []types.Status {
		return []types.Status{
			{Kind: types.KindIncident, Total: 3, Pending: 1},
			{Kind: types.KindDistribution, Total: 0, Pending: 0},
		}
	}
	g := NewGateway(snapshot, zerolog.Nop(), GatewayConfig{})
	srv := httptest.NewServer(g)
	defer srv.Close()

	conn := dial(t, srv)

	first := readFrame(t, conn)
	require.Equal(t, FrameStatus, first.Type)
	assert.Equal(t, types.Status{Kind: types.KindIncident, Total: 3, Pending: 1}, *first.Status)
	second := readFrame(t, conn)
	assert.Equal(t, types.KindDistribution, second.Status.Kind)

	require.Eventually(t, func() bool { return g.Registry().Len() == 1 }, time.Second, 5*time.Millisecond)

	g.PublishStatus(types.Status{Kind: types.KindIncident, Total: 3, Pending: 0})
	update := readFrame(t, conn)
	assert.Equal(t, 0, update.Status.Pending)

	g.PublishReachability(false)
	reach := readFrame(t, conn)
	require.Equal(t, FrameReachability, reach.Type)
	require.NotNil(t, reach.Online)
	assert.False(t, *reach.Online)
}

func TestGatewayDeliversChangesRacingTheSnapshot(t *testing.T) {
	current := types.Status{Kind: types.KindIncident, Total: 1, Pending: 0}
	var g *Gateway
	g = NewGateway(func() []types.Status {
		// A record gets synced while the new client is being set up.
		g.PublishStatus(current)
		return []types.Status{current}
	}, zerolog.Nop(), GatewayConfig{})
	srv := httptest.NewServer(g)
	defer srv.Close()

	conn := dial(t, srv)
	for i := 0; i < 2; i++ {
		f := readFrame(t, conn)
		require.Equal(t, FrameStatus, f.Type)
		assert.Equal(t, current, *f.Status)
	}
}

func TestGatewayForgetsClosedClients(t *testing.T) {
	g := NewGateway(nil, zerolog.Nop(), GatewayConfig{})
	srv := httptest.NewServer(g)
	defer srv.Close()

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return g.Registry().Len() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	require.Eventually(t, func() bool { return g.Registry().Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, g.Registry().Broadcast([]byte(`{}`)))
}

func TestGatewayRejectsPlainHTTP(t *testing.T) {
	g := NewGateway(nil, zerolog.Nop(), GatewayConfig{})
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest("GET", "/ws/status", nil))
	assert.Equal(t, 400, rec.Code)
}
