package rpc_test

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/kittclouds/topicengine/internal/analyzer"
	"github.com/kittclouds/topicengine/internal/channel"
	"github.com/kittclouds/topicengine/internal/domain"
	"github.com/kittclouds/topicengine/internal/events"
	"github.com/kittclouds/topicengine/internal/keywordstore"
	"github.com/kittclouds/topicengine/internal/objectstore"
	"github.com/kittclouds/topicengine/internal/rpc"
)

func dialServer(t *testing.T) (*websocket.Conn, *events.Bus, func()) {
	t.Helper()
	fs := afero.NewMemMapFs()
	objs, err := objectstore.New(fs, "/data", nil)
	require.NoError(t, err)
	chans, err := channel.New(fs, "/data", objs, nil)
	require.NoError(t, err)
	ks := keywordstore.New(objs, chans, 5*time.Second, nil)
	bus := events.NewBus()

	an := analyzer.New(nil, ks, func(string, int) ([]domain.Message, error) { return nil, nil },
		bus, func() int64 { return 1000 }, analyzer.Config{ModelID: "m"}, nil)

	srv := rpc.New(rpc.Dependencies{
		Keywords: ks,
		Analyzer: an,
		Bus:      bus,
		Clock:    func() int64 { return 1000 },
	}, nil)

	ts := httptest.NewServer(srv)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn, bus, func() {
		conn.Close()
		ts.Close()
	}
}

func TestGetKeywordsReturnsEmptyListForUnknownTopic(t *testing.T) {
	conn, _, cleanup := dialServer(t)
	defer cleanup()

	req := rpc.Request{Method: "topicAnalysis:getKeywords", RequestID: "1",
		Params: json.RawMessage(`{"topicId":"missing"}`)}
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))

	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var resp rpc.Response
	require.NoError(t, json.Unmarshal(msg, &resp))
	require.True(t, resp.Success)
	require.Equal(t, "1", resp.RequestID)
	require.JSONEq(t, `[]`, string(resp.Data))
}

func TestUnknownMethodReturnsErrorEnvelope(t *testing.T) {
	conn, _, cleanup := dialServer(t)
	defer cleanup()

	req := rpc.Request{Method: "nope:nothing", RequestID: "2", Params: json.RawMessage(`{}`)}
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))

	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var resp rpc.Response
	require.NoError(t, json.Unmarshal(msg, &resp))
	require.False(t, resp.Success)
	require.NotNil(t, resp.Error)
}

func TestExtractRealtimeKeywordsEchoesScan(t *testing.T) {
	conn, _, cleanup := dialServer(t)
	defer cleanup()

	req := rpc.Request{Method: "topicAnalysis:extractRealtimeKeywords", RequestID: "3",
		Params: json.RawMessage(`{"topicId":"t1","text":"hello world"}`)}
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))

	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var resp rpc.Response
	require.NoError(t, json.Unmarshal(msg, &resp))
	require.True(t, resp.Success)
}

func TestEventBroadcastReachesConnectedClient(t *testing.T) {
	conn, bus, cleanup := dialServer(t)
	defer cleanup()

	bus.Emit(events.Event{Name: events.KeywordsUpdated, TopicID: "t1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev rpc.EventMessage
	require.NoError(t, json.Unmarshal(msg, &ev))
	require.Equal(t, events.KeywordsUpdated, ev.Event)
}
