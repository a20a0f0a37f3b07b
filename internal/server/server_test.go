package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/npcbrain/internal/action"
	"github.com/stellarlinkco/npcbrain/internal/config"
	"github.com/stellarlinkco/npcbrain/internal/gateway"
	"github.com/stellarlinkco/npcbrain/internal/world"
)

type fakeTicker struct {
	mu    sync.Mutex
	snaps []*world.Snapshot
	ids   []string
}

func (f *fakeTicker) Tick(ctx context.Context, snap *world.Snapshot) *gateway.Response {
	id, _ := gateway.RequestID(ctx)
	f.mu.Lock()
	f.snaps = append(f.snaps, snap)
	f.ids = append(f.ids, id)
	f.mu.Unlock()
	return &gateway.Response{
		Actions: []action.Action{action.Say{Text: "hello " + snap.Player.Name}},
		Debug:   gateway.Debug{Trigger: "chat_message", Source: gateway.SourceLLM, RequestID: id},
	}
}

func (f *fakeTicker) Backend() string { return "claude" }

func newTestServer(t *testing.T) (*httptest.Server, *fakeTicker) {
	t.Helper()
	ft := &fakeTicker{}
	s := New(config.ServerConfig{Port: 1}, ft, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, ft
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, map[string]string{"status": "ok", "version": "0.1.0", "llm": "claude"}, body)
}

func TestTick_OK(t *testing.T) {
	ts, ft := newTestServer(t)

	payload := `{"player":{"name":"Steve","health":20},"quest":{"current_stage":"FLOW_INTRO"},
		"recent_events":[{"type":"chat_message","text":"hi"}]}`
	resp, err := http.Post(ts.URL+"/api/agent/tick", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Actions []map[string]any `json:"actions"`
		Debug   map[string]any   `json:"debug"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Actions, 1)
	assert.Equal(t, "SAY", body.Actions[0]["type"])
	assert.Equal(t, "hello Steve", body.Actions[0]["text"])
	assert.Equal(t, resp.Header.Get(RequestIDHeader), body.Debug["request_id"])

	require.Len(t, ft.snaps, 1)
	assert.Equal(t, world.StageFlowIntro, ft.snaps[0].Stage())
	text, ok := ft.snaps[0].ChatMessage()
	assert.True(t, ok)
	assert.Equal(t, "hi", text)
}

func TestTick_Rejects(t *testing.T) {
	ts, ft := newTestServer(t)

	cases := []struct {
		name   string
		body   string
		status int
		errSub string
	}{
		{"not json", "{nope", http.StatusBadRequest, "invalid JSON"},
		{"missing name", `{"player":{"health":20}}`, http.StatusBadRequest, "player.name"},
		{"negative health", `{"player":{"name":"a","health":-1}}`, http.StatusBadRequest, "player.health"},
		{"too large", `{"player":{"name":"` + strings.Repeat("a", MaxBodyBytes) + `"}}`, http.StatusRequestEntityTooLarge, "1 MiB"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/api/agent/tick", "application/json", strings.NewReader(tc.body))
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tc.status, resp.StatusCode)
			var body errorBody
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Contains(t, body.Error, tc.errSub)
		})
	}
	assert.Empty(t, ft.snaps)
}

func TestTick_MethodNotAllowed(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/agent/tick")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

type panicTicker struct{}

func (panicTicker) Tick(context.Context, *world.Snapshot) *gateway.Response { panic("boom") }

func (panicTicker) Backend() string { return "none" }

func TestTick_PanicBecomes500(t *testing.T) {
	s := New(config.ServerConfig{Port: 1}, panicTicker{}, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/agent/tick", "application/json", strings.NewReader(`{"player":{"name":"Steve","health":20}}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))
	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "internal error", body.Error)
}

func TestStream(t *testing.T) {
	ts, ft := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/agent/stream"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"player":{"name":"Alex","health":20}}`)))
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var reply gateway.Debug
	var envelope struct {
		Actions []json.RawMessage `json:"actions"`
		Debug   *gateway.Debug    `json:"debug"`
	}
	envelope.Debug = &reply
	require.NoError(t, json.Unmarshal(data, &envelope))
	assert.Len(t, envelope.Actions, 1)
	assert.NotEmpty(t, reply.RequestID)

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"player":{}}`)))
	_, data, err = conn.Read(ctx)
	require.NoError(t, err)
	var errReply errorBody
	require.NoError(t, json.Unmarshal(data, &errReply))
	assert.Contains(t, errReply.Error, "player.name")

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))

	ft.mu.Lock()
	defer ft.mu.Unlock()
	require.Len(t, ft.snaps, 1)
	assert.Equal(t, "Alex", ft.snaps[0].Player.Name)
	assert.NotEqual(t, ft.ids[0], "")
}

func TestServer_StartStop(t *testing.T) {
	ft := &fakeTicker{}
	s := New(config.ServerConfig{Host: "127.0.0.1", Port: 0}, ft, nil)
	s.addr = "127.0.0.1:0"

	require.NoError(t, s.Start(context.Background()))
	addr := s.Addr()
	assert.NotEqual(t, "127.0.0.1:0", addr)

	resp, err := http.Post("http://"+addr+"/api/agent/tick", "application/json",
		bytes.NewReader([]byte(`{"player":{"name":"Steve"}}`)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx), "second Stop is a no-op")

	_, err = http.Get("http://" + addr + "/health")
	assert.Error(t, err)
}

func TestServer_StartListenError(t *testing.T) {
	s := New(config.ServerConfig{}, &fakeTicker{}, nil)
	s.addr = "127.0.0.1:-1"
	assert.Error(t, s.Start(context.Background()))
}
