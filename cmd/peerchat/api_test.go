package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/peerchat/internal/chat"
	"github.com/gosuda/peerchat/internal/mesh"
	"github.com/gosuda/peerchat/internal/signal"
)

func newTestServer(t *testing.T) (*mesh.Mesh, *httptest.Server) {
	t.Helper()
	m, err := mesh.New(mesh.Config{
		Room:            "room",
		UserID:          "u1",
		Name:            "alice",
		Broker:          signal.NewMemoryBroker(),
		RefreshInterval: -1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	srv := httptest.NewServer(newAPI(m, "room").routes())
	t.Cleanup(srv.Close)
	return m, srv
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHealthz(t *testing.T) {
	_, srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSendAndList(t *testing.T) {
	m, srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/messages", map[string]string{"text": "hello <b>world</b>"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var sent struct {
		Message chat.Message `json:"message"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sent))
	assert.Equal(t, "hello world", sent.Message.Text)
	assert.Equal(t, "alice", sent.Message.User)

	resp = postJSON(t, srv.URL+"/api/messages", map[string]string{"text": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	list, err := http.Get(srv.URL + "/api/messages")
	require.NoError(t, err)
	defer list.Body.Close()
	var got struct {
		Messages []chat.Message `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(list.Body).Decode(&got))
	require.Len(t, got.Messages, 1)
	assert.Equal(t, sent.Message.ID, got.Messages[0].ID)
	assert.Len(t, m.Transcript(), 1)
}

func TestNameAndClear(t *testing.T) {
	m, srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/name", map[string]string{"name": "alicia"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alicia", m.Name())

	resp = postJSON(t, srv.URL+"/api/name", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, err := m.Send("gone soon")
	require.NoError(t, err)
	resp = postJSON(t, srv.URL+"/api/clear", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, m.Transcript())
}

func TestStatusReportsConnection(t *testing.T) {
	m, srv := newTestServer(t)
	m.Start()
	require.Eventually(t, func() bool { return m.Status() == mesh.StatusConnected }, 2*time.Second, 5*time.Millisecond)

	resp, err := http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var got map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "connected", got["status"])
	assert.Equal(t, "room", got["room"])
	assert.True(t, strings.HasPrefix(got["handle"].(string), "room_u1_"))

	resp = postJSON(t, srv.URL+"/api/reconnect", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestWebsocketStreamsEvents(t *testing.T) {
	m, srv := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var snapshot map[string]interface{}
	require.NoError(t, conn.ReadJSON(&snapshot))
	assert.Equal(t, "snapshot", snapshot["type"])

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "send", "text": "from the browser"}))
	for {
		var ev mesh.Event
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Type == mesh.EventMessage {
			require.NotNil(t, ev.Message)
			assert.Equal(t, "from the browser", ev.Message.Text)
			break
		}
	}
	assert.Len(t, m.Transcript(), 1)
}
