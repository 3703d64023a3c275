package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/peerchat/internal/chat"
	"github.com/gosuda/peerchat/internal/history"
	"github.com/gosuda/peerchat/internal/protocol"
	"github.com/gosuda/peerchat/internal/signal"
	"github.com/gosuda/peerchat/internal/store"
)

const (
	testRoom = "global-chat-room"
	waitFor  = 2 * time.Second
	tick     = 5 * time.Millisecond
)

func newTestMesh(t *testing.T, b *signal.MemoryBroker, clk *clock.Mock, userID, name string, mods ...func(*Config)) *Mesh {
	t.Helper()
	cfg := Config{
		Room:            testRoom,
		UserID:          userID,
		Name:            name,
		Broker:          b,
		Clock:           clk,
		RefreshInterval: -1,
	}
	for _, mod := range mods {
		mod(&cfg)
	}
	m, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func waitStatus(t *testing.T, m *Mesh, s Status) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Status() == s }, waitFor, tick, "status %s", s)
}

func waitEvent(t *testing.T, ch <-chan Event, match func(Event) bool) Event {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "event stream closed")
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
		}
	}
}

func isStatus(s Status) func(Event) bool {
	return func(ev Event) bool { return ev.Type == EventStatus && ev.Status == s }
}

func chatIDs(m *Mesh) []string {
	var out []string
	for _, msg := range chat.ChatOnly(m.Transcript()) {
		out = append(out, msg.ID)
	}
	return out
}

func hasText(t []chat.Message, text string) bool {
	for _, msg := range t {
		if msg.Text == text {
			return true
		}
	}
	return false
}

// rawPeer is a hand-driven room member that speaks frames directly.
type rawPeer struct {
	sess   signal.Session
	conn   signal.Conn
	frames chan protocol.Frame
}

// registerRaw claims a room handle. Meshes started afterwards dial it.
func registerRaw(t *testing.T, b *signal.MemoryBroker, userID string) *rawPeer {
	t.Helper()
	sess, err := b.Register(context.Background(), NewHandle(testRoom, userID))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	return &rawPeer{sess: sess, frames: make(chan protocol.Frame, 64)}
}

// accept waits for the first inbound connection and starts reading it.
func (r *rawPeer) accept(t *testing.T) {
	t.Helper()
	select {
	case c := <-r.sess.Inbound():
		r.conn = c
	case <-time.After(waitFor):
		t.Fatal("no inbound connection")
	}
	t.Cleanup(func() { _ = r.conn.Close() })
	go func() {
		for {
			f, err := r.conn.ReadFrame()
			if err != nil {
				close(r.frames)
				return
			}
			r.frames <- f
		}
	}()
}

func (r *rawPeer) next(t *testing.T) protocol.Frame {
	t.Helper()
	select {
	case f, ok := <-r.frames:
		require.True(t, ok, "connection closed")
		return f
	case <-time.After(waitFor):
		t.Fatal("no frame")
	}
	return protocol.Frame{}
}

func (r *rawPeer) expect(t *testing.T, typ protocol.Type) protocol.Frame {
	t.Helper()
	f := r.next(t)
	require.Equal(t, typ, f.Type)
	return f
}

func (r *rawPeer) quiet(t *testing.T) {
	t.Helper()
	select {
	case f, ok := <-r.frames:
		if ok {
			t.Fatalf("unexpected frame %s", f.Type)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func (r *rawPeer) send(t *testing.T, f protocol.Frame) {
	t.Helper()
	require.NoError(t, r.conn.WriteFrame(f))
}

func (r *rawPeer) join(t *testing.T, name string) {
	t.Helper()
	r.send(t, protocol.NewUserInfo(protocol.UserInfo{PeerID: r.sess.Handle(), Name: name, Color: "#123456", UserID: "raw"}))
}

func TestNewValidates(t *testing.T) {
	b := signal.NewMemoryBroker()
	_, err := New(Config{UserID: "u1", Broker: b})
	assert.Error(t, err)
	_, err = New(Config{Room: testRoom, Broker: b})
	assert.Error(t, err)
	_, err = New(Config{Room: testRoom, UserID: "u1"})
	assert.Error(t, err)
	for _, room := range []string{"a_b", "a b"} {
		_, err = New(Config{Room: room, UserID: "u1", Broker: b})
		assert.Error(t, err, room)
	}
}

func TestConnectRegistersRoomHandle(t *testing.T) {
	b := signal.NewMemoryBroker()
	a := newTestMesh(t, b, clock.NewMock(), "u1", "alice")
	assert.Equal(t, StatusDisconnected, a.Status())
	assert.Empty(t, a.Handle())

	a.Start()
	waitStatus(t, a, StatusConnected)
	h := a.Handle()
	assert.True(t, strings.HasPrefix(h, testRoom+"_u1_"))
	assert.Len(t, h, len(testRoom+"_u1_")+suffixLen)
	assert.Equal(t, []string{h}, b.Handles())

	a.Start()
	assert.Equal(t, h, a.Handle())
	assert.Equal(t, 1, b.Registers())
}

func TestTwoPeerChatScenario(t *testing.T) {
	b := signal.NewMemoryBroker()
	clk := clock.NewMock()
	a := newTestMesh(t, b, clk, "u1", "alice")

	m1, err := a.Send("hi")
	require.NoError(t, err)

	raw := registerRaw(t, b, "u2")
	a.Start()
	raw.accept(t)

	info := raw.expect(t, protocol.TypeUserInfo)
	var u protocol.UserInfo
	require.NoError(t, info.Decode(&u))
	assert.Equal(t, "alice", u.Name)
	assert.Equal(t, "u1", u.UserID)
	assert.Equal(t, a.Handle(), u.PeerID)
	raw.expect(t, protocol.TypeHistoryRequest)

	raw.join(t, "bob")
	raw.send(t, protocol.NewHistoryRequest())
	resp := raw.expect(t, protocol.TypeHistoryResponse)
	var h protocol.History
	require.NoError(t, resp.Decode(&h))
	require.Len(t, h.Messages, 1)
	assert.Equal(t, m1.ID, h.Messages[0].ID)

	clk.Add(time.Second)
	m2, err := a.Send("again")
	require.NoError(t, err)
	f := raw.expect(t, protocol.TypeChat)
	var got chat.Message
	require.NoError(t, f.Decode(&got))
	assert.Equal(t, m2.ID, got.ID)

	// a second request on the same connection gets nothing
	raw.send(t, protocol.NewHistoryRequest())
	raw.quiet(t)

	// a new peer still gets the history
	c := newTestMesh(t, b, clk, "u3", "carol")
	c.Start()
	require.Eventually(t, func() bool {
		ids := chatIDs(c)
		return len(ids) == 2 && ids[0] == m1.ID && ids[1] == m2.ID
	}, waitFor, tick)
}

func TestMeshesConverge(t *testing.T) {
	b := signal.NewMemoryBroker()
	clk := clock.NewMock()
	a := newTestMesh(t, b, clk, "u1", "alice")
	bob := newTestMesh(t, b, clk, "u2", "bob")

	a.Start()
	waitStatus(t, a, StatusConnected)
	m1, err := a.Send("hi")
	require.NoError(t, err)

	bob.Start()
	require.Eventually(t, func() bool { return len(a.Peers()) == 1 && len(bob.Peers()) == 1 }, waitFor, tick)
	require.Eventually(t, func() bool {
		ids := chatIDs(bob)
		return len(ids) == 1 && ids[0] == m1.ID
	}, waitFor, tick)

	clk.Add(time.Second)
	m2, err := bob.Send("hello")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		ids := chatIDs(a)
		return len(ids) == 2 && ids[1] == m2.ID
	}, waitFor, tick)

	peers := a.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "bob", peers[0].Name)
	assert.Equal(t, "u2", peers[0].UserID)
	assert.Equal(t, bob.Handle(), peers[0].PeerID)
	assert.True(t, hasText(a.Transcript(), "bob joined the chat"))
	assert.Equal(t, []string{bob.Handle()}, a.Connections())
}

func TestThreePeersFullMesh(t *testing.T) {
	b := signal.NewMemoryBroker()
	clk := clock.NewMock()
	var all []*Mesh
	for _, id := range []string{"u1", "u2", "u3"} {
		m := newTestMesh(t, b, clk, id, id)
		m.Start()
		all = append(all, m)
	}
	for _, m := range all {
		m := m
		require.Eventually(t, func() bool { return len(m.Connections()) == 2 && len(m.Peers()) == 2 }, waitFor, tick)
	}

	msg, err := all[2].Send("to everyone")
	require.NoError(t, err)
	for _, m := range all[:2] {
		m := m
		require.Eventually(t, func() bool { return chat.Contains(m.Transcript(), msg.ID) }, waitFor, tick)
	}
}

func TestDialIsIdempotent(t *testing.T) {
	b := signal.NewMemoryBroker()
	clk := clock.NewMock()
	a := newTestMesh(t, b, clk, "u1", "alice")
	bob := newTestMesh(t, b, clk, "u2", "bob")
	a.Start()
	waitStatus(t, a, StatusConnected)
	bob.Start()
	require.Eventually(t, func() bool { return len(a.Peers()) == 1 && len(bob.Peers()) == 1 }, waitFor, tick)

	before := a.Stats().Dials + bob.Stats().Dials
	for i := 0; i < 3; i++ {
		a.Dial(bob.Handle())
		a.Rebuild()
		bob.Rebuild()
	}
	a.Dial(a.Handle())
	assert.Never(t, func() bool {
		return a.Stats().Dials+bob.Stats().Dials != before
	}, 100*time.Millisecond, tick)
	assert.Len(t, a.Connections(), 1)
	assert.Len(t, bob.Connections(), 1)
}

// gatedBroker holds every Peers call until want sessions have registered,
// so simultaneous joiners discover and dial each other at the same time.
type gatedBroker struct {
	inner signal.Broker
	want  int

	mu    sync.Mutex
	n     int
	ready chan struct{}
}

func newGatedBroker(inner signal.Broker, want int) *gatedBroker {
	return &gatedBroker{inner: inner, want: want, ready: make(chan struct{})}
}

func (g *gatedBroker) Register(ctx context.Context, handle string) (signal.Session, error) {
	s, err := g.inner.Register(ctx, handle)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.n++
	if g.n == g.want {
		close(g.ready)
	}
	g.mu.Unlock()
	return &gatedSession{Session: s, ready: g.ready}, nil
}

type gatedSession struct {
	signal.Session
	ready <-chan struct{}
}

func (s *gatedSession) Peers(ctx context.Context) ([]string, error) {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.Session.Peers(ctx)
}

func TestGlareKeepsOneConnection(t *testing.T) {
	gb := newGatedBroker(signal.NewMemoryBroker(), 2)
	useGate := func(c *Config) { c.Broker = gb }
	clk := clock.NewMock()
	a := newTestMesh(t, nil, clk, "u1", "alice", useGate)
	bob := newTestMesh(t, nil, clk, "u2", "bob", useGate)
	a.Start()
	bob.Start()

	require.Eventually(t, func() bool {
		return len(a.Peers()) == 1 && len(bob.Peers()) == 1 &&
			len(a.Connections()) == 1 && len(bob.Connections()) == 1
	}, waitFor, tick)

	msg, err := a.Send("one copy")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return chat.Contains(bob.Transcript(), msg.ID) }, waitFor, tick)
	assert.Len(t, a.Connections(), 1)
	assert.Len(t, bob.Connections(), 1)
	for _, m := range []*Mesh{a, bob} {
		for _, line := range m.Transcript() {
			assert.NotContains(t, line.Text, "left the chat")
		}
	}
}

func TestStopClearsStateAndNotifiesPeers(t *testing.T) {
	b := signal.NewMemoryBroker()
	clk := clock.NewMock()
	a := newTestMesh(t, b, clk, "u1", "alice")
	raw := registerRaw(t, b, "u2")
	a.Start()
	raw.accept(t)
	raw.expect(t, protocol.TypeUserInfo)
	raw.expect(t, protocol.TypeHistoryRequest)
	raw.join(t, "bob")
	raw.send(t, protocol.NewTypingStart(raw.sess.Handle(), "bob"))
	require.Eventually(t, func() bool {
		return len(a.Peers()) == 1 && len(a.TypingNames()) == 1
	}, waitFor, tick)

	a.Stop()
	assert.Equal(t, StatusDisconnected, a.Status())
	assert.Empty(t, a.Peers())
	assert.Empty(t, a.Connections())
	assert.Empty(t, a.TypingNames())
	assert.Empty(t, a.Handle())
	assert.Equal(t, []string{raw.sess.Handle()}, b.Handles())

	// the remote side sees the connection drop
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-raw.frames:
			return !ok
		default:
			return false
		}
	}, waitFor, tick)
}

func TestDepartureNotice(t *testing.T) {
	b := signal.NewMemoryBroker()
	clk := clock.NewMock()
	a := newTestMesh(t, b, clk, "u1", "alice")
	bob := newTestMesh(t, b, clk, "u2", "bob")
	a.Start()
	waitStatus(t, a, StatusConnected)
	bob.Start()
	require.Eventually(t, func() bool { return len(a.Peers()) == 1 }, waitFor, tick)

	require.NoError(t, bob.Close())
	require.Eventually(t, func() bool { return len(a.Peers()) == 0 }, waitFor, tick)
	require.Eventually(t, func() bool { return hasText(a.Transcript(), "bob left the chat") }, waitFor, tick)
	assert.Empty(t, a.Connections())
}

func TestParticipantsMergeSameUser(t *testing.T) {
	b := signal.NewMemoryBroker()
	clk := clock.NewMock()
	a := newTestMesh(t, b, clk, "u1", "alice")
	tab1 := newTestMesh(t, b, clk, "u2", "bob")
	tab2 := newTestMesh(t, b, clk, "u2", "bob")
	for _, m := range []*Mesh{a, tab1, tab2} {
		m.Start()
	}
	require.Eventually(t, func() bool { return len(a.Peers()) == 2 }, waitFor, tick)
	parts := a.Participants()
	require.Len(t, parts, 1)
	assert.Equal(t, "u2", parts[0].UserID)
}

func TestRetryBackoffThenError(t *testing.T) {
	b := signal.NewMemoryBroker()
	clk := clock.NewMock()
	b.FailRegister(&signal.Error{Kind: signal.KindNetwork, Op: "register", Err: errors.New("refused")})
	a := newTestMesh(t, b, clk, "u1", "alice")
	events, cancel := a.Subscribe(128)
	defer cancel()

	a.Start()
	ev := waitEvent(t, events, func(ev Event) bool { return ev.Type == EventNotice })
	assert.Equal(t, LevelWarn, ev.Level)
	assert.Contains(t, ev.Text, "2s")
	assert.Equal(t, 1, b.Registers())

	for i, delay := range []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second} {
		clk.Add(delay - time.Millisecond)
		assert.Never(t, func() bool { return b.Registers() != i+1 }, 50*time.Millisecond, tick)
		clk.Add(time.Millisecond)
		if i < 2 {
			waitEvent(t, events, isStatus(StatusRetrying))
		} else {
			waitEvent(t, events, isStatus(StatusError))
		}
		assert.Equal(t, i+2, b.Registers())
	}

	assert.Equal(t, StatusError, a.Status())
	assert.Equal(t, signal.KindNetwork, signal.KindOf(a.LastError()))
	clk.Add(time.Minute)
	assert.Never(t, func() bool { return b.Registers() != 4 }, 50*time.Millisecond, tick)

	// a manual reconnect gets a fresh budget
	b.FailRegister(nil)
	a.Reconnect()
	waitStatus(t, a, StatusConnected)
	assert.NoError(t, a.LastError())
}

func TestNonRetryableFailsAtOnce(t *testing.T) {
	b := signal.NewMemoryBroker()
	clk := clock.NewMock()
	b.FailRegister(&signal.Error{Kind: signal.KindFatal, Op: "register", Err: errors.New("bad key")})
	a := newTestMesh(t, b, clk, "u1", "alice")

	a.Start()
	waitStatus(t, a, StatusError)
	clk.Add(time.Minute)
	assert.Never(t, func() bool { return b.Registers() != 1 }, 50*time.Millisecond, tick)
}

func TestReconnectInPlaceKeepsHandle(t *testing.T) {
	b := signal.NewMemoryBroker()
	clk := clock.NewMock()
	a := newTestMesh(t, b, clk, "u1", "alice")
	bob := newTestMesh(t, b, clk, "u2", "bob")
	a.Start()
	waitStatus(t, a, StatusConnected)
	bob.Start()
	require.Eventually(t, func() bool { return len(a.Peers()) == 1 }, waitFor, tick)

	events, cancel := a.Subscribe(64)
	defer cancel()
	h := a.Handle()
	require.True(t, b.Drop(h))
	waitEvent(t, events, isStatus(StatusRetrying))
	waitEvent(t, events, isStatus(StatusConnected))
	assert.Equal(t, h, a.Handle())
	assert.Len(t, a.Peers(), 1)
	assert.Contains(t, b.Handles(), h)
}

func TestReconnectFailureFallsBackToRetry(t *testing.T) {
	b := signal.NewMemoryBroker()
	clk := clock.NewMock()
	a := newTestMesh(t, b, clk, "u1", "alice")
	a.Start()
	waitStatus(t, a, StatusConnected)
	h := a.Handle()

	events, cancel := a.Subscribe(64)
	defer cancel()
	b.FailReconnect(&signal.Error{Kind: signal.KindServer, Op: "reconnect", Err: errors.New("503")})
	require.True(t, b.Drop(h))
	waitEvent(t, events, func(ev Event) bool { return ev.Type == EventNotice && strings.Contains(ev.Text, "2s") })
	assert.Empty(t, a.Handle())

	b.FailReconnect(nil)
	clk.Add(2 * time.Second)
	waitEvent(t, events, isStatus(StatusConnected))
	assert.NotEqual(t, h, a.Handle())
	assert.Equal(t, 2, b.Registers())
}

func TestForcedReconnectMintsNewHandle(t *testing.T) {
	b := signal.NewMemoryBroker()
	a := newTestMesh(t, b, clock.NewMock(), "u1", "alice")
	a.Start()
	waitStatus(t, a, StatusConnected)
	h := a.Handle()

	a.Reconnect()
	require.Eventually(t, func() bool {
		cur := a.Handle()
		return cur != "" && cur != h
	}, waitFor, tick)
	assert.Equal(t, []string{a.Handle()}, b.Handles())
}

func TestSetIdentityRejoins(t *testing.T) {
	b := signal.NewMemoryBroker()
	a := newTestMesh(t, b, clock.NewMock(), "u1", "alice")
	a.Start()
	waitStatus(t, a, StatusConnected)

	a.SetIdentity("u9", "zed")
	require.Eventually(t, func() bool { return strings.HasPrefix(a.Handle(), testRoom+"_u9_") }, waitFor, tick)
	assert.Equal(t, "zed", a.Name())

	a.SetIdentity("", "")
	waitStatus(t, a, StatusDisconnected)
	assert.Empty(t, b.Handles())
}

func TestTypingTimeout(t *testing.T) {
	b := signal.NewMemoryBroker()
	clk := clock.NewMock()
	a := newTestMesh(t, b, clk, "u1", "alice")
	raw := registerRaw(t, b, "u2")
	a.Start()
	raw.accept(t)
	raw.expect(t, protocol.TypeUserInfo)
	raw.expect(t, protocol.TypeHistoryRequest)

	a.Typing()
	a.Typing()
	a.Status()
	f := raw.expect(t, protocol.TypeTypingStart)
	var typing protocol.Typing
	require.NoError(t, f.Decode(&typing))
	assert.Equal(t, "alice", typing.Name)
	assert.Equal(t, a.Handle(), typing.PeerID)
	raw.quiet(t)

	clk.Add(1500 * time.Millisecond)
	a.Typing()
	a.Status()
	clk.Add(1500 * time.Millisecond)
	raw.quiet(t)
	clk.Add(500 * time.Millisecond)
	raw.expect(t, protocol.TypeTypingStop)
}

func TestSendStopsTyping(t *testing.T) {
	b := signal.NewMemoryBroker()
	clk := clock.NewMock()
	a := newTestMesh(t, b, clk, "u1", "alice")
	raw := registerRaw(t, b, "u2")
	a.Start()
	raw.accept(t)
	raw.expect(t, protocol.TypeUserInfo)
	raw.expect(t, protocol.TypeHistoryRequest)

	a.Typing()
	raw.expect(t, protocol.TypeTypingStart)
	_, err := a.Send("done")
	require.NoError(t, err)
	raw.expect(t, protocol.TypeChat)
	raw.expect(t, protocol.TypeTypingStop)

	clk.Add(5 * time.Second)
	raw.quiet(t)
}

func TestRemoteTypingIndicator(t *testing.T) {
	b := signal.NewMemoryBroker()
	clk := clock.NewMock()
	a := newTestMesh(t, b, clk, "u1", "alice")
	bob := newTestMesh(t, b, clk, "u2", "bob")
	a.Start()
	waitStatus(t, a, StatusConnected)
	bob.Start()
	require.Eventually(t, func() bool { return len(a.Peers()) == 1 && len(bob.Peers()) == 1 }, waitFor, tick)

	a.Typing()
	require.Eventually(t, func() bool {
		names := bob.TypingNames()
		return len(names) == 1 && names[0] == "alice"
	}, waitFor, tick)
	a.Status()
	clk.Add(DefaultTypingTimeout)
	require.Eventually(t, func() bool { return len(bob.TypingNames()) == 0 }, waitFor, tick)
}

func TestSetNameRebroadcastsProfile(t *testing.T) {
	b := signal.NewMemoryBroker()
	a := newTestMesh(t, b, clock.NewMock(), "u1", "alice")
	raw := registerRaw(t, b, "u2")
	a.Start()
	raw.accept(t)
	raw.expect(t, protocol.TypeUserInfo)
	raw.expect(t, protocol.TypeHistoryRequest)

	a.SetName("<b>alicia</b>")
	f := raw.expect(t, protocol.TypeUserInfo)
	var u protocol.UserInfo
	require.NoError(t, f.Decode(&u))
	assert.Equal(t, "alicia", u.Name)
	assert.Equal(t, "alicia", a.Name())
}

func TestInboundFramesAreSanitized(t *testing.T) {
	b := signal.NewMemoryBroker()
	a := newTestMesh(t, b, clock.NewMock(), "u1", "alice")
	raw := registerRaw(t, b, "u2")
	a.Start()
	raw.accept(t)
	raw.send(t, protocol.NewUserInfo(protocol.UserInfo{Name: "<script>x</script>mallory", Color: "red;", UserID: "u2"}))
	raw.send(t, protocol.NewChat(chat.Message{ID: "evil", User: "<i>m</i>", Text: "<img src=x onerror=alert(1)>hey", Timestamp: 1}))
	raw.send(t, protocol.NewChat(chat.Message{ID: "sys", Text: "fake", Type: chat.KindSystem}))
	raw.send(t, protocol.NewChat(chat.Message{Text: "no id"}))

	require.Eventually(t, func() bool { return chat.Contains(a.Transcript(), "evil") }, waitFor, tick)
	for _, msg := range a.Transcript() {
		if msg.ID == "evil" {
			assert.Equal(t, "m", msg.User)
			assert.Equal(t, "hey", msg.Text)
			assert.Equal(t, chat.KindMessage, msg.Type)
		}
	}
	assert.False(t, chat.Contains(a.Transcript(), "sys"))
	assert.Equal(t, []string{"evil"}, chatIDs(a))

	peers := a.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "mallory", peers[0].Name)
	assert.Equal(t, chat.ColorFor("u2"), peers[0].Color)
	assert.Equal(t, raw.sess.Handle(), peers[0].PeerID)
}

func TestHistoryMergeSkipsSystemAndDuplicates(t *testing.T) {
	b := signal.NewMemoryBroker()
	a := newTestMesh(t, b, clock.NewMock(), "u1", "alice")
	raw := registerRaw(t, b, "u2")
	a.Start()
	raw.accept(t)

	msgs := []chat.Message{
		{ID: "b", User: "bob", Text: "two", Timestamp: 2, Type: chat.KindMessage},
		{ID: "a", User: "bob", Text: "one", Timestamp: 1, Type: chat.KindMessage},
		{ID: "a", User: "bob", Text: "one", Timestamp: 1, Type: chat.KindMessage},
		{ID: "s", User: "system", Text: "noise", Timestamp: 3, Type: chat.KindSystem},
	}
	raw.send(t, protocol.NewHistoryResponse(msgs))
	require.Eventually(t, func() bool { return len(chatIDs(a)) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"a", "b"}, chatIDs(a))

	raw.send(t, protocol.NewHistoryResponse(msgs))
	assert.Never(t, func() bool { return len(a.Transcript()) != 2 }, 50*time.Millisecond, tick)
}

func TestClearResetsHistoryAndRequestsAgain(t *testing.T) {
	b := signal.NewMemoryBroker()
	clk := clock.NewMock()
	s := store.NewMemory()
	cache := history.New(s, testRoom, history.WithClock(clk))
	a := newTestMesh(t, b, clk, "u1", "alice", func(c *Config) { c.Cache = cache })

	_, err := a.Send("before")
	require.NoError(t, err)
	clk.Add(history.DefaultDelay)
	require.Eventually(t, func() bool {
		_, err := s.Get(history.Key(testRoom))
		return err == nil
	}, waitFor, tick)

	raw := registerRaw(t, b, "u2")
	a.Start()
	raw.accept(t)
	raw.expect(t, protocol.TypeUserInfo)
	raw.expect(t, protocol.TypeHistoryRequest)
	raw.send(t, protocol.NewHistoryRequest())
	raw.expect(t, protocol.TypeHistoryResponse)

	a.Clear()
	assert.Empty(t, a.Transcript())
	_, err = s.Get(history.Key(testRoom))
	assert.ErrorIs(t, err, store.ErrNotFound)
	raw.expect(t, protocol.TypeHistoryRequest)

	// the connection may be answered again
	raw.send(t, protocol.NewHistoryRequest())
	f := raw.expect(t, protocol.TypeHistoryResponse)
	var h protocol.History
	require.NoError(t, f.Decode(&h))
	assert.Empty(t, h.Messages)
}

func TestTranscriptRestoredFromCache(t *testing.T) {
	clk := clock.NewMock()
	s := store.NewMemory()
	saved := []chat.Message{{ID: "m1", User: "alice", Text: "persisted", Timestamp: 1, Type: chat.KindMessage}}
	raw, err := json.Marshal(saved)
	require.NoError(t, err)
	require.NoError(t, s.Set(history.Key(testRoom), raw))

	cache := history.New(s, testRoom, history.WithClock(clk))
	a := newTestMesh(t, signal.NewMemoryBroker(), clk, "u1", "alice", func(c *Config) { c.Cache = cache })
	assert.Equal(t, []string{"m1"}, chatIDs(a))
}

func TestSendRejectsEmptyAndClosed(t *testing.T) {
	a := newTestMesh(t, signal.NewMemoryBroker(), clock.NewMock(), "u1", "alice")
	_, err := a.Send("   ")
	assert.Error(t, err)

	require.NoError(t, a.Close())
	_, err = a.Send("late")
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, StatusDisconnected, a.Status())
}
