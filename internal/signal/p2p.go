package signal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"

	wire "github.com/gosuda/peerchat/internal/protocol"
)

const (
	MeshProtocolID = protocol.ID("/peerchat/mesh/1.0.0")

	defaultTTL       = 30 * time.Second
	handshakeTimeout = 10 * time.Second
)

// P2PBroker gives every session its own libp2p host and publishes the
// host's addresses in a Directory under the session handle.
type P2PBroker struct {
	dir    Directory
	listen []string
	ttl    time.Duration
	log    zerolog.Logger
}

type P2POption func(*P2PBroker)

func WithTTL(ttl time.Duration) P2POption { return func(b *P2PBroker) { b.ttl = ttl } }

func WithBrokerLogger(l zerolog.Logger) P2POption { return func(b *P2PBroker) { b.log = l } }

func NewP2PBroker(dir Directory, listen []string, opts ...P2POption) *P2PBroker {
	b := &P2PBroker{
		dir:    dir,
		listen: listen,
		ttl:    defaultTTL,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if len(b.listen) == 0 {
		b.listen = []string{"/ip4/0.0.0.0/tcp/0"}
	}
	return b
}

func (b *P2PBroker) Register(ctx context.Context, handle string) (Session, error) {
	h, err := libp2p.New(libp2p.ListenAddrStrings(b.listen...))
	if err != nil {
		return nil, wrap(KindNetwork, "libp2p host", err)
	}
	s := &p2pSession{
		broker: b,
		handle: handle,
		host:   h,
		inbox:  newInbox(16),
		disc:   make(chan struct{}),
		log:    b.log.With().Str("handle", handle).Logger(),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if err := s.announce(ctx); err != nil {
		_ = h.Close()
		s.cancel()
		return nil, err
	}
	h.SetStreamHandler(MeshProtocolID, s.handleStream)
	go s.heartbeat(s.disc)
	s.log.Info().Str("peer_id", h.ID().String()).Strs("multiaddr", multiaddrs(h)).Msg("registered")
	return s, nil
}

type p2pSession struct {
	broker *P2PBroker
	handle string
	host   host.Host
	inbox  *inbox
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	disc   chan struct{}
	down   bool
	closed bool
}

func (s *p2pSession) Handle() string { return s.handle }

func (s *p2pSession) Inbound() <-chan Conn { return s.inbox.ch }

func (s *p2pSession) Disconnected() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disc
}

func (s *p2pSession) announce(ctx context.Context) error {
	err := s.broker.dir.Announce(ctx, s.handle, multiaddrs(s.host), s.broker.ttl)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrHandleTaken):
		return wrap(KindHandleTaken, "announce", err)
	default:
		return wrap(KindServer, "announce", err)
	}
}

// heartbeat keeps the directory entry alive until the link drops or the
// session closes. One heartbeat runs per armed disc channel.
func (s *p2pSession) heartbeat(disc chan struct{}) {
	ticker := time.NewTicker(s.broker.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-disc:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, s.broker.ttl/3)
			err := s.broker.dir.Refresh(ctx, s.handle, s.broker.ttl)
			cancel()
			if err != nil && s.ctx.Err() == nil {
				s.log.Warn().Err(err).Msg("directory refresh failed")
				s.markDisconnected()
				return
			}
		}
	}
}

func (s *p2pSession) markDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down || s.closed {
		return
	}
	s.down = true
	close(s.disc)
}

func (s *p2pSession) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return wrap(KindFatal, "reconnect", ErrClosed)
	}
	if err := s.announce(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		s.down = false
		s.disc = make(chan struct{})
		go s.heartbeat(s.disc)
	}
	return nil
}

func (s *p2pSession) Peers(ctx context.Context) ([]string, error) {
	handles, err := s.broker.dir.List(ctx)
	if err != nil {
		return nil, wrap(KindServer, "list peers", err)
	}
	sort.Strings(handles)
	return handles, nil
}

func (s *p2pSession) Dial(ctx context.Context, handle string) (Conn, error) {
	addrs, err := s.broker.dir.Lookup(ctx, handle)
	if err != nil {
		if errors.Is(err, ErrNotRegistered) {
			return nil, wrap(KindPeerUnavailable, "dial "+handle, err)
		}
		return nil, wrap(KindServer, "dial "+handle, err)
	}
	info, err := addrInfo(addrs)
	if err != nil {
		return nil, wrap(KindPeerUnavailable, "dial "+handle, err)
	}
	if err := s.host.Connect(ctx, *info); err != nil {
		return nil, wrap(KindNegotiation, "connect "+handle, err)
	}
	stream, err := s.host.NewStream(ctx, info.ID, MeshProtocolID)
	if err != nil {
		return nil, wrap(KindNegotiation, "open stream "+handle, err)
	}
	c := newStreamConn(handle, stream)
	if err := c.WriteFrame(wire.NewHello(s.handle)); err != nil {
		_ = c.Close()
		return nil, wrap(KindNegotiation, "hello "+handle, err)
	}
	return c, nil
}

func (s *p2pSession) handleStream(stream network.Stream) {
	_ = stream.SetReadDeadline(time.Now().Add(handshakeTimeout))
	c := newStreamConn("", stream)
	f, err := c.ReadFrame()
	if err != nil || f.Type != wire.TypeHello {
		s.log.Debug().Err(err).Str("remote", stream.Conn().RemotePeer().String()).Msg("rejecting stream without hello")
		_ = stream.Reset()
		return
	}
	var hello wire.Hello
	if err := f.Decode(&hello); err != nil || hello.Handle == "" {
		_ = stream.Reset()
		return
	}
	_ = stream.SetReadDeadline(time.Time{})
	c.remote = hello.Handle
	if err := s.inbox.push(s.ctx, c); err != nil {
		_ = stream.Reset()
	}
}

func (s *p2pSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.inbox.close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.broker.dir.Remove(ctx, s.handle); err != nil {
		s.log.Debug().Err(err).Msg("directory remove")
	}
	s.host.RemoveStreamHandler(MeshProtocolID)
	return s.host.Close()
}

func multiaddrs(h host.Host) []string {
	raw := h.Addrs()
	addrs := make([]string, 0, len(raw))
	for _, addr := range raw {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", addr.String(), h.ID().String()))
	}
	sort.Strings(addrs)
	return addrs
}

// addrInfo folds the directory's /p2p/ multiaddrs into one AddrInfo.
func addrInfo(addrs []string) (*peer.AddrInfo, error) {
	var info *peer.AddrInfo
	for _, raw := range addrs {
		ai, err := parseAddrInfo(raw)
		if err != nil {
			continue
		}
		if info == nil {
			info = ai
			continue
		}
		if ai.ID == info.ID {
			info.Addrs = append(info.Addrs, ai.Addrs...)
		}
	}
	if info == nil {
		return nil, errors.New("no usable address")
	}
	return info, nil
}

func parseAddrInfo(raw string) (*peer.AddrInfo, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("multiaddr required")
	}
	ma, err := multiaddr.NewMultiaddr(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid multiaddr: %w", err)
	}
	info, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return nil, fmt.Errorf("addr info: %w", err)
	}
	return info, nil
}
