package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/audiocast/internal/observability"
	"github.com/danmuck/audiocast/internal/protocol/frame"
	"github.com/danmuck/audiocast/internal/protocol/session"
	"github.com/danmuck/audiocast/internal/replicator"
	"github.com/rs/zerolog/log"
)

// Peer is one remote node. Either address may be empty when that class is unused.
type Peer struct {
	ID       string `toml:"id"`
	Reliable string `toml:"reliable_addr"`
	Datagram string `toml:"datagram_addr"`
}

// NetConfig configures a Net transport.
type NetConfig struct {
	PeerID       string
	ReliableAddr string
	DatagramAddr string
	Peers        []Peer
	// Groups maps named groups to peer ids. GroupAll is implicit.
	Groups  map[replicator.PeerGroup][]string
	Session session.Config
}

type link struct {
	mu   sync.Mutex
	conn net.Conn
}

// Net sends reliable frames over one persistent TCP link per peer and
// unreliable frames as single UDP datagrams.
type Net struct {
	cfg   NetConfig
	peers map[string]Peer
	seq   atomic.Uint64
	done  chan struct{}
	once  sync.Once

	mu         sync.Mutex
	dispatcher Dispatcher
	links      map[string]*link
	inbound    map[net.Conn]struct{}

	rngMu sync.Mutex
	rng   *rand.Rand

	ln  net.Listener
	udp *net.UDPConn
}

func NewNet(cfg NetConfig) (*Net, error) {
	if strings.TrimSpace(cfg.PeerID) == "" {
		return nil, errors.New("transport: peer id is required")
	}
	if err := cfg.Session.Validate(); err != nil {
		return nil, err
	}
	peers := make(map[string]Peer, len(cfg.Peers))
	for _, p := range cfg.Peers {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return nil, errors.New("transport: peer entry missing id")
		}
		if _, dup := peers[id]; dup {
			return nil, fmt.Errorf("transport: duplicate peer id %q", id)
		}
		peers[id] = p
	}
	return &Net{
		cfg:     cfg,
		peers:   peers,
		done:    make(chan struct{}),
		links:   make(map[string]*link),
		inbound: make(map[net.Conn]struct{}),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Attach sets the dispatcher for inbound messages.
func (n *Net) Attach(d Dispatcher) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dispatcher = d
}

// Listen binds the TCP listener (if ReliableAddr is set) and the UDP socket.
// The UDP socket is also the source of outgoing datagrams, so it is always
// bound, on an ephemeral port when DatagramAddr is empty.
func (n *Net) Listen() error {
	if addr := strings.TrimSpace(n.cfg.ReliableAddr); addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("transport: listen tcp %s: %w", addr, err)
		}
		n.ln = ln
	}
	datagramAddr := strings.TrimSpace(n.cfg.DatagramAddr)
	if datagramAddr == "" {
		datagramAddr = ":0"
	}
	udpAddr, err := net.ResolveUDPAddr("udp", datagramAddr)
	if err != nil {
		n.closeListener()
		return fmt.Errorf("transport: resolve udp %s: %w", datagramAddr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		n.closeListener()
		return fmt.Errorf("transport: listen udp %s: %w", datagramAddr, err)
	}
	n.udp = conn
	log.Info().
		Str("peer", n.cfg.PeerID).
		Str("reliable", n.ReliableAddr()).
		Str("datagram", n.DatagramAddr()).
		Msg("transport.Net listening")
	return nil
}

func (n *Net) ReliableAddr() string {
	if n.ln == nil {
		return ""
	}
	return n.ln.Addr().String()
}

func (n *Net) DatagramAddr() string {
	if n.udp == nil {
		return ""
	}
	return n.udp.LocalAddr().String()
}

// Serve runs the accept and datagram loops until ctx is cancelled or Close is called.
func (n *Net) Serve(ctx context.Context) error {
	if n.udp == nil {
		return errors.New("transport: Serve before Listen")
	}
	go func() {
		select {
		case <-ctx.Done():
			_ = n.Close()
		case <-n.done:
		}
	}()

	errCh := make(chan error, 2)
	go func() { errCh <- n.readDatagrams() }()
	if n.ln != nil {
		go func() { errCh <- n.accept() }()
	} else {
		errCh <- nil
	}

	var first error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && first == nil {
			first = err
			_ = n.Close()
		}
	}
	return first
}

func (n *Net) Close() error {
	n.once.Do(func() {
		close(n.done)
		n.closeListener()
		if n.udp != nil {
			_ = n.udp.Close()
		}
		n.mu.Lock()
		for id, l := range n.links {
			l.mu.Lock()
			if l.conn != nil {
				_ = l.conn.Close()
				l.conn = nil
			}
			l.mu.Unlock()
			delete(n.links, id)
		}
		for conn := range n.inbound {
			_ = conn.Close()
			delete(n.inbound, conn)
		}
		n.mu.Unlock()
	})
	return nil
}

func (n *Net) closed() bool {
	select {
	case <-n.done:
		return true
	default:
		return false
	}
}

func (n *Net) closeListener() {
	if n.ln != nil {
		_ = n.ln.Close()
	}
}

func (n *Net) SendReliable(group replicator.PeerGroup, msg replicator.Message) error {
	if n.closed() {
		return ErrClosed
	}
	peers, err := n.resolve(group)
	if err != nil {
		return err
	}
	payload, err := session.EncodeMessage(n.seq.Add(1), msg)
	if err != nil {
		return err
	}
	var errs []error
	for _, p := range peers {
		if strings.TrimSpace(p.Reliable) == "" {
			continue
		}
		if err := n.writeReliable(p, payload); err != nil {
			errs = append(errs, fmt.Errorf("peer %s: %w", p.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (n *Net) SendUnreliable(group replicator.PeerGroup, msg replicator.Message) error {
	if n.closed() {
		return ErrClosed
	}
	if n.udp == nil {
		return errors.New("transport: datagram socket not bound")
	}
	peers, err := n.resolve(group)
	if err != nil {
		return err
	}
	payload, err := session.EncodeMessage(n.seq.Add(1), msg)
	if err != nil {
		return err
	}
	var errs []error
	for _, p := range peers {
		if strings.TrimSpace(p.Datagram) == "" {
			continue
		}
		addr, err := net.ResolveUDPAddr("udp", p.Datagram)
		if err != nil {
			errs = append(errs, fmt.Errorf("peer %s: %w", p.ID, err))
			continue
		}
		if _, err := n.udp.WriteToUDP(payload, addr); err != nil {
			errs = append(errs, fmt.Errorf("peer %s: %w", p.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (n *Net) resolve(group replicator.PeerGroup) ([]Peer, error) {
	var ids []string
	if group == GroupAll {
		for id := range n.peers {
			ids = append(ids, id)
		}
	} else {
		members, ok := n.cfg.Groups[group]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownGroup, group)
		}
		ids = append(ids, members...)
	}
	sort.Strings(ids)
	out := make([]Peer, 0, len(ids))
	for _, id := range ids {
		if id == n.cfg.PeerID {
			continue
		}
		p, ok := n.peers[id]
		if !ok {
			log.Warn().Str("group", string(group)).Str("peer", id).Msg("transport.Net group member has no address")
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (n *Net) linkFor(id string) *link {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.links[id]
	if !ok {
		l = &link{}
		n.links[id] = l
	}
	return l
}

// writeReliable writes payload on the peer's link, redialling with backoff.
// A frame is written whole or the link is dropped, so receivers never see a
// partial frame followed by a fresh one on the same stream.
func (n *Net) writeReliable(p Peer, payload []byte) error {
	l := n.linkFor(p.ID)
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg := n.cfg.Session
	for retry := 0; ; retry++ {
		err := n.writeOnce(l, p, payload)
		if err == nil {
			return nil
		}
		log.Debug().Str("peer", p.ID).Int("retry", retry).Err(err).Msg("transport.Net reliable write failed")
		if retry+1 >= cfg.MaxDialAttempts {
			return err
		}
		n.rngMu.Lock()
		delay := session.RedialDelay(cfg.Backoff, retry, n.rng)
		n.rngMu.Unlock()
		select {
		case <-time.After(delay):
		case <-n.done:
			return ErrClosed
		}
	}
}

// caller holds l.mu
func (n *Net) writeOnce(l *link, p Peer, payload []byte) error {
	if l.conn == nil {
		conn, err := net.DialTimeout("tcp", p.Reliable, n.cfg.Session.ConnectTimeout)
		if err != nil {
			return err
		}
		l.conn = conn
		go n.watchLink(p.ID, l, conn)
	}
	_ = l.conn.SetWriteDeadline(time.Now().Add(n.cfg.Session.WriteTimeout))
	if _, err := l.conn.Write(payload); err != nil {
		_ = l.conn.Close()
		l.conn = nil
		return err
	}
	return nil
}

// watchLink blocks reading an outbound link. Receivers never write back, so
// any read result means the peer closed it (idle read timeout, restart); the
// link is dropped and the next send redials instead of writing into a dead socket.
func (n *Net) watchLink(id string, l *link, conn net.Conn) {
	var one [1]byte
	_, err := conn.Read(one[:])
	l.mu.Lock()
	if l.conn == conn {
		_ = conn.Close()
		l.conn = nil
	}
	l.mu.Unlock()
	if !n.closed() {
		log.Debug().Str("peer", id).Err(err).Msg("transport.Net outbound link closed by peer")
	}
}

func (n *Net) accept() error {
	for {
		conn, err := n.ln.Accept()
		if err != nil {
			if n.closed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		n.mu.Lock()
		n.inbound[conn] = struct{}{}
		n.mu.Unlock()
		go n.handleConn(conn)
	}
}

func (n *Net) handleConn(conn net.Conn) {
	defer func() {
		n.mu.Lock()
		delete(n.inbound, conn)
		n.mu.Unlock()
		_ = conn.Close()
	}()
	remote := conn.RemoteAddr().String()
	log.Debug().Str("peer", n.cfg.PeerID).Str("remote", remote).Msg("transport.Net link accepted")

	reader := bufio.NewReader(conn)
	for {
		if rt := n.cfg.Session.ReadTimeout; rt > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(rt))
		}
		fr, err := frame.ReadFrame(reader, frame.DefaultLimits())
		if err != nil {
			if !n.closed() && !errors.Is(err, net.ErrClosed) {
				log.Debug().Str("remote", remote).Err(err).Msg("transport.Net link closed")
			}
			return
		}
		msg, err := session.DecodeMessage(fr)
		if err != nil {
			// stream framing is intact, so skip the bad message and keep the link
			observability.RecordDropped(n.cfg.PeerID, "decode")
			log.Warn().Str("remote", remote).Err(err).Msg("transport.Net decode failed")
			continue
		}
		n.dispatch(msg)
	}
}

func (n *Net) readDatagrams() error {
	buf := make([]byte, 65535)
	for {
		size, from, err := n.udp.ReadFromUDP(buf)
		if err != nil {
			if n.closed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		fr, err := frame.Decode(buf[:size], frame.DatagramLimits())
		if err != nil {
			observability.RecordDropped(n.cfg.PeerID, "frame")
			log.Debug().Str("from", from.String()).Err(err).Msg("transport.Net bad datagram")
			continue
		}
		msg, err := session.DecodeMessage(fr)
		if err != nil {
			observability.RecordDropped(n.cfg.PeerID, "decode")
			log.Debug().Str("from", from.String()).Err(err).Msg("transport.Net datagram decode failed")
			continue
		}
		n.dispatch(msg)
	}
}

func (n *Net) dispatch(msg replicator.Message) {
	n.mu.Lock()
	d := n.dispatcher
	n.mu.Unlock()
	if d == nil {
		observability.RecordDropped(n.cfg.PeerID, "unattached")
		return
	}
	if err := d.Dispatch(msg); err != nil {
		observability.RecordDropped(n.cfg.PeerID, "dispatch")
		log.Warn().Str("peer", n.cfg.PeerID).Str("kind", msg.Kind().String()).Err(err).Msg("transport.Net dispatch failed")
	}
}
