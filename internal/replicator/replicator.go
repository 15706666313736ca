package replicator

import (
	"errors"
	"strings"
	"sync"
)

const (
	DefaultMaxPacketsPerTick = 32
	// DefaultMaxPacketsPerSession bounds how far a receiver pre-sizes its
	// buffer from an announced total (about 87 minutes of 20ms frames).
	DefaultMaxPacketsPerSession = 1 << 18
)

var (
	ErrNotOrigin      = errors.New("replicator: local peer is not the broadcast origin")
	ErrEmptyPackets   = errors.New("replicator: empty packet sequence")
	ErrNoEncoder      = errors.New("replicator: no encoder configured")
	ErrNilTransport   = errors.New("replicator: nil transport")
	ErrUnknownMessage = errors.New("replicator: unknown message kind")
)

// Transport is the delivery capability the replicator depends on.
// SendReliable must deliver in order without loss; SendUnreliable may drop or reorder.
type Transport interface {
	SendReliable(group PeerGroup, msg Message) error
	SendUnreliable(group PeerGroup, msg Message) error
}

// Encoder turns interleaved PCM16 samples into encoded packets.
type Encoder interface {
	EncodeSamples(samples []int16, sampleRate, channels, bitrate, frameMs int) ([]Packet, error)
}

// Config configures one peer's replicator.
type Config struct {
	PeerID            string
	Role              Role
	Group             PeerGroup
	MaxPacketsPerTick int
	Encoder           Encoder

	// MaxPacketsPerSession caps the announced total a receiver trusts. Larger
	// totals are treated as unknown and chunks are appended in arrival order.
	MaxPacketsPerSession int
}

// DefaultConfig returns an observer config for the "all" peer group.
func DefaultConfig() Config {
	return Config{
		PeerID:               "peer.local",
		Role:                 RoleObserver,
		Group:                "all",
		MaxPacketsPerTick:    DefaultMaxPacketsPerTick,
		MaxPacketsPerSession: DefaultMaxPacketsPerSession,
	}
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.PeerID) == "" {
		c.PeerID = DefaultConfig().PeerID
	}
	if strings.TrimSpace(string(c.Group)) == "" {
		c.Group = DefaultConfig().Group
	}
	if c.MaxPacketsPerTick <= 0 {
		c.MaxPacketsPerTick = DefaultMaxPacketsPerTick
	}
	if c.MaxPacketsPerSession <= 0 {
		c.MaxPacketsPerSession = DefaultMaxPacketsPerSession
	}
	return c
}

// Replicator owns the outgoing and incoming transfer maps for one peer.
// Outgoing state is touched by the tick driver, incoming state by the transport
// delivery path; each map has its own lock.
type Replicator struct {
	cfg       Config
	transport Transport

	outMu    sync.Mutex
	outgoing map[SessionID]*OutgoingTransfer

	inMu     sync.RWMutex
	incoming map[SessionID]*IncomingTransfer

	obsMu     sync.RWMutex
	observers []Observer
}

// New builds a replicator bound to transport.
func New(cfg Config, transport Transport) (*Replicator, error) {
	if transport == nil {
		return nil, ErrNilTransport
	}
	return &Replicator{
		cfg:       cfg.withDefaults(),
		transport: transport,
		outgoing:  make(map[SessionID]*OutgoingTransfer),
		incoming:  make(map[SessionID]*IncomingTransfer),
	}, nil
}

func (r *Replicator) PeerID() string {
	return r.cfg.PeerID
}

func (r *Replicator) Role() Role {
	return r.cfg.Role
}

// IsOrigin reports whether this peer may originate broadcasts.
func (r *Replicator) IsOrigin() bool {
	return r.cfg.Role == RoleOrigin
}

// Dispatch routes one delivered message to its handler.
func (r *Replicator) Dispatch(msg Message) error {
	switch m := msg.(type) {
	case StartMessage:
		r.HandleStart(m.SessionID, m.Header)
	case *StartMessage:
		if m == nil {
			return ErrUnknownMessage
		}
		r.HandleStart(m.SessionID, m.Header)
	case ChunkMessage:
		r.HandleChunk(m.SessionID, m.Chunk)
	case *ChunkMessage:
		if m == nil {
			return ErrUnknownMessage
		}
		r.HandleChunk(m.SessionID, m.Chunk)
	case EndMessage:
		r.HandleEnd(m.SessionID)
	case *EndMessage:
		if m == nil {
			return ErrUnknownMessage
		}
		r.HandleEnd(m.SessionID)
	default:
		return ErrUnknownMessage
	}
	return nil
}
