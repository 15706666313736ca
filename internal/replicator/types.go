package replicator

import (
	"github.com/google/uuid"
)

// SessionID correlates one outgoing transfer with its incoming transfers on every receiver.
type SessionID = uuid.UUID

// NewSessionID returns a random (v4) session identifier.
func NewSessionID() SessionID {
	return uuid.New()
}

// ParseSessionID parses the canonical string form.
func ParseSessionID(s string) (SessionID, error) {
	return uuid.Parse(s)
}

// Packet is one encoded audio frame. Its bytes are never interpreted here.
type Packet []byte

// StreamHeader is per-session stream metadata.
type StreamHeader struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
	Bitrate    int `json:"bitrate"`
	FrameMs    int `json:"frame_ms"`
	// NumPackets is 0 when unknown.
	NumPackets int `json:"num_packets"`
}

// DefaultStreamHeader returns mono 48kHz, 32kbit/s, 20ms frames.
func DefaultStreamHeader() StreamHeader {
	return StreamHeader{
		SampleRate: 48000,
		Channels:   1,
		Bitrate:    32000,
		FrameMs:    20,
	}
}

// Chunk is one indexed unit of transfer wrapping exactly one packet.
type Chunk struct {
	Index  int
	Packet Packet
}

// Role is the local ownership capability. Only RoleOrigin may start broadcasts or pump.
type Role int

const (
	RoleObserver Role = iota
	RoleOrigin
)

func (r Role) String() string {
	switch r {
	case RoleOrigin:
		return "origin"
	case RoleObserver:
		return "observer"
	default:
		return "unknown"
	}
}

// ParseRole maps config strings onto roles.
func ParseRole(raw string) (Role, bool) {
	switch raw {
	case "origin", "owner":
		return RoleOrigin, true
	case "observer", "receiver", "":
		return RoleObserver, true
	default:
		return RoleObserver, false
	}
}

// PeerGroup names the set of peers a message is delivered to.
type PeerGroup string

// OutgoingTransfer is sender-side state for one broadcast.
type OutgoingTransfer struct {
	SessionID  SessionID
	Header     StreamHeader
	Chunks     []Chunk
	NextIndex  int
	HeaderSent bool
	EndSent    bool
}

// IncomingTransfer is receiver-side reassembly state for one session.
type IncomingTransfer struct {
	Header   StreamHeader
	Packets  []Packet
	Received int
	Started  bool
	Ended    bool
}

// OutgoingStatus is a read-only view of one outgoing transfer.
type OutgoingStatus struct {
	SessionID  SessionID    `json:"session_id"`
	Header     StreamHeader `json:"header"`
	NextIndex  int          `json:"next_index"`
	Total      int          `json:"total"`
	HeaderSent bool         `json:"header_sent"`
	EndSent    bool         `json:"end_sent"`
}

// IncomingStatus is a read-only view of one incoming transfer.
type IncomingStatus struct {
	SessionID SessionID    `json:"session_id"`
	Header    StreamHeader `json:"header"`
	Buffered  int          `json:"buffered"`
	Populated int          `json:"populated"`
	Received  int          `json:"received"`
	Started   bool         `json:"started"`
	Ended     bool         `json:"ended"`
}
