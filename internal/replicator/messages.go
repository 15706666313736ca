package replicator

import "fmt"

// MessageKind tags the closed set of transfer messages.
type MessageKind uint8

const (
	KindStart MessageKind = iota + 1
	KindChunk
	KindEnd
)

func (k MessageKind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindChunk:
		return "chunk"
	case KindEnd:
		return "end"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Message is one of StartMessage, ChunkMessage or EndMessage.
type Message interface {
	Kind() MessageKind
	Session() SessionID
}

// StartMessage opens a session on receivers. Sent reliably.
type StartMessage struct {
	SessionID SessionID
	Origin    string
	Header    StreamHeader
}

// ChunkMessage carries one chunk. Sent unreliably.
type ChunkMessage struct {
	SessionID SessionID
	Origin    string
	Chunk     Chunk
}

// EndMessage closes a session on receivers. Sent reliably.
type EndMessage struct {
	SessionID SessionID
	Origin    string
}

func (StartMessage) Kind() MessageKind { return KindStart }
func (ChunkMessage) Kind() MessageKind { return KindChunk }
func (EndMessage) Kind() MessageKind   { return KindEnd }

func (m StartMessage) Session() SessionID { return m.SessionID }
func (m ChunkMessage) Session() SessionID { return m.SessionID }
func (m EndMessage) Session() SessionID   { return m.SessionID }
