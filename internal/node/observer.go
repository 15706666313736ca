package node

import (
	"sync"

	"github.com/danmuck/audiocast/internal/replicator"
	"github.com/rs/zerolog/log"
)

// LogObserver logs transfer lifecycle events and reports completeness at end.
type LogObserver struct {
	peerID string

	mu       sync.Mutex
	declared map[replicator.SessionID]int
	received map[replicator.SessionID]int
}

func NewLogObserver(peerID string) *LogObserver {
	return &LogObserver{
		peerID:   peerID,
		declared: make(map[replicator.SessionID]int),
		received: make(map[replicator.SessionID]int),
	}
}

func (o *LogObserver) TransferStarted(id replicator.SessionID, header replicator.StreamHeader) {
	o.mu.Lock()
	o.declared[id] = header.NumPackets
	o.received[id] = 0
	o.mu.Unlock()
	log.Info().
		Str("peer", o.peerID).
		Str("session", id.String()).
		Int("packets", header.NumPackets).
		Int("sample_rate", header.SampleRate).
		Int("channels", header.Channels).
		Msg("node.transfer started")
}

func (o *LogObserver) ChunkReceived(id replicator.SessionID, _ replicator.Chunk) {
	o.mu.Lock()
	o.received[id]++
	o.mu.Unlock()
}

func (o *LogObserver) TransferEnded(id replicator.SessionID) {
	o.mu.Lock()
	declared, known := o.declared[id]
	received := o.received[id]
	delete(o.declared, id)
	delete(o.received, id)
	o.mu.Unlock()

	event := log.Info()
	if known && declared > 0 && received < declared {
		event = log.Warn()
	}
	event.
		Str("peer", o.peerID).
		Str("session", id.String()).
		Int("received", received).
		Int("declared", declared).
		Bool("known", known).
		Msg("node.transfer ended")
}

// Pending returns the number of sessions started but not yet ended.
func (o *LogObserver) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.declared)
}
