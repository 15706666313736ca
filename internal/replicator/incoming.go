package replicator

import (
	"sort"

	"github.com/danmuck/audiocast/internal/observability"
	"github.com/rs/zerolog/log"
)

// HandleStart creates or resets the incoming transfer for id.
func (r *Replicator) HandleStart(id SessionID, header StreamHeader) {
	size := r.knownTotal(header)
	if header.NumPackets > size {
		log.Warn().
			Str("peer", r.cfg.PeerID).
			Str("session", id.String()).
			Int("packets", header.NumPackets).
			Int("max", r.cfg.MaxPacketsPerSession).
			Msg("replicator.HandleStart total over limit, appending in arrival order")
	}
	r.inMu.Lock()
	r.incoming[id] = &IncomingTransfer{
		Header:  header,
		Packets: make([]Packet, size),
		Started: true,
	}
	r.inMu.Unlock()

	observability.RecordTransfer(r.cfg.PeerID, "in", "started")
	log.Debug().
		Str("peer", r.cfg.PeerID).
		Str("session", id.String()).
		Int("packets", header.NumPackets).
		Msg("replicator.HandleStart")

	for _, o := range r.snapshotObservers() {
		o.TransferStarted(id, header)
	}
}

// HandleChunk places one chunk into the reassembly buffer for id.
//
// With a known total (announced and within MaxPacketsPerSession), the chunk is
// written at its index. Otherwise, or when the
// index falls outside the buffer, the packet is appended in arrival order. An
// out-of-range index can therefore shift every later append relative to its
// true position; callers needing strict integrity must check Received against
// NumPackets and index contiguity themselves.
func (r *Replicator) HandleChunk(id SessionID, chunk Chunk) {
	r.inMu.Lock()
	in, ok := r.incoming[id]
	if !ok {
		// chunk raced ahead of its start message
		in = &IncomingTransfer{}
		r.incoming[id] = in
	}
	in.Started = true

	total := r.knownTotal(in.Header)
	if total > 0 && len(in.Packets) < total {
		grown := make([]Packet, total)
		copy(grown, in.Packets)
		in.Packets = grown
	}

	if total > 0 && chunk.Index >= 0 && chunk.Index < len(in.Packets) {
		in.Packets[chunk.Index] = chunk.Packet
	} else {
		in.Packets = append(in.Packets, chunk.Packet)
	}
	in.Received++
	r.inMu.Unlock()

	observability.RecordChunk(r.cfg.PeerID, "in")
	for _, o := range r.snapshotObservers() {
		o.ChunkReceived(id, chunk)
	}
}

// HandleEnd marks id as ended. Observers are notified even when the session is unknown.
func (r *Replicator) HandleEnd(id SessionID) {
	var received, declared int
	r.inMu.Lock()
	in, ok := r.incoming[id]
	if ok {
		in.Ended = true
		received, declared = in.Received, in.Header.NumPackets
	}
	r.inMu.Unlock()

	if ok {
		observability.RecordTransfer(r.cfg.PeerID, "in", "ended")
		log.Debug().
			Str("peer", r.cfg.PeerID).
			Str("session", id.String()).
			Int("received", received).
			Int("declared", declared).
			Msg("replicator.HandleEnd")
	} else {
		log.Debug().Str("peer", r.cfg.PeerID).Str("session", id.String()).Msg("replicator.HandleEnd unknown session")
	}

	for _, o := range r.snapshotObservers() {
		o.TransferEnded(id)
	}
}

// Session returns a copy of the reassembly buffer and header for id. It may be
// called at any time, including before the end message arrives.
func (r *Replicator) Session(id SessionID) ([]Packet, StreamHeader, bool) {
	r.inMu.RLock()
	defer r.inMu.RUnlock()
	in, ok := r.incoming[id]
	if !ok {
		return nil, StreamHeader{}, false
	}
	out := make([]Packet, len(in.Packets))
	for i, p := range in.Packets {
		if p == nil {
			continue
		}
		cp := make(Packet, len(p))
		copy(cp, p)
		out[i] = cp
	}
	return out, in.Header, true
}

// IncomingStatus returns counters and flags for id.
func (r *Replicator) IncomingStatus(id SessionID) (IncomingStatus, bool) {
	r.inMu.RLock()
	defer r.inMu.RUnlock()
	in, ok := r.incoming[id]
	if !ok {
		return IncomingStatus{}, false
	}
	return incomingStatus(id, in), true
}

// ListIncoming returns every known incoming transfer ordered by session id.
func (r *Replicator) ListIncoming() []IncomingStatus {
	r.inMu.RLock()
	defer r.inMu.RUnlock()
	out := make([]IncomingStatus, 0, len(r.incoming))
	for id, in := range r.incoming {
		out = append(out, incomingStatus(id, in))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SessionID.String() < out[j].SessionID.String()
	})
	return out
}

// ClearSession evicts a finished (or abandoned) incoming session.
func (r *Replicator) ClearSession(id SessionID) bool {
	r.inMu.Lock()
	defer r.inMu.Unlock()
	if _, ok := r.incoming[id]; !ok {
		return false
	}
	delete(r.incoming, id)
	return true
}

func incomingStatus(id SessionID, in *IncomingTransfer) IncomingStatus {
	populated := 0
	for _, p := range in.Packets {
		if p != nil {
			populated++
		}
	}
	return IncomingStatus{
		SessionID: id,
		Header:    in.Header,
		Buffered:  len(in.Packets),
		Populated: populated,
		Received:  in.Received,
		Started:   in.Started,
		Ended:     in.Ended,
	}
}

// knownTotal returns the announced packet count when it is usable for
// index placement, or 0 when it is missing or over MaxPacketsPerSession.
func (r *Replicator) knownTotal(h StreamHeader) int {
	if h.NumPackets <= 0 || h.NumPackets > r.cfg.MaxPacketsPerSession {
		return 0
	}
	return h.NumPackets
}
