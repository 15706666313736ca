package replicator

import (
	"fmt"
	"sort"

	"github.com/danmuck/audiocast/internal/observability"
	"github.com/danmuck/audiocast/internal/wav"
	"github.com/rs/zerolog/log"
)

// StartBroadcast registers a new outgoing transfer for packets and sends its
// start message. It fails only when this peer is not the origin or packets is
// empty. A start send error is logged and counted; peers that did receive the
// start still get every chunk and the end.
func (r *Replicator) StartBroadcast(packets []Packet, header StreamHeader) (SessionID, error) {
	if !r.IsOrigin() {
		log.Warn().Str("peer", r.cfg.PeerID).Msg("replicator.StartBroadcast rejected: not origin")
		return SessionID{}, ErrNotOrigin
	}
	if len(packets) == 0 {
		log.Warn().Str("peer", r.cfg.PeerID).Msg("replicator.StartBroadcast rejected: empty packet list")
		return SessionID{}, ErrEmptyPackets
	}

	id := NewSessionID()
	header.NumPackets = len(packets)
	tr := &OutgoingTransfer{
		SessionID: id,
		Header:    header,
		Chunks:    BuildChunks(packets),
	}

	r.outMu.Lock()
	defer r.outMu.Unlock()
	err := r.transport.SendReliable(r.cfg.Group, StartMessage{
		SessionID: id,
		Origin:    r.cfg.PeerID,
		Header:    header,
	})
	if err != nil {
		observability.RecordSendError(r.cfg.PeerID, "reliable")
		log.Warn().
			Str("peer", r.cfg.PeerID).
			Str("session", id.String()).
			Err(err).
			Msg("replicator.StartBroadcast start send failed for some peers")
	}
	tr.HeaderSent = true
	r.outgoing[id] = tr
	observability.RecordTransfer(r.cfg.PeerID, "out", "started")

	log.Info().
		Str("peer", r.cfg.PeerID).
		Str("session", id.String()).
		Int("packets", header.NumPackets).
		Int("sample_rate", header.SampleRate).
		Int("channels", header.Channels).
		Msg("replicator.StartBroadcast ok")
	return id, nil
}

// StartBroadcastFromWAV reads a PCM16 WAV file, encodes it with the configured
// encoder and starts a broadcast of the resulting packets.
func (r *Replicator) StartBroadcastFromWAV(path string, bitrate, frameMs int) (SessionID, error) {
	if !r.IsOrigin() {
		return SessionID{}, ErrNotOrigin
	}
	if r.cfg.Encoder == nil {
		return SessionID{}, ErrNoEncoder
	}
	audio, err := wav.ReadFile(path)
	if err != nil {
		return SessionID{}, err
	}
	packets, err := r.cfg.Encoder.EncodeSamples(audio.Samples, audio.SampleRate, audio.Channels, bitrate, frameMs)
	if err != nil {
		return SessionID{}, fmt.Errorf("replicator: encode %s: %w", path, err)
	}
	header := StreamHeader{
		SampleRate: audio.SampleRate,
		Channels:   audio.Channels,
		Bitrate:    bitrate,
		FrameMs:    frameMs,
		NumPackets: len(packets),
	}
	return r.StartBroadcast(packets, header)
}

// CancelBroadcast drops an outgoing transfer. Receivers get the end message if
// they saw the start but not yet the end. Unknown ids are ignored.
func (r *Replicator) CancelBroadcast(id SessionID) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	tr, ok := r.outgoing[id]
	if !ok {
		return
	}
	if tr.HeaderSent && !tr.EndSent {
		r.sendEnd(tr)
	}
	delete(r.outgoing, id)
	observability.RecordTransfer(r.cfg.PeerID, "out", "cancelled")
	log.Info().
		Str("peer", r.cfg.PeerID).
		Str("session", id.String()).
		Int("sent", tr.NextIndex).
		Int("total", len(tr.Chunks)).
		Msg("replicator.CancelBroadcast")
}

// Tick runs one pump pass with the configured per-tick cap.
func (r *Replicator) Tick() int {
	return r.Pump(r.cfg.MaxPacketsPerTick)
}

// Pump sends up to maxPerTick chunks for every live transfer, in index order,
// and finishes transfers whose chunks are exhausted. The cap applies to each
// transfer separately. It returns the number of chunks handed to the transport.
func (r *Replicator) Pump(maxPerTick int) int {
	if !r.IsOrigin() {
		return 0
	}
	if maxPerTick <= 0 {
		maxPerTick = r.cfg.MaxPacketsPerTick
	}

	r.outMu.Lock()
	defer r.outMu.Unlock()

	sent := 0
	finished := make([]SessionID, 0)
	for id, tr := range r.outgoing {
		if !tr.HeaderSent {
			continue
		}
		thisTick := 0
		for tr.NextIndex < len(tr.Chunks) && thisTick < maxPerTick {
			err := r.transport.SendUnreliable(r.cfg.Group, ChunkMessage{
				SessionID: id,
				Origin:    r.cfg.PeerID,
				Chunk:     tr.Chunks[tr.NextIndex],
			})
			if err != nil {
				// lost chunks leave a gap on receivers; no retry at this layer
				observability.RecordSendError(r.cfg.PeerID, "unreliable")
				log.Debug().
					Str("session", id.String()).
					Int("index", tr.NextIndex).
					Err(err).
					Msg("replicator.Pump chunk send failed")
			}
			observability.RecordChunk(r.cfg.PeerID, "out")
			tr.NextIndex++
			thisTick++
		}
		sent += thisTick

		if tr.NextIndex >= len(tr.Chunks) && !tr.EndSent {
			r.sendEnd(tr)
			finished = append(finished, id)
		}
	}

	for _, id := range finished {
		delete(r.outgoing, id)
		observability.RecordTransfer(r.cfg.PeerID, "out", "completed")
		log.Info().Str("peer", r.cfg.PeerID).Str("session", id.String()).Msg("replicator.Pump transfer complete")
	}
	return sent
}

// ListOutgoing returns live outgoing transfers ordered by session id.
func (r *Replicator) ListOutgoing() []OutgoingStatus {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	out := make([]OutgoingStatus, 0, len(r.outgoing))
	for _, tr := range r.outgoing {
		out = append(out, OutgoingStatus{
			SessionID:  tr.SessionID,
			Header:     tr.Header,
			NextIndex:  tr.NextIndex,
			Total:      len(tr.Chunks),
			HeaderSent: tr.HeaderSent,
			EndSent:    tr.EndSent,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SessionID.String() < out[j].SessionID.String()
	})
	return out
}

// OutgoingCount returns the number of live outgoing transfers.
func (r *Replicator) OutgoingCount() int {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	return len(r.outgoing)
}

// caller holds outMu
func (r *Replicator) sendEnd(tr *OutgoingTransfer) {
	err := r.transport.SendReliable(r.cfg.Group, EndMessage{
		SessionID: tr.SessionID,
		Origin:    r.cfg.PeerID,
	})
	if err != nil {
		observability.RecordSendError(r.cfg.PeerID, "reliable")
		log.Warn().
			Str("session", tr.SessionID.String()).
			Err(err).
			Msg("replicator end send failed")
	}
	tr.EndSent = true
}
