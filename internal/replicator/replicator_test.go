package replicator

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/danmuck/audiocast/internal/testutil/testlog"
)

type sent struct {
	reliable bool
	msg      Message
}

// recordingTransport captures every send in order.
type recordingTransport struct {
	mu   sync.Mutex
	log  []sent
	fail map[MessageKind]error
}

func (t *recordingTransport) SendReliable(_ PeerGroup, msg Message) error {
	return t.record(true, msg)
}

func (t *recordingTransport) SendUnreliable(_ PeerGroup, msg Message) error {
	return t.record(false, msg)
}

func (t *recordingTransport) record(reliable bool, msg Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.fail[msg.Kind()]; err != nil {
		return err
	}
	t.log = append(t.log, sent{reliable: reliable, msg: msg})
	return nil
}

func (t *recordingTransport) drain() []sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.log
	t.log = nil
	return out
}

func (t *recordingTransport) count(kind MessageKind) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.log {
		if s.msg.Kind() == kind {
			n++
		}
	}
	return n
}

func newOrigin(t *testing.T) (*Replicator, *recordingTransport) {
	t.Helper()
	tr := &recordingTransport{}
	r, err := New(Config{PeerID: "origin", Role: RoleOrigin}, tr)
	if err != nil {
		t.Fatalf("new replicator: %v", err)
	}
	return r, tr
}

func newObserver(t *testing.T) *Replicator {
	t.Helper()
	r, err := New(Config{PeerID: "observer", Role: RoleObserver}, &recordingTransport{})
	if err != nil {
		t.Fatalf("new replicator: %v", err)
	}
	return r
}

func makePackets(n, size int) []Packet {
	out := make([]Packet, n)
	for i := range out {
		out[i] = bytes.Repeat([]byte{byte(i + 1)}, size)
	}
	return out
}

func TestBuildChunksIndexesDensely(t *testing.T) {
	testlog.Start(t)
	packets := makePackets(5, 3)
	chunks := BuildChunks(packets)
	if len(chunks) != len(packets) {
		t.Fatalf("expected %d chunks, got %d", len(packets), len(chunks))
	}
	for i, c := range chunks {
		if c.Index != i || !bytes.Equal(c.Packet, packets[i]) {
			t.Fatalf("chunk %d mismatch: %+v", i, c)
		}
	}
	if got := BuildChunks(nil); len(got) != 0 {
		t.Fatalf("expected no chunks for empty input, got %d", len(got))
	}
}

func TestNewRejectsNilTransport(t *testing.T) {
	testlog.Start(t)
	if _, err := New(DefaultConfig(), nil); !errors.Is(err, ErrNilTransport) {
		t.Fatalf("expected ErrNilTransport, got %v", err)
	}
}

func TestStartBroadcastRejectsEmptyAndNonOrigin(t *testing.T) {
	testlog.Start(t)
	r, tr := newOrigin(t)
	if _, err := r.StartBroadcast(nil, DefaultStreamHeader()); !errors.Is(err, ErrEmptyPackets) {
		t.Fatalf("expected ErrEmptyPackets, got %v", err)
	}
	if r.OutgoingCount() != 0 || len(tr.drain()) != 0 {
		t.Fatalf("empty broadcast must leave no state")
	}

	obs := newObserver(t)
	if _, err := obs.StartBroadcast(makePackets(2, 4), DefaultStreamHeader()); !errors.Is(err, ErrNotOrigin) {
		t.Fatalf("expected ErrNotOrigin, got %v", err)
	}
	if obs.OutgoingCount() != 0 {
		t.Fatalf("observer must not register transfers")
	}
	if n := obs.Pump(8); n != 0 {
		t.Fatalf("observer pump must be a no-op, sent %d", n)
	}
}

// groupTransport fans every send out to peers by id. Broken peers fail
// delivery while the rest of the group still receives the message.
type groupTransport struct {
	peers  map[string]*Replicator
	order  []string
	broken map[string]bool
}

func (g *groupTransport) SendReliable(_ PeerGroup, msg Message) error {
	return g.fanout(msg)
}

func (g *groupTransport) SendUnreliable(_ PeerGroup, msg Message) error {
	_ = g.fanout(msg)
	return nil
}

func (g *groupTransport) fanout(msg Message) error {
	var errs []error
	for _, id := range g.order {
		if g.broken[id] {
			errs = append(errs, fmt.Errorf("peer %s unreachable", id))
			continue
		}
		if err := g.peers[id].Dispatch(msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func TestStartBroadcastSurvivesPartialStartFailure(t *testing.T) {
	testlog.Start(t)
	healthy := newObserver(t)
	g := &groupTransport{
		peers:  map[string]*Replicator{"a": healthy, "z": newObserver(t)},
		order:  []string{"a", "z"},
		broken: map[string]bool{"z": true},
	}
	origin, err := New(Config{PeerID: "origin", Role: RoleOrigin}, g)
	if err != nil {
		t.Fatalf("new replicator: %v", err)
	}

	packets := makePackets(4, 8)
	id, err := origin.StartBroadcast(packets, DefaultStreamHeader())
	if err != nil {
		t.Fatalf("partial start failure must not fail the broadcast: %v", err)
	}
	if origin.OutgoingCount() != 1 {
		t.Fatalf("transfer should be registered after a partial start failure")
	}
	for i := 0; i < 10 && origin.OutgoingCount() > 0; i++ {
		origin.Pump(2)
	}
	if origin.OutgoingCount() != 0 {
		t.Fatalf("transfer should finish")
	}

	st, ok := healthy.IncomingStatus(id)
	if !ok || !st.Started || !st.Ended || st.Received != 4 {
		t.Fatalf("healthy peer should see the whole transfer: %+v", st)
	}
	got, _, _ := healthy.Session(id)
	for i := range packets {
		if !bytes.Equal(got[i], packets[i]) {
			t.Fatalf("packet %d mismatch", i)
		}
	}
}

func TestStartBroadcastTotalStartFailureStillEnds(t *testing.T) {
	testlog.Start(t)
	r, tr := newOrigin(t)
	tr.fail = map[MessageKind]error{KindStart: errors.New("link down")}
	id, err := r.StartBroadcast(makePackets(3, 2), DefaultStreamHeader())
	if err != nil {
		t.Fatalf("start send errors are not broadcast failures: %v", err)
	}
	r.CancelBroadcast(id)
	if tr.count(KindEnd) != 1 || r.OutgoingCount() != 0 {
		t.Fatalf("cancel after failed start should send one end and remove the transfer")
	}
}

func TestPumpScenarioTenPacketsCapFour(t *testing.T) {
	testlog.Start(t)
	r, tr := newOrigin(t)
	packets := makePackets(10, 20)
	header := DefaultStreamHeader()
	header.NumPackets = 99 // overwritten

	id, err := r.StartBroadcast(packets, header)
	if err != nil {
		t.Fatalf("start broadcast: %v", err)
	}
	first := tr.drain()
	if len(first) != 1 || !first[0].reliable {
		t.Fatalf("expected one reliable start message, got %+v", first)
	}
	start, ok := first[0].msg.(StartMessage)
	if !ok || start.SessionID != id || start.Header.NumPackets != 10 {
		t.Fatalf("unexpected start message: %+v", first[0].msg)
	}

	wantTicks := [][]int{{0, 1, 2, 3}, {4, 5, 6, 7}, {8, 9}}
	for tick, want := range wantTicks {
		if n := r.Pump(4); n != len(want) {
			t.Fatalf("tick %d: expected %d chunks, got %d", tick, len(want), n)
		}
		got := tr.drain()
		for i, idx := range want {
			if got[i].reliable {
				t.Fatalf("tick %d: chunk sent reliably", tick)
			}
			cm, ok := got[i].msg.(ChunkMessage)
			if !ok || cm.Chunk.Index != idx || !bytes.Equal(cm.Chunk.Packet, packets[idx]) {
				t.Fatalf("tick %d: unexpected message %d: %+v", tick, i, got[i].msg)
			}
		}
		last := tick == len(wantTicks)-1
		if last {
			if len(got) != len(want)+1 {
				t.Fatalf("expected end message on final tick, got %d messages", len(got))
			}
			if _, ok := got[len(want)].msg.(EndMessage); !ok || !got[len(want)].reliable {
				t.Fatalf("expected reliable end, got %+v", got[len(want)])
			}
		} else if len(got) != len(want) {
			t.Fatalf("tick %d: unexpected extra messages: %d", tick, len(got))
		}
	}
	if r.OutgoingCount() != 0 {
		t.Fatalf("finished transfer must be removed")
	}
	if n := r.Pump(4); n != 0 || len(tr.drain()) != 0 {
		t.Fatalf("pump after completion must send nothing")
	}
}

func TestPumpCapIsPerTransfer(t *testing.T) {
	testlog.Start(t)
	r, tr := newOrigin(t)
	if _, err := r.StartBroadcast(makePackets(5, 1), DefaultStreamHeader()); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if _, err := r.StartBroadcast(makePackets(5, 1), DefaultStreamHeader()); err != nil {
		t.Fatalf("start b: %v", err)
	}
	tr.drain()
	if n := r.Pump(2); n != 4 {
		t.Fatalf("expected 2 chunks per transfer, got %d total", n)
	}
	for _, st := range r.ListOutgoing() {
		if st.NextIndex != 2 || st.Total != 5 {
			t.Fatalf("unexpected progress: %+v", st)
		}
	}
}

func TestPumpAbsorbsChunkSendErrors(t *testing.T) {
	testlog.Start(t)
	r, tr := newOrigin(t)
	if _, err := r.StartBroadcast(makePackets(3, 1), DefaultStreamHeader()); err != nil {
		t.Fatalf("start: %v", err)
	}
	tr.mu.Lock()
	tr.fail = map[MessageKind]error{KindChunk: errors.New("datagram refused")}
	tr.mu.Unlock()
	if n := r.Pump(10); n != 3 {
		t.Fatalf("failed chunks still count as sent, got %d", n)
	}
	if tr.count(KindEnd) != 1 {
		t.Fatalf("expected end after drained transfer")
	}
	if r.OutgoingCount() != 0 {
		t.Fatalf("transfer should be finished")
	}
}

func TestTickUsesConfiguredCap(t *testing.T) {
	testlog.Start(t)
	tr := &recordingTransport{}
	r, err := New(Config{PeerID: "origin", Role: RoleOrigin, MaxPacketsPerTick: 3}, tr)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := r.StartBroadcast(makePackets(7, 1), DefaultStreamHeader()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if n := r.Tick(); n != 3 {
		t.Fatalf("expected 3, got %d", n)
	}
	if n := r.Pump(0); n != 3 {
		t.Fatalf("non-positive cap should fall back to config, got %d", n)
	}
}

func TestCancelBroadcastSendsEndOnce(t *testing.T) {
	testlog.Start(t)
	r, tr := newOrigin(t)
	id, err := r.StartBroadcast(makePackets(10, 2), DefaultStreamHeader())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	r.Pump(3)
	r.CancelBroadcast(id)
	r.CancelBroadcast(id)
	if tr.count(KindEnd) != 1 {
		t.Fatalf("expected exactly one end message, got %d", tr.count(KindEnd))
	}
	if r.OutgoingCount() != 0 {
		t.Fatalf("cancelled transfer must be removed")
	}
	r.CancelBroadcast(NewSessionID())
}

func TestReceiverReassemblesPermutedChunks(t *testing.T) {
	testlog.Start(t)
	packets := makePackets(10, 20)
	chunks := BuildChunks(packets)
	r := newObserver(t)
	id := NewSessionID()
	header := DefaultStreamHeader()
	header.NumPackets = len(packets)

	r.HandleStart(id, header)
	for _, idx := range []int{3, 1, 0, 2, 5, 4, 7, 6, 9, 8} {
		r.HandleChunk(id, chunks[idx])
	}
	r.HandleEnd(id)

	got, gotHeader, ok := r.Session(id)
	if !ok {
		t.Fatalf("session missing")
	}
	if gotHeader.NumPackets != 10 {
		t.Fatalf("unexpected header: %+v", gotHeader)
	}
	if len(got) != len(packets) {
		t.Fatalf("expected %d packets, got %d", len(packets), len(got))
	}
	for i := range packets {
		if !bytes.Equal(got[i], packets[i]) {
			t.Fatalf("packet %d mismatch", i)
		}
	}
	st, _ := r.IncomingStatus(id)
	if st.Received != 10 || !st.Ended || !st.Started || st.Populated != 10 {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestReceiverLossAndDuplicates(t *testing.T) {
	testlog.Start(t)
	packets := makePackets(6, 4)
	chunks := BuildChunks(packets)
	r := newObserver(t)
	id := NewSessionID()
	header := DefaultStreamHeader()
	header.NumPackets = len(packets)

	r.HandleStart(id, header)
	r.HandleChunk(id, chunks[0])
	r.HandleChunk(id, chunks[4])
	r.HandleChunk(id, chunks[4])

	got, _, _ := r.Session(id)
	if len(got) != 6 {
		t.Fatalf("buffer should be pre-sized, got %d", len(got))
	}
	for i, p := range got {
		populated := i == 0 || i == 4
		if populated && !bytes.Equal(p, packets[i]) {
			t.Fatalf("slot %d mismatch", i)
		}
		if !populated && p != nil {
			t.Fatalf("slot %d should be empty, got %v", i, p)
		}
	}
	st, _ := r.IncomingStatus(id)
	if st.Received != 3 {
		t.Fatalf("duplicates must count, got received=%d", st.Received)
	}
	if st.Populated != 2 {
		t.Fatalf("expected 2 populated slots, got %d", st.Populated)
	}
}

func TestReceiverAppendsWithoutKnownTotal(t *testing.T) {
	testlog.Start(t)
	r := newObserver(t)
	id := NewSessionID()
	r.HandleStart(id, DefaultStreamHeader())
	r.HandleChunk(id, Chunk{Index: 5, Packet: Packet{5}})
	r.HandleChunk(id, Chunk{Index: 0, Packet: Packet{0}})
	got, _, _ := r.Session(id)
	if len(got) != 2 || got[0][0] != 5 || got[1][0] != 0 {
		t.Fatalf("expected arrival-order append, got %v", got)
	}

	// out-of-range index on a known total also appends
	id2 := NewSessionID()
	header := DefaultStreamHeader()
	header.NumPackets = 2
	r.HandleStart(id2, header)
	r.HandleChunk(id2, Chunk{Index: 7, Packet: Packet{7}})
	got, _, _ = r.Session(id2)
	if len(got) != 3 || got[2][0] != 7 {
		t.Fatalf("expected append past pre-sized buffer, got %v", got)
	}
}

func TestChunkBeforeStartCreatesSession(t *testing.T) {
	testlog.Start(t)
	r := newObserver(t)
	id := NewSessionID()
	r.HandleChunk(id, Chunk{Index: 1, Packet: Packet{1}})
	st, ok := r.IncomingStatus(id)
	if !ok || st.Received != 1 || st.Buffered != 1 {
		t.Fatalf("unexpected lazily created session: %+v ok=%v", st, ok)
	}

	header := DefaultStreamHeader()
	header.NumPackets = 3
	r.HandleStart(id, header)
	st, _ = r.IncomingStatus(id)
	if st.Received != 0 || st.Buffered != 3 {
		t.Fatalf("start must reset the session: %+v", st)
	}
}

func TestObserversSeeEventsIncludingUnknownEnd(t *testing.T) {
	testlog.Start(t)
	r := newObserver(t)
	var started, chunked, ended int
	r.AddObserver(ObserverFuncs{
		OnStarted: func(SessionID, StreamHeader) { started++ },
		OnChunk:   func(SessionID, Chunk) { chunked++ },
		OnEnded:   func(SessionID) { ended++ },
	})
	r.AddObserver(nil)

	id := NewSessionID()
	r.HandleStart(id, DefaultStreamHeader())
	r.HandleChunk(id, Chunk{Index: 0, Packet: Packet{1}})
	r.HandleEnd(id)
	r.HandleEnd(NewSessionID())

	if started != 1 || chunked != 1 || ended != 2 {
		t.Fatalf("unexpected counts: started=%d chunk=%d ended=%d", started, chunked, ended)
	}
}

func TestObserverMayReadSessionDuringCallback(t *testing.T) {
	testlog.Start(t)
	r := newObserver(t)
	var seen int
	r.AddObserver(ObserverFuncs{OnChunk: func(id SessionID, _ Chunk) {
		st, _ := r.IncomingStatus(id)
		seen = st.Received
	}})
	id := NewSessionID()
	r.HandleStart(id, DefaultStreamHeader())
	r.HandleChunk(id, Chunk{Packet: Packet{1}})
	if seen != 1 {
		t.Fatalf("observer should see applied state, got %d", seen)
	}
}

func TestDispatchRoutesMessages(t *testing.T) {
	testlog.Start(t)
	r := newObserver(t)
	id := NewSessionID()
	header := DefaultStreamHeader()
	header.NumPackets = 1
	msgs := []Message{
		StartMessage{SessionID: id, Header: header},
		&ChunkMessage{SessionID: id, Chunk: Chunk{Index: 0, Packet: Packet{9}}},
		EndMessage{SessionID: id},
	}
	for _, m := range msgs {
		if err := r.Dispatch(m); err != nil {
			t.Fatalf("dispatch %s: %v", m.Kind(), err)
		}
	}
	st, ok := r.IncomingStatus(id)
	if !ok || !st.Ended || st.Received != 1 {
		t.Fatalf("unexpected status after dispatch: %+v", st)
	}
	if err := r.Dispatch(nil); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("expected ErrUnknownMessage, got %v", err)
	}
	for _, m := range []Message{(*StartMessage)(nil), (*ChunkMessage)(nil), (*EndMessage)(nil)} {
		if err := r.Dispatch(m); !errors.Is(err, ErrUnknownMessage) {
			t.Fatalf("nil %T: expected ErrUnknownMessage, got %v", m, err)
		}
	}
}

func TestHandleStartIgnoresOversizedTotal(t *testing.T) {
	testlog.Start(t)
	r := newObserver(t)
	id := NewSessionID()
	header := DefaultStreamHeader()
	header.NumPackets = 1 << 30
	if err := r.Dispatch(StartMessage{SessionID: id, Header: header}); err != nil {
		t.Fatalf("dispatch start: %v", err)
	}
	st, ok := r.IncomingStatus(id)
	if !ok || st.Buffered != 0 || st.Header.NumPackets != header.NumPackets {
		t.Fatalf("oversized total must not pre-size the buffer: %+v", st)
	}
	r.HandleChunk(id, Chunk{Index: 7, Packet: Packet{7}})
	r.HandleChunk(id, Chunk{Index: 2, Packet: Packet{2}})
	got, _, _ := r.Session(id)
	if len(got) != 2 || got[0][0] != 7 || got[1][0] != 2 {
		t.Fatalf("expected arrival-order append, got %v", got)
	}
}

func TestMaxPacketsPerSessionBoundsPresize(t *testing.T) {
	testlog.Start(t)
	r, err := New(Config{PeerID: "observer", MaxPacketsPerSession: 4}, &recordingTransport{})
	if err != nil {
		t.Fatalf("new replicator: %v", err)
	}
	small, large := NewSessionID(), NewSessionID()
	header := DefaultStreamHeader()
	header.NumPackets = 4
	r.HandleStart(small, header)
	header.NumPackets = 5
	r.HandleStart(large, header)

	if st, _ := r.IncomingStatus(small); st.Buffered != 4 {
		t.Fatalf("total at the limit should pre-size: %+v", st)
	}
	if st, _ := r.IncomingStatus(large); st.Buffered != 0 {
		t.Fatalf("total over the limit should not pre-size: %+v", st)
	}

	// a chunk racing ahead of an oversized start must not grow the buffer either
	racing := NewSessionID()
	r.HandleChunk(racing, Chunk{Index: 0, Packet: Packet{1}})
	r.HandleStart(racing, header)
	r.HandleChunk(racing, Chunk{Index: 3, Packet: Packet{3}})
	if st, _ := r.IncomingStatus(racing); st.Buffered != 1 || st.Received != 1 {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestClearSessionAndListing(t *testing.T) {
	testlog.Start(t)
	r := newObserver(t)
	a, b := NewSessionID(), NewSessionID()
	r.HandleStart(a, DefaultStreamHeader())
	r.HandleStart(b, DefaultStreamHeader())
	list := r.ListIncoming()
	if len(list) != 2 || list[0].SessionID.String() > list[1].SessionID.String() {
		t.Fatalf("expected sorted listing of two sessions, got %+v", list)
	}
	if !r.ClearSession(a) || r.ClearSession(a) {
		t.Fatalf("clear should succeed once")
	}
	if _, ok := r.IncomingStatus(a); ok {
		t.Fatalf("cleared session still present")
	}
}

func TestSessionReturnsCopies(t *testing.T) {
	testlog.Start(t)
	r := newObserver(t)
	id := NewSessionID()
	header := DefaultStreamHeader()
	header.NumPackets = 1
	r.HandleStart(id, header)
	r.HandleChunk(id, Chunk{Index: 0, Packet: Packet{1, 2}})
	got, _, _ := r.Session(id)
	got[0][0] = 42
	again, _, _ := r.Session(id)
	if again[0][0] != 1 {
		t.Fatalf("session snapshot aliases internal buffer")
	}
}

func TestParseRole(t *testing.T) {
	testlog.Start(t)
	cases := map[string]Role{"origin": RoleOrigin, "owner": RoleOrigin, "observer": RoleObserver, "": RoleObserver}
	for raw, want := range cases {
		got, ok := ParseRole(raw)
		if !ok || got != want {
			t.Fatalf("ParseRole(%q) = %v,%v", raw, got, ok)
		}
	}
	if _, ok := ParseRole("admin"); ok {
		t.Fatalf("expected unknown role to fail")
	}
}
