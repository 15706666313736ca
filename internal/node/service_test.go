package node

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/danmuck/audiocast/internal/replicator"
	"github.com/danmuck/audiocast/internal/testutil/testlog"
	"github.com/danmuck/audiocast/internal/transport"
)

func testConfig(id string, role replicator.Role) ServiceConfig {
	cfg := DefaultServiceConfig()
	cfg.PeerID = id
	cfg.Role = role
	cfg.TickInterval = 5 * time.Millisecond
	cfg.MaxPacketsPerTick = 2
	cfg.ReliableAddr = "127.0.0.1:0"
	cfg.DatagramAddr = "127.0.0.1:0"
	cfg.AdminAddr = ""
	cfg.Session.ConnectTimeout = time.Second
	cfg.Session.Backoff.InitialDelay = 10 * time.Millisecond
	return cfg
}

func TestServiceConfigValidate(t *testing.T) {
	testlog.Start(t)
	if err := DefaultServiceConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	cfg := DefaultServiceConfig()
	cfg.TickInterval = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected tick interval error")
	}
	cfg = DefaultServiceConfig()
	cfg.Peers = []transport.Peer{{ID: cfg.PeerID}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected self-peer error")
	}
}

func TestServicesReplicateOnTicker(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	obs, err := NewService(testConfig("obs", replicator.RoleObserver))
	if err != nil {
		t.Fatalf("observer service: %v", err)
	}
	if err := obs.Transport().Listen(); err != nil {
		t.Fatalf("observer listen: %v", err)
	}
	obsDone := make(chan error, 1)
	go func() { obsDone <- obs.Serve(ctx) }()

	originCfg := testConfig("origin", replicator.RoleOrigin)
	originCfg.ReliableAddr = ""
	originCfg.Peers = []transport.Peer{{
		ID:       "obs",
		Reliable: obs.Transport().ReliableAddr(),
		Datagram: obs.Transport().DatagramAddr(),
	}}
	origin, err := NewService(originCfg)
	if err != nil {
		t.Fatalf("origin service: %v", err)
	}
	if err := origin.Transport().Listen(); err != nil {
		t.Fatalf("origin listen: %v", err)
	}

	in := make([]replicator.Packet, 7)
	for i := range in {
		in[i] = bytes.Repeat([]byte{byte(i)}, 32)
	}
	id, err := origin.Replicator().StartBroadcast(in, replicator.DefaultStreamHeader())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, ok := obs.Replicator().IncomingStatus(id); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("observer never saw start")
		}
		time.Sleep(5 * time.Millisecond)
	}

	originDone := make(chan error, 1)
	go func() { originDone <- origin.Serve(ctx) }()

	for {
		st, _ := obs.Replicator().IncomingStatus(id)
		if st.Ended && st.Populated == len(in) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("replication incomplete: %+v", st)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if origin.Replicator().OutgoingCount() != 0 {
		t.Fatalf("origin should have finished the transfer")
	}

	cancel()
	for _, ch := range []chan error{obsDone, originDone} {
		select {
		case err := <-ch:
			if err != nil {
				t.Fatalf("serve returned error: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("service did not stop")
		}
	}
}

func TestLogObserverTracksPending(t *testing.T) {
	testlog.Start(t)
	o := NewLogObserver("peer")
	id := replicator.NewSessionID()
	o.TransferStarted(id, replicator.StreamHeader{NumPackets: 3})
	o.ChunkReceived(id, replicator.Chunk{})
	if o.Pending() != 1 {
		t.Fatalf("expected one pending transfer")
	}
	o.TransferEnded(id)
	o.TransferEnded(replicator.NewSessionID())
	if o.Pending() != 0 {
		t.Fatalf("expected no pending transfers")
	}
}
