package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/danmuck/audiocast/internal/codec"
	"github.com/danmuck/audiocast/internal/replicator"
	"github.com/danmuck/audiocast/internal/transport"
	"github.com/danmuck/audiocast/internal/wav"
)

const (
	originPeer   = "wavtool.origin"
	observerPeer = "wavtool.observer"
)

func inspectFile(path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := wav.Inspect(f)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", path, err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(info)
}

func reverseFile(in, out string) error {
	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	reversed, err := wav.Reverse(data)
	if err != nil {
		return fmt.Errorf("reverse %s: %w", in, err)
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return err
	}
	return os.WriteFile(out, reversed, 0o644)
}

type loopbackOptions struct {
	DropPercent int
	Reorder     int
	Cap         int
	Bitrate     int
	FrameMs     int
	Seed        int64
}

type loopbackResult struct {
	Session replicator.SessionID
	Sent    int
	Ticks   int
	Status  replicator.IncomingStatus
}

// loopbackFile broadcasts in from an origin to an observer over an in-process
// hub and writes what the observer reassembled to out.
func loopbackFile(in, out string, opts loopbackOptions) (loopbackResult, error) {
	if opts.DropPercent < 0 || opts.DropPercent > 100 {
		return loopbackResult{}, fmt.Errorf("drop percent %d outside 0..100", opts.DropPercent)
	}
	hub := transport.NewHub(transport.LossPolicy{
		DropProbability: float64(opts.DropPercent) / 100,
		ReorderWindow:   opts.Reorder,
		Seed:            opts.Seed,
	})
	originEP := hub.Join(originPeer)
	observerEP := hub.Join(observerPeer)

	origin, err := replicator.New(replicator.Config{
		PeerID:            originPeer,
		Role:              replicator.RoleOrigin,
		Group:             transport.GroupAll,
		MaxPacketsPerTick: opts.Cap,
		Encoder:           codec.PCM16{},
	}, originEP)
	if err != nil {
		return loopbackResult{}, err
	}
	originEP.Attach(origin)

	observer, err := replicator.New(replicator.Config{
		PeerID: observerPeer,
		Role:   replicator.RoleObserver,
	}, observerEP)
	if err != nil {
		return loopbackResult{}, err
	}
	observerEP.Attach(observer)

	id, err := origin.StartBroadcastFromWAV(in, opts.Bitrate, opts.FrameMs)
	if err != nil {
		return loopbackResult{}, err
	}

	res := loopbackResult{Session: id}
	for origin.OutgoingCount() > 0 {
		res.Sent += origin.Tick()
		res.Ticks++
	}
	hub.Flush()

	packets, header, ok := observer.Session(id)
	if !ok {
		return res, errors.New("observer never saw the session")
	}
	res.Status, _ = observer.IncomingStatus(id)

	samples, err := codec.PCM16{}.DecodePackets(packets, header)
	if err != nil {
		return res, err
	}
	err = wav.WriteFile(out, wav.Audio{
		Samples:    samples,
		SampleRate: header.SampleRate,
		Channels:   header.Channels,
	})
	return res, err
}
