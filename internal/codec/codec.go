// Package codec holds the packet codecs used to turn PCM16 audio into
// replicated packets and back.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/danmuck/audiocast/internal/replicator"
)

var (
	ErrBadSampleRate = errors.New("codec: sample rate must be positive")
	ErrBadChannels   = errors.New("codec: channels must be 1 or 2")
	ErrBadFrameMs    = errors.New("codec: frame duration must be positive")
	ErrOddPacket     = errors.New("codec: packet length is not a whole number of samples")
)

// Encoder turns interleaved PCM16 samples into packets.
type Encoder interface {
	EncodeSamples(samples []int16, sampleRate, channels, bitrate, frameMs int) ([]replicator.Packet, error)
}

// Decoder turns a (possibly lossy) packet buffer back into PCM16 samples.
type Decoder interface {
	DecodePackets(packets []replicator.Packet, header replicator.StreamHeader) ([]int16, error)
}

// PCM16 frames raw little-endian samples into frame-duration packets. Bitrate
// is ignored.
type PCM16 struct{}

var (
	_ Encoder            = PCM16{}
	_ Decoder            = PCM16{}
	_ replicator.Encoder = PCM16{}
)

// FrameSamples is the number of interleaved samples in one nominal frame.
func FrameSamples(sampleRate, channels, frameMs int) int {
	return sampleRate * frameMs / 1000 * channels
}

func validate(sampleRate, channels, frameMs int) error {
	if sampleRate <= 0 {
		return ErrBadSampleRate
	}
	if channels != 1 && channels != 2 {
		return fmt.Errorf("%w: got %d", ErrBadChannels, channels)
	}
	if frameMs <= 0 {
		return ErrBadFrameMs
	}
	if FrameSamples(sampleRate, channels, frameMs) <= 0 {
		return fmt.Errorf("%w: %dms at %dHz holds no samples", ErrBadFrameMs, frameMs, sampleRate)
	}
	return nil
}

// EncodeSamples splits samples into frames of frameMs. The last packet may be short.
func (PCM16) EncodeSamples(samples []int16, sampleRate, channels, bitrate, frameMs int) ([]replicator.Packet, error) {
	if err := validate(sampleRate, channels, frameMs); err != nil {
		return nil, err
	}
	per := FrameSamples(sampleRate, channels, frameMs)
	packets := make([]replicator.Packet, 0, (len(samples)+per-1)/per)
	for start := 0; start < len(samples); start += per {
		end := min(start+per, len(samples))
		p := make(replicator.Packet, (end-start)*2)
		for i, s := range samples[start:end] {
			binary.LittleEndian.PutUint16(p[i*2:], uint16(s))
		}
		packets = append(packets, p)
	}
	return packets, nil
}

// DecodePackets concatenates packets. Missing (nil or empty) packets become one
// nominal frame of silence so gaps keep their duration.
func (PCM16) DecodePackets(packets []replicator.Packet, header replicator.StreamHeader) ([]int16, error) {
	if err := validate(header.SampleRate, header.Channels, header.FrameMs); err != nil {
		return nil, err
	}
	per := FrameSamples(header.SampleRate, header.Channels, header.FrameMs)
	out := make([]int16, 0, len(packets)*per)
	for i, p := range packets {
		if len(p) == 0 {
			out = append(out, make([]int16, per)...)
			continue
		}
		if len(p)%2 != 0 {
			return nil, fmt.Errorf("%w: packet %d has %d bytes", ErrOddPacket, i, len(p))
		}
		for j := 0; j < len(p); j += 2 {
			out = append(out, int16(binary.LittleEndian.Uint16(p[j:])))
		}
	}
	return out, nil
}
