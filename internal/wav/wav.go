// Package wav reads and writes 16-bit PCM RIFF/WAVE containers.
package wav

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

const (
	headerSize    = 44
	formatPCM     = 1
	bitsPerSample = 16
)

var (
	ErrTooShort            = errors.New("wav: data too short")
	ErrNotRIFF             = errors.New("wav: missing RIFF header")
	ErrNotWAVE             = errors.New("wav: missing WAVE format")
	ErrUnsupportedFormat   = errors.New("wav: only PCM format is supported")
	ErrUnsupportedBits     = errors.New("wav: only 16-bit samples are supported")
	ErrUnsupportedChannels = errors.New("wav: only mono or stereo is supported")
	ErrTruncatedChunk      = errors.New("wav: truncated chunk")
	ErrMissingChunk        = errors.New("wav: missing fmt or data chunk")
	ErrBadSampleRate       = errors.New("wav: sample rate must be positive")
)

// Audio is interleaved PCM16 audio.
type Audio struct {
	Samples    []int16
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames (one sample per channel).
func (a Audio) Frames() int {
	if a.Channels <= 0 {
		return 0
	}
	return len(a.Samples) / a.Channels
}

func (a Audio) Duration() time.Duration {
	if a.SampleRate <= 0 {
		return 0
	}
	return time.Duration(a.Frames()) * time.Second / time.Duration(a.SampleRate)
}

// Info describes a container without decoding its samples.
type Info struct {
	AudioFormat   int           `json:"audio_format"`
	Channels      int           `json:"channels"`
	SampleRate    int           `json:"sample_rate"`
	BitsPerSample int           `json:"bits_per_sample"`
	DataBytes     int           `json:"data_bytes"`
	Duration      time.Duration `json:"duration"`
}

type chunk struct {
	id     string
	offset int // start of payload
	size   int
}

type fmtChunk struct {
	audioFormat   int
	channels      int
	sampleRate    int
	blockAlign    int
	bitsPerSample int
}

// scan walks the RIFF sub-chunks of data. Unknown chunks are kept in order so
// callers that rewrite the file can copy them through.
func scan(data []byte) ([]chunk, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: need at least %d bytes, got %d", ErrTooShort, headerSize, len(data))
	}
	if string(data[0:4]) != "RIFF" {
		return nil, ErrNotRIFF
	}
	if string(data[8:12]) != "WAVE" {
		return nil, ErrNotWAVE
	}

	var chunks []chunk
	cursor := 12
	for cursor+8 <= len(data) {
		id := string(data[cursor : cursor+4])
		size := int(binary.LittleEndian.Uint32(data[cursor+4 : cursor+8]))
		start := cursor + 8
		if size < 0 || start+size > len(data) {
			return nil, fmt.Errorf("%w: %q declares %d bytes at offset %d", ErrTruncatedChunk, id, size, start)
		}
		chunks = append(chunks, chunk{id: id, offset: start, size: size})
		cursor = start + size
		if size%2 == 1 {
			cursor++
		}
	}
	return chunks, nil
}

func parseFmt(data []byte, c chunk) (fmtChunk, error) {
	if c.size < 16 {
		return fmtChunk{}, fmt.Errorf("%w: fmt chunk is %d bytes", ErrTruncatedChunk, c.size)
	}
	b := data[c.offset : c.offset+c.size]
	f := fmtChunk{
		audioFormat:   int(binary.LittleEndian.Uint16(b[0:2])),
		channels:      int(binary.LittleEndian.Uint16(b[2:4])),
		sampleRate:    int(binary.LittleEndian.Uint32(b[4:8])),
		blockAlign:    int(binary.LittleEndian.Uint16(b[12:14])),
		bitsPerSample: int(binary.LittleEndian.Uint16(b[14:16])),
	}
	return f, nil
}

func (f fmtChunk) validate() error {
	if f.audioFormat != formatPCM {
		return fmt.Errorf("%w: format=%d", ErrUnsupportedFormat, f.audioFormat)
	}
	if f.bitsPerSample != bitsPerSample {
		return fmt.Errorf("%w: bits=%d", ErrUnsupportedBits, f.bitsPerSample)
	}
	if f.channels != 1 && f.channels != 2 {
		return fmt.Errorf("%w: channels=%d", ErrUnsupportedChannels, f.channels)
	}
	if f.sampleRate <= 0 {
		return ErrBadSampleRate
	}
	return nil
}

// locate returns the parsed fmt chunk and the data chunk.
func locate(data []byte) (fmtChunk, chunk, []chunk, error) {
	chunks, err := scan(data)
	if err != nil {
		return fmtChunk{}, chunk{}, nil, err
	}
	var (
		f                 fmtChunk
		dc                chunk
		haveFmt, haveData bool
	)
	for _, c := range chunks {
		switch c.id {
		case "fmt ":
			f, err = parseFmt(data, c)
			if err != nil {
				return fmtChunk{}, chunk{}, nil, err
			}
			haveFmt = true
		case "data":
			dc = c
			haveData = true
		}
	}
	if !haveFmt || !haveData {
		return fmtChunk{}, chunk{}, nil, ErrMissingChunk
	}
	return f, dc, chunks, nil
}

// Decode parses a complete container held in memory.
func Decode(data []byte) (Audio, error) {
	f, dc, _, err := locate(data)
	if err != nil {
		return Audio{}, err
	}
	if err := f.validate(); err != nil {
		return Audio{}, err
	}
	n := dc.size / 2
	samples := make([]int16, n)
	payload := data[dc.offset : dc.offset+n*2]
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(payload[i*2:]))
	}
	return Audio{Samples: samples, SampleRate: f.sampleRate, Channels: f.channels}, nil
}

func Read(r io.Reader) (Audio, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Audio{}, fmt.Errorf("wav: read: %w", err)
	}
	return Decode(data)
}

func ReadFile(path string) (Audio, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Audio{}, fmt.Errorf("wav: read %s: %w", path, err)
	}
	a, err := Decode(data)
	if err != nil {
		return Audio{}, fmt.Errorf("%s: %w", path, err)
	}
	return a, nil
}

// Encode renders a canonical 44-byte header followed by the samples.
func Encode(a Audio) ([]byte, error) {
	if a.SampleRate <= 0 {
		return nil, ErrBadSampleRate
	}
	if a.Channels != 1 && a.Channels != 2 {
		return nil, fmt.Errorf("%w: channels=%d", ErrUnsupportedChannels, a.Channels)
	}
	blockAlign := a.Channels * bitsPerSample / 8
	dataBytes := len(a.Samples) * 2

	buf := bytes.NewBuffer(make([]byte, 0, headerSize+dataBytes))
	buf.WriteString("RIFF")
	putU32(buf, uint32(36+dataBytes))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	putU32(buf, 16)
	putU16(buf, formatPCM)
	putU16(buf, uint16(a.Channels))
	putU32(buf, uint32(a.SampleRate))
	putU32(buf, uint32(a.SampleRate*blockAlign))
	putU16(buf, uint16(blockAlign))
	putU16(buf, bitsPerSample)
	buf.WriteString("data")
	putU32(buf, uint32(dataBytes))
	if err := binary.Write(buf, binary.LittleEndian, a.Samples); err != nil {
		return nil, fmt.Errorf("wav: write samples: %w", err)
	}
	return buf.Bytes(), nil
}

func Write(w io.Writer, a Audio) error {
	data, err := Encode(a)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// WriteFile writes a to path, creating parent directories.
func WriteFile(path string, a Audio) error {
	data, err := Encode(a)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("wav: mkdir %s: %w", dir, err)
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// Inspect reports container metadata. Unlike Decode it accepts any PCM layout
// the fmt chunk declares, so it can describe files Decode would reject.
func Inspect(r io.Reader) (Info, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Info{}, fmt.Errorf("wav: read: %w", err)
	}
	f, dc, _, err := locate(data)
	if err != nil {
		return Info{}, err
	}
	info := Info{
		AudioFormat:   f.audioFormat,
		Channels:      f.channels,
		SampleRate:    f.sampleRate,
		BitsPerSample: f.bitsPerSample,
		DataBytes:     dc.size,
	}
	if bytesPerSec := f.sampleRate * f.channels * f.bitsPerSample / 8; bytesPerSec > 0 {
		info.Duration = time.Duration(dc.size) * time.Second / time.Duration(bytesPerSec)
	}
	return info, nil
}

// Reverse returns a copy of data with the sample frames of its data chunk in
// reverse order. Other chunks are copied through unchanged.
func Reverse(data []byte) ([]byte, error) {
	f, dc, chunks, err := locate(data)
	if err != nil {
		return nil, err
	}
	if f.audioFormat != formatPCM {
		return nil, fmt.Errorf("%w: format=%d", ErrUnsupportedFormat, f.audioFormat)
	}
	frame := f.blockAlign
	if frame <= 0 {
		frame = f.channels * f.bitsPerSample / 8
	}
	if frame <= 0 {
		return nil, fmt.Errorf("%w: block align %d", ErrUnsupportedFormat, f.blockAlign)
	}

	out := bytes.NewBuffer(make([]byte, 0, len(data)))
	out.WriteString("RIFF")
	putU32(out, 0) // patched below
	out.WriteString("WAVE")
	for _, c := range chunks {
		out.WriteString(c.id)
		putU32(out, uint32(c.size))
		payload := data[c.offset : c.offset+c.size]
		if c.offset == dc.offset {
			payload = reverseFrames(payload, frame)
		}
		out.Write(payload)
		if c.size%2 == 1 {
			out.WriteByte(0)
		}
	}
	b := out.Bytes()
	binary.LittleEndian.PutUint32(b[4:8], uint32(len(b)-8))
	return b, nil
}

// reverseFrames leaves a trailing partial frame in place.
func reverseFrames(payload []byte, frame int) []byte {
	out := make([]byte, len(payload))
	n := len(payload) / frame
	for i := 0; i < n; i++ {
		src := payload[i*frame : (i+1)*frame]
		copy(out[(n-1-i)*frame:], src)
	}
	copy(out[n*frame:], payload[n*frame:])
	return out
}

func putU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func putU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}
