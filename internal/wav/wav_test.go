package wav

import (
	"bytes"
	"encoding/binary"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/audiocast/internal/testutil/testlog"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := Audio{Samples: []int16{0, 1, -1, 32767, -32768, 1234, -4321, 7}, SampleRate: 44100, Channels: 2}

	data, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(data) != headerSize+len(in.Samples)*2 {
		t.Fatalf("unexpected encoded size: %d", len(data))
	}
	out, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.SampleRate != in.SampleRate || out.Channels != in.Channels {
		t.Fatalf("format mismatch: got %d/%d", out.SampleRate, out.Channels)
	}
	if len(out.Samples) != len(in.Samples) {
		t.Fatalf("sample count mismatch: %d != %d", len(out.Samples), len(in.Samples))
	}
	for i := range in.Samples {
		if out.Samples[i] != in.Samples[i] {
			t.Fatalf("sample %d mismatch: %d != %d", i, out.Samples[i], in.Samples[i])
		}
	}
}

func TestWriteFileCreatesParentsAndReadFile(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "nested", "dir", "tone.wav")
	in := Audio{Samples: []int16{10, 20, 30}, SampleRate: 16000, Channels: 1}
	if err := WriteFile(path, in); err != nil {
		t.Fatalf("write file: %v", err)
	}
	out, err := ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if out.Frames() != 3 || out.SampleRate != 16000 {
		t.Fatalf("unexpected audio: %+v", out)
	}
}

func TestDecodeSkipsUnknownChunksAndAnyOrder(t *testing.T) {
	testlog.Start(t)
	var body bytes.Buffer
	body.WriteString("WAVE")
	// odd-sized LIST chunk forces a pad byte
	body.WriteString("LIST")
	putU32(&body, 3)
	body.Write([]byte{1, 2, 3, 0})
	body.WriteString("data")
	putU32(&body, 4)
	body.Write([]byte{0x01, 0x00, 0xff, 0xff})
	body.WriteString("fmt ")
	putU32(&body, 16)
	putU16(&body, 1)
	putU16(&body, 1)
	putU32(&body, 8000)
	putU32(&body, 16000)
	putU16(&body, 2)
	putU16(&body, 16)

	data := riff(body.Bytes())
	a, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if a.SampleRate != 8000 || a.Channels != 1 {
		t.Fatalf("unexpected format: %+v", a)
	}
	if len(a.Samples) != 2 || a.Samples[0] != 1 || a.Samples[1] != -1 {
		t.Fatalf("unexpected samples: %v", a.Samples)
	}
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	testlog.Start(t)
	good, err := Encode(Audio{Samples: []int16{1, 2, 3, 4}, SampleRate: 8000, Channels: 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	mutate := func(f func(b []byte) []byte) []byte {
		cp := append([]byte(nil), good...)
		return f(cp)
	}

	cases := []struct {
		name string
		data []byte
		want error
	}{
		{"short", good[:20], ErrTooShort},
		{"riff", mutate(func(b []byte) []byte { copy(b[0:4], "RIFX"); return b }), ErrNotRIFF},
		{"wave", mutate(func(b []byte) []byte { copy(b[8:12], "AVI "); return b }), ErrNotWAVE},
		{"format", mutate(func(b []byte) []byte { binary.LittleEndian.PutUint16(b[20:22], 3); return b }), ErrUnsupportedFormat},
		{"bits", mutate(func(b []byte) []byte { binary.LittleEndian.PutUint16(b[34:36], 24); return b }), ErrUnsupportedBits},
		{"channels", mutate(func(b []byte) []byte { binary.LittleEndian.PutUint16(b[22:24], 6); return b }), ErrUnsupportedChannels},
		{"truncated", mutate(func(b []byte) []byte { binary.LittleEndian.PutUint32(b[40:44], 4096); return b }), ErrTruncatedChunk},
		{"missing", mutate(func(b []byte) []byte { copy(b[36:40], "junk"); return b }), ErrMissingChunk},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.data); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestInspectReportsDuration(t *testing.T) {
	testlog.Start(t)
	samples := make([]int16, 16000*2) // one second of stereo at 16kHz
	data, err := Encode(Audio{Samples: samples, SampleRate: 16000, Channels: 2})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	info, err := Inspect(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if info.Duration != time.Second {
		t.Fatalf("expected 1s, got %v", info.Duration)
	}
	if info.DataBytes != len(samples)*2 || info.BitsPerSample != 16 || info.Channels != 2 {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestReverseFlipsFramesAndKeepsChannelsTogether(t *testing.T) {
	testlog.Start(t)
	in := Audio{Samples: []int16{1, -1, 2, -2, 3, -3}, SampleRate: 8000, Channels: 2}
	data, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	rev, err := Reverse(data)
	if err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if len(rev) != len(data) {
		t.Fatalf("size changed: %d != %d", len(rev), len(data))
	}
	if got := binary.LittleEndian.Uint32(rev[4:8]); int(got) != len(rev)-8 {
		t.Fatalf("riff size not rewritten: %d", got)
	}
	out, err := Decode(rev)
	if err != nil {
		t.Fatalf("decode reversed: %v", err)
	}
	want := []int16{3, -3, 2, -2, 1, -1}
	for i := range want {
		if out.Samples[i] != want[i] {
			t.Fatalf("sample %d: got %d want %d", i, out.Samples[i], want[i])
		}
	}
}

func riff(body []byte) []byte {
	var out bytes.Buffer
	out.WriteString("RIFF")
	putU32(&out, uint32(len(body)))
	out.Write(body)
	return out.Bytes()
}
