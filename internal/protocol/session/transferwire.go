package session

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/audiocast/internal/protocol/frame"
	"github.com/danmuck/audiocast/internal/protocol/schema"
	"github.com/danmuck/audiocast/internal/protocol/tlv"
	"github.com/danmuck/audiocast/internal/replicator"
	"github.com/google/uuid"
)

// MaxNumPackets is the largest packet total or chunk index carried on the wire.
const MaxNumPackets = 1 << 24

var (
	ErrUnknownMessageType = errors.New("session: unknown transfer message type")
	ErrBadSessionID       = errors.New("session: malformed session id")
	ErrNegativeField      = errors.New("session: negative value cannot be encoded")
	ErrFieldRange         = errors.New("session: field value out of range")
)

func EncodeStartFrame(messageID uint64, msg replicator.StartMessage) ([]byte, error) {
	h := msg.Header
	for _, v := range []int{h.SampleRate, h.Channels, h.Bitrate, h.FrameMs, h.NumPackets} {
		if v < 0 {
			return nil, fmt.Errorf("%w: header %+v", ErrNegativeField, h)
		}
	}
	if h.NumPackets > MaxNumPackets {
		return nil, fmt.Errorf("%w: num_packets %d > %d", ErrFieldRange, h.NumPackets, MaxNumPackets)
	}
	fields := []tlv.Field{
		sessionField(msg.SessionID),
		tlv.String(schema.FieldOrigin, msg.Origin),
		tlv.U32(schema.FieldSampleRate, uint32(h.SampleRate)),
		tlv.U32(schema.FieldChannels, uint32(h.Channels)),
		tlv.U32(schema.FieldBitrate, uint32(h.Bitrate)),
		tlv.U32(schema.FieldFrameMs, uint32(h.FrameMs)),
		tlv.U32(schema.FieldNumPackets, uint32(h.NumPackets)),
	}
	return encode(messageID, schema.MsgTransferStart, 0, fields, frame.DefaultLimits())
}

func DecodeStartFrame(f frame.Frame) (replicator.StartMessage, error) {
	fields, err := decodeFields(f, schema.MsgTransferStart)
	if err != nil {
		return replicator.StartMessage{}, err
	}
	id, err := sessionFrom(fields)
	if err != nil {
		return replicator.StartMessage{}, err
	}
	var h replicator.StreamHeader
	targets := []struct {
		id  uint16
		dst *int
	}{
		{schema.FieldSampleRate, &h.SampleRate},
		{schema.FieldChannels, &h.Channels},
		{schema.FieldBitrate, &h.Bitrate},
		{schema.FieldFrameMs, &h.FrameMs},
		{schema.FieldNumPackets, &h.NumPackets},
	}
	for _, tgt := range targets {
		v, err := requiredU32(fields, tgt.id)
		if err != nil {
			return replicator.StartMessage{}, err
		}
		*tgt.dst = int(v)
	}
	if h.NumPackets > MaxNumPackets {
		return replicator.StartMessage{}, fmt.Errorf("%w: num_packets %d > %d", ErrFieldRange, h.NumPackets, MaxNumPackets)
	}
	return replicator.StartMessage{
		SessionID: id,
		Origin:    getRequiredString(fields, schema.FieldOrigin),
		Header:    h,
	}, nil
}

// EncodeChunkFrame marks the frame unreliable and enforces datagram limits.
func EncodeChunkFrame(messageID uint64, msg replicator.ChunkMessage) ([]byte, error) {
	if msg.Chunk.Index < 0 {
		return nil, fmt.Errorf("%w: chunk index %d", ErrNegativeField, msg.Chunk.Index)
	}
	if msg.Chunk.Index >= MaxNumPackets {
		return nil, fmt.Errorf("%w: chunk index %d", ErrFieldRange, msg.Chunk.Index)
	}
	fields := []tlv.Field{
		sessionField(msg.SessionID),
		tlv.String(schema.FieldOrigin, msg.Origin),
		tlv.U32(schema.FieldChunkIndex, uint32(msg.Chunk.Index)),
		tlv.Bytes(schema.FieldPacket, msg.Chunk.Packet),
	}
	return encode(messageID, schema.MsgTransferChunk, frame.FlagUnreliable, fields, frame.DatagramLimits())
}

func DecodeChunkFrame(f frame.Frame) (replicator.ChunkMessage, error) {
	fields, err := decodeFields(f, schema.MsgTransferChunk)
	if err != nil {
		return replicator.ChunkMessage{}, err
	}
	id, err := sessionFrom(fields)
	if err != nil {
		return replicator.ChunkMessage{}, err
	}
	idx, err := requiredU32(fields, schema.FieldChunkIndex)
	if err != nil {
		return replicator.ChunkMessage{}, err
	}
	if idx >= MaxNumPackets {
		return replicator.ChunkMessage{}, fmt.Errorf("%w: chunk index %d", ErrFieldRange, idx)
	}
	packet, _ := tlv.GetField(fields, schema.FieldPacket)
	return replicator.ChunkMessage{
		SessionID: id,
		Origin:    getRequiredString(fields, schema.FieldOrigin),
		Chunk:     replicator.Chunk{Index: int(idx), Packet: replicator.Packet(packet.Value)},
	}, nil
}

func EncodeEndFrame(messageID uint64, msg replicator.EndMessage) ([]byte, error) {
	fields := []tlv.Field{
		sessionField(msg.SessionID),
		tlv.String(schema.FieldOrigin, msg.Origin),
	}
	return encode(messageID, schema.MsgTransferEnd, 0, fields, frame.DefaultLimits())
}

func DecodeEndFrame(f frame.Frame) (replicator.EndMessage, error) {
	fields, err := decodeFields(f, schema.MsgTransferEnd)
	if err != nil {
		return replicator.EndMessage{}, err
	}
	id, err := sessionFrom(fields)
	if err != nil {
		return replicator.EndMessage{}, err
	}
	return replicator.EndMessage{
		SessionID: id,
		Origin:    getRequiredString(fields, schema.FieldOrigin),
	}, nil
}

// EncodeMessage picks the frame encoder for msg's kind.
func EncodeMessage(messageID uint64, msg replicator.Message) ([]byte, error) {
	switch m := msg.(type) {
	case replicator.StartMessage:
		return EncodeStartFrame(messageID, m)
	case *replicator.StartMessage:
		if m == nil {
			return nil, fmt.Errorf("%w: nil %T", ErrUnknownMessageType, msg)
		}
		return EncodeStartFrame(messageID, *m)
	case replicator.ChunkMessage:
		return EncodeChunkFrame(messageID, m)
	case *replicator.ChunkMessage:
		if m == nil {
			return nil, fmt.Errorf("%w: nil %T", ErrUnknownMessageType, msg)
		}
		return EncodeChunkFrame(messageID, *m)
	case replicator.EndMessage:
		return EncodeEndFrame(messageID, m)
	case *replicator.EndMessage:
		if m == nil {
			return nil, fmt.Errorf("%w: nil %T", ErrUnknownMessageType, msg)
		}
		return EncodeEndFrame(messageID, *m)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessageType, msg)
	}
}

// DecodeMessage turns a validated frame back into a replicator message.
func DecodeMessage(f frame.Frame) (replicator.Message, error) {
	switch f.Header.MessageType {
	case schema.MsgTransferStart:
		return DecodeStartFrame(f)
	case schema.MsgTransferChunk:
		return DecodeChunkFrame(f)
	case schema.MsgTransferEnd:
		return DecodeEndFrame(f)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, f.Header.MessageType)
	}
}

func encode(messageID uint64, messageType, flags uint32, fields []tlv.Field, limits frame.Limits) ([]byte, error) {
	if err := schema.Validate(messageType, fields); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	err := frame.WriteFrame(&buf, frame.Frame{
		Header: frame.Header{
			MessageID:   messageID,
			MessageType: messageType,
			Flags:       flags,
		},
		Payload: tlv.EncodeFields(fields),
	}, limits)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeFields(f frame.Frame, messageType uint32) ([]tlv.Field, error) {
	if f.Header.MessageType != messageType {
		return nil, fmt.Errorf("%w: got %d want %d", ErrUnknownMessageType, f.Header.MessageType, messageType)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(messageType, fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func sessionField(id replicator.SessionID) tlv.Field {
	b, _ := id.MarshalBinary()
	return tlv.Bytes(schema.FieldSessionID, b)
}

func sessionFrom(fields []tlv.Field) (replicator.SessionID, error) {
	f, _ := tlv.GetField(fields, schema.FieldSessionID)
	id, err := uuid.FromBytes(f.Value)
	if err != nil {
		return replicator.SessionID{}, fmt.Errorf("%w: %v", ErrBadSessionID, err)
	}
	return id, nil
}

func requiredU32(fields []tlv.Field, id uint16) (uint32, error) {
	f, _ := tlv.GetField(fields, id)
	return tlv.U32FromBytes(f.Value)
}

func getRequiredString(fields []tlv.Field, id uint16) string {
	f, _ := tlv.GetField(fields, id)
	return strings.TrimSpace(string(f.Value))
}
