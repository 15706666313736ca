package schema

import (
	"fmt"

	"github.com/danmuck/audiocast/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs carried in frame.Header.MessageType.
const (
	MsgTransferStart uint32 = 1
	MsgTransferChunk uint32 = 2
	MsgTransferEnd   uint32 = 3
)

// Field IDs.
const (
	FieldSessionID uint16 = 1
	FieldOrigin    uint16 = 2

	FieldSampleRate uint16 = 100
	FieldChannels   uint16 = 101
	FieldBitrate    uint16 = 102
	FieldFrameMs    uint16 = 103
	FieldNumPackets uint16 = 104

	FieldChunkIndex uint16 = 200
	FieldPacket     uint16 = 201
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgTransferStart: {
		{FieldSessionID, tlv.TypeBytes},
		{FieldOrigin, tlv.TypeString},
		{FieldSampleRate, tlv.TypeU32},
		{FieldChannels, tlv.TypeU32},
		{FieldBitrate, tlv.TypeU32},
		{FieldFrameMs, tlv.TypeU32},
		{FieldNumPackets, tlv.TypeU32},
	},
	MsgTransferChunk: {
		{FieldSessionID, tlv.TypeBytes},
		{FieldOrigin, tlv.TypeString},
		{FieldChunkIndex, tlv.TypeU32},
		{FieldPacket, tlv.TypeBytes},
	},
	MsgTransferEnd: {
		{FieldSessionID, tlv.TypeBytes},
		{FieldOrigin, tlv.TypeString},
	},
}

// Validate enforces required fields and their types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Debug().Uint32("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
