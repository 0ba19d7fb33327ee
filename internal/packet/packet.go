// Package packet implements the fixed-layout header carried by every media
// datagram, plus fragmenting of frames into wire-sized datagrams.
package packet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Wire layout, big-endian, 36-byte header followed by the payload:
//
//	offset 0   1B  payload type (0x01 video, 0x02 audio)
//	offset 1   2B  payload length
//	offset 3  16B  sender client id (raw UUID bytes)
//	offset 19  4B  conference id, zero-padded ASCII
//	offset 23  2B  sequence number, 1-based within a frame
//	offset 25  2B  total fragments for the frame
//	offset 27  8B  sender wall clock, ms since epoch
//	offset 35  1B  reserved, must be zero
const (
	HeaderSize  = 36
	MaxDatagram = 1500
	MaxPayload  = MaxDatagram - HeaderSize

	// ConferenceIDSize is the wire width of the conference id field.
	ConferenceIDSize = 4
)

// PayloadType identifies the media kind carried by a datagram.
type PayloadType byte

const (
	PayloadVideo PayloadType = 0x01
	PayloadAudio PayloadType = 0x02
)

// Valid reports whether t is a known payload type.
func (t PayloadType) Valid() bool {
	return t == PayloadVideo || t == PayloadAudio
}

func (t PayloadType) String() string {
	switch t {
	case PayloadVideo:
		return "video"
	case PayloadAudio:
		return "audio"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(t))
	}
}

var (
	// ErrMalformedHeader reports a datagram that failed structural
	// validation. Specific causes wrap this sentinel.
	ErrMalformedHeader = errors.New("malformed media header")

	// ErrOversizedFrame reports a frame too large to fragment into
	// uint16-countable datagrams.
	ErrOversizedFrame = errors.New("frame exceeds maximum fragmentable size")

	// ErrConferenceIDTooLong reports a conference id wider than the wire field.
	ErrConferenceIDTooLong = errors.New("conference id exceeds wire field")
)

// Header is the parsed form of the fixed datagram header.
type Header struct {
	PayloadType    PayloadType
	PayloadLength  uint16
	ClientID       uuid.UUID
	ConferenceID   string
	SequenceNumber uint16
	TotalFragments uint16
	Timestamp      int64 // sender wall clock, ms since epoch
}

// FrameKey identifies one logical frame in flight. Fragments of the same
// frame share the key.
type FrameKey struct {
	ClientID     uuid.UUID
	ConferenceID string
	Timestamp    int64
}

// Key returns the frame key of the fragment described by h.
func (h Header) Key() FrameKey {
	return FrameKey{ClientID: h.ClientID, ConferenceID: h.ConferenceID, Timestamp: h.Timestamp}
}

// Marshal encodes h followed by payload into a single datagram. The
// PayloadLength field is taken from len(payload); h.PayloadLength is
// ignored. Payloads larger than MaxPayload are allowed, since audio
// frames travel whole in a single datagram and leave fragmentation to
// the IP layer, but must fit the 2-byte length field.
func Marshal(h Header, payload []byte) ([]byte, error) {
	if len(payload) > 0xFFFF {
		return nil, fmt.Errorf("payload %d bytes: %w", len(payload), ErrOversizedFrame)
	}
	if len(h.ConferenceID) > ConferenceIDSize {
		return nil, fmt.Errorf("conference id %q: %w", h.ConferenceID, ErrConferenceIDTooLong)
	}

	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = byte(h.PayloadType)
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(payload)))
	copy(buf[3:19], h.ClientID[:])
	copy(buf[19:23], h.ConferenceID) // remainder stays zero-padded
	binary.BigEndian.PutUint16(buf[23:25], h.SequenceNumber)
	binary.BigEndian.PutUint16(buf[25:27], h.TotalFragments)
	binary.BigEndian.PutUint64(buf[27:35], uint64(h.Timestamp))
	buf[35] = 0
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// Parse validates and decodes the header of one datagram. The returned
// payload aliases b; callers that retain it past the read buffer's reuse
// must copy.
func Parse(b []byte) (Header, []byte, error) {
	if len(b) < HeaderSize {
		return Header{}, nil, fmt.Errorf("%w: %d bytes", ErrMalformedHeader, len(b))
	}

	h := Header{
		PayloadType:    PayloadType(b[0]),
		PayloadLength:  binary.BigEndian.Uint16(b[1:3]),
		SequenceNumber: binary.BigEndian.Uint16(b[23:25]),
		TotalFragments: binary.BigEndian.Uint16(b[25:27]),
		Timestamp:      int64(binary.BigEndian.Uint64(b[27:35])),
	}
	copy(h.ClientID[:], b[3:19])
	h.ConferenceID = string(bytes.TrimRight(b[19:23], "\x00"))

	if !h.PayloadType.Valid() {
		return Header{}, nil, fmt.Errorf("%w: payload type 0x%02x", ErrMalformedHeader, b[0])
	}
	if b[35] != 0 {
		return Header{}, nil, fmt.Errorf("%w: reserved byte 0x%02x", ErrMalformedHeader, b[35])
	}
	if int(h.PayloadLength) != len(b)-HeaderSize {
		return Header{}, nil, fmt.Errorf("%w: declared payload %d, got %d",
			ErrMalformedHeader, h.PayloadLength, len(b)-HeaderSize)
	}

	return h, b[HeaderSize:], nil
}

// Fragment splits frame into datagrams of at most MaxDatagram bytes, with
// 1-based sequence numbers sharing the (clientID, conferenceID, timestamp)
// frame key. An exact multiple of the payload capacity carries a trailing
// empty fragment, so totalFragments = len(frame)/MaxPayload + 1 always.
func Fragment(pt PayloadType, clientID uuid.UUID, conferenceID string, timestamp int64, frame []byte) ([][]byte, error) {
	if len(conferenceID) > ConferenceIDSize {
		return nil, fmt.Errorf("conference id %q: %w", conferenceID, ErrConferenceIDTooLong)
	}

	total := len(frame)/MaxPayload + 1
	if total > 0xFFFF {
		return nil, fmt.Errorf("frame %d bytes: %w", len(frame), ErrOversizedFrame)
	}

	h := Header{
		PayloadType:    pt,
		ClientID:       clientID,
		ConferenceID:   conferenceID,
		TotalFragments: uint16(total),
		Timestamp:      timestamp,
	}

	out := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * MaxPayload
		end := start + MaxPayload
		if end > len(frame) {
			end = len(frame)
		}
		h.SequenceNumber = uint16(i + 1)
		d, err := Marshal(h, frame[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
