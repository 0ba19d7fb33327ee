package packet

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestHeaderRoundTrip(t *testing.T) {
	sender := uuid.New()

	tests := []struct {
		name    string
		header  Header
		payload []byte
	}{
		{
			name: "video fragment",
			header: Header{
				PayloadType:    PayloadVideo,
				PayloadLength:  900,
				ClientID:       sender,
				ConferenceID:   "m-1",
				SequenceNumber: 2,
				TotalFragments: 3,
				Timestamp:      1_700_000_000_000,
			},
			payload: bytes.Repeat([]byte{0xAB}, 900),
		},
		{
			name: "audio frame",
			header: Header{
				PayloadType:    PayloadAudio,
				PayloadLength:  64,
				ClientID:       sender,
				ConferenceID:   "m-42",
				SequenceNumber: 0,
				TotalFragments: 1,
				Timestamp:      1,
			},
			payload: bytes.Repeat([]byte{0x01, 0x02}, 32),
		},
		{
			name: "empty payload",
			header: Header{
				PayloadType:    PayloadVideo,
				ClientID:       sender,
				ConferenceID:   "m-9",
				SequenceNumber: 1,
				TotalFragments: 1,
				Timestamp:      9_999_999_999_999,
			},
			payload: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Marshal(tt.header, tt.payload)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if len(b) != HeaderSize+len(tt.payload) {
				t.Fatalf("datagram length = %d, want %d", len(b), HeaderSize+len(tt.payload))
			}

			got, payload, err := Parse(b)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if got != tt.header {
				t.Errorf("header = %+v, want %+v", got, tt.header)
			}
			if !bytes.Equal(payload, tt.payload) {
				t.Errorf("payload mismatch: got %d bytes, want %d", len(payload), len(tt.payload))
			}
		})
	}
}

func TestParseRejects(t *testing.T) {
	valid, err := Marshal(Header{
		PayloadType:    PayloadVideo,
		ClientID:       uuid.New(),
		ConferenceID:   "m-1",
		SequenceNumber: 1,
		TotalFragments: 1,
		Timestamp:      1_700_000_000_000,
	}, []byte("abc"))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"short datagram", func(b []byte) []byte { return b[:HeaderSize-1] }},
		{"empty datagram", func(b []byte) []byte { return nil }},
		{"unknown payload type", func(b []byte) []byte { b[0] = 0x07; return b }},
		{"zero payload type", func(b []byte) []byte { b[0] = 0x00; return b }},
		{"nonzero reserved byte", func(b []byte) []byte { b[35] = 0x01; return b }},
		{"declared length too small", func(b []byte) []byte { b[1], b[2] = 0, 1; return b }},
		{"declared length too large", func(b []byte) []byte { b[1], b[2] = 0xFF, 0xFF; return b }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.mutate(append([]byte(nil), valid...))
			if _, _, err := Parse(b); !errors.Is(err, ErrMalformedHeader) {
				t.Errorf("Parse error = %v, want ErrMalformedHeader", err)
			}
		})
	}
}

func TestMarshalLimits(t *testing.T) {
	h := Header{PayloadType: PayloadAudio, ConferenceID: "m-1", TotalFragments: 1}

	// Audio frames travel whole in one datagram, past the video fragment cap.
	if b, err := Marshal(h, make([]byte, 2048)); err != nil {
		t.Errorf("2048-byte audio payload: %v", err)
	} else if _, payload, err := Parse(b); err != nil || len(payload) != 2048 {
		t.Errorf("Parse jumbo datagram: payload %d bytes, err %v", len(payload), err)
	}

	if _, err := Marshal(h, make([]byte, 0x10000)); !errors.Is(err, ErrOversizedFrame) {
		t.Errorf("oversized payload error = %v, want ErrOversizedFrame", err)
	}

	h.ConferenceID = "m-100"
	if _, err := Marshal(h, nil); !errors.Is(err, ErrConferenceIDTooLong) {
		t.Errorf("long conference id error = %v, want ErrConferenceIDTooLong", err)
	}
}

func TestFragment(t *testing.T) {
	sender := uuid.New()

	tests := []struct {
		name      string
		frameSize int
		wantCount int
	}{
		{"empty frame", 0, 1},
		{"single byte", 1, 1},
		{"under one payload", 900, 1},
		{"exact payload boundary", MaxPayload, 2},
		{"one byte over", MaxPayload + 1, 2},
		{"several fragments", 3*MaxPayload + 10, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := make([]byte, tt.frameSize)
			for i := range frame {
				frame[i] = byte(i)
			}

			datagrams, err := Fragment(PayloadVideo, sender, "m-1", 1_700_000_000_000, frame)
			if err != nil {
				t.Fatalf("Fragment: %v", err)
			}
			if len(datagrams) != tt.wantCount {
				t.Fatalf("fragment count = %d, want %d", len(datagrams), tt.wantCount)
			}

			var reassembled []byte
			for i, d := range datagrams {
				if len(d) > MaxDatagram {
					t.Errorf("datagram %d is %d bytes, exceeds %d", i, len(d), MaxDatagram)
				}
				h, payload, err := Parse(d)
				if err != nil {
					t.Fatalf("Parse fragment %d: %v", i, err)
				}
				if h.SequenceNumber != uint16(i+1) {
					t.Errorf("fragment %d sequence = %d, want %d", i, h.SequenceNumber, i+1)
				}
				if int(h.TotalFragments) != tt.wantCount {
					t.Errorf("fragment %d total = %d, want %d", i, h.TotalFragments, tt.wantCount)
				}
				if h.Key() != (FrameKey{ClientID: sender, ConferenceID: "m-1", Timestamp: 1_700_000_000_000}) {
					t.Errorf("fragment %d key = %+v", i, h.Key())
				}
				reassembled = append(reassembled, payload...)
			}
			if !bytes.Equal(reassembled, frame) {
				t.Errorf("reassembled %d bytes != original %d bytes", len(reassembled), len(frame))
			}
		})
	}
}

func TestConferenceIDPadding(t *testing.T) {
	for _, id := range []string{"m", "m-1", "abcd"} {
		t.Run(id, func(t *testing.T) {
			b, err := Marshal(Header{
				PayloadType:    PayloadAudio,
				ConferenceID:   id,
				SequenceNumber: 0,
				TotalFragments: 1,
			}, nil)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			h, _, err := Parse(b)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if h.ConferenceID != id {
				t.Errorf("ConferenceID = %q, want %q", h.ConferenceID, id)
			}
		})
	}
}

func TestPayloadTypeString(t *testing.T) {
	tests := []struct {
		pt   PayloadType
		want string
	}{
		{PayloadVideo, "video"},
		{PayloadAudio, "audio"},
		{0x09, "unknown(0x09)"},
	}
	for _, tt := range tests {
		if got := tt.pt.String(); got != tt.want {
			t.Errorf("PayloadType(%d).String() = %q, want %q", tt.pt, got, tt.want)
		}
	}
}
