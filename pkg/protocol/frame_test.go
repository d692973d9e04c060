package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFrame(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
	}{
		{
			name: "empty payload",
			frame: Frame{
				Version:       1,
				Command:       CommandLogin,
				CorrelationID: 1,
				Payload:       []byte{},
			},
		},
		{
			name: "login payload",
			frame: Frame{
				Version:       1,
				Command:       CommandLogin,
				CorrelationID: 42,
				Payload:       []byte{0x00, 0x05, 'a', 'l', 'i', 'c', 'e'},
			},
		},
		{
			name: "max correlation id",
			frame: Frame{
				Version:       1,
				Command:       CommandMessage,
				CorrelationID: 0xFFFFFFFF,
				Payload:       []byte("payload"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, EncodeFrame(&buf, &tt.frame))

			decoded, err := DecodeFrame(&buf)
			require.NoError(t, err)

			assert.Equal(t, tt.frame.Version, decoded.Version)
			assert.Equal(t, tt.frame.Command, decoded.Command)
			assert.Equal(t, tt.frame.CorrelationID, decoded.CorrelationID)
			assert.Equal(t, tt.frame.Payload, decoded.Payload)
		})
	}
}

func TestFrameWireLayout(t *testing.T) {
	frame := &Frame{
		Version:       1,
		Command:       CommandResponse,
		CorrelationID: 7,
		Payload:       []byte{0x00, 0x01},
	}

	data, err := EncodeBytes(frame)
	require.NoError(t, err)

	// totalLength counts everything after the 4-byte length field:
	// version(1) + command(2) + correlationId(4) + payload(2) = 9.
	assert.Equal(t, []byte{
		0x00, 0x00, 0x00, 0x09, // length
		0x01,       // version
		0x00, 0x03, // command = response
		0x00, 0x00, 0x00, 0x07, // correlation id
		0x00, 0x01, // response code
	}, data)
}

func TestEncodeFrameTooLarge(t *testing.T) {
	frame := &Frame{
		Version: 1,
		Command: CommandMessage,
		Payload: make([]byte, MaxFrameSize),
	}
	err := EncodeFrame(io.Discard, frame)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecodeFrameErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{
			name:    "empty stream",
			data:    nil,
			wantErr: io.EOF,
		},
		{
			name:    "partial length field",
			data:    []byte{0x00, 0x00},
			wantErr: ErrTruncatedBuffer,
		},
		{
			name: "declared length below header size",
			// length=3 cannot hold version + command + correlation id
			data:    []byte{0x00, 0x00, 0x00, 0x03, 0x01, 0x00, 0x01},
			wantErr: ErrFrameLengthMismatch,
		},
		{
			name: "declared length exceeds available bytes",
			// length=20, only 7 bytes follow
			data:    []byte{0x00, 0x00, 0x00, 0x14, 0x01, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01},
			wantErr: ErrFrameLengthMismatch,
		},
		{
			name: "declared length exceeds maximum",
			data: []byte{0xFF, 0xFF, 0xFF, 0xFF},
			wantErr: ErrFrameTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeFrame(bytes.NewReader(tt.data))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestDecodeBytesTrailingGarbage(t *testing.T) {
	data, err := EncodeBytes(NewResponseFrame(1, ResponseSuccess))
	require.NoError(t, err)

	_, err = DecodeBytes(append(data, 0xAA))
	assert.ErrorIs(t, err, ErrFrameLengthMismatch)
}

func TestDecodeFrameStreamKeepsBoundary(t *testing.T) {
	// Two frames back to back decode cleanly one at a time.
	var buf bytes.Buffer
	require.NoError(t, EncodeFrame(&buf, NewResponseFrame(1, ResponseSuccess)))
	require.NoError(t, EncodeFrame(&buf, NewResponseFrame(2, ResponseNotLoggedIn)))

	first, err := DecodeFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), first.CorrelationID)

	second, err := DecodeFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), second.CorrelationID)

	_, err = DecodeFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}
