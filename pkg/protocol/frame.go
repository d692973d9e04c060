package protocol

import (
	"bytes"
	"errors"
	"io"
)

const (
	// MaxFrameSize is the maximum allowed frame size (1 MB)
	MaxFrameSize = 1024 * 1024

	// ProtocolVersion is the current protocol version
	ProtocolVersion = 1

	// headerSize is the number of bytes after the length field that every
	// frame carries: version (1) + command key (2) + correlation id (4).
	headerSize = 7
)

var (
	ErrFrameTooLarge       = errors.New("frame exceeds maximum size (1 MB)")
	ErrFrameLengthMismatch = errors.New("declared frame length does not match available bytes")
)

// Frame represents one complete wire frame.
// Format: [Length (4 bytes)][Version (1 byte)][Command (2 bytes)][CorrelationID (4 bytes)][Payload (N bytes)]
// Length counts every byte after the length field itself.
type Frame struct {
	Version       uint8  // Protocol version (currently 1)
	Command       uint16 // Command key (CommandLogin, CommandMessage, CommandResponse)
	CorrelationID uint32 // Client-chosen id, echoed back in responses
	Payload       []byte // Command-specific payload
}

// EncodeFrame writes a frame to the writer
func EncodeFrame(w io.Writer, f *Frame) error {
	length := uint32(headerSize + len(f.Payload))

	if length > MaxFrameSize {
		return ErrFrameTooLarge
	}

	if err := WriteUint32(w, length); err != nil {
		return err
	}

	if err := WriteUint8(w, f.Version); err != nil {
		return err
	}

	if err := WriteUint16(w, f.Command); err != nil {
		return err
	}

	if err := WriteUint32(w, f.CorrelationID); err != nil {
		return err
	}

	if len(f.Payload) > 0 {
		_, err := w.Write(f.Payload)
		return err
	}

	return nil
}

// DecodeFrame reads a frame from the reader. A stream that ends cleanly
// before the length field yields io.EOF; a stream that ends mid-frame
// yields ErrFrameLengthMismatch, since the peer declared bytes it never
// supplied. Partial frames are never accepted.
func DecodeFrame(r io.Reader) (*Frame, error) {
	length, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}

	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	if length < headerSize {
		return nil, ErrFrameLengthMismatch
	}

	body := make([]byte, length)
	if err := readFull(r, body); err != nil {
		if err == ErrTruncatedBuffer || err == io.EOF {
			return nil, ErrFrameLengthMismatch
		}
		return nil, err
	}

	buf := bytes.NewReader(body)
	version, _ := ReadUint8(buf)
	command, _ := ReadUint16(buf)
	correlationID, _ := ReadUint32(buf)

	return &Frame{
		Version:       version,
		Command:       command,
		CorrelationID: correlationID,
		Payload:       body[headerSize:],
	}, nil
}

// EncodeBytes encodes a frame to a byte slice
func EncodeBytes(f *Frame) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := EncodeFrame(buf, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeBytes decodes a frame from a byte slice. Trailing bytes beyond the
// declared length are a length mismatch, same as missing ones.
func DecodeBytes(data []byte) (*Frame, error) {
	buf := bytes.NewReader(data)
	f, err := DecodeFrame(buf)
	if err != nil {
		return nil, err
	}
	if buf.Len() > 0 {
		return nil, ErrFrameLengthMismatch
	}
	return f, nil
}
