package protocol

import (
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	ErrTruncatedBuffer = errors.New("buffer truncated")
	ErrStringTooLong   = errors.New("string exceeds maximum length (65535 bytes)")
)

// readFull reads exactly len(buf) bytes. A partial read is reported as
// ErrTruncatedBuffer; a read of zero bytes stays io.EOF so stream callers
// can tell a clean disconnect from a cut-off frame.
func readFull(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	if err == io.ErrUnexpectedEOF {
		return ErrTruncatedBuffer
	}
	return err
}

// WriteUint8 writes a single byte
func WriteUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

// ReadUint8 reads a single byte
func ReadUint8(r io.Reader) (uint8, error) {
	buf := make([]byte, 1)
	if err := readFull(r, buf); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// WriteUint16 writes a 16-bit unsigned integer in big-endian
func WriteUint16(w io.Writer, v uint16) error {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, v)
	_, err := w.Write(buf)
	return err
}

// ReadUint16 reads a 16-bit unsigned integer in big-endian
func ReadUint16(r io.Reader) (uint16, error) {
	buf := make([]byte, 2)
	if err := readFull(r, buf); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf), nil
}

// WriteUint32 writes a 32-bit unsigned integer in big-endian
func WriteUint32(w io.Writer, v uint32) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	_, err := w.Write(buf)
	return err
}

// ReadUint32 reads a 32-bit unsigned integer in big-endian
func ReadUint32(r io.Reader) (uint32, error) {
	buf := make([]byte, 4)
	if err := readFull(r, buf); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf), nil
}

// WriteUint64 writes a 64-bit unsigned integer in big-endian
func WriteUint64(w io.Writer, v uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	_, err := w.Write(buf)
	return err
}

// ReadUint64 reads a 64-bit unsigned integer in big-endian
func ReadUint64(r io.Reader) (uint64, error) {
	buf := make([]byte, 8)
	if err := readFull(r, buf); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf), nil
}

// WriteString writes a length-prefixed UTF-8 string
// Format: [Length (uint16)][Data (N bytes UTF-8)]
func WriteString(w io.Writer, s string) error {
	data := []byte(s)
	if len(data) > 65535 {
		return ErrStringTooLong
	}

	if err := WriteUint16(w, uint16(len(data))); err != nil {
		return err
	}

	if len(data) > 0 {
		_, err := w.Write(data)
		return err
	}
	return nil
}

// ReadString reads a length-prefixed string. Malformed UTF-8 sequences are
// replaced rather than rejected: a corrupt username must not kill the
// session at the codec layer.
func ReadString(r io.Reader) (string, error) {
	length, err := ReadUint16(r)
	if err != nil {
		return "", err
	}

	if length == 0 {
		return "", nil
	}

	data := make([]byte, length)
	if err := readFull(r, data); err != nil {
		return "", err
	}

	s := string(data)
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, string(utf8.RuneError))
	}
	return s, nil
}

// WriteTimestamp writes a Unix timestamp in milliseconds (uint64)
func WriteTimestamp(w io.Writer, t time.Time) error {
	return WriteUint64(w, uint64(t.UnixMilli()))
}

// ReadTimestamp reads a Unix millisecond timestamp and returns a time.Time
func ReadTimestamp(r io.Reader) (time.Time, error) {
	millis, err := ReadUint64(r)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(int64(millis)), nil
}
