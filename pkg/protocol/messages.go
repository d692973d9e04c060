package protocol

import (
	"bytes"
	"errors"
	"io"
	"time"
)

// Command keys
const (
	CommandLogin    = 0x01
	CommandMessage  = 0x02
	CommandResponse = 0x03
)

// Response codes
const (
	ResponseSuccess         = 1
	ResponseNotLoggedIn     = 3
	ResponseAlreadyLoggedIn = 4
)

var ErrUnknownCommand = errors.New("unknown command key")

// CommandName returns a human-readable name for a command key, for logs
// and metrics labels.
func CommandName(key uint16) string {
	switch key {
	case CommandLogin:
		return "login"
	case CommandMessage:
		return "message"
	case CommandResponse:
		return "response"
	default:
		return "unknown"
	}
}

// LoginRequest (0x01) - bind a username to this connection
type LoginRequest struct {
	Username string
}

func (m *LoginRequest) EncodeTo(w io.Writer) error {
	return WriteString(w, m.Username)
}

func (m *LoginRequest) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *LoginRequest) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	username, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.Username = username
	return nil
}

// ChatMessage (0x02) - a directed text message. The server relays the same
// shape it receives, so this type is used both for requests and for
// forwarded deliveries.
type ChatMessage struct {
	Body      string
	From      string
	To        string
	Timestamp time.Time
}

func (m *ChatMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Body); err != nil {
		return err
	}
	if err := WriteString(w, m.From); err != nil {
		return err
	}
	if err := WriteString(w, m.To); err != nil {
		return err
	}
	return WriteTimestamp(w, m.Timestamp)
}

func (m *ChatMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *ChatMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	body, err := ReadString(buf)
	if err != nil {
		return err
	}
	from, err := ReadString(buf)
	if err != nil {
		return err
	}
	to, err := ReadString(buf)
	if err != nil {
		return err
	}
	ts, err := ReadTimestamp(buf)
	if err != nil {
		return err
	}
	m.Body = body
	m.From = from
	m.To = to
	m.Timestamp = ts
	return nil
}

// Response (0x03) - result of a request. The correlation id rides in the
// frame envelope, copied verbatim from the triggering request; the payload
// carries only the code.
type Response struct {
	Code uint16
}

func (m *Response) EncodeTo(w io.Writer) error {
	return WriteUint16(w, m.Code)
}

func (m *Response) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *Response) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	code, err := ReadUint16(buf)
	if err != nil {
		return err
	}
	m.Code = code
	return nil
}

// NewLoginFrame builds a complete login request frame.
func NewLoginFrame(correlationID uint32, username string) (*Frame, error) {
	payload, err := (&LoginRequest{Username: username}).Encode()
	if err != nil {
		return nil, err
	}
	return &Frame{
		Version:       ProtocolVersion,
		Command:       CommandLogin,
		CorrelationID: correlationID,
		Payload:       payload,
	}, nil
}

// NewMessageFrame builds a complete chat message frame.
func NewMessageFrame(correlationID uint32, msg *ChatMessage) (*Frame, error) {
	payload, err := msg.Encode()
	if err != nil {
		return nil, err
	}
	return &Frame{
		Version:       ProtocolVersion,
		Command:       CommandMessage,
		CorrelationID: correlationID,
		Payload:       payload,
	}, nil
}

// NewResponseFrame builds a response frame echoing the request's
// correlation id.
func NewResponseFrame(correlationID uint32, code uint16) *Frame {
	payload, _ := (&Response{Code: code}).Encode()
	return &Frame{
		Version:       ProtocolVersion,
		Command:       CommandResponse,
		CorrelationID: correlationID,
		Payload:       payload,
	}
}
