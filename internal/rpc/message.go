// Package rpc implements JSON-RPC 2.0 framing and request correlation over a
// worker's byte stream.
package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jaakkos/codeloom/internal/domain"
)

// Version is the JSON-RPC protocol version carried in every envelope.
const Version = "2.0"

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	// CodeServerClosed is reported for requests failed by a closing connection.
	CodeServerClosed = -32099
)

// ID is a request identifier: a number or a string. Numeric strings are
// normalized to numbers so "7" and 7 correlate.
type ID struct {
	num   int64
	str   string
	isStr bool
}

// NumberID returns a numeric id.
func NumberID(n int64) ID { return ID{num: n} }

// StringID returns a string id.
func StringID(s string) ID { return ID{str: s, isStr: true} }

// Int64 returns the numeric value and whether the id is numeric.
func (id ID) Int64() (int64, bool) { return id.num, !id.isStr }

func (id ID) String() string {
	if id.isStr {
		return id.str
	}
	return strconv.FormatInt(id.num, 10)
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.isStr {
		return json.Marshal(id.str)
	}
	return []byte(strconv.FormatInt(id.num, 10)), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			*id = NumberID(n)
			return nil
		}
		*id = StringID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a number or string: %w", err)
	}
	v, err := n.Int64()
	if err != nil {
		return fmt.Errorf("id must be an integer: %w", err)
	}
	*id = NumberID(v)
	return nil
}

// ResponseError is the error member of a response envelope.
type ResponseError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ResponseError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Kind classifies a decoded envelope.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindResponse
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "invalid"
	}
}

// Message is one JSON-RPC envelope: a request, a response or a notification.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// Kind reports whether m is a request, response or notification. An id with
// a method is a request, a method without id is a notification, an id
// without method is a response.
func (m *Message) Kind() Kind {
	switch {
	case m.Method != "" && m.ID != nil:
		return KindRequest
	case m.Method != "":
		return KindNotification
	case m.ID != nil && (m.Result != nil || m.Error != nil):
		return KindResponse
	default:
		return KindInvalid
	}
}

// Decode parses one frame into a Message. Malformed frames return an error
// wrapping domain.ErrProtocolError.
func Decode(frame []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(frame, &m); err != nil {
		return nil, domain.NewError(domain.ErrProtocolError, "decode", "", err)
	}
	if m.JSONRPC != "" && m.JSONRPC != Version {
		return nil, domain.NewError(domain.ErrProtocolError, "decode", "", fmt.Errorf("unsupported jsonrpc version %q", m.JSONRPC))
	}
	if m.Kind() == KindInvalid {
		return nil, domain.NewError(domain.ErrProtocolError, "decode", "", fmt.Errorf("envelope is neither request, response nor notification"))
	}
	return &m, nil
}

// ReadMessage reads and decodes the next envelope from f.
func ReadMessage(f Framer) (*Message, error) {
	frame, err := f.ReadFrame()
	if err != nil {
		return nil, err
	}
	return Decode(frame)
}

// WriteMessage encodes m and writes it as one frame.
func WriteMessage(f Framer, m *Message) error {
	if m.JSONRPC == "" {
		m.JSONRPC = Version
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return f.WriteFrame(data)
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return data, nil
}
