package mcp

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the protocol revision this package speaks.
const ProtocolVersion = "2024-11-05"

const jsonRPCVersion = "2.0"

// Message represents a single JSON-RPC 2.0 envelope: a request, a
// notification (request without an id), or a response carrying either a
// result or an error.
type Message struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Method  string           `json:"method,omitempty"`
	Params  json.RawMessage  `json:"params,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *Error           `json:"error,omitempty"`
}

// Error represents a JSON-RPC 2.0 error object
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("%s (code: %d, data: %s)", e.Message, e.Code, string(e.Data))
	}
	return fmt.Sprintf("%s (code: %d)", e.Message, e.Code)
}

// IsRequest reports whether the message is a request expecting a response.
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// IsNotification reports whether the message is a notification. Notifications
// never receive a response.
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// IsResponse reports whether the message carries a result or an error.
func (m *Message) IsResponse() bool {
	return m.Method == "" && (m.Result != nil || m.Error != nil)
}

// NewRequest creates a new request message with the given id.
func NewRequest(id interface{}, method string, params interface{}) (*Message, error) {
	rawID, err := marshalID(id)
	if err != nil {
		return nil, err
	}

	rawParams, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	return &Message{
		JSONRPC: jsonRPCVersion,
		ID:      rawID,
		Method:  method,
		Params:  rawParams,
	}, nil
}

// NewNotification creates a new notification message.
func NewNotification(method string, params interface{}) (*Message, error) {
	rawParams, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	return &Message{
		JSONRPC: jsonRPCVersion,
		Method:  method,
		Params:  rawParams,
	}, nil
}

// NewResponse creates a new success response message.
func NewResponse(id *json.RawMessage, result interface{}) (*Message, error) {
	rawResult, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	return &Message{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Result:  rawResult,
	}, nil
}

// NewErrorResponse creates a new error response message.
func NewErrorResponse(id *json.RawMessage, code int, message string, data interface{}) *Message {
	e := &Error{
		Code:    code,
		Message: message,
	}
	if data != nil {
		if rawData, err := json.Marshal(data); err == nil {
			e.Data = rawData
		}
	}

	return &Message{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Error:   e,
	}
}

// EncodeMessage serializes a message as one newline-terminated line, the frame
// used by the stdio transports.
func EncodeMessage(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return append(data, '\n'), nil
}

// DecodeMessage parses a single envelope. It never panics on malformed input;
// callers treat a decode failure as a recoverable per-message event.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &m, nil
}

// Validate checks the structural invariants of an envelope: the protocol tag
// must match, and the message must be exactly one of request/notification,
// success response, or error response.
func (m *Message) Validate() error {
	if m.JSONRPC != jsonRPCVersion {
		return fmt.Errorf("unsupported jsonrpc version %q", m.JSONRPC)
	}

	hasMethod := m.Method != ""
	hasResult := m.Result != nil
	hasError := m.Error != nil

	switch {
	case hasMethod && (hasResult || hasError):
		return fmt.Errorf("message cannot carry both a method and a result or error")
	case hasResult && hasError:
		return fmt.Errorf("message cannot carry both a result and an error")
	case !hasMethod && !hasResult && !hasError:
		return fmt.Errorf("message carries neither method, result nor error")
	case (hasResult || hasError) && m.ID == nil:
		return fmt.Errorf("response message requires an id")
	}

	return nil
}

func marshalID(id interface{}) (*json.RawMessage, error) {
	if id == nil {
		return nil, nil
	}
	data, err := json.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal id: %w", err)
	}
	raw := json.RawMessage(data)
	return &raw, nil
}

func marshalParams(params interface{}) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return data, nil
}
