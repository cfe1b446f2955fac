// Package stratum implements the client side of the stratum-style JSON-RPC
// line protocol sha3xd speaks to its pool: subscribe/authorize handshake,
// job notifications, share submission, and keepalive.
package stratum

import (
	"encoding/json"
	"fmt"
)

// Message represents a stratum JSON-RPC message
type Message struct {
	ID     any    `json:"id"`
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Error represents a stratum error response
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Common stratum error codes
const (
	ErrorOther          = 20
	ErrorJobNotFound    = 21
	ErrorDuplicateShare = 22
	ErrorLowDifficulty  = 23
	ErrorUnauthorized   = 24
	ErrorNotSubscribed  = 25
	ErrorInvalidRequest = -32600
	ErrorMethodNotFound = -32601
	ErrorInvalidParams  = -32602
	ErrorParseError     = -32700
)

// Methods used by the client
const (
	MethodSubscribe     = "mining.subscribe"
	MethodAuthorize     = "mining.authorize"
	MethodSubmit        = "mining.submit"
	MethodNotify        = "mining.notify"
	MethodSetDifficulty = "mining.set_difficulty"
	MethodPing          = "mining.ping"
)

// ParseMessage parses a JSON-RPC message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &msg, nil
}

// MarshalMessage marshals a message to JSON bytes
func MarshalMessage(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// NewRequest creates a new request message
func NewRequest(id any, method string, params []any) *Message {
	return &Message{
		ID:     id,
		Method: method,
		Params: params,
	}
}

// IsResponse returns true if the message is a response
func (m *Message) IsResponse() bool {
	return m.Method == "" && m.ID != nil
}

// IsNotification returns true if the message is a notification
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// BoolResult interprets the response result as the pool's boolean verdict
func (m *Message) BoolResult() bool {
	b, ok := m.Result.(bool)
	return ok && b
}

// NewSubscribeRequest builds a mining.subscribe request
func NewSubscribeRequest(id uint64, userAgent, sessionID string) *Message {
	params := []any{userAgent}
	if sessionID != "" {
		params = append(params, sessionID)
	}
	return NewRequest(id, MethodSubscribe, params)
}

// NewAuthorizeRequest builds a mining.authorize request. Username carries the
// wallet address and worker name joined as address.worker.
func NewAuthorizeRequest(id uint64, username, password string) *Message {
	return NewRequest(id, MethodAuthorize, []any{username, password})
}

// NewSubmitRequest builds a mining.submit request carrying the nonce and
// resulting digest as hex strings
func NewSubmitRequest(id uint64, username, jobID, nonceHex, resultHex string) *Message {
	return NewRequest(id, MethodSubmit, []any{username, jobID, nonceHex, resultHex})
}

// NewPingRequest builds a keepalive request
func NewPingRequest(id uint64) *Message {
	return NewRequest(id, MethodPing, nil)
}

// JobNotify represents mining.notify parameters:
// [job_id, header_template_hex, difficulty?, clean_jobs?]
type JobNotify struct {
	JobID          string
	HeaderTemplate string
	Difficulty     float64
	CleanJobs      bool
}

// ParseJobNotify parses mining.notify parameters. Difficulty is zero when the
// pool manages it through mining.set_difficulty instead.
func ParseJobNotify(params []any) (*JobNotify, error) {
	if len(params) < 2 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	jobID, ok := params[0].(string)
	if !ok {
		return nil, fmt.Errorf("job_id must be string")
	}

	header, ok := params[1].(string)
	if !ok {
		return nil, fmt.Errorf("header_template must be string")
	}

	notify := &JobNotify{
		JobID:          jobID,
		HeaderTemplate: header,
	}

	if len(params) > 2 {
		if diff, ok := params[2].(float64); ok {
			notify.Difficulty = diff
		}
	}

	if len(params) > 3 {
		if clean, ok := params[3].(bool); ok {
			notify.CleanJobs = clean
		}
	}

	return notify, nil
}

// ParseSetDifficulty parses mining.set_difficulty parameters
func ParseSetDifficulty(params []any) (float64, error) {
	if len(params) < 1 {
		return 0, fmt.Errorf("insufficient parameters")
	}

	diff, ok := params[0].(float64)
	if !ok {
		return 0, fmt.Errorf("difficulty must be number")
	}

	if diff <= 0 {
		return 0, fmt.Errorf("difficulty must be positive, got %v", diff)
	}

	return diff, nil
}

// messageID normalizes a response id to the uint64 space used for request
// correlation. JSON numbers arrive as float64.
func messageID(v any) (uint64, bool) {
	switch id := v.(type) {
	case float64:
		if id < 0 {
			return 0, false
		}
		return uint64(id), true
	case uint64:
		return id, true
	case int:
		if id < 0 {
			return 0, false
		}
		return uint64(id), true
	default:
		return 0, false
	}
}
