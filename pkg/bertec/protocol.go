package bertec

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ProtocolVersion is sent in every request.
const ProtocolVersion = "v1"

// Method names understood by the treadmill server.
const (
	MethodInitConnect           = "InitConnect"
	MethodRunTreadmill          = "RunTreadmill"
	MethodRunIncline            = "RunIncline"
	MethodIsTreadmillMoving     = "IsTreadmillMoving"
	MethodIsInclineMoving       = "IsInclineMoving"
	MethodIsClientAuthenticated = "IsClientAuthenticated"
)

// Response codes. CodeSuccess is the only non-error value; the JSON-RPC range
// is reported by the RPC layer, -1 by the treadmill, incline and motion base.
const (
	CodeSuccess         = 1
	CodeParseError      = -32700
	CodeInvalidRequest  = -32600
	CodeMethodNotFound  = -32601
	CodeInvalidParams   = -32602
	CodeInternalError   = -32603
	CodeTreadmillError  = -1
	CodeInclineError    = -1
	CodeMotionBaseError = -1
)

// Transport errors. None of these mean the server rejected the command; they
// mean no usable reply was obtained.
var (
	// ErrNotConnected is returned when a command is issued without a connection.
	ErrNotConnected = errors.New("bertec: not connected")

	// ErrSendFailed means the request could not be written to the command channel.
	ErrSendFailed = errors.New("bertec: send failed")

	// ErrNoReply means the request was sent but no reply arrived within the timeout.
	ErrNoReply = errors.New("bertec: no reply")

	// ErrMalformedReply means a reply arrived but could not be decoded.
	ErrMalformedReply = errors.New("bertec: malformed reply")
)

// Request is a command sent on the request channel.
type Request struct {
	Version string         `json:"version"`
	ID      int64          `json:"id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
}

// Response is the server's reply to a Request.
type Response struct {
	Code    int                        `json:"code"`
	Message string                     `json:"message"`
	Payload map[string]json.RawMessage `json:"-"`
}

// OK reports whether the server accepted the command.
func (r *Response) OK() bool {
	return r != nil && r.Code == CodeSuccess
}

// Bool decodes a boolean payload field. Query methods such as
// IsTreadmillMoving answer through a payload field rather than the code.
func (r *Response) Bool(key string) (bool, bool) {
	if r == nil {
		return false, false
	}
	raw, ok := r.Payload[key]
	if !ok {
		return false, false
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, false
	}
	return v, true
}

// decodeResponse parses a reply. The code field is mandatory; everything
// besides code and message is kept as payload.
func decodeResponse(data []byte) (*Response, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}

	rawCode, ok := fields["code"]
	if !ok {
		return nil, fmt.Errorf("%w: missing code", ErrMalformedReply)
	}

	resp := &Response{Payload: make(map[string]json.RawMessage)}
	if err := json.Unmarshal(rawCode, &resp.Code); err != nil {
		return nil, fmt.Errorf("%w: code: %v", ErrMalformedReply, err)
	}
	if rawMsg, ok := fields["message"]; ok {
		if err := json.Unmarshal(rawMsg, &resp.Message); err != nil {
			return nil, fmt.Errorf("%w: message: %v", ErrMalformedReply, err)
		}
	}

	for k, v := range fields {
		if k == "code" || k == "message" {
			continue
		}
		resp.Payload[k] = v
	}
	return resp, nil
}

// RPCError is a reply with a non-success code.
type RPCError struct {
	Method  string
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("bertec: %s failed with code %d: %s", e.Method, e.Code, e.Message)
}

// checkResponse turns a non-success reply into an *RPCError.
func checkResponse(method string, resp *Response) error {
	if resp.OK() {
		return nil
	}
	return &RPCError{Method: method, Code: resp.Code, Message: resp.Message}
}

// formatDecimal renders v with two decimals. The vendor server parses numbers
// with the host locale, which on the treadmill PC uses a decimal comma.
func formatDecimal(v float64, comma bool) string {
	s := strconv.FormatFloat(v, 'f', 2, 64)
	if comma {
		s = strings.Replace(s, ".", ",", 1)
	}
	return s
}
