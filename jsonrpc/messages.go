// Package jsonrpc implements the JSON-RPC 2.0 message codec used by every
// transport in this module. Decoding validates message shape (id presence,
// mutually exclusive result/error) while ignoring unknown top-level fields
// for forward compatibility.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

// Message is the raw JSON representation of a single JSON-RPC message.
type Message []byte

// AnyMessage is a generic JSON-RPC message: request, notification, or
// response. Exactly which one it is follows from field presence; use Type,
// AsRequest and AsResponse to discriminate.
type AnyMessage struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Request represents a JSON-RPC request (with an id) or notification
// (without an id).
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Response represents a JSON-RPC response carrying either a result or an
// error, never both.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// NewRequest builds a request object with marshaled params. A nil params
// value omits the field entirely.
func NewRequest(id *RequestID, method string, params any) (*Request, error) {
	req := &Request{JSONRPCVersion: ProtocolVersion, Method: method, ID: id}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		req.Params = b
	}
	return req, nil
}

// NewNotification builds a request object without an id.
func NewNotification(method string, params any) (*Request, error) {
	return NewRequest(nil, method, params)
}

// NewResultResponse builds a successful JSON-RPC response object.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	if bytes.Equal(resultBytes, []byte("null")) {
		// A success response must carry a result member even when the
		// handler has nothing to say.
		resultBytes = []byte("{}")
	}
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Result:         resultBytes,
		ID:             id,
	}, nil
}

// NewErrorResponse builds an error JSON-RPC response with the given code.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
}

// UnmarshalJSON implements custom JSON unmarshaling for AnyMessage. It
// enforces JSON-RPC 2.0 shape: requests carry a method and a non-null id,
// notifications carry a method and no id, responses carry exactly one of
// result/error. Unknown top-level fields are ignored.
func (m *AnyMessage) UnmarshalJSON(data []byte) error {
	type rawMessage struct {
		JSONRPCVersion string          `json:"jsonrpc"`
		Method         string          `json:"method,omitempty"`
		Params         json.RawMessage `json:"params,omitempty"`
		Result         json.RawMessage `json:"result,omitempty"`
		Error          *Error          `json:"error,omitempty"`
		// Raw so an explicit null id can be told apart from an absent one.
		ID json.RawMessage `json:"id,omitempty"`
	}

	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if raw.JSONRPCVersion != ProtocolVersion {
		return fmt.Errorf("invalid JSON-RPC version: expected %q, got %q", ProtocolVersion, raw.JSONRPCVersion)
	}

	hasMethod := raw.Method != ""
	hasResult := len(raw.Result) > 0
	hasError := raw.Error != nil
	idPresent := len(raw.ID) > 0
	idNull := idPresent && bytes.Equal(bytes.TrimSpace(raw.ID), []byte("null"))

	var id *RequestID
	if idPresent && !idNull {
		id = &RequestID{}
		if err := id.UnmarshalJSON(raw.ID); err != nil {
			return err
		}
	}

	if hasMethod {
		if hasResult || hasError {
			return fmt.Errorf("request message cannot have result or error fields")
		}
		if idNull {
			return fmt.Errorf("request id must not be null")
		}
	} else {
		if hasResult && hasError {
			return fmt.Errorf("response message cannot have both result and error fields")
		}
		if !hasResult && !hasError {
			return fmt.Errorf("response message must have either result or error field")
		}
	}

	m.JSONRPCVersion = raw.JSONRPCVersion
	m.Method = raw.Method
	m.Params = raw.Params
	m.Result = raw.Result
	m.Error = raw.Error
	m.ID = id

	return nil
}

// Type returns "request", "notification", or "response".
func (m *AnyMessage) Type() string {
	if m.Method != "" {
		if m.ID.IsNil() {
			return "notification"
		}
		return "request"
	}
	return "response"
}

// AsRequest returns the message as a Request if it carries a method,
// otherwise nil. Notifications are Requests with a nil id.
func (m *AnyMessage) AsRequest() *Request {
	if m.Method == "" {
		return nil
	}
	return &Request{
		JSONRPCVersion: m.JSONRPCVersion,
		Method:         m.Method,
		Params:         m.Params,
		ID:             m.ID,
	}
}

// AsResponse returns the message as a Response if it carries no method,
// otherwise nil.
func (m *AnyMessage) AsResponse() *Response {
	if m.Method != "" {
		return nil
	}
	return &Response{
		JSONRPCVersion: m.JSONRPCVersion,
		Result:         m.Result,
		Error:          m.Error,
		ID:             m.ID,
	}
}

// Decode parses a payload that is either a single JSON-RPC message or a
// batch (JSON array) of them. Batch entries decode in array order. An empty
// batch is invalid per the JSON-RPC 2.0 spec.
func Decode(data []byte) ([]AnyMessage, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, &Error{Code: ErrorCodeParseError, Message: "empty payload"}
	}

	if !json.Valid(trimmed) {
		return nil, &Error{Code: ErrorCodeParseError, Message: "invalid JSON"}
	}

	if trimmed[0] == '[' {
		var rawBatch []json.RawMessage
		if err := json.Unmarshal(trimmed, &rawBatch); err != nil {
			return nil, &Error{Code: ErrorCodeParseError, Message: "invalid JSON: " + err.Error()}
		}
		if len(rawBatch) == 0 {
			return nil, &Error{Code: ErrorCodeInvalidRequest, Message: "empty batch"}
		}
		msgs := make([]AnyMessage, 0, len(rawBatch))
		for i, raw := range rawBatch {
			var msg AnyMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				return nil, &Error{Code: ErrorCodeInvalidRequest, Message: fmt.Sprintf("batch entry %d: %s", i, err)}
			}
			msgs = append(msgs, msg)
		}
		return msgs, nil
	}

	var msg AnyMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, &Error{Code: ErrorCodeInvalidRequest, Message: err.Error()}
	}
	return []AnyMessage{msg}, nil
}
