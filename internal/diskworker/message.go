package diskworker

import (
	"encoding/json"

	jsoniter "github.com/json-iterator/go"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Request is one FIFO-ordered message sent to a Worker.
type Request struct {
	RequestID string          `json:"requestId"`
	Op        string          `json:"op"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Response is the Worker's reply to a Request, always carrying the same
// RequestID.
type Response struct {
	RequestID string          `json:"requestId"`
	OK        bool            `json:"ok"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ResponseError  `json:"error,omitempty"`
}

// ResponseError mirrors sectordisk.Kind plus a human-readable message, so a
// remote client can branch on Kind without depending on Go error types.
type ResponseError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func okResponse(requestID string, result any) Response {
	var raw json.RawMessage
	if result != nil {
		data, err := jsonAPI.Marshal(result)
		if err != nil {
			return errResponse(requestID, err)
		}
		raw = data
	}
	return Response{RequestID: requestID, OK: true, Result: raw}
}

func errResponse(requestID string, err error) Response {
	kind, ok := kindOf(err)
	if !ok {
		kind = "IO"
	}
	return Response{
		RequestID: requestID,
		OK:        false,
		Error:     &ResponseError{Kind: string(kind), Message: err.Error()},
	}
}
