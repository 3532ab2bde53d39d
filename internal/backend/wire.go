package backend

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

const (
	opAdd    = "add"
	opRemove = "remove"
)

// wireRequest is the JSON body sent on <prefix>.add and <prefix>.remove.
type wireRequest struct {
	RequestID string          `json:"request_id"`
	Op        string          `json:"op"`
	ID        string          `json:"id"`
	Condition json.RawMessage `json:"condition,omitempty"`
	Target    string          `json:"target,omitempty"`
}

// wireReply is the JSON reply; OK wins over Code when true.
type wireReply struct {
	RequestID string `json:"request_id,omitempty"`
	OK        bool   `json:"ok"`
	Code      int    `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

func (r wireReply) outcome() Outcome {
	if r.OK {
		return Success()
	}
	return Failure(r.Code, r.Message)
}

func replyFor(requestID string, outcome Outcome) wireReply {
	return wireReply{
		RequestID: requestID,
		OK:        outcome.OK(),
		Code:      outcome.Code,
		Message:   outcome.Message,
	}
}

// newRequestID returns time-ordered request id.
func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func subjectFor(prefix, op string) string {
	return strings.TrimSuffix(prefix, ".") + "." + op
}
