package backend

import "fmt"

// Outcome status codes reported to submit callbacks.
const (
	CodeSuccess = 0
	// CodeNotSubmitted means the request never left the process.
	CodeNotSubmitted = 1
	// CodeTimeout means no reply arrived before the request deadline.
	CodeTimeout = 2
	// CodeRejected means the backend refused the request.
	CodeRejected = 3
	// CodeUnavailable means no backend answered on the request subject.
	CodeUnavailable = 4
)

// Outcome is the asynchronous result of one add or remove submission.
type Outcome struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// Success returns successful outcome.
func Success() Outcome {
	return Outcome{Code: CodeSuccess}
}

// Failure returns failed outcome with code and message.
// Params: non-zero status code and human-readable message.
// Returns: failed outcome; zero code is coerced to CodeRejected.
func Failure(code int, message string) Outcome {
	if code == CodeSuccess {
		code = CodeRejected
	}
	return Outcome{Code: code, Message: message}
}

// OK reports whether outcome is success.
func (o Outcome) OK() bool {
	return o.Code == CodeSuccess
}

// Result returns stable label used by logs and metrics.
func (o Outcome) Result() string {
	switch o.Code {
	case CodeSuccess:
		return "success"
	case CodeNotSubmitted:
		return "not_submitted"
	case CodeTimeout:
		return "timeout"
	case CodeRejected:
		return "rejected"
	case CodeUnavailable:
		return "unavailable"
	default:
		return "failure"
	}
}

func (o Outcome) String() string {
	if o.OK() {
		return "success"
	}
	if o.Message == "" {
		return fmt.Sprintf("%s (code %d)", o.Result(), o.Code)
	}
	return fmt.Sprintf("%s (code %d): %s", o.Result(), o.Code, o.Message)
}
