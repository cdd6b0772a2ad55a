package preview

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
)

type ErrorKind string

const (
	KindInvalidData ErrorKind = "invalid_data"
	KindNotFound    ErrorKind = "not_found"
	KindTimeout     ErrorKind = "timeout"
	KindTooLarge    ErrorKind = "too_large"
	KindInternal    ErrorKind = "internal"
	KindUnexpected  ErrorKind = "unexpected"
	KindNoResponse  ErrorKind = "no_response"
	KindTransport   ErrorKind = "transport"
)

const (
	MsgInvalidData = "Invalid data. Please check your rules or file format."
	MsgNotFound    = "Validation service not found. Please contact your admin."
	MsgTimeout     = "Server took too long to respond. Try again later."
	MsgTooLarge    = "File too large. Try a smaller dataset."
	MsgInternal    = "Internal server error, something went wrong on our side. Please try again after a few moments."
	MsgNoResponse  = "No response from server. Check your internet connection."
)

// Failure is a classified preview error. Every failure is retryable.
type Failure struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Status  int       `json:"status,omitempty"`
}

func (f *Failure) Error() string { return f.Message }

// statusError is implemented by errors that carry an HTTP response.
type statusError interface {
	error
	HTTPStatus() int
	ServerDetail() string
}

// Classify maps a validation error onto the user-facing failure taxonomy.
func Classify(err error) Failure {
	if err == nil {
		return Failure{}
	}
	var se statusError
	if errors.As(err, &se) {
		return classifyStatus(se.HTTPStatus(), se.ServerDetail())
	}
	var ue *url.Error
	var ne net.Error
	if errors.As(err, &ue) || errors.As(err, &ne) {
		return Failure{Kind: KindNoResponse, Message: MsgNoResponse}
	}
	return Failure{Kind: KindTransport, Message: err.Error()}
}

func classifyStatus(status int, detail string) Failure {
	f := Failure{Status: status}
	switch status {
	case http.StatusBadRequest:
		f.Kind, f.Message = KindInvalidData, orDefault(detail, MsgInvalidData)
	case http.StatusNotFound:
		f.Kind, f.Message = KindNotFound, MsgNotFound
	case http.StatusRequestTimeout:
		f.Kind, f.Message = KindTimeout, MsgTimeout
	case http.StatusRequestEntityTooLarge:
		f.Kind, f.Message = KindTooLarge, MsgTooLarge
	case http.StatusInternalServerError:
		f.Kind, f.Message = KindInternal, MsgInternal
	default:
		f.Kind, f.Message = KindUnexpected, orDefault(detail, fmt.Sprintf("Unexpected server response (%d).", status))
	}
	return f
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
