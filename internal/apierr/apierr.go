// Package apierr carries the gateway's typed error kinds and the
// {ok:true,data}/{ok:false,error} response envelope, grounded on the
// teacher's pkg/problems convention of a small, centrally defined error
// vocabulary rather than ad hoc http.Error calls scattered across
// handlers.
package apierr

import (
	"encoding/json"
	"net/http"
)

// Kind classifies an error for status-code and logging purposes.
type Kind int

const (
	Input Kind = iota
	Conflict
	Quota
	Auth
	Rate
	Size
	Upstream
	Internal
)

// Error is a typed API error. Message is always safe to return to a
// caller; Internal detail (if any) belongs in the log call site, not here.
type Error struct {
	Kind    Kind
	Message string
	Status  int
}

func (e *Error) Error() string { return e.Message }

func New(kind Kind, status int, message string) *Error {
	return &Error{Kind: kind, Message: message, Status: status}
}

func BadRequest(msg string) *Error   { return New(Input, http.StatusBadRequest, msg) }
func Conflicting(msg string) *Error  { return New(Conflict, http.StatusConflict, msg) }
func QuotaHit(msg string) *Error     { return New(Quota, http.StatusServiceUnavailable, msg) }
func Unauthorized(msg string) *Error { return New(Auth, http.StatusUnauthorized, msg) }
func TooLarge(msg string) *Error     { return New(Size, http.StatusRequestEntityTooLarge, msg) }
func UpstreamFailed(msg string) *Error {
	return New(Upstream, http.StatusBadRequest, msg)
}
func InternalErr(msg string) *Error { return New(Internal, http.StatusInternalServerError, msg) }

// RateLimited returns a 429 error; callers set Retry-After themselves since
// the value varies (registration window vs. admin window vs. capability
// window).
func RateLimited(msg string) *Error { return New(Rate, http.StatusTooManyRequests, msg) }

// envelope is the wire shape for both success and failure responses.
type envelope struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// WriteOK writes a 200 {ok:true,data:...} response.
func WriteOK(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, envelope{OK: true, Data: data})
}

// WriteOKStatus writes an {ok:true,data:...} response with a caller-chosen
// status.
func WriteOKStatus(w http.ResponseWriter, status int, data any) {
	WriteJSON(w, status, envelope{OK: true, Data: data})
}

// WriteError writes {ok:false,error:...} at the error's status code.
func WriteError(w http.ResponseWriter, err *Error) {
	WriteJSON(w, err.Status, envelope{OK: false, Error: err.Message})
}

// WriteJSON marshals v as JSON with the given status, best-effort.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
