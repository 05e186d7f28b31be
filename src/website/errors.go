package website

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"grimstack.io/grim/src/auth"
	"grimstack.io/grim/src/comments"
	"grimstack.io/grim/src/expiry"
)

var (
	ErrBadRequest   = errors.New("bad request")
	ErrLoginNeeded  = errors.New("login required")
	ErrRouteMissing = errors.New("no such route")
)

// A SafeError can be used to wrap another error and explicitly provide
// an error message that is safe to show to a user. This allows the original
// error to easily be logged and for servers to consistently return errors
// in a standard format, without having to worry about leaking sensitive
// info.
type SafeError struct {
	Wrapped error
	Msg     string
}

func NewSafeError(err error, msg string, args ...interface{}) error {
	return &SafeError{
		Wrapped: err,
		Msg:     fmt.Sprintf(msg, args...),
	}
}

func (s *SafeError) Error() string {
	return s.Msg
}

func (s *SafeError) Unwrap() error {
	return s.Wrapped
}

type errorBody struct {
	Error string `json:"error"`
}

// Maps error sentinels from the rest of the program to status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, comments.ErrValidation),
		errors.Is(err, auth.ErrInvalid),
		errors.Is(err, expiry.ErrInvalidAction):
		return http.StatusBadRequest
	case errors.Is(err, ErrLoginNeeded):
		return http.StatusUnauthorized
	case errors.Is(err, comments.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ErrRouteMissing),
		errors.Is(err, comments.ErrNotFound),
		errors.Is(err, auth.ErrNoSuchUser),
		errors.Is(err, auth.ErrNoToken):
		return http.StatusNotFound
	case errors.Is(err, comments.ErrConflict),
		errors.Is(err, auth.ErrTaken),
		errors.Is(err, expiry.ErrAlreadyScheduled):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponse turns err into a JSON error. Server errors are logged and
// their details are kept from the client.
func (c *RequestContext) ErrorResponse(err error) ResponseData {
	status := statusFor(err)

	msg := err.Error()
	var safe *SafeError
	if errors.As(err, &safe) {
		msg = safe.Msg
	}
	if status == http.StatusInternalServerError {
		c.Logger.Error().Err(err).Msg("Request failed")
		msg = http.StatusText(status)
	}

	res := JsonResponse(status, errorBody{Error: msg})
	res.Errors = []error{err}
	return res
}

func (c *RequestContext) TooManyRequests(retryAfter time.Duration) ResponseData {
	res := JsonResponse(http.StatusTooManyRequests, errorBody{Error: "slow down"})
	seconds := int(retryAfter.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	res.Header().Set("Retry-After", strconv.Itoa(seconds))
	return res
}

func FourOhFour(c *RequestContext) ResponseData {
	return c.ErrorResponse(NewSafeError(ErrRouteMissing, "not found"))
}
