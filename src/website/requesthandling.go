package website

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"
	"grimstack.io/grim/src/comments"
	"grimstack.io/grim/src/logging"
	"grimstack.io/grim/src/models"
)

type Handler func(c *RequestContext) ResponseData
type Middleware func(h Handler) Handler

func applyMiddlewares(h Handler, ms []Middleware) Handler {
	result := h
	for i := len(ms) - 1; i >= 0; i-- {
		result = ms[i](result)
	}
	return result
}

// A RouteBuilder registers Handlers on an httprouter.Router, wrapping each
// one in the builder's middlewares.
type RouteBuilder struct {
	Router      *httprouter.Router
	Middlewares []Middleware
}

func (rb *RouteBuilder) Handle(method, path string, h Handler) {
	h = applyMiddlewares(h, rb.Middlewares)
	route := method + " " + path
	rb.Router.Handle(method, path, func(rw http.ResponseWriter, req *http.Request, params httprouter.Params) {
		logger := logging.With().Str("route", route).Logger()
		c := &RequestContext{
			Route:      route,
			Logger:     &logger,
			Req:        req,
			Res:        rw,
			PathParams: params,

			ctx: logging.AttachLoggerToContext(&logger, req.Context()),
		}
		doRequest(rw, c, h)
	})
}

func (rb *RouteBuilder) GET(path string, h Handler) {
	rb.Handle(http.MethodGet, path, h)
}

func (rb *RouteBuilder) POST(path string, h Handler) {
	rb.Handle(http.MethodPost, path, h)
}

func (rb *RouteBuilder) PUT(path string, h Handler) {
	rb.Handle(http.MethodPut, path, h)
}

func (rb *RouteBuilder) DELETE(path string, h Handler) {
	rb.Handle(http.MethodDelete, path, h)
}

func (rb *RouteBuilder) WithMiddleware(ms ...Middleware) RouteBuilder {
	newRb := *rb
	newRb.Middlewares = append(append([]Middleware{}, rb.Middlewares...), ms...)
	return newRb
}

type RequestContext struct {
	Route      string
	Logger     *zerolog.Logger
	Req        *http.Request
	PathParams httprouter.Params

	// The http package's own response writer, for the rare handler that needs
	// it directly.
	Res http.ResponseWriter

	CurrentUser    *models.User
	CurrentSession *models.Session
	IsAdmin        bool

	ctx context.Context
}

// Our RequestContext is a context.Context

var _ context.Context = &RequestContext{}

func (c *RequestContext) Deadline() (time.Time, bool) {
	return c.ctx.Deadline()
}

func (c *RequestContext) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *RequestContext) Err() error {
	return c.ctx.Err()
}

func (c *RequestContext) Value(key any) any {
	return c.ctx.Value(key)
}

// Requestor describes the current user for comment queries. Nil means
// anonymous.
func (c *RequestContext) Requestor() *comments.Requestor {
	if c.CurrentUser == nil {
		return nil
	}
	return &comments.Requestor{ID: c.CurrentUser.ID, IsAdmin: c.IsAdmin}
}

func (c *RequestContext) CurrentUserID() string {
	if c.CurrentUser == nil {
		return ""
	}
	return c.CurrentUser.ID
}

const maxBodySize = 1 << 20

// ReadJSON decodes the request body into dest.
func (c *RequestContext) ReadJSON(dest any) error {
	dec := json.NewDecoder(io.LimitReader(c.Req.Body, maxBodySize))
	if err := dec.Decode(dest); err != nil {
		return NewSafeError(ErrBadRequest, "request body is not valid JSON: %v", err)
	}
	return nil
}

type ResponseData struct {
	StatusCode int
	Body       *bytes.Buffer
	Errors     []error

	header http.Header
}

var _ http.ResponseWriter = &ResponseData{}

func (rd *ResponseData) Header() http.Header {
	if rd.header == nil {
		rd.header = make(http.Header)
	}

	return rd.header
}

func (rd *ResponseData) Write(p []byte) (n int, err error) {
	if rd.Body == nil {
		rd.Body = new(bytes.Buffer)
	}

	return rd.Body.Write(p)
}

func (rd *ResponseData) WriteHeader(status int) {
	rd.StatusCode = status
}

func (rd *ResponseData) SetCookie(cookie *http.Cookie) {
	rd.Header().Add("Set-Cookie", cookie.String())
}

func (rd *ResponseData) WriteJson(data any) {
	dataJson, err := json.Marshal(data)
	if err != nil {
		panic(err)
	}
	rd.Header().Set("Content-Type", "application/json")
	rd.Write(dataJson)
}

func JsonResponse(status int, data any) ResponseData {
	res := ResponseData{StatusCode: status}
	res.WriteJson(data)
	return res
}

func doRequest(rw http.ResponseWriter, c *RequestContext, h Handler) {
	defer func() {
		/*
			This panic recovery is the last resort. If you want to render
			an error response or something, make it a request wrapper.
		*/
		if recovered := recover(); recovered != nil {
			rw.WriteHeader(http.StatusInternalServerError)
			logging.LogPanicValue(c.Logger, recovered, "request panicked and was not handled")
			rw.Write([]byte("There was a problem handling your request."))
		}
	}()

	res := h(c)

	if res.StatusCode == 0 {
		res.StatusCode = http.StatusOK
	}

	var preamble []byte // Any bytes we read to determine Content-Type
	if res.Body != nil {
		bodyLen := res.Body.Len()

		if res.Header().Get("Content-Type") == "" {
			preamble = res.Body.Next(512)
			rw.Header().Set("Content-Type", http.DetectContentType(preamble))
		}
		if res.Header().Get("Content-Length") == "" {
			rw.Header().Set("Content-Length", strconv.Itoa(bodyLen))
		}
	}

	if c.Req.Method == http.MethodHead {
		res.Body = nil
	}

	for name, vals := range res.Header() {
		for _, val := range vals {
			rw.Header().Add(name, val)
		}
	}
	rw.WriteHeader(res.StatusCode)

	if res.Body != nil {
		_, err := rw.Write(preamble)
		if err == nil {
			_, err = io.Copy(rw, res.Body)
		}
		if err != nil {
			if errors.Is(err, syscall.EPIPE) {
				// Triggered when the other side hangs up
				logging.Debug().Msg("Broken pipe")
			} else {
				logging.Error().Err(err).Msg("Failed to write response body")
			}
		}
	}
}
