package website

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"grimstack.io/grim/src/auth"
	"grimstack.io/grim/src/metrics"
	"grimstack.io/grim/src/oops"
	"grimstack.io/grim/src/utils"
)

func panicCatcherMiddleware(h Handler) Handler {
	return func(c *RequestContext) (res ResponseData) {
		defer func() {
			if recovered := recover(); recovered != nil {
				maybeError, ok := recovered.(*error)
				var err error
				if ok {
					err = *maybeError
				} else {
					err = oops.New(nil, fmt.Sprintf("Recovered from panic with value: %v", recovered))
				}
				res = c.ErrorResponse(err)
			}
		}()

		return h(c)
	}
}

func logRequestMiddleware(h Handler) Handler {
	return func(c *RequestContext) ResponseData {
		start := time.Now()
		res := h(c)

		status := utils.OrDefault(res.StatusCode, http.StatusOK)
		metrics.Requests(c.Route, status).Inc()
		c.Logger.Debug().
			Str("path", c.Req.URL.Path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("Served request")
		return res
	}
}

func (s *Server) loadCurrentUser(h Handler) Handler {
	return func(c *RequestContext) ResponseData {
		cookie, err := c.Req.Cookie(auth.SessionCookieName)
		if err != nil {
			return h(c)
		}

		session, err := s.Auth.GetSession(c, cookie.Value)
		if errors.Is(err, auth.ErrNoSession) {
			res := h(c)
			res.SetCookie(s.Auth.DeleteSessionCookie())
			return res
		} else if err != nil {
			return c.ErrorResponse(oops.New(err, "failed to load session"))
		}

		user, err := s.Auth.UserByID(c, session.UserID)
		if errors.Is(err, auth.ErrNoSuchUser) {
			// The user expired out from under their session.
			return h(c)
		} else if err != nil {
			return c.ErrorResponse(oops.New(err, "failed to load current user"))
		}
		isAdmin, err := s.Auth.IsAdmin(c, user.ID)
		if err != nil {
			return c.ErrorResponse(oops.New(err, "failed to check admin status"))
		}

		c.CurrentUser = user
		c.CurrentSession = session
		c.IsAdmin = isAdmin
		logger := c.Logger.With().Str("user", user.ID).Logger()
		c.Logger = &logger

		return h(c)
	}
}

func needsAuth(h Handler) Handler {
	return func(c *RequestContext) ResponseData {
		if c.CurrentUser == nil {
			return c.ErrorResponse(NewSafeError(ErrLoginNeeded, "you must be logged in to do that"))
		}

		return h(c)
	}
}

func (s *Server) rateLimited(kind string, hits int, window time.Duration) Middleware {
	return func(h Handler) Handler {
		return func(c *RequestContext) ResponseData {
			limited, retryAfter := s.Limiter.Hit(kind+":"+c.CurrentUserID(), hits, window)
			if limited {
				c.Logger.Info().Str("limit", kind).Dur("retry_after", retryAfter).Msg("Rate limited request")
				return c.TooManyRequests(retryAfter)
			}

			return h(c)
		}
	}
}
