package website

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
	"grimstack.io/grim/src/auth"
	"grimstack.io/grim/src/comments"
	"grimstack.io/grim/src/config"
	"grimstack.io/grim/src/email"
	"grimstack.io/grim/src/logging"
	"grimstack.io/grim/src/metrics"
	"grimstack.io/grim/src/ratelimit"
)

// Everything the request handlers need.
type Server struct {
	Store   *comments.Store
	Auth    *auth.Auth
	Limiter *ratelimit.Limiter
	Outbox  *email.Outbox
	Conf    config.GrimConfig
}

func NewWebsiteRoutes(s *Server) http.Handler {
	router := httprouter.New()

	routes := RouteBuilder{
		Router: router,
		Middlewares: []Middleware{
			panicCatcherMiddleware,
			logRequestMiddleware,
			s.loadCurrentUser,
		},
	}
	authed := routes.WithMiddleware(needsAuth)
	creating := authed.WithMiddleware(s.rateLimited("create", s.Conf.RateLimit.CreateHits, s.Conf.RateLimit.CreateWindow))
	editing := authed.WithMiddleware(s.rateLimited("edit", s.Conf.RateLimit.EditHits, s.Conf.RateLimit.EditWindow))

	routes.POST("/comments", s.QueryComments)
	creating.PUT("/comment", s.CreateComment)
	editing.POST("/edit-comment", s.EditComment)
	authed.DELETE("/comment", s.DeleteComment)
	authed.GET("/comment/:id/raw-content", s.RawContent)
	authed.GET("/comment/:id/upvote", s.vote(comments.VoteUp))
	authed.GET("/comment/:id/downvote", s.vote(comments.VoteDown))
	authed.GET("/comment/:id/unvote", s.vote(comments.VoteNone))

	routes.GET("/login/:token", s.Login)
	routes.POST("/logout", s.Logout)

	routes.GET("/metrics", func(c *RequestContext) ResponseData {
		var res ResponseData
		res.Header().Set("Content-Type", "text/plain; version=0.0.4")
		metrics.WritePrometheus(&res)
		return res
	})

	router.NotFound = http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		c := &RequestContext{
			Route:  "404",
			Logger: logging.GlobalLogger(),
			Req:    req,
			Res:    rw,
			ctx:    req.Context(),
		}
		doRequest(rw, c, FourOhFour)
	})

	return router
}
