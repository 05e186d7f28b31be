package website

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"grimstack.io/grim/src/auth"
	"grimstack.io/grim/src/comments"
	"grimstack.io/grim/src/config"
	"grimstack.io/grim/src/email"
	"grimstack.io/grim/src/expiry"
	"grimstack.io/grim/src/jobs"
	"grimstack.io/grim/src/kv/kvtest"
	"grimstack.io/grim/src/models"
	"grimstack.io/grim/src/ratelimit"
)

type recordingMailer struct {
	mu   sync.Mutex
	sent []email.Message
}

func (m *recordingMailer) Send(ctx context.Context, msg email.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return "sid-" + msg.ToAddress, nil
}

func (m *recordingMailer) messages() []email.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]email.Message{}, m.sent...)
}

type testSite struct {
	t       *testing.T
	server  *Server
	handler http.Handler
	mailer  *recordingMailer
}

func newTestSite(t *testing.T, conf config.GrimConfig) *testSite {
	db := kvtest.OpenTemp(t)
	registry := expiry.New(db)
	mailer := &recordingMailer{}
	outbox := email.NewOutbox(mailer, email.NewTracker(db, registry), 16)
	job := outbox.Run()
	t.Cleanup(func() {
		jobs.Jobs{job}.CancelAndWait(time.Second)
	})

	server := &Server{
		Store:   comments.NewStore(db, conf.Comments),
		Auth:    auth.New(db, registry, conf.Auth),
		Limiter: ratelimit.New(),
		Outbox:  outbox,
		Conf:    conf,
	}
	return &testSite{
		t:       t,
		server:  server,
		handler: NewWebsiteRoutes(server),
		mailer:  mailer,
	}
}

// Creates a user and logs them in through a preauth token.
func (s *testSite) login(username string) (*models.User, *http.Cookie) {
	ctx := context.Background()
	user, err := s.server.Auth.CreateUser(ctx, username, "", username+"@example.com")
	require.NoError(s.t, err)
	token, err := s.server.Auth.CreatePreauthToken(ctx, user.ID)
	require.NoError(s.t, err)

	res := s.do(http.MethodGet, "/login/"+token.ID, nil, nil)
	require.Equal(s.t, http.StatusNoContent, res.Code)
	for _, cookie := range res.Result().Cookies() {
		if cookie.Name == auth.SessionCookieName {
			return user, cookie
		}
	}
	s.t.Fatal("login did not set a session cookie")
	return nil, nil
}

func (s *testSite) do(method, target string, body any, cookie *http.Cookie) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		encoded, err := json.Marshal(b)
		require.NoError(s.t, err)
		reader = bytes.NewReader(encoded)
	}

	req := httptest.NewRequest(method, target, reader)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestCommentRoutes(t *testing.T) {
	site := newTestSite(t, config.Defaults())
	_, amyCookie := site.login("amy")
	_, benCookie := site.login("ben")
	const root = "post:99:1"

	t.Run("anonymous users cannot post", func(t *testing.T) {
		res := site.do(http.MethodPut, "/comment", createCommentRequest{ID: root, Content: "Hello there"}, nil)
		assert.Equal(t, http.StatusUnauthorized, res.Code)
		assert.Contains(t, decode[errorBody](t, res).Error, "logged in")
	})

	res := site.do(http.MethodPut, "/comment", createCommentRequest{ID: root, Content: "Hello there"}, amyCookie)
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	top := decode[comments.PublicComment](t, res)
	assert.True(t, strings.HasPrefix(top.ID, root+"/"))
	assert.Equal(t, "amy", top.AuthorName)

	res = site.do(http.MethodPut, "/comment", createCommentRequest{ID: top.ID, Content: "General Kenobi"}, benCookie)
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	reply := decode[comments.PublicComment](t, res)
	assert.True(t, strings.HasPrefix(reply.ID, top.ID+"/"))

	t.Run("roots with dashes are rejected", func(t *testing.T) {
		res := site.do(http.MethodPut, "/comment", createCommentRequest{ID: "my-post:99:1", Content: "Hello there"}, amyCookie)
		assert.Equal(t, http.StatusBadRequest, res.Code)
	})

	t.Run("query", func(t *testing.T) {
		res := site.do(http.MethodPost, "/comments", comments.Query{Path: root}, nil)
		require.Equal(t, http.StatusOK, res.Code, res.Body.String())
		trees := decode[[]comments.PublicCommentTree](t, res)
		require.Len(t, trees, 1)
		assert.Equal(t, top.ID, trees[0].Comment.ID)
		require.Len(t, trees[0].Children, 1)
		assert.Equal(t, reply.ID, trees[0].Children[0].Comment.ID)
		assert.Nil(t, trees[0].Comment.YouVoted)
	})

	t.Run("query without a path", func(t *testing.T) {
		res := site.do(http.MethodPost, "/comments", comments.Query{}, nil)
		assert.Equal(t, http.StatusBadRequest, res.Code)
	})

	t.Run("bad json", func(t *testing.T) {
		res := site.do(http.MethodPost, "/comments", "{nope", nil)
		assert.Equal(t, http.StatusBadRequest, res.Code)
		assert.Contains(t, decode[errorBody](t, res).Error, "not valid JSON")
	})

	t.Run("votes", func(t *testing.T) {
		res := site.do(http.MethodGet, "/comment/"+comments.IDToURL(reply.ID)+"/upvote", nil, amyCookie)
		require.Equal(t, http.StatusOK, res.Code, res.Body.String())
		assert.Equal(t, int64(1), decode[voteResponse](t, res).Vote)

		res = site.do(http.MethodGet, "/comment/"+comments.IDToURL(reply.ID)+"/upvote", nil, amyCookie)
		assert.Equal(t, http.StatusConflict, res.Code)

		res = site.do(http.MethodPost, "/comments", comments.Query{Path: root}, amyCookie)
		trees := decode[[]comments.PublicCommentTree](t, res)
		voted := trees[0].Children[0].Comment
		assert.Equal(t, int64(1), voted.Vote)
		require.NotNil(t, voted.YouVoted)
		assert.True(t, *voted.YouVoted)

		res = site.do(http.MethodGet, "/comment/"+comments.IDToURL(reply.ID)+"/unvote", nil, amyCookie)
		require.Equal(t, http.StatusOK, res.Code)
		assert.Equal(t, int64(0), decode[voteResponse](t, res).Vote)

		res = site.do(http.MethodGet, "/comment/"+comments.IDToURL(reply.ID)+"/downvote", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, res.Code)
	})

	t.Run("raw content", func(t *testing.T) {
		res := site.do(http.MethodGet, "/comment/"+comments.IDToURL(top.ID)+"/raw-content", nil, amyCookie)
		require.Equal(t, http.StatusOK, res.Code)
		assert.Equal(t, "Hello there", res.Body.String())

		res = site.do(http.MethodGet, "/comment/"+comments.IDToURL(top.ID)+"/raw-content", nil, benCookie)
		assert.Equal(t, http.StatusForbidden, res.Code)
	})

	t.Run("edit", func(t *testing.T) {
		res := site.do(http.MethodPost, "/edit-comment", editCommentRequest{ID: top.ID, Content: "Hello again"}, benCookie)
		assert.Equal(t, http.StatusForbidden, res.Code)

		res = site.do(http.MethodPost, "/edit-comment", editCommentRequest{ID: top.ID, Content: "Hello again"}, amyCookie)
		require.Equal(t, http.StatusOK, res.Code, res.Body.String())
		edited := decode[comments.PublicComment](t, res)
		assert.Contains(t, edited.Content, "Hello again")
		assert.NotNil(t, edited.Edited)
	})

	t.Run("delete", func(t *testing.T) {
		res := site.do(http.MethodDelete, "/comment?id="+top.ID+"&cascade=true", nil, benCookie)
		assert.Equal(t, http.StatusForbidden, res.Code)

		res = site.do(http.MethodDelete, "/comment?id="+top.ID+"&cascade=true", nil, amyCookie)
		require.Equal(t, http.StatusNoContent, res.Code, res.Body.String())

		res = site.do(http.MethodPost, "/comments", comments.Query{Path: root}, nil)
		require.Equal(t, http.StatusOK, res.Code)
		assert.Equal(t, "[]", strings.TrimSpace(res.Body.String()))
	})
}

func TestNotifyRootAuthor(t *testing.T) {
	site := newTestSite(t, config.Defaults())
	owner, _ := site.login("owner")
	_, amyCookie := site.login("amy")

	root := "post:" + owner.ID + ":1"
	res := site.do(http.MethodPut, "/comment", createCommentRequest{ID: root, Content: "First comment!"}, amyCookie)
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())

	assert.Eventually(t, func() bool { return len(site.mailer.messages()) == 1 }, time.Second*2, time.Millisecond*10)
	msg := site.mailer.messages()[0]
	assert.Equal(t, "owner@example.com", msg.ToAddress)
	assert.Contains(t, msg.Subject, "amy")
}

func TestCreateRateLimit(t *testing.T) {
	conf := config.Defaults()
	conf.RateLimit.CreateHits = 1
	site := newTestSite(t, conf)
	_, cookie := site.login("amy")

	res := site.do(http.MethodPut, "/comment", createCommentRequest{ID: "post:99:1", Content: "Hello there"}, cookie)
	require.Equal(t, http.StatusCreated, res.Code)

	res = site.do(http.MethodPut, "/comment", createCommentRequest{ID: "post:99:1", Content: "Hello again"}, cookie)
	assert.Equal(t, http.StatusTooManyRequests, res.Code)
	assert.Equal(t, "120", res.Header().Get("Retry-After"))
}

func TestSessions(t *testing.T) {
	site := newTestSite(t, config.Defaults())
	_, cookie := site.login("amy")

	t.Run("bad token", func(t *testing.T) {
		res := site.do(http.MethodGet, "/login/nope", nil, nil)
		assert.Equal(t, http.StatusNotFound, res.Code)
	})

	res := site.do(http.MethodPost, "/logout", nil, cookie)
	require.Equal(t, http.StatusNoContent, res.Code)

	res = site.do(http.MethodPut, "/comment", createCommentRequest{ID: "post:99:1", Content: "Hello there"}, cookie)
	assert.Equal(t, http.StatusUnauthorized, res.Code)
	assert.Contains(t, res.Header().Values("Set-Cookie")[0], "Max-Age=0", "stale cookies are cleared")
}

func TestMiscRoutes(t *testing.T) {
	site := newTestSite(t, config.Defaults())

	res := site.do(http.MethodGet, "/nowhere", nil, nil)
	assert.Equal(t, http.StatusNotFound, res.Code)
	assert.Equal(t, "not found", decode[errorBody](t, res).Error)

	site.do(http.MethodPost, "/comments", comments.Query{Path: "post:1:1"}, nil)
	res = site.do(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), `grim_http_requests_total{route="POST /comments",status="200"}`)
}
