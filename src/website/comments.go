package website

import (
	"fmt"
	"net/http"
	"strings"

	"grimstack.io/grim/src/comments"
	"grimstack.io/grim/src/email"
	"grimstack.io/grim/src/models"
	"grimstack.io/grim/src/oops"
)

func (s *Server) QueryComments(c *RequestContext) ResponseData {
	var q comments.Query
	if err := c.ReadJSON(&q); err != nil {
		return c.ErrorResponse(err)
	}

	trees, err := s.Store.Query(c, c.Requestor(), q)
	if err != nil {
		return c.ErrorResponse(err)
	}
	public, err := s.Store.PublicTrees(c, c.CurrentUserID(), trees)
	if err != nil {
		return c.ErrorResponse(err)
	}

	return JsonResponse(http.StatusOK, public)
}

type createCommentRequest struct {
	// Either a root post id, to post a first-level comment, or the comment
	// being replied to.
	ID string `json:"id"`
	// Root post of a reply. Only needed when ID is a bare comment id, and
	// looked up when missing.
	Root       string `json:"root,omitempty"`
	Content    string `json:"content"`
	AuthorOnly bool   `json:"author_only"`
}

func isRootID(id string) bool {
	return !strings.Contains(id, "/") && strings.Count(id, ":") == 2
}

func (s *Server) CreateComment(c *RequestContext) ResponseData {
	var body createCommentRequest
	if err := c.ReadJSON(&body); err != nil {
		return c.ErrorResponse(err)
	}
	if body.ID == "" {
		return c.ErrorResponse(NewSafeError(ErrBadRequest, "an id is required"))
	}

	author := comments.Author{ID: c.CurrentUser.ID, Name: c.CurrentUser.Username}

	rootID := body.Root
	if isRootID(body.ID) {
		rootID = body.ID
	} else if strings.Contains(body.ID, "/") {
		rootID = comments.RootOf(body.ID)
	} else if rootID == "" {
		parent, err := s.Store.FetchComment(c, body.ID)
		if err != nil {
			return c.ErrorResponse(err)
		}
		rootID = comments.RootOf(parent.ID)
	}

	settings, err := s.Store.Settings(c, rootID)
	if err != nil {
		return c.ErrorResponse(err)
	}

	var comment *models.Comment
	if isRootID(body.ID) {
		comment, err = s.Store.CreateRootComment(c, rootID, author, body.Content, settings, body.AuthorOnly)
	} else {
		comment, err = s.Store.CreateReply(c, body.ID, author, rootID, body.Content, settings, body.AuthorOnly)
	}
	if err != nil {
		return c.ErrorResponse(err)
	}

	if settings.NotifyAuthor {
		s.notifyRootAuthor(c, rootID, comment)
	}

	public, err := s.Store.PublicTrees(c, c.CurrentUserID(), []*comments.CommentTree{{Comment: *comment}})
	if err != nil {
		return c.ErrorResponse(err)
	}
	return JsonResponse(http.StatusCreated, public[0].Comment)
}

// Lets the owner of a root post know about new comments on it. Failures are
// logged and never fail the request.
func (s *Server) notifyRootAuthor(c *RequestContext, rootID string, comment *models.Comment) {
	rootAuthor := comments.RootAuthorOf(rootID)
	if rootAuthor == "" || rootAuthor == c.CurrentUser.ID {
		return
	}

	user, err := s.Auth.UserByID(c, rootAuthor)
	if err != nil {
		c.Logger.Warn().Err(err).Str("root", rootID).Msg("Could not look up root author to notify")
		return
	}
	if user.Email == "" {
		return
	}

	msg := email.Message{
		ToAddress: user.Email,
		ToName:    user.BestName(),
		Subject:   fmt.Sprintf("%s commented on %s", comment.AuthorName, rootID),
		Body:      comment.Content,
	}
	if !s.Outbox.Enqueue(msg) {
		c.Logger.Warn().Str("root", rootID).Msg("Email outbox is full, dropping notification")
	}
}

type editCommentRequest struct {
	ID         string `json:"id"`
	Content    string `json:"content"`
	AuthorOnly bool   `json:"author_only"`
}

func (s *Server) EditComment(c *RequestContext) ResponseData {
	var body editCommentRequest
	if err := c.ReadJSON(&body); err != nil {
		return c.ErrorResponse(err)
	}

	existing, err := s.Store.FetchComment(c, body.ID)
	if err != nil {
		return c.ErrorResponse(err)
	}
	settings, err := s.Store.Settings(c, comments.RootOf(existing.ID))
	if err != nil {
		return c.ErrorResponse(err)
	}

	comment, err := s.Store.EditComment(c, c.CurrentUser.ID, existing.ID, body.Content, body.AuthorOnly, settings)
	if err != nil {
		return c.ErrorResponse(err)
	}

	public, err := s.Store.PublicTrees(c, c.CurrentUserID(), []*comments.CommentTree{{Comment: *comment}})
	if err != nil {
		return c.ErrorResponse(err)
	}
	return JsonResponse(http.StatusOK, public[0].Comment)
}

func (s *Server) DeleteComment(c *RequestContext) ResponseData {
	id := c.Req.URL.Query().Get("id")
	if id == "" {
		return c.ErrorResponse(NewSafeError(ErrBadRequest, "an id is required"))
	}
	mode := comments.DeleteSoft
	if c.Req.URL.Query().Get("cascade") == "true" {
		mode = comments.DeleteCascade
	}

	if err := s.Store.DeleteComment(c, c.CurrentUser.ID, id, mode); err != nil {
		return c.ErrorResponse(err)
	}
	return ResponseData{StatusCode: http.StatusNoContent}
}

// Comment paths contain slashes, so URLs spell them with dashes.
func commentIDParam(c *RequestContext) string {
	return comments.IDFromURL(c.PathParams.ByName("id"))
}

func (s *Server) RawContent(c *RequestContext) ResponseData {
	raw, err := s.Store.RawContent(c, commentIDParam(c), c.CurrentUser.ID)
	if err != nil {
		return c.ErrorResponse(err)
	}

	var res ResponseData
	res.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	res.Write([]byte(raw))
	return res
}

type voteResponse struct {
	ID   string `json:"id"`
	Vote int64  `json:"vote"`
}

func (s *Server) vote(direction comments.VoteDirection) Handler {
	return func(c *RequestContext) ResponseData {
		id := commentIDParam(c)
		count, err := s.Store.Vote(c, id, c.CurrentUser.ID, direction)
		if err != nil {
			return c.ErrorResponse(err)
		}
		return JsonResponse(http.StatusOK, voteResponse{ID: id, Vote: count})
	}
}

func (s *Server) Login(c *RequestContext) ResponseData {
	userID, err := s.Auth.ConsumePreauthToken(c, c.PathParams.ByName("token"))
	if err != nil {
		return c.ErrorResponse(err)
	}
	session, err := s.Auth.CreateSession(c, userID)
	if err != nil {
		return c.ErrorResponse(oops.New(err, "failed to create session"))
	}
	c.Logger.Info().Str("user", userID).Msg("Logged in")

	var res ResponseData
	res.StatusCode = http.StatusNoContent
	res.SetCookie(s.Auth.NewSessionCookie(session))
	return res
}

func (s *Server) Logout(c *RequestContext) ResponseData {
	var res ResponseData
	res.StatusCode = http.StatusNoContent
	if c.CurrentSession != nil {
		if err := s.Auth.DeleteSession(c, c.CurrentSession.ID); err != nil {
			return c.ErrorResponse(err)
		}
	}
	res.SetCookie(s.Auth.DeleteSessionCookie())
	return res
}
