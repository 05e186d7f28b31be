package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"grimstack.io/grim/src/expiry"
	"grimstack.io/grim/src/kv"
	"grimstack.io/grim/src/logging"
	"grimstack.io/grim/src/models"
	"grimstack.io/grim/src/oops"
)

const SessionCookieName = "GrimSession"

var ErrNoSession = errors.New("no session found")

func sessionKey(id string) string {
	return "session:" + id
}

// CreateSession logs userID in. The session is deleted by the expiry sweeper
// once it runs out.
func (a *Auth) CreateSession(ctx context.Context, userID string) (*models.Session, error) {
	now := a.now().UTC()
	session := models.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Created:   now,
		ExpiresAt: now.Add(a.conf.SessionDuration),
	}

	err := a.db.Update(ctx, func(tx *kv.Tx) error {
		if exists, err := tx.Has(kv.TableUsers, userID); err != nil {
			return err
		} else if !exists {
			return kv.Abort(oops.New(ErrNoSuchUser, "no user with id %s", userID))
		}
		if err := tx.PutJSON(kv.TableSessions, session.ID, session); err != nil {
			return err
		}
		return a.registry.ScheduleTx(tx, a.conf.SessionDuration, expiry.DeleteKey(kv.TableSessions, session.ID), sessionKey(session.ID))
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// GetSession returns a live session. Sessions past their expiry time count as
// missing even if the sweeper has not removed them yet.
func (a *Auth) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var session models.Session
	err := a.db.View(ctx, func(tx *kv.Tx) error {
		found, err := tx.GetJSON(kv.TableSessions, id, &session)
		if err != nil {
			return err
		}
		if !found {
			return ErrNoSession
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !a.now().Before(session.ExpiresAt) {
		return nil, ErrNoSession
	}
	return &session, nil
}

// Deletes a session by id. If no session with that id exists, no
// error is returned.
func (a *Auth) DeleteSession(ctx context.Context, id string) error {
	err := a.db.Update(ctx, func(tx *kv.Tx) error {
		if err := tx.Delete(kv.TableSessions, id); err != nil {
			return err
		}
		_, err := a.registry.CancelTx(tx, sessionKey(id))
		return err
	})
	if err != nil {
		return oops.New(err, "failed to delete session")
	}
	logging.ExtractLogger(ctx).Debug().Str("session", id).Msg("Deleted session")
	return nil
}

func (a *Auth) NewSessionCookie(session *models.Session) *http.Cookie {
	return &http.Cookie{
		Name:  SessionCookieName,
		Value: session.ID,

		Domain:  a.conf.CookieDomain,
		Expires: session.ExpiresAt,

		Secure:   a.conf.CookieSecure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

func (a *Auth) DeleteSessionCookie() *http.Cookie {
	return &http.Cookie{
		Name:   SessionCookieName,
		Domain: a.conf.CookieDomain,
		MaxAge: -1,
	}
}
