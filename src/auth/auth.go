package auth

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"grimstack.io/grim/src/config"
	"grimstack.io/grim/src/expiry"
	"grimstack.io/grim/src/kv"
	"grimstack.io/grim/src/logging"
	"grimstack.io/grim/src/models"
	"grimstack.io/grim/src/oops"
)

var (
	ErrInvalid    = errors.New("invalid user data")
	ErrTaken      = errors.New("already taken")
	ErrNoSuchUser = errors.New("no such user")
)

// Accounts that are not verified within this window are deleted.
const unverifiedUserLifetime = 15 * time.Minute

type Auth struct {
	db       *kv.DB
	registry *expiry.Registry
	conf     config.AuthConfig

	now func() time.Time
}

func New(db *kv.DB, registry *expiry.Registry, conf config.AuthConfig) *Auth {
	return &Auth{
		db:       db,
		registry: registry,
		conf:     conf,
		now:      time.Now,
	}
}

func unverifiedKey(userID string) string {
	return "unverified:" + userID
}

func validName(name string) bool {
	return name != "" && !strings.ContainsAny(name, "/:< \t\n")
}

// CreateUser registers a new, unverified user. Unless VerifyUser is called
// within 15 minutes the user and their name reservations are deleted again.
func (a *Auth) CreateUser(ctx context.Context, username, handle, email string) (*models.User, error) {
	if !validName(username) {
		return nil, oops.New(ErrInvalid, "'%s' is not a valid username", username)
	}
	if handle != "" && !validName(handle) {
		return nil, oops.New(ErrInvalid, "'%s' is not a valid handle", handle)
	}

	var user *models.User
	err := a.db.Update(ctx, func(tx *kv.Tx) error {
		if taken, err := tx.Has(kv.TableUsernames, username); err != nil {
			return err
		} else if taken {
			return kv.Abort(oops.New(ErrTaken, "username '%s' is taken", username))
		}
		if handle != "" {
			if taken, err := tx.Has(kv.TableHandles, handle); err != nil {
				return err
			} else if taken {
				return kv.Abort(oops.New(ErrTaken, "handle '%s' is taken", handle))
			}
		}

		seq, err := tx.NextSequence("user")
		if err != nil {
			return err
		}
		user = &models.User{
			ID:       strconv.FormatUint(seq, 10),
			Username: username,
			Handle:   handle,
			Email:    email,
			Created:  a.now().UTC(),
		}

		if err := tx.PutJSON(kv.TableUsers, user.ID, user); err != nil {
			return err
		}
		if err := tx.Put(kv.TableUsernames, username, []byte(user.ID)); err != nil {
			return err
		}
		cleanup := map[kv.Table][]string{
			kv.TableUsers:     {user.ID},
			kv.TableUsernames: {username},
		}
		if handle != "" {
			if err := tx.Put(kv.TableHandles, handle, []byte(user.ID)); err != nil {
				return err
			}
			cleanup[kv.TableHandles] = []string{handle}
		}

		return a.registry.ScheduleTx(tx, unverifiedUserLifetime, expiry.DeleteAcross(cleanup), unverifiedKey(user.ID))
	})
	if err != nil {
		return nil, err
	}

	logging.ExtractLogger(ctx).Info().Str("user", user.ID).Str("username", username).Msg("Created user")
	return user, nil
}

// VerifyUser marks a user as verified and keeps them from being deleted.
func (a *Auth) VerifyUser(ctx context.Context, userID string) error {
	return a.db.Update(ctx, func(tx *kv.Tx) error {
		var user models.User
		found, err := tx.GetJSON(kv.TableUsers, userID, &user)
		if err != nil {
			return err
		}
		if !found {
			return kv.Abort(oops.New(ErrNoSuchUser, "no user with id %s", userID))
		}
		if user.Verified {
			return nil
		}

		user.Verified = true
		if err := tx.PutJSON(kv.TableUsers, userID, user); err != nil {
			return err
		}
		_, err = a.registry.CancelTx(tx, unverifiedKey(userID))
		return err
	})
}

func (a *Auth) UserByID(ctx context.Context, userID string) (*models.User, error) {
	var user models.User
	err := a.db.View(ctx, func(tx *kv.Tx) error {
		found, err := tx.GetJSON(kv.TableUsers, userID, &user)
		if err != nil {
			return err
		}
		if !found {
			return oops.New(ErrNoSuchUser, "no user with id %s", userID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (a *Auth) UserIDByUsername(ctx context.Context, username string) (string, error) {
	return a.lookup(ctx, kv.TableUsernames, username)
}

func (a *Auth) UserIDByHandle(ctx context.Context, handle string) (string, error) {
	return a.lookup(ctx, kv.TableHandles, handle)
}

func (a *Auth) lookup(ctx context.Context, table kv.Table, name string) (string, error) {
	var id string
	err := a.db.View(ctx, func(tx *kv.Tx) error {
		val, found, err := tx.Get(table, name)
		if err != nil {
			return err
		}
		if !found {
			return oops.New(ErrNoSuchUser, "nobody is called '%s'", name)
		}
		id = string(val)
		return nil
	})
	return id, err
}

func (a *Auth) MakeAdmin(ctx context.Context, userID string) error {
	return a.db.Update(ctx, func(tx *kv.Tx) error {
		if exists, err := tx.Has(kv.TableUsers, userID); err != nil {
			return err
		} else if !exists {
			return kv.Abort(oops.New(ErrNoSuchUser, "no user with id %s", userID))
		}
		return tx.Put(kv.TableAdmins, userID, nil)
	})
}

func (a *Auth) IsAdmin(ctx context.Context, userID string) (bool, error) {
	var admin bool
	err := a.db.View(ctx, func(tx *kv.Tx) error {
		var err error
		admin, err = tx.Has(kv.TableAdmins, userID)
		return err
	})
	return admin, err
}
