package auth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"grimstack.io/grim/src/expiry"
	"grimstack.io/grim/src/kv"
	"grimstack.io/grim/src/models"
	"grimstack.io/grim/src/oops"
)

const preauthTokenLifetime = 15 * time.Minute

var ErrNoToken = errors.New("no such token")

func preauthKey(id string) string {
	return "preauth:" + id
}

// CreatePreauthToken makes a single-use token that ConsumePreauthToken trades
// for the user's id.
func (a *Auth) CreatePreauthToken(ctx context.Context, userID string) (*models.PreauthToken, error) {
	token := models.PreauthToken{
		ID:        uuid.NewString(),
		UserID:    userID,
		ExpiresAt: a.now().UTC().Add(preauthTokenLifetime),
	}
	err := a.db.Update(ctx, func(tx *kv.Tx) error {
		if err := tx.PutJSON(kv.TablePreauthTokens, token.ID, token); err != nil {
			return err
		}
		return a.registry.ScheduleTx(tx, preauthTokenLifetime, expiry.DeleteKey(kv.TablePreauthTokens, token.ID), preauthKey(token.ID))
	})
	if err != nil {
		return nil, err
	}
	return &token, nil
}

func (a *Auth) ConsumePreauthToken(ctx context.Context, id string) (string, error) {
	var token models.PreauthToken
	err := a.db.Update(ctx, func(tx *kv.Tx) error {
		found, err := tx.GetJSON(kv.TablePreauthTokens, id, &token)
		if err != nil {
			return err
		}
		if !found {
			return kv.Abort(oops.New(ErrNoToken, "preauth token not found"))
		}
		if err := tx.Delete(kv.TablePreauthTokens, id); err != nil {
			return err
		}
		_, err = a.registry.CancelTx(tx, preauthKey(id))
		return err
	})
	if err != nil {
		return "", err
	}
	if !a.now().Before(token.ExpiresAt) {
		return "", oops.New(ErrNoToken, "preauth token expired")
	}
	return token.UserID, nil
}
