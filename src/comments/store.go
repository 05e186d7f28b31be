package comments

import (
	"context"
	"encoding/binary"
	"strings"
	"time"
	"unicode/utf8"

	"grimstack.io/grim/src/config"
	"grimstack.io/grim/src/kv"
	"grimstack.io/grim/src/logging"
	"grimstack.io/grim/src/metrics"
	"grimstack.io/grim/src/models"
	"grimstack.io/grim/src/oops"
	"grimstack.io/grim/src/parsing"
)

type Store struct {
	db       *kv.DB
	conf     config.CommentsConfig
	defaults models.CommentSettings

	now func() time.Time
}

func NewStore(db *kv.DB, conf config.CommentsConfig) *Store {
	return &Store{
		db:       db,
		conf:     conf,
		defaults: DefaultSettings(conf),
		now:      time.Now,
	}
}

func DefaultSettings(conf config.CommentsConfig) models.CommentSettings {
	return models.CommentSettings{
		Public:           true,
		MinCommentLength: conf.MinLength,
		MaxCommentLength: conf.MaxLength,
		MaxLevel:         conf.MaxLevel,
		NotifyAuthor:     true,
	}
}

type Author struct {
	ID   string
	Name string
}

type DeleteMode int

const (
	// Replace the comment with a tombstone and leave its replies alone.
	DeleteSoft DeleteMode = iota
	// Remove the comment and every reply below it.
	DeleteCascade
)

type VoteDirection int

const (
	VoteNone VoteDirection = iota
	VoteUp
	VoteDown
)

func (d VoteDirection) String() string {
	switch d {
	case VoteUp:
		return "up"
	case VoteDown:
		return "down"
	default:
		return "none"
	}
}

// Settings returns the comment settings saved for rootID, or the defaults if
// none were ever saved.
func (s *Store) Settings(ctx context.Context, rootID string) (models.CommentSettings, error) {
	settings, _, err := s.loadSettings(ctx, rootID)
	return settings, err
}

func (s *Store) loadSettings(ctx context.Context, rootID string) (models.CommentSettings, bool, error) {
	settings := s.defaults
	var found bool
	err := s.db.View(ctx, func(tx *kv.Tx) error {
		var err error
		found, err = tx.GetJSON(kv.TableCommentSettings, rootID, &settings)
		return err
	})
	if err != nil {
		return models.CommentSettings{}, false, err
	}
	return settings, found, nil
}

func (s *Store) SaveSettings(ctx context.Context, rootID string, settings models.CommentSettings) error {
	if err := validateRootID(rootID); err != nil {
		return err
	}
	return s.db.Update(ctx, func(tx *kv.Tx) error {
		return tx.PutJSON(kv.TableCommentSettings, rootID, settings)
	})
}

// Trims and checks raw content against the root's settings. Runs before any
// transaction starts.
func validateContent(raw string, settings models.CommentSettings) (string, error) {
	raw = strings.TrimSpace(raw)
	length := utf8.RuneCountInString(raw)
	if settings.MinCommentLength > 0 && length < settings.MinCommentLength {
		return "", oops.New(ErrValidation, "comment is too short (%d < %d)", length, settings.MinCommentLength)
	}
	if settings.MaxCommentLength > 0 && length > settings.MaxCommentLength {
		return "", oops.New(ErrValidation, "comment is too long (%d > %d)", length, settings.MaxCommentLength)
	}
	lowered := strings.ToLower(raw)
	for _, str := range settings.DisqualifiedStrs {
		if str != "" && strings.Contains(lowered, strings.ToLower(str)) {
			return "", oops.New(ErrValidation, "comment contains a disallowed phrase")
		}
	}
	return raw, nil
}

func encodeCount(n int64) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(n))
}

func decodeCount(raw []byte) (int64, error) {
	if len(raw) != 8 {
		return 0, oops.New(ErrStorage, "vote count has a malformed value")
	}
	return int64(binary.BigEndian.Uint64(raw)), nil
}

func getComment(tx *kv.Tx, fullID string) (*models.Comment, error) {
	var comment models.Comment
	ok, err := tx.GetJSON(kv.TableComments, fullID, &comment)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &comment, nil
}

// Writes every per-comment row for a brand new comment.
func putNewComment(tx *kv.Tx, comment *models.Comment, raw string) error {
	if err := tx.PutJSON(kv.TableComments, comment.ID, comment); err != nil {
		return err
	}
	if err := tx.Put(kv.TableCommentRaw, comment.ID, []byte(raw)); err != nil {
		return err
	}
	if err := tx.Put(kv.TableCommentVotes, comment.ID, encodeCount(0)); err != nil {
		return err
	}
	// Short ids are only unique within one root. The global entry goes to the
	// first comment to claim it; the per-root entry is always written.
	short := shortIDOf(comment.ID)
	if err := tx.Put(kv.TableCommentKeyPaths, rootKeyPath(RootOf(comment.ID), short), []byte(comment.ID)); err != nil {
		return err
	}
	if taken, err := tx.Has(kv.TableCommentKeyPaths, short); err != nil {
		return err
	} else if !taken {
		if err := tx.Put(kv.TableCommentKeyPaths, short, []byte(comment.ID)); err != nil {
			return err
		}
	}
	return nil
}

// CreateRootComment posts a new first-level comment on rootID.
func (s *Store) CreateRootComment(
	ctx context.Context,
	rootID string,
	author Author,
	raw string,
	settings models.CommentSettings,
	authorOnly bool,
) (*models.Comment, error) {
	if err := validateRootID(rootID); err != nil {
		return nil, err
	}
	if err := validateUserID(author.ID); err != nil {
		return nil, err
	}
	raw, err := validateContent(raw, settings)
	if err != nil {
		return nil, err
	}
	content := parsing.RenderComment(raw)

	var comment *models.Comment
	err = s.db.Update(ctx, func(tx *kv.Tx) error {
		fullID, _, err := newFirstLevelID(tx, rootID, author.ID)
		if err != nil {
			return err
		}
		if exists, err := tx.Has(kv.TableCommentTrees, fullID); err != nil {
			return err
		} else if exists {
			return kv.Abort(oops.New(ErrConflict, "comment tree %s already exists", fullID))
		}

		comment = &models.Comment{
			ID:         fullID,
			AuthorName: author.Name,
			Content:    content,
			Posted:     s.now().UTC(),
			Public:     true,
			AuthorOnly: authorOnly,
		}
		if err := saveTree(tx, newTreeRoot(fullID)); err != nil {
			return err
		}
		return putNewComment(tx, comment, raw)
	})
	if err != nil {
		return nil, err
	}

	metrics.CommentsCreated.Inc()
	logging.ExtractLogger(ctx).Debug().Str("comment", comment.ID).Msg("Created comment")
	return comment, nil
}

// CreateReply posts a reply to parentID, which may be a full path or a bare
// short id. Replies to author-only comments are author-only as well.
func (s *Store) CreateReply(
	ctx context.Context,
	parentID string,
	author Author,
	rootID string,
	raw string,
	settings models.CommentSettings,
	authorOnly bool,
) (*models.Comment, error) {
	if err := validateRootID(rootID); err != nil {
		return nil, err
	}
	if err := validateUserID(author.ID); err != nil {
		return nil, err
	}
	raw, err := validateContent(raw, settings)
	if err != nil {
		return nil, err
	}
	content := parsing.RenderComment(raw)

	var comment *models.Comment
	err = s.db.Update(ctx, func(tx *kv.Tx) error {
		parentPath, err := resolveIDInRoot(tx, parentID, rootID)
		if err != nil {
			return err
		}
		if RootOf(parentPath) != rootID {
			return kv.Abort(oops.New(ErrValidation, "comment %s is not under %s", parentPath, rootID))
		}
		parent, err := getComment(tx, parentPath)
		if err != nil {
			return err
		}
		if parent == nil {
			return kv.Abort(oops.New(ErrNotFound, "no comment with id '%s'", parentPath))
		}

		treeKey, below := TreeKeyOf(parentPath)
		newLevel := len(below) + 1
		if settings.MaxLevel > 0 && newLevel >= settings.MaxLevel {
			return kv.Abort(oops.New(ErrValidation, "replies cannot be nested more than %d levels deep", settings.MaxLevel-1))
		}

		tree, err := loadTree(tx, treeKey)
		if err != nil {
			return err
		}
		if tree == nil {
			return kv.Abort(oops.New(ErrStorage, "comment %s exists but its tree %s does not", parentPath, treeKey))
		}

		fullID, shortID, err := newSubcommentID(tx, rootID, parentPath, author.ID)
		if err != nil {
			return err
		}
		if !tree.InsertChild(splitPath(fullID), &CommentTreeNode{Comment: shortID}) {
			return kv.Abort(oops.New(ErrStorage, "comment %s is missing from tree %s", parentPath, treeKey))
		}
		if err := saveTree(tx, tree); err != nil {
			return err
		}

		comment = &models.Comment{
			ID:         fullID,
			AuthorName: author.Name,
			Content:    content,
			Posted:     s.now().UTC(),
			Public:     true,
			AuthorOnly: authorOnly || parent.AuthorOnly,
		}
		return putNewComment(tx, comment, raw)
	})
	if err != nil {
		return nil, err
	}

	metrics.CommentsCreated.Inc()
	logging.ExtractLogger(ctx).Debug().Str("comment", comment.ID).Msg("Created reply")
	return comment, nil
}

// EditComment replaces the content of one of editorID's comments.
func (s *Store) EditComment(
	ctx context.Context,
	editorID string,
	id string,
	raw string,
	authorOnly bool,
	settings models.CommentSettings,
) (*models.Comment, error) {
	raw, err := validateContent(raw, settings)
	if err != nil {
		return nil, err
	}
	if AuthorOf(id) != editorID {
		return nil, oops.New(ErrUnauthorized, "you cannot edit another user's comments")
	}
	content := parsing.RenderComment(raw)

	var comment *models.Comment
	err = s.db.Update(ctx, func(tx *kv.Tx) error {
		fullID, err := resolveID(tx, id)
		if err != nil {
			return err
		}
		comment, err = getComment(tx, fullID)
		if err != nil {
			return err
		}
		if comment == nil {
			return kv.Abort(oops.New(ErrNotFound, "no comment with id '%s'", fullID))
		}
		// Tombstones have no vote row and cannot be revived by editing.
		if alive, err := tx.Has(kv.TableCommentVotes, fullID); err != nil {
			return err
		} else if !alive {
			return kv.Abort(oops.New(ErrNotFound, "comment '%s' was deleted", fullID))
		}

		edited := s.now().UTC()
		comment.Content = content
		comment.Edited = &edited
		comment.AuthorOnly = authorOnly

		if err := tx.PutJSON(kv.TableComments, fullID, comment); err != nil {
			return err
		}
		return tx.Put(kv.TableCommentRaw, fullID, []byte(raw))
	})
	if err != nil {
		return nil, err
	}

	metrics.CommentsEdited.Inc()
	return comment, nil
}

// DeleteComment removes one of requestorID's comments. Soft deletes leave a
// tombstone in place so replies stay attached. Cascade deletes remove the
// comment and every reply below it.
func (s *Store) DeleteComment(ctx context.Context, requestorID string, id string, mode DeleteMode) error {
	if AuthorOf(id) != requestorID {
		return oops.New(ErrUnauthorized, "you cannot delete another user's comments")
	}

	var deleted int
	err := s.db.Update(ctx, func(tx *kv.Tx) error {
		fullID, err := resolveID(tx, id)
		if err != nil {
			return err
		}
		comment, err := getComment(tx, fullID)
		if err != nil {
			return err
		}
		if comment == nil {
			return kv.Abort(oops.New(ErrNotFound, "no comment with id '%s'", fullID))
		}

		switch mode {
		case DeleteSoft:
			deleted = 1
			return softDelete(tx, comment)
		case DeleteCascade:
			deleted, err = cascadeDelete(tx, fullID)
			return err
		default:
			return kv.Abort(oops.New(ErrValidation, "unknown delete mode %d", mode))
		}
	})
	if err != nil {
		return err
	}

	metrics.CommentsDeleted.Add(deleted)
	logging.ExtractLogger(ctx).Debug().Str("comment", id).Int("removed", deleted).Msg("Deleted comment")
	return nil
}

func softDelete(tx *kv.Tx, comment *models.Comment) error {
	tombstone := models.Comment{
		ID:         comment.ID,
		AuthorName: models.DeletedCommentAuthor,
		Content:    models.DeletedCommentContent,
		Posted:     comment.Posted,
		Public:     comment.Public,
		AuthorOnly: comment.AuthorOnly,
	}
	if err := tx.PutJSON(kv.TableComments, comment.ID, tombstone); err != nil {
		return err
	}
	if err := tx.Delete(kv.TableCommentRaw, comment.ID); err != nil {
		return err
	}
	if err := tx.Delete(kv.TableCommentVotes, comment.ID); err != nil {
		return err
	}
	return deleteVoters(tx, comment.ID)
}

func deleteVoters(tx *kv.Tx, commentID string) error {
	var keys []string
	err := tx.ScanPrefix(kv.TableCommentVoters, voterPrefix(commentID), func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := tx.Delete(kv.TableCommentVoters, key); err != nil {
			return err
		}
	}
	return nil
}

// Removes fullID and everything below it from the tree index and from every
// per-comment table. Returns how many comments were removed.
func cascadeDelete(tx *kv.Tx, fullID string) (int, error) {
	treeKey, below := TreeKeyOf(fullID)
	if treeKey == "" {
		return 0, kv.Abort(oops.New(ErrValidation, "'%s' is not a comment path", fullID))
	}
	tree, err := loadTree(tx, treeKey)
	if err != nil {
		return 0, err
	}
	if tree == nil {
		return 0, kv.Abort(oops.New(ErrStorage, "comment %s exists but its tree %s does not", fullID, treeKey))
	}

	var removed *CommentTreeNode
	if len(below) == 0 {
		removed = tree
		if err := tx.Delete(kv.TableCommentTrees, treeKey); err != nil {
			return 0, err
		}
	} else {
		removed = tree.RemoveSubtree(below)
		if removed == nil {
			return 0, kv.Abort(oops.New(ErrStorage, "comment %s is missing from tree %s", fullID, treeKey))
		}
		if err := saveTree(tx, tree); err != nil {
			return 0, err
		}
	}

	ids := removed.IDs(fullID)
	for _, id := range ids {
		if exists, err := tx.Has(kv.TableComments, id); err != nil {
			return 0, err
		} else if !exists {
			return 0, kv.Abort(oops.New(ErrStorage, "tree %s references missing comment %s", treeKey, id))
		}
		for _, table := range []kv.Table{kv.TableComments, kv.TableCommentRaw, kv.TableCommentVotes} {
			if err := tx.Delete(table, id); err != nil {
				return 0, err
			}
		}
		if err := deleteVoters(tx, id); err != nil {
			return 0, err
		}

		short := shortIDOf(id)
		if err := tx.Delete(kv.TableCommentKeyPaths, rootKeyPath(RootOf(id), short)); err != nil {
			return 0, err
		}
		if path, ok, err := tx.Get(kv.TableCommentKeyPaths, short); err != nil {
			return 0, err
		} else if ok && string(path) == id {
			if err := tx.Delete(kv.TableCommentKeyPaths, short); err != nil {
				return 0, err
			}
		}
	}
	return len(ids), nil
}

// Vote records voterID's vote on a comment and returns the new total.
// VoteNone retracts an existing vote. Repeating the same vote is a conflict.
func (s *Store) Vote(ctx context.Context, id string, voterID string, direction VoteDirection) (int64, error) {
	if err := validateUserID(voterID); err != nil {
		return 0, err
	}

	var count int64
	err := s.db.Update(ctx, func(tx *kv.Tx) error {
		fullID, err := resolveID(tx, id)
		if err != nil {
			return err
		}
		rawCount, ok, err := tx.Get(kv.TableCommentVotes, fullID)
		if err != nil {
			return err
		}
		if !ok {
			return kv.Abort(oops.New(ErrNotFound, "no votable comment with id '%s'", fullID))
		}
		count, err = decodeCount(rawCount)
		if err != nil {
			return err
		}

		key := voterKey(fullID, voterID)
		var existing models.Vote
		voted, err := tx.GetJSON(kv.TableCommentVoters, key, &existing)
		if err != nil {
			return err
		}

		switch {
		case voted && direction == VoteNone:
			if existing.Up {
				count--
			} else {
				count++
			}
			if err := tx.Delete(kv.TableCommentVoters, key); err != nil {
				return err
			}
			return tx.Put(kv.TableCommentVotes, fullID, encodeCount(count))
		case !voted && direction == VoteNone:
			return kv.Abort(oops.New(ErrConflict, "there is no vote to retract"))
		case voted && existing.Up == (direction == VoteUp):
			return kv.Abort(oops.New(ErrConflict, "you already voted %s", direction))
		case voted:
			// Flip: remove the old contribution and add the new one.
			if direction == VoteUp {
				count += 2
			} else {
				count -= 2
			}
		default:
			if direction == VoteUp {
				count++
			} else {
				count--
			}
		}

		vote := models.Vote{ID: key, Up: direction == VoteUp, When: s.now().UTC()}
		if err := tx.PutJSON(kv.TableCommentVoters, key, vote); err != nil {
			return err
		}
		return tx.Put(kv.TableCommentVotes, fullID, encodeCount(count))
	})
	if err != nil {
		return 0, err
	}

	metrics.Votes(direction.String()).Inc()
	return count, nil
}

// FetchComment loads one comment record by full path or bare id.
func (s *Store) FetchComment(ctx context.Context, id string) (*models.Comment, error) {
	var comment *models.Comment
	err := s.db.View(ctx, func(tx *kv.Tx) error {
		fullID, err := resolveID(tx, id)
		if err != nil {
			return err
		}
		comment, err = getComment(tx, fullID)
		if err != nil {
			return err
		}
		if comment == nil {
			return oops.New(ErrNotFound, "no comment with id '%s'", fullID)
		}
		return nil
	})
	return comment, err
}

// RawContent returns the markdown a comment was written in. Only the
// comment's author may see it.
func (s *Store) RawContent(ctx context.Context, id string, requestorID string) (string, error) {
	if AuthorOf(id) != requestorID {
		return "", oops.New(ErrUnauthorized, "only the author can see a comment's source")
	}
	var raw string
	err := s.db.View(ctx, func(tx *kv.Tx) error {
		fullID, err := resolveID(tx, id)
		if err != nil {
			return err
		}
		val, ok, err := tx.Get(kv.TableCommentRaw, fullID)
		if err != nil {
			return err
		}
		if !ok {
			return oops.New(ErrNotFound, "no comment with id '%s'", fullID)
		}
		raw = string(val)
		return nil
	})
	return raw, err
}

// SetCommentPublic hides or unhides a comment. Hidden comments are only
// visible to their author and admins.
func (s *Store) SetCommentPublic(ctx context.Context, id string, public bool) error {
	return s.db.Update(ctx, func(tx *kv.Tx) error {
		fullID, err := resolveID(tx, id)
		if err != nil {
			return err
		}
		comment, err := getComment(tx, fullID)
		if err != nil {
			return err
		}
		if comment == nil {
			return kv.Abort(oops.New(ErrNotFound, "no comment with id '%s'", fullID))
		}
		comment.Public = public
		return tx.PutJSON(kv.TableComments, fullID, comment)
	})
}

// Tree returns the stored tree that contains id.
func (s *Store) Tree(ctx context.Context, id string) (*CommentTreeNode, error) {
	var tree *CommentTreeNode
	err := s.db.View(ctx, func(tx *kv.Tx) error {
		fullID, err := resolveID(tx, id)
		if err != nil {
			return err
		}
		treeKey, _ := TreeKeyOf(fullID)
		tree, err = loadTree(tx, treeKey)
		if err != nil {
			return err
		}
		if tree == nil {
			return oops.New(ErrNotFound, "no comment tree for '%s'", fullID)
		}
		return nil
	})
	return tree, err
}
