package comments

import (
	"context"

	"grimstack.io/grim/src/kv"
	"grimstack.io/grim/src/models"
)

// What a client gets to see of a comment.
type PublicComment struct {
	ID         string `json:"id"`
	Content    string `json:"content"`
	AuthorName string `json:"author_name"`
	Posted     int64  `json:"posted"`
	Vote       int64  `json:"vote"`
	Edited     *int64 `json:"edited,omitempty"`
	YouVoted   *bool  `json:"you_voted,omitempty"`
	AuthorOnly bool   `json:"author_only,omitempty"`
	Hidden     bool   `json:"hidden,omitempty"`
}

type PublicCommentTree struct {
	Comment  PublicComment        `json:"comment"`
	Children []*PublicCommentTree `json:"children,omitempty"`
}

// PublicTrees attaches vote totals to query results and shapes them for
// clients. YouVoted is only filled in when requestorID is not empty; it is
// true for an upvote and false for a downvote.
//
// A soft deleted comment with no remaining replies is dropped. One that still
// has replies is kept as a placeholder so the replies have somewhere to hang.
// Comments scoring below the root's HideWhenVoteBelow are marked hidden and
// their content is withheld.
func (s *Store) PublicTrees(ctx context.Context, requestorID string, trees []*CommentTree) ([]*PublicCommentTree, error) {
	result := []*PublicCommentTree{}
	if len(trees) == 0 {
		return result, nil
	}

	err := s.db.View(ctx, func(tx *kv.Tx) error {
		settingsByRoot := map[string]models.CommentSettings{}
		settingsFor := func(rootID string) (models.CommentSettings, error) {
			if settings, ok := settingsByRoot[rootID]; ok {
				return settings, nil
			}
			settings := s.defaults
			if _, err := tx.GetJSON(kv.TableCommentSettings, rootID, &settings); err != nil {
				return settings, err
			}
			settingsByRoot[rootID] = settings
			return settings, nil
		}

		var convert func(t *CommentTree) (*PublicCommentTree, error)
		convert = func(t *CommentTree) (*PublicCommentTree, error) {
			var children []*PublicCommentTree
			for _, child := range t.Children {
				converted, err := convert(child)
				if err != nil {
					return nil, err
				}
				if converted != nil {
					children = append(children, converted)
				}
			}

			c := t.Comment
			public := PublicComment{
				ID:         c.ID,
				Content:    c.Content,
				AuthorName: c.AuthorName,
				Posted:     c.Posted.Unix(),
				AuthorOnly: c.AuthorOnly,
			}
			if c.Edited != nil {
				edited := c.Edited.Unix()
				public.Edited = &edited
			}

			rawCount, ok, err := tx.Get(kv.TableCommentVotes, c.ID)
			if err != nil {
				return nil, err
			}
			if !ok {
				if len(children) == 0 {
					return nil, nil
				}
				public.Content = models.DeletedCommentContent
				public.AuthorName = models.DeletedCommentAuthor
				public.Edited = nil
				return &PublicCommentTree{Comment: public, Children: children}, nil
			}
			if public.Vote, err = decodeCount(rawCount); err != nil {
				return nil, err
			}

			if requestorID != "" {
				var vote models.Vote
				voted, err := tx.GetJSON(kv.TableCommentVoters, voterKey(c.ID, requestorID), &vote)
				if err != nil {
					return nil, err
				}
				if voted {
					up := vote.Up
					public.YouVoted = &up
				}
			}

			settings, err := settingsFor(RootOf(c.ID))
			if err != nil {
				return nil, err
			}
			if settings.HideWhenVoteBelow != nil && public.Vote < *settings.HideWhenVoteBelow {
				public.Hidden = true
				public.Content = ""
			}

			return &PublicCommentTree{Comment: public, Children: children}, nil
		}

		for _, t := range trees {
			converted, err := convert(t)
			if err != nil {
				return err
			}
			if converted != nil {
				result = append(result, converted)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
