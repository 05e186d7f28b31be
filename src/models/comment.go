package models

import "time"

type Comment struct {
	ID         string     `json:"id"`
	AuthorName string     `json:"author_name"`
	Content    string     `json:"content"`
	Posted     time.Time  `json:"posted"`
	Edited     *time.Time `json:"edited,omitempty"`
	Public     bool       `json:"public"`
	AuthorOnly bool       `json:"author_only"`
}

// Shown in place of a comment that was soft deleted.
const (
	DeletedCommentAuthor  = "_"
	DeletedCommentContent = "[deleted]"
)

func (c *Comment) IsDeleted() bool {
	return c.AuthorName == DeletedCommentAuthor && c.Content == DeletedCommentContent
}

// One row per (comment, voter) pair, keyed "{commentID}<{voterID}".
type Vote struct {
	ID   string    `json:"id"`
	Up   bool      `json:"up"`
	When time.Time `json:"when"`
}

// Per-root rules for commenting. Zero lengths and levels mean "no limit".
type CommentSettings struct {
	Public            bool     `json:"public"`
	VisibleTo         []string `json:"visible_to,omitempty"`
	MinCommentLength  int      `json:"min_comment_length,omitempty"`
	MaxCommentLength  int      `json:"max_comment_length,omitempty"`
	DisqualifiedStrs  []string `json:"disqualified_strs,omitempty"`
	HideWhenVoteBelow *int64   `json:"hide_when_vote_below,omitempty"`
	MaxLevel          int      `json:"max_level,omitempty"`
	NotifyAuthor      bool     `json:"notify_author"`
}
