package comments

import (
	"context"
	"runtime"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"grimstack.io/grim/src/kv"
	"grimstack.io/grim/src/logging"
	"grimstack.io/grim/src/metrics"
	"grimstack.io/grim/src/models"
	"grimstack.io/grim/src/oops"
)

// The user a query is made on behalf of. A nil *Requestor is an anonymous
// visitor.
type Requestor struct {
	ID      string
	IsAdmin bool
}

type Query struct {
	IDs               []string `json:"ids,omitempty"`
	SkipIDs           []string `json:"skip_ids,omitempty"`
	Authors           []string `json:"authors,omitempty"`
	AuthorIDs         []string `json:"author_ids,omitempty"`
	ExcludedAuthorIDs []string `json:"excluded_author_ids,omitempty"`
	AuthorName        string   `json:"author_name,omitempty"`
	AuthorHandle      string   `json:"author_handle,omitempty"`
	AuthorID          string   `json:"author_id,omitempty"`

	Public *bool `json:"public,omitempty"`

	// Unix seconds.
	PostedBefore *int64 `json:"posted_before,omitempty"`
	PostedAfter  *int64 `json:"posted_after,omitempty"`

	// Calendar components of the posting time, in UTC.
	Year  *int `json:"year,omitempty"`
	Month *int `json:"month,omitempty"`
	Day   *int `json:"day,omitempty"`
	Hour  *int `json:"hour,omitempty"`

	// How many levels below the selected comments to return.
	MaxLevel *uint64 `json:"max_level,omitempty"`

	// A root id, a first-level comment, or any deeper comment path. A bare
	// "{authorID}:{seq}" id is resolved through the key path index.
	Path string `json:"path"`

	Amount *int `json:"amount,omitempty"`
	Page   int  `json:"page"`
}

type CommentTree struct {
	Comment  models.Comment `json:"comment"`
	Children []*CommentTree `json:"children,omitempty"`
}

type selectedNode struct {
	node   *CommentTreeNode
	fullID string
}

type queryFilter struct {
	q          Query
	requestor  *Requestor
	rootAuthor string
	maxLevel   uint64

	ids       map[string]bool
	skipIDs   map[string]bool
	excluded  map[string]bool
	authorIDs map[string]bool

	records map[string]*models.Comment
}

func toSet(items []string) map[string]bool {
	if items == nil {
		return nil
	}
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}

// Query returns the comment trees selected by q, filtered down to what
// requestor is allowed to see. A nil result with a nil error means the query
// named an author that does not exist.
func (s *Store) Query(ctx context.Context, requestor *Requestor, q Query) ([]*CommentTree, error) {
	metrics.CommentQueries.Inc()

	path := strings.Trim(q.Path, pathSeparator)
	if path == "" {
		return nil, oops.New(ErrValidation, "a comment query needs a path")
	}

	isAdmin := requestor != nil && requestor.IsAdmin
	limit := s.conf.MaxAmount
	if isAdmin {
		limit = s.conf.MaxAmountAdmin
	}
	pageSize := s.conf.QueryAmount
	if q.Amount != nil {
		pageSize = *q.Amount
	}
	if pageSize <= 0 || pageSize > limit {
		return nil, oops.New(ErrValidation, "amount must be between 1 and %d", limit)
	}

	filter := &queryFilter{
		q:         q,
		requestor: requestor,
		maxLevel:  uint64(s.conf.QueryMaxLevel),
		ids:       toSet(q.IDs),
		skipIDs:   toSet(q.SkipIDs),
		excluded:  toSet(q.ExcludedAuthorIDs),
		records:   make(map[string]*models.Comment),
	}
	if q.MaxLevel != nil {
		filter.maxLevel = *q.MaxLevel
	}

	var selected []selectedNode
	var noSuchAuthor bool
	err := s.db.View(ctx, func(tx *kv.Tx) error {
		var err error
		if isBareID(path) {
			if path, err = resolveID(tx, path); err != nil {
				return err
			}
		}
		parts := splitPath(path)
		rootID := parts[0]
		filter.rootAuthor = RootAuthorOf(rootID)

		if err := checkRootVisibility(tx, rootID, requestor); err != nil {
			return err
		}

		noSuchAuthor, err = s.resolveAuthors(tx, filter)
		if err != nil || noSuchAuthor {
			return err
		}

		selected, err = selectTrees(tx, parts, pageSize, q.Page)
		if err != nil {
			return err
		}

		// Load every record the filter could need while the snapshot is open.
		for _, sel := range selected {
			base := sel.node.Level
			var loadErr error
			sel.node.Walk(sel.fullID, func(fullID string, node *CommentTreeNode) {
				if loadErr != nil || node.Level-base >= filter.maxLevel {
					return
				}
				comment, err := getComment(tx, fullID)
				if err != nil {
					loadErr = err
					return
				}
				if comment == nil {
					logging.ExtractLogger(ctx).Warn().Str("comment", fullID).Msg("Comment tree references a missing comment")
					return
				}
				filter.records[fullID] = comment
			})
			if loadErr != nil {
				return loadErr
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if noSuchAuthor {
		return nil, nil
	}

	// Top-level trees are independent, so filter them in parallel. Deeper
	// levels stay sequential.
	results := make([][]*CommentTree, len(selected))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, sel := range selected {
		i, sel := i, sel
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = filter.build(sel.node, sel.fullID, sel.node.Level)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	trees := []*CommentTree{}
	for _, r := range results {
		trees = append(trees, r...)
	}
	return trees, nil
}

// Non-public roots can only be read by their author and admins. A visible_to
// list further restricts logged in users.
func checkRootVisibility(tx *kv.Tx, rootID string, requestor *Requestor) error {
	var settings models.CommentSettings
	found, err := tx.GetJSON(kv.TableCommentSettings, rootID, &settings)
	if err != nil || !found {
		return err
	}
	if requestor != nil && (requestor.IsAdmin || requestor.ID == RootAuthorOf(rootID)) {
		return nil
	}
	if !settings.Public {
		return oops.New(ErrUnauthorized, "comments on %s are not public", rootID)
	}
	if requestor != nil && len(settings.VisibleTo) > 0 {
		for _, id := range settings.VisibleTo {
			if id == requestor.ID {
				return nil
			}
		}
		return oops.New(ErrUnauthorized, "comments on %s are not visible to you", rootID)
	}
	return nil
}

// Turns author names and handles into ids. Returns true if a single named
// author could not be found, in which case nothing can match.
func (s *Store) resolveAuthors(tx *kv.Tx, filter *queryFilter) (bool, error) {
	q := filter.q
	if q.Authors != nil {
		ids := append([]string{}, q.AuthorIDs...)
		for _, name := range q.Authors {
			id, ok, err := tx.Get(kv.TableUsernames, name)
			if err != nil {
				return false, err
			}
			if ok {
				ids = append(ids, string(id))
			}
		}
		filter.authorIDs = toSet(ids)
	} else if q.AuthorIDs != nil {
		filter.authorIDs = toSet(q.AuthorIDs)
	}

	if q.AuthorID == "" {
		var table kv.Table
		var key string
		switch {
		case q.AuthorName != "":
			table, key = kv.TableUsernames, q.AuthorName
		case q.AuthorHandle != "":
			table, key = kv.TableHandles, q.AuthorHandle
		default:
			return false, nil
		}
		id, ok, err := tx.Get(table, key)
		if err != nil {
			return false, err
		}
		if !ok {
			return true, nil
		}
		filter.q.AuthorID = string(id)
	}
	return false, nil
}

// Picks the tree nodes a query starts from. A root id lists first-level
// comments newest first, one page at a time. Anything deeper selects a single
// node.
func selectTrees(tx *kv.Tx, parts []string, pageSize int, page int) ([]selectedNode, error) {
	if len(parts) >= 2 {
		fullID := strings.Join(parts, pathSeparator)
		treeKey, below := TreeKeyOf(fullID)
		tree, err := loadTree(tx, treeKey)
		if err != nil {
			return nil, err
		}
		if tree == nil {
			return nil, oops.New(ErrNotFound, "no comments at '%s'", fullID)
		}
		node := tree.SubtreeAt(below)
		if node == nil {
			return nil, oops.New(ErrNotFound, "no comments at '%s'", fullID)
		}
		return []selectedNode{{node: node, fullID: fullID}}, nil
	}

	type rawTree struct {
		key string
		seq uint64
		val []byte
	}
	var all []rawTree
	err := tx.ScanPrefixReverse(kv.TableCommentTrees, parts[0]+pathSeparator, func(key string, value []byte) error {
		all = append(all, rawTree{key: key, seq: seqOf(shortIDOf(key)), val: value})
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Key order is lexicographic, so "3:10" sorts before "3:9". Sort by the
	// shared sequence instead.
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].seq > all[j].seq
	})

	start := 0
	if page > 1 {
		start = (page - 1) * pageSize
	}
	if start >= len(all) {
		return nil, nil
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}

	selected := make([]selectedNode, 0, end-start)
	for _, t := range all[start:end] {
		var tree CommentTreeNode
		if err := decodeTree(t.val, &tree); err != nil {
			return nil, oops.New(err, "failed to decode comment tree %s", t.key)
		}
		selected = append(selected, selectedNode{node: &tree, fullID: t.key})
	}
	return selected, nil
}

// Builds the result for node. If node itself is filtered out, its visible
// descendants are returned in its place so replies to a hidden comment are
// not lost.
func (f *queryFilter) build(node *CommentTreeNode, fullID string, baseLevel uint64) []*CommentTree {
	if node.Level-baseLevel >= f.maxLevel {
		return nil
	}

	var children []*CommentTree
	for _, child := range node.SortedChildren() {
		children = append(children, f.build(child, fullID+pathSeparator+child.Comment, baseLevel)...)
	}

	comment, ok := f.records[fullID]
	if !ok || !f.passes(fullID, comment) {
		return children
	}
	return []*CommentTree{{Comment: *comment, Children: children}}
}

func (f *queryFilter) passes(fullID string, comment *models.Comment) bool {
	q := f.q
	short := shortIDOf(fullID)
	if f.ids != nil && !f.ids[fullID] && !f.ids[short] {
		return false
	}
	if f.skipIDs[fullID] || f.skipIDs[short] {
		return false
	}

	author := AuthorOf(fullID)
	if f.excluded[author] {
		return false
	}
	if q.AuthorID != "" {
		if author != q.AuthorID {
			return false
		}
	} else if f.authorIDs != nil && !f.authorIDs[author] {
		return false
	}

	return f.visible(author, comment) && matchesTime(q, comment.Posted)
}

func (f *queryFilter) visible(author string, comment *models.Comment) bool {
	isAdmin := f.requestor != nil && f.requestor.IsAdmin
	isAuthor := f.requestor != nil && f.requestor.ID == author

	if f.q.Public != nil && comment.Public != *f.q.Public {
		return false
	}
	if !comment.Public && !isAuthor && !isAdmin {
		return false
	}
	// Author-only comments are a private note from their writer to the root
	// author. Both of them can read it and nobody else can, admins included.
	if comment.AuthorOnly {
		if f.requestor == nil {
			return false
		}
		if !isAuthor && f.requestor.ID != f.rootAuthor {
			return false
		}
	}
	return true
}

func matchesTime(q Query, posted time.Time) bool {
	if q.PostedBefore != nil && posted.Unix() > *q.PostedBefore {
		return false
	}
	if q.PostedAfter != nil && posted.Unix() < *q.PostedAfter {
		return false
	}

	posted = posted.UTC()
	if q.Year != nil && posted.Year() != *q.Year {
		return false
	}
	if q.Month != nil && int(posted.Month()) != *q.Month {
		return false
	}
	if q.Day != nil && posted.Day() != *q.Day {
		return false
	}
	if q.Hour != nil && posted.Hour() != *q.Hour {
		return false
	}
	return true
}
