package comments

import (
	"encoding/json"
	"sort"

	"grimstack.io/grim/src/kv"
	"grimstack.io/grim/src/oops"
)

// A CommentTreeNode is the structural index for one first-level comment and
// all of its replies. The whole tree is stored as a single record in
// comment_trees, keyed by the first-level comment's full path.
//
// The top node's Comment is that full path and its Level is 0. Every other
// node's Comment is its own short id, which is also its key in the parent's
// Children, and its Level is one more than its parent's.
type CommentTreeNode struct {
	Comment  string                      `json:"comment"`
	Level    uint64                      `json:"level"`
	Children map[string]*CommentTreeNode `json:"children,omitempty"`
}

func newTreeRoot(fullPath string) *CommentTreeNode {
	return &CommentTreeNode{Comment: fullPath}
}

// Strips a leading reference to n itself. n.Comment may span two segments
// (the top of a tree) or one.
func (n *CommentTreeNode) relative(parts []string) []string {
	own := splitPath(n.Comment)
	if len(parts) >= len(own) {
		matches := true
		for i := range own {
			if parts[i] != own[i] {
				matches = false
				break
			}
		}
		if matches {
			return parts[len(own):]
		}
	}
	return parts
}

func (n *CommentTreeNode) descend(parts []string) *CommentTreeNode {
	current := n
	for _, segment := range parts {
		next, ok := current.Children[segment]
		if !ok {
			return nil
		}
		current = next
	}
	return current
}

// InsertChild inserts child below the node at parts. parts may include this
// node's own id at the front and the child's id at the end. Returns false if
// any segment on the way is missing or the child already exists.
func (n *CommentTreeNode) InsertChild(parts []string, child *CommentTreeNode) bool {
	parts = n.relative(parts)
	if len(parts) > 0 && parts[len(parts)-1] == child.Comment {
		parts = parts[:len(parts)-1]
	}

	parent := n.descend(parts)
	if parent == nil {
		return false
	}
	if _, exists := parent.Children[child.Comment]; exists {
		return false
	}
	if parent.Children == nil {
		parent.Children = make(map[string]*CommentTreeNode)
	}
	child.Level = parent.Level + 1
	parent.Children[child.Comment] = child
	return true
}

// RemoveSubtree detaches and returns the node at parts along with everything
// below it. Returns nil if the path does not exist. Removing the top node
// itself is not possible here; delete the tree record instead.
func (n *CommentTreeNode) RemoveSubtree(parts []string) *CommentTreeNode {
	parts = n.relative(parts)
	if len(parts) == 0 {
		return nil
	}

	parent := n.descend(parts[:len(parts)-1])
	if parent == nil {
		return nil
	}
	last := parts[len(parts)-1]
	removed, ok := parent.Children[last]
	if !ok {
		return nil
	}
	delete(parent.Children, last)
	return removed
}

// SubtreeAt returns the node at parts without modifying anything. An empty
// path returns n.
func (n *CommentTreeNode) SubtreeAt(parts []string) *CommentTreeNode {
	return n.descend(n.relative(parts))
}

// SortedChildren returns the children in posting order.
func (n *CommentTreeNode) SortedChildren() []*CommentTreeNode {
	children := make([]*CommentTreeNode, 0, len(n.Children))
	for _, child := range n.Children {
		children = append(children, child)
	}
	sort.Slice(children, func(i, j int) bool {
		si, sj := seqOf(children[i].Comment), seqOf(children[j].Comment)
		if si != sj {
			return si < sj
		}
		return children[i].Comment < children[j].Comment
	})
	return children
}

// Walk visits n and every descendant depth first, parents before children.
// fullID is the full path of n.
func (n *CommentTreeNode) Walk(fullID string, f func(fullID string, node *CommentTreeNode)) {
	f(fullID, n)
	for _, child := range n.SortedChildren() {
		child.Walk(fullID+pathSeparator+child.Comment, f)
	}
}

// IDs returns the full path of n and every descendant.
func (n *CommentTreeNode) IDs(fullID string) []string {
	var ids []string
	n.Walk(fullID, func(id string, _ *CommentTreeNode) {
		ids = append(ids, id)
	})
	return ids
}

func loadTree(tx *kv.Tx, treeKey string) (*CommentTreeNode, error) {
	var tree CommentTreeNode
	ok, err := tx.GetJSON(kv.TableCommentTrees, treeKey, &tree)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &tree, nil
}

func decodeTree(raw []byte, tree *CommentTreeNode) error {
	if err := json.Unmarshal(raw, tree); err != nil {
		return oops.New(ErrStorage, "malformed comment tree: %v", err)
	}
	return nil
}

func saveTree(tx *kv.Tx, tree *CommentTreeNode) error {
	if tree.Comment == "" {
		return oops.New(ErrStorage, "refusing to save a comment tree with no id")
	}
	return tx.PutJSON(kv.TableCommentTrees, tree.Comment, tree)
}
