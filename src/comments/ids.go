package comments

import (
	"fmt"
	"strconv"
	"strings"

	"grimstack.io/grim/src/kv"
	"grimstack.io/grim/src/oops"
)

/*
Comment ids are paths. The first segment is the root post id, which looks like
"{kind}:{authorID}:{seq}" (for example "post:7:1"). Every following segment is
"{authorID}:{seq}", where seq comes from a counter shared by everything under
that root. So "post:7:1/3:1/3:2" is a reply by user 3 to user 3's first-level
comment on post:7:1.

The first two segments together ("post:7:1/3:1") name the comment tree that
the comment lives in.
*/

const (
	pathSeparator  = "/"
	segmentDivider = ":"
	voterSeparator = "<"
	// Stands in for pathSeparator when an id is a single URL path segment.
	urlSeparator = "-"

	reservedIDChars = pathSeparator + voterSeparator + urlSeparator
)

// IDToURL encodes a comment path as one URL path segment.
func IDToURL(id string) string {
	return strings.ReplaceAll(id, pathSeparator, urlSeparator)
}

// IDFromURL reverses IDToURL. It is exact because no id segment may contain
// the URL separator.
func IDFromURL(segment string) string {
	return strings.ReplaceAll(segment, urlSeparator, pathSeparator)
}

func splitPath(id string) []string {
	var parts []string
	for _, p := range strings.Split(id, pathSeparator) {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// AuthorOf returns the author of the last segment of id. Works for full paths
// and for short "{authorID}:{seq}" ids.
func AuthorOf(id string) string {
	last := id
	if i := strings.LastIndex(id, pathSeparator); i >= 0 {
		last = id[i+1:]
	}
	author, _, _ := strings.Cut(last, segmentDivider)
	return author
}

// RootOf returns the root post id of a full comment path.
func RootOf(fullPath string) string {
	root, _, _ := strings.Cut(fullPath, pathSeparator)
	return root
}

// RootAuthorOf returns the author of a root post id ("post:7:1" -> "7").
func RootAuthorOf(rootID string) string {
	parts := strings.Split(rootID, segmentDivider)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// TreeKeyOf returns the key of the comment tree containing fullPath and the
// remaining segments below the tree's top comment.
func TreeKeyOf(fullPath string) (string, []string) {
	parts := splitPath(fullPath)
	if len(parts) < 2 {
		return "", nil
	}
	return parts[0] + pathSeparator + parts[1], parts[2:]
}

func shortIDOf(fullPath string) string {
	if i := strings.LastIndex(fullPath, pathSeparator); i >= 0 {
		return fullPath[i+1:]
	}
	return fullPath
}

// A bare id is a single "{authorID}:{seq}" segment that has to be resolved
// through the key path index.
func isBareID(id string) bool {
	return !strings.Contains(id, pathSeparator) && strings.Count(id, segmentDivider) == 1
}

func seqOf(segment string) uint64 {
	_, seq, _ := strings.Cut(segment, segmentDivider)
	n, _ := strconv.ParseUint(seq, 10, 64)
	return n
}

func voterKey(commentID, voterID string) string {
	return commentID + voterSeparator + voterID
}

func voterPrefix(commentID string) string {
	return commentID + voterSeparator
}

// Key path index entry for a short id within one root. Root ids cannot contain
// the voter separator, so these never collide with global entries.
func rootKeyPath(rootID, short string) string {
	return rootID + voterSeparator + short
}

func validateRootID(rootID string) error {
	parts := strings.Split(rootID, segmentDivider)
	if len(parts) != 3 || strings.ContainsAny(rootID, reservedIDChars) {
		return oops.New(ErrValidation, "'%s' is not a valid root id", rootID)
	}
	for _, p := range parts {
		if p == "" {
			return oops.New(ErrValidation, "'%s' is not a valid root id", rootID)
		}
	}
	return nil
}

func validateUserID(userID string) error {
	if userID == "" || strings.ContainsAny(userID, reservedIDChars+segmentDivider) {
		return oops.New(ErrValidation, "'%s' is not a valid user id", userID)
	}
	return nil
}

func sequenceKey(rootID string) string {
	return "comment:" + rootID
}

// Allocates a new first-level comment id under rootID. Returns the full path
// and the short id.
func newFirstLevelID(tx *kv.Tx, rootID, authorID string) (string, string, error) {
	seq, err := tx.NextSequence(sequenceKey(rootID))
	if err != nil {
		return "", "", err
	}
	short := fmt.Sprintf("%s:%d", authorID, seq)
	return rootID + pathSeparator + short, short, nil
}

// Allocates a reply id below parentPath. The sequence is shared with every
// other comment under rootID.
func newSubcommentID(tx *kv.Tx, rootID, parentPath, authorID string) (string, string, error) {
	seq, err := tx.NextSequence(sequenceKey(rootID))
	if err != nil {
		return "", "", err
	}
	short := fmt.Sprintf("%s:%d", authorID, seq)
	return parentPath + pathSeparator + short, short, nil
}

// Resolves id to a full comment path. Bare ids go through the key path index.
func resolveID(tx *kv.Tx, id string) (string, error) {
	id = strings.Trim(id, pathSeparator)
	if strings.Contains(id, pathSeparator) {
		return id, nil
	}
	if !isBareID(id) {
		return "", oops.New(ErrNotFound, "'%s' is not a comment id", id)
	}
	full, ok, err := tx.Get(kv.TableCommentKeyPaths, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", oops.New(ErrNotFound, "no comment with id '%s'", id)
	}
	return string(full), nil
}

// Like resolveID, but a bare id is looked up among the comments of rootID
// first. Short ids repeat across roots, so the global entry may belong to a
// different post.
func resolveIDInRoot(tx *kv.Tx, id, rootID string) (string, error) {
	id = strings.Trim(id, pathSeparator)
	if rootID == "" || !isBareID(id) {
		return resolveID(tx, id)
	}
	full, ok, err := tx.Get(kv.TableCommentKeyPaths, rootKeyPath(rootID, id))
	if err != nil {
		return "", err
	}
	if !ok {
		return "", oops.New(ErrNotFound, "no comment with id '%s' under %s", id, rootID)
	}
	return string(full), nil
}
