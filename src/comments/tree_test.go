package comments

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDHelpers(t *testing.T) {
	assert.Equal(t, "3", AuthorOf("post:7:1/3:1/4:2"))
	assert.Equal(t, "4", AuthorOf("4:2"))
	assert.Equal(t, "post:7:1", RootOf("post:7:1/3:1/4:2"))
	assert.Equal(t, "7", RootAuthorOf("post:7:1"))
	assert.Equal(t, "", RootAuthorOf("post"))

	treeKey, below := TreeKeyOf("post:7:1/3:1/4:2/3:3")
	assert.Equal(t, "post:7:1/3:1", treeKey)
	assert.Equal(t, []string{"4:2", "3:3"}, below)
	treeKey, _ = TreeKeyOf("post:7:1")
	assert.Equal(t, "", treeKey)

	assert.True(t, isBareID("3:1"))
	assert.False(t, isBareID("post:7:1"))
	assert.False(t, isBareID("post:7:1/3:1"))
	assert.Equal(t, uint64(12), seqOf("3:12"))

	assert.NoError(t, validateRootID("post:7:1"))
	assert.ErrorIs(t, validateRootID("post:7"), ErrValidation)
	assert.ErrorIs(t, validateRootID("post::1"), ErrValidation)
	assert.ErrorIs(t, validateRootID("post:7:1/3:1"), ErrValidation)
	assert.ErrorIs(t, validateUserID("3:1"), ErrValidation)
	assert.ErrorIs(t, validateUserID(""), ErrValidation)

	t.Run("url encoding", func(t *testing.T) {
		assert.ErrorIs(t, validateRootID("my-post:7:1"), ErrValidation)
		assert.ErrorIs(t, validateRootID("post:7-2:1"), ErrValidation)
		assert.ErrorIs(t, validateUserID("7-2"), ErrValidation)

		id := "post:7:1/3:1/4:2"
		assert.Equal(t, "post:7:1-3:1-4:2", IDToURL(id))
		assert.Equal(t, id, IDFromURL(IDToURL(id)))
	})
}

func TestCommentTreeNode(t *testing.T) {
	tree := newTreeRoot("post:7:1/3:1")

	require.True(t, tree.InsertChild(splitPath("post:7:1/3:1/4:2"), &CommentTreeNode{Comment: "4:2"}))
	require.True(t, tree.InsertChild([]string{"4:2", "3:3"}, &CommentTreeNode{Comment: "3:3"}))
	require.True(t, tree.InsertChild(nil, &CommentTreeNode{Comment: "5:10"}))
	require.True(t, tree.InsertChild(nil, &CommentTreeNode{Comment: "6:9"}))

	t.Run("levels", func(t *testing.T) {
		assert.Equal(t, uint64(0), tree.Level)
		assert.Equal(t, uint64(2), tree.SubtreeAt([]string{"4:2", "3:3"}).Level)
	})

	t.Run("bad inserts", func(t *testing.T) {
		assert.False(t, tree.InsertChild([]string{"9:9"}, &CommentTreeNode{Comment: "3:20"}), "missing parent")
		assert.False(t, tree.InsertChild(nil, &CommentTreeNode{Comment: "4:2"}), "duplicate")
	})

	t.Run("ids in posting order", func(t *testing.T) {
		assert.Equal(t, []string{
			"post:7:1/3:1",
			"post:7:1/3:1/4:2",
			"post:7:1/3:1/4:2/3:3",
			"post:7:1/3:1/6:9",
			"post:7:1/3:1/5:10",
		}, tree.IDs("post:7:1/3:1"))
	})

	t.Run("remove", func(t *testing.T) {
		assert.Nil(t, tree.RemoveSubtree(nil), "the top node stays")
		assert.Nil(t, tree.RemoveSubtree([]string{"8:8"}))

		removed := tree.RemoveSubtree(splitPath("post:7:1/3:1/4:2"))
		require.NotNil(t, removed)
		assert.Equal(t, []string{"x/4:2", "x/4:2/3:3"}, removed.IDs("x/4:2"))
		assert.Nil(t, tree.SubtreeAt([]string{"4:2"}))
		assert.Len(t, tree.Children, 2)
	})
}
