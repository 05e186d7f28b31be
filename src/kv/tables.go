package kv

// A Table is a named bucket in the store. Every table is created when the
// store is opened.
type Table string

const (
	TableIDCounter Table = "id_counter"

	TableComments        Table = "comments"
	TableCommentRaw      Table = "comment_raw_content"
	TableCommentTrees    Table = "comment_trees"
	TableCommentKeyPaths Table = "comment_key_path_index"
	TableCommentVotes    Table = "comment_votes"
	TableCommentVoters   Table = "comment_voters"
	TableCommentSettings Table = "comment_settings"
	TableExpiryBuckets   Table = "expiry_buckets"
	TableExpiryUnexpire  Table = "expiry_unexpire_keys"
	TableUsers           Table = "users"
	TableUsernames       Table = "usernames"
	TableHandles         Table = "handles"
	TableAdmins          Table = "admins"
	TableSessions        Table = "sessions"
	TablePreauthTokens   Table = "preauth_tokens"
	TableEmailStatuses   Table = "email_statuses"
)

var AllTables = []Table{
	TableIDCounter,
	TableComments,
	TableCommentRaw,
	TableCommentTrees,
	TableCommentKeyPaths,
	TableCommentVotes,
	TableCommentVoters,
	TableCommentSettings,
	TableExpiryBuckets,
	TableExpiryUnexpire,
	TableUsers,
	TableUsernames,
	TableHandles,
	TableAdmins,
	TableSessions,
	TablePreauthTokens,
	TableEmailStatuses,
}
