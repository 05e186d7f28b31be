package expiry

import (
	"sort"

	"grimstack.io/grim/src/kv"
	"grimstack.io/grim/src/oops"
)

type ActionKind string

const (
	KindDeleteKey    ActionKind = "delete_key"
	KindDeleteKeys   ActionKind = "delete_keys"
	KindDeleteAcross ActionKind = "delete_across"
)

// An Action is the cleanup an entry performs when it fires. Exactly one shape
// is used per kind: Table+Keys for the single-table kinds, Tables for
// KindDeleteAcross.
type Action struct {
	Kind   ActionKind            `json:"kind"`
	Table  kv.Table              `json:"table,omitempty"`
	Keys   []string              `json:"keys,omitempty"`
	Tables map[kv.Table][]string `json:"tables,omitempty"`
}

func DeleteKey(table kv.Table, key string) Action {
	return Action{Kind: KindDeleteKey, Table: table, Keys: []string{key}}
}

func DeleteKeys(table kv.Table, keys ...string) Action {
	return Action{Kind: KindDeleteKeys, Table: table, Keys: keys}
}

func DeleteAcross(tables map[kv.Table][]string) Action {
	return Action{Kind: KindDeleteAcross, Tables: tables}
}

func (a Action) validate() error {
	switch a.Kind {
	case KindDeleteKey:
		if a.Table == "" || len(a.Keys) != 1 {
			return oops.New(ErrInvalidAction, "%s needs a table and exactly one key", a.Kind)
		}
	case KindDeleteKeys:
		if a.Table == "" || len(a.Keys) == 0 {
			return oops.New(ErrInvalidAction, "%s needs a table and at least one key", a.Kind)
		}
	case KindDeleteAcross:
		if len(a.Tables) == 0 {
			return oops.New(ErrInvalidAction, "%s needs at least one table", a.Kind)
		}
	default:
		return oops.New(ErrInvalidAction, "unknown action kind '%s'", a.Kind)
	}
	return nil
}

func (a Action) execute(tx *kv.Tx) error {
	switch a.Kind {
	case KindDeleteKey, KindDeleteKeys:
		return deleteAll(tx, a.Table, a.Keys)
	case KindDeleteAcross:
		tables := make([]kv.Table, 0, len(a.Tables))
		for table := range a.Tables {
			tables = append(tables, table)
		}
		sort.Slice(tables, func(i, j int) bool { return tables[i] < tables[j] })
		for _, table := range tables {
			if err := deleteAll(tx, table, a.Tables[table]); err != nil {
				return err
			}
		}
		return nil
	default:
		return oops.New(ErrInvalidAction, "unknown action kind '%s'", a.Kind)
	}
}

func deleteAll(tx *kv.Tx, table kv.Table, keys []string) error {
	for _, key := range keys {
		if err := tx.Delete(table, key); err != nil {
			return err
		}
	}
	return nil
}
