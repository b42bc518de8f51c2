// Package observer keeps live, in-memory views of store queries.
//
// A ListObserver owns one query and a cached list of items mapped from its
// records. After each committed transaction that changes the results it
// updates the cache and hands listeners one batch of position-aware changes
// (insert, move, update, remove). An EntityObserver does the same for a
// query matching at most one record.
package observer

import "fmt"

// ListChangeKind tags a ListChange.
type ListChangeKind int

const (
	ListInsert ListChangeKind = iota + 1
	ListMove
	ListUpdate
	ListRemove
)

func (k ListChangeKind) String() string {
	switch k {
	case ListInsert:
		return "insert"
	case ListMove:
		return "move"
	case ListUpdate:
		return "update"
	case ListRemove:
		return "remove"
	default:
		return fmt.Sprintf("ListChangeKind(%d)", int(k))
	}
}

// ListChange is one entry of a change batch. Removals, moves and updates
// index into the list before the batch; insertions and move targets index
// into the list after it. ToIndex is -1 except for moves.
type ListChange[T any] struct {
	Kind    ListChangeKind
	Item    T
	Index   int
	ToIndex int
}

// Insert reports item inserted at index at of the new list.
func Insert[T any](item T, at int) ListChange[T] {
	return ListChange[T]{Kind: ListInsert, Item: item, Index: at, ToIndex: -1}
}

// Move reports item moved from index from of the old list to index to of the
// new list.
func Move[T any](item T, from, to int) ListChange[T] {
	return ListChange[T]{Kind: ListMove, Item: item, Index: from, ToIndex: to}
}

// Update reports item changed in place at index at of the old list.
func Update[T any](item T, at int) ListChange[T] {
	return ListChange[T]{Kind: ListUpdate, Item: item, Index: at, ToIndex: -1}
}

// Remove reports item removed from index at of the old list.
func Remove[T any](item T, at int) ListChange[T] {
	return ListChange[T]{Kind: ListRemove, Item: item, Index: at, ToIndex: -1}
}

func (c ListChange[T]) String() string {
	if c.Kind == ListMove {
		return fmt.Sprintf("move(%v, %d->%d)", c.Item, c.Index, c.ToIndex)
	}
	return fmt.Sprintf("%s(%v, %d)", c.Kind, c.Item, c.Index)
}

// EntityChangeKind tags an EntityChange.
type EntityChangeKind int

const (
	EntityCreate EntityChangeKind = iota + 1
	EntityUpdate
	EntityRemove
)

func (k EntityChangeKind) String() string {
	switch k {
	case EntityCreate:
		return "create"
	case EntityUpdate:
		return "update"
	case EntityRemove:
		return "remove"
	default:
		return fmt.Sprintf("EntityChangeKind(%d)", int(k))
	}
}

// EntityChange is a change to the single item of an EntityObserver.
type EntityChange[T any] struct {
	Kind EntityChangeKind
	Item T
}

func (c EntityChange[T]) String() string {
	return fmt.Sprintf("%s(%v)", c.Kind, c.Item)
}

// EntityChangeFrom converts a list change. Inserts become creates; moves and
// updates become updates.
func EntityChangeFrom[T any](c ListChange[T]) EntityChange[T] {
	switch c.Kind {
	case ListInsert:
		return EntityChange[T]{Kind: EntityCreate, Item: c.Item}
	case ListRemove:
		return EntityChange[T]{Kind: EntityRemove, Item: c.Item}
	default:
		return EntityChange[T]{Kind: EntityUpdate, Item: c.Item}
	}
}

// FieldChange projects the item of c through fn, keeping its kind.
func FieldChange[T, V any](c EntityChange[T], fn func(T) V) EntityChange[V] {
	return EntityChange[V]{Kind: c.Kind, Item: fn(c.Item)}
}
