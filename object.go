package strata

import (
	"fmt"

	"github.com/stratadb/strata/internal/cluster"
)

// ObjKey stably identifies a row across cluster splits and merges
// (spec.md §3). The public API reuses internal/cluster's own
// representation rather than wrapping it, since nothing at this
// layer needs to hide it.
type ObjKey = cluster.ObjKey

// NullKey is never a valid row identity.
const NullKey = cluster.NullKey

// Object is a single row view over a Table, addressed by ObjKey
// (spec.md §6 Object::get/set). An Object is only valid for the
// lifetime of the transaction that produced it.
type Object struct {
	table *Table
	key   ObjKey
	leaf  *cluster.Leaf
	pos   int
}

// Key returns the row's stable identity.
func (o *Object) Key() ObjKey { return o.key }

// reload re-descends the table's tree for this object's key. A
// write elsewhere in the same transaction may have split, merged or
// rebalanced the leaf this object was last positioned in, so every
// Get/Set re-resolves (leaf, pos) rather than trusting a cached
// position (spec.md §4.6: a position is only stable within a single
// traversal).
func (o *Object) reload() error {
	leaf, pos, err := o.table.tree.TryGetObject(o.key)
	if err != nil {
		if err == cluster.ErrKeyNotFound {
			return newError(KeyNotFound, "Object", err)
		}
		return newError(IOError, "Object", err)
	}
	o.leaf, o.pos = leaf, pos
	return nil
}

// Get reads the value stored in column col for this row.
func (o *Object) Get(col ColKey) (Value, error) {
	if !col.valid() {
		return Value{}, newError(LogicError, "Object.Get", fmt.Errorf("invalid column key"))
	}
	if err := o.reload(); err != nil {
		return Value{}, err
	}
	if col.Type() == TypeLink {
		return o.table.getLink(o.leaf, o.pos, col)
	}
	if col.Collection() != CollectionScalar {
		return Value{}, newError(LogicError, "Object.Get", fmt.Errorf("collection column, use Object.Collection"))
	}
	raw, err := o.leaf.Columns[col.Index()].Get(o.pos)
	if err != nil {
		return Value{}, newError(IOError, "Object.Get", err)
	}
	return o.table.decodeCell(col, raw)
}

// Set writes v into column col for this row.
func (o *Object) Set(col ColKey, v Value) error {
	if !o.table.txn.writable {
		return newError(WrongTransactState, "Object.Set", fmt.Errorf("transaction is read-only"))
	}
	if !col.valid() {
		return newError(LogicError, "Object.Set", fmt.Errorf("invalid column key"))
	}
	if v.Null && !col.Nullable() {
		return newError(ConstraintViolation, "Object.Set", fmt.Errorf("column %d is not nullable", col.Index()))
	}
	if err := o.reload(); err != nil {
		return err
	}
	if col.Type() == TypeLink {
		return o.table.setLink(o.key, col, v)
	}
	if col.Collection() != CollectionScalar {
		return newError(LogicError, "Object.Set", fmt.Errorf("collection column, use Object.Collection"))
	}
	raw, err := o.table.encodeCell(col, v)
	if err != nil {
		return err
	}
	err = o.table.tree.UpdateCell(o.key, col.Index(), o.table.txn.oldestLiveReader, func(int64) (int64, error) {
		return raw, nil
	})
	if err != nil {
		return newError(IOError, "Object.Set", err)
	}
	return nil
}
