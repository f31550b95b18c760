package watch

import "sort"

// Item is one tracked entity inside a topic snapshot. Plugins define the
// concrete type; the engine only ever looks at the status field.
type Item interface {
	ItemStatus() string
}

// Snapshot maps a stable, plugin-defined item key to the item itself.
type Snapshot[T Item] map[string]T

// Change pairs the new and old version of an item whose status flipped.
type Change[T Item] struct {
	New T
	Old T
}

// Diff is the derived difference between two snapshots. Never persisted.
type Diff[T Item] struct {
	Added   []T
	Changed []Change[T]
	Removed []T
}

func (d Diff[T]) Empty() bool {
	return len(d.Added) == 0 && len(d.Changed) == 0 && len(d.Removed) == 0
}

// DiffSnapshots partitions items by key into added / status-changed / removed.
// Items present in both snapshots with an identical status produce nothing:
// the engine watches status transitions only, so a price-only change is
// deliberately silent.
//
// Output order is sorted by item key so rendered messages are reproducible.
func DiffSnapshots[T Item](old, next Snapshot[T]) Diff[T] {
	var d Diff[T]

	for _, key := range sortedKeys(next) {
		nv := next[key]
		ov, ok := old[key]
		if !ok {
			d.Added = append(d.Added, nv)
			continue
		}
		if nv.ItemStatus() != ov.ItemStatus() {
			d.Changed = append(d.Changed, Change[T]{New: nv, Old: ov})
		}
	}

	for _, key := range sortedKeys(old) {
		if _, ok := next[key]; !ok {
			d.Removed = append(d.Removed, old[key])
		}
	}

	return d
}

func sortedKeys[T Item](s Snapshot[T]) []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
