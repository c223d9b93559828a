// Package demux routes fetched rows back to the parents and logical requests
// that asked for them. Rows are first written into the execution cache keyed
// by composite row key, then every result slot is filled from the cache.
package demux

import (
	"relbatch/internal/batch"
	"relbatch/internal/batchexec"
	"relbatch/internal/batchkey"
	"relbatch/internal/planner"
	"relbatch/internal/selection"
	"relbatch/internal/strategy"
)

type entryUpdate struct {
	parent batch.ParentKey
	entry  *batch.CacheEntry
}

type fieldUpdate struct {
	entry *batch.CacheEntry
	index int
	row   batch.Row
}

// Route writes the rows of one executed plan into cache and returns the error
// that applies to every slot of the plan's group, if any. The cache is left
// untouched when routing fails.
func Route(cache *batch.Cache, res *batchexec.Result) error {
	plan := res.Plan
	if plan.Err != nil {
		return plan.Err
	}
	if res.Err != nil {
		return res.Err
	}

	sig := plan.Group.Signature
	keyFields := plan.Relation.KeyFields

	var (
		entries []entryUpdate
		fields  []fieldUpdate
	)
	for fi, fetch := range plan.Fetches {
		rows := res.Rows[fi]
		switch fetch.Shape {
		case planner.ShapeReconcile:
			updates, err := stageReconcile(cache, sig, keyFields, fetch, rows)
			if err != nil {
				return err
			}
			fields = append(fields, updates...)
		default:
			staged, err := stageWindowed(sig, keyFields, fetch, rows)
			if err != nil {
				return err
			}
			entries = append(entries, staged...)
		}
	}

	for _, u := range entries {
		cache.Put(sig, u.parent, u.entry)
	}
	for _, u := range fields {
		target := u.entry.Rows[u.index]
		for f, v := range u.row {
			target[f] = v
		}
	}
	for _, fetch := range plan.Fetches {
		if fetch.Shape != planner.ShapeReconcile {
			continue
		}
		for _, key := range fetch.ParentKeys {
			if entry, ok := cache.Get(sig, key); ok {
				entry.Fields = entry.Fields.Union(fetch.Fields)
			}
		}
	}
	return nil
}

func stageWindowed(sig batch.Signature, keyFields []string, fetch strategy.Fetch, rows []batch.Row) ([]entryUpdate, error) {
	planned := make(map[batch.ParentKey][]batch.Row, len(fetch.ParentKeys))
	for _, key := range fetch.ParentKeys {
		planned[key] = nil
	}

	for _, row := range rows {
		parent := batch.ParentKeyOf(row[planner.BatchParentAlias])
		if _, ok := planned[parent]; !ok {
			return nil, &batch.IntegrityError{
				Signature: sig,
				Key:       batch.CompositeRowKey{Parent: parent, Local: batch.LocalKey(row, keyFields)},
				Reason:    "row matches no planned parent",
			}
		}
		delete(row, planner.BatchParentAlias)
		planned[parent] = append(planned[parent], row)
	}

	updates := make([]entryUpdate, 0, len(fetch.ParentKeys))
	for i, key := range fetch.ParentKeys {
		entry, dup, ok := batch.NewCacheEntry(fetch.Parents[i], planned[key], keyFields, fetch.Fields, fetch.Window)
		if !ok {
			return nil, &batch.IntegrityError{
				Signature: sig,
				Key:       batch.CompositeRowKey{Parent: key, Local: dup},
				Reason:    "duplicate composite row key",
			}
		}
		updates = append(updates, entryUpdate{parent: key, entry: entry})
	}
	return updates, nil
}

func stageReconcile(cache *batch.Cache, sig batch.Signature, keyFields []string, fetch strategy.Fetch, rows []batch.Row) ([]fieldUpdate, error) {
	planned := make(map[batch.ParentKey]struct{}, len(fetch.ParentKeys))
	for _, key := range fetch.ParentKeys {
		planned[key] = struct{}{}
	}

	seen := make(map[batch.CompositeRowKey]struct{}, len(rows))
	updates := make([]fieldUpdate, 0, len(rows))
	for _, row := range rows {
		key := batch.CompositeRowKey{
			Parent: batch.ParentKeyOf(row[planner.BatchParentAlias]),
			Local:  batch.LocalKey(row, keyFields),
		}
		if _, dup := seen[key]; dup {
			return nil, &batch.IntegrityError{Signature: sig, Key: key, Reason: "duplicate composite row key"}
		}
		seen[key] = struct{}{}

		entry, ok := cache.Get(sig, key.Parent)
		if _, inPlan := planned[key.Parent]; !ok || !inPlan {
			return nil, &batch.IntegrityError{Signature: sig, Key: key, Reason: "row matches no planned parent"}
		}
		index, ok := entry.RowIndex(key.Local)
		if !ok {
			return nil, &batch.IntegrityError{Signature: sig, Key: key, Reason: "row matches no cached row"}
		}
		delete(row, planner.BatchParentAlias)
		updates = append(updates, fieldUpdate{entry: entry, index: index, row: row})
	}
	return updates, nil
}

// Fill builds one slot per merged request from the cache. groupErrs is
// index-aligned with groups; a non-nil error is attached to every slot of
// that group instead of rows.
func Fill(merged *selection.Result, groups []*batchkey.Group, groupErrs []error, cache *batch.Cache) []*batch.ResultSlot {
	slots := make([]*batch.ResultSlot, len(merged.Requests))
	for gi, g := range groups {
		for _, ri := range g.Members {
			req := merged.Requests[ri]
			slot := &batch.ResultSlot{
				Identity: req.Identity,
				ParentID: req.ParentID,
				Fields:   req.Fields,
			}
			slots[ri] = slot

			if err := groupErrs[gi]; err != nil {
				slot.Err = err
				continue
			}
			slot.Rows = rowsFor(cache, g.Signature, req)
		}
	}
	return slots
}

func rowsFor(cache *batch.Cache, sig batch.Signature, req *selection.Request) []batch.Row {
	entry, ok := cache.Get(sig, req.ParentKey)
	if !ok {
		return []batch.Row{}
	}
	rows := entry.Rows
	if req.First > 0 && len(rows) > req.First {
		rows = rows[:req.First]
	}
	out := make([]batch.Row, len(rows))
	for i, row := range rows {
		out[i] = row.Project(req.Fields)
	}
	return out
}
