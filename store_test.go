package liveview

import (
	"fmt"
	"testing"

	"github.com/go-playground/assert/v2"
)

func upsertFrame(view string, key string, data Entity) *Frame {
	return &Frame{
		View: view,
		Op:   OpUpsert,
		Key:  key,
		Data: data,
	}
}

func TestStoreUpsertPatchDelete(t *testing.T) {
	store := newViewStore(ListView("orders"), 100)
	strategies := map[string]MergeStrategy{}

	before, after := store.apply(upsertFrame("orders", "a", Entity{"x": float64(1)}), strategies)
	assert.Equal(t, before, nil)
	assert.Equal(t, after, Entity{"x": float64(1)})

	before, after = store.apply(&Frame{
		View: "orders",
		Op:   OpPatch,
		Key:  "a",
		Data: Entity{"y": float64(2)},
	}, strategies)
	assert.Equal(t, before, Entity{"x": float64(1)})
	assert.Equal(t, after, Entity{"x": float64(1), "y": float64(2)})

	value, loadState := store.get("a")
	assert.Equal(t, loadState, LoadStateLoaded)
	assert.Equal(t, value, Entity{"x": float64(1), "y": float64(2)})

	before, after = store.apply(&Frame{
		View: "orders",
		Op:   OpDelete,
		Key:  "a",
	}, strategies)
	assert.Equal(t, before, Entity{"x": float64(1), "y": float64(2)})
	assert.Equal(t, after, nil)

	// removal by delete is confirmed absence, not "not yet loaded"
	value, loadState = store.get("a")
	assert.Equal(t, loadState, LoadStateAbsent)
	assert.Equal(t, value, nil)
}

func TestStoreLoadStates(t *testing.T) {
	store := newViewStore(StateView("pool"), 100)
	strategies := map[string]MergeStrategy{}

	_, loadState := store.get("a")
	assert.Equal(t, loadState, LoadStateNotLoaded)

	_, snapshotState := store.snapshot(nil)
	assert.Equal(t, snapshotState, LoadStateNotLoaded)

	// a confirmed-absent response moves the view to responded
	store.apply(&Frame{View: "pool", Op: OpAbsent, Key: "a"}, strategies)
	_, loadState = store.get("a")
	assert.Equal(t, loadState, LoadStateAbsent)

	store.apply(upsertFrame("pool", "a", Entity{"x": float64(1)}), strategies)
	value, loadState := store.get("a")
	assert.Equal(t, loadState, LoadStateLoaded)
	assert.Equal(t, value["x"], float64(1))
}

func TestStoreLruEviction(t *testing.T) {
	store := newViewStore(ListView("orders"), 3)
	strategies := map[string]MergeStrategy{}

	for _, key := range []string{"a", "b", "c"} {
		store.apply(upsertFrame("orders", key, Entity{"k": key}), strategies)
	}
	assert.Equal(t, store.size(), 3)

	// a read refreshes recency
	store.get("a")

	// inserting a 4th distinct key evicts exactly the
	// least-recently-touched key
	store.apply(upsertFrame("orders", "d", Entity{"k": "d"}), strategies)
	assert.Equal(t, store.size(), 3)

	_, loadState := store.get("b")
	assert.Equal(t, loadState, LoadStateAbsent)
	for _, key := range []string{"a", "c", "d"} {
		_, loadState := store.get(key)
		assert.Equal(t, loadState, LoadStateLoaded)
	}

	// the cache never exceeds the bound after any single update
	for i := range 100 {
		store.apply(upsertFrame("orders", fmt.Sprintf("k%d", i), Entity{"i": i}), strategies)
		assert.Equal(t, store.size() <= 3, true)
	}
}

func TestStoreOrderSensitiveDeterminism(t *testing.T) {
	// the same per-key order yields the same final value regardless of
	// how deliveries were batched
	frames := []*Frame{
		upsertFrame("orders", "a", Entity{"x": float64(1)}),
		{View: "orders", Op: OpPatch, Key: "a", Data: Entity{"y": float64(2)}},
		upsertFrame("orders", "b", Entity{"x": float64(9)}),
		{View: "orders", Op: OpPatch, Key: "a", Data: Entity{"x": float64(5)}},
		{View: "orders", Op: OpDelete, Key: "b"},
		{View: "orders", Op: OpPatch, Key: "b", Data: Entity{"z": float64(1)}},
	}
	strategies := map[string]MergeStrategy{}

	finalValues := func(batchSizes []int) map[string]Entity {
		store := newViewStore(ListView("orders"), 100)
		i := 0
		for _, batchSize := range batchSizes {
			for range batchSize {
				if i < len(frames) {
					store.apply(frames[i], strategies)
					i += 1
				}
			}
		}
		values := map[string]Entity{}
		for _, key := range []string{"a", "b"} {
			if value, loadState := store.get(key); loadState == LoadStateLoaded {
				values[key] = value
			}
		}
		return values
	}

	oneByOne := finalValues([]int{1, 1, 1, 1, 1, 1})
	batched := finalValues([]int{3, 3})
	allAtOnce := finalValues([]int{6})

	assert.Equal(t, oneByOne, batched)
	assert.Equal(t, batched, allAtOnce)
	assert.Equal(t, oneByOne["a"], Entity{"x": float64(5), "y": float64(2)})
}

func TestStoreReset(t *testing.T) {
	store := newViewStore(ListView("orders"), 100)
	strategies := map[string]MergeStrategy{}

	store.apply(upsertFrame("orders", "a", Entity{"k": "a"}), strategies)
	store.apply(upsertFrame("orders", "b", Entity{"k": "b"}), strategies)

	store.apply(&Frame{View: "orders", Op: OpReset}, strategies)
	assert.Equal(t, store.size(), 0)

	store.apply(upsertFrame("orders", "b", Entity{"k": "b"}), strategies)
	store.apply(upsertFrame("orders", "c", Entity{"k": "c"}), strategies)

	entities, loadState := store.snapshot(nil)
	assert.Equal(t, loadState, LoadStateLoaded)
	assert.Equal(t, len(entities), 2)
	assert.Equal(t, entities[0]["k"], "b")
	assert.Equal(t, entities[1]["k"], "c")
}
