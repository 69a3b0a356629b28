package liveview

import (
	"container/list"
	"sync"

	"github.com/golang/glog"
)

// per-view local cache.
// mutated exclusively by the connection's frame-dispatch path
// (single-writer) and read by arbitrarily many concurrent subscribers.
// bounded by `maxEntries`, evicting the least-recently-accessed key.
type viewStore struct {
	view       ViewPath
	maxEntries int

	stateLock sync.Mutex
	entries   map[string]*storeEntry
	// front = most recently accessed (read or write)
	recency *list.List
	// arrival order of keys, for list snapshots
	orderedKeys []string
	// set once the stack responds for this view at all.
	// before this, reads report `LoadStateNotLoaded`.
	responded bool
}

type storeEntry struct {
	key            string
	value          Entity
	recencyElement *list.Element
	orderIndex     int
}

func newViewStore(view ViewPath, maxEntries int) *viewStore {
	return &viewStore{
		view:       view,
		maxEntries: maxEntries,
		entries:    map[string]*storeEntry{},
		recency:    list.New(),
	}
}

// applies one update and returns deep-copied before/after snapshots.
// eviction never blocks or fails the triggering update, and evicted
// keys do not emit deletes. an eviction is a local-cache concern, not
// a server-driven removal.
func (self *viewStore) apply(frame *Frame, strategies map[string]MergeStrategy) (before Entity, after Entity) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.responded = true

	switch frame.Op {
	case OpUpsert:
		entry := self.entries[frame.Key]
		if entry != nil {
			before = copyEntity(entry.value)
			entry.value = copyEntity(frame.Data)
			self.touch(entry)
		} else {
			entry = self.insert(frame.Key, copyEntity(frame.Data))
		}
		after = copyEntity(entry.value)
		self.evict()
	case OpPatch:
		entry := self.entries[frame.Key]
		if entry != nil {
			before = copyEntity(entry.value)
			entry.value = applyPatch(entry.value, frame.Data, strategies)
			self.touch(entry)
		} else {
			entry = self.insert(frame.Key, applyPatch(nil, frame.Data, strategies))
		}
		after = copyEntity(entry.value)
		self.evict()
	case OpDelete:
		if entry := self.entries[frame.Key]; entry != nil {
			before = copyEntity(entry.value)
			self.remove(entry)
		}
	case OpReset:
		// whole-view resync. keys not re-sent by the following
		// upsert batch stay dropped, without delete emissions.
		self.entries = map[string]*storeEntry{}
		self.recency.Init()
		self.orderedKeys = nil
	case OpAbsent:
		if entry := self.entries[frame.Key]; entry != nil {
			before = copyEntity(entry.value)
			self.remove(entry)
		}
	}
	return
}

func (self *viewStore) insert(key string, value Entity) *storeEntry {
	entry := &storeEntry{
		key:        key,
		value:      value,
		orderIndex: len(self.orderedKeys),
	}
	entry.recencyElement = self.recency.PushFront(entry)
	self.entries[key] = entry
	self.orderedKeys = append(self.orderedKeys, key)
	return entry
}

func (self *viewStore) remove(entry *storeEntry) {
	self.recency.Remove(entry.recencyElement)
	delete(self.entries, entry.key)
	self.orderedKeys = append(
		self.orderedKeys[:entry.orderIndex],
		self.orderedKeys[entry.orderIndex+1:]...,
	)
	for i := entry.orderIndex; i < len(self.orderedKeys); i += 1 {
		self.entries[self.orderedKeys[i]].orderIndex = i
	}
}

func (self *viewStore) touch(entry *storeEntry) {
	self.recency.MoveToFront(entry.recencyElement)
}

func (self *viewStore) evict() {
	for self.maxEntries < len(self.entries) {
		oldest := self.recency.Back()
		if oldest == nil {
			return
		}
		entry := oldest.Value.(*storeEntry)
		self.remove(entry)
		glog.V(1).Infof("[lv]%s evict %s\n", self.view, entry.key)
	}
}

// cached read. touches recency.
func (self *viewStore) get(key string) (Entity, LoadState) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if entry := self.entries[key]; entry != nil {
		self.touch(entry)
		return copyEntity(entry.value), LoadStateLoaded
	}
	if !self.responded {
		return nil, LoadStateNotLoaded
	}
	return nil, LoadStateAbsent
}

// the current collection in arrival order, filtered by the query.
// touches recency for every returned entry.
func (self *viewStore) snapshot(query *Query) ([]Entity, LoadState) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if !self.responded {
		return nil, LoadStateNotLoaded
	}
	entities := []Entity{}
	for _, key := range self.orderedKeys {
		entry := self.entries[key]
		if !query.match(entry.value) {
			continue
		}
		self.touch(entry)
		entities = append(entities, copyEntity(entry.value))
		if query != nil && 0 < query.Limit && query.Limit <= len(entities) {
			break
		}
	}
	return entities, LoadStateLoaded
}

func (self *viewStore) size() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.entries)
}
