package liveview

import (
	"context"
	"errors"
	"sync"

	"github.com/golang/glog"
)

type ViewSettings struct {
	// per top-level field merge strategy. unset fields use a
	// recursive merge.
	FieldStrategies map[string]MergeStrategy
	// overrides the connection `MaxEntriesPerView` for this view
	MaxEntries int
}

func DefaultViewSettings() *ViewSettings {
	return &ViewSettings{
		FieldStrategies: map[string]MergeStrategy{},
	}
}

// a named projection of one entity type, with its own local cache.
// the cache is eventually consistent with the stack-side projection
// and is mutated only by the connection's frame-dispatch path.
type View struct {
	conn     *Connection
	path     ViewPath
	settings *ViewSettings
	store    *viewStore

	// guards the subscriber set and serializes fan-out with
	// registration, so a new watcher never misses or duplicates a
	// change relative to its initial replay
	subLock     sync.Mutex
	subscribers map[Id]*subscriber
	// the latest stack-side rejection for this view's subscription.
	// cleared by the next data frame. other views are unaffected.
	failed *SubscriptionError

	// notified after every applied frame
	dataMonitor *Monitor
}

type emission struct {
	update *Update
	before Entity
	after  Entity
}

type subscriber struct {
	subscriptionId Id
	emit           func(em *emission)
	// closed when the stack rejects the view's subscription
	fail chan struct{}
}

func newView(conn *Connection, path ViewPath, settings *ViewSettings, maxEntries int) *View {
	return &View{
		conn:        conn,
		path:        path,
		settings:    settings,
		store:       newViewStore(path, maxEntries),
		subscribers: map[Id]*subscriber{},
		dataMonitor: NewMonitor(),
	}
}

func (self *View) Path() ViewPath {
	return self.path
}

// number of entries currently cached for this view
func (self *View) Size() int {
	return self.store.size()
}

func (self *View) subscribe(take int, skip int) {
	self.conn.subscribe(&SubscribeRequest{
		SubscriptionId: NewId(),
		View:           self.path.Name,
		Kind:           self.path.Kind.String(),
		Take:           take,
		Skip:           skip,
	})
}

// called from the connection dispatch path. single writer.
func (self *View) applyFrame(frame *Frame) {
	self.subLock.Lock()

	if frame.Op == OpError {
		message := "subscription rejected"
		if m, ok := frame.Data["message"].(string); ok && m != "" {
			message = m
		}
		glog.Infof("[lv]%s subscription error = %s\n", self.path, message)
		self.failed = &SubscriptionError{
			View: self.path,
			Err:  errors.New(message),
		}
		// live watchers end. waiting one-shots reject via the monitor.
		for _, sub := range self.subscribers {
			close(sub.fail)
		}
		self.subscribers = map[Id]*subscriber{}
		self.subLock.Unlock()
		self.dataMonitor.NotifyAll()
		return
	}
	// any data frame means the subscription is live again
	self.failed = nil

	before, after := self.store.apply(frame, self.settings.FieldStrategies)
	glog.V(2).Infof("[lv]%s %s %s<-\n", self.path, frame.Op, frame.Key)

	switch frame.Op {
	case OpUpsert, OpPatch, OpDelete:
		update := &Update{
			Op:  frame.Op,
			Key: frame.Key,
		}
		if frame.Op == OpDelete {
			// last known value
			update.Value = before
		} else {
			update.Value = after
		}
		em := &emission{
			update: update,
			before: before,
			after:  after,
		}
		for _, sub := range self.subscribers {
			sub.emit(em)
		}
	case OpReset, OpAbsent:
		// local cache maintenance, nothing is emitted
	}

	self.subLock.Unlock()
	self.dataMonitor.NotifyAll()
}

// the emitted value for filtering purposes. deletes are judged by the
// last known value, everything else by the merged result.
func (self *emission) filterValue() Entity {
	if self.update.Op == OpDelete {
		return self.before
	}
	return self.after
}

// merged sequence. emits the fully-merged entity once per observed
// change after merge into the cache. the current cache state replays
// as the first batch, then new changes. deletes are not emitted here,
// use `WatchUpdates` or `WatchRich` to observe removals.
// the sequence ends when ctx is cancelled or the connection closes.
func (self *View) Watch(ctx context.Context, query *Query) <-chan Entity {
	out := make(chan Entity, self.conn.settings.SubscriptionBufferSize)
	sub := &subscriber{
		subscriptionId: NewId(),
	}
	sub.emit = func(em *emission) {
		if em.update.Op == OpDelete {
			return
		}
		if !query.match(em.after) {
			return
		}
		sendOrDropOldest(out, em.after, self.path)
	}

	self.register(ctx, query, sub, func() {
		close(out)
	}, func() {
		// initial replay of the current cache state
		entities, loadState := self.store.snapshot(query)
		if loadState != LoadStateLoaded {
			return
		}
		for _, entity := range entities {
			sendOrDropOldest(out, entity, self.path)
		}
	})
	return out
}

// raw update sequence, reflecting upsert/patch/delete as received,
// emitted after the local merge is applied to the cache
func (self *View) WatchUpdates(ctx context.Context, query *Query) <-chan Update {
	out := make(chan Update, self.conn.settings.SubscriptionBufferSize)
	sub := &subscriber{
		subscriptionId: NewId(),
	}
	sub.emit = func(em *emission) {
		if !query.match(em.filterValue()) {
			return
		}
		sendOrDropOldest(out, *em.update, self.path)
	}

	self.register(ctx, query, sub, func() {
		close(out)
	}, nil)
	return out
}

// rich update sequence. `Before` is the cache value immediately prior
// to the merge, nil for the first observed change to a key. `After`
// is the value immediately after.
func (self *View) WatchRich(ctx context.Context, query *Query) <-chan RichUpdate {
	out := make(chan RichUpdate, self.conn.settings.SubscriptionBufferSize)
	sub := &subscriber{
		subscriptionId: NewId(),
	}
	sub.emit = func(em *emission) {
		if !query.match(em.filterValue()) {
			return
		}
		sendOrDropOldest(out, RichUpdate{
			Update: *em.update,
			Before: em.before,
			After:  em.after,
		}, self.path)
	}

	self.register(ctx, query, sub, func() {
		close(out)
	}, nil)
	return out
}

func (self *View) register(
	ctx context.Context,
	query *Query,
	sub *subscriber,
	closeOut func(),
	replay func(),
) {
	var take, skip int
	if query != nil {
		take = query.Take
		skip = query.Skip
	}
	self.subscribe(take, skip)

	sub.fail = make(chan struct{})

	self.subLock.Lock()
	if replay != nil {
		replay()
	}
	self.subscribers[sub.subscriptionId] = sub
	self.subLock.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-self.conn.ctx.Done():
		case <-sub.fail:
		}
		// cancellation does not tear down the connection or other
		// subscriptions. once unregistered no further values are
		// delivered, since fan-out holds subLock.
		self.subLock.Lock()
		delete(self.subscribers, sub.subscriptionId)
		self.subLock.Unlock()
		closeOut()
	}()
}

// the current stack-side rejection for this view, or nil
func (self *View) subscriptionErr() error {
	self.subLock.Lock()
	defer self.subLock.Unlock()
	if self.failed != nil {
		return self.failed
	}
	return nil
}

// backpressure policy for a slow consumer: the oldest buffered
// emission is dropped. cache consistency is unaffected, the consumer
// can re-read via a one-shot.
func sendOrDropOldest[T any](out chan T, value T, path ViewPath) {
	select {
	case out <- value:
		return
	default:
	}
	select {
	case <-out:
		glog.Infof("[lv]%s drop emission\n", path)
	default:
	}
	select {
	case out <- value:
	default:
	}
}

// one-shot snapshot for a state view. resolves once at least one
// response is present for the view, or immediately if cached.
// a confirmed-absent key resolves to nil, nil.
func (self *View) Get(ctx context.Context, query *Query) (Entity, error) {
	var key string
	var take, skip int
	if query != nil {
		key = query.Key
		take = query.Take
		skip = query.Skip
	}
	self.subscribe(take, skip)

	for {
		notify := self.dataMonitor.NotifyChannel()
		stateNotify := self.conn.stateMonitor.NotifyChannel()

		value, loadState := self.store.get(key)
		switch loadState {
		case LoadStateLoaded:
			if !query.match(value) {
				return nil, nil
			}
			return value, nil
		case LoadStateAbsent:
			return nil, nil
		}

		if err := self.subscriptionErr(); err != nil {
			return nil, err
		}

		switch self.conn.State() {
		case ConnectionStateError, ConnectionStateDisconnected:
			return nil, &ConnectionError{
				Endpoint: self.conn.endpoint,
				Op:       "get",
				Err:      ErrNotConnected,
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-notify:
		case <-stateNotify:
		}
	}
}

// one-shot snapshot for a list view. resolves to the full collection
// currently known once the first response arrives.
func (self *View) GetAll(ctx context.Context, query *Query) ([]Entity, error) {
	var take, skip int
	if query != nil {
		take = query.Take
		skip = query.Skip
	}
	self.subscribe(take, skip)

	for {
		notify := self.dataMonitor.NotifyChannel()
		stateNotify := self.conn.stateMonitor.NotifyChannel()

		entities, loadState := self.store.snapshot(query)
		if loadState == LoadStateLoaded {
			return entities, nil
		}

		if err := self.subscriptionErr(); err != nil {
			return nil, err
		}

		switch self.conn.State() {
		case ConnectionStateError, ConnectionStateDisconnected:
			return nil, &ConnectionError{
				Endpoint: self.conn.endpoint,
				Op:       "get",
				Err:      ErrNotConnected,
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-notify:
		case <-stateNotify:
		}
	}
}

// cached read, returns immediately without waiting on the network.
// `LoadStateNotLoaded` means the subscription exists but no response
// has been received yet, which is distinct from a confirmed-absent
// key (`LoadStateAbsent`, value nil).
func (self *View) GetSync(query *Query) (Entity, LoadState) {
	var key string
	if query != nil {
		key = query.Key
	}
	value, loadState := self.store.get(key)
	if loadState == LoadStateLoaded && !query.match(value) {
		return nil, LoadStateAbsent
	}
	return value, loadState
}

// cached read of the current collection, or `LoadStateNotLoaded` if
// no response has arrived
func (self *View) GetAllSync(query *Query) ([]Entity, LoadState) {
	return self.store.snapshot(query)
}
