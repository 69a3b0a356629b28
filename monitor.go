package liveview

import (
	"encoding/json"
	"fmt"
	mathrand "math/rand"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
)

// close-and-replace notification channel.
// waiters grab `NotifyChannel` before inspecting state, then select on it.
type Monitor struct {
	mutex  sync.Mutex
	update chan struct{}
}

func NewMonitor() *Monitor {
	return &Monitor{
		update: make(chan struct{}),
	}
}

func (self *Monitor) NotifyChannel() <-chan struct{} {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.update
}

func (self *Monitor) NotifyAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	close(self.update)
	self.update = make(chan struct{})
}

// makes a copy of the list on update so that callers
// can iterate a stable snapshot without holding the lock
type CallbackList[T any] struct {
	mutex      sync.Mutex
	nextId     int
	orderedIds []int
	callbacks  map[int]T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: map[int]T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.orderedIds))
	for _, callbackId := range self.orderedIds {
		callbacks = append(callbacks, self.callbacks[callbackId])
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextId
	self.nextId += 1
	self.orderedIds = append(self.orderedIds, callbackId)
	self.callbacks[callbackId] = callback

	return func() {
		self.remove(callbackId)
	}
}

func (self *CallbackList[T]) remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.callbacks[callbackId]; !ok {
		return
	}
	delete(self.callbacks, callbackId)
	orderedIds := make([]int, 0, len(self.orderedIds)-1)
	for _, existingId := range self.orderedIds {
		if existingId != callbackId {
			orderedIds = append(orderedIds, existingId)
		}
	}
	self.orderedIds = orderedIds
}

// exponential backoff with full jitter.
// timeouts double from min to max and retries are unbounded.
type Reconnect struct {
	minTimeout  time.Duration
	maxTimeout  time.Duration
	nextTimeout time.Duration
}

func NewReconnect(minTimeout time.Duration, maxTimeout time.Duration) *Reconnect {
	return &Reconnect{
		minTimeout:  minTimeout,
		maxTimeout:  maxTimeout,
		nextTimeout: minTimeout,
	}
}

func (self *Reconnect) After() <-chan time.Time {
	timeout := self.nextTimeout
	if timeout < self.maxTimeout {
		self.nextTimeout = min(2*timeout, self.maxTimeout)
	}
	if 0 < timeout {
		timeout = time.Duration(mathrand.Int63n(int64(timeout) + 1))
	}
	return time.After(timeout)
}

// note all consumer callbacks are wrapped to recover from errors,
// so that a panicking consumer cannot kill the dispatch goroutine

func HandleError(do func(), handlers ...func(error)) {
	defer func() {
		if r := recover(); r != nil {
			glog.Warningf("[lv]unexpected error: %s\n", errorJson(r, debug.Stack()))
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%s", r)
			}
			for _, handler := range handlers {
				handler(err)
			}
		}
	}()
	do()
}

func errorJson(err any, stack []byte) string {
	stackLines := []string{}
	for _, line := range strings.Split(string(stack), "\n") {
		stackLines = append(stackLines, strings.TrimSpace(line))
	}
	out, _ := json.Marshal(map[string]any{
		"error": fmt.Sprintf("%T=%s", err, err),
		"stack": stackLines,
	})
	return string(out)
}
