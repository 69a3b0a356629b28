package liveview

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestReconnectResync(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, stack := newTestConnection(t, ctx, nil)
	defer conn.Disconnect()
	server1 := stack.accept(t)

	view := conn.View(ListView("orders"), nil)
	request := stack.readSubscribe(t, server1)
	assert.Equal(t, request.View, "orders")
	assert.Equal(t, request.Kind, "list")

	stack.send(t, server1, upsertFrame("orders", "A", Entity{"k": "A"}))
	stack.send(t, server1, upsertFrame("orders", "B", Entity{"k": "B"}))
	waitFor(t, time.Second, func() bool {
		return view.Size() == 2
	})

	states := make(chan ConnectionState, 16)
	unsub := conn.AddStateChangeCallback(func(state ConnectionState) {
		states <- state
	})
	defer unsub()

	// simulated transport drop
	server1.Close()

	// the subscription re-issues without consumer intervention
	server2 := stack.accept(t)
	replayed := stack.readSubscribe(t, server2)
	assert.Equal(t, replayed.View, "orders")

	waitFor(t, time.Second, func() bool {
		return conn.State() == ConnectionStateConnected
	})

	// transitions observed once each, in order
	assert.Equal(t, <-states, ConnectionStateReconnecting)
	assert.Equal(t, <-states, ConnectionStateConnected)

	// post-outage server state: B deleted during the gap, C added.
	// the resync batch repairs the cache without delete frames for B.
	stack.send(t, server2, &Frame{View: "orders", Op: OpReset})
	stack.send(t, server2, upsertFrame("orders", "A", Entity{"k": "A"}))
	stack.send(t, server2, upsertFrame("orders", "C", Entity{"k": "C"}))

	waitFor(t, time.Second, func() bool {
		_, bState := view.GetSync(&Query{Key: "B"})
		_, cState := view.GetSync(&Query{Key: "C"})
		return bState == LoadStateAbsent && cState == LoadStateLoaded
	})
	entities, _ := view.GetAllSync(nil)
	assert.Equal(t, len(entities), 2)
	assert.Equal(t, entities[0]["k"], "A")
	assert.Equal(t, entities[1]["k"], "C")
}

func TestCachesSurviveReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, stack := newTestConnection(t, ctx, nil)
	defer conn.Disconnect()
	server1 := stack.accept(t)

	view := conn.View(ListView("orders"), nil)
	stack.send(t, server1, upsertFrame("orders", "A", Entity{"k": "A"}))
	waitFor(t, time.Second, func() bool {
		return view.Size() == 1
	})

	entities := view.WatchUpdates(ctx, nil)

	server1.Close()
	server2 := stack.accept(t)
	waitFor(t, time.Second, func() bool {
		return conn.State() == ConnectionStateConnected
	})

	// the local cache and the live sequence are preserved across the
	// outage. no update is fabricated during the gap.
	assert.Equal(t, view.Size(), 1)
	select {
	case update := <-entities:
		t.Fatalf("Unexpected update during outage: %v", update)
	default:
	}

	stack.send(t, server2, upsertFrame("orders", "A", Entity{"k": "A", "n": float64(2)}))
	update := <-entities
	assert.Equal(t, update.Op, OpUpsert)
	assert.Equal(t, update.Value["n"], float64(2))
}

func TestValidateFramesDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, stack := newTestConnection(t, ctx, func(settings *ConnectionSettings) {
		settings.ValidateFrames = true
	})
	defer conn.Disconnect()
	server := stack.accept(t)

	view := conn.View(ListView("orders"), nil)
	updates := view.WatchUpdates(ctx, nil)

	// malformed frames are dropped and counted, never raised
	assert.Equal(t, server.Write([]byte("not json")), nil)
	stack.send(t, server, &Frame{View: "orders", Op: Op("boom"), Key: "a"})
	waitFor(t, time.Second, func() bool {
		return conn.DroppedFrameCount() == 2
	})
	assert.Equal(t, view.Size(), 0)

	// the live sequence is undisturbed
	stack.send(t, server, upsertFrame("orders", "a", Entity{"x": float64(1)}))
	update := <-updates
	assert.Equal(t, update.Key, "a")
}

func TestFatalRejectionThenReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reject := &atomic.Bool{}
	conn, stack := newTestConnection(t, ctx, func(settings *ConnectionSettings) {
		dial := settings.TransportDialer
		settings.TransportDialer = func(
			ctx context.Context,
			endpoint string,
			auth *ClientAuth,
			settings *ConnectionSettings,
		) (Transport, error) {
			if reject.Load() {
				return nil, errAuthRejected
			}
			return dial(ctx, endpoint, auth, settings)
		}
	})
	defer conn.Disconnect()
	server1 := stack.accept(t)

	reject.Store(true)
	server1.Close()
	waitFor(t, time.Second, func() bool {
		return conn.State() == ConnectionStateError
	})

	// terminal until an explicit reconnect call
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, conn.State(), ConnectionStateError)

	reject.Store(false)
	conn.Reconnect()
	stack.accept(t)
	waitFor(t, time.Second, func() bool {
		return conn.State() == ConnectionStateConnected
	})
}

func TestDisconnectIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, stack := newTestConnection(t, ctx, nil)
	stack.accept(t)

	view := conn.View(ListView("orders"), nil)
	entities := view.Watch(ctx, nil)

	conn.Disconnect()
	conn.Disconnect()
	assert.Equal(t, conn.State(), ConnectionStateDisconnected)

	// live sequences end when the connection closes
	waitFor(t, time.Second, func() bool {
		select {
		case _, ok := <-entities:
			return !ok
		default:
			return false
		}
	})
}

func TestConnectUnreachable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultConnectionSettings()
	settings.WsHandshakeTimeout = 100 * time.Millisecond
	settings.AuthTimeout = 100 * time.Millisecond

	_, err := Connect(ctx, "ws://127.0.0.1:1/live", &ClientAuth{
		ByJwt:      "test",
		InstanceId: NewId(),
	}, settings)
	var connErr *ConnectionError
	assert.Equal(t, errors.As(err, &connErr), true)
	assert.Equal(t, connErr.Op, "connect")
}

func TestStateCallbackReentrancy(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, stack := newTestConnection(t, ctx, nil)
	server := stack.accept(t)

	states := make(chan ConnectionState, 8)
	conn.AddStateChangeCallback(func(state ConnectionState) {
		states <- state
		if state == ConnectionStateReconnecting {
			// tearing down from inside the callback must not deadlock
			conn.Disconnect()
		}
	})

	// drop the transport so the connection starts reconnecting
	server.Close()

	waitFor(t, time.Second, func() bool {
		return conn.State() == ConnectionStateDisconnected
	})

	// transitions were delivered in order despite the re-entrant call
	assert.Equal(t, <-states, ConnectionStateReconnecting)
	assert.Equal(t, <-states, ConnectionStateDisconnected)
}
