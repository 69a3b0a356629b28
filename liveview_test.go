package liveview

import (
	"encoding/json"
	"flag"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

// polls until the condition holds or the timeout expires
func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	endTime := time.Now().Add(timeout)
	for {
		if condition() {
			return
		}
		if endTime.Before(time.Now()) {
			t.Fatal("Timeout waiting for condition.")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestIdOrder(t *testing.T) {
	// ulids are ordered by create time.
	// subscription ids from the same client can be ordered.

	a := NewId()
	for range 4 * 1024 {
		b := NewId()
		assert.Equal(t, a.LessThan(b), true)
		assert.Equal(t, b.LessThan(a), false)
		assert.Equal(t, b == a, false)
		a = b
	}
}

func TestIdJsonCodec(t *testing.T) {
	type Test struct {
		A Id  `json:"a,omitempty"`
		B *Id `json:"b,omitempty"`
	}

	test1 := &Test{}
	test1.A = NewId()
	b_ := NewId()
	test1.B = &b_

	test1Json, err := json.Marshal(test1)
	assert.Equal(t, err, nil)

	test2 := &Test{}
	err = json.Unmarshal(test1Json, test2)
	assert.Equal(t, err, nil)

	assert.Equal(t, test1.A, test2.A)
	assert.Equal(t, test1.B, test2.B)

	id, err := ParseId(test1.A.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, id, test1.A)
}

func TestViewKind(t *testing.T) {
	kind, err := ParseViewKind("state")
	assert.Equal(t, err, nil)
	assert.Equal(t, kind, ViewKindState)

	kind, err = ParseViewKind("list")
	assert.Equal(t, err, nil)
	assert.Equal(t, kind, ViewKindList)

	_, err = ParseViewKind("table")
	assert.NotEqual(t, err, nil)

	assert.Equal(t, StateView("pool").String(), "state(pool)")
	assert.Equal(t, ListView("pool").Kind, ViewKindList)
}
