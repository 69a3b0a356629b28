package liveview

import (
	"encoding/json"
	"fmt"
)

// one change to a view's content.
// `reset` is a whole-view resync marker sent by the stack after a
// subscription is re-issued. `absent` is the confirmed-absent response
// for a state key. `error` is a stack-side rejection of the view's
// subscription, with `data.message` carrying the reason.
type Op string

const (
	OpUpsert Op = "upsert"
	OpPatch  Op = "patch"
	OpDelete Op = "delete"
	OpReset  Op = "reset"
	OpAbsent Op = "absent"
	OpError  Op = "error"
)

// inbound wire unit. frames arrive in order per key over one
// transport session. the wire format is owned by the stack, this is
// just its json shape.
type Frame struct {
	View string `json:"view"`
	Op   Op     `json:"op"`
	Key  string `json:"key,omitempty"`
	Data Entity `json:"data,omitempty"`
}

// outbound. one subscription request per (view, query parameters) tuple.
// re-issued automatically on reconnect.
type SubscribeRequest struct {
	SubscriptionId Id     `json:"subscription_id"`
	View           string `json:"view"`
	Kind           string `json:"kind"`
	Take           int    `json:"take,omitempty"`
	Skip           int    `json:"skip,omitempty"`
}

// first message on a new session. the stack echoes it back verbatim.
type AuthFrame struct {
	ByJwt      string `json:"by_jwt"`
	InstanceId Id     `json:"instance_id"`
	AppVersion string `json:"app_version,omitempty"`
}

func EncodeFrame(frame *Frame) ([]byte, error) {
	return json.Marshal(frame)
}

func DecodeFrame(b []byte) (*Frame, error) {
	frame := &Frame{}
	if err := json.Unmarshal(b, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func EncodeSubscribeRequest(request *SubscribeRequest) ([]byte, error) {
	return json.Marshal(request)
}

func DecodeSubscribeRequest(b []byte) (*SubscribeRequest, error) {
	request := &SubscribeRequest{}
	if err := json.Unmarshal(b, request); err != nil {
		return nil, err
	}
	return request, nil
}

// structural check applied when `ValidateFrames` is enabled.
// a failing frame is dropped and counted before it reaches any cache.
func ValidateFrame(frame *Frame) error {
	if frame.View == "" {
		return fmt.Errorf("frame missing view")
	}
	switch frame.Op {
	case OpUpsert, OpPatch:
		if frame.Key == "" {
			return fmt.Errorf("%s frame missing key", frame.Op)
		}
		if frame.Data == nil {
			return fmt.Errorf("%s frame missing data", frame.Op)
		}
	case OpDelete, OpAbsent:
		if frame.Key == "" {
			return fmt.Errorf("%s frame missing key", frame.Op)
		}
	case OpReset, OpError:
	default:
		return fmt.Errorf("unknown op: %q", frame.Op)
	}
	return nil
}

// raw change emission, reported after the local merge is applied,
// so readers see the cache consistent with what they are told
type Update struct {
	Op    Op
	Key   string
	Value Entity
}

// an update paired with cache snapshots from immediately before and
// after the merge. `Before` is nil for the first observed change to a
// key. for a delete, `Before` carries the last known value.
type RichUpdate struct {
	Update
	Before Entity
	After  Entity
}
