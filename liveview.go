package liveview

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	id, err := ulid.ParseStrict(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(id), nil
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[0:16], b[0:16]) < 0
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(self.String())
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) < 2 || src[0] != '"' || src[len(src)-1] != '"' {
		return fmt.Errorf("invalid id: %s", src)
	}
	id, err := ParseId(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = id
	return nil
}

type ViewKind int

const (
	ViewKindState ViewKind = iota
	ViewKindList
)

func (self ViewKind) String() string {
	switch self {
	case ViewKindState:
		return "state"
	case ViewKindList:
		return "list"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

func ParseViewKind(kindStr string) (ViewKind, error) {
	switch kindStr {
	case "state":
		return ViewKindState, nil
	case "list":
		return ViewKindList, nil
	default:
		return ViewKind(0), fmt.Errorf("unknown view kind: %s", kindStr)
	}
}

// comparable
// names one projection of an entity type on the stack
type ViewPath struct {
	Name string
	Kind ViewKind
}

func StateView(name string) ViewPath {
	return ViewPath{
		Name: name,
		Kind: ViewKindState,
	}
}

func ListView(name string) ViewPath {
	return ViewPath{
		Name: name,
		Kind: ViewKindList,
	}
}

func (self ViewPath) String() string {
	return fmt.Sprintf("%s(%s)", self.Kind, self.Name)
}

// three-way result of a cached read.
// `LoadStateAbsent` means the stack responded and the key does not exist,
// which is different from no response yet.
type LoadState int

const (
	LoadStateNotLoaded LoadState = iota
	LoadStateAbsent
	LoadStateLoaded
)

func (self LoadState) String() string {
	switch self {
	case LoadStateNotLoaded:
		return "notloaded"
	case LoadStateAbsent:
		return "absent"
	case LoadStateLoaded:
		return "loaded"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}
