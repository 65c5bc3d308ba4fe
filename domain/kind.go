package domain

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// Kind tags the hierarchy level a node lives on.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindSpace
	KindFolder
	KindList
	KindTask
	KindSubtask
)

var kindNames = [...]string{
	KindUnknown: "",
	KindSpace:   "space",
	KindFolder:  "folder",
	KindList:    "list",
	KindTask:    "task",
	KindSubtask: "subtask",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is one of the five hierarchy levels.
func (k Kind) Valid() bool {
	switch k {
	case KindSpace, KindFolder, KindList, KindTask, KindSubtask:
		return true
	case KindUnknown:
		return false
	}
	return false
}

// Selectable is true for levels time can be tracked against.
func (k Kind) Selectable() bool {
	switch k {
	case KindTask, KindSubtask:
		return true
	case KindSpace, KindFolder, KindList, KindUnknown:
		return false
	}
	return false
}

// ParseKind maps the wire name back to a Kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name != "" && name == s {
			return Kind(k), nil
		}
	}
	return KindUnknown, fmt.Errorf("%w: %q", ErrInvalidKind, s)
}

func (k Kind) MarshalJSON() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidKind, k)
	}
	return sonic.Marshal(k.String())
}

func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := sonic.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
