package event

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidTag is returned when an action tag is neither JOIN nor LEAVE.
var ErrInvalidTag = errors.New("invalid action tag")

// Kind identifies what happened to a station. The zero value is not a valid kind.
type Kind int

const (
	// Join means a station associated with an access point.
	Join Kind = iota + 1
	// Leave means a station disassociated from an access point.
	Leave
)

// String returns the upstream tag for the kind (JOIN or LEAVE).
func (k Kind) String() string {
	switch k {
	case Join:
		return "JOIN"
	case Leave:
		return "LEAVE"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Verb returns the lower-case path segment used by the presence service.
func (k Kind) Verb() string {
	return strings.ToLower(k.String())
}

// Action is a single station event keyed by the station's MAC address.
type Action struct {
	Kind Kind
	MAC  string
}

// NewJoin returns a Join action for mac.
func NewJoin(mac string) Action {
	return Action{Kind: Join, MAC: mac}
}

// NewLeave returns a Leave action for mac.
func NewLeave(mac string) Action {
	return Action{Kind: Leave, MAC: mac}
}

// FromTag builds an Action from an upstream tag. The tag must be exactly "JOIN" or
// "LEAVE"; mac is passed through without validation.
func FromTag(tag, mac string) (Action, error) {
	switch tag {
	case "JOIN":
		return NewJoin(mac), nil
	case "LEAVE":
		return NewLeave(mac), nil
	default:
		return Action{}, fmt.Errorf("%w: %q", ErrInvalidTag, tag)
	}
}

// URL returns the presence service URL for the action: http://{host}/{verb}/{mac}.
func (a Action) URL(host string) string {
	return a.URLWithScheme("http", host)
}

// URLWithScheme is URL with a caller-chosen scheme.
func (a Action) URLWithScheme(scheme, host string) string {
	return fmt.Sprintf("%s://%s/%s/%s", scheme, host, a.Kind.Verb(), a.MAC)
}

// String renders the action as Join(mac) or Leave(mac).
func (a Action) String() string {
	switch a.Kind {
	case Join:
		return fmt.Sprintf("Join(%s)", a.MAC)
	case Leave:
		return fmt.Sprintf("Leave(%s)", a.MAC)
	default:
		return fmt.Sprintf("%s(%s)", a.Kind, a.MAC)
	}
}
