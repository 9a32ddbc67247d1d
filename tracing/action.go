package tracing

import "fmt"

// Action identifies the flavour of call or create operation that produced a
// trace record.
type Action int

const (
	ActionCall Action = iota
	ActionCallCode
	ActionDelegateCall
	ActionStaticCall
	ActionExtCall
	ActionExtDelegateCall
	ActionExtStaticCall
	ActionCreate
	ActionCreate2
)

// String returns the wire tag of the action.
func (a Action) String() string {
	switch a {
	case ActionCall:
		return "call"
	case ActionCallCode:
		return "call_code"
	case ActionDelegateCall:
		return "delegate_call"
	case ActionStaticCall:
		return "static_call"
	case ActionExtCall:
		return "ext_call"
	case ActionExtDelegateCall:
		return "ext_delegate_call"
	case ActionExtStaticCall:
		return "ext_static_call"
	case ActionCreate:
		return "create"
	case ActionCreate2:
		return "create2"
	}
	return "unknown"
}

// IsCreate reports whether the action deploys new code.
func (a Action) IsCreate() bool {
	return a == ActionCreate || a == ActionCreate2
}

// IsDelegate reports whether the action executes foreign code against the
// storage of the current context account.
func (a Action) IsDelegate() bool {
	return a == ActionCallCode || a == ActionDelegateCall || a == ActionExtDelegateCall
}

func (a Action) MarshalText() ([]byte, error) {
	s := a.String()
	if s == "unknown" {
		return nil, fmt.Errorf("invalid action %d", int(a))
	}
	return []byte(s), nil
}

func (a *Action) UnmarshalText(text []byte) error {
	for c := ActionCall; c <= ActionCreate2; c++ {
		if c.String() == string(text) {
			*a = c
			return nil
		}
	}
	return fmt.Errorf("unknown action %q", text)
}
