package domain

import "strings"

// ConnectionMode governs when a stream holds its upstream connection open.
type ConnectionMode int

const (
	// ModeDirect bypasses the relay; viewers are redirected to the source URL.
	ModeDirect ConnectionMode = iota
	// ModeEager keeps the upstream open regardless of listeners.
	ModeEager
	// ModeLazy opens on first listener and closes, after a short linger, on last.
	ModeLazy
	// ModeLazyClose is ModeLazy without the linger.
	ModeLazyClose
)

func (m ConnectionMode) String() string {
	switch m {
	case ModeEager:
		return "EAGER"
	case ModeLazy:
		return "LAZY"
	case ModeLazyClose:
		return "LAZY_CLOSE"
	default:
		return "DIRECT"
	}
}

// IsLazy reports whether the mode ties the upstream to listener presence.
func (m ConnectionMode) IsLazy() bool {
	return m == ModeLazy || m == ModeLazyClose
}

// Action is an admin request on the /stream surface: either a connection
// mode change or the out-of-band reset.
type Action int

const (
	ActionUnrecognized Action = iota
	ActionReset
	ActionEager
	ActionLazy
	ActionLazyClose
	ActionDirect
)

func (a Action) String() string {
	switch a {
	case ActionReset:
		return "reset"
	case ActionEager:
		return "eager"
	case ActionLazy:
		return "lazy"
	case ActionLazyClose:
		return "lazy_close"
	case ActionDirect:
		return "direct"
	default:
		return "unrecognized"
	}
}

// Mode returns the connection mode an action selects. Reset and
// unrecognized actions return false.
func (a Action) Mode() (ConnectionMode, bool) {
	switch a {
	case ActionEager:
		return ModeEager, true
	case ActionLazy:
		return ModeLazy, true
	case ActionLazyClose:
		return ModeLazyClose, true
	case ActionDirect:
		return ModeDirect, true
	default:
		return ModeDirect, false
	}
}

// ParseAction maps a case-insensitive token to an Action. Anything it does
// not know yields ActionUnrecognized, never a default mode.
func ParseAction(token string) Action {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case "reset":
		return ActionReset
	case "eager":
		return ActionEager
	case "lazy":
		return ActionLazy
	case "lazy_close", "lazy-close", "lazyclose":
		return ActionLazyClose
	case "direct":
		return ActionDirect
	default:
		return ActionUnrecognized
	}
}

// ParseConnectionMode is ParseAction restricted to real modes.
func ParseConnectionMode(token string) (ConnectionMode, bool) {
	return ParseAction(token).Mode()
}
