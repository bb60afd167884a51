package messaging

// Status is the messaging session state.
//
//	initializing → offline → loggingIn → loggedIn → connected
//	                            ↘ loginFailed
//	initializing ↘ initFailed (terminal)
//
// offline, loggingIn and loggedIn may cycle on reconnect.
type Status int

const (
	StatusOffline Status = iota
	StatusInitializing
	StatusLoggingIn
	StatusLoggedIn
	StatusConnected
	StatusLoginFailed
	StatusInitFailed
)

func (s Status) String() string {
	switch s {
	case StatusOffline:
		return "offline"
	case StatusInitializing:
		return "initializing"
	case StatusLoggingIn:
		return "loggingIn"
	case StatusLoggedIn:
		return "loggedIn"
	case StatusConnected:
		return "connected"
	case StatusLoginFailed:
		return "loginFailed"
	case StatusInitFailed:
		return "initFailed"
	default:
		return "unknown"
	}
}

// IsLoggedIn reports whether the session can create channels and send.
func (s Status) IsLoggedIn() bool {
	return s == StatusLoggedIn || s == StatusConnected
}
