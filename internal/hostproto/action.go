// Package hostproto implements the synchronous, daemon-drives-action
// protocol exchanged between the daemon and an object child over a single
// socket. All integers are big-endian; any framing violation is permanent.
package hostproto

// Action is a single byte the daemon sends to tell the child what to do
// next. Exactly one action is outstanding on the wire at a time.
type Action byte

const (
	ActionCtor     Action = 1
	ActionRtor     Action = 2
	ActionCommand  Action = 3
	ActionSnapshot Action = 4
	ActionShutdown Action = 16
)

func (a Action) String() string {
	switch a {
	case ActionCtor:
		return "CTOR"
	case ActionRtor:
		return "RTOR"
	case ActionCommand:
		return "COMMAND"
	case ActionSnapshot:
		return "SNAPSHOT"
	case ActionShutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN_ACTION"
	}
}

// ResponseType tags a frame the child emits back to the daemon. Zero or
// more response frames may precede the frame that closes an action.
type ResponseType byte

const (
	ResponseLog                ResponseType = 1
	ResponseCondCreate         ResponseType = 2
	ResponseCondDestroy        ResponseType = 3
	ResponseCondBroadcast      ResponseType = 4
	ResponseCondBroadcastData  ResponseType = 5
	ResponseCondCurrentValue   ResponseType = 6
	ResponseTickInterval       ResponseType = 7
	ResponseOutput             ResponseType = 16
)

func (r ResponseType) String() string {
	switch r {
	case ResponseLog:
		return "LOG"
	case ResponseCondCreate:
		return "COND_CREATE"
	case ResponseCondDestroy:
		return "COND_DESTROY"
	case ResponseCondBroadcast:
		return "COND_BROADCAST"
	case ResponseCondBroadcastData:
		return "COND_BROADCAST_DATA"
	case ResponseCondCurrentValue:
		return "COND_CURRENT_VALUE"
	case ResponseTickInterval:
		return "TICK_INTERVAL"
	case ResponseOutput:
		return "OUTPUT"
	default:
		return "UNKNOWN_RESPONSE"
	}
}

// minCommandSize is the smallest legal declared size for a COMMAND
// action: the 8-byte size field itself plus two 4-byte length prefixes.
// A smaller declared size is a corrupt frame and a permanent error.
const minCommandSize = 16
