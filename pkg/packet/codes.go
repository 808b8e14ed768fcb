package packet

// Type identifies a packet's operation.
type Type uint8

// Built-in packet types. Application handlers may register additional
// types above TypeUserBase.
const (
	TypeNone       Type = 0
	TypeAuth       Type = 1
	TypePing       Type = 2
	TypeDisconnect Type = 3

	TypeEntityGet    Type = 16
	TypeEntitySave   Type = 17
	TypeEntityDelete Type = 18
	TypeEntityLock   Type = 19
	TypeEntityUnlock Type = 20

	TypeQuery      Type = 32
	TypeQueryAsync Type = 33

	// TypeUserBase is the first type value reserved for application
	// handlers.
	TypeUserBase Type = 64
)

func (t Type) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeAuth:
		return "auth"
	case TypePing:
		return "ping"
	case TypeDisconnect:
		return "disconnect"
	case TypeEntityGet:
		return "entity_get"
	case TypeEntitySave:
		return "entity_save"
	case TypeEntityDelete:
		return "entity_delete"
	case TypeEntityLock:
		return "entity_lock"
	case TypeEntityUnlock:
		return "entity_unlock"
	case TypeQuery:
		return "query"
	case TypeQueryAsync:
		return "query_async"
	default:
		return "user"
	}
}

// ResultCode is the outcome carried in a packet header. Zero is success;
// everything else is a failure category.
type ResultCode uint8

const (
	ResultOK           ResultCode = 0
	ResultInvalid      ResultCode = 1 // malformed packet or size mismatch
	ResultAuth         ResultCode = 2 // authentication failed or required
	ResultDB           ResultCode = 3 // backing store error
	ResultParams       ResultCode = 4 // body decoded but arguments invalid
	ResultNotFound     ResultCode = 5
	ResultInternal     ResultCode = 6 // handler panic or unexpected failure
	ResultOverload     ResultCode = 7 // queue full or rate limited
	ResultTimeout      ResultCode = 8
	ResultInvalidState ResultCode = 9 // operation illegal in current session state
)

// The auth handshake predates the taxonomy above and inverts it: the auth
// response carries 1 when the credentials are accepted and 0 when they are
// rejected. Every other response uses the regular result codes.
const (
	AuthRejected ResultCode = 0
	AuthAccepted ResultCode = 1
)

func (r ResultCode) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultInvalid:
		return "invalid"
	case ResultAuth:
		return "auth"
	case ResultDB:
		return "db"
	case ResultParams:
		return "params"
	case ResultNotFound:
		return "not_found"
	case ResultInternal:
		return "internal"
	case ResultOverload:
		return "overload"
	case ResultTimeout:
		return "timeout"
	case ResultInvalidState:
		return "invalid_state"
	default:
		return "unknown"
	}
}
