package provider

// EventKind enumerates what an adapter can emit toward the relay.
type EventKind int

const (
	EventPairing EventKind = iota + 1
	EventConnected
	EventDisconnected
	EventStatus
)

// Disconnect reasons the adapter itself produces. Provider clients may emit
// their own reason strings on top of these.
const (
	ReasonLoggedOut      = "logged_out"
	ReasonRetryExhausted = "retry_exhausted"
)

// Event is one adapter lifecycle event, tagged with the owning session id so a
// single sink can serve many adapters.
type Event struct {
	SessionID   string
	Kind        EventKind
	Pairing     string // EventPairing: raw challenge payload
	Reason      string // EventDisconnected
	Recoverable bool   // EventDisconnected
	Status      StatusItem
}

// Sink receives adapter events. Implementations must not block for long; the
// adapter calls it inline from its event goroutines.
type Sink func(Event)
