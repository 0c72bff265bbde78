package p2p

import (
	"p2p-call/internal/call"
	"p2p-call/internal/contacts"
)

type EventType string

const (
	EventIncomingCall     EventType = "incoming_call"
	EventPeerDisconnected EventType = "peer_disconnected"
	EventContactChanged   EventType = "contact_changed"
	EventCallStateChanged EventType = "call_state_changed"
)

// Event is a notification for the UI layer. Call is set for call events,
// Change for EventContactChanged.
type Event struct {
	Type    EventType
	Contact contacts.Contact
	Remote  string
	Call    *call.Call
	State   call.StateChange
	Change  contacts.ChangeKind
}
