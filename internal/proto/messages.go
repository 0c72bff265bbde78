package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Action names the kind of a signaling message.
type Action string

const (
	ActionCall         Action = "call"
	ActionPing         Action = "ping"
	ActionPong         Action = "pong"
	ActionRinging      Action = "ringing"
	ActionConnected    Action = "connected"
	ActionDismissed    Action = "dismissed"
	ActionStatusChange Action = "status_change"
)

// StatusOffline is the only status_change value peers act on.
const StatusOffline = "offline"

var (
	ErrMalformed     = errors.New("proto: malformed message")
	ErrMissingField  = errors.New("proto: missing field")
	ErrUnknownAction = errors.New("proto: unknown action")
)

// Message is the decrypted JSON body of one frame.
type Message struct {
	Action     Action `json:"action"`
	Username   string `json:"username,omitempty"`
	Identifier string `json:"identifier,omitempty"`
	Offer      string `json:"offer,omitempty"`
	Answer     string `json:"answer,omitempty"`
	Status     string `json:"status,omitempty"`
}

func Call(username, identifier, offer string) Message {
	return Message{Action: ActionCall, Username: username, Identifier: identifier, Offer: offer}
}

func Ping() Message                   { return Message{Action: ActionPing} }
func Pong() Message                   { return Message{Action: ActionPong} }
func Ringing() Message                { return Message{Action: ActionRinging} }
func Dismissed() Message              { return Message{Action: ActionDismissed} }
func Connected(answer string) Message { return Message{Action: ActionConnected, Answer: answer} }

func StatusChange(status string) Message {
	return Message{Action: ActionStatusChange, Status: status}
}

// Encode renders the message as JSON text.
func (m Message) Encode() string {
	return string(MustMarshal(m))
}

// Decode parses and validates a message. Unknown actions are reported with
// ErrUnknownAction and the parsed Action set, so callers can ignore them.
func Decode(s string) (Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := m.Validate(); err != nil {
		return m, err
	}
	return m, nil
}

// Validate checks that the fields required by the action are present.
func (m Message) Validate() error {
	switch m.Action {
	case ActionCall:
		if m.Offer == "" {
			return fmt.Errorf("%w: call.offer", ErrMissingField)
		}
	case ActionConnected:
		if m.Answer == "" {
			return fmt.Errorf("%w: connected.answer", ErrMissingField)
		}
	case ActionStatusChange:
		if m.Status == "" {
			return fmt.Errorf("%w: status_change.status", ErrMissingField)
		}
	case ActionPing, ActionPong, ActionRinging, ActionDismissed:
	case "":
		return fmt.Errorf("%w: action", ErrMissingField)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, m.Action)
	}
	return nil
}
