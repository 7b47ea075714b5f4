package core

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Action represents an API action on a resource. Actions are named after
// the HTTP method that triggers them.
type Action string

// all supported resource actions
const (
	ActionGet     Action = "GET"
	ActionPost    Action = "POST"
	ActionPut     Action = "PUT"
	ActionDelete  Action = "DELETE"
	ActionOptions Action = "OPTIONS"
)

// UnmarshalJSON is a custom JSON unmarshaller
func (a *Action) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*a = Action(s)
	switch *a {
	case ActionGet, ActionPost, ActionPut, ActionDelete, ActionOptions:
		return nil
	default:
		return fmt.Errorf("%s is not a valid Action", s)
	}
}

// Notifier is an interface to receive notifications about successful
// mutations. Notify is called after the database write has happened.
type Notifier interface {
	Notify(resource string, action Action, payload []byte)
}
