// Package channel connects messaging front ends to the orchestrator core.
// An Adapter delivers inbound operator messages and renders outbound ones;
// the Gateway decides per message whether to start a run, queue behind a
// busy one, or execute a session command.
package channel

import (
	"context"
)

// InboundMessage is one operator message from a front end.
type InboundMessage struct {
	Channel string // opaque channel identity, e.g. "console" or "telegram:123"
	Text    string
}

// InboundFunc receives inbound messages from an adapter's listen loop.
type InboundFunc func(msg InboundMessage)

// Button is one inline action offered alongside a message. Pressing it
// delivers Action back as an inbound message.
type Button struct {
	Label  string
	Action string
}

// Adapter is the contract a messaging front end implements. Status messages
// are short-lived progress lines that may be edited in place; regular
// messages are final output.
type Adapter interface {
	Name() string

	// Listen delivers inbound messages until ctx is cancelled.
	Listen(ctx context.Context, inbound InboundFunc) error

	SendMessage(channel, text string) error

	// SendStatus posts a progress line and returns an id for EditStatus.
	SendStatus(channel, text string) (string, error)
	EditStatus(channel, id, text string) error

	SendButtons(channel, text string, buttons []Button) error
}
