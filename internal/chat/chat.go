// Package chat holds the transport-neutral shapes of outgoing messages.
package chat

import "context"

type Button struct {
	Text string
	Data string
}

type Document struct {
	Name    string
	Content []byte
}

// Message is one outgoing message. Buttons are rows of inline buttons; Menu
// is a reply keyboard shown under the input field.
type Message struct {
	Recipient int64
	Text      string
	Buttons   [][]Button
	Menu      [][]string
	Document  *Document
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Row is a shorthand for a single row of inline buttons.
func Row(buttons ...Button) [][]Button { return [][]Button{buttons} }
