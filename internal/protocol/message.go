package protocol

import (
	"strings"
	"time"
)

// CommandKind classifies a line received from an active session.
type CommandKind int

const (
	// CommandEmpty is a blank line; it is ignored.
	CommandEmpty CommandKind = iota
	// CommandPublic is broadcast to every other session.
	CommandPublic
	// CommandPrivate is delivered to exactly one identity.
	CommandPrivate
	// CommandMalformedPrivate is a private command missing its target or body.
	CommandMalformedPrivate
)

// Command is a parsed client line.
type Command struct {
	Kind      CommandKind
	Recipient string
	Body      string
}

// ParseCommand classifies one received message. A private command is
// "/pm <identity> <text>"; anything else is public text.
func ParseCommand(line string) Command {
	if strings.TrimSpace(line) == "" {
		return Command{Kind: CommandEmpty}
	}

	rest, ok := strings.CutPrefix(line, PrivateCommand+" ")
	if !ok {
		if line == PrivateCommand {
			return Command{Kind: CommandMalformedPrivate}
		}
		return Command{Kind: CommandPublic, Body: line}
	}

	recipient, body, found := strings.Cut(rest, " ")
	if !found || recipient == "" || strings.TrimSpace(body) == "" {
		return Command{Kind: CommandMalformedPrivate}
	}
	return Command{Kind: CommandPrivate, Recipient: recipient, Body: body}
}

// Public is a message broadcast to every active session but its sender.
type Public struct {
	Sender string
	At     time.Time
	Body   string
}

// String renders the line delivered to the other sessions.
func (m Public) String() string {
	return "[" + Timestamp(m.At) + "] " + m.Sender + ": " + m.Body
}

// Private is a message addressed to a single identity.
type Private struct {
	Sender    string
	Recipient string
	At        time.Time
	Body      string
}

// String renders the line delivered to the recipient.
func (m Private) String() string {
	return "[" + Timestamp(m.At) + "] [PM from " + m.Sender + "]: " + m.Body
}

// Echo renders the confirmation returned to the sender after delivery.
func (m Private) Echo() string {
	return "[" + Timestamp(m.At) + "] [PM to " + m.Recipient + "]: " + m.Body
}
