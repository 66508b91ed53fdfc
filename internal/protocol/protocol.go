// Package protocol defines the text vocabulary spoken on the chat channel:
// handshake tokens, client commands, chat message types and every line the
// relay itself originates.
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
)

const (
	// UsernameTaken is sent instead of a greeting when the identity is already online.
	UsernameTaken = "USERNAME_TAKEN"
	// InvalidUsername is sent instead of a greeting when the identity is malformed.
	InvalidUsername = "INVALID_USERNAME"
	// ServerInfoPrefix starts the handshake greeting.
	ServerInfoPrefix = "SERVER_INFO"
	// PrivateCommand prefixes a private message: "/pm <identity> <text>".
	PrivateCommand = "/pm"
	// RecipientAll marks a file shared with every identity.
	RecipientAll = "all"
	// MaxIdentityLength bounds an identity in bytes.
	MaxIdentityLength = 64

	timeLayout = "15:04:05"
)

// ErrInvalidIdentity reports an identity that cannot be registered.
var ErrInvalidIdentity = errors.New("protocol: invalid identity")

var validate = validator.New()

type handshake struct {
	Identity string `validate:"required,excludesall=0x2C0x7C"`
}

// ValidateIdentity checks that an identity can be rendered in a roster and
// targeted by the private message command.
func ValidateIdentity(identity string) error {
	if err := validate.Struct(handshake{Identity: identity}); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	if len(identity) > MaxIdentityLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidIdentity, MaxIdentityLength)
	}
	if strings.ContainsFunc(identity, unicode.IsSpace) {
		return fmt.Errorf("%w: whitespace is not allowed", ErrInvalidIdentity)
	}
	return nil
}

// ServerInfo renders the handshake greeting carrying the transfer port and
// the roster of identities already online.
func ServerInfo(transferPort int, roster []string) string {
	return ServerInfoPrefix + "|" + strconv.Itoa(transferPort) + "|" + strings.Join(roster, ",")
}

// Timestamp renders the clock prefix used by chat lines.
func Timestamp(at time.Time) string {
	return at.Format(timeLayout)
}

// Joined announces a new identity to the other sessions.
func Joined(identity string) string {
	return "\n" + identity + " joined the chat!"
}

// Left announces that an identity went offline.
func Left(identity string) string {
	return "\n" + identity + " left the chat!"
}

// RecipientNotFound tells a sender its private message was not delivered.
func RecipientNotFound(recipient string) string {
	return fmt.Sprintf("Error: User '%s' not found or offline.", recipient)
}

// PrivateUsage tells a sender its private message command was malformed.
func PrivateUsage() string {
	return "Error: Usage: " + PrivateCommand + " <username> <message>"
}

// RateLimited tells a sender its message was dropped by the rate limiter.
func RateLimited() string {
	return "Error: Rate limit exceeded; message discarded."
}

// FileShared is broadcast when a file is uploaded for everyone.
func FileShared(at time.Time, uploader, filename string) string {
	return fmt.Sprintf("\n[%s] SERVER: %s uploaded file '%s' (click here to download %s)",
		Timestamp(at), uploader, filename, filename)
}

// FileReceived notifies the recipient of a privately shared file.
func FileReceived(at time.Time, uploader, filename string) string {
	return fmt.Sprintf("\n[%s] SERVER: %s sent you a private file '%s' (click here to download %s)",
		Timestamp(at), uploader, filename, filename)
}

// FileSent confirms a private upload to its uploader.
func FileSent(at time.Time, filename, recipient string) string {
	return fmt.Sprintf("\n[%s] SERVER: File '%s' sent privately to %s", Timestamp(at), filename, recipient)
}
