package email

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

// Error codes reported in Result.ErrorCode and stored on delivery logs.
const (
	CodeInvalidAddress = "invalid_address"
	CodeRejected       = "rejected"
	CodeDeferred       = "deferred"
	CodeRenderFailed   = "render_failed"
	CodeUnreachable    = "unreachable"
)

// ErrUnreachable wraps connectivity faults: the provider could not be reached
// at all, so nothing is known about the recipient.
var ErrUnreachable = errors.New("email: transport unreachable")

// Message is one fully rendered email for a single recipient.
type Message struct {
	To      string
	ToName  string
	Subject string
	HTML    string
	Text    string
}

// Result describes what the provider did with a message. A rejected or
// deferred message is a Result with Success false, not an error.
type Result struct {
	Success   bool
	MessageID string
	ErrorCode string
	Response  string
}

// Transport delivers rendered messages. Send returns an error only when the
// provider could not be reached.
type Transport interface {
	Send(ctx context.Context, msg Message) (Result, error)
	TestConnection(ctx context.Context) error
}

// ValidateAddress parses a single RFC 5322 address and returns the bare
// addr-spec.
func ValidateAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", errors.New("empty address")
	}
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return "", err
	}
	return parsed.Address, nil
}

func invalidAddress(addr string, err error) Result {
	return Result{
		ErrorCode: CodeInvalidAddress,
		Response:  fmt.Sprintf("invalid recipient %q: %v", addr, err),
	}
}

// domainOf returns the part after @, or fallback.
func domainOf(addr, fallback string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 && i < len(addr)-1 {
		return strings.TrimSuffix(addr[i+1:], ">")
	}
	return fallback
}
