package security

import (
	"errors"
	"os"
	"strings"
)

// Kind classifies a failure for exit handling and messaging.
type Kind string

const (
	KindUser     Kind = "user"
	KindRemote   Kind = "remote"
	KindConflict Kind = "conflict"
	KindInternal Kind = "internal"
)

// ClassifiedError separates a user-safe message from verbose debug details.
type ClassifiedError struct {
	Kind        Kind
	UserSafe    string
	Remediation string
	Err         error
}

func (e *ClassifiedError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.UserSafe) == "" {
		if e.Err != nil {
			return e.Err.Error()
		}
		return "operation failed"
	}
	if e.Err != nil {
		return e.UserSafe + ": " + e.Err.Error()
	}
	return e.UserSafe
}

func (e *ClassifiedError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// UserError reports bad input. No state has been changed when it is returned.
func UserError(msg, remediation string) error {
	return &ClassifiedError{Kind: KindUser, UserSafe: msg, Remediation: remediation}
}

// RemoteError wraps a control-plane failure with the step that produced it.
func RemoteError(step string, err error) error {
	return &ClassifiedError{Kind: KindRemote, UserSafe: step, Err: err}
}

// ConflictError reports a local resource conflict such as an occupied slot.
func ConflictError(msg string, err error) error {
	return &ClassifiedError{Kind: KindConflict, UserSafe: msg, Err: err}
}

// KindOf returns the classification of err, or KindInternal when unclassified.
func KindOf(err error) Kind {
	var ce *ClassifiedError
	if errors.As(err, &ce) && ce.Kind != "" {
		return ce.Kind
	}
	return KindInternal
}

// Remediation returns the remediation hint attached to err, if any.
func Remediation(err error) string {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Remediation
	}
	return ""
}

// UserMessage returns a message safe to show in CLI/TUI contexts.
func UserMessage(err error, redact bool) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if redact {
		return RedactMessage(msg)
	}
	return msg
}

// RedactMessage replaces the home directory prefix with "~" in user-visible text.
func RedactMessage(msg string) string {
	if msg == "" {
		return msg
	}
	out := msg
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		out = strings.ReplaceAll(out, home, "~")
	}
	return out
}

// RedactToken masks all but the last four characters of a credential.
func RedactToken(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return strings.Repeat("*", 8) + token[len(token)-4:]
}

// RedactArgs returns a copy of a command line with credential flag values masked.
func RedactArgs(args []string) []string {
	out := append([]string(nil), args...)
	for i := 0; i < len(out); i++ {
		switch {
		case out[i] == "--token" && i+1 < len(out):
			out[i+1] = RedactToken(out[i+1])
			i++
		case strings.HasPrefix(out[i], "--token="):
			out[i] = "--token=" + RedactToken(strings.TrimPrefix(out[i], "--token="))
		}
	}
	return out
}
