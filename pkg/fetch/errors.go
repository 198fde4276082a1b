// Package fetch holds the plumbing shared by the IP data and VPN data providers: the
// error taxonomy, the upstream HTTP client and the cache-aside wrapper.
package fetch

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

// Kind classifies a provider failure.
type Kind int

const (
	// InvalidInput means the caller passed an empty or malformed IP address.
	InvalidInput Kind = iota + 1
	// ParseFailed means the upstream answered with a body or database that could not be decoded.
	ParseFailed
	// IoFailed means the network or disk operation failed.
	IoFailed
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "invalid input"
	case ParseFailed:
		return "parse failed"
	case IoFailed:
		return "io failed"
	default:
		return "unknown"
	}
}

// Error is the single error type returned by providers. It always carries the cause.
type Error struct {
	Kind     Kind
	Provider string
	IP       string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.IP != "" {
		b.WriteString(" for ")
		b.WriteString(e.IP)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds an *Error of the given kind.
func NewError(kind Kind, provider, ip string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, IP: ip, Err: err}
}

// Errorf builds an *Error whose cause is formatted like fmt.Errorf.
func Errorf(kind Kind, provider, ip, format string, args ...any) *Error {
	return NewError(kind, provider, ip, fmt.Errorf(format, args...))
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var fetchErr *Error
	return errors.As(err, &fetchErr) && fetchErr.Kind == kind
}

// ValidateIP trims ip and checks that it is a dotted-decimal IPv4 address.
func ValidateIP(provider, ip string) (string, error) {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return "", NewError(InvalidInput, provider, "", errors.New("ip address is required"))
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", NewError(InvalidInput, provider, ip, err)
	}
	if !addr.Is4() {
		return "", Errorf(InvalidInput, provider, ip, "only IPv4 addresses are supported")
	}
	return addr.String(), nil
}
