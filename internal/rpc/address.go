// ABOUTME: Typed recipient addresses for the messaging daemon
// ABOUTME: Each address carries an explicit kind instead of being guessed from its text

package rpc

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// AddressKind tags how the daemon expects a recipient to be passed.
type AddressKind string

const (
	KindPhone AddressKind = "phone"
	KindUUID  AddressKind = "uuid"
	KindGroup AddressKind = "group"
)

// groupPrefix marks group identifiers in their textual form.
const groupPrefix = "group."

var (
	// ErrInvalidAddress is returned for addresses that match no known kind.
	ErrInvalidAddress = errors.New("invalid address")

	e164 = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)
)

// Address is a validated recipient.
type Address struct {
	Kind  AddressKind
	Value string
}

// NewAddress validates value against kind.
func NewAddress(kind AddressKind, value string) (Address, error) {
	value = strings.TrimSpace(value)
	switch kind {
	case KindPhone:
		if !e164.MatchString(value) {
			return Address{}, fmt.Errorf("%w: %q is not an E.164 number", ErrInvalidAddress, value)
		}
	case KindUUID:
		parsed, err := uuid.Parse(value)
		if err != nil {
			return Address{}, fmt.Errorf("%w: %q is not a UUID", ErrInvalidAddress, value)
		}
		value = parsed.String()
	case KindGroup:
		value = strings.TrimPrefix(value, groupPrefix)
		if value == "" {
			return Address{}, fmt.Errorf("%w: empty group id", ErrInvalidAddress)
		}
	default:
		return Address{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidAddress, kind)
	}
	return Address{Kind: kind, Value: value}, nil
}

// ParseAddress reads the textual form produced by Address.String:
// "group.<id>", a UUID, or an E.164 phone number.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, groupPrefix):
		return NewAddress(KindGroup, s)
	case strings.HasPrefix(s, "+"):
		return NewAddress(KindPhone, s)
	default:
		return NewAddress(KindUUID, s)
	}
}

// String renders the address in the form ParseAddress accepts.
func (a Address) String() string {
	if a.Kind == KindGroup {
		return groupPrefix + a.Value
	}
	return a.Value
}

// IsZero reports whether a is unset.
func (a Address) IsZero() bool {
	return a.Value == ""
}

// apply writes the recipient into daemon call params.
func (a Address) apply(params map[string]any) {
	if a.Kind == KindGroup {
		params["groupId"] = a.Value
		return
	}
	params["recipient"] = []string{a.Value}
}
