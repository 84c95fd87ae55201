package validation

import (
	"errors"
	"fmt"
	"net"

	"github.com/google/uuid"
)

var (
	ErrInvalidUserID = errors.New("invalid user id")
	ErrInvalidChatID = errors.New("invalid chat id")
	ErrInvalidAddr   = errors.New("invalid listen address")
	ErrEmptyString   = errors.New("value must not be empty")
)

// ValidateUserID checks that id is a well-formed UUID. Identity resolution
// happens upstream; the core only rejects malformed identifiers.
func ValidateUserID(id string) error {
	if id == "" {
		return ErrInvalidUserID
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUserID, err)
	}
	return nil
}

// ValidateChatID checks that id is a well-formed UUID.
func ValidateChatID(id string) error {
	if id == "" {
		return ErrInvalidChatID
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidChatID, err)
	}
	return nil
}

func ValidateAddr(addr string) error {
	if addr == "" {
		return ErrInvalidAddr
	}
	_, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddr, err)
	}
	return nil
}

func ValidateStringNonEmpty(s string) error {
	if s == "" {
		return ErrEmptyString
	}
	return nil
}
