package model

import (
	"errors"
	"fmt"
)

// AddressFamily is the network family of a resolved address.
type AddressFamily string

const (
	FamilyIPv4 AddressFamily = "ipv4"
	FamilyIPv6 AddressFamily = "ipv6"
)

type Address struct {
	Value  string
	Family AddressFamily
}

func (a Address) String() string {
	return a.Value
}

// HandoffCredentials carry the endpoint and shared secret announced by the
// remote server. Key must never be logged, and no component keeps a copy
// once the client has been launched with it.
type HandoffCredentials struct {
	Port string
	Key  string
}

func (c HandoffCredentials) String() string {
	return fmt.Sprintf("port=%s key=[REDACTED]", c.Port)
}

// GoString keeps %#v from printing the key.
func (c HandoffCredentials) GoString() string {
	return fmt.Sprintf("model.HandoffCredentials{Port:%q, Key:\"[REDACTED]\"}", c.Port)
}

// SessionMode is the I/O routing state of a session.
type SessionMode int32

const (
	ModeRemote SessionMode = iota
	ModeLocal
	ModeClosed
)

func (m SessionMode) String() string {
	switch m {
	case ModeRemote:
		return "remote"
	case ModeLocal:
		return "local"
	case ModeClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Dimensions describe a terminal in character cells and pixels.
type Dimensions struct {
	Columns int
	Rows    int
	Width   int
	Height  int
}

func (d Dimensions) Valid() bool {
	return d.Columns > 0 && d.Rows > 0
}

// Host is the connection record supplied by the embedding application.
type Host struct {
	Nickname     string
	Username     string
	Hostname     string
	Port         int
	Locale       string
	ServerBinary string
	ServerPort   int
}

// Error codes surfaced to the embedding application.
const (
	ErrCodeInstallNotStarted = "E_INSTALL_NOT_STARTED"
	ErrCodeInstallFailed     = "E_INSTALL_FAILED"
	ErrCodeHostUnresolvable  = "E_HOST_UNRESOLVABLE"
	ErrCodeNoAddressFound    = "E_NO_ADDRESS_FOUND"
	ErrCodeRemoteSession     = "E_REMOTE_SESSION"
	ErrCodeRemoteClosedEarly = "E_REMOTE_CLOSED_EARLY"
	ErrCodeSpawnFailed       = "E_SPAWN_FAILED"
	ErrCodeSessionClosed     = "E_SESSION_CLOSED"
)

var (
	ErrInstallNotStarted = errors.New(ErrCodeInstallNotStarted)
	ErrInstallFailed     = errors.New(ErrCodeInstallFailed)
	ErrHostUnresolvable  = errors.New(ErrCodeHostUnresolvable)
	ErrNoAddressFound    = errors.New(ErrCodeNoAddressFound)
	ErrRemoteSession     = errors.New(ErrCodeRemoteSession)
	ErrRemoteClosedEarly = errors.New(ErrCodeRemoteClosedEarly)
	ErrSpawnFailed       = errors.New(ErrCodeSpawnFailed)
	ErrSessionClosed     = errors.New(ErrCodeSessionClosed)
)

// ErrorCode maps an error chain to its error code, or "" when none applies.
func ErrorCode(err error) string {
	for _, sentinel := range []error{
		ErrInstallNotStarted,
		ErrInstallFailed,
		ErrHostUnresolvable,
		ErrNoAddressFound,
		ErrRemoteSession,
		ErrRemoteClosedEarly,
		ErrSpawnFailed,
		ErrSessionClosed,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return ""
}
