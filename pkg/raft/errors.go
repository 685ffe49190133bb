package raft

import "fmt"

// ErrCode enumerates the error codes exposed at the raft core boundary.
type ErrCode int

const (
	ErrNone ErrCode = iota
	ErrNoMem
	ErrBadID
	ErrDuplicateID
	ErrDuplicateAddress
	ErrBadRole
	ErrMalformed
	ErrNotLeader
	ErrLeadershipLost
	ErrShutdown
	ErrCantBootstrap
	ErrCantChange
	ErrCorrupt
	ErrCanceled
	ErrNameTooLong
	ErrTooBig
	ErrNoConnection
	ErrBusy
	ErrIO
	ErrNotFound
	ErrInvalid
	ErrUnauthorized
	ErrNoSpace
	ErrTooMany
)

var errMessages = map[ErrCode]string{
	ErrNone:             "no error",
	ErrNoMem:            "out of memory",
	ErrBadID:            "server ID is not valid",
	ErrDuplicateID:      "server ID already in use",
	ErrDuplicateAddress: "server address already in use",
	ErrBadRole:          "server role is not valid",
	ErrMalformed:        "message is malformed",
	ErrNotLeader:        "server is not the leader",
	ErrLeadershipLost:   "leadership was lost while committing the entry",
	ErrShutdown:         "server is shutting down",
	ErrCantBootstrap:    "bootstrap only works on new clusters",
	ErrCantChange:       "a configuration change is already in progress",
	ErrCorrupt:          "persisted data is corrupt",
	ErrCanceled:         "operation canceled",
	ErrNameTooLong:      "name is too long",
	ErrTooBig:           "data is too big",
	ErrNoConnection:     "no connection to remote server",
	ErrBusy:             "server is busy",
	ErrIO:               "I/O error",
	ErrNotFound:         "resource not found",
	ErrInvalid:          "invalid parameter",
	ErrUnauthorized:     "not authorized to access this resource",
	ErrNoSpace:          "not enough space on disk",
	ErrTooMany:          "a system or raft limit was hit",
}

// ErrMessage returns the one-line human readable description for code,
// mirroring raft_strerror.
func ErrMessage(code ErrCode) string {
	if msg, ok := errMessages[code]; ok {
		return msg
	}
	return "unknown error"
}

// Error wraps an ErrCode with optional additional context.
type Error struct {
	Code ErrCode
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", ErrMessage(e.Code), e.Msg)
	}
	return ErrMessage(e.Code)
}

// NewError builds an *Error for code with an optional formatted message.
func NewError(code ErrCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the ErrCode from err, or ErrNone if err is nil, or
// ErrInvalid if err is not a *Error.
func CodeOf(err error) ErrCode {
	if err == nil {
		return ErrNone
	}
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ErrInvalid
}
