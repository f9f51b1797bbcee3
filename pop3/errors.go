package pop3

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Operation identifies the POP3 command that failed.
type Operation uint8

const (
	OpNone Operation = iota
	OpGreeting
	OpAPOP
	OpUser
	OpPass
	OpStat
	OpList
	OpUIDL
	OpRetr
	OpTop
	OpDele
	OpNoop
	OpXtndXmit
	OpSTLS
	OpQuit
	OpAuth
)

var operationNames = map[Operation]string{
	OpNone:     "NONE",
	OpGreeting: "GREETING",
	OpAPOP:     "APOP",
	OpUser:     "USER",
	OpPass:     "PASS",
	OpStat:     "STAT",
	OpList:     "LIST",
	OpUIDL:     "UIDL",
	OpRetr:     "RETR",
	OpTop:      "TOP",
	OpDele:     "DELE",
	OpNoop:     "NOOP",
	OpXtndXmit: "XTNDXMIT",
	OpSTLS:     "STLS",
	OpQuit:     "QUIT",
	OpAuth:     "AUTH",
}

func (o Operation) String() string {
	if s, ok := operationNames[o]; ok {
		return s
	}
	return fmt.Sprintf("Operation(%d)", uint8(o))
}

// Kind classifies how an operation failed.
type Kind uint8

const (
	KindNone Kind = iota
	KindConnect
	KindGenerateDigest
	KindParse
	KindTimeout
	KindSelect
	KindDisconnect
	KindReceive
	KindSend
	KindInvalidSocket
	KindResponse
	KindSSL
	KindOther
)

var kindNames = map[Kind]string{
	KindNone:           "NONE",
	KindConnect:        "CONNECT",
	KindGenerateDigest: "GENERATEDIGEST",
	KindParse:          "PARSE",
	KindTimeout:        "TIMEOUT",
	KindSelect:         "SELECT",
	KindDisconnect:     "DISCONNECT",
	KindReceive:        "RECEIVE",
	KindSend:           "SEND",
	KindInvalidSocket:  "INVALIDSOCKET",
	KindResponse:       "RESPONSE",
	KindSSL:            "SSL",
	KindOther:          "OTHER",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// IsTransport reports whether the failure left the connection unusable, in
// which case no QUIT is sent on disconnect.
func (k Kind) IsTransport() bool {
	switch k {
	case KindConnect, KindTimeout, KindSelect, KindDisconnect,
		KindReceive, KindSend, KindInvalidSocket, KindSSL:
		return true
	}
	return false
}

// Error is returned by every failing Client operation.
type Error struct {
	Op       Operation
	Kind     Kind
	Response string // Server response line for KindResponse failures
	Err      error  // Underlying transport or parse error, may be nil
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("pop3: %s failed (%s)", e.Op, e.Kind)
	if e.Response != "" {
		msg += ": " + e.Response
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Detail returns the transport error number carried by Err, or 0.
func (e *Error) Detail() uint16 {
	var errno syscall.Errno
	if errors.As(e.Err, &errno) {
		return uint16(errno)
	}
	return 0
}

// Code packs the error into a 32 bit value: the operation in the low byte,
// the kind in the next byte and the transport detail in the upper half.
func (e *Error) Code() uint32 {
	return uint32(e.Op) | uint32(e.Kind)<<8 | uint32(e.Detail())<<16
}

// IsResponse reports whether err is a -ERR reply of the server.
func IsResponse(err error) bool {
	var perr *Error
	return errors.As(err, &perr) && perr.Kind == KindResponse
}

// IsAuthFailure reports whether err is a rejected login.
func IsAuthFailure(err error) bool {
	var perr *Error
	if !errors.As(err, &perr) {
		return false
	}
	switch perr.Op {
	case OpUser, OpPass, OpAPOP, OpAuth:
		return perr.Kind == KindResponse || perr.Kind == KindGenerateDigest
	}
	return false
}

func newError(op Operation, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// transportError classifies a read or write failure.
func transportError(op Operation, fallback Kind, err error) *Error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(op, KindTimeout, err)
	}
	if errors.Is(err, net.ErrClosed) {
		return newError(op, KindInvalidSocket, err)
	}
	return newError(op, fallback, err)
}
