package pop3sync

import (
	"errors"
	"fmt"

	"github.com/migadu/popsync/pop3"
	"github.com/migadu/popsync/session"
)

// Operations of a sync pass that do not touch the wire. They share the code
// layout of pop3.Error, above the range of protocol operations.
const (
	opApplyRules pop3.Operation = 0x80 + iota
	opFilter
	opStoreMessage
	opSaveUIDL
	opLoadUIDL
	opLocalStore
)

// Codes reported for the local operations.
var (
	ErrorApplyRules   = localCode(opApplyRules)
	ErrorFilter       = localCode(opFilter)
	ErrorStoreMessage = localCode(opStoreMessage)
	ErrorSaveUIDL     = localCode(opSaveUIDL)
	ErrorLoadUIDL     = localCode(opLoadUIDL)
	ErrorLocalStore   = localCode(opLocalStore)
)

func localCode(op pop3.Operation) uint32 {
	return uint32(op) | uint32(pop3.KindOther)<<8
}

var operationDescriptions = map[pop3.Operation]string{
	pop3.OpGreeting: "Failed to receive the server greeting",
	pop3.OpAPOP:     "APOP authentication failed",
	pop3.OpUser:     "USER command failed",
	pop3.OpPass:     "Authentication failed",
	pop3.OpStat:     "Failed to get the mailbox status",
	pop3.OpList:     "Failed to get the message sizes",
	pop3.OpUIDL:     "Failed to get the message UIDs",
	pop3.OpRetr:     "Failed to retrieve a message",
	pop3.OpTop:      "Failed to retrieve a message header",
	pop3.OpDele:     "Failed to delete a message on the server",
	pop3.OpNoop:     "NOOP failed",
	pop3.OpXtndXmit: "Failed to send a message",
	pop3.OpSTLS:     "Failed to start TLS",
	pop3.OpQuit:     "Failed to disconnect",
	pop3.OpAuth:     "AUTH PLAIN authentication failed",
	opApplyRules:    "Failed to apply rules",
	opFilter:        "Failed to evaluate the sync filter",
	opStoreMessage:  "Failed to store a message",
	opSaveUIDL:      "Failed to save the UID list",
	opLoadUIDL:      "Failed to load the UID list",
	opLocalStore:    "Failed to access the local store",
}

var kindDescriptions = map[pop3.Kind]string{
	pop3.KindConnect:        "could not connect to the server",
	pop3.KindGenerateDigest: "could not generate the APOP digest",
	pop3.KindParse:          "could not parse the server response",
	pop3.KindTimeout:        "timed out",
	pop3.KindSelect:         "could not wait for the socket",
	pop3.KindDisconnect:     "the server closed the connection",
	pop3.KindReceive:        "could not receive data",
	pop3.KindSend:           "could not send data",
	pop3.KindInvalidSocket:  "the connection is closed",
	pop3.KindResponse:       "the server returned an error",
	pop3.KindSSL:            "TLS negotiation failed",
	pop3.KindOther:          "unexpected error",
}

// describe resolves the code, description and server response of err.
// local is used when err is not a protocol error.
func describe(err error, local pop3.Operation) (uint32, string, string) {
	var perr *pop3.Error
	if errors.As(err, &perr) {
		desc := operationDescriptions[perr.Op]
		if desc == "" {
			desc = perr.Op.String()
		}
		if k, ok := kindDescriptions[perr.Kind]; ok {
			desc = fmt.Sprintf("%s: %s", desc, k)
		}
		return perr.Code(), desc, perr.Response
	}
	return localCode(local), operationDescriptions[local], ""
}

// errorInfo builds the report of err for the session context.
func (s *ReceiveSession) errorInfo(err error, local pop3.Operation) session.ErrorInfo {
	code, desc, response := describe(err, local)
	info := session.ErrorInfo{
		Code:        code,
		Description: desc,
		Response:    response,
		Err:         err,
	}
	if s.acct != nil {
		info.Account = s.acct.Name()
	}
	if s.sub != nil {
		info.SubAccount = s.sub.Identity
	}
	if s.folder != nil {
		info.Folder = s.folder.Name
	}
	return info
}
