// Package session defines the protocol independent contract between the
// synchronization scheduler and protocol backends.
//
// A backend provides ReceiveSession and SendSession implementations and is
// made discoverable by name through a Registry built at program start.
package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/migadu/popsync/config"
	"github.com/migadu/popsync/store"
	"github.com/migadu/popsync/syncfilter"
)

// Callback is how a session reports progress and asks for user input.
type Callback interface {
	// IsCanceled polls for cancellation. force asks for an immediate check
	// instead of a throttled one.
	IsCanceled(force bool) bool
	SetPos(pos int)
	SetRange(min, max int)
	SetSubRange(min, max int)
	SetSubPos(pos int)
	AddError(info ErrorInfo)
	NotifyNewMessage(ptr store.MessagePtr)

	GetUserInfo() (user, password string, err error)
	SetPassword(password string)
	Authenticating()
}

// ReceiveSession downloads messages of one sub-account.
type ReceiveSession interface {
	Init(ctx context.Context, acct *store.Account, sub *config.SubAccountConfig, cb Callback) error
	Term()
	Connect(ctx context.Context) error
	Disconnect() error
	SelectFolder(ctx context.Context, folder *store.Folder) error
	CloseFolder() error
	UpdateMessages(ctx context.Context) error
	DownloadMessages(ctx context.Context, filters *syncfilter.FilterSet) error
	ApplyOfflineJobs(ctx context.Context) error
}

// SendSession submits messages through a sub-account.
type SendSession interface {
	Init(ctx context.Context, acct *store.Account, sub *config.SubAccountConfig, cb Callback) error
	Term()
	Connect(ctx context.Context) error
	Disconnect() error
	SendMessage(ctx context.Context, msg []byte) error
}

// ErrorInfo is an error reported through Callback.AddError.
type ErrorInfo struct {
	Account     string
	SubAccount  string
	Folder      string
	Code        uint32
	Description string
	Response    string
	Err         error
}

func (e ErrorInfo) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Account)
	if e.SubAccount != "" {
		sb.WriteString("/")
		sb.WriteString(e.SubAccount)
	}
	if e.Folder != "" {
		sb.WriteString(" [")
		sb.WriteString(e.Folder)
		sb.WriteString("]")
	}
	fmt.Fprintf(&sb, ": %s (0x%08x)", e.Description, e.Code)
	if e.Response != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Response)
	}
	return sb.String()
}

func (e ErrorInfo) Unwrap() error {
	return e.Err
}
