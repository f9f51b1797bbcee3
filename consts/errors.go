package consts

import "errors"

var (
	ErrFolderNotFound   = errors.New("folder not found")
	ErrMessageNotFound  = errors.New("message not found")
	ErrAccountNotFound  = errors.New("account not found")
	ErrNoSuchMessage    = errors.New("no such message on server")
	ErrMalformedMessage = errors.New("malformed message")
	ErrCanceled         = errors.New("sync canceled")
	ErrNotConnected     = errors.New("not connected")
	ErrNoCachedUIDs     = errors.New("complete uid list not fetched")
	ErrUnknownProtocol  = errors.New("unknown protocol")

	ErrStoreInsertFailed = errors.New("insert failed")
	ErrStoreUpdateFailed = errors.New("update failed")
)
