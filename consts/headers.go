package consts

// Headers stamped on downloaded messages.
const (
	HeaderUIDL       = "X-UIDL"
	HeaderSubAccount = "X-QMAIL-SubAccount"
	HeaderStatus     = "Status"
)
