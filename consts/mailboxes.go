package consts

const (
	FolderInbox = "Inbox"
	FolderJunk  = "Junk"
)
