package store

import (
	"context"
	"os"
	"testing"

	"github.com/migadu/popsync/consts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMessage = "From: Alice <alice@example.com>\r\nSubject: Hello\r\n\r\nHi there\r\n"

func openTestStore(t *testing.T) *Account {
	t.Helper()
	a, err := Open(context.Background(), "test", t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestOpenCreatesInbox(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	a, err := Open(ctx, "test", dir)
	require.NoError(t, err)
	inbox, err := a.Inbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, consts.FolderInbox, inbox.Name)
	require.NoError(t, a.Close())

	// Reopening runs no migrations and keeps the folder
	a, err = Open(ctx, "test", dir)
	require.NoError(t, err)
	defer a.Close()
	folders, err := a.Folders(ctx)
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, inbox.ID, folders[0].ID)
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	_, err := Open(context.Background(), "test", "  ")
	assert.Error(t, err)
}

func TestFolderNotFound(t *testing.T) {
	a := openTestStore(t)
	_, err := a.Folder(context.Background(), "nope")
	assert.ErrorIs(t, err, consts.ErrFolderNotFound)
}

func TestStoreAndReadMessage(t *testing.T) {
	ctx := context.Background()
	a := openTestStore(t)
	inbox, err := a.Inbox(ctx)
	require.NoError(t, err)

	m, err := a.StoreMessage(ctx, inbox, []byte(sampleMessage), FlagSeen, "uid-1", "work")
	require.NoError(t, err)
	assert.NotZero(t, m.ID)
	assert.Equal(t, "Hello", m.Subject)
	assert.Equal(t, "alice@example.com", m.From)
	assert.FileExists(t, a.contentPath(m.ContentHash))

	got, err := a.Message(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, FlagSeen, got.Flags)
	assert.Equal(t, "uid-1", got.UIDL)
	assert.Equal(t, "work", got.SubAccount)
	assert.Equal(t, int64(len(sampleMessage)), got.Size)

	content, err := a.Content(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, sampleMessage, string(content))
}

func TestMessagePtrLiveness(t *testing.T) {
	ctx := context.Background()
	a := openTestStore(t)
	inbox, _ := a.Inbox(ctx)

	assert.True(t, MessagePtr{}.IsZero())
	_, ok, err := MessagePtr{}.Resolve(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	m, err := a.StoreMessage(ctx, inbox, []byte(sampleMessage), 0, "uid-1", "")
	require.NoError(t, err)
	ptr := m.Ptr()
	assert.Equal(t, m.ID, ptr.ID())

	resolved, ok, err := ptr.Resolve(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "uid-1", resolved.UIDL)

	require.NoError(t, a.RemoveMessages(ctx, []int64{m.ID}))
	_, ok, err = ptr.Resolve(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "a removed message does not resolve")
}

func TestSetFlagsAndQuery(t *testing.T) {
	ctx := context.Background()
	a := openTestStore(t)
	inbox, _ := a.Inbox(ctx)

	m1, _ := a.StoreMessage(ctx, inbox, []byte(sampleMessage), FlagHeaderOnly, "a", "")
	m2, _ := a.StoreMessage(ctx, inbox, []byte(sampleMessage+"x"), FlagSeen, "b", "")

	require.NoError(t, a.SetFlags(ctx, []int64{m1.ID}, FlagDownload, 0))
	require.NoError(t, a.SetFlags(ctx, []int64{m2.ID}, FlagDeleted, FlagSeen))
	require.NoError(t, a.SetFlags(ctx, nil, FlagSeen, 0))

	pending, err := a.MessagesWithFlags(ctx, inbox, FlagDownload|FlagDownloadText)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, m1.ID, pending[0].ID)
	assert.Equal(t, FlagHeaderOnly|FlagDownload, pending[0].Flags)

	got, _ := a.Message(ctx, m2.ID)
	assert.Equal(t, FlagDeleted, got.Flags)
}

func TestUpdateMessageReplacesContent(t *testing.T) {
	ctx := context.Background()
	a := openTestStore(t)
	inbox, _ := a.Inbox(ctx)

	m, err := a.StoreMessage(ctx, inbox, []byte("Subject: partial\r\n\r\n"), FlagHeaderOnly|FlagDownload, "a", "")
	require.NoError(t, err)
	oldPath := a.contentPath(m.ContentHash)

	require.NoError(t, a.UpdateMessage(ctx, m.ID, []byte(sampleMessage), 0, FlagHeaderOnly|FlagDownload))
	got, err := a.Message(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, Flags(0), got.Flags)
	assert.Equal(t, "Hello", got.Subject)
	assert.NoFileExists(t, oldPath)

	assert.ErrorIs(t, a.UpdateMessage(ctx, 9999, []byte(sampleMessage), 0, 0), consts.ErrMessageNotFound)
}

func TestRemoveKeepsSharedContent(t *testing.T) {
	ctx := context.Background()
	a := openTestStore(t)
	inbox, _ := a.Inbox(ctx)

	m1, _ := a.StoreMessage(ctx, inbox, []byte(sampleMessage), 0, "a", "")
	m2, _ := a.StoreMessage(ctx, inbox, []byte(sampleMessage), 0, "b", "")
	require.Equal(t, m1.ContentHash, m2.ContentHash)
	path := a.contentPath(m1.ContentHash)

	require.NoError(t, a.RemoveMessages(ctx, []int64{m1.ID}))
	assert.FileExists(t, path)
	require.NoError(t, a.RemoveMessages(ctx, []int64{m2.ID}))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestMoveMessagesAndStats(t *testing.T) {
	ctx := context.Background()
	a := openTestStore(t)
	inbox, _ := a.Inbox(ctx)
	junk, err := a.EnsureFolder(ctx, consts.FolderJunk)
	require.NoError(t, err)

	m1, _ := a.StoreMessage(ctx, inbox, []byte(sampleMessage), 0, "a", "")
	_, _ = a.StoreMessage(ctx, inbox, []byte(sampleMessage+"more"), 0, "b", "")
	require.NoError(t, a.MoveMessages(ctx, []int64{m1.ID}, junk))

	msgs, err := a.Messages(ctx, junk)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, m1.ID, msgs[0].ID)

	stats, err := a.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats.Folders, 2)
	assert.Equal(t, consts.FolderInbox, stats.Folders[0].Folder)
	assert.Equal(t, int64(1), stats.Folders[0].Messages)
	assert.Equal(t, int64(1), stats.Folders[1].Messages)
	assert.Equal(t, int64(2*len(sampleMessage)+4), stats.SizeBytes)
}
