package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/migadu/popsync/consts"
	"github.com/migadu/popsync/helpers"
	"github.com/migadu/popsync/logger"
	"github.com/migadu/popsync/pkg/metrics"
	"lukechampine.com/blake3"
)

// Flags is the state bit set of a stored message.
type Flags uint32

const (
	FlagSeen Flags = 1 << iota
	FlagDeleted
	FlagHeaderOnly   // Only part of the message was downloaded
	FlagDownload     // Fetch the whole message on the next sync
	FlagDownloadText // Fetch the text of the message on the next sync
	FlagFlagged
	FlagAnswered
	FlagJunk
)

// MessageHolder is the metadata of a stored message.
type MessageHolder struct {
	ID          int64
	FolderID    int64
	Flags       Flags
	Size        int64
	UIDL        string
	SubAccount  string
	Subject     string
	From        string
	ContentHash string
	ReceivedAt  time.Time

	acct *Account
}

// Ptr returns a weak handle to the message.
func (m *MessageHolder) Ptr() MessagePtr {
	return MessagePtr{acct: m.acct, id: m.ID}
}

// MessagePtr refers to a message that may be removed or moved at any time.
// Resolve reports whether it is still alive.
type MessagePtr struct {
	acct *Account
	id   int64
}

func (p MessagePtr) ID() int64 {
	return p.id
}

// IsZero reports whether the handle refers to nothing.
func (p MessagePtr) IsZero() bool {
	return p.acct == nil || p.id == 0
}

// Resolve returns the message if it still exists.
func (p MessagePtr) Resolve(ctx context.Context) (*MessageHolder, bool, error) {
	if p.IsZero() {
		return nil, false, nil
	}
	m, err := p.acct.Message(ctx, p.id)
	if errors.Is(err, consts.ErrMessageNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}

func contentHash(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func (a *Account) contentPath(hash string) string {
	return filepath.Join(a.basePath, DataDir, hash[:2], hash[2:4], hash[4:])
}

func (a *Account) writeContent(hash string, content []byte) error {
	path := a.contentPath(hash)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create content directory: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, "put-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary content file: %w", err)
	}
	defer os.Remove(tempFile.Name())

	if _, err := tempFile.Write(content); err != nil {
		tempFile.Close()
		return fmt.Errorf("failed to write temporary content file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temporary content file: %w", err)
	}
	if err := os.Rename(tempFile.Name(), path); err != nil {
		return fmt.Errorf("failed to move content file to %s: %w", path, err)
	}
	return nil
}

// releaseContent deletes the content file of hash unless a message still
// refers to it.
func (a *Account) releaseContent(ctx context.Context, hash string) {
	var refs int
	if err := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE content_hash = ?`, hash).Scan(&refs); err != nil {
		logger.Warn("Store: failed to count content references", "account", a.name, "hash", hash, "error", err)
		return
	}
	if refs > 0 {
		return
	}
	if err := os.Remove(a.contentPath(hash)); err != nil && !os.IsNotExist(err) {
		logger.Warn("Store: failed to remove content file", "account", a.name, "hash", hash, "error", err)
	}
}

// envelope extracts the subject and sender for listing purposes.
func envelope(content []byte) (subject, from string) {
	h, err := helpers.ReadHeader(content)
	if err != nil {
		return "", ""
	}
	mh := mail.Header{Header: message.Header{Header: h}}
	if s, err := mh.Subject(); err == nil {
		subject = helpers.SanitizeUTF8(s)
	} else {
		subject = helpers.SanitizeUTF8(h.Get("Subject"))
	}
	if addrs, err := mh.AddressList("From"); err == nil && len(addrs) > 0 {
		from = addrs[0].Address
	} else {
		from = helpers.SanitizeUTF8(h.Get("From"))
	}
	return subject, from
}

func observe(op string, start time.Time) {
	metrics.StoreOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// StoreMessage adds a message to folder.
func (a *Account) StoreMessage(ctx context.Context, folder *Folder, content []byte, flags Flags, uidl, subAccount string) (*MessageHolder, error) {
	defer observe("store", time.Now())

	hash := contentHash(content)
	if err := a.writeContent(hash, content); err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrStoreInsertFailed, err)
	}

	subject, from := envelope(content)
	m := &MessageHolder{
		FolderID:    folder.ID,
		Flags:       flags,
		Size:        int64(len(content)),
		UIDL:        uidl,
		SubAccount:  subAccount,
		Subject:     subject,
		From:        from,
		ContentHash: hash,
		ReceivedAt:  time.Now().UTC(),
		acct:        a,
	}
	res, err := a.db.ExecContext(ctx, `
		INSERT INTO messages (folder_id, content_hash, size, flags, uidl, sub_account, subject, from_addr, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.FolderID, m.ContentHash, m.Size, int64(m.Flags), m.UIDL, m.SubAccount, m.Subject, m.From, m.ReceivedAt)
	if err != nil {
		a.releaseContent(ctx, hash)
		return nil, fmt.Errorf("%w: %v", consts.ErrStoreInsertFailed, err)
	}
	if m.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrStoreInsertFailed, err)
	}
	return m, nil
}

// UpdateMessage replaces the content of a message and adjusts its flags.
func (a *Account) UpdateMessage(ctx context.Context, id int64, content []byte, set, clear Flags) error {
	defer observe("update", time.Now())

	old, err := a.Message(ctx, id)
	if err != nil {
		return err
	}

	hash := contentHash(content)
	if err := a.writeContent(hash, content); err != nil {
		return fmt.Errorf("%w: %v", consts.ErrStoreUpdateFailed, err)
	}
	subject, from := envelope(content)
	flags := (old.Flags | set) &^ clear
	_, err = a.db.ExecContext(ctx, `
		UPDATE messages SET content_hash = ?, size = ?, flags = ?, subject = ?, from_addr = ?
		WHERE id = ?`,
		hash, int64(len(content)), int64(flags), subject, from, id)
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrStoreUpdateFailed, err)
	}
	if old.ContentHash != hash {
		a.releaseContent(ctx, old.ContentHash)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func idArgs(ids []int64, prefix ...any) []any {
	args := append([]any{}, prefix...)
	for _, id := range ids {
		args = append(args, id)
	}
	return args
}

// SetFlags sets and clears flags on the given messages.
func (a *Account) SetFlags(ctx context.Context, ids []int64, set, clear Flags) error {
	if len(ids) == 0 {
		return nil
	}
	defer observe("flags", time.Now())
	query := fmt.Sprintf(`UPDATE messages SET flags = (flags | ?) & ~? WHERE id IN (%s)`, placeholders(len(ids)))
	if _, err := a.db.ExecContext(ctx, query, idArgs(ids, int64(set), int64(clear))...); err != nil {
		return fmt.Errorf("%w: %v", consts.ErrStoreUpdateFailed, err)
	}
	return nil
}

// MoveMessages moves messages into folder.
func (a *Account) MoveMessages(ctx context.Context, ids []int64, folder *Folder) error {
	if len(ids) == 0 {
		return nil
	}
	defer observe("move", time.Now())
	query := fmt.Sprintf(`UPDATE messages SET folder_id = ? WHERE id IN (%s)`, placeholders(len(ids)))
	if _, err := a.db.ExecContext(ctx, query, idArgs(ids, folder.ID)...); err != nil {
		return fmt.Errorf("%w: %v", consts.ErrStoreUpdateFailed, err)
	}
	return nil
}

// RemoveMessages physically deletes messages and unreferenced content.
func (a *Account) RemoveMessages(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	defer observe("remove", time.Now())

	in := placeholders(len(ids))
	rows, err := a.db.QueryContext(ctx, fmt.Sprintf(`SELECT DISTINCT content_hash FROM messages WHERE id IN (%s)`, in), idArgs(ids)...)
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrStoreUpdateFailed, err)
	}
	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			rows.Close()
			return err
		}
		hashes = append(hashes, h)
	}
	rows.Close()

	if _, err := a.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM messages WHERE id IN (%s)`, in), idArgs(ids)...); err != nil {
		return fmt.Errorf("%w: %v", consts.ErrStoreUpdateFailed, err)
	}
	for _, h := range hashes {
		a.releaseContent(ctx, h)
	}
	return nil
}

// Content returns the raw message.
func (a *Account) Content(ctx context.Context, id int64) ([]byte, error) {
	m, err := a.Message(ctx, id)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(a.contentPath(m.ContentHash))
}

const messageColumns = `id, folder_id, flags, size, uidl, sub_account, subject, from_addr, content_hash, received_at`

func (a *Account) scanMessage(row interface{ Scan(...any) error }) (*MessageHolder, error) {
	m := &MessageHolder{acct: a}
	var flags int64
	if err := row.Scan(&m.ID, &m.FolderID, &flags, &m.Size, &m.UIDL, &m.SubAccount, &m.Subject, &m.From, &m.ContentHash, &m.ReceivedAt); err != nil {
		return nil, err
	}
	m.Flags = Flags(flags)
	return m, nil
}

// Message returns the metadata of message id.
func (a *Account) Message(ctx context.Context, id int64) (*MessageHolder, error) {
	row := a.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := a.scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, consts.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query message %d: %w", id, err)
	}
	return m, nil
}

func (a *Account) queryMessages(ctx context.Context, query string, args ...any) ([]*MessageHolder, error) {
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []*MessageHolder
	for rows.Next() {
		m, err := a.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Messages returns the messages of folder ordered by id.
func (a *Account) Messages(ctx context.Context, folder *Folder) ([]*MessageHolder, error) {
	return a.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages WHERE folder_id = ? ORDER BY id`, folder.ID)
}

// MessagesWithFlags returns the messages of folder having any of mask set.
func (a *Account) MessagesWithFlags(ctx context.Context, folder *Folder, mask Flags) ([]*MessageHolder, error) {
	return a.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages WHERE folder_id = ? AND (flags & ?) != 0 ORDER BY id`, folder.ID, int64(mask))
}
