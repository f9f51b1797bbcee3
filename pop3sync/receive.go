// Package pop3sync synchronizes a local store with a POP3 mailbox.
//
// A pass runs Init, Connect, SelectFolder, DownloadMessages and Disconnect
// in that order. SelectFolder decides between an incremental pass, which
// trusts the cached UID list as a prefix of the mailbox, and a full resync,
// which fetches the UIDL and LIST of the whole mailbox and realigns the
// cached records with it.
package pop3sync

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/migadu/popsync/config"
	"github.com/migadu/popsync/consts"
	"github.com/migadu/popsync/helpers"
	"github.com/migadu/popsync/logger"
	"github.com/migadu/popsync/pkg/metrics"
	"github.com/migadu/popsync/pop3"
	"github.com/migadu/popsync/rules"
	"github.com/migadu/popsync/session"
	"github.com/migadu/popsync/store"
	"github.com/migadu/popsync/syncfilter"
	"github.com/migadu/popsync/uidl"
)

// Protocol is the registry name of the POP3 sessions.
const Protocol = "pop3"

// Deps are the collaborators shared by all sessions of a process.
type Deps struct {
	TLSConfig *tls.Config
	Dialer    pop3.Dialer
	Trace     bool
	// Rules returns the rule manager of an account, nil for none.
	Rules func(account string) *rules.Manager
	// Now defaults to time.Now.
	Now func() time.Time
}

// Register adds the POP3 sessions to r.
func Register(r *session.Registry, deps Deps) error {
	if err := r.RegisterReceive(Protocol, func() session.ReceiveSession { return NewReceiveSession(deps) }); err != nil {
		return err
	}
	return r.RegisterSend(Protocol, func() session.SendSession { return NewSendSession(deps) })
}

// ReceiveSession downloads the mailbox of one sub-account.
type ReceiveSession struct {
	deps Deps
	log  *slog.Logger

	acct   *store.Account
	sub    *config.SubAccountConfig
	cb     session.Callback
	client *pop3.Client
	folder *store.Folder

	uidPath  string
	uidList  *uidl.List
	oldList  *uidl.List // records displaced by a full resync
	cacheAll bool
	reserved bool
	start    int
	uids     []string
	sizes    []int
}

func NewReceiveSession(deps Deps) *ReceiveSession {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &ReceiveSession{deps: deps, log: logger.Get()}
}

// Init binds the session to a sub-account.
func (s *ReceiveSession) Init(ctx context.Context, acct *store.Account, sub *config.SubAccountConfig, cb session.Callback) error {
	if acct == nil || sub == nil || cb == nil {
		return errors.New("pop3sync: account, sub-account and callback are required")
	}
	s.acct, s.sub, s.cb = acct, sub, cb
	s.uidPath = uidl.PathFor(acct.Path(), sub.Identity)
	s.log = logger.ForSession(acct.Name(), sub.Identity)
	return nil
}

func (s *ReceiveSession) Term() {}

// Connect logs into the server.
func (s *ReceiveSession) Connect(ctx context.Context) error {
	timeout, err := s.sub.GetTimeout()
	if err != nil {
		return err
	}
	s.client = pop3.New(s.clientOptions(timeout), clientCallback{cb: s.cb})
	err = s.client.Connect(ctx, s.sub.Host, s.sub.GetPort(), authMode(s.sub.GetAuth()), security(s.sub.GetSecurity()))
	if err != nil {
		metrics.ConnectionsTotal.WithLabelValues("failure").Inc()
		return s.report(err, 0)
	}
	metrics.ConnectionsTotal.WithLabelValues("success").Inc()
	s.log.Debug("POP3: connected", "host", s.sub.Host, "messages", s.client.MessageCount())
	return nil
}

func (s *ReceiveSession) clientOptions(timeout time.Duration) pop3.Options {
	return clientOptions(s.deps, s.sub, timeout)
}

func clientOptions(deps Deps, sub *config.SubAccountConfig, timeout time.Duration) pop3.Options {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if deps.TLSConfig != nil {
		tlsConfig = deps.TLSConfig.Clone()
	}
	if !sub.GetTLSVerify() {
		tlsConfig.InsecureSkipVerify = true
	}
	return pop3.Options{
		Timeout:   timeout,
		TLSConfig: tlsConfig,
		Dialer:    deps.Dialer,
		Trace:     deps.Trace,
	}
}

// Disconnect logs out. Deletions become effective on the server here.
func (s *ReceiveSession) Disconnect() error {
	if s.client == nil {
		return nil
	}
	err := s.client.Disconnect()
	s.client = nil
	if err != nil {
		return s.report(err, 0)
	}
	return nil
}

// SelectFolder prepares the pass for folder, which receives new messages,
// and performs pending reserved downloads.
func (s *ReceiveSession) SelectFolder(ctx context.Context, folder *store.Folder) error {
	if s.client == nil {
		return consts.ErrNotConnected
	}
	s.folder = folder
	if err := s.prepare(ctx); err != nil {
		return err
	}
	if s.reserved {
		return s.downloadReservedMessages(ctx)
	}
	return nil
}

func (s *ReceiveSession) CloseFolder() error {
	return nil
}

func (s *ReceiveSession) UpdateMessages(ctx context.Context) error {
	return nil
}

func (s *ReceiveSession) ApplyOfflineJobs(ctx context.Context) error {
	return nil
}

// CacheAll reports whether the prepared pass is a full resync.
func (s *ReceiveSession) CacheAll() bool {
	return s.cacheAll
}

// Start returns the server index the download loop starts at.
func (s *ReceiveSession) Start() int {
	return s.start
}

func (s *ReceiveSession) mode() string {
	if s.cacheAll {
		return "full"
	}
	return "incremental"
}

// prepare loads the UID list and decides how the pass proceeds.
func (s *ReceiveSession) prepare(ctx context.Context) error {
	list, err := uidl.Load(s.uidPath)
	if err != nil {
		return s.report(err, opLoadUIDL)
	}
	s.uidList = list
	s.oldList = nil
	s.cacheAll = false
	s.uids, s.sizes = nil, nil

	s.reserved, err = s.hasReservedDownloads(ctx)
	if err != nil {
		return s.report(err, opLocalStore)
	}

	count := s.client.MessageCount()
	cached := list.Len()
	switch {
	case cached == 0, count < cached, s.reserved:
		s.cacheAll = true
	case count > cached:
		// One UIDL and one LIST per new message; a full listing wins once
		// the new messages exceed count/threshold, rounded up.
		if threshold := s.sub.POP3.GetAllThreshold(); threshold > 0 && count-cached > (count+threshold-1)/threshold {
			s.cacheAll = true
		}
	}

	if !s.cacheAll {
		uid, err := s.client.GetUID(cached - 1)
		if err != nil {
			return s.report(err, 0)
		}
		if last, ok := list.Last(); ok && last.UID() == uid {
			s.start = cached
			s.log.Debug("POP3: incremental pass", "start", s.start, "count", count)
			return nil
		}
		s.cacheAll = true
	}
	return s.cacheAllUIDs(ctx)
}

// cacheAllUIDs fetches the complete listing and rebuilds the UID list,
// reusing the records of the leading server messages already known.
func (s *ReceiveSession) cacheAllUIDs(ctx context.Context) error {
	uids, err := s.client.GetUIDs()
	if err != nil {
		return s.report(err, 0)
	}
	sizes, err := s.client.GetMessageSizes()
	if err != nil {
		return s.report(err, 0)
	}
	s.uids, s.sizes = uids, sizes
	for i, uid := range uids {
		if !helpers.ValidUIDL(uid) {
			s.log.Warn("POP3: server sent a non RFC 1939 unique-id", "index", i, "uid", uid)
		}
	}

	old := s.uidList
	fresh := uidl.NewList()
	if n := alignment(old, uids); n >= 0 {
		for i := 0; i <= n; i++ {
			idx := old.IndexFrom(uids[i], i)
			if idx < 0 {
				break
			}
			fresh.Add(old.Remove(idx))
		}
	}
	fresh.SetModified(true)

	s.uidList = fresh
	s.oldList = old
	s.start = fresh.Len()
	s.log.Debug("POP3: full resync", "start", s.start, "count", len(uids), "reserved", s.reserved)
	return nil
}

// alignment returns the position in uids of the newest record of old that
// the server still has, or -1.
func alignment(old *uidl.List, uids []string) int {
	pos := make(map[string]int, len(uids))
	for i, uid := range uids {
		if _, ok := pos[uid]; !ok {
			pos[uid] = i
		}
	}
	for i := old.Len() - 1; i >= 0; i-- {
		u, ok := old.At(i)
		if !ok {
			continue
		}
		if n, ok := pos[u.UID()]; ok {
			return n
		}
	}
	return -1
}

// ownMessage reports whether m was stored by this sub-account.
func (s *ReceiveSession) ownMessage(m *store.MessageHolder) bool {
	return m.SubAccount == s.sub.Identity
}

func (s *ReceiveSession) hasReservedDownloads(ctx context.Context) (bool, error) {
	folders, err := s.acct.Folders(ctx)
	if err != nil {
		return false, err
	}
	for _, f := range folders {
		msgs, err := s.acct.MessagesWithFlags(ctx, f, store.FlagDownload|store.FlagDownloadText)
		if err != nil {
			return false, err
		}
		for _, m := range msgs {
			if s.ownMessage(m) {
				return true, nil
			}
		}
	}
	return false, nil
}

// downloadReservedMessages fetches the full body of header-only messages
// the user asked for. It requires the full listing of a resync.
func (s *ReceiveSession) downloadReservedMessages(ctx context.Context) error {
	if !s.cacheAll {
		return consts.ErrNoCachedUIDs
	}
	saver := uidl.NewSaver(s.uidList, s.uidPath, func(err error) { s.report(err, opSaveUIDL) })
	defer saver.Save()

	folders, err := s.acct.Folders(ctx)
	if err != nil {
		return s.report(err, opLocalStore)
	}
	pos := make(map[string]int, len(s.uids))
	for i, uid := range s.uids {
		if _, ok := pos[uid]; !ok {
			pos[uid] = i
		}
	}

	const requested = store.FlagDownload | store.FlagDownloadText
	for _, f := range folders {
		msgs, err := s.acct.MessagesWithFlags(ctx, f, requested)
		if err != nil {
			return s.report(err, opLocalStore)
		}
		for _, m := range msgs {
			if !s.ownMessage(m) {
				continue
			}
			if s.canceled(ctx) {
				return nil
			}

			n, ok := pos[m.UIDL]
			if !ok {
				s.log.Warn("POP3: reserved message is gone from the server", "uid", m.UIDL, "id", m.ID)
				if err := s.withLock(func() error {
					return s.acct.SetFlags(ctx, []int64{m.ID}, 0, requested)
				}); err != nil {
					return s.report(err, opLocalStore)
				}
				continue
			}

			content, err := s.client.GetMessage(n, pop3.MaxLines, s.sizes[n])
			if err != nil {
				return s.report(err, 0)
			}
			content = s.stamp(content, m.UIDL)
			if err := s.withLock(func() error {
				return s.acct.UpdateMessage(ctx, m.ID, content, 0, requested|store.FlagHeaderOnly)
			}); err != nil {
				return s.report(err, opStoreMessage)
			}
			metrics.MessagesDownloaded.WithLabelValues(s.acct.Name(), "reserved").Inc()

			if i := s.uidList.IndexFrom(m.UIDL, n); i >= 0 {
				u, _ := s.uidList.At(i)
				u.SetFlags(u.Flags() &^ uidl.FlagPartial)
				u.SetDate(uidl.DateOf(s.deps.Now()))
				s.uidList.SetModified(true)
			}
		}
	}
	return nil
}

// DownloadMessages runs the download loop from the prepared start index and
// then the deletion sweep. The UID list is saved on every return path.
func (s *ReceiveSession) DownloadMessages(ctx context.Context, filters *syncfilter.FilterSet) (err error) {
	if s.client == nil || s.uidList == nil {
		return consts.ErrNotConnected
	}
	saver := uidl.NewSaver(s.uidList, s.uidPath, func(err error) { s.report(err, opSaveUIDL) })
	defer saver.Save()
	defer func() {
		result := "success"
		if err != nil {
			result = "failure"
		}
		metrics.SyncRunsTotal.WithLabelValues(s.acct.Name(), s.mode(), result).Inc()
	}()

	count := s.client.MessageCount()
	s.cb.SetRange(s.start, count)

	deletes := newDeleteList()
	var stored []store.MessagePtr
	today := uidl.DateOf(s.deps.Now())

	for n := s.start; n < count; n++ {
		if s.canceled(ctx) {
			s.log.Info("POP3: pass canceled", "index", n)
			return nil
		}
		s.cb.SetPos(n)

		uid, size, err := s.messageInfo(n)
		if err != nil {
			return s.report(err, 0)
		}

		if s.sub.POP3.SkipDuplicatedUID && s.oldList != nil {
			if idx := s.oldList.Index(uid); idx >= 0 {
				s.uidList.Add(s.oldList.Remove(idx))
				metrics.MessagesSkipped.WithLabelValues(s.acct.Name(), "duplicate").Inc()
				continue
			}
		}

		fcb := &filterCallback{client: s.client, index: n, uid: uid, size: size}
		filter, err := filters.GetFilter(ctx, fcb)
		if err != nil {
			var perr *pop3.Error
			if errors.As(err, &perr) {
				return s.report(err, 0)
			}
			return s.report(err, opFilter)
		}

		lines, ignore, del := actionsOf(filter)
		if del {
			deletes.add(n, true, store.MessagePtr{})
		}
		if ignore {
			s.uidList.Add(uidl.New(uid, uidl.FlagPartial, today))
			metrics.MessagesSkipped.WithLabelValues(s.acct.Name(), "ignored").Inc()
			continue
		}

		var content []byte
		if lines == pop3.MaxLines && fcb.content != nil {
			content = fcb.content
		} else {
			content, err = s.client.GetMessage(n, lines, size)
			if err != nil {
				return s.report(err, 0)
			}
		}
		partial := lines != pop3.MaxLines && len(content) < size

		m, err := s.storeMessage(ctx, uid, content, partial)
		if err != nil {
			return s.report(err, opStoreMessage)
		}
		flags := uidl.FlagNone
		mode := "full"
		if partial {
			flags = uidl.FlagPartial
			mode = "partial"
		}
		s.uidList.Add(uidl.New(uid, flags, today))
		metrics.MessagesDownloaded.WithLabelValues(s.acct.Name(), mode).Inc()
		stored = append(stored, m.Ptr())
	}
	s.cb.SetPos(count)

	if err := s.collectLocalDeletions(ctx, deletes); err != nil {
		return s.report(err, opLocalStore)
	}
	s.collectPolicyDeletions(deletes, today)
	if err := s.executeDeletions(ctx, deletes); err != nil {
		return err
	}

	s.applyRules(ctx, stored)
	s.notify(ctx, stored)
	return nil
}

func (s *ReceiveSession) canceled(ctx context.Context) bool {
	return s.cb.IsCanceled(false) || ctx.Err() != nil
}

func (s *ReceiveSession) messageInfo(n int) (string, int, error) {
	if s.cacheAll {
		return s.uids[n], s.sizes[n], nil
	}
	uid, err := s.client.GetUID(n)
	if err != nil {
		return "", 0, err
	}
	size, err := s.client.GetMessageSize(n)
	if err != nil {
		return "", 0, err
	}
	return uid, size, nil
}

// actionsOf folds the actions of filter. No filter downloads everything.
func actionsOf(filter *syncfilter.Filter) (lines uint32, ignore, del bool) {
	lines = pop3.MaxLines
	if filter == nil {
		return lines, false, false
	}
	for _, a := range filter.Actions {
		switch a.Type {
		case syncfilter.ActionDownload:
			if a.Lines != syncfilter.AllLines {
				lines = uint32(a.Lines)
			}
		case syncfilter.ActionIgnore:
			ignore = true
		case syncfilter.ActionDelete:
			del = true
		}
	}
	// A delete without a download keeps nothing locally
	if del && !hasDownload(filter) {
		ignore = true
	}
	return lines, ignore, del
}

func hasDownload(filter *syncfilter.Filter) bool {
	for _, a := range filter.Actions {
		if a.Type == syncfilter.ActionDownload {
			return true
		}
	}
	return false
}

// stamp records the server UID and the owning sub-account in the header.
func (s *ReceiveSession) stamp(content []byte, uid string) []byte {
	fields := []helpers.HeaderField{{Key: consts.HeaderUIDL, Value: uid}}
	if s.sub.Identity != "" {
		fields = append(fields, helpers.HeaderField{Key: consts.HeaderSubAccount, Value: s.sub.Identity})
	}
	stamped, err := helpers.StampHeader(content, fields...)
	if err != nil {
		s.log.Warn("POP3: failed to stamp header", "uid", uid, "error", err)
		return content
	}
	return stamped
}

func (s *ReceiveSession) storeMessage(ctx context.Context, uid string, content []byte, partial bool) (*store.MessageHolder, error) {
	var flags store.Flags
	if partial {
		flags |= store.FlagHeaderOnly
	}
	if s.sub.POP3.HandleStatus && readStatus(content) {
		flags |= store.FlagSeen
	}
	content = s.stamp(content, uid)

	var m *store.MessageHolder
	err := s.withLock(func() error {
		var err error
		m, err = s.acct.StoreMessage(ctx, s.folder, content, flags, uid, s.sub.Identity)
		return err
	})
	return m, err
}

// readStatus reports whether the Status header marks the message as read.
func readStatus(content []byte) bool {
	h, err := helpers.ReadHeader(content)
	if err != nil {
		return false
	}
	return strings.ContainsRune(strings.ToUpper(h.Get(consts.HeaderStatus)), 'R')
}

func (s *ReceiveSession) withLock(fn func() error) error {
	s.acct.Lock()
	defer s.acct.Unlock()
	return fn()
}

// collectLocalDeletions queues the server copies of messages deleted locally.
func (s *ReceiveSession) collectLocalDeletions(ctx context.Context, deletes *deleteList) error {
	folders, err := s.acct.Folders(ctx)
	if err != nil {
		return err
	}
	for _, f := range folders {
		msgs, err := s.acct.MessagesWithFlags(ctx, f, store.FlagDeleted)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if !s.ownMessage(m) || m.UIDL == "" {
				continue
			}
			if idx := s.uidList.Index(m.UIDL); idx >= 0 {
				deletes.add(idx, true, m.Ptr())
			}
		}
	}
	return nil
}

// collectPolicyDeletions queues server deletions required by the
// delete_on_server and delete_before settings.
func (s *ReceiveSession) collectPolicyDeletions(deletes *deleteList, today uidl.Date) {
	policy := s.sub.POP3
	if !policy.DeleteOnServer && policy.DeleteBefore <= 0 {
		return
	}
	cutoff := today.Time().AddDate(0, 0, -policy.DeleteBefore)
	for i := 0; i < s.uidList.Len(); i++ {
		u, ok := s.uidList.At(i)
		if !ok {
			continue
		}
		if policy.DeleteOnServer && !u.IsPartial() {
			deletes.add(i, true, store.MessagePtr{})
		} else if policy.DeleteBefore > 0 && u.Date().Time().Before(cutoff) {
			deletes.add(i, true, store.MessagePtr{})
		}
	}
}

// executeDeletions issues DELE for every marked index, deletes the local
// copies and drops the records from the UID list. On failure the list is
// left as is; the next pass realigns it with whatever the server committed.
func (s *ReceiveSession) executeDeletions(ctx context.Context, deletes *deleteList) error {
	if deletes.len() == 0 {
		return nil
	}
	var removed []int
	for _, idx := range deletes.indices() {
		e := deletes.get(idx)
		if e.MarkServer {
			if err := s.client.DeleteMessage(idx); err != nil {
				return s.report(err, 0)
			}
			removed = append(removed, idx)
			metrics.MessagesDeleted.WithLabelValues(s.acct.Name(), "server").Inc()
		}

		m, alive, err := e.Ptr.Resolve(ctx)
		if err != nil {
			return s.report(err, opLocalStore)
		}
		if !alive {
			continue
		}
		err = s.withLock(func() error {
			if s.sub.POP3.DeleteLocal {
				return s.acct.RemoveMessages(ctx, []int64{m.ID})
			}
			return s.acct.SetFlags(ctx, []int64{m.ID}, store.FlagDeleted, 0)
		})
		if err != nil {
			return s.report(err, opLocalStore)
		}
		metrics.MessagesDeleted.WithLabelValues(s.acct.Name(), "local").Inc()
	}
	s.uidList.RemoveIndices(removed)
	return nil
}

// applyRules runs the rule manager on the new messages. Failures are
// reported and do not fail the pass.
func (s *ReceiveSession) applyRules(ctx context.Context, stored []store.MessagePtr) {
	if s.deps.Rules == nil || len(stored) == 0 {
		return
	}
	mgr := s.deps.Rules(s.acct.Name())
	if mgr == nil {
		return
	}
	ids := make([]int64, len(stored))
	for i, p := range stored {
		ids[i] = p.ID()
	}
	if err := mgr.Apply(ctx, s.acct, ids); err != nil {
		metrics.RuleErrors.WithLabelValues(s.acct.Name()).Inc()
		s.report(err, opApplyRules)
	}
}

// notify announces new messages that are still alive and unread.
func (s *ReceiveSession) notify(ctx context.Context, stored []store.MessagePtr) {
	for _, p := range stored {
		m, alive, err := p.Resolve(ctx)
		if err != nil || !alive {
			continue
		}
		if m.Flags&(store.FlagSeen|store.FlagDeleted) == 0 {
			s.cb.NotifyNewMessage(p)
		}
	}
}

// report hands err to the callback and returns it.
func (s *ReceiveSession) report(err error, local pop3.Operation) error {
	info := s.errorInfo(err, local)
	s.log.Error("POP3: "+info.Description, "code", fmt.Sprintf("0x%08x", info.Code), "response", info.Response, "error", err)
	metrics.SyncErrors.WithLabelValues(accountName(s.acct), kindLabel(err)).Inc()
	s.cb.AddError(info)
	return err
}

func accountName(acct *store.Account) string {
	if acct == nil {
		return ""
	}
	return acct.Name()
}

func kindLabel(err error) string {
	var perr *pop3.Error
	if errors.As(err, &perr) {
		return strings.ToLower(perr.Kind.String())
	}
	return "local"
}

func security(mode string) pop3.Security {
	switch mode {
	case config.SecuritySSL:
		return pop3.SecuritySSL
	case config.SecuritySTARTTLS:
		return pop3.SecuritySTARTTLS
	}
	return pop3.SecurityNone
}

func authMode(mode string) pop3.AuthMode {
	switch mode {
	case config.AuthAPOP:
		return pop3.AuthAPOP
	case config.AuthPlain:
		return pop3.AuthPlain
	}
	return pop3.AuthUser
}
