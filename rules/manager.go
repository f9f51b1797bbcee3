// Package rules applies an account's Sieve scripts to newly downloaded
// messages. The junk script runs first and moves junk into the junk folder;
// the rules script then files, flags, discards or redirects what is left.
package rules

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/migadu/popsync/config"
	"github.com/migadu/popsync/helpers"
	"github.com/migadu/popsync/logger"
	"github.com/migadu/popsync/store"
)

// Manager evaluates the scripts of one account.
type Manager struct {
	rules      *Executor
	junk       *Executor
	junkFolder string
	relay      Relay
	from       string
}

// NewManager compiles the given scripts. Either may be empty.
func NewManager(rulesScript, junkScript, junkFolder string, relay Relay, from string) (*Manager, error) {
	m := &Manager{junkFolder: junkFolder, relay: relay, from: from}
	if strings.TrimSpace(rulesScript) != "" {
		e, err := NewExecutor(rulesScript)
		if err != nil {
			return nil, fmt.Errorf("failed to compile rules script: %w", err)
		}
		m.rules = e
	}
	if strings.TrimSpace(junkScript) != "" {
		e, err := NewExecutor(junkScript)
		if err != nil {
			return nil, fmt.Errorf("failed to compile junk script: %w", err)
		}
		m.junk = e
	}
	return m, nil
}

// Load reads the script files of an account. It returns nil when the account
// has neither a rules nor a junk script.
func Load(acct config.AccountConfig, relayCfg config.RelayConfig) (*Manager, error) {
	if acct.RulesScript == "" && acct.JunkScript == "" {
		return nil, nil
	}
	read := func(path string) (string, error) {
		if path == "" {
			return "", nil
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read script %s: %w", path, err)
		}
		return string(b), nil
	}
	rulesScript, err := read(acct.RulesScript)
	if err != nil {
		return nil, err
	}
	junkScript, err := read(acct.JunkScript)
	if err != nil {
		return nil, err
	}

	var relay Relay
	if r := NewSMTPRelay(relayCfg); r != nil {
		relay = r
	}
	return NewManager(rulesScript, junkScript, acct.GetJunkFolder(), relay, relayCfg.From)
}

// Apply evaluates the scripts against the given messages. A failing message
// does not stop the others; all failures are returned joined.
func (m *Manager) Apply(ctx context.Context, acct *store.Account, ids []int64) error {
	if m == nil || (m.rules == nil && m.junk == nil) {
		return nil
	}

	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.applyOne(ctx, acct, id); err != nil {
			errs = append(errs, fmt.Errorf("message %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) applyOne(ctx context.Context, acct *store.Account, id int64) error {
	holder, err := acct.Message(ctx, id)
	if err != nil {
		return err
	}
	content, err := acct.Content(ctx, id)
	if err != nil {
		return err
	}
	h, err := helpers.ReadHeader(content)
	if err != nil {
		return fmt.Errorf("failed to parse header: %w", err)
	}
	body, err := helpers.ExtractText(content)
	if err != nil {
		body = ""
	}
	sc := Context{
		EnvelopeFrom: holder.From,
		Header:       h.Map(),
		Body:         body,
		Size:         len(content),
	}

	if m.junk != nil {
		res, err := m.junk.Evaluate(ctx, sc)
		if err != nil {
			return fmt.Errorf("junk script: %w", err)
		}
		if res.Action == ActionFileInto || res.Action == ActionDiscard {
			logger.Debug("Rules: message classified as junk", "account", acct.Name(), "id", id)
			return m.moveTo(ctx, acct, id, m.junkFolder, store.FlagJunk)
		}
	}

	if m.rules == nil {
		return nil
	}
	res, err := m.rules.Evaluate(ctx, sc)
	if err != nil {
		return fmt.Errorf("rules script: %w", err)
	}

	if set := mapFlags(res.Flags); set != 0 {
		acct.Lock()
		err := acct.SetFlags(ctx, []int64{id}, set, 0)
		acct.Unlock()
		if err != nil {
			return err
		}
	}

	switch res.Action {
	case ActionDiscard:
		acct.Lock()
		defer acct.Unlock()
		return acct.SetFlags(ctx, []int64{id}, store.FlagDeleted, 0)

	case ActionFileInto:
		if res.Copy {
			folder, err := m.ensureFolder(ctx, acct, res.Mailbox)
			if err != nil {
				return err
			}
			acct.Lock()
			defer acct.Unlock()
			_, err = acct.StoreMessage(ctx, folder, content, holder.Flags|mapFlags(res.Flags), holder.UIDL, holder.SubAccount)
			return err
		}
		return m.moveTo(ctx, acct, id, res.Mailbox, 0)

	case ActionRedirect:
		if m.relay == nil {
			return fmt.Errorf("redirect to %s requires a relay", res.RedirectTo)
		}
		from := m.from
		if from == "" {
			from = holder.From
		}
		if err := m.relay.Send(from, res.RedirectTo, content); err != nil {
			if IsPermanentError(err) {
				return fmt.Errorf("redirect to %s rejected: %w", res.RedirectTo, err)
			}
			return fmt.Errorf("redirect to %s failed: %w", res.RedirectTo, err)
		}
		if !res.Copy {
			acct.Lock()
			defer acct.Unlock()
			return acct.SetFlags(ctx, []int64{id}, store.FlagDeleted, 0)
		}
	}
	return nil
}

func (m *Manager) ensureFolder(ctx context.Context, acct *store.Account, name string) (*store.Folder, error) {
	acct.Lock()
	defer acct.Unlock()
	return acct.EnsureFolder(ctx, name)
}

func (m *Manager) moveTo(ctx context.Context, acct *store.Account, id int64, name string, set store.Flags) error {
	folder, err := m.ensureFolder(ctx, acct, name)
	if err != nil {
		return err
	}
	acct.Lock()
	defer acct.Unlock()
	if set != 0 {
		if err := acct.SetFlags(ctx, []int64{id}, set, 0); err != nil {
			return err
		}
	}
	return acct.MoveMessages(ctx, []int64{id}, folder)
}

// mapFlags converts IMAP flag names set by imap4flags into store flags.
// Unknown keywords are dropped.
func mapFlags(names []string) store.Flags {
	var flags store.Flags
	for _, name := range helpers.SanitizeFlags(names) {
		switch {
		case strings.EqualFold(name, string(imap.FlagSeen)):
			flags |= store.FlagSeen
		case strings.EqualFold(name, string(imap.FlagFlagged)):
			flags |= store.FlagFlagged
		case strings.EqualFold(name, string(imap.FlagAnswered)):
			flags |= store.FlagAnswered
		case strings.EqualFold(name, string(imap.FlagDeleted)):
			flags |= store.FlagDeleted
		case strings.EqualFold(name, string(imap.FlagJunk)):
			flags |= store.FlagJunk
		}
	}
	return flags
}
