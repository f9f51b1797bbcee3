// Package syncer schedules the synchronization passes of all configured
// sub-accounts.
//
// Every sub-account runs on its own goroutine, bounded by sync.concurrency.
// A failed pass is retried with exponential backoff unless the failure is
// one retrying cannot fix, such as a rejected login or an error response of
// the server.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/migadu/popsync/config"
	"github.com/migadu/popsync/consts"
	"github.com/migadu/popsync/logger"
	"github.com/migadu/popsync/pkg/metrics"
	"github.com/migadu/popsync/pkg/retry"
	"github.com/migadu/popsync/pop3"
	"github.com/migadu/popsync/rules"
	"github.com/migadu/popsync/session"
	"github.com/migadu/popsync/store"
	"github.com/migadu/popsync/syncfilter"
	"golang.org/x/sync/errgroup"
)

// Status is the state of one sub-account.
type Status struct {
	Account       string    `json:"account"`
	SubAccount    string    `json:"sub_account"`
	Running       bool      `json:"running"`
	Passes        int       `json:"passes"`
	NewMessages   int       `json:"new_messages"`
	LastRun       time.Time `json:"last_run,omitempty"`
	LastSuccess   time.Time `json:"last_success,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorCode uint32    `json:"last_error_code,omitempty"`
}

type account struct {
	cfg     *config.AccountConfig
	store   *store.Account
	rules   *rules.Manager
	filters map[string]*syncfilter.FilterSet // by sub-account identity
}

// Syncer owns the stores of all accounts and runs their passes.
type Syncer struct {
	registry    *session.Registry
	backoff     retry.BackoffConfig
	interval    time.Duration
	concurrency int

	accounts map[string]*account
	order    []string
	trigger  chan string

	mu     sync.Mutex
	status map[string]*Status
}

// New opens the store of every account and compiles its scripts and filters.
func New(ctx context.Context, cfg *config.Config, registry *session.Registry) (*Syncer, error) {
	interval, err := cfg.Sync.GetInterval()
	if err != nil {
		return nil, fmt.Errorf("invalid sync interval: %w", err)
	}
	initial, err := cfg.Sync.GetRetryInitial()
	if err != nil {
		return nil, fmt.Errorf("invalid retry_initial: %w", err)
	}
	maxDelay, err := cfg.Sync.GetRetryMax()
	if err != nil {
		return nil, fmt.Errorf("invalid retry_max: %w", err)
	}

	s := &Syncer{
		registry: registry,
		backoff: retry.BackoffConfig{
			InitialInterval: initial,
			MaxInterval:     maxDelay,
			Multiplier:      2.0,
			Jitter:          true,
			MaxRetries:      max(cfg.Sync.RetryAttempts, 0),
		},
		interval:    interval,
		concurrency: cfg.Sync.GetConcurrency(),
		accounts:    make(map[string]*account),
		trigger:     make(chan string, 16),
		status:      make(map[string]*Status),
	}

	for i := range cfg.Accounts {
		acfg := &cfg.Accounts[i]
		a, err := openAccount(ctx, cfg, acfg)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.accounts[acfg.Name] = a
		s.order = append(s.order, acfg.Name)
		for _, sub := range acfg.SubAccounts {
			s.status[statusKey(acfg.Name, sub.Identity)] = &Status{Account: acfg.Name, SubAccount: sub.Identity}
		}
	}
	return s, nil
}

func openAccount(ctx context.Context, cfg *config.Config, acfg *config.AccountConfig) (*account, error) {
	st, err := store.Open(ctx, acfg.Name, acfg.Path)
	if err != nil {
		return nil, fmt.Errorf("account %q: %w", acfg.Name, err)
	}
	a := &account{cfg: acfg, store: st, filters: make(map[string]*syncfilter.FilterSet)}

	a.rules, err = rules.Load(*acfg, cfg.Relay)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("account %q: %w", acfg.Name, err)
	}

	for _, sub := range acfg.SubAccounts {
		if sub.SyncFilterSet == "" {
			continue
		}
		setCfg, ok := cfg.FindSyncFilterSet(sub.SyncFilterSet)
		if !ok {
			st.Close()
			return nil, fmt.Errorf("account %q: unknown sync filter set %q", acfg.Name, sub.SyncFilterSet)
		}
		set, err := syncfilter.Build(*setCfg)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("account %q: %w", acfg.Name, err)
		}
		a.filters[sub.Identity] = set
	}
	return a, nil
}

// Close closes all stores.
func (s *Syncer) Close() error {
	var errs []error
	for _, a := range s.accounts {
		if err := a.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Rules returns the rule manager of an account, nil for none.
func (s *Syncer) Rules(name string) *rules.Manager {
	if a, ok := s.accounts[name]; ok {
		return a.rules
	}
	return nil
}

// Accounts returns the account names in configuration order.
func (s *Syncer) Accounts() []string {
	return append([]string(nil), s.order...)
}

// StatsProviders returns the stores for the metrics collector.
func (s *Syncer) StatsProviders() map[string]metrics.StatsProvider {
	out := make(map[string]metrics.StatsProvider, len(s.accounts))
	for name, a := range s.accounts {
		out[name] = a.store
	}
	return out
}

// Run syncs all accounts now and then every interval until ctx is done.
// Triggered accounts are synced between the scheduled passes.
func (s *Syncer) Run(ctx context.Context) error {
	logger.Info("Syncer started", "accounts", len(s.order), "interval", s.interval, "concurrency", s.concurrency)
	if err := s.RunOnce(ctx); err != nil {
		logger.Warn("Sync finished with errors", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("Syncer stopping")
			return nil
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				logger.Warn("Sync finished with errors", "error", err)
			}
		case name := <-s.trigger:
			if err := s.SyncAccount(ctx, name); err != nil {
				logger.Warn("Triggered sync finished with errors", "account", name, "error", err)
			}
		}
	}
}

// RunOnce syncs every sub-account of every account once.
func (s *Syncer) RunOnce(ctx context.Context) error {
	return s.run(ctx, s.order)
}

// SyncAccount syncs the sub-accounts of one account once.
func (s *Syncer) SyncAccount(ctx context.Context, name string) error {
	if _, ok := s.accounts[name]; !ok {
		return fmt.Errorf("%w: %s", consts.ErrAccountNotFound, name)
	}
	return s.run(ctx, []string{name})
}

// Trigger queues a sync of the named account for Run.
func (s *Syncer) Trigger(name string) error {
	if _, ok := s.accounts[name]; !ok {
		return fmt.Errorf("%w: %s", consts.ErrAccountNotFound, name)
	}
	select {
	case s.trigger <- name:
	default:
		logger.Debug("Sync trigger queue full", "account", name)
	}
	return nil
}

func (s *Syncer) run(ctx context.Context, names []string) error {
	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)

	var mu sync.Mutex
	var errs []error
	for _, name := range names {
		a := s.accounts[name]
		for i := range a.cfg.SubAccounts {
			sub := &a.cfg.SubAccounts[i]
			g.Go(func() error {
				if err := s.syncSubAccount(ctx, a, sub); err != nil {
					mu.Lock()
					errs = append(errs, fmt.Errorf("%s: %w", statusKey(a.cfg.Name, sub.Identity), err))
					mu.Unlock()
				}
				return nil
			})
		}
	}
	g.Wait()
	return errors.Join(errs...)
}

// syncSubAccount runs one pass with retries. A pass of a sub-account that
// is still running is skipped.
func (s *Syncer) syncSubAccount(ctx context.Context, a *account, sub *config.SubAccountConfig) error {
	key := statusKey(a.cfg.Name, sub.Identity)
	if !s.begin(key) {
		logger.Debug("Sync already running", "account", a.cfg.Name, "identity", sub.Identity)
		return nil
	}
	log := logger.ForSession(a.cfg.Name, sub.Identity)
	start := time.Now()

	var cb *passCallback
	err := retry.Do(ctx, s.backoff, func(int) error {
		cb = newPassCallback(ctx, sub, log)
		err := s.pass(ctx, a, sub, cb)
		if err != nil && permanent(err) {
			return retry.Stop(err)
		}
		return err
	}, func(attempt int, delay time.Duration, err error) {
		metrics.SyncRetries.WithLabelValues(a.cfg.Name).Inc()
		log.Info("Retrying sync", "attempt", attempt, "delay", delay, "error", err)
	})

	metrics.SyncDuration.WithLabelValues(a.cfg.Name).Observe(time.Since(start).Seconds())
	s.finish(key, cb, err)
	if err != nil {
		log.Warn("Sync failed", "error", err, "duration", time.Since(start))
	} else {
		log.Info("Sync completed", "new_messages", cb.newMessages(), "duration", time.Since(start))
	}
	return err
}

// permanent reports whether retrying err is pointless.
func permanent(err error) bool {
	return pop3.IsAuthFailure(err) ||
		pop3.IsResponse(err) ||
		errors.Is(err, consts.ErrUnknownProtocol) ||
		errors.Is(err, context.Canceled)
}

// pass runs one receive session through its life cycle.
func (s *Syncer) pass(ctx context.Context, a *account, sub *config.SubAccountConfig, cb session.Callback) (err error) {
	rs, err := s.registry.NewReceiveSession(sub.GetProtocol())
	if err != nil {
		return err
	}
	if err := rs.Init(ctx, a.store, sub, cb); err != nil {
		return err
	}
	defer rs.Term()

	if err := rs.Connect(ctx); err != nil {
		rs.Disconnect()
		return err
	}
	defer func() {
		if derr := rs.Disconnect(); derr != nil && err == nil {
			err = derr
		}
	}()

	inbox, err := a.store.Inbox(ctx)
	if err != nil {
		return err
	}
	if err := rs.SelectFolder(ctx, inbox); err != nil {
		return err
	}
	defer rs.CloseFolder()

	if err := rs.UpdateMessages(ctx); err != nil {
		return err
	}
	if err := rs.DownloadMessages(ctx, a.filters[sub.Identity]); err != nil {
		return err
	}
	return rs.ApplyOfflineJobs(ctx)
}

// Send submits msg through the send session of a sub-account.
func (s *Syncer) Send(ctx context.Context, name, identity string, msg []byte) (err error) {
	a, ok := s.accounts[name]
	if !ok {
		return fmt.Errorf("%w: %s", consts.ErrAccountNotFound, name)
	}
	sub, ok := a.cfg.FindSubAccount(identity)
	if !ok {
		return fmt.Errorf("%w: %s has no sub-account %q", consts.ErrAccountNotFound, name, identity)
	}

	ss, err := s.registry.NewSendSession(sub.GetProtocol())
	if err != nil {
		return err
	}
	cb := newPassCallback(ctx, sub, logger.ForSession(name, identity))
	if err := ss.Init(ctx, a.store, sub, cb); err != nil {
		return err
	}
	defer ss.Term()

	if err := ss.Connect(ctx); err != nil {
		ss.Disconnect()
		return err
	}
	defer func() {
		if derr := ss.Disconnect(); derr != nil && err == nil {
			err = derr
		}
	}()
	return ss.SendMessage(ctx, msg)
}

// Status returns the state of all sub-accounts ordered by account and identity.
func (s *Syncer) Status() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.status))
	for _, st := range s.status {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Account != out[j].Account {
			return out[i].Account < out[j].Account
		}
		return out[i].SubAccount < out[j].SubAccount
	})
	return out
}

func (s *Syncer) begin(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status[key]
	if st.Running {
		return false
	}
	st.Running = true
	st.LastRun = time.Now()
	return true
}

func (s *Syncer) finish(key string, cb *passCallback, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status[key]
	st.Running = false
	st.Passes++
	if cb != nil {
		st.NewMessages += cb.newMessages()
	}
	if err == nil {
		st.LastSuccess = time.Now()
		st.LastError, st.LastErrorCode = "", 0
		return
	}
	st.LastError = err.Error()
	st.LastErrorCode = 0
	if cb != nil {
		if info, ok := cb.lastError(); ok {
			st.LastError = info.Error()
			st.LastErrorCode = info.Code
		}
	}
}

func statusKey(account, identity string) string {
	if identity == "" {
		return account
	}
	return account + "/" + identity
}
