package syncer

import (
	"context"
	"testing"

	"github.com/migadu/popsync/config"
	"github.com/migadu/popsync/consts"
	"github.com/migadu/popsync/pkg/metrics"
	"github.com/migadu/popsync/pop3sync"
	"github.com/migadu/popsync/session"
	"github.com/migadu/popsync/testutils"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const msg = "From: sender@example.com\r\nSubject: hello\r\n\r\nbody\r\n"

func subAccount(srv *testutils.POP3Server, identity, password string) config.SubAccountConfig {
	return config.SubAccountConfig{
		Identity: identity,
		Host:     srv.Host(),
		Port:     srv.Port(),
		Timeout:  "5s",
		User:     "alice",
		Password: password,
	}
}

func newSyncer(t *testing.T, cfg config.Config) *Syncer {
	t.Helper()
	ctx := context.Background()
	registry := session.NewRegistry()
	s, err := New(ctx, &cfg, registry)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, pop3sync.Register(registry, pop3sync.Deps{Rules: s.Rules}))
	return s
}

func syncDurationCount(t *testing.T, account string) uint64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, metrics.SyncDuration.WithLabelValues(account).(prometheus.Metric).Write(m))
	return m.GetHistogram().GetSampleCount()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func baseConfig() config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Sync.RetryAttempts = 2
	cfg.Sync.RetryInitial = "10ms"
	cfg.Sync.RetryMax = "20ms"
	return cfg
}

func TestRunOnceSyncsAllSubAccounts(t *testing.T) {
	home := testutils.NewPOP3Server(t, "alice", "tanstaaf")
	home.AddMessage("h1", msg)
	home.AddMessage("h2", msg)
	work := testutils.NewPOP3Server(t, "alice", "tanstaaf")
	work.AddMessage("w1", msg)

	cfg := baseConfig()
	cfg.Accounts = []config.AccountConfig{{
		Name: "alice",
		Path: t.TempDir(),
		SubAccounts: []config.SubAccountConfig{
			subAccount(home, "", "tanstaaf"),
			subAccount(work, "work", "tanstaaf"),
		},
	}}
	s := newSyncer(t, cfg)
	observed := syncDurationCount(t, "alice")

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, observed+2, syncDurationCount(t, "alice"))

	status := s.Status()
	require.Len(t, status, 2)
	assert.Equal(t, "", status[0].SubAccount)
	assert.Equal(t, 2, status[0].NewMessages)
	assert.Equal(t, "work", status[1].SubAccount)
	assert.Equal(t, 1, status[1].NewMessages)
	for _, st := range status {
		assert.False(t, st.Running)
		assert.Equal(t, 1, st.Passes)
		assert.Empty(t, st.LastError)
		assert.False(t, st.LastSuccess.IsZero())
	}

	stats, err := s.StatsProviders()["alice"].Stats(context.Background())
	require.NoError(t, err)
	var total int64
	for _, f := range stats.Folders {
		total += f.Messages
	}
	assert.Equal(t, int64(3), total)

	// A second run finds nothing new
	require.NoError(t, s.SyncAccount(context.Background(), "alice"))
	assert.Equal(t, 2, s.Status()[0].NewMessages)
}

func TestAuthFailureIsNotRetried(t *testing.T) {
	srv := testutils.NewPOP3Server(t, "alice", "tanstaaf")
	cfg := baseConfig()
	cfg.Accounts = []config.AccountConfig{{
		Name:        "alice",
		Path:        t.TempDir(),
		SubAccounts: []config.SubAccountConfig{subAccount(srv, "", "wrong")},
	}}
	s := newSyncer(t, cfg)

	err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Len(t, srv.CommandsWithPrefix("PASS"), 1)

	st := s.Status()[0]
	assert.Contains(t, st.LastError, "Authentication failed")
	assert.NotZero(t, st.LastErrorCode)
	assert.True(t, st.LastSuccess.IsZero())
}

func TestTransportFailureIsRetried(t *testing.T) {
	srv := testutils.NewPOP3Server(t, "alice", "tanstaaf")
	srv.DropOnCommand("STAT")
	cfg := baseConfig()
	cfg.Accounts = []config.AccountConfig{{
		Name:        "alice",
		Path:        t.TempDir(),
		SubAccounts: []config.SubAccountConfig{subAccount(srv, "", "tanstaaf")},
	}}
	s := newSyncer(t, cfg)
	retries := counterValue(t, metrics.SyncRetries.WithLabelValues("alice"))

	require.Error(t, s.RunOnce(context.Background()))
	assert.Len(t, srv.CommandsWithPrefix("STAT"), 3)
	assert.Equal(t, retries+2, counterValue(t, metrics.SyncRetries.WithLabelValues("alice")))
}

func TestUnknownProtocol(t *testing.T) {
	srv := testutils.NewPOP3Server(t, "alice", "tanstaaf")
	sub := subAccount(srv, "", "tanstaaf")
	sub.Protocol = "imap4"
	cfg := baseConfig()
	cfg.Accounts = []config.AccountConfig{{Name: "alice", Path: t.TempDir(), SubAccounts: []config.SubAccountConfig{sub}}}
	s := newSyncer(t, cfg)

	err := s.RunOnce(context.Background())
	assert.ErrorIs(t, err, consts.ErrUnknownProtocol)
	assert.Empty(t, srv.Commands())
}

func TestFilterSetsAreApplied(t *testing.T) {
	srv := testutils.NewPOP3Server(t, "alice", "tanstaaf")
	srv.AddMessage("a", msg)
	sub := subAccount(srv, "", "tanstaaf")
	sub.SyncFilterSet = "skip-all"

	cfg := baseConfig()
	cfg.SyncFilterSets = []config.SyncFilterSetConfig{{
		Name:    "skip-all",
		Filters: []config.SyncFilterConfig{{Name: "all", Actions: []string{"ignore"}}},
	}}
	cfg.Accounts = []config.AccountConfig{{Name: "alice", Path: t.TempDir(), SubAccounts: []config.SubAccountConfig{sub}}}
	s := newSyncer(t, cfg)

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Zero(t, s.Status()[0].NewMessages)
	assert.Empty(t, srv.CommandsWithPrefix("RETR"))
}

func TestNewRejectsUnknownFilterSet(t *testing.T) {
	cfg := baseConfig()
	cfg.Accounts = []config.AccountConfig{{
		Name:        "alice",
		Path:        t.TempDir(),
		SubAccounts: []config.SubAccountConfig{{Host: "localhost", SyncFilterSet: "missing"}},
	}}
	_, err := New(context.Background(), &cfg, session.NewRegistry())
	assert.Error(t, err)
}

func TestTriggerAndSend(t *testing.T) {
	srv := testutils.NewPOP3Server(t, "alice", "tanstaaf")
	cfg := baseConfig()
	cfg.Accounts = []config.AccountConfig{{
		Name:        "alice",
		Path:        t.TempDir(),
		SubAccounts: []config.SubAccountConfig{subAccount(srv, "", "tanstaaf")},
	}}
	s := newSyncer(t, cfg)

	assert.NoError(t, s.Trigger("alice"))
	assert.ErrorIs(t, s.Trigger("bob"), consts.ErrAccountNotFound)
	assert.ErrorIs(t, s.SyncAccount(context.Background(), "bob"), consts.ErrAccountNotFound)

	require.NoError(t, s.Send(context.Background(), "alice", "", []byte(msg)))
	sent := srv.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, msg, string(sent[0]))

	assert.ErrorIs(t, s.Send(context.Background(), "alice", "work", []byte(msg)), consts.ErrAccountNotFound)
	assert.Equal(t, []string{"alice"}, s.Accounts())
}

func TestRunStopsWithContext(t *testing.T) {
	cfg := baseConfig()
	s := newSyncer(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, s.Run(ctx))
}
