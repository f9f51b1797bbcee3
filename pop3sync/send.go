package pop3sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/migadu/popsync/config"
	"github.com/migadu/popsync/consts"
	"github.com/migadu/popsync/logger"
	"github.com/migadu/popsync/pkg/metrics"
	"github.com/migadu/popsync/pop3"
	"github.com/migadu/popsync/session"
	"github.com/migadu/popsync/store"
)

// SendSession submits messages with XTND XMIT.
type SendSession struct {
	deps Deps
	log  *slog.Logger

	acct   *store.Account
	sub    *config.SubAccountConfig
	cb     session.Callback
	client *pop3.Client
}

func NewSendSession(deps Deps) *SendSession {
	return &SendSession{deps: deps, log: logger.Get()}
}

func (s *SendSession) Init(ctx context.Context, acct *store.Account, sub *config.SubAccountConfig, cb session.Callback) error {
	if acct == nil || sub == nil || cb == nil {
		return errors.New("pop3sync: account, sub-account and callback are required")
	}
	s.acct, s.sub, s.cb = acct, sub, cb
	s.log = logger.ForSession(acct.Name(), sub.Identity)
	return nil
}

func (s *SendSession) Term() {}

// Connect logs into the send endpoint of the sub-account.
func (s *SendSession) Connect(ctx context.Context) error {
	timeout, err := s.sub.GetTimeout()
	if err != nil {
		return err
	}
	host, port, sec, apop := s.sub.SendEndpoint()
	auth := pop3.AuthUser
	if apop {
		auth = pop3.AuthAPOP
	}

	s.client = pop3.New(clientOptions(s.deps, s.sub, timeout), clientCallback{cb: s.cb})
	if err := s.client.Connect(ctx, host, port, auth, security(sec)); err != nil {
		metrics.ConnectionsTotal.WithLabelValues("failure").Inc()
		return s.report(err)
	}
	metrics.ConnectionsTotal.WithLabelValues("success").Inc()
	return nil
}

func (s *SendSession) Disconnect() error {
	if s.client == nil {
		return nil
	}
	err := s.client.Disconnect()
	s.client = nil
	if err != nil {
		return s.report(err)
	}
	return nil
}

// SendMessage submits msg through the server.
func (s *SendSession) SendMessage(ctx context.Context, msg []byte) error {
	if s.client == nil {
		return consts.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.client.SendMessage(msg); err != nil {
		return s.report(err)
	}
	s.log.Info("POP3: message sent", "size", len(msg))
	return nil
}

func (s *SendSession) report(err error) error {
	code, desc, response := describe(err, pop3.OpXtndXmit)
	info := session.ErrorInfo{
		Account:     s.acct.Name(),
		SubAccount:  s.sub.Identity,
		Code:        code,
		Description: desc,
		Response:    response,
		Err:         err,
	}
	s.log.Error("POP3: "+desc, "code", fmt.Sprintf("0x%08x", code), "response", response, "error", err)
	metrics.SyncErrors.WithLabelValues(s.acct.Name(), kindLabel(err)).Inc()
	s.cb.AddError(info)
	return err
}
