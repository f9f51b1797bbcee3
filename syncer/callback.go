package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/migadu/popsync/config"
	"github.com/migadu/popsync/session"
	"github.com/migadu/popsync/store"
)

// passCallback is the session.Callback of one unattended pass. Credentials
// come from the configuration, cancellation from the pass context.
type passCallback struct {
	ctx context.Context
	sub *config.SubAccountConfig
	log *slog.Logger

	mu       sync.Mutex
	errors   []session.ErrorInfo
	newCount int
}

func newPassCallback(ctx context.Context, sub *config.SubAccountConfig, log *slog.Logger) *passCallback {
	return &passCallback{ctx: ctx, sub: sub, log: log}
}

func (c *passCallback) IsCanceled(force bool) bool {
	return c.ctx.Err() != nil
}

func (c *passCallback) SetRange(min, max int) {
	c.log.Debug("Pass range", "from", min, "to", max)
}

func (c *passCallback) SetPos(pos int)           {}
func (c *passCallback) SetSubRange(min, max int) {}
func (c *passCallback) SetSubPos(pos int)        {}

func (c *passCallback) AddError(info session.ErrorInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, info)
}

func (c *passCallback) NotifyNewMessage(ptr store.MessagePtr) {
	c.mu.Lock()
	c.newCount++
	c.mu.Unlock()
	c.log.Info("New message", "id", ptr.ID())
}

func (c *passCallback) GetUserInfo() (string, string, error) {
	if c.sub.User == "" {
		return "", "", errors.New("no user configured")
	}
	return c.sub.User, c.sub.Password, nil
}

func (c *passCallback) SetPassword(password string) {}

func (c *passCallback) Authenticating() {
	c.log.Debug("Authenticating", "host", c.sub.Host, "user", c.sub.User)
}

// lastError returns the last reported error, if any.
func (c *passCallback) lastError() (session.ErrorInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.errors) == 0 {
		return session.ErrorInfo{}, false
	}
	return c.errors[len(c.errors)-1], true
}

func (c *passCallback) newMessages() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.newCount
}
