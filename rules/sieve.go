package rules

import (
	"context"
	"strings"
	"time"

	"github.com/foxcpp/go-sieve"
	"github.com/foxcpp/go-sieve/interp"
)

type Action string

const (
	ActionKeep     Action = "keep"
	ActionDiscard  Action = "discard"
	ActionFileInto Action = "fileinto"
	ActionRedirect Action = "redirect"
)

// DefaultExtensions are the Sieve extensions scripts may require.
var DefaultExtensions = []string{"envelope", "fileinto", "redirect", "encoded-character", "imap4flags", "variables", "relational", "copy", "regex", "mailbox"}

type Result struct {
	Action     Action
	Mailbox    string   // used for fileinto
	RedirectTo string   // used for redirect
	Flags      []string // flags to add to the message
	Copy       bool     // RFC3894 - :copy modifier for redirect and fileinto
}

// Context is the message a script is evaluated against.
type Context struct {
	EnvelopeFrom string
	EnvelopeTo   string
	Header       map[string][]string
	Body         string
	Size         int
}

// Executor evaluates one compiled script.
type Executor struct {
	script *sieve.Script
}

// NewExecutor compiles scriptContent.
func NewExecutor(scriptContent string) (*Executor, error) {
	options := sieve.DefaultOptions()
	options.EnabledExtensions = DefaultExtensions
	script, err := sieve.Load(strings.NewReader(scriptContent), options)
	if err != nil {
		return nil, err
	}
	return &Executor{script: script}, nil
}

// Evaluate runs the script against c.
func (e *Executor) Evaluate(ctx context.Context, c Context) (Result, error) {
	envelope := &sieveEnvelope{from: c.EnvelopeFrom, to: c.EnvelopeTo}
	msg := &sieveMessage{headers: c.Header, size: c.Size}
	if msg.size == 0 {
		msg.size = len(c.Body)
	}

	data := sieve.NewRuntimeData(e.script, &sievePolicy{}, envelope, msg)
	if err := e.script.Execute(ctx, data); err != nil {
		return Result{Action: ActionKeep}, err
	}

	result := Result{Action: ActionKeep}
	switch {
	case len(data.Mailboxes) > 0:
		result.Action = ActionFileInto
		result.Mailbox = data.Mailboxes[0]
		// An explicit keep after fileinto keeps the original too
		result.Copy = data.ImplicitKeep || data.Keep
	case len(data.RedirectAddr) > 0:
		result.Action = ActionRedirect
		result.RedirectTo = data.RedirectAddr[0]
		result.Copy = data.ImplicitKeep || data.Keep
	case !data.Keep && !data.ImplicitKeep:
		result.Action = ActionDiscard
	}
	if len(data.Flags) > 0 {
		result.Flags = data.Flags
	}
	return result, nil
}

// sievePolicy allows redirects and refuses vacation responses, which a
// downloading client has no business sending.
type sievePolicy struct{}

func (p *sievePolicy) RedirectAllowed(ctx context.Context, d *interp.RuntimeData, addr string) (bool, error) {
	return true, nil
}

func (p *sievePolicy) VacationResponseAllowed(ctx context.Context, d *interp.RuntimeData,
	originalSender, handle string, duration time.Duration) (bool, error) {
	return false, nil
}

func (p *sievePolicy) SendVacationResponse(ctx context.Context, d *interp.RuntimeData,
	recipient, from, subject, body string, isMime bool) error {
	return nil
}

type sieveEnvelope struct {
	from string
	to   string
}

func (e *sieveEnvelope) EnvelopeFrom() string {
	return e.from
}

func (e *sieveEnvelope) EnvelopeTo() string {
	return e.to
}

func (e *sieveEnvelope) AuthUsername() string {
	return ""
}

type sieveMessage struct {
	headers map[string][]string
	size    int
}

func (m *sieveMessage) HeaderGet(key string) ([]string, error) {
	return m.headers[key], nil
}

func (m *sieveMessage) MessageSize() int {
	return m.size
}
