package pop3

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/migadu/popsync/consts"
	"github.com/migadu/popsync/helpers"
	"github.com/migadu/popsync/logger"
	"github.com/migadu/popsync/pkg/metrics"
)

// MaxLines passed to GetMessage retrieves the whole message with RETR.
const MaxLines = ^uint32(0)

// Messages larger than this report progress while being received.
const progressThreshold = 8 * 1024

const receiveChunk = 4096

// Security selects how the connection is protected.
type Security int

const (
	SecurityNone Security = iota
	SecuritySSL
	SecuritySTARTTLS
)

// AuthMode selects the login command.
type AuthMode int

const (
	AuthUser AuthMode = iota
	AuthAPOP
	AuthPlain
)

// Callback receives credentials requests and progress of a Client.
type Callback interface {
	GetUserInfo() (user, password string, err error)
	SetPassword(password string)
	Authenticating()
	SetRange(min, max int)
	SetPos(pos int)
}

// Dialer opens the underlying TCP connection.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Options configures a Client.
type Options struct {
	Timeout   time.Duration // Deadline of every read and write, 0 disables
	TLSConfig *tls.Config   // Used for SecuritySSL and SecuritySTARTTLS
	Dialer    Dialer        // Defaults to a net.Dialer
	Trace     bool          // Log the protocol exchange at debug level
}

// Client is a POP3 client bound to a single connection.
type Client struct {
	opts Options
	cb   Callback

	conn     net.Conn
	r        *bufio.Reader
	greeting string
	count    int

	lastErr *Error
}

// New creates a disconnected client.
func New(opts Options, cb Callback) *Client {
	return &Client{opts: opts, cb: cb}
}

// Connect dials host, negotiates security, authenticates and reads the
// mailbox size. MessageCount is valid after it returns nil.
func (c *Client) Connect(ctx context.Context, host string, port int, auth AuthMode, sec Security) error {
	c.lastErr = nil
	address := net.JoinHostPort(host, strconv.Itoa(port))

	dialer := c.opts.Dialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: c.opts.Timeout}
	}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return c.fail(transportError(OpGreeting, KindConnect, err))
	}
	c.setConn(conn)

	if sec == SecuritySSL {
		if err := c.startTLS(ctx, host); err != nil {
			return c.fail(newError(OpGreeting, KindSSL, err))
		}
	}

	greeting, err := c.readResponse(OpGreeting)
	if err != nil {
		return err
	}
	c.greeting = greeting

	if sec == SecuritySTARTTLS {
		if _, err := c.command(OpSTLS, "STLS"); err != nil {
			return err
		}
		if err := c.startTLS(ctx, host); err != nil {
			return c.fail(newError(OpSTLS, KindSSL, err))
		}
	}

	if err := c.authenticate(auth); err != nil {
		return err
	}

	line, err := c.command(OpStat, "STAT")
	if err != nil {
		return err
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return c.fail(&Error{Op: OpStat, Kind: KindParse, Response: line})
	}
	count, err := strconv.Atoi(fields[0])
	if err != nil || count < 0 {
		return c.fail(&Error{Op: OpStat, Kind: KindParse, Response: line, Err: err})
	}
	c.count = count
	c.lastErr = nil
	return nil
}

func (c *Client) setConn(conn net.Conn) {
	c.conn = conn
	c.r = bufio.NewReaderSize(conn, receiveChunk)
}

func (c *Client) startTLS(ctx context.Context, host string) error {
	cfg := &tls.Config{}
	if c.opts.TLSConfig != nil {
		cfg = c.opts.TLSConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	tlsConn := tls.Client(c.conn, cfg)
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return err
	}
	c.setConn(tlsConn)
	return nil
}

func (c *Client) authenticate(auth AuthMode) error {
	if c.cb == nil {
		return c.fail(newError(OpUser, KindOther, errors.New("no credentials callback")))
	}
	user, password, err := c.cb.GetUserInfo()
	if err != nil {
		return c.fail(newError(OpUser, KindOther, err))
	}
	c.cb.Authenticating()

	switch auth {
	case AuthAPOP:
		digest, err := apopDigest(c.greeting, password)
		if err != nil {
			return c.fail(newError(OpAPOP, KindGenerateDigest, err))
		}
		if _, err := c.command(OpAPOP, "APOP "+user+" "+digest); err != nil {
			return err
		}
	case AuthPlain:
		ir, err := plainInitialResponse(user, password)
		if err != nil {
			return c.fail(newError(OpAuth, KindOther, err))
		}
		if _, err := c.command(OpAuth, "AUTH PLAIN "+ir); err != nil {
			return err
		}
	default:
		if _, err := c.command(OpUser, "USER "+user); err != nil {
			return err
		}
		if _, err := c.command(OpPass, "PASS "+password); err != nil {
			return err
		}
	}

	c.cb.SetPassword(password)
	return nil
}

// Disconnect sends QUIT unless the connection is known to be broken and
// always closes it.
func (c *Client) Disconnect() error {
	if c.conn == nil {
		return nil
	}
	var err error
	if c.lastErr == nil || !c.lastErr.Kind.IsTransport() {
		_, err = c.command(OpQuit, "QUIT")
	}
	c.conn.Close()
	c.conn = nil
	c.r = nil
	return err
}

// MessageCount returns the number of messages reported by STAT.
func (c *Client) MessageCount() int {
	return c.count
}

// GetMessage retrieves message idx (0-based). With maxLines == MaxLines the
// whole message is fetched with RETR, otherwise the header and the first
// maxLines body lines with TOP. estimatedSize drives progress reporting.
func (c *Client) GetMessage(idx int, maxLines uint32, estimatedSize int) ([]byte, error) {
	op, cmd := OpRetr, fmt.Sprintf("RETR %d", idx+1)
	if maxLines != MaxLines {
		op, cmd = OpTop, fmt.Sprintf("TOP %d %d", idx+1, maxLines)
	}
	if err := c.checkIndex(op, idx); err != nil {
		return nil, err
	}
	if _, err := c.command(op, cmd); err != nil {
		return nil, err
	}

	progress := c.cb != nil && estimatedSize > progressThreshold
	if progress {
		c.cb.SetRange(0, estimatedSize)
	}
	content, err := c.readMultiLine(op, estimatedSize, func(n int) {
		if progress {
			c.cb.SetPos(n)
		}
	})
	if err != nil {
		return nil, err
	}
	metrics.BytesReceived.Add(float64(len(content)))
	return content, nil
}

// GetMessageSize returns the size of message idx with LIST n.
func (c *Client) GetMessageSize(idx int) (int, error) {
	if err := c.checkIndex(OpList, idx); err != nil {
		return 0, err
	}
	line, err := c.command(OpList, fmt.Sprintf("LIST %d", idx+1))
	if err != nil {
		return 0, err
	}
	_, value, ok := parseListing(line)
	if !ok {
		return 0, c.fail(&Error{Op: OpList, Kind: KindParse, Response: line})
	}
	size, err := strconv.Atoi(value)
	if err != nil {
		return 0, c.fail(&Error{Op: OpList, Kind: KindParse, Response: line, Err: err})
	}
	return size, nil
}

// GetMessageSizes returns the sizes of all messages with LIST.
func (c *Client) GetMessageSizes() ([]int, error) {
	listing, err := c.listing(OpList, "LIST")
	if err != nil {
		return nil, err
	}
	sizes := make([]int, len(listing))
	for i, v := range listing {
		size, err := strconv.Atoi(v)
		if err != nil {
			return nil, c.fail(&Error{Op: OpList, Kind: KindParse, Response: v, Err: err})
		}
		sizes[i] = size
	}
	return sizes, nil
}

// GetUID returns the unique id of message idx with UIDL n.
func (c *Client) GetUID(idx int) (string, error) {
	if err := c.checkIndex(OpUIDL, idx); err != nil {
		return "", err
	}
	line, err := c.command(OpUIDL, fmt.Sprintf("UIDL %d", idx+1))
	if err != nil {
		return "", err
	}
	_, uid, ok := parseListing(line)
	if !ok {
		return "", c.fail(&Error{Op: OpUIDL, Kind: KindParse, Response: line})
	}
	return uid, nil
}

// GetUIDs returns the unique ids of all messages with UIDL.
func (c *Client) GetUIDs() ([]string, error) {
	return c.listing(OpUIDL, "UIDL")
}

// DeleteMessage marks message idx as deleted with DELE n.
func (c *Client) DeleteMessage(idx int) error {
	if err := c.checkIndex(OpDele, idx); err != nil {
		return err
	}
	_, err := c.command(OpDele, fmt.Sprintf("DELE %d", idx+1))
	return err
}

// Noop sends NOOP.
func (c *Client) Noop() error {
	_, err := c.command(OpNoop, "NOOP")
	return err
}

// SendMessage submits msg with the XTND XMIT extension.
func (c *Client) SendMessage(msg []byte) error {
	if _, err := c.command(OpXtndXmit, "XTND XMIT"); err != nil {
		return err
	}
	if err := c.write(OpXtndXmit, dotStuff(msg)); err != nil {
		return err
	}
	_, err := c.readResponse(OpXtndXmit)
	return err
}

// LastError returns the error of the last failed operation, nil after a
// successful Connect.
func (c *Client) LastError() *Error {
	return c.lastErr
}

// LastErrorResponse returns the server response of the last failed
// operation, if any.
func (c *Client) LastErrorResponse() string {
	if c.lastErr == nil {
		return ""
	}
	return c.lastErr.Response
}

func (c *Client) fail(err *Error) *Error {
	c.lastErr = err
	if c.opts.Trace {
		logger.Debug("POP3: operation failed", "op", err.Op.String(), "kind", err.Kind.String(), "error", err)
	}
	return err
}

func (c *Client) checkIndex(op Operation, idx int) error {
	if idx < 0 || idx >= c.count {
		return c.fail(newError(op, KindOther, consts.ErrNoSuchMessage))
	}
	return nil
}

// command sends a single command line and reads the status line.
func (c *Client) command(op Operation, line string) (string, error) {
	if c.opts.Trace {
		verb, _, _ := strings.Cut(line, " ")
		logger.Debug("POP3: >> " + helpers.MaskSensitive(line, verb, "PASS", "APOP", "AUTH"))
	}
	metrics.CommandsTotal.WithLabelValues(op.String()).Inc()
	if err := c.write(op, []byte(line+"\r\n")); err != nil {
		return "", err
	}
	return c.readResponse(op)
}

func (c *Client) write(op Operation, p []byte) error {
	if c.conn == nil {
		return c.fail(newError(op, KindInvalidSocket, consts.ErrNotConnected))
	}
	if err := c.arm(); err != nil {
		return c.fail(newError(op, KindSelect, err))
	}
	if _, err := c.conn.Write(p); err != nil {
		return c.fail(transportError(op, KindSend, err))
	}
	return nil
}

func (c *Client) arm() error {
	if c.opts.Timeout <= 0 {
		return nil
	}
	return c.conn.SetDeadline(time.Now().Add(c.opts.Timeout))
}

// readResponse reads one status line. It returns the text after +OK.
func (c *Client) readResponse(op Operation) (string, error) {
	if c.conn == nil {
		return "", c.fail(newError(op, KindInvalidSocket, consts.ErrNotConnected))
	}
	if err := c.arm(); err != nil {
		return "", c.fail(newError(op, KindSelect, err))
	}
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", c.fail(receiveError(op, err))
	}
	line = strings.TrimRight(line, "\r\n")
	if c.opts.Trace {
		logger.Debug("POP3: << " + line)
	}

	if line == "+OK" || strings.HasPrefix(line, "+OK ") {
		return strings.TrimPrefix(strings.TrimPrefix(line, "+OK"), " "), nil
	}
	return "", c.fail(&Error{Op: op, Kind: KindResponse, Response: line})
}

// receiveError classifies a failed read; the server closing the connection
// is KindDisconnect.
func receiveError(op Operation, err error) *Error {
	if errors.Is(err, io.EOF) {
		return newError(op, KindDisconnect, err)
	}
	return transportError(op, KindReceive, err)
}

// readMultiLine reads a dot-terminated payload and returns it unescaped.
func (c *Client) readMultiLine(op Operation, sizeHint int, progress func(int)) ([]byte, error) {
	u := newUnstuffer()
	buf := make([]byte, 0, max(sizeHint, 512))
	received := 0

	for !u.done() {
		if err := c.arm(); err != nil {
			return nil, c.fail(newError(op, KindSelect, err))
		}
		if _, err := c.r.Peek(1); err != nil {
			return nil, c.fail(receiveError(op, err))
		}
		chunk, _ := c.r.Peek(c.r.Buffered())
		var n int
		buf, n = u.feed(buf, chunk)
		if _, err := c.r.Discard(n); err != nil {
			return nil, c.fail(transportError(op, KindReceive, err))
		}
		received += n
		if progress != nil {
			progress(received)
		}
	}
	return buf, nil
}

// listing issues a multi-line LIST or UIDL and returns the second column,
// ordered by message number.
func (c *Client) listing(op Operation, cmd string) ([]string, error) {
	if _, err := c.command(op, cmd); err != nil {
		return nil, err
	}
	payload, err := c.readMultiLine(op, 0, nil)
	if err != nil {
		return nil, err
	}

	values := make([]string, c.count)
	seen := 0
	for _, line := range strings.Split(string(payload), "\r\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		num, value, ok := parseListing(line)
		if !ok || num < 1 || num > c.count {
			return nil, c.fail(&Error{Op: op, Kind: KindParse, Response: line})
		}
		values[num-1] = value
		seen++
	}
	if seen != c.count {
		return nil, c.fail(&Error{Op: op, Kind: KindParse, Response: fmt.Sprintf("%d of %d entries listed", seen, c.count)})
	}
	return values, nil
}

// parseListing splits "n value" tolerating trailing whitespace.
func parseListing(line string) (int, string, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, "", false
	}
	num, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, "", false
	}
	return num, fields[1], true
}
