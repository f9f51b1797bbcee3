package pop3

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/migadu/popsync/consts"
	"github.com/migadu/popsync/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCallback struct {
	mu             sync.Mutex
	user, password string
	savedPassword  string
	authenticating int
	rangeMax       int
	positions      []int
}

func (cb *testCallback) GetUserInfo() (string, string, error) {
	if cb.user == "" {
		return "", "", errors.New("no user configured")
	}
	return cb.user, cb.password, nil
}

func (cb *testCallback) SetPassword(password string) { cb.savedPassword = password }
func (cb *testCallback) Authenticating()             { cb.authenticating++ }

func (cb *testCallback) SetRange(min, max int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.rangeMax = max
}

func (cb *testCallback) SetPos(pos int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.positions = append(cb.positions, pos)
}

const (
	msgOne = "From: a@example.com\r\nSubject: one\r\n\r\nfirst line\r\n.dotted line\r\nlast line\r\n"
	msgTwo = "From: b@example.com\r\nSubject: two\r\n\r\nhello\r\n"
)

func newTestServer(t *testing.T) *testutils.POP3Server {
	srv := testutils.NewPOP3Server(t, "alice", "tanstaaf")
	srv.AddMessage("uid-1", msgOne)
	srv.AddMessage("uid-2", msgTwo)
	return srv
}

func connect(t *testing.T, srv *testutils.POP3Server, auth AuthMode) (*Client, *testCallback) {
	t.Helper()
	cb := &testCallback{user: "alice", password: "tanstaaf"}
	c := New(Options{Timeout: 5 * time.Second, Trace: true}, cb)
	require.NoError(t, c.Connect(context.Background(), srv.Host(), srv.Port(), auth, SecurityNone))
	return c, cb
}

func TestConnectUserPass(t *testing.T) {
	srv := newTestServer(t)
	c, cb := connect(t, srv, AuthUser)
	defer c.Disconnect()

	assert.Equal(t, 2, c.MessageCount())
	assert.Nil(t, c.LastError())
	assert.Equal(t, "tanstaaf", cb.savedPassword)
	assert.Equal(t, 1, cb.authenticating)
	assert.Equal(t, []string{"USER alice", "PASS tanstaaf", "STAT"}, srv.Commands())
}

func TestConnectAPOP(t *testing.T) {
	srv := newTestServer(t)
	c, _ := connect(t, srv, AuthAPOP)
	defer c.Disconnect()

	assert.Equal(t, []string{"APOP alice c4c9334bac560ecc979e58001b3e22fb"}, srv.CommandsWithPrefix("APOP"))
	assert.Empty(t, srv.CommandsWithPrefix("PASS"))
}

func TestConnectAPOPWithoutChallenge(t *testing.T) {
	srv := newTestServer(t)
	srv.Greeting = "+OK POP3 ready"

	c := New(Options{Timeout: 5 * time.Second}, &testCallback{user: "alice", password: "tanstaaf"})
	err := c.Connect(context.Background(), srv.Host(), srv.Port(), AuthAPOP, SecurityNone)
	require.Error(t, err)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, OpAPOP, perr.Op)
	assert.Equal(t, KindGenerateDigest, perr.Kind)
	assert.Same(t, perr, c.LastError())

	require.NoError(t, c.Disconnect())
	assert.Equal(t, []string{"QUIT"}, srv.Commands(), "the connection is still usable")
}

func TestConnectAuthPlain(t *testing.T) {
	srv := newTestServer(t)
	c, _ := connect(t, srv, AuthPlain)
	defer c.Disconnect()

	assert.Equal(t, []string{"AUTH PLAIN AGFsaWNlAHRhbnN0YWFm"}, srv.CommandsWithPrefix("AUTH"))
	assert.Equal(t, 2, c.MessageCount())
}

func TestConnectWrongPassword(t *testing.T) {
	srv := newTestServer(t)
	c := New(Options{Timeout: 5 * time.Second}, &testCallback{user: "alice", password: "wrong"})
	err := c.Connect(context.Background(), srv.Host(), srv.Port(), AuthUser, SecurityNone)
	require.Error(t, err)

	assert.True(t, IsAuthFailure(err))
	assert.Equal(t, OpPass, c.LastError().Op)
	assert.Equal(t, "-ERR [AUTH] Authentication failed", c.LastErrorResponse())
	c.Disconnect()
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	c := New(Options{Timeout: time.Second}, &testCallback{user: "alice"})
	err = c.Connect(context.Background(), "127.0.0.1", port, AuthUser, SecurityNone)
	require.Error(t, err)
	assert.Equal(t, OpGreeting, c.LastError().Op)
	assert.Equal(t, KindConnect, c.LastError().Kind)
	assert.NoError(t, c.Disconnect())
}

func TestGreetingTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		time.Sleep(time.Second)
		conn.Close()
	}()

	c := New(Options{Timeout: 100 * time.Millisecond}, &testCallback{user: "alice"})
	err = c.Connect(context.Background(), "127.0.0.1", ln.Addr().(*net.TCPAddr).Port, AuthUser, SecurityNone)
	require.Error(t, err)
	assert.Equal(t, OpGreeting, c.LastError().Op)
	assert.Equal(t, KindTimeout, c.LastError().Kind)
	c.Disconnect()
}

func TestConnectionClosedInsidePayload(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		conn.Write([]byte("+OK ready\r\n"))
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			switch strings.ToUpper(strings.Fields(line)[0]) {
			case "STAT":
				conn.Write([]byte("+OK 1 120\r\n"))
			case "RETR":
				conn.Write([]byte("+OK\r\nFrom: a@example.com\r\nSubject: cut\r\n"))
				return
			default:
				conn.Write([]byte("+OK\r\n"))
			}
		}
	}()

	c := New(Options{Timeout: time.Second}, &testCallback{user: "alice", password: "secret"})
	require.NoError(t, c.Connect(context.Background(), "127.0.0.1", ln.Addr().(*net.TCPAddr).Port, AuthUser, SecurityNone))

	_, err = c.GetMessage(0, MaxLines, 120)
	require.Error(t, err)
	assert.Equal(t, OpRetr, c.LastError().Op)
	assert.Equal(t, KindDisconnect, c.LastError().Kind)
	assert.True(t, c.LastError().Kind.IsTransport())
	assert.NoError(t, c.Disconnect())
}

func TestListings(t *testing.T) {
	srv := newTestServer(t)
	c, _ := connect(t, srv, AuthUser)
	defer c.Disconnect()

	uids, err := c.GetUIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"uid-1", "uid-2"}, uids)

	sizes, err := c.GetMessageSizes()
	require.NoError(t, err)
	assert.Equal(t, []int{len(msgOne), len(msgTwo)}, sizes)

	uid, err := c.GetUID(1)
	require.NoError(t, err)
	assert.Equal(t, "uid-2", uid)

	size, err := c.GetMessageSize(0)
	require.NoError(t, err)
	assert.Equal(t, len(msgOne), size)

	assert.Contains(t, srv.Commands(), "UIDL 2")
	assert.Contains(t, srv.Commands(), "LIST 1")
}

func TestParseListingTrailingWhitespace(t *testing.T) {
	num, value, ok := parseListing("3 1234  \t")
	assert.True(t, ok)
	assert.Equal(t, 3, num)
	assert.Equal(t, "1234", value)

	_, _, ok = parseListing("3")
	assert.False(t, ok)
	_, _, ok = parseListing("x 12")
	assert.False(t, ok)
}

func TestGetMessage(t *testing.T) {
	srv := newTestServer(t)
	c, _ := connect(t, srv, AuthUser)
	defer c.Disconnect()

	content, err := c.GetMessage(0, MaxLines, len(msgOne))
	require.NoError(t, err)
	assert.Equal(t, msgOne, string(content))

	header, err := c.GetMessage(0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "From: a@example.com\r\nSubject: one\r\n\r\n", string(header))

	partial, err := c.GetMessage(0, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, "From: a@example.com\r\nSubject: one\r\n\r\nfirst line\r\n.dotted line\r\n", string(partial))

	assert.Equal(t, []string{"RETR 1"}, srv.CommandsWithPrefix("RETR"))
	assert.Equal(t, []string{"TOP 1 0", "TOP 1 2"}, srv.CommandsWithPrefix("TOP"))

	// The stream stays in sync after multi-line responses.
	require.NoError(t, c.Noop())
}

func TestGetMessageOutOfRange(t *testing.T) {
	srv := newTestServer(t)
	c, _ := connect(t, srv, AuthUser)
	defer c.Disconnect()

	_, err := c.GetMessage(2, MaxLines, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, consts.ErrNoSuchMessage)
	assert.Equal(t, KindOther, c.LastError().Kind)
	assert.Equal(t, OpRetr, c.LastError().Op)
	assert.Empty(t, srv.CommandsWithPrefix("RETR"))

	assert.ErrorIs(t, c.DeleteMessage(-1), consts.ErrNoSuchMessage)
}

func TestGetMessageProgress(t *testing.T) {
	srv := testutils.NewPOP3Server(t, "alice", "tanstaaf")
	big := "Subject: big\r\n\r\n" + strings.Repeat("0123456789abcdefghijklmnopqrstuvwxyz\r\n", 1000)
	srv.AddMessage("big", big)

	c, cb := connect(t, srv, AuthUser)
	defer c.Disconnect()

	content, err := c.GetMessage(0, MaxLines, len(big))
	require.NoError(t, err)
	assert.Equal(t, big, string(content))

	cb.mu.Lock()
	defer cb.mu.Unlock()
	assert.Equal(t, len(big), cb.rangeMax)
	require.NotEmpty(t, cb.positions)
	assert.Equal(t, len(big)+len(".\r\n"), cb.positions[len(cb.positions)-1])
}

func TestDeleteMessageCommitsOnQuit(t *testing.T) {
	srv := newTestServer(t)
	c, _ := connect(t, srv, AuthUser)

	require.NoError(t, c.DeleteMessage(0))
	assert.Len(t, srv.Messages(), 2, "deletion is pending until QUIT")

	require.NoError(t, c.Disconnect())
	assert.Equal(t, []string{"uid-2"}, srv.UIDs())
}

func TestServerErrorResponse(t *testing.T) {
	srv := newTestServer(t)
	srv.FailCommand("DELE", "-ERR message locked")
	c, _ := connect(t, srv, AuthUser)

	err := c.DeleteMessage(1)
	require.Error(t, err)
	assert.True(t, IsResponse(err))
	assert.Equal(t, "-ERR message locked", c.LastErrorResponse())

	require.NoError(t, c.Disconnect())
	assert.Len(t, srv.CommandsWithPrefix("QUIT"), 1, "QUIT is sent after a protocol error")
}

func TestDisconnectSkipsQuitAfterTransportError(t *testing.T) {
	srv := newTestServer(t)
	srv.DropOnCommand("NOOP")
	c, _ := connect(t, srv, AuthUser)

	err := c.Noop()
	require.Error(t, err)
	assert.True(t, c.LastError().Kind.IsTransport())

	assert.NoError(t, c.Disconnect())
	assert.Empty(t, srv.CommandsWithPrefix("QUIT"))
}

func TestSendMessage(t *testing.T) {
	srv := newTestServer(t)
	c, _ := connect(t, srv, AuthUser)
	defer c.Disconnect()

	msg := ".first\r\nSubject: sent\r\n\r\n.\r\n..\r\nbody\r\n"
	require.NoError(t, c.SendMessage([]byte(msg)))

	sent := srv.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, msg, string(sent[0]))
	assert.Contains(t, srv.Commands(), "XTND XMIT")
}

func TestOperationsRequireConnection(t *testing.T) {
	c := New(Options{}, &testCallback{})
	err := c.Noop()
	require.Error(t, err)
	assert.ErrorIs(t, err, consts.ErrNotConnected)
	assert.Equal(t, KindInvalidSocket, c.LastError().Kind)
}
