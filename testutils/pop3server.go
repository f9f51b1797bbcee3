package testutils

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
)

// DefaultGreeting carries the APOP challenge of the RFC 1939 example.
const DefaultGreeting = "+OK POP3 ready <1896.697170952@dbc.mtview.ca.us>"

const pop3IdleTimeout = 30 * time.Second

// Message is one message of the served mailbox.
type Message struct {
	UID     string
	Content []byte
}

// POP3Server is an in-memory POP3 server. Deletions become visible in
// Messages only after the client issues QUIT.
type POP3Server struct {
	User     string
	Password string
	Greeting string

	ln net.Listener
	wg sync.WaitGroup

	mu       sync.Mutex
	messages []Message
	commands []string
	sent     [][]byte
	failures map[string]string
	drops    map[string]bool
	conns    map[net.Conn]struct{}
	closed   bool
}

// NewPOP3Server starts a server on a random loopback port. It is closed
// when the test ends.
func NewPOP3Server(t testing.TB, user, password string) *POP3Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	s := &POP3Server{
		User:     user,
		Password: password,
		Greeting: DefaultGreeting,
		ln:       ln,
		failures: make(map[string]string),
		drops:    make(map[string]bool),
		conns:    make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Host returns the listening address.
func (s *POP3Server) Host() string {
	return s.ln.Addr().(*net.TCPAddr).IP.String()
}

// Port returns the listening port.
func (s *POP3Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Close stops accepting connections and waits for open sessions.
func (s *POP3Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.ln.Close()
	s.wg.Wait()
}

// AddMessage appends a message to the mailbox.
func (s *POP3Server) AddMessage(uid, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, Message{UID: uid, Content: []byte(content)})
}

// SetMessages replaces the mailbox.
func (s *POP3Server) SetMessages(msgs ...Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append([]Message(nil), msgs...)
}

// Messages returns the committed mailbox.
func (s *POP3Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// UIDs returns the UIDs of the committed mailbox.
func (s *POP3Server) UIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	uids := make([]string, len(s.messages))
	for i, m := range s.messages {
		uids[i] = m.UID
	}
	return uids
}

// Commands returns every command line received so far.
func (s *POP3Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// CommandsWithPrefix returns the received command lines starting with prefix.
func (s *POP3Server) CommandsWithPrefix(prefix string) []string {
	var out []string
	for _, c := range s.Commands() {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// ResetCommands clears the command log.
func (s *POP3Server) ResetCommands() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = nil
}

// Sent returns the messages submitted with XTND XMIT.
func (s *POP3Server) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}

// FailCommand makes every command with the given verb answer with response.
func (s *POP3Server) FailCommand(verb, response string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[strings.ToUpper(verb)] = response
}

// DropOnCommand makes the server close the connection when it receives verb.
func (s *POP3Server) DropOnCommand(verb string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drops[strings.ToUpper(verb)] = true
}

func (s *POP3Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
			}()
			s.handleConnection(conn)
		}()
	}
}

type pop3Session struct {
	server        *POP3Server
	authenticated bool
	user          string
	messages      []Message
	deleted       map[int]bool
}

func (s *POP3Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	sess := &pop3Session{server: s, deleted: make(map[int]bool)}

	writer.WriteString(s.Greeting + "\r\n")
	writer.Flush()

	for {
		conn.SetReadDeadline(time.Now().Add(pop3IdleTimeout))
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		parts := strings.Fields(line)
		if len(parts) == 0 {
			writer.WriteString("-ERR Empty command\r\n")
			writer.Flush()
			continue
		}
		cmd := strings.ToUpper(parts[0])

		s.mu.Lock()
		s.commands = append(s.commands, line)
		failure, fail := s.failures[cmd]
		drop := s.drops[cmd]
		s.mu.Unlock()

		if drop {
			return
		}
		if fail {
			writer.WriteString(failure + "\r\n")
			writer.Flush()
			continue
		}

		if !sess.authenticated {
			switch cmd {
			case "USER", "PASS", "APOP", "AUTH", "QUIT", "STLS", "CAPA":
			default:
				writer.WriteString("-ERR Not authenticated\r\n")
				writer.Flush()
				continue
			}
		}

		switch cmd {
		case "CAPA":
			writer.WriteString("+OK Capability list follows\r\nUSER\r\nUIDL\r\nTOP\r\nSASL PLAIN\r\n.\r\n")

		case "STLS":
			writer.WriteString("-ERR TLS not available\r\n")

		case "USER":
			if len(parts) < 2 {
				writer.WriteString("-ERR Missing user name\r\n")
				break
			}
			sess.user = parts[1]
			writer.WriteString("+OK User accepted\r\n")

		case "PASS":
			password := strings.TrimPrefix(line, parts[0])
			password = strings.TrimPrefix(password, " ")
			if sess.user == "" || sess.user != s.User || password != s.Password {
				writer.WriteString("-ERR [AUTH] Authentication failed\r\n")
				break
			}
			sess.login()
			writer.WriteString(fmt.Sprintf("+OK %d messages\r\n", len(sess.messages)))

		case "APOP":
			if len(parts) < 3 || parts[1] != s.User || parts[2] != s.apopDigest() {
				writer.WriteString("-ERR [AUTH] Authentication failed\r\n")
				break
			}
			sess.user = parts[1]
			sess.login()
			writer.WriteString(fmt.Sprintf("+OK %d messages\r\n", len(sess.messages)))

		case "AUTH":
			if len(parts) < 3 || !strings.EqualFold(parts[1], sasl.Plain) {
				writer.WriteString("-ERR Unsupported mechanism\r\n")
				break
			}
			ir, err := base64.StdEncoding.DecodeString(parts[2])
			if err != nil {
				writer.WriteString("-ERR Invalid base64\r\n")
				break
			}
			srv := sasl.NewPlainServer(func(identity, username, password string) error {
				if username != s.User || password != s.Password {
					return fmt.Errorf("invalid credentials")
				}
				sess.user = username
				return nil
			})
			if _, _, err := srv.Next(ir); err != nil {
				writer.WriteString("-ERR [AUTH] Authentication failed\r\n")
				break
			}
			sess.login()
			writer.WriteString("+OK Authenticated\r\n")

		case "STAT":
			count, size := 0, 0
			for i, m := range sess.messages {
				if !sess.deleted[i] {
					count++
					size += len(m.Content)
				}
			}
			writer.WriteString(fmt.Sprintf("+OK %d %d\r\n", count, size))

		case "LIST", "UIDL":
			if len(parts) > 1 {
				idx, ok := sess.index(parts[1])
				if !ok {
					writer.WriteString("-ERR No such message\r\n")
					break
				}
				writer.WriteString(fmt.Sprintf("+OK %d %s\r\n", idx+1, sess.column(cmd, idx)))
				break
			}
			writer.WriteString("+OK\r\n")
			for i := range sess.messages {
				if !sess.deleted[i] {
					writer.WriteString(fmt.Sprintf("%d %s\r\n", i+1, sess.column(cmd, i)))
				}
			}
			writer.WriteString(".\r\n")

		case "RETR":
			if len(parts) < 2 {
				writer.WriteString("-ERR Missing message number\r\n")
				break
			}
			idx, ok := sess.index(parts[1])
			if !ok {
				writer.WriteString("-ERR No such message\r\n")
				break
			}
			content := sess.messages[idx].Content
			writer.WriteString(fmt.Sprintf("+OK %d octets\r\n", len(content)))
			writeMultiLine(writer, content)

		case "TOP":
			if len(parts) < 3 {
				writer.WriteString("-ERR Missing arguments\r\n")
				break
			}
			idx, ok := sess.index(parts[1])
			lines, err := strconv.Atoi(parts[2])
			if !ok || err != nil || lines < 0 {
				writer.WriteString("-ERR No such message\r\n")
				break
			}
			writer.WriteString("+OK\r\n")
			writeMultiLine(writer, topLines(sess.messages[idx].Content, lines))

		case "DELE":
			if len(parts) < 2 {
				writer.WriteString("-ERR Missing message number\r\n")
				break
			}
			idx, ok := sess.index(parts[1])
			if !ok {
				writer.WriteString("-ERR No such message\r\n")
				break
			}
			sess.deleted[idx] = true
			writer.WriteString(fmt.Sprintf("+OK Message %d deleted\r\n", idx+1))

		case "NOOP":
			writer.WriteString("+OK\r\n")

		case "RSET":
			sess.deleted = make(map[int]bool)
			writer.WriteString("+OK\r\n")

		case "XTND":
			if len(parts) < 2 || !strings.EqualFold(parts[1], "XMIT") {
				writer.WriteString("-ERR Unknown XTND command\r\n")
				break
			}
			writer.WriteString("+OK Send message, end with a single dot\r\n")
			writer.Flush()
			msg, err := readMultiLine(reader)
			if err != nil {
				return
			}
			s.mu.Lock()
			s.sent = append(s.sent, msg)
			s.mu.Unlock()
			writer.WriteString("+OK Message sent\r\n")

		case "QUIT":
			if sess.authenticated {
				sess.commit()
			}
			writer.WriteString("+OK Goodbye\r\n")
			writer.Flush()
			return

		default:
			writer.WriteString("-ERR Unknown command\r\n")
		}
		writer.Flush()
	}
}

func (s *POP3Server) apopDigest() string {
	start := strings.IndexByte(s.Greeting, '<')
	end := strings.LastIndexByte(s.Greeting, '>')
	if start < 0 || end < start {
		return ""
	}
	sum := md5.Sum([]byte(s.Greeting[start:end+1] + s.Password))
	return hex.EncodeToString(sum[:])
}

func (sess *pop3Session) login() {
	sess.authenticated = true
	sess.server.mu.Lock()
	sess.messages = append([]Message(nil), sess.server.messages...)
	sess.server.mu.Unlock()
}

// commit removes the messages deleted in this session from the mailbox.
func (sess *pop3Session) commit() {
	if len(sess.deleted) == 0 {
		return
	}
	gone := make(map[string]bool)
	for i := range sess.deleted {
		gone[sess.messages[i].UID] = true
	}
	s := sess.server
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.messages[:0]
	for _, m := range s.messages {
		if !gone[m.UID] {
			kept = append(kept, m)
		}
	}
	s.messages = kept
}

func (sess *pop3Session) index(arg string) (int, bool) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(sess.messages) || sess.deleted[n-1] {
		return 0, false
	}
	return n - 1, true
}

func (sess *pop3Session) column(cmd string, idx int) string {
	if cmd == "UIDL" {
		return sess.messages[idx].UID
	}
	return strconv.Itoa(len(sess.messages[idx].Content))
}

// writeMultiLine writes content byte-stuffed and terminated.
func writeMultiLine(w *bufio.Writer, content []byte) {
	lines := bytes.SplitAfter(content, []byte("\r\n"))
	for _, l := range lines {
		if len(l) == 0 {
			continue
		}
		if l[0] == '.' {
			w.WriteByte('.')
		}
		w.Write(l)
	}
	if len(content) > 0 && !bytes.HasSuffix(content, []byte("\r\n")) {
		w.WriteString("\r\n")
	}
	w.WriteString(".\r\n")
}

func readMultiLine(r *bufio.Reader) ([]byte, error) {
	var buf bytes.Buffer
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err == io.EOF && line == "" {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if line == ".\r\n" {
			return buf.Bytes(), nil
		}
		if strings.HasPrefix(line, ".") {
			line = line[1:]
		}
		buf.WriteString(line)
	}
}

// topLines returns the header and the first n body lines of content.
func topLines(content []byte, n int) []byte {
	sep := bytes.Index(content, []byte("\r\n\r\n"))
	if sep < 0 {
		return content
	}
	head := content[:sep+4]
	body := content[sep+4:]
	var out bytes.Buffer
	out.Write(head)
	for i := 0; i < n && len(body) > 0; i++ {
		end := bytes.Index(body, []byte("\r\n"))
		if end < 0 {
			out.Write(body)
			break
		}
		out.Write(body[:end+2])
		body = body[end+2:]
	}
	return out.Bytes()
}
