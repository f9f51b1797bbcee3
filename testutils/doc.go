// Package testutils provides testing utilities for popsync.
//
// Key components:
//   - POP3Server: an in-memory POP3 server listening on the loopback
//     interface, with a recorded command log and failure injection
//
// Example usage:
//
//	import "github.com/migadu/popsync/testutils"
//
//	func TestMyFunction(t *testing.T) {
//		srv := testutils.NewPOP3Server(t, "alice", "secret")
//		srv.AddMessage("uid-1", "Subject: hello\r\n\r\nbody\r\n")
//		// Connect a pop3.Client to srv.Host(), srv.Port()...
//	}
package testutils
