package pop3

import "bytes"

type scanState uint8

const (
	stateNone   scanState = iota
	stateCR1              // CR seen, held back
	stateLF1              // at the start of a line
	statePeriod           // leading period seen, held back
	stateCR2              // ".\r" seen, held back
	stateLF2              // terminator complete
)

// unstuffer removes the byte stuffing of a multi-line response and detects the
// terminating ".\r\n" line. Input may be fed in arbitrary chunks.
type unstuffer struct {
	state scanState
}

func newUnstuffer() *unstuffer {
	return &unstuffer{state: stateLF1}
}

func (u *unstuffer) done() bool {
	return u.state == stateLF2
}

// feed appends the unescaped payload of p to dst. It returns the extended
// buffer and the number of bytes of p consumed, which is less than len(p) only
// when the terminator was reached.
func (u *unstuffer) feed(dst, p []byte) ([]byte, int) {
	for i := 0; i < len(p); i++ {
		if u.state == stateLF2 {
			return dst, i
		}
		c := p[i]
		switch u.state {
		case stateNone:
			if c == '\r' {
				u.state = stateCR1
			} else {
				dst = append(dst, c)
			}
		case stateCR1:
			switch c {
			case '\n':
				dst = append(dst, '\r', '\n')
				u.state = stateLF1
			case '\r':
				dst = append(dst, '\r')
			default:
				dst = append(dst, '\r', c)
				u.state = stateNone
			}
		case stateLF1:
			switch c {
			case '.':
				u.state = statePeriod
			case '\r':
				u.state = stateCR1
			default:
				dst = append(dst, c)
				u.state = stateNone
			}
		case statePeriod:
			switch c {
			case '.':
				dst = append(dst, '.')
				u.state = stateNone
			case '\r':
				u.state = stateCR2
			default:
				dst = append(dst, '.', c)
				u.state = stateNone
			}
		case stateCR2:
			if c == '\n' {
				u.state = stateLF2
				continue
			}
			dst = append(dst, '.', '\r')
			if c == '\r' {
				u.state = stateCR1
			} else {
				dst = append(dst, c)
				u.state = stateNone
			}
		}
	}
	return dst, len(p)
}

// dotStuff escapes msg for transmission as a multi-line payload and appends
// the terminating line.
func dotStuff(msg []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(msg) + len(msg)/64 + 5)

	if len(msg) > 0 && msg[0] == '.' {
		buf.WriteByte('.')
	}
	for i, c := range msg {
		buf.WriteByte(c)
		if c == '\n' && i > 0 && msg[i-1] == '\r' && i+1 < len(msg) && msg[i+1] == '.' {
			buf.WriteByte('.')
		}
	}

	if bytes.HasSuffix(msg, []byte("\r\n")) {
		buf.WriteString(".\r\n")
	} else {
		buf.WriteString("\r\n.\r\n")
	}
	return buf.Bytes()
}
