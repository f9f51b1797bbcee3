package pop3sync

import (
	"context"

	"github.com/emersion/go-message/textproto"
	"github.com/migadu/popsync/helpers"
	"github.com/migadu/popsync/pop3"
	"github.com/migadu/popsync/session"
)

// clientCallback forwards the callbacks of the wire client to the session
// callback. Progress within one message is reported as sub-progress.
type clientCallback struct {
	cb session.Callback
}

func (c clientCallback) GetUserInfo() (string, string, error) {
	return c.cb.GetUserInfo()
}

func (c clientCallback) SetPassword(password string) {
	c.cb.SetPassword(password)
}

func (c clientCallback) Authenticating() {
	c.cb.Authenticating()
}

func (c clientCallback) SetRange(min, max int) {
	c.cb.SetSubRange(min, max)
}

func (c clientCallback) SetPos(pos int) {
	c.cb.SetSubPos(pos)
}

// filterCallback exposes one server message to a sync filter. The header
// and content are fetched on first use and cached.
type filterCallback struct {
	client *pop3.Client
	index  int
	uid    string
	size   int

	header  *textproto.Header
	content []byte
}

func (f *filterCallback) UID() string {
	return f.uid
}

func (f *filterCallback) Size() int {
	return f.size
}

func (f *filterCallback) Header(ctx context.Context) (textproto.Header, error) {
	if f.header != nil {
		return *f.header, nil
	}
	raw := f.content
	if raw == nil {
		top, err := f.client.GetMessage(f.index, 0, 0)
		if err != nil {
			return textproto.Header{}, err
		}
		raw = top
	}
	h, err := helpers.ReadHeader(raw)
	if err != nil {
		return textproto.Header{}, err
	}
	f.header = &h
	return h, nil
}

func (f *filterCallback) Content(ctx context.Context) ([]byte, error) {
	if f.content != nil {
		return f.content, nil
	}
	content, err := f.client.GetMessage(f.index, pop3.MaxLines, f.size)
	if err != nil {
		return nil, err
	}
	f.content = content
	return content, nil
}
