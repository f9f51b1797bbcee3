package syncfilter

import (
	"context"
	"errors"
	"testing"

	"github.com/emersion/go-message/textproto"
	"github.com/migadu/popsync/config"
	"github.com/migadu/popsync/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessage struct {
	uid        string
	size       int
	content    string
	headerErr  error
	headerHits int
	bodyHits   int
}

func (m *fakeMessage) UID() string { return m.uid }
func (m *fakeMessage) Size() int   { return m.size }

func (m *fakeMessage) Header(ctx context.Context) (textproto.Header, error) {
	m.headerHits++
	if m.headerErr != nil {
		return textproto.Header{}, m.headerErr
	}
	return helpers.ReadHeader([]byte(m.content))
}

func (m *fakeMessage) Content(ctx context.Context) ([]byte, error) {
	m.bodyHits++
	return []byte(m.content), nil
}

func TestParseAction(t *testing.T) {
	tests := []struct {
		in      string
		want    Action
		wantErr bool
	}{
		{"download", Action{Type: ActionDownload, Lines: AllLines}, false},
		{"download line=20", Action{Type: ActionDownload, Lines: 20}, false},
		{"Download LINE=0", Action{Type: ActionDownload, Lines: 0}, false},
		{"ignore", Action{Type: ActionIgnore}, false},
		{"delete", Action{Type: ActionDelete}, false},
		{"", Action{}, true},
		{"forward", Action{}, true},
		{"download line=x", Action{}, true},
		{"download line=-1", Action{}, true},
		{"ignore line=3", Action{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAction(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildRejectsInvalidFilters(t *testing.T) {
	tests := []struct {
		name   string
		filter config.SyncFilterConfig
	}{
		{"no actions", config.SyncFilterConfig{Name: "a"}},
		{"bad regexp", config.SyncFilterConfig{Header: "Subject", Match: "(", Actions: []string{"ignore"}}},
		{"match without header", config.SyncFilterConfig{Contains: "x", Actions: []string{"ignore"}}},
		{"bad action", config.SyncFilterConfig{Actions: []string{"bounce"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(config.SyncFilterSetConfig{Name: "set", Filters: []config.SyncFilterConfig{tt.filter}})
			assert.Error(t, err)
		})
	}
}

func TestGetFilterFirstMatchWins(t *testing.T) {
	set, err := Build(config.SyncFilterSetConfig{
		Name: "default",
		Filters: []config.SyncFilterConfig{
			{Name: "big", SizeOver: 1000, Actions: []string{"download line=10"}},
			{Name: "spam", Header: "Subject", Match: `(?i)\[spam\]`, Actions: []string{"delete"}},
			{Name: "news", Header: "From", Contains: "NEWS@", Actions: []string{"ignore"}},
			{Name: "rest", Actions: []string{"download"}},
		},
	})
	require.NoError(t, err)
	ctx := context.Background()

	big := &fakeMessage{size: 5000, content: "Subject: [SPAM] x\r\n\r\n"}
	f, err := set.GetFilter(ctx, big)
	require.NoError(t, err)
	assert.Equal(t, "big", f.Name)
	assert.Equal(t, 10, f.Actions[0].Lines)
	assert.Zero(t, big.headerHits, "size conditions need no header")

	spam := &fakeMessage{size: 10, content: "Subject: [Spam] x\r\n\r\n"}
	f, err = set.GetFilter(ctx, spam)
	require.NoError(t, err)
	assert.Equal(t, "spam", f.Name)
	assert.Equal(t, ActionDelete, f.Actions[0].Type)

	news := &fakeMessage{size: 10, content: "From: news@example.com\r\nSubject: hi\r\n\r\n"}
	f, err = set.GetFilter(ctx, news)
	require.NoError(t, err)
	assert.Equal(t, "news", f.Name)

	plain := &fakeMessage{size: 10, content: "Subject: hi\r\n\r\n"}
	f, err = set.GetFilter(ctx, plain)
	require.NoError(t, err)
	assert.Equal(t, "rest", f.Name)
	assert.Zero(t, plain.bodyHits)
}

func TestGetFilterBodyAndEncodedHeader(t *testing.T) {
	set, err := Build(config.SyncFilterSetConfig{
		Filters: []config.SyncFilterConfig{
			{Header: "Subject", Contains: "café", Actions: []string{"ignore"}},
			{BodyContains: "unsubscribe", Actions: []string{"delete"}},
		},
	})
	require.NoError(t, err)
	ctx := context.Background()

	encoded := &fakeMessage{content: "Subject: =?utf-8?q?caf=C3=A9?=\r\n\r\nbody\r\n"}
	f, err := set.GetFilter(ctx, encoded)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, ActionIgnore, f.Actions[0].Type)

	html := &fakeMessage{content: "Content-Type: text/html\r\n\r\n<p>Click to <b>Unsubscribe</b></p>\r\n"}
	f, err = set.GetFilter(ctx, html)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, ActionDelete, f.Actions[0].Type)
	assert.Equal(t, 1, html.bodyHits)

	none := &fakeMessage{content: "Subject: hello\r\n\r\nbody\r\n"}
	f, err = set.GetFilter(ctx, none)
	require.NoError(t, err)
	assert.Nil(t, f)
}

func TestGetFilterPropagatesErrors(t *testing.T) {
	set, err := Build(config.SyncFilterSetConfig{
		Filters: []config.SyncFilterConfig{{Header: "Subject", Contains: "x", Actions: []string{"ignore"}}},
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = set.GetFilter(context.Background(), &fakeMessage{headerErr: boom})
	assert.ErrorIs(t, err, boom)
}

func TestNilFilterSet(t *testing.T) {
	var set *FilterSet
	f, err := set.GetFilter(context.Background(), &fakeMessage{})
	require.NoError(t, err)
	assert.Nil(t, f)
}
