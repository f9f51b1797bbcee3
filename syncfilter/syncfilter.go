// Package syncfilter decides per server message what a synchronization pass
// does with it: download it (optionally capped to a number of body lines),
// ignore it or delete it from the server.
//
// Conditions are evaluated lazily through a Callback so that the message
// header or content is only fetched when a filter actually looks at it.
package syncfilter

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"
	"github.com/migadu/popsync/config"
	"github.com/migadu/popsync/helpers"
)

// ActionType is the kind of a filter action.
type ActionType int

const (
	ActionDownload ActionType = iota
	ActionIgnore
	ActionDelete
)

func (t ActionType) String() string {
	switch t {
	case ActionDownload:
		return "download"
	case ActionIgnore:
		return "ignore"
	case ActionDelete:
		return "delete"
	}
	return "unknown"
}

// AllLines requests the whole message.
const AllLines = -1

// Action is one parsed filter action.
type Action struct {
	Type  ActionType
	Lines int // download only, AllLines unless line=N was given
}

// ParseAction parses "download", "download line=N", "ignore" or "delete".
func ParseAction(s string) (Action, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return Action{}, fmt.Errorf("empty action")
	}

	var a Action
	switch strings.ToLower(fields[0]) {
	case "download":
		a = Action{Type: ActionDownload, Lines: AllLines}
	case "ignore":
		a = Action{Type: ActionIgnore}
	case "delete":
		a = Action{Type: ActionDelete}
	default:
		return Action{}, fmt.Errorf("unknown action %q", fields[0])
	}

	for _, param := range fields[1:] {
		name, value, ok := strings.Cut(param, "=")
		if !ok || a.Type != ActionDownload || !strings.EqualFold(name, "line") {
			return Action{}, fmt.Errorf("invalid parameter %q for action %s", param, a.Type)
		}
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return Action{}, fmt.Errorf("invalid line count %q", value)
		}
		a.Lines = n
	}
	return a, nil
}

// Callback gives a filter access to the message being evaluated.
type Callback interface {
	UID() string
	Size() int
	Header(ctx context.Context) (textproto.Header, error)
	Content(ctx context.Context) ([]byte, error)
}

// Filter is a condition with the actions taken when it matches.
type Filter struct {
	Name    string
	Actions []Action

	header       string
	match        *regexp.Regexp
	contains     string
	sizeOver     int
	bodyContains string
}

// Matches evaluates the conditions of f. Conditions are checked cheapest
// first; the header and content are only requested when needed.
func (f *Filter) Matches(ctx context.Context, cb Callback) (bool, error) {
	if f.sizeOver > 0 && cb.Size() <= f.sizeOver {
		return false, nil
	}

	if f.header != "" && (f.match != nil || f.contains != "") {
		h, err := cb.Header(ctx)
		if err != nil {
			return false, err
		}
		value := headerText(h, f.header)
		if f.match != nil && !f.match.MatchString(value) {
			return false, nil
		}
		if f.contains != "" && !strings.Contains(strings.ToLower(value), f.contains) {
			return false, nil
		}
	}

	if f.bodyContains != "" {
		content, err := cb.Content(ctx)
		if err != nil {
			return false, err
		}
		text, err := helpers.ExtractText(content)
		if err != nil {
			text = string(content)
		}
		if !strings.Contains(strings.ToLower(text), f.bodyContains) {
			return false, nil
		}
	}
	return true, nil
}

// headerText returns all values of key joined by newlines, decoding encoded
// words where possible.
func headerText(h textproto.Header, key string) string {
	mh := message.Header{Header: h}
	if v, err := mh.Text(key); err == nil && len(h.Values(key)) <= 1 {
		return v
	}
	return strings.Join(h.Values(key), "\n")
}

// FilterSet is an ordered list of filters.
type FilterSet struct {
	Name    string
	Filters []*Filter
}

// GetFilter returns the first filter matching the message, or nil.
func (s *FilterSet) GetFilter(ctx context.Context, cb Callback) (*Filter, error) {
	if s == nil {
		return nil, nil
	}
	for _, f := range s.Filters {
		ok, err := f.Matches(ctx, cb)
		if err != nil {
			return nil, fmt.Errorf("filter %q: %w", f.Name, err)
		}
		if ok {
			return f, nil
		}
	}
	return nil, nil
}

// Build compiles a configured filter set.
func Build(cfg config.SyncFilterSetConfig) (*FilterSet, error) {
	set := &FilterSet{Name: cfg.Name}
	for i, fc := range cfg.Filters {
		name := fc.Name
		if name == "" {
			name = fmt.Sprintf("#%d", i+1)
		}
		if len(fc.Actions) == 0 {
			return nil, fmt.Errorf("sync filter set %q: filter %s has no actions", cfg.Name, name)
		}

		f := &Filter{
			Name:         name,
			header:       fc.Header,
			contains:     strings.ToLower(fc.Contains),
			sizeOver:     fc.SizeOver,
			bodyContains: strings.ToLower(fc.BodyContains),
		}
		if fc.Match != "" {
			re, err := regexp.Compile(fc.Match)
			if err != nil {
				return nil, fmt.Errorf("sync filter set %q: filter %s: invalid match: %w", cfg.Name, name, err)
			}
			f.match = re
		}
		if f.header == "" && (f.match != nil || f.contains != "") {
			return nil, fmt.Errorf("sync filter set %q: filter %s: match and contains require a header", cfg.Name, name)
		}
		for _, s := range fc.Actions {
			a, err := ParseAction(s)
			if err != nil {
				return nil, fmt.Errorf("sync filter set %q: filter %s: %w", cfg.Name, name, err)
			}
			f.Actions = append(f.Actions, a)
		}
		set.Filters = append(set.Filters, f)
	}
	return set, nil
}
