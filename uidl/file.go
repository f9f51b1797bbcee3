package uidl

import (
	"bufio"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/migadu/popsync/helpers"
	"github.com/migadu/popsync/logger"
)

type xmlUID struct {
	Flags *string `xml:"flags,attr"`
	Date  *string `xml:"date,attr"`
	Value string  `xml:",chardata"`
}

type xmlDocument struct {
	XMLName xml.Name `xml:"uidl"`
	UIDs    []xmlUID `xml:"uid"`
}

// Load reads the list stored at path. A missing file yields an empty list.
func Load(path string) (*List, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewList(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open uid list: %w", err)
	}
	defer f.Close()

	var doc xmlDocument
	if err := xml.NewDecoder(bufio.NewReader(f)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse uid list %s: %w", path, err)
	}

	l := NewList()
	for i, x := range doc.UIDs {
		if x.Flags == nil || x.Date == nil {
			return nil, fmt.Errorf("uid list %s: entry %d lacks flags or date", path, i+1)
		}
		flags, err := strconv.ParseUint(*x.Flags, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("uid list %s: entry %d: invalid flags %q", path, i+1, *x.Flags)
		}
		date, err := ParseDate(*x.Date)
		if err != nil {
			return nil, fmt.Errorf("uid list %s: entry %d: %w", path, i+1, err)
		}
		l.slots = append(l.slots, slot{state: slotLive, uid: New(x.Value, Flags(flags), date)})
	}
	return l, nil
}

// Save writes the list to path if it has unsaved changes. The file is
// replaced atomically.
func (l *List) Save(path string) error {
	if !l.modified {
		return nil
	}

	doc := xmlDocument{UIDs: make([]xmlUID, 0, len(l.slots))}
	for _, s := range l.slots {
		if s.state != slotLive {
			continue
		}
		flags := strconv.FormatUint(uint64(s.uid.flags), 10)
		date := s.uid.date.String()
		doc.UIDs = append(doc.UIDs, xmlUID{
			Flags: &flags,
			Date:  &date,
			Value: helpers.SanitizeUTF8(s.uid.uid),
		})
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".uidl-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	w := bufio.NewWriter(tmp)
	w.WriteString(xml.Header)
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode uid list: %w", err)
	}
	w.WriteString("\n")
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write uid list: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync uid list: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close uid list: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to replace uid list: %w", err)
	}

	l.modified = false
	return nil
}

// Saver persists a list exactly once, typically deferred right after the
// list is loaded so that every exit path saves it.
type Saver struct {
	list    *List
	path    string
	onError func(error)
	done    bool
}

// NewSaver binds a list to its file. onError, if set, receives save failures.
func NewSaver(list *List, path string, onError func(error)) *Saver {
	return &Saver{list: list, path: path, onError: onError}
}

// Save writes the list on the first call and does nothing afterwards.
func (s *Saver) Save() error {
	if s.done || s.list == nil {
		return nil
	}
	s.done = true

	if err := s.list.Save(s.path); err != nil {
		logger.Error("Failed to save uid list", "path", s.path, "error", err)
		if s.onError != nil {
			s.onError(err)
		}
		return err
	}
	return nil
}
