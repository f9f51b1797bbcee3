// Package uidl tracks which POP3 messages a sub-account has already seen.
//
// A List mirrors the server's message order as of the last synchronization:
// slot i of the list describes server message i. Each record carries the
// server-assigned UID, a partial-download flag and the date it was last
// touched. Lists are persisted as a small XML document:
//
//	<uidl>
//	  <uid flags="0" date="2024-03-01">server-assigned-uid</uid>
//	</uidl>
package uidl

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Flags describe how much of a message was downloaded.
type Flags uint

const (
	FlagNone    Flags = 0
	FlagPartial Flags = 1 // Only the header or a capped number of lines was fetched
)

// Date is a calendar day in local time.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the day of t.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(s string) (Date, error) {
	t, err := time.ParseInLocation(time.DateOnly, s, time.Local)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// Time returns midnight of the day in local time.
func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.Local)
}

// UID is the record of one server message.
type UID struct {
	uid   string
	flags Flags
	date  Date
}

// New creates a record.
func New(uid string, flags Flags, date Date) *UID {
	return &UID{uid: uid, flags: flags, date: date}
}

func (u *UID) UID() string {
	return u.uid
}

func (u *UID) Flags() Flags {
	return u.flags
}

func (u *UID) Date() Date {
	return u.date
}

func (u *UID) IsPartial() bool {
	return u.flags&FlagPartial != 0
}

func (u *UID) SetFlags(flags Flags) {
	u.flags = flags
}

func (u *UID) SetDate(date Date) {
	u.date = date
}

// PathFor returns the file holding the list of a sub-account.
func PathFor(accountDir, identity string) string {
	if identity == "" {
		return filepath.Join(accountDir, "uidl.xml")
	}
	safe := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, identity)
	return filepath.Join(accountDir, "uidl_"+safe+".xml")
}
