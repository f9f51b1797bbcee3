package uidl

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = Date{Year: 2024, Month: 1, Day: 1}

func listOf(uids ...string) *List {
	l := NewList()
	for _, u := range uids {
		l.Add(New(u, FlagNone, day))
	}
	return l
}

func TestIndexFromMatchesIndex(t *testing.T) {
	uids := make([]string, 40)
	for i := range uids {
		uids[i] = fmt.Sprintf("uid-%02d", i)
	}
	l := listOf(uids...)
	l.Remove(7)
	l.Remove(25)

	probes := append([]string{"missing", "uid-07", "uid-25"}, uids...)
	for hint := -2; hint <= l.Len()+2; hint++ {
		for _, uid := range probes {
			assert.Equal(t, l.Index(uid), l.IndexFrom(uid, hint), "uid %s hint %d", uid, hint)
		}
	}

	assert.Equal(t, -1, NewList().IndexFrom("x", 0))
}

func TestRemoveLeavesTombstone(t *testing.T) {
	l := listOf("A", "B", "C")
	l.SetModified(false)

	removed := l.Remove(1)
	require.NotNil(t, removed)
	assert.Equal(t, "B", removed.UID())
	assert.True(t, l.IsModified())

	assert.Equal(t, 3, l.Len())
	_, ok := l.At(1)
	assert.False(t, ok)
	assert.Nil(t, l.Remove(1), "a slot is removed only once")
	assert.Equal(t, 2, l.Index("C"), "indices are stable until compaction")
	assert.Equal(t, -1, l.Index("B"))
	assert.Equal(t, []string{"A", "C"}, l.UIDs())
}

func TestRemoveIndicesCompacts(t *testing.T) {
	l := listOf("A", "B", "C", "D", "E")
	l.Remove(0)
	l.RemoveIndices([]int{1, 3, 42})

	assert.Equal(t, 2, l.Len())
	assert.Equal(t, []string{"C", "E"}, l.UIDs())
	assert.Equal(t, 0, l.Index("C"))
	assert.Equal(t, 1, l.Index("E"))
}

func TestLast(t *testing.T) {
	_, ok := NewList().Last()
	assert.False(t, ok)

	u, ok := listOf("A", "B").Last()
	require.True(t, ok)
	assert.Equal(t, "B", u.UID())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uidl.xml")

	l := NewList()
	l.Add(New("A", FlagNone, Date{2024, 1, 1}))
	l.Add(New("B<&>\"", FlagPartial, Date{2023, 12, 31}))
	l.Add(New("removed", FlagNone, day))
	l.Add(New("C", FlagNone, Date{2024, 3, 1}))
	l.Remove(2)
	require.NoError(t, l.Save(path))
	assert.False(t, l.IsModified())

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 3, loaded.Len())
	assert.False(t, loaded.IsModified())

	want := []*UID{
		New("A", FlagNone, Date{2024, 1, 1}),
		New("B<&>\"", FlagPartial, Date{2023, 12, 31}),
		New("C", FlagNone, Date{2024, 3, 1}),
	}
	for i, w := range want {
		got, ok := loaded.At(i)
		require.True(t, ok)
		assert.Equal(t, w.UID(), got.UID())
		assert.Equal(t, w.Flags(), got.Flags())
		assert.Equal(t, w.Date(), got.Date())
	}
	assert.True(t, want[1].IsPartial())
}

func TestSaveIsNoopWhenClean(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uidl.xml")
	l := listOf("A")
	l.SetModified(false)

	require.NoError(t, l.Save(path))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestLoadMissingFile(t *testing.T) {
	l, err := Load(filepath.Join(t.TempDir(), "nope.xml"))
	require.NoError(t, err)
	assert.Equal(t, 0, l.Len())
}

func TestLoadRejectsMalformedEntries(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"non-numeric flags", `<uidl><uid flags="x" date="2024-01-01">A</uid></uidl>`},
		{"malformed date", `<uidl><uid flags="0" date="2024-1-1">A</uid></uidl>`},
		{"missing flags", `<uidl><uid date="2024-01-01">A</uid></uidl>`},
		{"missing date", `<uidl><uid flags="0">A</uid></uidl>`},
		{"broken xml", `<uidl><uid flags="0" date="2024-01-01">A</uidl>`},
		{"wrong root", `<uids></uids>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "uidl.xml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0600))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadAcceptsHandWrittenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uidl.xml")
	content := "<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n<uidl>\n  <uid flags=\"1\" date=\"2024-03-01\">server-uid-1</uid>\n  <uid flags=\"0\" date=\"2024-03-02\">server-uid-2</uid>\n</uidl>\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	l, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"server-uid-1", "server-uid-2"}, l.UIDs())
	u, _ := l.At(0)
	assert.True(t, u.IsPartial())
	assert.Equal(t, "2024-03-01", u.Date().String())
}

func TestSaverSavesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "uidl.xml")
	l := listOf("A")

	var failures []error
	saver := NewSaver(l, path, func(err error) { failures = append(failures, err) })
	func() {
		defer saver.Save()
	}()
	require.FileExists(t, path)

	l.Add(New("B", FlagNone, day))
	require.NoError(t, saver.Save())
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, loaded.UIDs(), "the second call is a no-op")
	assert.Empty(t, failures)
}

func TestSaverReportsFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0600))

	var failures []error
	saver := NewSaver(listOf("A"), filepath.Join(blocker, "uidl.xml"), func(err error) { failures = append(failures, err) })
	assert.Error(t, saver.Save())
	assert.Len(t, failures, 1)
}

func TestPathFor(t *testing.T) {
	assert.Equal(t, filepath.Join("/data/home", "uidl.xml"), PathFor("/data/home", ""))
	assert.Equal(t, filepath.Join("/data/home", "uidl_work.xml"), PathFor("/data/home", "work"))
	assert.Equal(t, filepath.Join("/data/home", "uidl_a_b.xml"), PathFor("/data/home", "a/b"))
}

func TestDate(t *testing.T) {
	d, err := ParseDate("2024-02-29")
	require.NoError(t, err)
	assert.Equal(t, Date{2024, 2, 29}, d)
	assert.Equal(t, "2024-02-29", d.String())
	assert.Equal(t, d, DateOf(d.Time()))

	_, err = ParseDate("2023-02-29")
	assert.Error(t, err)
}
