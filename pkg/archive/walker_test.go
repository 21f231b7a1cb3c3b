package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type file struct {
	name string
	data []byte
}

func buildZip(t *testing.T, files ...file) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		w, err := zw.Create(f.name)
		require.NoError(t, err)
		_, err = w.Write(f.data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func csvFiles(prefix string, n int) []file {
	files := make([]file, n)
	for i := range files {
		files[i] = file{name: fmt.Sprintf("%s%03d.csv", prefix, i), data: []byte("POD\nIT001E00000001\n")}
	}
	return files
}

var csvOnly = ByExtension(".csv")

func collect(entries *[]Entry) func(Entry) {
	return func(e Entry) { *entries = append(*entries, e) }
}

func TestByExtension(t *testing.T) {
	classify := ByExtension(".csv", ".XML")

	assert.Equal(t, KindTabular, classify("dir/a.CSV"))
	assert.Equal(t, KindTabular, classify("b.xml"))
	assert.Equal(t, KindArchive, classify("nested.zip"))
	assert.Equal(t, KindIgnored, classify("readme.pdf"))
	assert.Equal(t, KindIgnored, classify("__MACOSX/a.csv"))
	assert.Equal(t, KindIgnored, classify("dir/._a.csv"))
}

func TestWalk_TabularCeiling(t *testing.T) {
	data := buildZip(t, csvFiles("f", 12)...)
	limits := DefaultLimits()
	limits.MaxTabular = 5

	var entries []Entry
	report, err := NewWalker(limits).Walk(context.Background(), "upload.zip", data, csvOnly, collect(&entries))

	require.NoError(t, err)
	assert.Equal(t, 5, report.Processed)
	assert.Equal(t, 7, report.SkippedTabular)
	require.Len(t, entries, 5)
	assert.Equal(t, "f000.csv", entries[0].Name)
	assert.Equal(t, "f004.csv", entries[4].Name)
	assert.Equal(t, "upload.zip/f004.csv", entries[4].Path)
	assert.Contains(t, report.Warnings, "archive upload.zip: processed 5 tabular files, 7 over the limit of 5 skipped")
}

func TestWalk_NestedArchiveCeiling(t *testing.T) {
	inner := buildZip(t, csvFiles("n", 500)...)
	outer := buildZip(t, file{name: "top.csv", data: []byte("POD\nIT001E00000001\n")}, file{name: "inner.zip", data: inner})
	limits := DefaultLimits()
	limits.NestedEntryLimit = 300

	var entries []Entry
	report, err := NewWalker(limits).Walk(context.Background(), "readings.zip", outer, csvOnly, collect(&entries))

	require.NoError(t, err)
	assert.Equal(t, 301, report.Processed)
	assert.Equal(t, 200, report.SkippedTabular)

	nested := 0
	for _, e := range entries {
		if e.Depth == 1 {
			nested++
		}
	}
	assert.Equal(t, 300, nested)
	assert.Contains(t, report.Warnings, "archive readings.zip/inner.zip: processed 300 tabular files, 200 over the limit of 300 skipped")
}

func TestWalk_DoesNotExpandBeyondMaxDepth(t *testing.T) {
	deepest := buildZip(t, csvFiles("d", 2)...)
	middle := buildZip(t, file{name: "m.csv", data: []byte("x")}, file{name: "deep.zip", data: deepest})
	outer := buildZip(t, file{name: "middle.zip", data: middle})

	var entries []Entry
	report, err := NewWalker(DefaultLimits()).Walk(context.Background(), "o.zip", outer, csvOnly, collect(&entries))

	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "o.zip/middle.zip/m.csv", entries[0].Path)
	assert.Equal(t, 1, report.SkippedNested)
}

func TestWalk_TimeoutSkipsRemainingMembers(t *testing.T) {
	data := buildZip(t, csvFiles("t", 10)...)
	limits := DefaultLimits()
	limits.Timeout = 3 * time.Second

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(time.Second)
		return now
	}

	var entries []Entry
	report, err := NewWalker(limits, WithClock(clock)).Walk(context.Background(), "slow.zip", data, csvOnly, collect(&entries))

	require.NoError(t, err)
	assert.True(t, report.TimedOut)
	assert.Equal(t, 3, report.Processed)
	assert.Equal(t, 7, report.SkippedTimeout)
	assert.Equal(t, 10, report.Processed+report.Skipped())
	assert.Contains(t, report.Warnings[len(report.Warnings)-1], "time budget of 3s exceeded, 7 remaining members skipped")
}

func TestWalk_UnreadableNestedMemberIsReported(t *testing.T) {
	outer := buildZip(t,
		file{name: "broken.zip", data: []byte("not a zip at all")},
		file{name: "ok.csv", data: []byte("POD\n")},
	)

	var entries []Entry
	report, err := NewWalker(DefaultLimits()).Walk(context.Background(), "u.zip", outer, csvOnly, collect(&entries))

	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Processed)
	require.Len(t, entries, 1)
	assert.Contains(t, report.Warnings[0], "member broken.zip unreadable")
}

func TestWalk_OversizedMemberIsReportedNotVisited(t *testing.T) {
	// Setup
	big := bytes.Repeat([]byte("IT001E00000001;0,25\n"), 400)
	nested := buildZip(t, file{name: "inner.csv", data: big})
	data := buildZip(t,
		file{name: "big.csv", data: big},
		file{name: "small.csv", data: []byte("POD\nIT001E00000001\n")},
		file{name: "more.zip", data: nested})
	limits := DefaultLimits()
	limits.MaxMemberBytes = 4096

	// Execute
	var entries []Entry
	report, err := NewWalker(limits).Walk(context.Background(), "upload.zip", data, csvOnly, collect(&entries))

	// Assert
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "small.csv", entries[0].Name)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 2, report.Failed)
	require.Len(t, report.Warnings, 2)
	assert.Contains(t, report.Warnings[0], "big.csv unreadable: decompressed size exceeds 4096 bytes")
	assert.Contains(t, report.Warnings[1], "archive upload.zip/more.zip: member inner.csv unreadable")
}

func TestWalk_NotAnArchive(t *testing.T) {
	_, err := NewWalker(DefaultLimits()).Walk(context.Background(), "plain.csv", []byte("POD\n"), csvOnly, func(Entry) {})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotArchive)
}

func TestWalk_CancelledContext(t *testing.T) {
	data := buildZip(t, csvFiles("c", 3)...)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewWalker(DefaultLimits()).Walk(ctx, "c.zip", data, csvOnly, func(Entry) {})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsZip(t *testing.T) {
	assert.True(t, IsZip(buildZip(t, file{name: "a.csv"})))
	assert.False(t, IsZip([]byte("POD;TRATTAMENTO")))
}
