package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rdsping/pkg/status"
	"rdsping/pkg/transport"
)

func TestDumpFiltersByKind(t *testing.T) {
	for _, ext := range []string{".jsonl", ".cbor", ".pb"} {
		path := filepath.Join(t.TempDir(), "events"+ext)
		j, err := status.OpenJournal(status.JournalOptions{Path: path, Format: formatFromExt(path)})
		require.NoError(t, err)
		at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		j.Emit(status.Event{At: at, Kind: status.KindSend, Transport: transport.KindRDS, Stream: 1, HasStream: true, Payload: "ping-1"})
		j.Emit(status.Event{At: at, Kind: status.KindMatched, Transport: transport.KindRDS, Stream: 1, HasStream: true, RTT: time.Millisecond})
		require.NoError(t, j.Close())

		var out bytes.Buffer
		require.NoError(t, dump(&out, path, "", "matched"))
		lines := strings.Split(strings.TrimSpace(out.String()), "\n")
		require.Len(t, lines, 1, ext)
		require.Contains(t, lines[0], "matched")
		require.Contains(t, lines[0], "rtt_ms=1")
		require.Contains(t, lines[0], "stream=1")
	}
}

func TestDumpMissingFile(t *testing.T) {
	err := dump(&bytes.Buffer{}, filepath.Join(t.TempDir(), "nope.jsonl"), "", "")
	require.ErrorIs(t, err, os.ErrNotExist)
}
