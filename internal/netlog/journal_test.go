package netlog

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"warfront/client/internal/logging"
)

func TestJournalRecordsEventsAndFrames(t *testing.T) {
	tmp := t.TempDir()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	journal, manifest, err := New(tmp, 7001, "Lobby 55", logging.NewTestLogger(), clock)
	if err != nil {
		t.Fatalf("create journal: %v", err)
	}

	if manifest.LocalUserID != 7001 {
		t.Fatalf("unexpected manifest user: %d", manifest.LocalUserID)
	}

	journal.RecordEvent("lobby_phase", map[string]any{"phase": "in_lobby", "lobby_id": 55})
	journal.RecordEvent("mesh_state", map[string]any{"user_id": 100, "state": "connected"})

	journal.RecordFrame(100, []byte{0x01, 0x02, 0x03})
	now = now.Add(100 * time.Millisecond)
	journal.RecordFrame(200, []byte{0x04})
	now = now.Add(150 * time.Millisecond)
	journal.RecordFrame(100, []byte{0x05, 0x06})

	journal.Close()

	manifestBytes, err := os.ReadFile(filepath.Join(journal.Directory(), "manifest.json"))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	var onDisk Manifest
	if err := json.Unmarshal(manifestBytes, &onDisk); err != nil {
		t.Fatalf("unmarshal manifest: %v", err)
	}
	if onDisk.EventsPath != "events.jsonl.sz" || onDisk.FramesPath != "frames.bin.zst" {
		t.Fatalf("unexpected manifest paths: %+v", onDisk)
	}

	eventFile, err := os.Open(filepath.Join(journal.Directory(), onDisk.EventsPath))
	if err != nil {
		t.Fatalf("open events: %v", err)
	}
	defer eventFile.Close()

	eventData, err := io.ReadAll(snappy.NewReader(eventFile))
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	lines := splitLines(eventData)
	if len(lines) != 2 {
		t.Fatalf("expected 2 event lines, got %d", len(lines))
	}

	var first struct {
		Seq     uint64          `json:"seq"`
		Kind    string          `json:"kind"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(lines[0], &first); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if first.Seq != 1 || first.Kind != "lobby_phase" {
		t.Fatalf("unexpected event record: %+v", first)
	}
	var body map[string]any
	if err := json.Unmarshal(first.Payload, &body); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if body["phase"] != "in_lobby" {
		t.Fatalf("unexpected event payload: %#v", body)
	}

	frames := readFrames(t, filepath.Join(journal.Directory(), onDisk.FramesPath))
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	if frames[0].SenderID != 100 || frames[1].SenderID != 200 || frames[2].SenderID != 100 {
		t.Fatalf("unexpected frame senders: %+v", frames)
	}
	if string(frames[2].Payload) != "\x05\x06" {
		t.Fatalf("unexpected frame payload: %v", frames[2].Payload)
	}
}

func TestJournalManualFlush(t *testing.T) {
	tmp := t.TempDir()
	now := time.Date(2026, 8, 20, 13, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	journal, _, err := New(tmp, 7001, "manual", logging.NewTestLogger(), clock)
	if err != nil {
		t.Fatalf("create journal: %v", err)
	}

	journal.RecordFrame(100, []byte{0xAA})
	now = now.Add(50 * time.Millisecond)
	journal.RecordFrame(100, []byte{0xBB})

	journal.Flush()
	journal.Close()

	frames := readFrames(t, filepath.Join(journal.Directory(), "frames.bin.zst"))
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames after manual flush, got %d", len(frames))
	}
}

func TestJournalNilAndDisabledAreSafe(t *testing.T) {
	var nilJournal *Journal
	nilJournal.RecordEvent("ignored", nil)
	nilJournal.RecordFrame(1, []byte{0x01})
	nilJournal.Flush()
	nilJournal.Close()
	if nilJournal.Directory() != "" {
		t.Fatalf("nil journal should report empty directory")
	}

	tmp := t.TempDir()
	journal, _, err := New(tmp, 7001, "closed", logging.NewTestLogger(), nil)
	if err != nil {
		t.Fatalf("create journal: %v", err)
	}
	journal.Close()
	//1.- Recording after close must be swallowed, never panic or propagate.
	journal.RecordEvent("late", map[string]any{"ok": true})
	journal.RecordFrame(1, []byte{0x01})
	journal.Flush()
	journal.Close()
}

type journalFrame struct {
	SenderID   int64
	CapturedAt time.Time
	Payload    []byte
}

func readFrames(t *testing.T, path string) []journalFrame {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open frames: %v", err)
	}
	defer file.Close()

	reader, err := zstd.NewReader(file)
	if err != nil {
		t.Fatalf("frame reader: %v", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read frames: %v", err)
	}

	var frames []journalFrame
	offset := 0
	for offset+20 <= len(raw) {
		sender := int64(binary.LittleEndian.Uint64(raw[offset : offset+8]))
		offset += 8
		captured := int64(binary.LittleEndian.Uint64(raw[offset : offset+8]))
		offset += 8
		size := int(binary.LittleEndian.Uint32(raw[offset : offset+4]))
		offset += 4
		if offset+size > len(raw) {
			break
		}
		payload := append([]byte(nil), raw[offset:offset+size]...)
		offset += size
		frames = append(frames, journalFrame{
			SenderID:   sender,
			CapturedAt: time.Unix(0, captured).UTC(),
			Payload:    payload,
		})
	}
	return frames
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for idx, b := range data {
		if b == '\n' {
			lines = append(lines, append([]byte(nil), data[start:idx]...))
			start = idx + 1
		}
	}
	if start < len(data) {
		lines = append(lines, append([]byte(nil), data[start:]...))
	}
	return lines
}
