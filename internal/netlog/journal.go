package netlog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"warfront/client/internal/logging"
)

var sessionNameCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

const frameFlushInterval = 200 * time.Millisecond

// pendingFrame stages a datagram until the flush cadence persists it.
type pendingFrame struct {
	SenderID   int64
	CapturedAt time.Time
	Payload    []byte
}

// Journal streams session observability artefacts to disk: a snappy-compressed
// JSONL event log for lobby and mesh transitions plus a zstd sink for raw game
// datagrams. Recording is best effort; once a sink write fails the journal
// disables itself instead of surfacing errors to the session loop.
type Journal struct {
	mu          sync.Mutex
	dir         string
	now         func() time.Time
	logger      *logging.Logger
	eventFile   *os.File
	eventStream *snappy.Writer
	frameFile   *os.File
	frameStream *zstd.Encoder
	pending     []pendingFrame
	lastFlush   time.Time
	seq         uint64
	disabled    bool
}

// Manifest describes the journal bundle layout so tooling can locate artefacts.
type Manifest struct {
	Version     int    `json:"version"`
	CreatedAt   string `json:"created_at"`
	LocalUserID int64  `json:"local_user_id"`
	EventsPath  string `json:"events_path"`
	FramesPath  string `json:"frames_path"`
}

// New prepares the journal directory and opens the compressed sinks.
func New(root string, localUserID int64, sessionName string, logger *logging.Logger, clock func() time.Time) (*Journal, Manifest, error) {
	if root == "" {
		return nil, Manifest{}, fmt.Errorf("journal root must be provided")
	}
	if logger == nil {
		logger = logging.L()
	}
	if clock == nil {
		clock = time.Now
	}

	cleaned := sessionNameCleaner.ReplaceAllString(sessionName, "")
	if cleaned == "" {
		cleaned = "session"
	}
	created := clock().UTC()
	folder := fmt.Sprintf("%s-%s", cleaned, created.Format("20060102T150405Z"))
	path := filepath.Join(root, folder)

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, Manifest{}, err
	}

	eventsPath := filepath.Join(path, "events.jsonl.sz")
	framesPath := filepath.Join(path, "frames.bin.zst")
	manifestPath := filepath.Join(path, "manifest.json")

	eventFile, err := os.Create(eventsPath)
	if err != nil {
		return nil, Manifest{}, err
	}
	eventStream := snappy.NewBufferedWriter(eventFile)

	frameFile, err := os.Create(framesPath)
	if err != nil {
		eventFile.Close()
		return nil, Manifest{}, err
	}
	frameStream, err := zstd.NewWriter(frameFile)
	if err != nil {
		eventStream.Close()
		eventFile.Close()
		frameFile.Close()
		return nil, Manifest{}, err
	}

	manifest := Manifest{
		Version:     1,
		CreatedAt:   created.Format(time.RFC3339Nano),
		LocalUserID: localUserID,
		EventsPath:  "events.jsonl.sz",
		FramesPath:  "frames.bin.zst",
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err == nil {
		err = os.WriteFile(manifestPath, data, 0o644)
	}
	if err != nil {
		frameStream.Close()
		frameFile.Close()
		eventStream.Close()
		eventFile.Close()
		return nil, Manifest{}, err
	}

	journal := &Journal{
		dir:         path,
		now:         clock,
		logger:      logger,
		eventFile:   eventFile,
		eventStream: eventStream,
		frameFile:   frameFile,
		frameStream: frameStream,
	}

	return journal, manifest, nil
}

// Directory exposes the directory backing the journal bundle.
func (j *Journal) Directory() string {
	if j == nil {
		return ""
	}
	return j.dir
}

// RecordEvent appends one structured event line to the compressed event log.
// Payload must marshal to JSON; failures disable the journal and are only logged.
func (j *Journal) RecordEvent(kind string, payload any) {
	if j == nil {
		return
	}
	captured := j.now().UTC()

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.disabled {
		return
	}

	//1.- Keep the payload as raw JSON so downstream tooling can stream-parse lines.
	body, err := json.Marshal(payload)
	if err != nil {
		j.disableLocked("marshal event payload", err)
		return
	}
	j.seq++
	record := struct {
		Seq        uint64          `json:"seq"`
		CapturedAt string          `json:"captured_at"`
		Kind       string          `json:"kind"`
		Payload    json.RawMessage `json:"payload"`
	}{
		Seq:        j.seq,
		CapturedAt: captured.Format(time.RFC3339Nano),
		Kind:       kind,
		Payload:    body,
	}
	line, err := json.Marshal(record)
	if err != nil {
		j.disableLocked("marshal event record", err)
		return
	}
	if _, err := j.eventStream.Write(append(line, '\n')); err != nil {
		j.disableLocked("write event", err)
		return
	}
	if err := j.eventStream.Flush(); err != nil {
		j.disableLocked("flush events", err)
	}
}

// RecordFrame buffers one game datagram until the flush cadence is reached.
func (j *Journal) RecordFrame(senderID int64, payload []byte) {
	if j == nil {
		return
	}
	captured := j.now().UTC()
	clone := append([]byte(nil), payload...)

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.disabled {
		return
	}

	//1.- Stage the datagram so cadence enforcement can persist batches together.
	j.pending = append(j.pending, pendingFrame{SenderID: senderID, CapturedAt: captured, Payload: clone})
	if j.lastFlush.IsZero() {
		j.lastFlush = captured
		return
	}
	if captured.Sub(j.lastFlush) >= frameFlushInterval {
		if err := j.flushLocked(); err != nil {
			j.disableLocked("flush frames", err)
			return
		}
		j.lastFlush = captured
	}
}

// Flush forces pending datagrams to disk regardless of cadence.
func (j *Journal) Flush() {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.disabled {
		return
	}

	//1.- Persist pending frames then refresh the cadence anchor to avoid bursts.
	if err := j.flushLocked(); err != nil {
		j.disableLocked("flush frames", err)
		return
	}
	j.lastFlush = j.now().UTC()
}

// Close flushes all buffers and releases file handles.
func (j *Journal) Close() {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	//1.- Attempt every flush/close and log the first failure; the caller never sees it.
	var firstErr error
	if !j.disabled {
		if err := j.flushLocked(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := j.eventStream.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := j.eventStream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := j.eventFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := j.frameStream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := j.frameFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	j.disabled = true
	if firstErr != nil {
		j.logger.Warn("session journal close failed", logging.Error(firstErr))
	}
}

// disableLocked stops all further recording after a sink failure; callers must hold the mutex.
func (j *Journal) disableLocked(op string, err error) {
	j.disabled = true
	j.logger.Warn("session journal disabled",
		logging.String("operation", op),
		logging.Error(err),
	)
}

// flushLocked writes buffered datagrams to the zstd stream; callers must hold the mutex.
func (j *Journal) flushLocked() error {
	if len(j.pending) == 0 {
		return nil
	}
	//1.- Write length-prefixed frames so offline tooling can step without decoding payloads.
	for _, frame := range j.pending {
		header := make([]byte, 8+8+4)
		binary.LittleEndian.PutUint64(header[0:8], uint64(frame.SenderID))
		binary.LittleEndian.PutUint64(header[8:16], uint64(frame.CapturedAt.UnixNano()))
		binary.LittleEndian.PutUint32(header[16:20], uint32(len(frame.Payload)))
		if _, err := j.frameStream.Write(header); err != nil {
			return err
		}
		if _, err := j.frameStream.Write(frame.Payload); err != nil {
			return err
		}
	}
	j.pending = j.pending[:0]
	return nil
}
