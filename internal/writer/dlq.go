package writer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"

	apiv1 "github.com/grantwise/adam6000-counter/api/v1"

	"github.com/grantwise/adam6000-counter/internal/log"
)

// dlqEntry is one dead-lettered batch on disk: a stable id (used in
// logs to correlate an enqueue with its eventual re-drain) plus the
// batch itself.
type dlqEntry struct {
	ID         string          `json:"id"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Readings   []apiv1.Reading `json:"readings"`
}

// DLQ is the append-only dead-letter queue: one batch per JSON line,
// rotated by size via lumberjack. The active segment is guarded by a
// mutex held only for the duration of one synchronous append.
type DLQ struct {
	mu   sync.Mutex
	dir  string
	file string
	rot  *lumberjack.Logger
}

// NewDLQ opens (creating if needed) the DLQ directory and its active
// segment file.
func NewDLQ(dir string, segmentBytes int64, maxSegments int) (*DLQ, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating dlq dir %q: %w", dir, err)
	}
	file := filepath.Join(dir, "dlq.jsonl")
	megabytes := int(segmentBytes / (1 << 20))
	if megabytes < 1 {
		megabytes = 1
	}
	return &DLQ{
		dir:  dir,
		file: file,
		rot: &lumberjack.Logger{
			Filename:   file,
			MaxSize:    megabytes,
			MaxBackups: maxSegments,
			Compress:   false,
		},
	}, nil
}

// Append writes one batch as a single JSON line and forces rotation
// when the active segment grows past its configured size.
func (d *DLQ) Append(readings []apiv1.Reading) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry := dlqEntry{ID: uuid.NewString(), EnqueuedAt: time.Now(), Readings: readings}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshalling dlq batch: %w", err)
	}
	line = append(line, '\n')
	_, err = d.rot.Write(line)
	if err == nil {
		log.Logger.Debugw("batch dead-lettered", "batch_id", entry.ID, "batch_size", len(readings))
	}
	return err
}

// SegmentCount reports how many segments currently exist on disk,
// published as the DLQ depth gauge.
func (d *DLQ) SegmentCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() {
			n++
		}
	}
	return n
}

// DrainOldest reads every batch out of the oldest segment and removes
// it from disk, for re-enqueue by the writer's background re-drain task
// once the sink is healthy again. When only the active segment holds
// data it is rotated out first, so recovery does not wait for the
// segment to fill to its size limit.
func (d *DLQ) DrainOldest() ([][]apiv1.Reading, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rotated, err := d.rotatedSegments()
	if err != nil {
		return nil, err
	}
	if len(rotated) == 0 {
		if info, statErr := os.Stat(d.file); statErr != nil || info.Size() == 0 {
			return nil, nil
		}
		if err := d.rot.Rotate(); err != nil {
			return nil, err
		}
		if rotated, err = d.rotatedSegments(); err != nil || len(rotated) == 0 {
			return nil, err
		}
	}
	sort.Strings(rotated)
	oldest := filepath.Join(d.dir, rotated[0])

	batches, err := readBatches(oldest)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(oldest); err != nil {
		return nil, err
	}
	return batches, nil
}

// rotatedSegments lists every non-active segment file name in the DLQ
// directory. Caller holds d.mu.
func (d *DLQ) rotatedSegments() ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, err
	}
	var rotated []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if filepath.Join(d.dir, e.Name()) == d.file {
			continue // active segment
		}
		rotated = append(rotated, e.Name())
	}
	return rotated, nil
}

func readBatches(path string) ([][]apiv1.Reading, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out [][]apiv1.Reading
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var entry dlqEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue // skip corrupt line rather than abandon the whole segment
		}
		log.Logger.Debugw("re-draining dead-lettered batch", "batch_id", entry.ID, "batch_size", len(entry.Readings))
		out = append(out, entry.Readings)
	}
	return out, scanner.Err()
}
