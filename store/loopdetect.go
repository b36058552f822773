package store

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"acestream-mux/logger"
)

// LoopDetector is consulted at admission; a looping content id is refused
// before any stream state is created.
type LoopDetector interface {
	IsLooping(cid string) bool
	RecordStart(cid string)
	RecordBytes(cid string)
}

// LoopConfig tunes the in-process detector: a content id started more than
// MaxBytelessStarts times within Window without ever delivering a byte is
// held looping for Cooldown.
type LoopConfig struct {
	MaxBytelessStarts int
	Window            time.Duration
	Cooldown          time.Duration
}

func NewDefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxBytelessStarts: 3,
		Window:            60 * time.Second,
		Cooldown:          300 * time.Second,
	}
}

type loopEntry struct {
	mu           sync.Mutex
	starts       []time.Time
	blockedUntil time.Time
}

// MemoryLoopDetector is the default single-process implementation. An
// external detector can replace it behind the LoopDetector interface.
type MemoryLoopDetector struct {
	cfg     LoopConfig
	entries *xsync.MapOf[string, *loopEntry]
	logger  logger.Logger
}

func NewMemoryLoopDetector(cfg LoopConfig, log logger.Logger) *MemoryLoopDetector {
	if log == nil {
		log = logger.Default
	}
	return &MemoryLoopDetector{
		cfg:     cfg,
		entries: xsync.NewMapOf[string, *loopEntry](),
		logger:  log,
	}
}

func (d *MemoryLoopDetector) IsLooping(cid string) bool {
	entry, ok := d.entries.Load(cid)
	if !ok {
		return false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return time.Now().Before(entry.blockedUntil)
}

func (d *MemoryLoopDetector) RecordStart(cid string) {
	entry, _ := d.entries.LoadOrStore(cid, &loopEntry{})

	entry.mu.Lock()
	defer entry.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-d.cfg.Window)
	kept := entry.starts[:0]
	for _, t := range entry.starts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	entry.starts = append(kept, now)

	if len(entry.starts) > d.cfg.MaxBytelessStarts {
		entry.blockedUntil = now.Add(d.cfg.Cooldown)
		entry.starts = entry.starts[:0]
		d.logger.Warnf("Content %s marked looping for %v", cid, d.cfg.Cooldown)
	}
}

// RecordBytes clears the byteless-start history once a stream delivered data.
func (d *MemoryLoopDetector) RecordBytes(cid string) {
	entry, ok := d.entries.Load(cid)
	if !ok {
		return
	}

	entry.mu.Lock()
	entry.starts = entry.starts[:0]
	entry.mu.Unlock()
}
