package storage

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/lorawan"

	"github.com/brocaar/lorawan-range-tester/internal/config"
	"github.com/brocaar/lorawan-range-tester/internal/logging"
)

// FrameCounterStore persists the uplink frame-counter of the device session.
//
// Load returns the last saved value, or 0 when nothing has been saved yet.
// A record that can not be read is logged and reported as 0.
// Save overwrites the stored value and returns once it has been persisted.
// It returns ErrFrameCounterDecrease when the given value is not greater
// than the last value loaded or saved by the store.
type FrameCounterStore interface {
	Load(ctx context.Context) uint32
	Save(ctx context.Context, fCnt uint32) error
}

// NewFrameCounterStore returns the frame-counter store configured by the
// frame_counter.type setting.
func NewFrameCounterStore(c config.Config, devAddr lorawan.DevAddr) (FrameCounterStore, error) {
	switch c.FrameCounter.Type {
	case "", "file":
		return NewFileFrameCounterStore(c.FrameCounter.Path), nil
	case "redis":
		if RedisClient() == nil {
			return nil, errors.New("redis frame-counter store requires a redis client")
		}
		return NewRedisFrameCounterStore(RedisClient(), devAddr), nil
	default:
		return nil, fmt.Errorf("unknown frame-counter store type: %s", c.FrameCounter.Type)
	}
}

// counterGuard keeps track of the highest frame-counter seen by a store.
type counterGuard struct {
	mu    sync.Mutex
	known bool
	last  uint32
}

func (g *counterGuard) observe(fCnt uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.known || fCnt > g.last {
		g.last = fCnt
	}
	g.known = true
}

func (g *counterGuard) check(fCnt uint32) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.known && fCnt <= g.last {
		return errors.Wrap(ErrFrameCounterDecrease, fmt.Sprintf("last: %d, got: %d", g.last, fCnt))
	}
	return nil
}

// FileFrameCounterStore stores the frame-counter as a text record
// (frame = N) in a file.
type FileFrameCounterStore struct {
	guard counterGuard
	path  string
}

// NewFileFrameCounterStore creates a new FileFrameCounterStore.
func NewFileFrameCounterStore(path string) *FileFrameCounterStore {
	return &FileFrameCounterStore{
		path: path,
	}
}

// Load returns the stored frame-counter.
func (s *FileFrameCounterStore) Load(ctx context.Context) uint32 {
	b, err := ioutil.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).WithFields(log.Fields{
				"path":   s.path,
				"ctx_id": ctx.Value(logging.ContextIDKey),
			}).Warning("storage: read frame-counter file error, assuming 0")
		}
		s.guard.observe(0)
		return 0
	}

	fCnt, err := parseFrameCounterRecord(string(b))
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"path":   s.path,
			"ctx_id": ctx.Value(logging.ContextIDKey),
		}).Warning("storage: corrupt frame-counter record, assuming 0")
		s.guard.observe(0)
		return 0
	}

	s.guard.observe(fCnt)
	return fCnt
}

// Save writes the frame-counter to a temporary file which then replaces the
// record file.
func (s *FileFrameCounterStore) Save(ctx context.Context, fCnt uint32) error {
	return observeFrameCounterSave("file", func() error {
		return s.save(ctx, fCnt)
	})
}

func (s *FileFrameCounterStore) save(ctx context.Context, fCnt uint32) error {
	if err := s.guard.check(fCnt); err != nil {
		return err
	}

	tmpPath := s.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrap(err, "open temporary file error")
	}

	if _, err := fmt.Fprintf(f, "frame = %d\n", fCnt); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "write frame-counter error")
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "sync frame-counter file error")
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "close frame-counter file error")
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "rename frame-counter file error")
	}

	if err := syncDir(filepath.Dir(s.path)); err != nil {
		return errors.Wrap(err, "sync directory error")
	}

	s.guard.observe(fCnt)

	log.WithFields(log.Fields{
		"f_cnt":  fCnt,
		"path":   s.path,
		"ctx_id": ctx.Value(logging.ContextIDKey),
	}).Debug("storage: frame-counter saved")

	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()

	return d.Sync()
}

var frameCounterRecordRegexp = regexp.MustCompile(`^\s*frame\s*=\s*(\d+)`)

// parseFrameCounterRecord parses the "frame = N" record. The record is
// searched line by line and the last matching line is used, other lines
// are ignored.
func parseFrameCounterRecord(s string) (uint32, error) {
	var match string
	for _, line := range strings.Split(s, "\n") {
		if m := frameCounterRecordRegexp.FindStringSubmatch(line); m != nil {
			match = m[1]
		}
	}

	if match == "" {
		return 0, fmt.Errorf("invalid record: %q", s)
	}

	v, err := strconv.ParseUint(match, 10, 32)
	if err != nil {
		return 0, errors.Wrap(err, "parse frame-counter error")
	}

	return uint32(v), nil
}
