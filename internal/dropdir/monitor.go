// Package dropdir finds files in the drop directory that are ready to ship.
package dropdir

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/mikeyg42/sentinel/internal/logging"
)

// PartSuffix marks files that are still being written by a publisher.
const PartSuffix = ".part"

// DropFile is a settled candidate returned by PollOnce.
type DropFile struct {
	Path         string
	Suffix       string
	Size         int64
	DiscoveredAt time.Time
}

type observation struct {
	size    int64
	modTime time.Time
	stable  int
}

// Monitor watches one directory for one suffix.
//
// A file is settled once it can be opened for append without contention
// and its size and mtime have not changed across settlePolls consecutive
// polls. A settlePolls of 1 accepts a file the first time it is seen.
type Monitor struct {
	dir         string
	suffix      string
	settlePolls int
	logger      *zap.Logger
	now         func() time.Time

	mu   sync.Mutex
	seen map[string]*observation
	last string
}

// New creates a Monitor. settlePolls below 1 is treated as 1.
func New(dir, suffix string, settlePolls int) *Monitor {
	if settlePolls < 1 {
		settlePolls = 1
	}
	return &Monitor{
		dir:         dir,
		suffix:      suffix,
		settlePolls: settlePolls,
		logger:      logging.L().Named("dropdir").With(zap.String("suffix", suffix)),
		now:         time.Now,
		seen:        make(map[string]*observation),
	}
}

func (m *Monitor) Dir() string    { return m.dir }
func (m *Monitor) Suffix() string { return m.suffix }

// PollOnce lists the directory once and returns a settled file, scanning in
// name order starting after the previously returned name.
func (m *Monitor) PollOnce() (DropFile, bool, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return DropFile{}, false, fmt.Errorf("list %s: %w", m.dir, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := make([]string, 0, len(entries))
	present := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !m.matches(name) || !e.Type().IsRegular() {
			continue
		}
		candidates = append(candidates, name)
		present[name] = struct{}{}
	}
	for name := range m.seen {
		if _, ok := present[name]; !ok {
			delete(m.seen, name)
		}
	}
	sort.Strings(candidates)

	settled := make([]string, 0, len(candidates))
	infos := make(map[string]fs.FileInfo, len(candidates))
	for _, name := range candidates {
		path := filepath.Join(m.dir, name)
		info, err := os.Stat(path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				m.logger.Debug("stat failed", zap.String("path", path), zap.Error(err))
			}
			delete(m.seen, name)
			continue
		}
		// Every candidate is observed on every poll so its counter keeps
		// advancing while other names are being returned.
		if m.observe(name, info) {
			settled = append(settled, name)
			infos[name] = info
		}
	}

	for _, name := range m.rotate(settled) {
		path := filepath.Join(m.dir, name)
		if err := probeAppend(path); err != nil {
			m.logger.Debug("file busy", zap.String("path", path), zap.Error(err))
			continue
		}
		m.last = name
		return DropFile{
			Path:         path,
			Suffix:       m.suffix,
			Size:         infos[name].Size(),
			DiscoveredAt: m.now(),
		}, true, nil
	}
	return DropFile{}, false, nil
}

// rotate orders the sorted names so the scan resumes after the name returned
// last time. A file that keeps failing downstream therefore cannot starve the
// ones sorted after it.
func (m *Monitor) rotate(names []string) []string {
	if m.last == "" {
		return names
	}
	i := sort.SearchStrings(names, m.last)
	if i < len(names) && names[i] == m.last {
		i++
	}
	out := make([]string, 0, len(names))
	out = append(out, names[i:]...)
	return append(out, names[:i]...)
}

func (m *Monitor) matches(name string) bool {
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, PartSuffix) {
		return false
	}
	return strings.HasSuffix(name, m.suffix)
}

// observe records the current size and mtime and reports whether the file
// has been unchanged for settlePolls polls.
func (m *Monitor) observe(name string, info fs.FileInfo) bool {
	obs, ok := m.seen[name]
	if !ok || obs.size != info.Size() || !obs.modTime.Equal(info.ModTime()) {
		obs = &observation{size: info.Size(), modTime: info.ModTime()}
		m.seen[name] = obs
	}
	obs.stable++
	return obs.stable >= m.settlePolls
}

// probeAppend opens the file for append and takes a non-blocking advisory
// lock. Either failing means another process still owns the file.
func probeAppend(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return fmt.Errorf("locked: %w", err)
	}
	return unix.Flock(fd, unix.LOCK_UN)
}
