package watch

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rjeczalik/notify"
)

const eventBufferSize = 1024

// NotifySource produces Changes for files below a set of local roots.
// Directory roots are watched recursively; file roots through their parent
// directory, filtered to the file itself.
type NotifySource struct {
	raw   chan notify.EventInfo
	out   chan Change
	files map[string]bool
	dirs  []string
	log   *slog.Logger

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewNotifySource starts watching roots.
func NewNotifySource(roots []string, logger *slog.Logger) (*NotifySource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &NotifySource{
		raw:   make(chan notify.EventInfo, eventBufferSize),
		out:   make(chan Change, eventBufferSize),
		files: make(map[string]bool),
		log:   logger,
		done:  make(chan struct{}),
	}

	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(abs)
		if err != nil {
			notify.Stop(s.raw)
			return nil, fmt.Errorf("watch %s: %w", root, err)
		}

		target := abs + "/..."
		if !info.IsDir() {
			s.files[abs] = true
			target = filepath.Dir(abs)
		} else {
			s.dirs = append(s.dirs, abs)
		}
		if err := notify.Watch(target, s.raw, notify.Create, notify.Write, notify.Remove, notify.Rename); err != nil {
			notify.Stop(s.raw)
			return nil, fmt.Errorf("watch %s: %w", root, err)
		}
		logger.Debug("watching", "path", target)
	}

	s.wg.Add(1)
	go s.translate()
	return s, nil
}

// Events returns the change stream. It is closed by Close.
func (s *NotifySource) Events() <-chan Change {
	return s.out
}

// Close stops watching and closes the change stream.
func (s *NotifySource) Close() error {
	s.once.Do(func() {
		notify.Stop(s.raw)
		close(s.done)
		s.wg.Wait()
		close(s.out)
	})
	return nil
}

func (s *NotifySource) translate() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case ei := <-s.raw:
			c, ok := s.change(ei)
			if !ok {
				continue
			}
			select {
			case s.out <- c:
			case <-s.done:
				return
			}
		}
	}
}

func (s *NotifySource) change(ei notify.EventInfo) (Change, bool) {
	p := ei.Path()
	if !s.covers(p) {
		return Change{}, false
	}

	c := Change{Path: p, Kind: ChangeModify, At: time.Now()}
	if ei.Event() == notify.Create {
		c.Kind = ChangeCreate
	}

	// a rename reports the old name; presence decides the kind
	info, err := os.Stat(p)
	switch {
	case errors.Is(err, os.ErrNotExist):
		c.Kind = ChangeDelete
	case err != nil:
		s.log.Debug("stat failed", "path", p, "err", err)
		return Change{}, false
	case info.IsDir():
		return Change{}, false
	}
	return c, true
}

func (s *NotifySource) covers(p string) bool {
	if s.files[p] {
		return true
	}
	for _, d := range s.dirs {
		if strings.HasPrefix(p, d+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
