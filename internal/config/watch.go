package config

import (
	"context"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"

	logx "skillcron/pkg/logx"
)

const (
	watchSettle     = 250 * time.Millisecond
	watchBackoffMin = 250 * time.Millisecond
	watchBackoffMax = 5 * time.Second
	validateTimeout = 5 * time.Second
)

const watchedOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

// Watch reloads the file whenever it changes, until ctx ends. It watches the
// parent directory because editors often save by renaming a temp file over
// the original. A broken watcher is rebuilt after a jittered backoff.
func (m *Manager) Watch(ctx context.Context) error {
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	settle := newSettler(watchSettle, func() { m.reload(ctx) })
	defer settle.stop()

	delay := watchBackoffMin
	pause := func(msg string, err error) bool {
		wait := delay + rand.N(delay/2+1)
		delay = min(2*delay, watchBackoffMax)
		m.log.Warn(msg, logx.String("dir", dir), logx.Duration("retry_in", wait), logx.Err(err))
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		}
	}

	for ctx.Err() == nil {
		w, err := openWatcher(dir)
		if err != nil {
			if !pause("config watcher unavailable", err) {
				break
			}
			continue
		}
		delay = watchBackoffMin
		m.log.Debug("watching config", logx.String("path", m.path))

		err = m.consume(ctx, w, name, settle.poke)
		_ = w.Close()
		if ctx.Err() != nil || !pause("config watcher broke", err) {
			break
		}
	}
	return nil
}

func openWatcher(dir string) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, errors.Wrapf(err, "watch %s", dir)
	}
	return w, nil
}

// consume forwards relevant events to poke. It returns when w fails or ctx
// ends.
func (m *Manager) consume(ctx context.Context, w *fsnotify.Watcher, name string, poke func()) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("fsnotify events closed")
			}
			if ev.Op&watchedOps != 0 && strings.EqualFold(filepath.Base(ev.Name), name) {
				poke()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("fsnotify errors closed")
			}
			switch {
			case err == nil:
			case errors.Is(err, fsnotify.ErrEventOverflow):
				m.log.Warn("config events overflowed; reloading", logx.Err(err))
				poke()
			case errors.Is(err, fsnotify.ErrClosed):
				return err
			default:
				m.log.Warn("config watcher error", logx.Err(err))
			}
		}
	}
}

// reload runs once the file has been quiet for watchSettle.
func (m *Manager) reload(ctx context.Context) {
	log := m.log.With(logx.String("path", m.path))
	cfg, err := m.Parse()
	if err != nil {
		log.Warn("config reload: parse failed", logx.Err(err))
		return
	}
	h, changed := m.changed(cfg)
	if !changed {
		log.Debug("config reload: no change")
		return
	}
	vctx, cancel := context.WithTimeout(ctx, validateTimeout)
	err = m.check(vctx, cfg)
	cancel()
	if err != nil {
		log.Warn("config reload: rejected", logx.Err(err))
		return
	}
	m.Commit(cfg)
	m.publish(cfg)
	log.Info("config reloaded", logx.String("hash", fmt.Sprintf("%016x", h)))
}

// settler calls fn once after a burst of pokes has gone quiet.
type settler struct {
	mu    sync.Mutex
	quiet time.Duration
	fn    func()
	t     *time.Timer
}

func newSettler(quiet time.Duration, fn func()) *settler {
	return &settler{quiet: quiet, fn: fn}
}

func (s *settler) poke() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.t == nil {
		s.t = time.AfterFunc(s.quiet, s.fn)
		return
	}
	s.t.Reset(s.quiet)
}

func (s *settler) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.t != nil {
		s.t.Stop()
	}
}
