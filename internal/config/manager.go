package config

import (
	"bytes"
	"context"
	"encoding/json"
	"hash/fnv"
	"io"
	"os"
	"sync"

	"github.com/cockroachdb/errors"

	logx "skillcron/pkg/logx"
)

// Validator checks a parsed config before it is committed.
type Validator func(ctx context.Context, cfg *Config) error

// Manager owns the current config. It parses the file, overlays the
// environment, and fans validated reloads out to subscribers.
type Manager struct {
	path     string
	env      *Env
	validate Validator
	log      logx.Logger

	mu   sync.RWMutex
	cur  *Config
	hash uint64

	// fanMu is held across sends so Unsubscribe never closes a channel that
	// is being written.
	fanMu sync.Mutex
	subs  map[chan *Config]struct{}
}

func NewManager(path string) *Manager {
	return &Manager{
		path:     path,
		validate: func(_ context.Context, cfg *Config) error { return Validate(cfg) },
		subs:     map[chan *Config]struct{}{},
	}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetEnv makes every Parse overlay e after decoding the file.
func (m *Manager) SetEnv(e Env) { m.env = &e }

// SetValidator replaces the check run by Load and before a watched reload
// is committed.
func (m *Manager) SetValidator(fn Validator) { m.validate = fn }

// Parse reads the file without committing it. Decoding is strict: unknown
// keys and trailing data are errors.
func (m *Manager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	doc, err := toJSON(m.path, raw)
	if err != nil {
		return nil, err
	}

	cfg := new(Config)
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.Wrap(err, m.path)
	}
	switch err := dec.Decode(&struct{}{}); {
	case err == nil:
		return nil, errors.Newf("%s: trailing data", m.path)
	case err != io.EOF:
		return nil, errors.Wrap(err, m.path)
	}
	if m.env != nil {
		ApplyEnv(cfg, *m.env)
	}
	return cfg, nil
}

// Load parses, validates and commits the file. On error the current config
// is left as it was.
func (m *Manager) Load(ctx context.Context) (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := m.check(ctx, cfg); err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *Manager) check(ctx context.Context, cfg *Config) error {
	if m.validate == nil {
		return nil
	}
	if err := m.validate(ctx, cfg); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	return nil
}

func (m *Manager) Commit(cfg *Config) {
	h := fingerprint(cfg)
	m.mu.Lock()
	m.cur, m.hash = cfg, h
	m.mu.Unlock()
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// changed reports whether cfg differs from the committed config.
func (m *Manager) changed(cfg *Config) (uint64, bool) {
	h := fingerprint(cfg)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return h, h == 0 || h != m.hash
}

// fingerprint hashes the JSON form of cfg. Zero means "unknown".
func fingerprint(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Subscribe returns a channel receiving every committed reload.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.fanMu.Lock()
	m.subs[ch] = struct{}{}
	m.fanMu.Unlock()
	return ch
}

// Unsubscribe closes ch. Unknown channels are ignored.
func (m *Manager) Unsubscribe(ch chan *Config) {
	m.fanMu.Lock()
	defer m.fanMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

// publish never blocks. A subscriber whose buffer is full has its oldest
// pending config replaced by cfg.
func (m *Manager) publish(cfg *Config) {
	m.fanMu.Lock()
	defer m.fanMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
		}
	}
}
