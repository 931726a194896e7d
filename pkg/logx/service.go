package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	kit "skillcron/internal/transport"
)

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	// Path defaults to ./skillcron.log.
	Path string
}

// TelegramConfig routes warnings and errors to a chat. Chat is an address in
// the "chatID" or "chatID/threadID" form.
type TelegramConfig struct {
	Enabled    bool
	Chat       string
	MinLevel   string
	RatePerSec int
}

const defaultLogFile = "./skillcron.log"

var globalsOnce sync.Once

// Service owns the sinks and swaps them on Apply. Loggers obtained from it
// read the current root on every write.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	file *os.File

	root  atomic.Pointer[zerolog.Logger]
	alert *alertSink
}

// New builds the service and applies cfg. sender carries chat alerts and
// may be nil.
func New(cfg Config, sender kit.ChatSender) (*Service, Logger) {
	globalsOnce.Do(func() {
		zerolog.ErrorFieldName = "err"
		zerolog.TimeFieldFormat = timeFormat
	})

	s := &Service{alert: newAlertSink(sender)}
	boot := zerolog.New(consoleWriter(os.Stdout)).Level(parseLevel(cfg.Level, LevelInfo)).With().Timestamp().Logger()
	s.root.Store(&boot)
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Apply rebuilds the sinks from cfg. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg

	var target kit.ChatTarget
	if chat := strings.TrimSpace(cfg.Telegram.Chat); chat != "" {
		t, err := kit.ParseChatTarget(chat)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: ignoring logging.telegram.chat: %v\n", err)
		}
		target = t
	}
	s.alert.configure(cfg.Telegram.Enabled, target, parseLevel(cfg.Telegram.MinLevel, LevelWarn), cfg.Telegram.RatePerSec)

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, consoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		if f, err := openLogFile(cfg.File.Path); err != nil {
			fmt.Fprintf(os.Stderr, "logx: %v\n", err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	if cfg.Telegram.Enabled {
		if target.ChatID == 0 {
			fmt.Fprintln(os.Stderr, "logx: telegram alerts enabled but logging.telegram.chat is not set")
		}
		writers = append(writers, s.alert)
	}
	if len(writers) == 0 {
		writers = append(writers, consoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, LevelInfo)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

// Close stops the alert worker and closes the log file.
func (s *Service) Close() error {
	s.alert.close()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogFile
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir %q: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
}
