package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "skillcron/internal/transport"
)

const (
	alertQueueSize = 256
	alertMaxLen    = 3500
	alertMaxValue  = 600
	alertMaxStack  = 900
)

// alertSink forwards log lines at or above minLevel to a chat. Writes never
// block: lines over the rate limit or a full queue are counted and dropped.
type alertSink struct {
	sender kit.ChatSender
	queue  chan alert

	mu       sync.Mutex
	enabled  bool
	target   kit.ChatTarget
	minLevel zerolog.Level
	limiter  *rate.Limiter

	dropped atomic.Uint64

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

type alert struct {
	to   kit.ChatTarget
	text string
}

func newAlertSink(sender kit.ChatSender) *alertSink {
	return &alertSink{
		sender:   sender,
		queue:    make(chan alert, alertQueueSize),
		minLevel: LevelWarn,
		limiter:  rate.NewLimiter(1, 1),
	}
}

func (a *alertSink) configure(enabled bool, to kit.ChatTarget, minLevel zerolog.Level, perSec int) {
	perSec = max(1, perSec)
	a.mu.Lock()
	a.enabled = enabled
	a.target = to
	a.minLevel = minLevel
	a.limiter = rate.NewLimiter(rate.Limit(perSec), perSec)
	a.mu.Unlock()
	if enabled && a.sender != nil {
		a.startOnce.Do(a.start)
	}
}

func (a *alertSink) start() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.mu.Lock()
	a.cancel, a.done = cancel, done
	a.mu.Unlock()
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case it := <-a.queue:
				_, _ = a.sender.SendText(ctx, it.to, it.text, &kit.SendOptions{DisablePreview: true})
			}
		}
	}()
}

func (a *alertSink) close() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Dropped reports alerts lost to the rate limit or a full queue.
func (s *Service) Dropped() uint64 { return s.alert.dropped.Load() }

func (a *alertSink) Write(p []byte) (int, error) { return a.WriteLevel(LevelInfo, p) }

func (a *alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.mu.Lock()
	enabled, to, minLevel, lim := a.enabled, a.target, a.minLevel, a.limiter
	a.mu.Unlock()

	if !enabled || a.sender == nil || to.ChatID == 0 || level < minLevel {
		return len(p), nil
	}
	if !lim.Allow() {
		a.dropped.Add(1)
		return len(p), nil
	}
	text := formatAlert(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case a.queue <- alert{to: to, text: text}:
	default:
		a.dropped.Add(1)
	}
	return len(p), nil
}

// formatAlert renders one zerolog JSON line as
//
//	[WARN] message
//	- key=value
//
// with keys sorted and the stack last. Non-JSON input is sent trimmed.
func formatAlert(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return clip(strings.TrimSpace(string(p)), alertMaxLen)
	}

	level, _ := m[zerolog.LevelFieldName].(string)
	msg, _ := m[zerolog.MessageFieldName].(string)
	stack, hasStack := m["stack"]
	for _, k := range []string{zerolog.LevelFieldName, zerolog.MessageFieldName, zerolog.TimestampFieldName, "stack"} {
		delete(m, k)
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	if level != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(level))
	}
	b.WriteString(msg)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(m[k]), alertMaxValue))
	}
	if hasStack {
		fmt.Fprintf(&b, "\n- stack=\n%s", clip(fmt.Sprint(stack), alertMaxStack))
	}
	return clip(b.String(), alertMaxLen)
}

// clip shortens s to at most n bytes without splitting a rune.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n - len("...")
	for cut > 0 && !utf8RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }
