package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogInserter persists a single log line.
type LogInserter interface {
	InsertLog(ctx context.Context, level, message string) error
}

type logLine struct {
	level   string
	message string
}

// StoreHook is a zerolog hook that copies events at or above its level into
// a LogInserter, so operators can read the dispatcher history from the
// database. Writes happen on a background goroutine; Close drains it.
// A failing store is reported once on stderr and otherwise ignored.
type StoreHook struct {
	store   LogInserter
	level   zerolog.Level
	timeout time.Duration
	lines   chan logLine
	done    chan struct{}
	closed  sync.Once
	warned  sync.Once
	stderr  io.Writer
}

// NewStoreHook starts a hook that persists events at level or above.
func NewStoreHook(store LogInserter, level zerolog.Level) *StoreHook {
	h := &StoreHook{
		store:   store,
		level:   level,
		timeout: 5 * time.Second,
		lines:   make(chan logLine, 256),
		done:    make(chan struct{}),
		stderr:  os.Stderr,
	}
	go h.loop()
	return h
}

// Run implements zerolog.Hook. Events are dropped when the buffer is full.
func (h *StoreHook) Run(_ *zerolog.Event, level zerolog.Level, msg string) {
	if level < h.level || level == zerolog.NoLevel || msg == "" {
		return
	}
	defer func() {
		// Send on a closed channel after Close.
		_ = recover()
	}()
	select {
	case h.lines <- logLine{level: level.String(), message: msg}:
	default:
	}
}

// Close stops accepting events and waits until buffered ones are stored.
func (h *StoreHook) Close() {
	h.closed.Do(func() { close(h.lines) })
	<-h.done
}

func (h *StoreHook) loop() {
	defer close(h.done)
	for line := range h.lines {
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		err := h.store.InsertLog(ctx, line.level, line.message)
		cancel()
		if err != nil {
			h.warned.Do(func() {
				fmt.Fprintf(h.stderr, "logger: failed to store log line: %v\n", err)
			})
		}
	}
}
