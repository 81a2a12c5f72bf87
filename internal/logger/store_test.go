package logger

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

type memLogs struct {
	mu    sync.Mutex
	lines []string
	err   error
}

func (m *memLogs) InsertLog(_ context.Context, level, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.lines = append(m.lines, level+": "+message)
	return nil
}

func TestStoreHook_PersistsAtOrAboveLevel(t *testing.T) {
	store := &memLogs{}
	hook := NewStoreHook(store, zerolog.InfoLevel)

	var buf bytes.Buffer
	log := zerolog.New(&buf).Level(zerolog.DebugLevel).Hook(hook)
	log.Debug().Msg("selecting next email")
	log.Info().Msg(`E-mail "1" was successfully sent`)
	log.Error().Msg("E-mail #2 failed to send: refused")
	log.Warn().Msg("")
	hook.Close()

	want := []string{
		`info: E-mail "1" was successfully sent`,
		"error: E-mail #2 failed to send: refused",
	}
	if len(store.lines) != len(want) {
		t.Fatalf("stored %v, want %v", store.lines, want)
	}
	for i := range want {
		if store.lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, store.lines[i], want[i])
		}
	}
	if !strings.Contains(buf.String(), "selecting next email") {
		t.Error("debug event missing from the regular output")
	}
}

func TestStoreHook_ReportsFailureOnce(t *testing.T) {
	store := &memLogs{err: errors.New("relation email_log does not exist")}
	hook := NewStoreHook(store, zerolog.DebugLevel)
	var stderr bytes.Buffer
	hook.stderr = &stderr

	log := zerolog.New(&bytes.Buffer{}).Hook(hook)
	for range 3 {
		log.Info().Msg("tick")
	}
	hook.Close()

	if got := strings.Count(stderr.String(), "failed to store log line"); got != 1 {
		t.Errorf("reported %d failures, want 1: %s", got, stderr.String())
	}
}

func TestStoreHook_CloseIsIdempotent(t *testing.T) {
	hook := NewStoreHook(&memLogs{}, zerolog.InfoLevel)
	hook.Close()
	hook.Close()

	// Events after Close are dropped.
	late := zerolog.New(&bytes.Buffer{}).Hook(hook)
	late.Info().Msg("late")
}
