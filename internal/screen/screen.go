// Package screen holds the transcript display and toggle control state and
// exposes it over HTTP and the bus.
package screen

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/loqalabs/loqa-mic/internal/protocol"
	"github.com/loqalabs/loqa-mic/internal/session"
)

// Publisher mirrors screen changes; *bus.Client satisfies it.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Runner executes fn on the main loop and waits for it.
type Runner interface {
	Do(ctx context.Context, fn func()) error
}

// Screen implements session.Display and session.Control.
type Screen struct {
	mu      sync.Mutex
	text    string
	enabled bool
	label   string
	state   func() session.State

	publisher Publisher
	log       *slog.Logger
}

// New returns a blank screen with a disabled start control. publisher may be nil.
func New(publisher Publisher, log *slog.Logger) *Screen {
	return &Screen{
		label:     session.LabelStart,
		publisher: publisher,
		log:       log.With(slog.String("component", "screen")),
	}
}

// TrackState reports fn's value alongside the screen contents.
func (s *Screen) TrackState(fn func() session.State) {
	s.mu.Lock()
	s.state = fn
	s.mu.Unlock()
}

func (s *Screen) SetText(text string) {
	s.update(func() { s.text = text })
}

func (s *Screen) SetEnabled(enabled bool) {
	s.update(func() { s.enabled = enabled })
}

func (s *Screen) SetLabel(label string) {
	s.update(func() { s.label = label })
}

func (s *Screen) ControlEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Snapshot returns the current screen contents.
func (s *Screen) Snapshot() protocol.ScreenState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Screen) snapshotLocked() protocol.ScreenState {
	st := protocol.ScreenState{
		Text:           s.text,
		ControlEnabled: s.enabled,
		ControlLabel:   s.label,
		Timestamp:      time.Now().UTC(),
	}
	if s.state != nil {
		st.State = s.state().String()
	}
	return st
}

func (s *Screen) update(mutate func()) {
	s.mu.Lock()
	mutate()
	st := s.snapshotLocked()
	s.mu.Unlock()

	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishJSON(protocol.SubjectScreenState, st); err != nil {
		s.log.Warn("failed to mirror screen state", slog.String("error", err.Error()))
	}
}

// HandleScreen serves GET /screen.
func (s *Screen) HandleScreen(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

// ToggleHandler serves POST /toggle by pressing the control on the main loop.
// A disabled control answers 409.
func (s *Screen) ToggleHandler(runner Runner, toggle func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var (
			pressed   bool
			toggleErr error
		)
		err := runner.Do(r.Context(), func() {
			if !s.ControlEnabled() {
				return
			}
			pressed = true
			toggleErr = toggle()
		})
		switch {
		case err != nil:
			http.Error(w, "main loop unavailable", http.StatusServiceUnavailable)
		case !pressed:
			http.Error(w, "control disabled", http.StatusConflict)
		case toggleErr != nil:
			s.log.Warn("toggle failed", slog.String("error", toggleErr.Error()))
			http.Error(w, toggleErr.Error(), http.StatusInternalServerError)
		default:
			writeJSON(w, http.StatusOK, s.Snapshot())
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
