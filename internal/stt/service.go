package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-mic/internal/bus"
	"github.com/loqalabs/loqa-mic/internal/config"
	"github.com/loqalabs/loqa-mic/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service is the bus-side recognition worker: it buffers each session's audio
// frames and publishes partial and final transcripts for them.
type Service struct {
	cfg         config.STTConfig
	bus         *bus.Client
	transcriber Transcriber
	logger      *slog.Logger
	sessions    map[string]*sessionState
	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	subs        []*nats.Subscription
	wg          sync.WaitGroup
	ready       bool
}

type sessionState struct {
	Buffer       []byte
	SampleRate   int
	Channels     int
	LastPartial  time.Time
	Inflight     bool
	PendingFinal bool
	Cancelled    bool
}

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, transcriber Transcriber, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:         cfg,
		bus:         busClient,
		transcriber: transcriber,
		logger:      log.With(slog.String("component", "stt-service")),
		sessions:    make(map[string]*sessionState),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	frames, err := s.bus.Conn().Subscribe(protocol.SubjectAudioFramePrefix+".>", s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.subs = append(s.subs, frames)
	cancels, err := s.bus.Conn().Subscribe(protocol.SubjectSessionCancel, s.handleCancel)
	if err != nil {
		_ = frames.Unsubscribe()
		return fmt.Errorf("subscribe session cancel: %w", err)
	}
	s.subs = append(s.subs, cancels)
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.cfg.Enabled || s.ready
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.logger.Warn("failed to decode audio frame", slogError(err))
		return
	}
	if frame.SessionID == "" {
		return
	}

	s.mu.Lock()
	state := s.sessions[frame.SessionID]
	if state == nil {
		state = &sessionState{SampleRate: s.cfg.SampleRate, Channels: s.cfg.Channels}
		s.sessions[frame.SessionID] = state
	}
	if state.Cancelled {
		s.mu.Unlock()
		return
	}
	if frame.SampleRate > 0 {
		state.SampleRate = frame.SampleRate
	}
	if frame.Channels > 0 {
		state.Channels = frame.Channels
	}
	state.Buffer = append(state.Buffer, frame.PCM...)
	s.mu.Unlock()

	if frame.Interim && !frame.Final {
		if s.shouldSchedulePartial(frame.SessionID) {
			s.scheduleTranscription(frame.SessionID, false)
		}
	}
	if frame.Final {
		s.scheduleTranscription(frame.SessionID, true)
	}
}

func (s *Service) handleCancel(msg *nats.Msg) {
	var req protocol.SessionCancel
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode session cancel", slogError(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.sessions[req.SessionID]
	if state == nil {
		return
	}
	if state.Inflight {
		// The running transcription removes the session once it returns.
		state.Cancelled = true
		return
	}
	delete(s.sessions, req.SessionID)
}

func (s *Service) shouldSchedulePartial(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.sessions[sessionID]
	if state == nil || state.Inflight {
		return false
	}
	if state.LastPartial.IsZero() {
		state.LastPartial = time.Now()
		return true
	}
	interval := time.Duration(s.cfg.PartialEveryMS) * time.Millisecond
	if interval <= 0 {
		return false
	}
	if time.Since(state.LastPartial) >= interval {
		state.LastPartial = time.Now()
		return true
	}
	return false
}

func (s *Service) scheduleTranscription(sessionID string, final bool) {
	s.mu.Lock()
	state := s.sessions[sessionID]
	if state == nil {
		s.mu.Unlock()
		return
	}
	if state.Inflight {
		if final {
			state.PendingFinal = true
		}
		s.mu.Unlock()
		return
	}
	pcm := append([]byte(nil), state.Buffer...)
	sampleRate, channels := state.SampleRate, state.Channels
	state.Inflight = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, 45*time.Second)
		defer cancel()

		result, err := s.transcriber.Transcribe(ctx, pcm, sampleRate, channels, final)

		s.mu.Lock()
		state := s.sessions[sessionID]
		var pendingFinal, cancelled bool
		if state != nil {
			state.Inflight = false
			pendingFinal = state.PendingFinal
			cancelled = state.Cancelled
			if !final {
				state.LastPartial = time.Now()
			}
			if final || cancelled {
				delete(s.sessions, sessionID)
			}
		}
		s.mu.Unlock()

		if cancelled {
			return
		}
		if err != nil {
			s.logger.Warn("stt transcription failed", slog.String("session_id", sessionID), slogError(err))
			s.publishError(sessionID, err)
			s.drop(sessionID)
			return
		}
		s.publishTranscript(sessionID, result, final)

		if pendingFinal && !final {
			s.scheduleTranscription(sessionID, true)
		}
	}()
}

func (s *Service) drop(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

func (s *Service) publishTranscript(sessionID string, result TranscriptResult, final bool) {
	if result.Text == "" && !final {
		return
	}
	subject := protocol.SubjectTranscriptPartial
	if final {
		subject = protocol.SubjectTranscriptFinal
	}
	msg := protocol.Transcript{
		SessionID:  sessionID,
		Text:       result.Text,
		Partial:    !final,
		Timestamp:  time.Now().UTC(),
		Confidence: result.Confidence,
	}
	for _, alt := range result.Alternatives {
		msg.Alternatives = append(msg.Alternatives, protocol.Alternative{Text: alt.Text, Confidence: alt.Confidence})
	}
	if err := s.bus.PublishJSON(subject, msg); err != nil {
		s.logger.Warn("failed to publish transcript", slogError(err))
	}
}

func (s *Service) publishError(sessionID string, cause error) {
	msg := protocol.RecognitionError{SessionID: sessionID, Message: cause.Error(), Timestamp: time.Now().UTC()}
	if err := s.bus.PublishJSON(protocol.SubjectTranscriptError, msg); err != nil {
		s.logger.Warn("failed to publish recognition error", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
