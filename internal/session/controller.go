// Package session implements the push-to-talk recognition controller: one
// toggle, one transcript display, and at most one live recognition session.
//
// Every exported method except State, Transcript and Authorization must run
// on the main loop. Recognizer and authorizer callbacks arrive on other
// goroutines and are dispatched back onto the loop before they touch any
// controller state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loqalabs/loqa-mic/internal/audio"
	"github.com/loqalabs/loqa-mic/internal/mainloop"
	"github.com/loqalabs/loqa-mic/internal/speech"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	PlaceholderText = "Say Something, I'm listening!"
	LabelStart      = "Start Recording"
	LabelStop       = "Stop Recording"

	instrumentationName = "github.com/loqalabs/loqa-mic/session"
)

var (
	// ErrNoInputNode means the capture engine cannot record at all.
	ErrNoInputNode = errors.New("session: audio engine has no input node")
	// ErrRequestUnavailable means no recognition request could be built.
	ErrRequestUnavailable = errors.New("session: unable to create recognition request")
)

// State is the controller's position in the Idle/Listening machine.
type State int

const (
	Idle State = iota
	Listening
)

func (s State) String() string {
	if s == Listening {
		return "listening"
	}
	return "idle"
}

// Display shows the transcript region.
type Display interface {
	SetText(text string)
}

// Control is the toggle button.
type Control interface {
	SetEnabled(enabled bool)
	SetLabel(label string)
}

// Transcript is the latest recognized text of the current or last session.
type Transcript struct {
	Text    string
	IsFinal bool
}

// Deps are the collaborators a Controller drives.
type Deps struct {
	Engine       audio.Engine
	Configurator audio.RecordingConfigurator
	Recognizer   speech.Recognizer
	Authorizer   speech.Authorizer
	Display      Display
	Control      Control
	Dispatcher   mainloop.Dispatcher

	// BufferSize is the tap size in frames.
	BufferSize int
	// NewRequest builds the request for each session.
	NewRequest func() (*speech.Request, error)
	// Fatal is called for unrecoverable environment errors. The default logs
	// and exits the process.
	Fatal func(error)

	// Providers default to the otel globals.
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

type activeSession struct {
	generation   uint64
	request      *speech.Request
	task         speech.Task
	node         audio.InputNode
	tapInstalled bool
	span         trace.Span
	started      time.Time
}

type snapshot struct {
	state         State
	transcript    Transcript
	authorization speech.AuthorizationStatus
}

type Controller struct {
	deps Deps
	log  *slog.Logger

	generation uint64
	active     *activeSession

	snapMu sync.Mutex
	snap   snapshot

	tracer      trace.Tracer
	started     metric.Int64Counter
	ended       metric.Int64Counter
	transcripts metric.Int64Counter
	duration    metric.Float64Histogram
}

func New(deps Deps, logger *slog.Logger) (*Controller, error) {
	switch {
	case deps.Engine == nil:
		return nil, errors.New("session: engine is required")
	case deps.Recognizer == nil:
		return nil, errors.New("session: recognizer is required")
	case deps.Display == nil || deps.Control == nil:
		return nil, errors.New("session: display and control are required")
	case deps.Dispatcher == nil:
		return nil, errors.New("session: dispatcher is required")
	case deps.NewRequest == nil:
		return nil, errors.New("session: request factory is required")
	}
	if deps.BufferSize <= 0 {
		deps.BufferSize = 1024
	}
	log := logger.With(slog.String("component", "session-controller"))
	if deps.Fatal == nil {
		deps.Fatal = func(err error) {
			log.Error("unrecoverable recording environment", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	if deps.MeterProvider == nil {
		deps.MeterProvider = otel.GetMeterProvider()
	}
	if deps.TracerProvider == nil {
		deps.TracerProvider = otel.GetTracerProvider()
	}

	c := &Controller{
		deps:   deps,
		log:    log,
		tracer: deps.TracerProvider.Tracer(instrumentationName),
		snap:   snapshot{authorization: speech.NotDetermined},
	}
	if err := c.initMetrics(deps.MeterProvider.Meter(instrumentationName)); err != nil {
		c.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return c, nil
}

func (c *Controller) initMetrics(meter metric.Meter) error {
	var err error
	if c.started, err = meter.Int64Counter("loqa.mic.sessions.started", metric.WithDescription("Recognition sessions started")); err != nil {
		return err
	}
	if c.ended, err = meter.Int64Counter("loqa.mic.sessions.ended", metric.WithDescription("Recognition sessions ended, by reason")); err != nil {
		return err
	}
	if c.transcripts, err = meter.Int64Counter("loqa.mic.transcripts", metric.WithDescription("Transcript updates shown")); err != nil {
		return err
	}
	c.duration, err = meter.Float64Histogram("loqa.mic.session.duration", metric.WithUnit("s"), metric.WithDescription("Session length"))
	return err
}

// RequestAuthorization asks for recognition permission once. The toggle is
// enabled only if the answer is Authorized. The status is delivered on the
// returned channel after the toggle has been updated.
func (c *Controller) RequestAuthorization() <-chan speech.AuthorizationStatus {
	out := make(chan speech.AuthorizationStatus, 1)
	if c.deps.Authorizer == nil {
		c.deps.Dispatcher.Dispatch(func() { c.applyAuthorization(speech.Authorized, out) })
		return out
	}
	var once sync.Once
	c.deps.Authorizer.RequestAuthorization(func(status speech.AuthorizationStatus) {
		once.Do(func() {
			c.deps.Dispatcher.Dispatch(func() { c.applyAuthorization(status, out) })
		})
	})
	return out
}

func (c *Controller) applyAuthorization(status speech.AuthorizationStatus, out chan<- speech.AuthorizationStatus) {
	switch status {
	case speech.Denied:
		c.log.Warn("user denied access to speech recognition")
	case speech.Restricted:
		c.log.Warn("speech recognition restricted on this device")
	case speech.NotDetermined:
		c.log.Warn("speech recognition not yet authorized")
	}
	c.deps.Control.SetEnabled(status == speech.Authorized)
	c.snapMu.Lock()
	c.snap.authorization = status
	c.snapMu.Unlock()
	out <- status
	close(out)
}

// AvailabilityChanged mirrors recognizer availability on the toggle.
func (c *Controller) AvailabilityChanged(available bool) {
	c.log.Info("recognizer availability changed", slog.Bool("available", available))
	c.deps.Control.SetEnabled(available)
}

// ObserveAvailability routes the recognizer's availability notifications
// through the main loop.
func (c *Controller) ObserveAvailability() (cancel func()) {
	return c.deps.Recognizer.SubscribeAvailability(func(available bool) {
		c.deps.Dispatcher.Dispatch(func() { c.AvailabilityChanged(available) })
	})
}

// Toggle stops a running capture, or starts a new session when capture is idle.
func (c *Controller) Toggle() error {
	if c.deps.Engine.IsRunning() {
		c.deps.Engine.Stop()
		if c.active != nil {
			c.active.request.EndAudio()
		}
		c.deps.Control.SetEnabled(false)
		c.deps.Control.SetLabel(LabelStart)
		return nil
	}
	if err := c.StartSession(); err != nil {
		return err
	}
	c.deps.Control.SetLabel(LabelStop)
	return nil
}

// StartSession replaces any live session with a new one.
func (c *Controller) StartSession() error {
	if c.active != nil {
		c.log.Info("replacing active session", slog.Uint64("generation", c.active.generation))
		c.retire(c.active, "replaced")
		c.active = nil
		c.setState(Idle)
	}

	if c.deps.Configurator != nil {
		if err := c.deps.Configurator.ConfigureRecording(); err != nil {
			c.log.Warn("audio session properties weren't set", slog.String("error", err.Error()))
		}
	}

	req, err := c.deps.NewRequest()
	if err != nil || req == nil {
		if err == nil {
			err = ErrRequestUnavailable
		} else {
			err = fmt.Errorf("%w: %w", ErrRequestUnavailable, err)
		}
		c.deps.Fatal(err)
		return err
	}
	node := c.deps.Engine.InputNode()
	if node == nil {
		c.deps.Fatal(ErrNoInputNode)
		return ErrNoInputNode
	}
	req.SetPartialResults(true)

	c.generation++
	generation := c.generation
	s := &activeSession{generation: generation, request: req, node: node, started: time.Now()}

	task, err := c.deps.Recognizer.Recognize(req, func(result *speech.Result, err error) {
		c.deps.Dispatcher.Dispatch(func() { c.handleResult(generation, result, err) })
	})
	if err != nil {
		c.log.Warn("recognition task could not start", slog.String("error", err.Error()))
		c.setState(Idle)
		c.deps.Control.SetEnabled(true)
		c.deps.Control.SetLabel(LabelStart)
		return fmt.Errorf("start recognition: %w", err)
	}
	s.task = task
	_, s.span = c.tracer.Start(context.Background(), "session.listen",
		trace.WithAttributes(attribute.Int64("session.generation", int64(generation))))

	if err := node.InstallTap(c.deps.BufferSize, func(buf audio.Buffer) { req.Append(buf) }); err != nil {
		c.log.Warn("failed to install audio tap", slog.String("error", err.Error()))
	} else {
		s.tapInstalled = true
	}
	c.active = s

	c.deps.Engine.Prepare()
	if err := c.deps.Engine.Start(); err != nil {
		c.log.Error("audio engine couldn't start", slog.String("error", err.Error()))
	}

	c.setSnapshot(Listening, Transcript{})
	c.deps.Display.SetText(PlaceholderText)
	c.add(c.started)
	c.log.Info("session started", slog.Uint64("generation", generation))
	return nil
}

func (c *Controller) handleResult(generation uint64, result *speech.Result, err error) {
	if c.active == nil || c.active.generation != generation {
		c.log.Debug("dropping result from retired session", slog.Uint64("generation", generation))
		return
	}

	isFinal := false
	if result != nil {
		best := result.Best()
		isFinal = result.IsFinal
		c.setSnapshot(Listening, Transcript{Text: best.Text, IsFinal: isFinal})
		c.deps.Display.SetText(best.Text)
		c.add(c.transcripts, attribute.Bool("final", isFinal))
	}

	if err != nil || isFinal {
		reason := "final"
		if err != nil {
			reason = "error"
			c.log.Warn("recognition ended with error", slog.Uint64("generation", generation), slog.String("error", err.Error()))
		}
		c.teardown(reason)
	}
}

// teardown ends the live session and hands the toggle back to the user. It
// is a no-op when nothing is live.
func (c *Controller) teardown(reason string) {
	s := c.active
	if s == nil {
		return
	}
	c.active = nil
	c.deps.Engine.Stop()
	if s.tapInstalled {
		s.node.RemoveTap()
		s.tapInstalled = false
	}
	c.finish(s, reason)

	c.setState(Idle)
	c.deps.Control.SetEnabled(true)
	c.deps.Control.SetLabel(LabelStart)
}

// retire cancels a session that is being replaced or shut down.
func (c *Controller) retire(s *activeSession, reason string) {
	if s.task != nil {
		s.task.Cancel()
	}
	c.deps.Engine.Stop()
	if s.tapInstalled {
		s.node.RemoveTap()
		s.tapInstalled = false
	}
	c.finish(s, reason)
}

func (c *Controller) finish(s *activeSession, reason string) {
	s.request = nil
	s.task = nil
	if s.span != nil {
		s.span.SetAttributes(attribute.String("session.end_reason", reason))
		s.span.End()
	}
	if c.duration != nil {
		c.duration.Record(context.Background(), time.Since(s.started).Seconds())
	}
	c.add(c.ended, attribute.String("reason", reason))
	c.log.Info("session ended", slog.Uint64("generation", s.generation), slog.String("reason", reason))
}

// Close ends any live session and disables the toggle.
func (c *Controller) Close() {
	if c.active != nil {
		c.retire(c.active, "shutdown")
		c.active = nil
	}
	c.setState(Idle)
	c.deps.Control.SetEnabled(false)
}

func (c *Controller) add(counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	if counter == nil {
		return
	}
	counter.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

func (c *Controller) setSnapshot(state State, transcript Transcript) {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	c.snap.state = state
	c.snap.transcript = transcript
}

func (c *Controller) setState(state State) {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	c.snap.state = state
}

// State may be called from any goroutine.
func (c *Controller) State() State {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	return c.snap.state
}

// Transcript may be called from any goroutine.
func (c *Controller) Transcript() Transcript {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	return c.snap.transcript
}

// Authorization may be called from any goroutine.
func (c *Controller) Authorization() speech.AuthorizationStatus {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	return c.snap.authorization
}
