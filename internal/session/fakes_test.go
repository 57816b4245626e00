package session

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-mic/internal/audio"
	"github.com/loqalabs/loqa-mic/internal/speech"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// queueDispatcher holds dispatched work until the test flushes it, standing
// in for the main loop.
type queueDispatcher struct {
	mu    sync.Mutex
	queue []func()
}

func (d *queueDispatcher) Dispatch(fn func()) {
	d.mu.Lock()
	d.queue = append(d.queue, fn)
	d.mu.Unlock()
}

func (d *queueDispatcher) flush() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		fn := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()
		fn()
	}
}

type fakeNode struct {
	tap      audio.TapFunc
	size     int
	installs int
	removals int
}

func (n *fakeNode) OutputFormat() audio.Format {
	return audio.Format{SampleRate: 16000, Channels: 1, BitDepth: 16}
}

func (n *fakeNode) InstallTap(size int, fn audio.TapFunc) error {
	if n.tap != nil {
		return audio.ErrTapInstalled
	}
	n.tap = fn
	n.size = size
	n.installs++
	return nil
}

func (n *fakeNode) RemoveTap() {
	if n.tap == nil {
		return
	}
	n.tap = nil
	n.removals++
}

type fakeEngine struct {
	node     *fakeNode
	noNode   bool
	startErr error
	running  bool
	prepares int
	starts   int
	stops    int
}

func (e *fakeEngine) Prepare() { e.prepares++ }

func (e *fakeEngine) Start() error {
	e.starts++
	if e.startErr != nil {
		return e.startErr
	}
	e.running = true
	return nil
}

func (e *fakeEngine) Stop() {
	e.stops++
	e.running = false
}

func (e *fakeEngine) InputNode() audio.InputNode {
	if e.noNode {
		return nil
	}
	return e.node
}

func (e *fakeEngine) IsRunning() bool { return e.running }

type fakeConfigurator struct {
	err   error
	calls int
}

func (f *fakeConfigurator) ConfigureRecording() error {
	f.calls++
	return f.err
}

type fakeTask struct {
	req       *speech.Request
	handler   speech.ResultHandler
	cancelled bool
}

func (t *fakeTask) Cancel() { t.cancelled = true }

type fakeRecognizer struct {
	tasks     []*fakeTask
	err       error
	available bool
	observers []func(bool)
}

func (r *fakeRecognizer) Recognize(req *speech.Request, handler speech.ResultHandler) (speech.Task, error) {
	if r.err != nil {
		return nil, r.err
	}
	t := &fakeTask{req: req, handler: handler}
	r.tasks = append(r.tasks, t)
	return t, nil
}

func (r *fakeRecognizer) Available() bool { return r.available }

func (r *fakeRecognizer) SubscribeAvailability(fn func(bool)) func() {
	r.observers = append(r.observers, fn)
	return func() {}
}

func (r *fakeRecognizer) last() *fakeTask {
	if len(r.tasks) == 0 {
		return nil
	}
	return r.tasks[len(r.tasks)-1]
}

func (r *fakeRecognizer) live() int {
	n := 0
	for _, t := range r.tasks {
		if !t.cancelled {
			n++
		}
	}
	return n
}

type fakeAuthorizer struct {
	fn func(speech.AuthorizationStatus)
}

func (a *fakeAuthorizer) RequestAuthorization(fn func(speech.AuthorizationStatus)) { a.fn = fn }

// fakeScreen also records the controller state seen at each update, the way
// the real screen reports it alongside its contents.
type fakeScreen struct {
	text        string
	enabled     bool
	label       string
	enableCalls int
	textHistory []string

	state      func() State
	seenAt     []State
	textSeenAt []State
}

func (s *fakeScreen) observe() {
	if s.state != nil {
		s.seenAt = append(s.seenAt, s.state())
	}
}

func (s *fakeScreen) SetText(text string) {
	s.text = text
	s.textHistory = append(s.textHistory, text)
	s.observe()
	if s.state != nil {
		s.textSeenAt = append(s.textSeenAt, s.state())
	}
}

func (s *fakeScreen) SetEnabled(enabled bool) {
	s.enabled = enabled
	s.enableCalls++
	s.observe()
}

func (s *fakeScreen) SetLabel(label string) {
	s.label = label
	s.observe()
}

// lastSeen is the state reported with the most recent screen update.
func (s *fakeScreen) lastSeen() State {
	if len(s.seenAt) == 0 {
		return Idle
	}
	return s.seenAt[len(s.seenAt)-1]
}

func partial(text string) *speech.Result {
	return &speech.Result{Transcriptions: []speech.Transcription{{Text: text}}}
}

func final(text string) *speech.Result {
	return &speech.Result{Transcriptions: []speech.Transcription{{Text: text}}, IsFinal: true}
}

var errNetwork = errors.New("network unreachable")
