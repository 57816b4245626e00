// Package speech defines the recognition engine a listening session streams
// into, together with the engines this node can talk to.
//
// A Recognizer accepts a Request and reports Results through a ResultHandler
// until the result is final, an error occurs, or the returned Task is
// cancelled. Handlers are invoked from the engine's own goroutines.
package speech

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-mic/internal/audio"
)

// ErrCancelled is reported to a handler when its task was cancelled.
var ErrCancelled = errors.New("speech: recognition cancelled")

// Transcription is one candidate reading of the audio so far.
type Transcription struct {
	Text       string
	Confidence float64
}

// Result is a recognition update. Partial results are replaced wholesale by
// the next update.
type Result struct {
	Transcriptions []Transcription
	IsFinal        bool
}

// Best returns the highest-confidence transcription, preferring the earliest
// on ties.
func (r *Result) Best() Transcription {
	if r == nil || len(r.Transcriptions) == 0 {
		return Transcription{}
	}
	best := r.Transcriptions[0]
	for _, t := range r.Transcriptions[1:] {
		if t.Confidence > best.Confidence {
			best = t
		}
	}
	return best
}

// ResultHandler receives a result, an error, or both.
type ResultHandler func(result *Result, err error)

// Task is an in-flight recognition. Cancel is advisory: the handler may still
// see a trailing call.
type Task interface {
	Cancel()
}

// Recognizer is a speech recognition engine.
type Recognizer interface {
	Recognize(req *Request, handler ResultHandler) (Task, error)
	Available() bool
	SubscribeAvailability(fn func(available bool)) (cancel func())
}

// Request carries one session's audio to a recognizer.
type Request struct {
	buffers chan audio.Buffer
	partial atomic.Bool
	dropped atomic.Int64
	mu      sync.RWMutex
	ended   bool
	endOnce sync.Once
}

// NewRequest returns a request able to queue size buffers.
func NewRequest(size int) (*Request, error) {
	if size <= 0 {
		return nil, errors.New("speech: request queue size must be positive")
	}
	return &Request{buffers: make(chan audio.Buffer, size)}, nil
}

func (r *Request) SetPartialResults(enabled bool) { r.partial.Store(enabled) }

func (r *Request) PartialResults() bool { return r.partial.Load() }

// Append queues buf without blocking. Buffers that do not fit, or that arrive
// after EndAudio, are dropped.
func (r *Request) Append(buf audio.Buffer) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.ended {
		r.dropped.Add(1)
		return
	}
	select {
	case r.buffers <- buf:
	default:
		r.dropped.Add(1)
	}
}

// EndAudio marks the end of the stream. Safe to call more than once.
func (r *Request) EndAudio() {
	r.endOnce.Do(func() {
		r.mu.Lock()
		r.ended = true
		close(r.buffers)
		r.mu.Unlock()
	})
}

// Buffers is closed after EndAudio once queued audio is drained.
func (r *Request) Buffers() <-chan audio.Buffer { return r.buffers }

// Dropped reports how many buffers were discarded.
func (r *Request) Dropped() int64 { return r.dropped.Load() }

// availability fans engine availability out to subscribers.
type availability struct {
	mu        sync.Mutex
	available bool
	nextID    int
	subs      map[int]func(bool)
}

func newAvailability(initial bool) *availability {
	return &availability{available: initial, subs: make(map[int]func(bool))}
}

func (a *availability) get() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.available
}

func (a *availability) set(available bool) {
	a.mu.Lock()
	if a.available == available {
		a.mu.Unlock()
		return
	}
	a.available = available
	subs := make([]func(bool), 0, len(a.subs))
	for _, fn := range a.subs {
		subs = append(subs, fn)
	}
	a.mu.Unlock()
	for _, fn := range subs {
		fn(available)
	}
}

func (a *availability) subscribe(fn func(bool)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextID
	a.nextID++
	a.subs[id] = fn
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.subs, id)
	}
}
