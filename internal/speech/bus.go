package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-mic/internal/bus"
	"github.com/loqalabs/loqa-mic/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusRecognizer streams a request's audio to whichever STT worker listens on
// the bus and relays its transcripts back.
type BusRecognizer struct {
	bus   *bus.Client
	log   *slog.Logger
	avail *availability
}

func NewBusRecognizer(busClient *bus.Client, log *slog.Logger) *BusRecognizer {
	return &BusRecognizer{
		bus:   busClient,
		log:   log.With(slog.String("component", "bus-recognizer")),
		avail: newAvailability(false),
	}
}

func (r *BusRecognizer) Available() bool { return r.avail.get() }

// SetAvailable records whether a healthy STT worker is reachable.
func (r *BusRecognizer) SetAvailable(available bool) { r.avail.set(available) }

func (r *BusRecognizer) SubscribeAvailability(fn func(bool)) func() {
	return r.avail.subscribe(fn)
}

func (r *BusRecognizer) Recognize(req *Request, handler ResultHandler) (Task, error) {
	if req == nil || handler == nil {
		return nil, errors.New("bus recognizer: request and handler are required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &busTask{
		id:      uuid.NewString(),
		bus:     r.bus,
		log:     r.log,
		handler: handler,
		cancel:  cancel,
	}
	t.log = r.log.With(slog.String("session_id", t.id))

	sub, err := r.bus.Conn().Subscribe("stt.text.*", t.handleMessage)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe transcripts: %w", err)
	}
	t.sub = sub

	go t.forward(ctx, req)
	return t, nil
}

type busTask struct {
	id      string
	bus     *bus.Client
	log     *slog.Logger
	handler ResultHandler
	cancel  context.CancelFunc
	sub     *nats.Subscription

	mu       sync.Mutex
	finished bool
}

// ID is the session identifier used on the bus.
func (t *busTask) ID() string { return t.id }

func (t *busTask) Cancel() {
	if !t.finish() {
		return
	}
	if err := t.bus.PublishJSON(protocol.SubjectSessionCancel, protocol.SessionCancel{SessionID: t.id, Timestamp: time.Now().UTC()}); err != nil {
		t.log.Warn("failed to publish session cancel", slog.String("error", err.Error()))
	}
	// Cancel is called from the main loop; the handler dispatches back onto it.
	go t.handler(nil, ErrCancelled)
}

// finish marks the task done and releases its resources. It reports whether
// this call did the work.
func (t *busTask) finish() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return false
	}
	t.finished = true
	t.cancel()
	if t.sub != nil {
		_ = t.sub.Unsubscribe()
	}
	return true
}

func (t *busTask) forward(ctx context.Context, req *Request) {
	subject := protocol.AudioFrameSubject(t.id)
	sequence := 0
	for {
		select {
		case <-ctx.Done():
			return
		case buf, ok := <-req.Buffers():
			frame := protocol.AudioFrame{
				SessionID:  t.id,
				Sequence:   sequence,
				SampleRate: buf.Format.SampleRate,
				Channels:   buf.Format.Channels,
				PCM:        buf.PCM,
				Interim:    req.PartialResults(),
				Final:      !ok,
			}
			sequence++
			if err := t.bus.PublishJSON(subject, frame); err != nil {
				t.log.Warn("failed to publish audio frame", slog.String("error", err.Error()))
			}
			if !ok {
				return
			}
		}
	}
}

func (t *busTask) handleMessage(msg *nats.Msg) {
	kind := msg.Subject[strings.LastIndex(msg.Subject, ".")+1:]
	switch kind {
	case "partial", "final":
		var transcript protocol.Transcript
		if err := json.Unmarshal(msg.Data, &transcript); err != nil {
			t.log.Warn("failed to decode transcript", slog.String("error", err.Error()))
			return
		}
		if transcript.SessionID != t.id {
			return
		}
		result := resultFromTranscript(transcript)
		if result.IsFinal {
			if !t.finish() {
				return
			}
			t.handler(result, nil)
			return
		}
		t.mu.Lock()
		done := t.finished
		t.mu.Unlock()
		if !done {
			t.handler(result, nil)
		}
	case "error":
		var failure protocol.RecognitionError
		if err := json.Unmarshal(msg.Data, &failure); err != nil {
			t.log.Warn("failed to decode recognition error", slog.String("error", err.Error()))
			return
		}
		if failure.SessionID != t.id || !t.finish() {
			return
		}
		t.handler(nil, fmt.Errorf("recognition failed: %s", failure.Message))
	}
}

func resultFromTranscript(tr protocol.Transcript) *Result {
	result := &Result{IsFinal: !tr.Partial}
	if len(tr.Alternatives) == 0 {
		result.Transcriptions = []Transcription{{Text: tr.Text, Confidence: tr.Confidence}}
		return result
	}
	for _, alt := range tr.Alternatives {
		result.Transcriptions = append(result.Transcriptions, Transcription{Text: alt.Text, Confidence: alt.Confidence})
	}
	return result
}
