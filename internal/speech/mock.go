package speech

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockRecognizer reports the amount of audio received as its transcript. It
// produces a partial result every PartialEvery while audio flows and a final
// one once the request ends.
type MockRecognizer struct {
	PartialEvery time.Duration
	avail        *availability
}

func NewMockRecognizer(partialEvery time.Duration) *MockRecognizer {
	return &MockRecognizer{PartialEvery: partialEvery, avail: newAvailability(true)}
}

func (m *MockRecognizer) Available() bool { return m.avail.get() }

// SetAvailable flips availability and notifies subscribers.
func (m *MockRecognizer) SetAvailable(available bool) { m.avail.set(available) }

func (m *MockRecognizer) SubscribeAvailability(fn func(bool)) func() {
	return m.avail.subscribe(fn)
}

func (m *MockRecognizer) Recognize(req *Request, handler ResultHandler) (Task, error) {
	if req == nil || handler == nil {
		return nil, fmt.Errorf("mock recognizer: request and handler are required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{cancel: cancel}
	go m.run(ctx, req, handler)
	return t, nil
}

func (m *MockRecognizer) run(ctx context.Context, req *Request, handler ResultHandler) {
	var (
		received    int
		lastPartial time.Time
	)
	for {
		select {
		case <-ctx.Done():
			handler(nil, ErrCancelled)
			return
		case buf, ok := <-req.Buffers():
			if !ok {
				handler(&Result{
					Transcriptions: []Transcription{{Text: fmt.Sprintf("[final transcript length=%d]", received)}},
					IsFinal:        true,
				}, nil)
				return
			}
			received += len(buf.PCM)
			if !req.PartialResults() {
				continue
			}
			if time.Since(lastPartial) < m.PartialEvery {
				continue
			}
			lastPartial = time.Now()
			handler(&Result{
				Transcriptions: []Transcription{{Text: fmt.Sprintf("[partial transcript length=%d]", received)}},
			}, nil)
		}
	}
}

// task cancels a recognition goroutine.
type task struct {
	once   sync.Once
	cancel func()
}

func (t *task) Cancel() {
	t.once.Do(t.cancel)
}
