package speech

import (
	"errors"
	"testing"
	"time"

	"github.com/loqalabs/loqa-mic/internal/audio"
)

func TestResultBest(t *testing.T) {
	r := &Result{Transcriptions: []Transcription{
		{Text: "hello word", Confidence: 0.4},
		{Text: "hello world", Confidence: 0.9},
		{Text: "yellow world", Confidence: 0.9},
	}}
	if got := r.Best().Text; got != "hello world" {
		t.Fatalf("expected highest confidence transcription, got %q", got)
	}
	var empty *Result
	if got := empty.Best(); got.Text != "" {
		t.Fatalf("expected empty transcription for nil result, got %q", got.Text)
	}
}

func TestRequestAppendAndEnd(t *testing.T) {
	req, err := NewRequest(2)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Append(audio.Buffer{PCM: []byte{1}})
	req.Append(audio.Buffer{PCM: []byte{2}})
	req.Append(audio.Buffer{PCM: []byte{3}})
	if req.Dropped() != 1 {
		t.Fatalf("expected 1 dropped buffer, got %d", req.Dropped())
	}
	req.EndAudio()
	req.EndAudio()
	req.Append(audio.Buffer{PCM: []byte{4}})
	if req.Dropped() != 2 {
		t.Fatalf("expected append after end to be dropped, got %d", req.Dropped())
	}

	var got []byte
	for buf := range req.Buffers() {
		got = append(got, buf.PCM...)
	}
	if string(got) != string([]byte{1, 2}) {
		t.Fatalf("unexpected buffers %v", got)
	}
}

func TestNewRequestRejectsZeroSize(t *testing.T) {
	if _, err := NewRequest(0); err == nil {
		t.Fatal("expected error for zero queue size")
	}
}

func TestParseAuthorizationStatus(t *testing.T) {
	for _, status := range []AuthorizationStatus{Authorized, Denied, Restricted, NotDetermined} {
		parsed, err := ParseAuthorizationStatus(status.String())
		if err != nil || parsed != status {
			t.Fatalf("round trip %v: got %v, %v", status, parsed, err)
		}
	}
	if _, err := ParseAuthorizationStatus("maybe"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestStaticAuthorizerIsAsync(t *testing.T) {
	got := make(chan AuthorizationStatus, 1)
	StaticAuthorizer{Status: Restricted, Delay: 5 * time.Millisecond}.RequestAuthorization(func(s AuthorizationStatus) { got <- s })
	select {
	case s := <-got:
		if s != Restricted {
			t.Fatalf("expected restricted, got %v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("authorization never resolved")
	}
}

type call struct {
	result *Result
	err    error
}

func recordCalls() (ResultHandler, <-chan call) {
	ch := make(chan call, 32)
	return func(r *Result, err error) { ch <- call{r, err} }, ch
}

func next(t *testing.T, ch <-chan call) call {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for recognition callback")
	}
	return call{}
}

func TestMockRecognizerPartialThenFinal(t *testing.T) {
	rec := NewMockRecognizer(0)
	req, _ := NewRequest(4)
	req.SetPartialResults(true)
	handler, calls := recordCalls()
	if _, err := rec.Recognize(req, handler); err != nil {
		t.Fatalf("recognize: %v", err)
	}

	req.Append(audio.Buffer{PCM: make([]byte, 10)})
	c := next(t, calls)
	if c.err != nil || c.result.IsFinal || c.result.Best().Text != "[partial transcript length=10]" {
		t.Fatalf("unexpected partial %+v", c)
	}
	req.EndAudio()
	c = next(t, calls)
	if c.err != nil || !c.result.IsFinal || c.result.Best().Text != "[final transcript length=10]" {
		t.Fatalf("unexpected final %+v", c)
	}
}

func TestMockRecognizerCancel(t *testing.T) {
	rec := NewMockRecognizer(time.Hour)
	req, _ := NewRequest(4)
	handler, calls := recordCalls()
	task, err := rec.Recognize(req, handler)
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	task.Cancel()
	task.Cancel()
	c := next(t, calls)
	if !errors.Is(c.err, ErrCancelled) {
		t.Fatalf("expected cancellation error, got %+v", c)
	}
}

func TestMockRecognizerAvailability(t *testing.T) {
	rec := NewMockRecognizer(0)
	var seen []bool
	unsubscribe := rec.SubscribeAvailability(func(v bool) { seen = append(seen, v) })
	rec.SetAvailable(true)
	rec.SetAvailable(false)
	unsubscribe()
	rec.SetAvailable(true)
	if len(seen) != 1 || seen[0] {
		t.Fatalf("expected a single false notification, got %v", seen)
	}
	if !rec.Available() {
		t.Fatal("expected available")
	}
}
