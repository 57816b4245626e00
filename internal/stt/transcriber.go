package stt

import (
	"context"
	"fmt"
)

// TranscriptResult captures transcriber output.
type TranscriptResult struct {
	Text         string
	Confidence   float64
	Alternatives []Alternative
}

type Alternative struct {
	Text       string
	Confidence float64
}

// Transcriber abstracts batch STT backends run over a session's buffered audio.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error)
}

type mockTranscriber struct{}

func NewMockTranscriber() Transcriber {
	return &mockTranscriber{}
}

func (m *mockTranscriber) Transcribe(_ context.Context, pcm []byte, _ int, _ int, final bool) (TranscriptResult, error) {
	mode := "partial"
	if final {
		mode = "final"
	}
	return TranscriptResult{
		Text: fmt.Sprintf("[%s transcript length=%d]", mode, len(pcm)),
	}, nil
}
