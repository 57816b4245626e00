package protocol

import "time"

// AudioFrame represents PCM audio data streamed between capture devices and recognizers.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Interim    bool   `json:"interim,omitempty"`
	Final      bool   `json:"final"`
}

// Alternative is one candidate transcription for an utterance.
type Alternative struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID    string        `json:"session_id"`
	Text         string        `json:"text"`
	Partial      bool          `json:"partial"`
	Timestamp    time.Time     `json:"timestamp"`
	Confidence   float64       `json:"confidence,omitempty"`
	Alternatives []Alternative `json:"alternatives,omitempty"`
}

// RecognitionError reports a failed transcription for a session.
type RecognitionError struct {
	SessionID string    `json:"session_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionCancel asks recognizers to abandon a session.
type SessionCancel struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ScreenState mirrors the transcript display and toggle control.
type ScreenState struct {
	Text           string    `json:"text"`
	ControlEnabled bool      `json:"control_enabled"`
	ControlLabel   string    `json:"control_label"`
	State          string    `json:"state,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix   = "audio.frame"
	SubjectCaptureFramePrefix = "capture.frame"
	SubjectTranscriptPartial  = "stt.text.partial"
	SubjectTranscriptFinal    = "stt.text.final"
	SubjectTranscriptError    = "stt.text.error"
	SubjectSessionCancel      = "stt.session.cancel"
	SubjectScreenState        = "ui.screen.state"
)

// AudioFrameSubject returns the subject a session's frames are published on.
func AudioFrameSubject(sessionID string) string {
	return SubjectAudioFramePrefix + "." + sessionID
}

// CaptureFrameSubject returns the subject a capture device publishes on.
func CaptureFrameSubject(device string) string {
	return SubjectCaptureFramePrefix + "." + device
}
