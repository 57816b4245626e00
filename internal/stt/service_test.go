package stt_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-mic/internal/audio"
	"github.com/loqalabs/loqa-mic/internal/bus/bustest"
	"github.com/loqalabs/loqa-mic/internal/config"
	"github.com/loqalabs/loqa-mic/internal/protocol"
	"github.com/loqalabs/loqa-mic/internal/speech"
	"github.com/loqalabs/loqa-mic/internal/stt"
	"github.com/nats-io/nats.go"
)

func sttConfig() config.STTConfig {
	return config.STTConfig{Enabled: true, Mode: "mock", SampleRate: 16000, Channels: 1, PartialEveryMS: 1}
}

func TestServiceEndToEndWithBusRecognizer(t *testing.T) {
	client := bustest.Connect(t)
	svc := stt.NewService(context.Background(), sttConfig(), client, stt.NewMockTranscriber(), bustest.Logger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("expected healthy service")
	}
	_ = client.Conn().Flush()

	rec := speech.NewBusRecognizer(client, bustest.Logger())
	req, _ := speech.NewRequest(8)
	req.SetPartialResults(true)
	type outcome struct {
		result *speech.Result
		err    error
	}
	outcomes := make(chan outcome, 16)
	if _, err := rec.Recognize(req, func(r *speech.Result, err error) { outcomes <- outcome{r, err} }); err != nil {
		t.Fatalf("recognize: %v", err)
	}
	format := audio.Format{SampleRate: 16000, Channels: 1, BitDepth: 16}
	req.Append(audio.Buffer{PCM: make([]byte, 64), Format: format, Frames: 32})
	req.EndAudio()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case o := <-outcomes:
			if o.err != nil {
				t.Fatalf("unexpected error %v", o.err)
			}
			if !o.result.IsFinal {
				continue
			}
			if got := o.result.Best().Text; got != "[final transcript length=64]" {
				t.Fatalf("unexpected final transcript %q", got)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for final transcript")
		}
	}
}

type failingTranscriber struct{}

func (failingTranscriber) Transcribe(context.Context, []byte, int, int, bool) (stt.TranscriptResult, error) {
	return stt.TranscriptResult{}, errors.New("model crashed")
}

func TestServicePublishesErrors(t *testing.T) {
	client := bustest.Connect(t)
	svc := stt.NewService(context.Background(), sttConfig(), client, failingTranscriber{}, bustest.Logger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)

	failures := make(chan protocol.RecognitionError, 1)
	sub, err := client.Conn().Subscribe(protocol.SubjectTranscriptError, func(msg *nats.Msg) {
		var e protocol.RecognitionError
		if err := json.Unmarshal(msg.Data, &e); err == nil {
			failures <- e
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	_ = client.Conn().Flush()

	frame := protocol.AudioFrame{SessionID: "s-1", PCM: []byte{0, 0}, Final: true}
	if err := client.PublishJSON(protocol.AudioFrameSubject("s-1"), frame); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case e := <-failures:
		if e.SessionID != "s-1" || e.Message != "model crashed" {
			t.Fatalf("unexpected failure %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for recognition error")
	}
}

func TestServiceDisabled(t *testing.T) {
	svc := stt.NewService(context.Background(), config.STTConfig{}, nil, stt.NewMockTranscriber(), bustest.Logger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start disabled service: %v", err)
	}
	if !svc.Healthy() {
		t.Fatal("disabled service should report healthy")
	}
	svc.Close()
}

func TestExecTranscriber(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "stt.sh")
	body := "#!/bin/sh\necho '{\"text\":\"hello world\",\"confidence\":0.7,\"alternatives\":[{\"text\":\"hello world\",\"confidence\":0.7}]}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	tr, err := stt.NewExecTranscriber(config.STTConfig{Command: "sh " + script, Language: "en-US"})
	if err != nil {
		t.Fatalf("new exec transcriber: %v", err)
	}
	result, err := tr.Transcribe(context.Background(), make([]byte, 32), 16000, 1, true)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if result.Text != "hello world" || len(result.Alternatives) != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if _, err := tr.Transcribe(context.Background(), make([]byte, 3), 16000, 1, true); err == nil {
		t.Fatal("expected error for unaligned pcm")
	}
}

func TestExecTranscriberExpandsPlaceholders(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "stt.sh")
	// Prints plain text: mode and language, only if the audio file has content.
	body := "#!/bin/sh\ntest -s \"$1\" || exit 3\nprintf '%s %s\\n' \"$2\" \"$3\"\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	tr, err := stt.NewExecTranscriber(config.STTConfig{
		Command:  "sh " + script + " {audio} {mode} lang={language}",
		Language: "en-US",
	})
	if err != nil {
		t.Fatalf("new exec transcriber: %v", err)
	}

	result, err := tr.Transcribe(context.Background(), make([]byte, 64), 16000, 1, false)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if result.Text != "partial lang=en-US" {
		t.Fatalf("unexpected transcript %q", result.Text)
	}

	result, err = tr.Transcribe(context.Background(), make([]byte, 64), 16000, 1, true)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if result.Text != "final lang=en-US" {
		t.Fatalf("unexpected transcript %q", result.Text)
	}
}

func TestExecTranscriberReportsCommandFailure(t *testing.T) {
	tr, err := stt.NewExecTranscriber(config.STTConfig{Command: "sh -c 'echo model missing >&2; exit 2' {audio}"})
	if err != nil {
		t.Fatalf("new exec transcriber: %v", err)
	}
	_, err = tr.Transcribe(context.Background(), make([]byte, 8), 16000, 1, true)
	if err == nil || !strings.Contains(err.Error(), "model missing") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
}

func TestExecTranscriberRejectsEmptyCommand(t *testing.T) {
	if _, err := stt.NewExecTranscriber(config.STTConfig{Command: "   "}); err == nil {
		t.Fatal("expected error for empty command")
	}
}
