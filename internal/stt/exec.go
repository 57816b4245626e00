package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-mic/internal/config"
	"github.com/mattn/go-shellwords"
)

// Placeholders expanded in every argument of stt.command.
const (
	argAudio    = "{audio}"
	argModel    = "{model}"
	argLanguage = "{language}"
	argMode     = "{mode}"
)

// execTranscriber hands each snapshot of a session's audio to an external
// command as a WAV file. The command prints either a JSON object
// ({"text", "confidence", "alternatives"}) or the bare transcript.
type execTranscriber struct {
	name string
	args []string
	cfg  config.STTConfig
}

func NewExecTranscriber(cfg config.STTConfig) (Transcriber, error) {
	words, err := shellwords.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	args := words[1:]
	if !strings.Contains(cfg.Command, argAudio) {
		args = append(args, defaultArgs(cfg)...)
	}
	return &execTranscriber{name: words[0], args: args, cfg: cfg}, nil
}

// defaultArgs is the flag layout used when the command does not place the
// audio itself.
func defaultArgs(cfg config.STTConfig) []string {
	args := []string{"--audio", argAudio}
	if cfg.ModelPath != "" {
		args = append(args, "--model", argModel)
	}
	if cfg.Language != "" {
		args = append(args, "--language", argLanguage)
	}
	return append(args, "--mode", argMode)
}

func (t *execTranscriber) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error) {
	file, err := os.CreateTemp("", "loqa_mic_stt_*.wav")
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("temp file: %w", err)
	}
	path := file.Name()
	defer os.Remove(path)

	err = encodeWAV(file, pcm, sampleRate, channels)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return TranscriptResult{}, err
	}

	mode := "partial"
	if final {
		mode = "final"
	}
	expand := strings.NewReplacer(
		argAudio, path,
		argModel, t.cfg.ModelPath,
		argLanguage, t.cfg.Language,
		argMode, mode,
	)
	args := make([]string, len(t.args))
	for i, arg := range t.args {
		args[i] = expand.Replace(arg)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, t.name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return TranscriptResult{}, fmt.Errorf("stt command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return parseOutput(stdout.Bytes())
}

func parseOutput(out []byte) (TranscriptResult, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return TranscriptResult{Text: string(trimmed)}, nil
	}

	var resp struct {
		Text         string        `json:"text"`
		Confidence   float64       `json:"confidence"`
		Alternatives []Alternative `json:"alternatives"`
	}
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	result := TranscriptResult{Text: resp.Text, Confidence: resp.Confidence, Alternatives: resp.Alternatives}
	if result.Text == "" && len(result.Alternatives) > 0 {
		result.Text = result.Alternatives[0].Text
		result.Confidence = result.Alternatives[0].Confidence
	}
	return result, nil
}

// encodeWAV writes 16-bit little-endian PCM as a WAV file.
func encodeWAV(file *os.File, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned to 16-bit samples")
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	}
	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	err := enc.Write(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	})
	if err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
