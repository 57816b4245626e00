package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-mic/internal/config"
)

// WAVEngine plays a WAV file into its input node at real-time pace, standing
// in for a microphone. Without Loop it goes silent at end of file but keeps
// running until Stop.
type WAVEngine struct {
	cfg  config.CaptureConfig
	log  *slog.Logger
	node *tapNode

	mu      sync.Mutex
	pcm     []byte
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewWAVEngine(cfg config.CaptureConfig, log *slog.Logger) *WAVEngine {
	return &WAVEngine{
		cfg:  cfg,
		log:  log.With(slog.String("component", "wav-capture")),
		node: newTapNode(Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels, BitDepth: 16}),
	}
}

// ConfigureRecording checks that the file matches the configured capture format.
func (e *WAVEngine) ConfigureRecording() error {
	format, err := probeWAV(e.cfg.WAVPath)
	if err != nil {
		return err
	}
	if format.SampleRate != e.cfg.SampleRate || format.Channels != e.cfg.Channels {
		return fmt.Errorf("wav %s is %d Hz/%d ch, capture expects %d Hz/%d ch",
			e.cfg.WAVPath, format.SampleRate, format.Channels, e.cfg.SampleRate, e.cfg.Channels)
	}
	return nil
}

// Prepare decodes the file so Start can begin streaming immediately.
func (e *WAVEngine) Prepare() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pcm != nil {
		return
	}
	pcm, format, err := decodeWAV(e.cfg.WAVPath)
	if err != nil {
		e.log.Warn("failed to prepare wav capture", slog.String("path", e.cfg.WAVPath), slog.String("error", err.Error()))
		return
	}
	e.node.setFormat(format)
	e.pcm = pcm
}

func (e *WAVEngine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}
	if len(e.pcm) == 0 {
		return ErrNotPrepared
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true
	go e.pump(ctx, e.pcm, e.done)
	return nil
}

func (e *WAVEngine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel = nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (e *WAVEngine) InputNode() InputNode { return e.node }

func (e *WAVEngine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *WAVEngine) pump(ctx context.Context, pcm []byte, done chan struct{}) {
	defer close(done)
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	format := e.node.OutputFormat()
	frames := e.cfg.BufferSize
	chunk := frames * format.FrameBytes()
	interval := time.Duration(frames) * time.Second / time.Duration(format.SampleRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	offset := 0
	for {
		select {
		case <-ctx.Done():
			e.node.flush()
			return
		case <-ticker.C:
		}
		end := min(offset+chunk, len(pcm))
		e.node.write(pcm[offset:end])
		offset = end
		if offset < len(pcm) {
			continue
		}
		if !e.cfg.Loop {
			// A microphone stays open until stopped; deliver nothing more.
			e.node.flush()
			e.log.Debug("wav capture reached end of file")
			<-ctx.Done()
			return
		}
		offset = 0
	}
}

func probeWAV(path string) (Format, error) {
	file, err := os.Open(path)
	if err != nil {
		return Format{}, fmt.Errorf("open wav: %w", err)
	}
	defer file.Close()
	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		return Format{}, fmt.Errorf("%s is not a valid wav file", path)
	}
	return Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans), BitDepth: int(dec.BitDepth)}, nil
}

// decodeWAV returns the file as 16-bit little-endian PCM.
func decodeWAV(path string) ([]byte, Format, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, Format{}, fmt.Errorf("open wav: %w", err)
	}
	defer file.Close()

	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		return nil, Format{}, fmt.Errorf("%s is not a valid wav file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, Format{}, fmt.Errorf("decode wav: %w", err)
	}
	shift := int(dec.BitDepth) - 16
	pcm := make([]byte, len(buf.Data)*2)
	for i, sample := range buf.Data {
		switch {
		case shift > 0:
			sample >>= shift
		case shift < 0:
			sample <<= -shift
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(sample)))
	}
	format := Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans), BitDepth: 16}
	return pcm, format, nil
}
