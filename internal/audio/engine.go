// Package audio provides the capture engines a listening session records from.
//
// An Engine owns a single input node. Consumers install one tap on the node to
// receive every captured buffer; the tap runs on the engine's capture goroutine
// and must return quickly.
package audio

import (
	"errors"
	"sync"
)

var (
	// ErrTapInstalled is returned when a second tap is installed on a node.
	ErrTapInstalled = errors.New("audio: tap already installed")
	// ErrNotPrepared is returned by Start when the engine has nothing to capture from.
	ErrNotPrepared = errors.New("audio: engine not prepared")
)

// Format describes interleaved little-endian PCM.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// FrameBytes is the size in bytes of one frame (one sample per channel).
func (f Format) FrameBytes() int {
	return f.Channels * f.BitDepth / 8
}

// Buffer is one block of captured audio.
type Buffer struct {
	PCM    []byte
	Format Format
	Frames int
}

// TapFunc receives captured buffers.
type TapFunc func(Buffer)

// InputNode is the capture end of an engine.
type InputNode interface {
	OutputFormat() Format
	InstallTap(bufferSize int, fn TapFunc) error
	RemoveTap()
}

// Engine is a microphone.
type Engine interface {
	Prepare()
	Start() error
	Stop()
	InputNode() InputNode
	IsRunning() bool
}

// RecordingConfigurator is implemented by engines that can be tuned for
// speech capture before a session starts.
type RecordingConfigurator interface {
	ConfigureRecording() error
}

// tapNode slices incoming PCM into buffers of the size requested by the tap.
type tapNode struct {
	mu      sync.Mutex
	format  Format
	tap     TapFunc
	frames  int
	pending []byte
}

func newTapNode(format Format) *tapNode {
	return &tapNode{format: format}
}

func (n *tapNode) OutputFormat() Format {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.format
}

func (n *tapNode) setFormat(format Format) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if format != n.format {
		n.format = format
		n.pending = nil
	}
}

func (n *tapNode) InstallTap(bufferSize int, fn TapFunc) error {
	if fn == nil {
		return errors.New("audio: tap func is nil")
	}
	if bufferSize <= 0 {
		return errors.New("audio: buffer size must be positive")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.tap != nil {
		return ErrTapInstalled
	}
	n.tap = fn
	n.frames = bufferSize
	n.pending = nil
	return nil
}

func (n *tapNode) RemoveTap() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tap = nil
	n.pending = nil
}

func (n *tapNode) hasTap() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.tap != nil
}

// write buffers pcm and hands every complete block to the tap. The tap is
// called with the node locked so nothing is delivered once RemoveTap returns.
func (n *tapNode) write(pcm []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.tap == nil {
		return
	}
	frameBytes := n.format.FrameBytes()
	if frameBytes <= 0 {
		return
	}
	n.pending = append(n.pending, pcm...)
	size := n.frames * frameBytes
	for len(n.pending) >= size {
		chunk := make([]byte, size)
		copy(chunk, n.pending[:size])
		n.pending = n.pending[size:]
		n.tap(Buffer{PCM: chunk, Format: n.format, Frames: n.frames})
	}
}

// flush delivers whatever partial block is pending.
func (n *tapNode) flush() {
	n.mu.Lock()
	defer n.mu.Unlock()
	frameBytes := n.format.FrameBytes()
	if n.tap == nil || frameBytes <= 0 || len(n.pending) < frameBytes {
		n.pending = nil
		return
	}
	whole := len(n.pending) - len(n.pending)%frameBytes
	chunk := append([]byte(nil), n.pending[:whole]...)
	n.pending = nil
	n.tap(Buffer{PCM: chunk, Format: n.format, Frames: whole / frameBytes})
}
