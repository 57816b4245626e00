package audio

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-mic/internal/bus"
	"github.com/loqalabs/loqa-mic/internal/config"
	"github.com/loqalabs/loqa-mic/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusEngine captures PCM frames that an edge device publishes on the bus.
type BusEngine struct {
	cfg  config.CaptureConfig
	bus  *bus.Client
	log  *slog.Logger
	node *tapNode

	mu  sync.Mutex
	sub *nats.Subscription
}

func NewBusEngine(cfg config.CaptureConfig, busClient *bus.Client, log *slog.Logger) *BusEngine {
	return &BusEngine{
		cfg:  cfg,
		bus:  busClient,
		log:  log.With(slog.String("component", "bus-capture"), slog.String("device", cfg.Device)),
		node: newTapNode(Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels, BitDepth: 16}),
	}
}

// ConfigureRecording verifies the bus is reachable.
func (e *BusEngine) ConfigureRecording() error {
	if !e.bus.Healthy() {
		return fmt.Errorf("bus not connected for device %s", e.cfg.Device)
	}
	return nil
}

func (e *BusEngine) Prepare() {}

func (e *BusEngine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sub != nil {
		return nil
	}
	sub, err := e.bus.Conn().Subscribe(protocol.CaptureFrameSubject(e.cfg.Device), e.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe capture frames: %w", err)
	}
	e.sub = sub
	e.log.Debug("bus capture started")
	return nil
}

func (e *BusEngine) Stop() {
	e.mu.Lock()
	sub := e.sub
	e.sub = nil
	e.mu.Unlock()
	if sub == nil {
		return
	}
	if err := sub.Unsubscribe(); err != nil {
		e.log.Warn("failed to unsubscribe capture frames", slog.String("error", err.Error()))
	}
	e.node.flush()
}

func (e *BusEngine) InputNode() InputNode { return e.node }

func (e *BusEngine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sub != nil
}

func (e *BusEngine) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		e.log.Warn("failed to decode capture frame", slog.String("error", err.Error()))
		return
	}
	if frame.SampleRate > 0 && frame.Channels > 0 {
		e.node.setFormat(Format{SampleRate: frame.SampleRate, Channels: frame.Channels, BitDepth: 16})
	}
	e.node.write(frame.PCM)
}
