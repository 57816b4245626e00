package runtime

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-mic/internal/audio"
	"github.com/loqalabs/loqa-mic/internal/bus"
	"github.com/loqalabs/loqa-mic/internal/config"
	"github.com/loqalabs/loqa-mic/internal/speech"
	"github.com/loqalabs/loqa-mic/internal/stt"
)

func newEngine(cfg config.CaptureConfig, busClient *bus.Client, log *slog.Logger) (audio.Engine, audio.RecordingConfigurator, error) {
	switch cfg.Source {
	case "wav":
		e := audio.NewWAVEngine(cfg, log)
		return e, e, nil
	case "bus":
		e := audio.NewBusEngine(cfg, busClient, log)
		return e, e, nil
	default:
		return nil, nil, fmt.Errorf("unknown capture source %q", cfg.Source)
	}
}

// recognizerBinding is a recognizer plus the hook that feeds it availability,
// if it needs one.
type recognizerBinding struct {
	recognizer   speech.Recognizer
	setAvailable func(bool)
}

func newRecognizer(cfg config.RecognitionConfig, busClient *bus.Client, log *slog.Logger) (recognizerBinding, error) {
	switch cfg.Mode {
	case "mock":
		return recognizerBinding{recognizer: speech.NewMockRecognizer(time.Duration(cfg.PartialEveryMS) * time.Millisecond)}, nil
	case "bus":
		r := speech.NewBusRecognizer(busClient, log)
		return recognizerBinding{recognizer: r, setAvailable: r.SetAvailable}, nil
	case "websocket":
		r, err := speech.NewWebsocketRecognizer(cfg, log)
		if err != nil {
			return recognizerBinding{}, err
		}
		return recognizerBinding{recognizer: r}, nil
	default:
		return recognizerBinding{}, fmt.Errorf("unknown recognition mode %q", cfg.Mode)
	}
}

func newTranscriber(cfg config.STTConfig) (stt.Transcriber, error) {
	switch cfg.Mode {
	case "", "mock":
		return stt.NewMockTranscriber(), nil
	case "exec":
		return stt.NewExecTranscriber(cfg)
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}

func newAuthorizer(cfg config.AuthorizationConfig) (speech.Authorizer, error) {
	status, err := speech.ParseAuthorizationStatus(cfg.Status)
	if err != nil {
		return nil, err
	}
	return speech.StaticAuthorizer{Status: status, Delay: time.Duration(cfg.DelayMS) * time.Millisecond}, nil
}

// withCapability returns node with name advertised, unless it already is.
func withCapability(node config.NodeConfig, name string) config.NodeConfig {
	for _, c := range node.Capabilities {
		if c.Name == name {
			return node
		}
	}
	caps := make([]config.NodeCapability, len(node.Capabilities), len(node.Capabilities)+1)
	copy(caps, node.Capabilities)
	node.Capabilities = append(caps, config.NodeCapability{Name: name, Tier: "balanced"})
	return node
}
