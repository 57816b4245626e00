package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/loqalabs/loqa-mic/internal/audio"
	"github.com/loqalabs/loqa-mic/internal/config"
)

const closeStreamMessage = `{"type":"CloseStream"}`

// WebsocketRecognizer streams PCM to a Deepgram-compatible listen endpoint.
type WebsocketRecognizer struct {
	endpoint string
	apiKey   string
	model    string
	language string
	log      *slog.Logger
	avail    *availability
}

func NewWebsocketRecognizer(cfg config.RecognitionConfig, log *slog.Logger) (*WebsocketRecognizer, error) {
	if _, err := url.Parse(cfg.Endpoint); err != nil || cfg.Endpoint == "" {
		return nil, fmt.Errorf("websocket recognizer: invalid endpoint %q", cfg.Endpoint)
	}
	return &WebsocketRecognizer{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		language: cfg.Language,
		log:      log.With(slog.String("component", "websocket-recognizer")),
		avail:    newAvailability(true),
	}, nil
}

func (r *WebsocketRecognizer) Available() bool { return r.avail.get() }

func (r *WebsocketRecognizer) SubscribeAvailability(fn func(bool)) func() {
	return r.avail.subscribe(fn)
}

func (r *WebsocketRecognizer) Recognize(req *Request, handler ResultHandler) (Task, error) {
	if req == nil || handler == nil {
		return nil, errors.New("websocket recognizer: request and handler are required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &wsStream{rec: r, handler: handler}
	go s.run(ctx, req)
	return &task{cancel: cancel}, nil
}

func (r *WebsocketRecognizer) buildURL(format audio.Format, interim bool) (string, error) {
	u, err := url.Parse(r.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if r.model != "" {
		q.Set("model", r.model)
	}
	if r.language != "" {
		q.Set("language", r.language)
	}
	q.Set("encoding", "linear16")
	q.Set("punctuate", "true")
	q.Set("interim_results", strconv.FormatBool(interim))
	q.Set("sample_rate", strconv.Itoa(format.SampleRate))
	q.Set("channels", strconv.Itoa(format.Channels))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// listenResponse is the subset of a listen Results message we consume.
type listenResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type wsStream struct {
	rec     *WebsocketRecognizer
	handler ResultHandler

	mu        sync.Mutex
	committed []string
}

func (s *wsStream) run(ctx context.Context, req *Request) {
	var first audio.Buffer
	select {
	case <-ctx.Done():
		s.handler(nil, ErrCancelled)
		return
	case buf, ok := <-req.Buffers():
		if !ok {
			s.handler(&Result{Transcriptions: []Transcription{{}}, IsFinal: true}, nil)
			return
		}
		first = buf
	}

	wsURL, err := s.rec.buildURL(first.Format, req.PartialResults())
	if err != nil {
		s.handler(nil, fmt.Errorf("websocket recognizer: build url: %w", err))
		return
	}
	headers := http.Header{}
	if s.rec.apiKey != "" {
		headers.Set("Authorization", "Token "+s.rec.apiKey)
	}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		if ctx.Err() != nil {
			s.handler(nil, ErrCancelled)
			return
		}
		s.handler(nil, fmt.Errorf("websocket recognizer: dial: %w", err))
		return
	}
	defer conn.CloseNow()

	go s.write(ctx, conn, first, req)

	partials := req.PartialResults()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				s.handler(nil, ErrCancelled)
			case websocket.CloseStatus(err) == websocket.StatusNormalClosure:
				s.handler(&Result{Transcriptions: []Transcription{{Text: s.text("")}}, IsFinal: true}, nil)
			default:
				s.handler(nil, fmt.Errorf("websocket recognizer: read: %w", err))
			}
			return
		}
		var resp listenResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			s.rec.log.Warn("failed to decode listen response", slog.String("error", err.Error()))
			continue
		}
		if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
			continue
		}
		if resp.IsFinal {
			s.commit(resp.Channel.Alternatives[0].Transcript)
		}
		if !partials {
			continue
		}
		result := &Result{}
		for _, alt := range resp.Channel.Alternatives {
			current := alt.Transcript
			if resp.IsFinal {
				current = ""
			}
			result.Transcriptions = append(result.Transcriptions, Transcription{Text: s.text(current), Confidence: alt.Confidence})
		}
		s.handler(result, nil)
	}
}

func (s *wsStream) write(ctx context.Context, conn *websocket.Conn, first audio.Buffer, req *Request) {
	if err := conn.Write(ctx, websocket.MessageBinary, first.PCM); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case buf, ok := <-req.Buffers():
			if !ok {
				if err := conn.Write(ctx, websocket.MessageText, []byte(closeStreamMessage)); err != nil {
					s.rec.log.Warn("failed to close listen stream", slog.String("error", err.Error()))
				}
				return
			}
			if err := conn.Write(ctx, websocket.MessageBinary, buf.PCM); err != nil {
				return
			}
		}
	}
}

func (s *wsStream) commit(segment string) {
	segment = strings.TrimSpace(segment)
	if segment == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = append(s.committed, segment)
}

// text joins committed segments with the in-progress one.
func (s *wsStream) text(current string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts := append([]string(nil), s.committed...)
	if current = strings.TrimSpace(current); current != "" {
		parts = append(parts, current)
	}
	return strings.Join(parts, " ")
}
