package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ngoclaw/agentcore/internal/domain/service"
	"go.uber.org/zap"
)

// dialect is the per-API-family strategy an HTTPProvider is parameterized
// with: how to shape a request for the wire, how to read a full response
// back, and how to decode the API's streaming payloads. One HTTP client,
// several wire formats.
type dialect interface {
	// completionsPath is the request path appended to the base URL.
	completionsPath() string

	// authorize sets the API-key header(s) for this family.
	authorize(h http.Header, apiKey string)

	// requestBody shapes one transport request into the family's JSON body.
	requestBody(req *service.LLMRequest, stream bool) (interface{}, error)

	// parseResponse reads a non-streaming response body.
	parseResponse(data []byte) (*service.LLMResponse, error)

	// newStreamDecoder starts decoder state for one streaming response.
	newStreamDecoder() streamDecoder
}

// streamDecoder consumes the data payloads of one SSE response in order.
// decode may emit chunks as they materialize; result assembles the final
// accumulated response after the stream ends.
type streamDecoder interface {
	decode(payload []byte, emit func(service.StreamChunk)) (done bool, err error)
	result() *service.LLMResponse
}

func init() {
	RegisterFactory("openai", func(cfg ProviderConfig, logger *zap.Logger) Provider {
		return newHTTPProvider(cfg, chatDialect{}, "https://api.openai.com/v1", logger)
	})
	RegisterFactory("anthropic", func(cfg ProviderConfig, logger *zap.Logger) Provider {
		return newHTTPProvider(cfg, anthropicDialect{}, "https://api.anthropic.com/v1", logger)
	})
	// Gemini is served through its OpenAI-compatible endpoint; only the
	// default base URL differs from the plain chat dialect.
	RegisterFactory("gemini", func(cfg ProviderConfig, logger *zap.Logger) Provider {
		return newHTTPProvider(cfg, chatDialect{}, "https://generativelanguage.googleapis.com/v1beta/openai", logger)
	})
}

// HTTPProvider is the one concrete transport: a plain HTTP client whose
// wire format is supplied by a dialect. It owns no retry policy — retry,
// classification, and circuit breaking belong to the layers above.
type HTTPProvider struct {
	name        string
	dialect     dialect
	baseURL     string
	apiKey      string
	models      []string
	client      *http.Client
	idleTimeout time.Duration
	logger      *zap.Logger
}

func newHTTPProvider(cfg ProviderConfig, d dialect, defaultBase string, logger *zap.Logger) *HTTPProvider {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBase
	}
	return &HTTPProvider{
		name:    cfg.Name,
		dialect: d,
		baseURL: base,
		apiKey:  cfg.APIKey,
		models:  cfg.Models,
		// No overall client timeout: a long inference must not be killed
		// mid-stream. Stalls are caught by the per-read idle timer instead.
		client:      &http.Client{},
		idleTimeout: 60 * time.Second,
		logger:      logger.With(zap.String("provider", cfg.Name)),
	}
}

var _ Provider = (*HTTPProvider)(nil)

func (p *HTTPProvider) Name() string     { return p.name }
func (p *HTTPProvider) Models() []string { return p.models }

func (p *HTTPProvider) SupportsModel(model string) bool {
	if len(p.models) == 0 {
		return true
	}
	for _, m := range p.models {
		if m == model {
			return true
		}
	}
	return false
}

func (p *HTTPProvider) IsAvailable(ctx context.Context) bool {
	return p.apiKey != ""
}

// Generate implements service.LLMClient (non-streaming).
func (p *HTTPProvider) Generate(ctx context.Context, req *service.LLMRequest) (*service.LLMResponse, error) {
	resp, err := p.post(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(data))
	}
	return p.dialect.parseResponse(data)
}

// GenerateStream implements service.LLMClient: it runs one SSE response
// through the dialect's decoder, forwarding chunks to deltaCh as they
// arrive and returning the assembled response at the end.
func (p *HTTPProvider) GenerateStream(ctx context.Context, req *service.LLMRequest, deltaCh chan<- service.StreamChunk) (*service.LLMResponse, error) {
	resp, err := p.post(ctx, req, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(data))
	}

	// Both cancellation and a stalled upstream are resolved the same way:
	// force-close the body, which unblocks the scanner below.
	idle := time.AfterFunc(p.idleTimeout, func() {
		p.logger.Warn("SSE stream stalled, closing", zap.Duration("idle_timeout", p.idleTimeout))
		resp.Body.Close()
	})
	defer idle.Stop()
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-ctx.Done():
			resp.Body.Close()
		case <-watchdogDone:
		}
	}()

	dec := p.dialect.newStreamDecoder()
	emit := func(c service.StreamChunk) { deltaCh <- c }

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	finished := false
	for sc.Scan() {
		idle.Reset(p.idleTimeout)
		payload, ok := ssePayload(sc.Bytes())
		if !ok {
			continue
		}
		done, err := dec.decode(payload, emit)
		if err != nil {
			p.logger.Debug("skipping undecodable SSE payload", zap.Error(err))
			continue
		}
		if done {
			finished = true
			break
		}
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err := sc.Err(); err != nil && !finished {
		return nil, fmt.Errorf("SSE stream: %w", err)
	}
	return dec.result(), nil
}

func (p *HTTPProvider) post(ctx context.Context, req *service.LLMRequest, stream bool) (*http.Response, error) {
	payload, err := p.dialect.requestBody(req, stream)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+p.dialect.completionsPath(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	p.dialect.authorize(httpReq.Header, p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request: %w", err)
	}
	return resp, nil
}

// ssePayload extracts the payload of a "data:" SSE line. Comment lines,
// event/id fields, and blank keep-alives return ok=false.
func ssePayload(line []byte) ([]byte, bool) {
	if !bytes.HasPrefix(line, []byte("data:")) {
		return nil, false
	}
	return bytes.TrimSpace(line[len("data:"):]), true
}

// bareModel strips a router-level "provider/model" prefix off a model id
// before it goes on the wire.
func bareModel(model string) string {
	if idx := strings.IndexByte(model, '/'); idx >= 0 {
		return model[idx+1:]
	}
	return model
}
