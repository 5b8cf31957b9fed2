// Package openai answers turns with the OpenAI chat completions streaming API.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/harunnryd/voicebank/pkg/dialogue"
	"github.com/harunnryd/voicebank/pkg/resilience"
)

// DefaultSystemPrompt frames the assistant as a bank's voice agent.
const DefaultSystemPrompt = "당신은 은행의 음성 상담원입니다. 계좌 개설, 잔액 조회, 이체, 카드, 대출 상담을 돕습니다. " +
	"고객의 개인정보는 절대 되묻거나 반복하지 말고, 확실하지 않은 금융 정보는 안내하지 마세요."

const voiceInstruction = "지금은 음성 대화입니다. 마크다운이나 목록 없이 두세 문장 이내로 말하듯 답하세요."

type Engine struct {
	APIKey       string
	Model        string
	BaseURL      string
	SystemPrompt string
	Temperature  float64
	Client       *http.Client
}

func NewEngine(apiKey, model string) *Engine {
	return &Engine{
		APIKey:       apiKey,
		Model:        model,
		BaseURL:      "https://api.openai.com/v1",
		SystemPrompt: DefaultSystemPrompt,
		Temperature:  0.3,
		Client:       tracedClient,
	}
}

func (e *Engine) Name() string { return "openai" }

// Respond streams the answer. Speech follows whenever the turn came in
// through voice.
func (e *Engine) Respond(ctx context.Context, req dialogue.Request) (dialogue.Reply, error) {
	body, err := e.buildRequest(req)
	if err != nil {
		return dialogue.Reply{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(e.BaseURL, "/")+"/chat/completions", body)
	if err != nil {
		return dialogue.Reply{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+e.APIKey)
	resp, err := e.client().Do(httpReq)
	if err != nil {
		return dialogue.Reply{}, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return dialogue.Reply{}, resilience.RateLimitError{Provider: "openai", Message: strings.TrimSpace(string(msg)), RetryAfter: resilience.RetryAfter(resp.Header)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return dialogue.Reply{}, fmt.Errorf("openai status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	out := make(chan dialogue.Delta, 128)
	go func() {
		defer resp.Body.Close()
		defer close(out)
		send := func(d dialogue.Delta) bool {
			select {
			case <-ctx.Done():
				return false
			case out <- d:
				return true
			}
		}
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}
			var chunk streamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if chunk.Error != nil {
				send(dialogue.Delta{Err: fmt.Errorf("openai: %s", chunk.Error.Message)})
				return
			}
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			if !send(dialogue.Delta{Text: chunk.Choices[0].Delta.Content}) {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			send(dialogue.Delta{Err: fmt.Errorf("openai stream: %w", err)})
		}
	}()
	return dialogue.Reply{Deltas: out, Speak: req.VoiceMode}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (e *Engine) buildRequest(req dialogue.Request) (*bytes.Buffer, error) {
	system := e.SystemPrompt
	if req.VoiceMode {
		system = strings.TrimSpace(system + "\n" + voiceInstruction)
	}
	messages := make([]chatMessage, 0, len(req.History)+2)
	if system != "" {
		messages = append(messages, chatMessage{Role: string(dialogue.RoleSystem), Content: system})
	}
	for _, m := range req.History {
		messages = append(messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	messages = append(messages, chatMessage{Role: string(dialogue.RoleUser), Content: req.Transcript})

	payload := map[string]any{
		"model":       e.Model,
		"stream":      true,
		"messages":    messages,
		"temperature": e.Temperature,
		"user":        req.SessionID,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return bytes.NewBuffer(b), nil
}

func (e *Engine) client() *http.Client {
	if e.Client != nil {
		return e.Client
	}
	return tracedClient
}

// tracedClient carries no overall timeout; a streamed answer lives as long
// as the turn context does.
var tracedClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport,
	otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
		return "openai " + r.URL.Path
	}),
)}

var _ dialogue.Engine = (*Engine)(nil)
