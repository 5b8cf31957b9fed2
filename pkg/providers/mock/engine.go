package mock

import (
	"context"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/harunnryd/voicebank/pkg/dialogue"
)

type EngineConfig struct {
	// Answers maps a keyword in the transcript to a canned answer.
	Answers    map[string]string
	Fallback   string
	ChunkDelay time.Duration
}

// DefaultAnswers covers the common banking intents.
var DefaultAnswers = map[string]string{
	"계좌": "네, 계좌 개설을 도와드릴게요. 신분증을 준비해 주시겠어요?",
	"잔액": "고객님의 보통예금 잔액을 조회해 드릴게요. 본인 확인 후 안내해 드리겠습니다.",
	"이체": "이체를 진행하시려면 받는 분 계좌번호와 금액을 말씀해 주세요.",
	"카드": "카드 분실 신고를 접수하겠습니다. 즉시 사용 정지 처리해 드릴게요.",
	"대출": "대출 상담을 원하시면 희망 금액과 기간을 알려 주세요.",
}

// Engine answers with canned text, streamed word by word.
type Engine struct {
	cfg EngineConfig
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Answers == nil {
		cfg.Answers = DefaultAnswers
	}
	if cfg.Fallback == "" {
		cfg.Fallback = "죄송해요, 다시 한 번 말씀해 주시겠어요?"
	}
	return &Engine{cfg: cfg}
}

func (e *Engine) Name() string { return "mock_engine" }

func (e *Engine) Respond(ctx context.Context, req dialogue.Request) (dialogue.Reply, error) {
	answer := e.cfg.Fallback
	for _, keyword := range slices.Sorted(maps.Keys(e.cfg.Answers)) {
		if strings.Contains(req.Transcript, keyword) {
			answer = e.cfg.Answers[keyword]
			break
		}
	}
	words := strings.SplitAfter(answer, " ")
	out := make(chan dialogue.Delta)
	go func() {
		defer close(out)
		for _, w := range words {
			if e.cfg.ChunkDelay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(e.cfg.ChunkDelay):
				}
			}
			select {
			case <-ctx.Done():
				return
			case out <- dialogue.Delta{Text: w}:
			}
		}
	}()
	return dialogue.Reply{Deltas: out, Speak: req.VoiceMode}, nil
}

var _ dialogue.Engine = (*Engine)(nil)
