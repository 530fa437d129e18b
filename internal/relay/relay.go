// Package relay forwards one question per request to the chat-completion
// provider and keeps the per-session rolling history.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"logosrelay/internal/history"
	"logosrelay/internal/models"
	"logosrelay/internal/service/ai"
	"logosrelay/internal/session"
)

const (
	DefaultContextLimitTokens = 128000
	DefaultPromptTurns        = 4
	DefaultMinQuestionLength  = 2
	DefaultMaxQuestionChars   = 500
	DefaultMaxAnswerChars     = 2000
	DefaultTimeout            = 90 * time.Second
)

var (
	ErrInvalidInput     = errors.New("invalid question")
	ErrEmptyQuestion    = fmt.Errorf("%w: no question received", ErrInvalidInput)
	ErrQuestionTooShort = fmt.Errorf("%w: question too short", ErrInvalidInput)
)

// Config parameterises one relay deployment. PromptTurns is how many stored
// turns travel upstream with each question; History bounds what is kept.
type Config struct {
	Provider           string
	ContextLimitTokens int
	PromptTurns        int
	MinQuestionLength  int
	MaxQuestionChars   int
	MaxAnswerChars     int
	History            history.Policy
	Timeout            time.Duration
}

func DefaultConfig() Config {
	return Config{
		Provider:           ai.ProviderDeepSeek,
		ContextLimitTokens: DefaultContextLimitTokens,
		PromptTurns:        DefaultPromptTurns,
		MinQuestionLength:  DefaultMinQuestionLength,
		MaxQuestionChars:   DefaultMaxQuestionChars,
		MaxAnswerChars:     DefaultMaxAnswerChars,
		History:            history.Policy{Mode: history.ModeTurns, Limit: history.DefaultTurnLimit},
		Timeout:            DefaultTimeout,
	}
}

// View is everything a page needs to show one exchange.
type View struct {
	Question       string  `json:"question"`
	Answer         string  `json:"answer"`
	Status         string  `json:"status"`
	Percentage     float64 `json:"percentage"`
	TokensEstimate float64 `json:"tokens_estimate"`
	Degraded       bool    `json:"degraded"`
	HistoryTurns   int     `json:"history_turns"`
}

type Relay struct {
	cfg       Config
	store     session.Store
	locks     *session.Locker
	completer ai.Completer
	logger    *slog.Logger
	now       func() time.Time
}

func New(cfg Config, store session.Store, completer ai.Completer, logger *slog.Logger) (*Relay, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if completer == nil {
		return nil, errors.New("completer is required")
	}
	if cfg.ContextLimitTokens <= 0 {
		cfg.ContextLimitTokens = DefaultContextLimitTokens
	}
	if cfg.PromptTurns < 0 {
		cfg.PromptTurns = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		cfg:       cfg,
		store:     store,
		locks:     session.NewLocker(),
		completer: completer,
		logger:    logger,
		now:       time.Now,
	}, nil
}

func (r *Relay) validate(question string) error {
	if question == "" {
		return ErrEmptyQuestion
	}
	if utf8.RuneCountInString(question) < r.cfg.MinQuestionLength {
		return ErrQuestionTooShort
	}
	return nil
}

// Handle answers question for the session under key. Upstream failures never
// surface as errors: they produce a fallback answer and a degraded view. The
// returned error is either an input error or a session store failure.
func (r *Relay) Handle(ctx context.Context, key, question string) (View, error) {
	question = strings.TrimSpace(question)
	if err := r.validate(question); err != nil {
		return View{}, err
	}
	if key == "" {
		return View{}, session.ErrEmptyKey
	}

	unlock := r.locks.Lock(key)
	defer unlock()

	sess, err := r.store.Get(ctx, key)
	if err != nil {
		return View{}, fmt.Errorf("load session: %w", err)
	}

	est := EstimateContext(history.Transcript(sess.History)+"\nUsuario: "+question, r.cfg.ContextLimitTokens)
	prompt := BuildPrompt(est, sess.History, r.cfg.PromptTurns, question)

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	answer, err := r.completer.Complete(callCtx, prompt)
	cancel()

	view := View{
		Question:       question,
		Status:         est.Status(),
		Percentage:     est.Percentage,
		TokensEstimate: est.Tokens,
	}
	if err != nil {
		r.logger.Warn("upstream completion failed",
			"session", shortKey(key),
			"provider", r.cfg.Provider,
			"error", err)
		view.Answer = fallbackAnswer(r.cfg.Provider, err)
		view.Degraded = true
		view.Status += "\n" + DegradedMarker
	} else {
		view.Answer = answer
		sess.History = r.cfg.History.Trim(append(sess.History,
			models.UserMessage(history.Truncate(question, r.cfg.MaxQuestionChars)),
			models.AssistantMessage(history.Truncate(answer, r.cfg.MaxAnswerChars)),
		))
	}
	sess.LastActivity = r.now()

	if err := r.store.Put(ctx, sess); err != nil {
		return View{}, fmt.Errorf("save session: %w", err)
	}
	view.HistoryTurns = len(sess.History)
	return view, nil
}

// Reset drops the session's history. It never calls the provider.
func (r *Relay) Reset(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	unlock := r.locks.Lock(key)
	defer unlock()
	if err := r.store.Evict(ctx, key); err != nil {
		return fmt.Errorf("evict session: %w", err)
	}
	return nil
}

// shortKey keeps cookie tokens out of the logs.
func shortKey(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[:8] + "…"
}
