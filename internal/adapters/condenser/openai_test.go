package condenser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"storytime/internal/domain"
	openai "storytime/internal/infra/openai"
	"storytime/internal/usecase/generation"
)

type fakeChat struct {
	req  openai.ChatCompletionRequest
	resp openai.ChatCompletionResponse
	err  error
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.req = req
	return f.resp, f.err
}

func request() domain.CondenseRequest {
	return domain.CondenseRequest{
		SourceText:       "Once upon a time a small owl could not sleep.",
		TargetWordBudget: 550,
		Hints: domain.CondenseHints{
			Title:      "The Sleepless Owl",
			ValuesTags: []string{"patience", "kindness"},
			TopicTags:  []string{"night"},
		},
	}
}

func TestCondenseBuildsRequest(t *testing.T) {
	chat := &fakeChat{resp: openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{Message: openai.ChatMessage{Content: "  condensed story  "}}}}}
	c := NewOpenAI(chat, "", 0)

	out, err := c.Condense(context.Background(), request())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if out != "condensed story" {
		t.Fatalf("ожидали обрезанный ответ, получили %q", out)
	}
	if chat.req.Model != "gpt-4o-mini" || chat.req.MaxTokens != 825 || chat.req.Temperature != 0.7 {
		t.Fatalf("неожиданные параметры запроса: %+v", chat.req)
	}
	prompt := chat.req.Messages[1].Content
	for _, want := range []string{"about 5 minutes", "about 550 words", "The Sleepless Owl", "patience, kindness", "night", "small owl"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("промпт не содержит %q", want)
		}
	}
}

func TestCondenseMapsMissingKey(t *testing.T) {
	chat := &fakeChat{err: fmt.Errorf("wrap: %w", openai.ErrEmptyAPIKey)}
	_, err := NewOpenAI(chat, "", 0).Condense(context.Background(), request())
	if !errors.Is(err, domain.ErrCondenserNotConfigured) {
		t.Fatalf("ожидали ошибку конфигурации, получили %v", err)
	}
}

func TestCondenseEmptyChoices(t *testing.T) {
	chat := &fakeChat{}
	if _, err := NewOpenAI(chat, "", 0).Condense(context.Background(), request()); err == nil {
		t.Fatalf("ожидали ошибку для пустого ответа")
	}
}

func TestStubKeepsWholeSentences(t *testing.T) {
	src := "One two three. Four five six. Seven eight nine."
	out, err := NewStub().Condense(context.Background(), domain.CondenseRequest{SourceText: src, TargetWordBudget: 6})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if out != "One two three. Four five six." {
		t.Fatalf("неожиданный результат %q", out)
	}
}

func TestCondenseMapsRejectedKey(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		chat := &fakeChat{err: &openai.APIError{StatusCode: status, Message: "invalid api key"}}
		_, err := NewOpenAI(chat, "", 0).Condense(context.Background(), request())
		if !errors.Is(err, domain.ErrCondenserNotConfigured) {
			t.Fatalf("статус %d: ожидали ошибку конфигурации, получили %v", status, err)
		}
	}

	chat := &fakeChat{err: &openai.APIError{StatusCode: http.StatusTooManyRequests, Message: "rate limit"}}
	_, err := NewOpenAI(chat, "", 0).Condense(context.Background(), request())
	if err == nil || errors.Is(err, domain.ErrCondenserNotConfigured) {
		t.Fatalf("429 не должна считаться ошибкой конфигурации: %v", err)
	}
}

func TestNewWithoutKeyIsNotConfigured(t *testing.T) {
	c := New(Settings{APIKey: "   ", Model: "gpt-4o-mini"})
	_, err := c.Condense(context.Background(), request())
	if !errors.Is(err, domain.ErrCondenserNotConfigured) {
		t.Fatalf("ожидали ошибку конфигурации, получили %v", err)
	}
}

func TestNewStubIgnoresKey(t *testing.T) {
	if _, ok := New(Settings{Stub: true}).(Stub); !ok {
		t.Fatal("ожидали заглушку")
	}
}

type batchStories []domain.Story

func (b batchStories) GetStory(_ context.Context, id string) (domain.Story, error) {
	for _, st := range b {
		if st.ID == id {
			return st, nil
		}
	}
	return domain.Story{}, domain.ErrStoryNotFound
}

func (b batchStories) ListActiveStories(context.Context) ([]domain.Story, error) {
	return b, nil
}

type discardVariants struct{ saves int }

func (d *discardVariants) SaveVariants(context.Context, string, map[domain.VariantKey]domain.Variant) error {
	d.saves++
	return nil
}

func TestRunBatchAbortsOnRejectedKey(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Incorrect API key provided"}}`))
	}))
	defer srv.Close()

	text := strings.TrimSpace(strings.Repeat("sleepy ", 2000))
	stories := batchStories{
		{ID: "s1", Title: "One", DefaultFullText: text, IsActive: true},
		{ID: "s2", Title: "Two", DefaultFullText: text, IsActive: true},
	}
	store := &discardVariants{}
	svc := generation.NewService(stories, store,
		New(Settings{APIKey: "sk-bad", BaseURL: srv.URL, Timeout: time.Second}),
		generation.WithPairConcurrency(1),
	)

	summary, err := svc.RunBatch(context.Background(), generation.BatchOptions{})
	if !errors.Is(err, domain.ErrCondenserNotConfigured) {
		t.Fatalf("ожидали ошибку конфигурации, получили %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("ожидали один запрос к OpenAI, получили %d", calls.Load())
	}
	if summary.Processed != 1 || store.saves != 0 {
		t.Fatalf("пакет должен остановиться на первой истории: %+v, сохранений %d", summary, store.saves)
	}
}
