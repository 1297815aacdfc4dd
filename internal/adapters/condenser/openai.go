package condenser

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"storytime/internal/domain"
	openai "storytime/internal/infra/openai"
)

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

const systemPrompt = "You are an expert children's story editor. You condense bedtime stories while keeping their essence, gentle tone and themes."

// OpenAI сокращает истории через OpenAI Chat Completions.
type OpenAI struct {
	client  chatClient
	model   string
	timeout time.Duration
}

var _ domain.Condenser = (*OpenAI)(nil)

// NewOpenAI создаёт провайдер сокращения.
func NewOpenAI(client chatClient, model string, timeout time.Duration) *OpenAI {
	if model == "" {
		model = "gpt-4o-mini"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAI{client: client, model: model, timeout: timeout}
}

// Condense возвращает сокращённый текст истории.
func (o *OpenAI) Condense(ctx context.Context, req domain.CondenseRequest) (string, error) {
	if o.client == nil {
		return "", domain.ErrCondenserNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.model,
		Temperature: 0.7,
		MaxTokens:   int(math.Ceil(float64(req.TargetWordBudget) * 1.5)),
		Messages: []openai.ChatMessage{
			{Role: openai.RoleSystem, Content: systemPrompt},
			{Role: openai.RoleUser, Content: buildPrompt(req)},
		},
	})
	if err != nil {
		if errors.Is(err, openai.ErrEmptyAPIKey) || rejectedCredentials(err) {
			return "", fmt.Errorf("openai completion: %w: %w", domain.ErrCondenserNotConfigured, err)
		}
		return "", fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai completion: пустой ответ")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// rejectedCredentials сообщает, что OpenAI отверг ключ (401 или 403).
func rejectedCredentials(err error) bool {
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden
}

func buildPrompt(req domain.CondenseRequest) string {
	minutes := req.TargetWordBudget / domain.WordsPerMinute
	var b strings.Builder
	fmt.Fprintf(&b, "Condense the bedtime story below so it takes about %d minutes to read aloud (target: about %d words).\n", minutes, req.TargetWordBudget)
	if title := strings.TrimSpace(req.Hints.Title); title != "" {
		fmt.Fprintf(&b, "Story title: %s\n", title)
	}
	b.WriteString(`
Requirements:
1. Keep the main plot, the characters and the story arc. It must read as a complete story, not a summary.
2. Keep the calm, gentle bedtime tone.
3. Keep the key themes and values.`)
	if len(req.Hints.ValuesTags) > 0 {
		fmt.Fprintf(&b, " Values to preserve: %s.", strings.Join(req.Hints.ValuesTags, ", "))
	}
	if len(req.Hints.TopicTags) > 0 {
		fmt.Fprintf(&b, " Story topics: %s.", strings.Join(req.Hints.TopicTags, ", "))
	}
	b.WriteString(`
4. Keep the character development and the emotional journey.
5. The ending must feel complete and satisfying.
6. Keep the narrative style and voice.
7. Do not add new content, only condense what exists.
8. Keep any gender-specific details of the characters.

Original story:
`)
	b.WriteString(req.SourceText)
	b.WriteString("\n\nReply with the condensed story text only, without commentary.")
	return b.String()
}
