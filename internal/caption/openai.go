package caption

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIProvider generates captions through an OpenAI-compatible
// chat-completions endpoint.
type OpenAIProvider struct {
	httpClient *resty.Client
	model      string
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// NewOpenAIProvider creates a provider for the given API key and model. The
// timeout bounds the whole completion call; on expiry the caller's fallback
// takes over.
func NewOpenAIProvider(apiKey, model string, timeout time.Duration) *OpenAIProvider {
	return NewOpenAIProviderWithBaseURL(apiKey, model, defaultOpenAIBaseURL, timeout)
}

// NewOpenAIProviderWithBaseURL is NewOpenAIProvider with a custom endpoint,
// used for OpenAI-compatible gateways and in tests.
func NewOpenAIProviderWithBaseURL(apiKey, model, baseURL string, timeout time.Duration) *OpenAIProvider {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(apiKey).
		SetTimeout(timeout)
	return &OpenAIProvider{httpClient: httpClient, model: model}
}

func (p *OpenAIProvider) Generate(ctx context.Context, rc ReportContext) (string, error) {
	prompt := fmt.Sprintf(
		"Напишите короткий вдохновляющий текст к фотоотчёту об уборке подъезда.\n"+
			"Адрес: %s\nДата: %s\n"+
			"Упомяните чистоту и благодарность жителям. Не больше 2-3 строк, закончите эмодзи.",
		rc.Address, FormatRussianDate(rc.Date))

	var result chatCompletionResponse
	resp, err := p.httpClient.R().
		SetContext(ctx).
		SetBody(chatCompletionRequest{
			Model: p.model,
			Messages: []chatMessage{
				{Role: "system", Content: "Ты вдохновляющий помощник клининговой компании."},
				{Role: "user", Content: prompt},
			},
			Temperature: 0.9,
		}).
		SetResult(&result).
		Post("/chat/completions")
	if err != nil {
		return "", fmt.Errorf("chat completion request failed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("chat completion error: status %s, body: %s", resp.Status(), resp.String())
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return strings.TrimSpace(result.Choices[0].Message.Content), nil
}
