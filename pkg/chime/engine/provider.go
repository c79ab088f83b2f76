// Package engine – provider.go is the built-in OpenAI-compatible provider.
// Hosts normally supply their own providers through host.Context; the
// simulator and standalone serve mode use this one.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/jholhewres/chime/pkg/chime/host"
)

// OpenAIProvider implements host.Provider against any OpenAI-compatible API.
type OpenAIProvider struct {
	id     string
	cfg    ProviderConfig
	client *openai.Client
	logger *slog.Logger
}

// NewOpenAIProvider builds a provider. The API key should come through
// ResolveAPIKey so the keyring/env chain applies.
func NewOpenAIProvider(id string, cfg ProviderConfig, apiKey string, logger *slog.Logger) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("provider %s: %w", id, host.ErrNoProvider)
	}
	if logger == nil {
		logger = slog.Default()
	}
	clientConfig := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	clientConfig.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return &OpenAIProvider{
		id:     id,
		cfg:    cfg,
		client: openai.NewClientWithConfig(clientConfig),
		logger: logger.With("component", "provider", "provider_id", id),
	}, nil
}

// ID returns the provider identifier.
func (p *OpenAIProvider) ID() string { return p.id }

// TextChat performs one chat completion.
func (p *OpenAIProvider) TextChat(ctx context.Context, req *host.ProviderRequest) (*host.ProviderResponse, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Contexts)+2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, entry := range req.Contexts {
		messages = append(messages, toChatMessage(entry))
	}

	user := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
	if len(req.ImageURLs) > 0 {
		parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: req.Prompt}}
		for _, u := range req.ImageURLs {
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: u},
			})
		}
		user.MultiContent = parts
	} else {
		user.Content = req.Prompt
	}
	messages = append(messages, user)

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.cfg.Model,
		Messages:    messages,
		MaxTokens:   p.cfg.MaxTokens,
		Temperature: p.cfg.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion: empty choices")
	}
	return &host.ProviderResponse{CompletionText: resp.Choices[0].Message.Content}, nil
}

// toChatMessage converts a conversation entry, flattening multimodal content
// into message parts.
func toChatMessage(entry host.ConversationEntry) openai.ChatCompletionMessage {
	role := openai.ChatMessageRoleUser
	switch entry.Role {
	case host.RoleAssistant:
		role = openai.ChatMessageRoleAssistant
	case host.RoleSystem:
		role = openai.ChatMessageRoleSystem
	}
	msg := openai.ChatCompletionMessage{Role: role}
	switch content := entry.Content.(type) {
	case string:
		msg.Content = content
	case []host.ContentPart:
		for _, part := range content {
			switch part.Type {
			case "text":
				msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText, Text: part.Text,
				})
			case "image_url":
				if part.ImageURL != nil {
					msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: part.ImageURL.URL},
					})
				}
			}
		}
	default:
		msg.Content = fmt.Sprintf("%v", content)
	}
	return msg
}
