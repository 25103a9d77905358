package gateway

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"coscene/internal/config"
)

const defaultGenerationRetries = 2

// NewChatModel builds the eino chat model for the configured provider.
func NewChatModel(ctx context.Context, provider string, provCfg config.ProviderConfig) (model.ToolCallingChatModel, error) {
	switch provider {
	case "openai":
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   provCfg.Model,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("create gemini client: %w", err)
		}
		return gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  provCfg.Model,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		return claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     provCfg.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: 4096,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
}

// ChatGenerator produces candidate scenes through a single-shot
// multimodal model call with a small internal retry budget.
type ChatGenerator struct {
	chatModel model.ToolCallingChatModel
	retries   int
}

func NewChatGenerator(chatModel model.ToolCallingChatModel, retries int) *ChatGenerator {
	if retries <= 0 {
		retries = defaultGenerationRetries
	}
	return &ChatGenerator{chatModel: chatModel, retries: retries}
}

func (g *ChatGenerator) Generate(ctx context.Context, sceneText, instruction string, contextRenders map[string][]byte) (*GenerationResult, error) {
	prompt := buildGenerationPrompt(sceneText, instruction, len(contextRenders) > 0)
	return g.invoke(ctx, prompt, contextRenders)
}

func (g *ChatGenerator) Repair(ctx context.Context, sceneText, instruction string, issues []string, contextRenders map[string][]byte) (*GenerationResult, error) {
	prompt := buildRepairPrompt(sceneText, instruction, issues)
	return g.invoke(ctx, prompt, contextRenders)
}

func (g *ChatGenerator) invoke(ctx context.Context, prompt string, contextRenders map[string][]byte) (*GenerationResult, error) {
	messages := []*schema.Message{
		schema.SystemMessage(systemPrompt),
		multimodalMessage(prompt, contextRenders),
	}

	var lastErr error
	for attempt := 0; attempt <= g.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrGenerationUnavailable, ctx.Err())
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}
		resp, err := g.chatModel.Generate(ctx, messages)
		if err != nil {
			lastErr = err
			log.Printf("generation attempt %d failed: %v", attempt+1, err)
			continue
		}
		candidate := stripCodeFence(resp.Content)
		return &GenerationResult{
			CandidateText: candidate,
			Plausible:     strings.HasPrefix(strings.TrimSpace(candidate), "#usda"),
		}, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrGenerationUnavailable, lastErr)
}

// multimodalMessage embeds context renders as base64 image parts after
// the text prompt, in a stable angle order.
func multimodalMessage(prompt string, renders map[string][]byte) *schema.Message {
	if len(renders) == 0 {
		return schema.UserMessage(prompt)
	}
	parts := make([]schema.ChatMessagePart, 0, len(renders)+1)
	parts = append(parts, schema.ChatMessagePart{
		Type: schema.ChatMessagePartTypeText,
		Text: prompt,
	})
	for _, angle := range sortedAngles(renders) {
		parts = append(parts, imagePart(renders[angle]))
	}
	return &schema.Message{
		Role:         schema.User,
		MultiContent: parts,
	}
}

func imagePart(image []byte) schema.ChatMessagePart {
	encoded := base64.StdEncoding.EncodeToString(image)
	return schema.ChatMessagePart{
		Type: schema.ChatMessagePartTypeImageURL,
		ImageURL: &schema.ChatMessageImageURL{
			URL:      "data:image/png;base64," + encoded,
			MIMEType: "image/png",
		},
	}
}

func sortedAngles(renders map[string][]byte) []string {
	angles := make([]string, 0, len(renders))
	for angle := range renders {
		angles = append(angles, angle)
	}
	sort.Strings(angles)
	return angles
}
