package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/annolab/annolab/internal/config"
)

// Model wraps langchaingo LLM for text generation.
type Model struct {
	llm       llms.Model
	modelName string
}

// NewModel creates an LLM model based on configuration. The generation
// provider follows the embedding provider setting.
func NewModel(cfg config.Config) (*Model, error) {
	var (
		model llms.Model
		err   error
	)

	switch cfg.EmbedProvider {
	case config.ProviderOllama:
		model, err = ollama.New(
			ollama.WithModel(cfg.LLMModel),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}

	case config.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		model, err = openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.EmbedProvider)
	}

	return &Model{
		llm:       model,
		modelName: cfg.LLMModel,
	}, nil
}

// Generate generates text based on a prompt.
func (m *Model) Generate(ctx context.Context, prompt string) (string, error) {
	response, err := llms.GenerateFromSinglePrompt(ctx, m.llm, prompt)
	if err != nil {
		return "", wrapUnavailable(fmt.Errorf("generate: %w", err))
	}
	return response, nil
}

// GenerateWithSystem generates text with a system prompt.
func (m *Model) GenerateWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, userPrompt),
	}

	response, err := m.llm.GenerateContent(ctx, messages)
	if err != nil {
		return "", wrapUnavailable(fmt.Errorf("generate with system: %w", err))
	}

	if len(response.Choices) == 0 {
		return "", fmt.Errorf("no response choices")
	}

	return response.Choices[0].Content, nil
}

// Model returns the LLM model name.
func (m *Model) Model() string {
	return m.modelName
}

// EvaluateResponse judges an annotator's response against its task. The
// customPrompt, when non-empty, replaces the default rubric.
func (m *Model) EvaluateResponse(ctx context.Context, task, response, customPrompt string) (string, error) {
	systemPrompt := customPrompt
	if systemPrompt == "" {
		systemPrompt = `You are a quality reviewer for a data annotation workforce.
Judge whether the annotator's response correctly fulfills the task.
Reply with exactly one line: VERDICT|explanation
where VERDICT is one of PASS, FAIL or UNSURE and the explanation is one short sentence.`
	}

	userPrompt := fmt.Sprintf(`Task:
%s

Annotator response:
%s

Review:`, task, response)

	return m.GenerateWithSystem(ctx, systemPrompt, userPrompt)
}
