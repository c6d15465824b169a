package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino-ext/components/model/openai"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
)

// Providers understood by New.
const (
	ProviderHeuristic = "heuristic"
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
	ProviderClaude    = "claude"
)

const (
	defaultOllamaURL = "http://localhost:11434"
	defaultMaxTokens = 4096
)

// Config selects and configures a capability.
type Config struct {
	Provider  string
	Model     string
	BaseURL   string
	APIKeyEnv string
	MaxTokens int
}

// New builds the capability named by cfg.Provider. An empty provider is the
// offline heuristic.
func New(ctx context.Context, cfg Config) (Capability, error) {
	if cfg.Provider == "" || cfg.Provider == ProviderHeuristic {
		return Heuristic{}, nil
	}
	cm, err := NewChatModel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewChatCapability(cm), nil
}

// NewChatModel creates an eino chat model for the configured provider.
func NewChatModel(ctx context.Context, cfg Config) (einomodel.BaseChatModel, error) {
	apiKey := ""
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}
	switch cfg.Provider {
	case ProviderOpenAI:
		if apiKey == "" {
			return nil, fmt.Errorf("openai API key is required (set %s)", cfg.APIKeyEnv)
		}
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			Model:   cfg.Model,
			APIKey:  apiKey,
			BaseURL: cfg.BaseURL,
		})

	case ProviderOllama:
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = defaultOllamaURL
		}
		return ollama.NewChatModel(ctx, &ollama.ChatModelConfig{
			BaseURL: baseURL,
			Model:   cfg.Model,
		})

	case ProviderClaude:
		if apiKey == "" {
			return nil, fmt.Errorf("anthropic API key is required (set %s)", cfg.APIKeyEnv)
		}
		maxTokens := cfg.MaxTokens
		if maxTokens <= 0 {
			maxTokens = defaultMaxTokens
		}
		return claude.NewChatModel(ctx, &claude.Config{
			APIKey:    apiKey,
			Model:     cfg.Model,
			MaxTokens: maxTokens,
		})

	default:
		return nil, fmt.Errorf("unsupported completion provider: %s (supported: heuristic, openai, ollama, claude)", cfg.Provider)
	}
}

// ChatCapability asks a chat model for candidates as JSON.
type ChatCapability struct {
	model einomodel.BaseChatModel
}

// NewChatCapability wraps an eino chat model.
func NewChatCapability(m einomodel.BaseChatModel) *ChatCapability {
	return &ChatCapability{model: m}
}

const replyFormat = `Reply with JSON only, shaped as:
{"candidates":[{"content":"...","summary":"...","category":"knowledge","importance":0.5,"confidence":0.8,"tags":["..."],"relation":""}]}`

// Propose sends content with instructions and parses the reply.
func (c *ChatCapability) Propose(ctx context.Context, content, instructions string) ([]Candidate, error) {
	messages := []*schema.Message{
		schema.SystemMessage(instructions + "\n\n" + replyFormat),
		schema.UserMessage(content),
	}
	resp, err := c.model.Generate(ctx, messages)
	if err != nil {
		return nil, model.Capability("generate", err)
	}
	out, err := ParseCandidates(resp.Content)
	if err != nil {
		return nil, model.Capability("parse reply", err)
	}
	return out, nil
}

// ParseCandidates reads a model reply. It accepts the candidates object, a
// bare array, or either wrapped in a markdown code block or prose.
func ParseCandidates(reply string) ([]Candidate, error) {
	raw := extractJSON(reply)
	if raw == "" {
		return nil, fmt.Errorf("no JSON in reply")
	}
	var out []Candidate
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, fmt.Errorf("decode candidates: %w", err)
		}
	} else {
		var wrapped struct {
			Candidates []Candidate `json:"candidates"`
		}
		if err := json.Unmarshal([]byte(raw), &wrapped); err != nil {
			return nil, fmt.Errorf("decode candidates: %w", err)
		}
		out = wrapped.Candidates
	}

	kept := out[:0]
	for _, c := range out {
		c.Content = strings.TrimSpace(c.Content)
		if c.Content == "" {
			continue
		}
		c.Relation = model.RelationType(strings.ToUpper(strings.TrimSpace(string(c.Relation))))
		c.Category = model.Category(strings.ToLower(strings.TrimSpace(string(c.Category))))
		kept = append(kept, c)
	}
	return kept, nil
}

// extractJSON pulls the first JSON object or array out of a reply that may
// carry code fences or surrounding prose.
func extractJSON(reply string) string {
	if idx := strings.Index(reply, "```"); idx != -1 {
		start := idx + 3
		if nl := strings.Index(reply[start:], "\n"); nl != -1 {
			start += nl + 1
		}
		if end := strings.Index(reply[start:], "```"); end != -1 {
			reply = reply[start : start+end]
		}
	}
	start := strings.IndexAny(reply, "{[")
	if start == -1 {
		return ""
	}
	openCh, closeCh := reply[start], byte('}')
	if openCh == '[' {
		closeCh = ']'
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(reply); i++ {
		ch := reply[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == openCh:
			depth++
		case ch == closeCh:
			depth--
			if depth == 0 {
				return reply[start : i+1]
			}
		}
	}
	return ""
}
