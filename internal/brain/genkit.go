package brain

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/basket/go-minder/internal/persistence"
	"github.com/basket/go-minder/internal/pricing"
	"github.com/basket/go-minder/internal/tokenutil"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// Config holds provider settings for the GenkitBrain.
type Config struct {
	// Provider is the LLM provider: "google", "anthropic", "openai".
	// Empty defaults to "google".
	Provider string

	// Model is the model name for the configured provider.
	Model string

	// APIKey is the API key for the LLM provider.
	APIKey string

	// Timeout bounds each provider call. Default 60s.
	Timeout time.Duration
}

// GenkitBrain implements Classifier and Assistant on top of a Genkit
// instance. Every billable call lands a row in the cost ledger.
type GenkitBrain struct {
	g      *genkit.Genkit
	store  *persistence.Store // may be nil in tests
	logger *slog.Logger
	cfg    Config
	llmOn  bool
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai":
		return "gpt-4o-mini"
	default:
		return "gemini-2.5-flash"
	}
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	default:
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	}
}

// New initializes Genkit with the configured LLM provider. With no API key
// the brain runs in deterministic fallback mode so the rest of the system
// stays testable offline.
func New(ctx context.Context, store *persistence.Store, logger *slog.Logger, cfg Config) *GenkitBrain {
	if logger == nil {
		logger = slog.Default()
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	cfg.Provider = provider

	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = defaultModelForProvider(provider)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}

	var g *genkit.Genkit
	llmOn := false

	switch provider {
	case "anthropic":
		if apiKey != "" {
			anthropicPlugin := &anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}
			g = genkit.Init(ctx, genkit.WithPlugins(anthropicPlugin))
			llmOn = true
			logger.Info("genkit brain initialized", "provider", "anthropic", "model", cfg.Model)
		} else {
			g = genkit.Init(ctx)
			logger.Warn("Anthropic API key missing; using deterministic fallback")
		}

	case "openai":
		if apiKey != "" {
			openaiPlugin := &compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}
			g = genkit.Init(ctx, genkit.WithPlugins(openaiPlugin))
			llmOn = true
			logger.Info("genkit brain initialized", "provider", "openai", "model", cfg.Model)
		} else {
			g = genkit.Init(ctx)
			logger.Warn("OpenAI API key missing; using deterministic fallback")
		}

	default: // google
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{}),
				genkit.WithDefaultModel("googleai/"+cfg.Model),
			)
			llmOn = true
			logger.Info("genkit brain initialized", "provider", "google", "model", "googleai/"+cfg.Model)
		} else {
			g = genkit.Init(ctx)
			logger.Warn("Google API key missing; using deterministic fallback")
		}
	}

	return &GenkitBrain{
		g:      g,
		store:  store,
		logger: logger,
		cfg:    cfg,
		llmOn:  llmOn,
	}
}

func (b *GenkitBrain) modelName() string {
	if b.cfg.Provider == "google" {
		return "googleai/" + b.cfg.Model
	}
	return b.cfg.Provider + "/" + b.cfg.Model
}

const classifySystemPrompt = `You classify chat messages for a personal assistant.
Reply with ONLY a JSON object, no prose, no code fences:
{"type":"task|promise_mine|promise_incoming|info","confidence":0-100,"summary":"...","who":"...","deadline":"RFC3339 timestamp or null","is_urgent":true|false}
- "task": something the owner must do.
- "promise_mine": the owner committed to do something for someone.
- "promise_incoming": someone committed to do something for the owner.
- "info": no actionable commitment.`

// Classify sends the message to the model and parses its JSON verdict.
func (b *GenkitBrain) Classify(ctx context.Context, text, recent string) (Classification, error) {
	if !b.llmOn {
		return fallbackClassify(text), nil
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	prompt := text
	if strings.TrimSpace(recent) != "" {
		prompt = "Recent conversation:\n" + recent + "\n\nMessage to classify:\n" + text
	}
	resp, err := genkit.Generate(ctx, b.g,
		ai.WithModelName(b.modelName()),
		// Escape % characters to prevent fmt corruption in ai.WithSystem().
		ai.WithSystem(strings.ReplaceAll(classifySystemPrompt, "%", "%%")),
		ai.WithPrompt(prompt),
	)
	if err != nil {
		return Classification{}, fmt.Errorf("classify generate: %w", err)
	}

	b.recordCost(ctx, "classify", prompt, resp)

	cls, err := parseClassification(resp.Text())
	if err != nil {
		return Classification{}, fmt.Errorf("classify parse: %w", err)
	}
	return cls, nil
}

const respondSystemPrompt = `You are a concise personal assistant managing the owner's tasks and promises.
Answer in the owner's language. Keep replies short and practical.`

// Respond generates a free-form assistant reply.
func (b *GenkitBrain) Respond(ctx context.Context, prompt, recent string) (Response, error) {
	if !b.llmOn {
		return fallbackRespond(prompt), nil
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	opts := []ai.GenerateOption{
		ai.WithModelName(b.modelName()),
		ai.WithSystem(strings.ReplaceAll(respondSystemPrompt, "%", "%%")),
		ai.WithPrompt(prompt),
	}
	if strings.TrimSpace(recent) != "" {
		opts = append(opts, ai.WithMessages(&ai.Message{
			Role:    ai.RoleUser,
			Content: []*ai.Part{ai.NewTextPart("Context from earlier conversation:\n" + recent)},
		}))
	}
	resp, err := genkit.Generate(ctx, b.g, opts...)
	if err != nil {
		return Response{}, fmt.Errorf("respond generate: %w", err)
	}

	in, out := usageTokens(prompt, resp)
	b.recordCost(ctx, "respond", prompt, resp)
	return Response{Content: resp.Text(), TokensIn: in, TokensOut: out}, nil
}

func usageTokens(prompt string, resp *ai.ModelResponse) (in, out int) {
	if resp.Usage != nil && (resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0) {
		return resp.Usage.InputTokens, resp.Usage.OutputTokens
	}
	return tokenutil.EstimateTokens(prompt), tokenutil.EstimateTokens(resp.Text())
}

func (b *GenkitBrain) recordCost(ctx context.Context, method, prompt string, resp *ai.ModelResponse) {
	if b.store == nil {
		return
	}
	in, out := usageTokens(prompt, resp)
	entry := persistence.CostEntry{
		Method:    method,
		Model:     b.cfg.Model,
		TokensIn:  in,
		TokensOut: out,
		CostUSD:   pricing.EstimateCost(b.cfg.Model, in, out),
	}
	// Ledger failures never fail the call that produced the tokens.
	if err := b.store.RecordCost(ctx, entry, time.Now()); err != nil {
		b.logger.Warn("cost ledger write failed", "method", method, "error", err)
	}
}

// parseClassification decodes the model's JSON verdict, tolerating code
// fences and surrounding prose.
func parseClassification(raw string) (Classification, error) {
	raw = strings.TrimSpace(raw)
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}

	var wire struct {
		Type       string `json:"type"`
		Confidence int    `json:"confidence"`
		Summary    string `json:"summary"`
		Who        string `json:"who"`
		Deadline   string `json:"deadline"`
		IsUrgent   bool   `json:"is_urgent"`
	}
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return Classification{}, fmt.Errorf("decode verdict %q: %w", raw, err)
	}

	cls := Classification{
		Type:       normalizeType(wire.Type),
		Confidence: wire.Confidence,
		Summary:    strings.TrimSpace(wire.Summary),
		Who:        strings.TrimSpace(wire.Who),
		IsUrgent:   wire.IsUrgent,
	}
	if cls.Confidence < 0 {
		cls.Confidence = 0
	}
	if cls.Confidence > 100 {
		cls.Confidence = 100
	}
	if d := strings.TrimSpace(wire.Deadline); d != "" && !strings.EqualFold(d, "null") {
		for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if parsed, err := time.Parse(layout, d); err == nil {
				parsed = parsed.UTC()
				cls.Deadline = &parsed
				break
			}
		}
	}
	return cls, nil
}

// normalizeType collapses model variations onto the canonical task types.
func normalizeType(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "task", "todo":
		return string(persistence.TaskTypeTask)
	case "promise_mine", "promise-mine", "my_promise":
		return string(persistence.TaskTypePromiseMine)
	case "promise_incoming", "promise-incoming", "incoming_promise":
		return string(persistence.TaskTypePromiseIncoming)
	default:
		return TypeInfo
	}
}
