package llm

// ModelInfo describes a known model in the catalog.
type ModelInfo struct {
	ID                   string   `json:"id"`
	Provider             string   `json:"provider"`
	DisplayName          string   `json:"display_name"`
	ContextWindow        int      `json:"context_window"`
	MaxOutput            *int     `json:"max_output,omitempty"`
	SupportsTools        bool     `json:"supports_tools"`
	SupportsReasoning    bool     `json:"supports_reasoning"`
	InputCostPerMillion  *float64 `json:"input_cost_per_million,omitempty"`
	OutputCostPerMillion *float64 `json:"output_cost_per_million,omitempty"`
	Aliases              []string `json:"aliases,omitempty"`
}

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

// Models is the built-in model catalog (February 2026).
var Models = []ModelInfo{
	// Anthropic
	{
		ID: "claude-opus-4-6", Provider: "anthropic", DisplayName: "Claude Opus 4.6",
		ContextWindow: 200000, MaxOutput: intPtr(32768),
		SupportsTools: true, SupportsReasoning: true,
		InputCostPerMillion: floatPtr(15.0), OutputCostPerMillion: floatPtr(75.0),
		Aliases: []string{"opus", "claude-opus"},
	},
	{
		ID: "claude-sonnet-4-5", Provider: "anthropic", DisplayName: "Claude Sonnet 4.5",
		ContextWindow: 200000, MaxOutput: intPtr(16384),
		SupportsTools: true, SupportsReasoning: true,
		InputCostPerMillion: floatPtr(3.0), OutputCostPerMillion: floatPtr(15.0),
		Aliases: []string{"sonnet", "claude-sonnet"},
	},

	// OpenAI
	{
		ID: "gpt-5.2", Provider: "openai", DisplayName: "GPT-5.2",
		ContextWindow: 1047576, MaxOutput: intPtr(32768),
		SupportsTools: true, SupportsReasoning: true,
		InputCostPerMillion: floatPtr(2.50), OutputCostPerMillion: floatPtr(10.0),
		Aliases: []string{"gpt5"},
	},
	{
		ID: "gpt-5.2-mini", Provider: "openai", DisplayName: "GPT-5.2 Mini",
		ContextWindow: 1047576, MaxOutput: intPtr(16384),
		SupportsTools: true, SupportsReasoning: true,
		InputCostPerMillion: floatPtr(0.75), OutputCostPerMillion: floatPtr(3.0),
		Aliases: []string{"gpt5-mini"},
	},

	// Local models served through an OpenAI-compatible endpoint (Ollama,
	// vLLM, llama.cpp). Zero cost; context windows are the upstream
	// defaults and feed the working-window sizing in the budget layer.
	{
		ID: "qwen3-coder", Provider: "local", DisplayName: "Qwen3 Coder",
		ContextWindow: 262144, MaxOutput: intPtr(32768),
		SupportsTools: true,
		Aliases:       []string{"qwen-coder"},
	},
	{
		ID: "llama3.3-70b", Provider: "local", DisplayName: "Llama 3.3 70B",
		ContextWindow: 131072, MaxOutput: intPtr(8192),
		SupportsTools: true,
		Aliases:       []string{"llama3.3"},
	},
	{
		ID: "deepseek-r1", Provider: "local", DisplayName: "DeepSeek R1",
		ContextWindow: 131072, MaxOutput: intPtr(16384),
		SupportsTools: false, SupportsReasoning: true,
	},
}

// GetModelInfo returns the catalog entry for a model, or nil if unknown.
func GetModelInfo(modelID string) *ModelInfo {
	for i := range Models {
		if Models[i].ID == modelID {
			return &Models[i]
		}
		for _, alias := range Models[i].Aliases {
			if alias == modelID {
				return &Models[i]
			}
		}
	}
	return nil
}

// ContextWindowFor returns the context window for a model, falling back to
// fallback when the model is not in the catalog.
func ContextWindowFor(modelID string, fallback int) int {
	if info := GetModelInfo(modelID); info != nil && info.ContextWindow > 0 {
		return info.ContextWindow
	}
	return fallback
}

// ListModels returns all known models, optionally filtered by provider.
func ListModels(provider string) []ModelInfo {
	if provider == "" {
		result := make([]ModelInfo, len(Models))
		copy(result, Models)
		return result
	}
	var result []ModelInfo
	for _, m := range Models {
		if m.Provider == provider {
			result = append(result, m)
		}
	}
	return result
}
