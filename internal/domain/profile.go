package domain

// AnalysisProfile is the YAML-sourced definition of one vision-model
// analysis type: the prompt templates, target engine, and the QA
// thresholds applied to its output before it is accepted.
type AnalysisProfile struct {
	Type    string `yaml:"type"`
	Version string `yaml:"version"`

	// SystemPromptTemplate carries the role/behavior framing sent once per
	// call; UserPromptTemplate carries the per-image instruction body. Kept
	// separate because the two-model runtime split (analysis vs. QA/
	// correction) addresses them to different message roles.
	SystemPromptTemplate string  `yaml:"system_prompt_template"`
	UserPromptTemplate   string  `yaml:"user_prompt_template"`
	EngineType           string  `yaml:"engine_type"`
	Model                string  `yaml:"model"`
	Temperature          float64 `yaml:"temperature"`
	// TopP and TopK are nucleus/top-k sampling bounds forwarded to the
	// vision runtime alongside Temperature. Zero means "let the engine
	// use its own default" rather than "disable sampling."
	TopP float64 `yaml:"top_p"`
	TopK int     `yaml:"top_k"`

	// ContextSize bounds the model's input context window in tokens;
	// MaxOutputSize bounds the generated response.
	ContextSize   int `yaml:"context_size"`
	MaxOutputSize int `yaml:"max_output_size"`

	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	MaxQAAttempts       int     `yaml:"max_qa_attempts"`

	// ProhibitedPhrases lists substrings the content_quality (T2) tier
	// rejects outright wherever they appear in the model's output, case
	// insensitively. An empty list means T2 applies no phrase filter at all.
	ProhibitedPhrases []string `yaml:"prohibited_phrases"`

	// SchemaFields lists the required top-level keys the T1 structural
	// tier checks for in the model's raw JSON output.
	SchemaFields []SchemaField `yaml:"schema_fields"`
}

// SchemaField is one required-key/type/shape constraint enforced by the T1
// structural QA tier without pulling in a general JSON-Schema library.
type SchemaField struct {
	Name     string   `yaml:"name"`
	Type     string   `yaml:"type"` // string|number|bool|array|object
	Required bool     `yaml:"required"`
	Pattern  string   `yaml:"pattern,omitempty"`
	// Enum, when non-empty, restricts a string field to one of these
	// values (case-sensitive exact match).
	Enum []string `yaml:"enum,omitempty"`
	// MinLength/MaxLength bound a string's character count or an array's
	// element count; zero means unbounded on that side.
	MinLength int `yaml:"min_length,omitempty"`
	MaxLength int `yaml:"max_length,omitempty"`
}

// CorrectiveProfile is the YAML-sourced definition of the remediation
// prompt used when a given analysis type fails a given QA tier.
type CorrectiveProfile struct {
	AnalysisType string `yaml:"analysis_type"`
	Tier         QATier `yaml:"tier"`
	Version      string `yaml:"version"`

	SystemPromptTemplate string `yaml:"system_prompt_template"`
	UserPromptTemplate   string `yaml:"user_prompt_template"`
	// Model names the QA/correction model, kept distinct from the
	// analysis profile's Model per the two-model runtime split.
	Model         string  `yaml:"model"`
	Temperature   float64 `yaml:"temperature"`
	TopP          float64 `yaml:"top_p"`
	TopK          int     `yaml:"top_k"`
	MaxAttempts   int     `yaml:"max_attempts"`
	ContextSize   int     `yaml:"context_size"`
	MaxOutputSize int     `yaml:"max_output_size"`
}

// Key identifies a corrective profile by the (analysis type, tier) pair it corrects.
func (c *CorrectiveProfile) Key() string {
	return c.AnalysisType + "/" + string(c.Tier)
}
