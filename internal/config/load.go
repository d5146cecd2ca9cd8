package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/STSynthetic/GF-25-v3/internal/broker"
	"github.com/STSynthetic/GF-25-v3/internal/domain"
)

const (
	minTemperature                 = 0.0
	maxTemperature                 = 2.0
	minContextSize                 = 1024
	maxContextSize                 = 131072
	minMaxAttempts                 = 1
	maxMaxAttempts                 = 5
	minMaxOutputSize               = 1
	maxMaxOutputSize               = 32768
	defaultMaxOutputSize           = 1024
	defaultCorrectiveMaxOutputSize = 512
)

// knownPlaceholders is the closed set of template tokens promptutil.Render
// understands; anything else in a profile's prompt templates is a
// misconfiguration that would otherwise only surface at render time.
var knownPlaceholders = map[string]bool{
	"IMAGE":        true,
	"PRIOR_OUTPUT": true,
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// ValidationError describes one malformed profile document encountered
// while loading the config tree; Reload aggregates these into a Report
// rather than failing the whole load on a single bad file.
type ValidationError struct {
	Path string
	Err  error
}

func (v *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", v.Path, v.Err)
}

// loadTree walks config/analyses/<type>.yaml and
// config/corrective/<type>/<tier>.yaml under root, returning a fully
// populated ProfileSet plus any per-file validation errors.
func loadTree(root string) (*ProfileSet, []*ValidationError) {
	set := newEmptyProfileSet()
	var errs []*ValidationError

	analysesDir := filepath.Join(root, "analyses")
	entries, err := os.ReadDir(analysesDir)
	if err != nil && !os.IsNotExist(err) {
		errs = append(errs, &ValidationError{Path: analysesDir, Err: err})
	}
	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		path := filepath.Join(analysesDir, entry.Name())
		profile, err := loadAnalysisProfile(path)
		if err != nil {
			errs = append(errs, &ValidationError{Path: path, Err: err})
			continue
		}
		set.Analyses[profile.Type] = profile
	}

	correctiveDir := filepath.Join(root, "corrective")
	typeDirs, err := os.ReadDir(correctiveDir)
	if err != nil && !os.IsNotExist(err) {
		errs = append(errs, &ValidationError{Path: correctiveDir, Err: err})
	}
	for _, typeDir := range typeDirs {
		if !typeDir.IsDir() {
			continue
		}
		tierFiles, err := os.ReadDir(filepath.Join(correctiveDir, typeDir.Name()))
		if err != nil {
			errs = append(errs, &ValidationError{Path: filepath.Join(correctiveDir, typeDir.Name()), Err: err})
			continue
		}
		for _, tierFile := range tierFiles {
			if tierFile.IsDir() || !isYAML(tierFile.Name()) {
				continue
			}
			path := filepath.Join(correctiveDir, typeDir.Name(), tierFile.Name())
			profile, err := loadCorrectiveProfile(path)
			if err != nil {
				errs = append(errs, &ValidationError{Path: path, Err: err})
				continue
			}
			set.Corrective[profile.Key()] = profile
		}
	}

	return set, errs
}

// checkClosedAnalysisSet verifies every type in broker.AnalysisQueues has
// exactly one analysis profile and all three corrective tiers loaded. A
// deployment shipping a subset of the 21 types, or missing a corrective
// stage for one it does ship, is malformed: the Job Orchestrator would
// otherwise discover the gap only when a task for that type reaches it.
func checkClosedAnalysisSet(set *ProfileSet) []*ValidationError {
	var errs []*ValidationError
	tiers := []domain.QATier{domain.QATierStructural, domain.QATierContentQuality, domain.QATierDomainExpert}
	for _, analysisType := range broker.AnalysisQueues {
		if _, ok := set.Analyses[analysisType]; !ok {
			errs = append(errs, &ValidationError{Path: analysisType, Err: fmt.Errorf("missing analysis profile for type %q", analysisType)})
		}
		for _, tier := range tiers {
			key := analysisType + "/" + string(tier)
			if _, ok := set.Corrective[key]; !ok {
				errs = append(errs, &ValidationError{Path: key, Err: fmt.Errorf("missing corrective profile %s", key)})
			}
		}
	}
	return errs
}

func loadAnalysisProfile(path string) (*domain.AnalysisProfile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p domain.AnalysisProfile
	if err := yaml.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := validateAnalysisProfile(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

func loadCorrectiveProfile(path string) (*domain.CorrectiveProfile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p domain.CorrectiveProfile
	if err := yaml.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := validateCorrectiveProfile(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

func validateAnalysisProfile(p *domain.AnalysisProfile) error {
	if strings.TrimSpace(p.Type) == "" {
		return fmt.Errorf("missing type")
	}
	if strings.TrimSpace(p.UserPromptTemplate) == "" {
		return fmt.Errorf("analysis %q missing user_prompt_template", p.Type)
	}
	if strings.TrimSpace(p.EngineType) == "" {
		return fmt.Errorf("analysis %q missing engine_type", p.Type)
	}
	if strings.TrimSpace(p.Model) == "" {
		return fmt.Errorf("analysis %q missing model", p.Type)
	}
	if p.ConfidenceThreshold <= 0 {
		p.ConfidenceThreshold = 0.8
	}
	if p.MaxQAAttempts <= 0 {
		p.MaxQAAttempts = 3
	}
	if p.Temperature < minTemperature || p.Temperature > maxTemperature {
		return fmt.Errorf("analysis %q has temperature %.2f outside [%.0f,%.0f]", p.Type, p.Temperature, minTemperature, maxTemperature)
	}
	if p.ContextSize == 0 {
		p.ContextSize = 8192
	}
	if p.ContextSize < minContextSize || p.ContextSize > maxContextSize {
		return fmt.Errorf("analysis %q has context_size %d outside [%d,%d]", p.Type, p.ContextSize, minContextSize, maxContextSize)
	}
	if p.MaxOutputSize == 0 {
		p.MaxOutputSize = defaultMaxOutputSize
	}
	if p.MaxOutputSize < minMaxOutputSize || p.MaxOutputSize > maxMaxOutputSize {
		return fmt.Errorf("analysis %q has max_output_size %d outside [%d,%d]", p.Type, p.MaxOutputSize, minMaxOutputSize, maxMaxOutputSize)
	}
	if err := checkPlaceholders(fmt.Sprintf("analysis %q system_prompt_template", p.Type), p.SystemPromptTemplate, false); err != nil {
		return err
	}
	if err := checkPlaceholders(fmt.Sprintf("analysis %q user_prompt_template", p.Type), p.UserPromptTemplate, false); err != nil {
		return err
	}
	for _, f := range p.SchemaFields {
		if strings.TrimSpace(f.Name) == "" {
			return fmt.Errorf("analysis %q has schema field with empty name", p.Type)
		}
	}
	return nil
}

func validateCorrectiveProfile(p *domain.CorrectiveProfile) error {
	if strings.TrimSpace(p.AnalysisType) == "" {
		return fmt.Errorf("missing analysis_type")
	}
	switch p.Tier {
	case domain.QATierStructural, domain.QATierContentQuality, domain.QATierDomainExpert:
	default:
		return fmt.Errorf("corrective %q has invalid tier %q", p.AnalysisType, p.Tier)
	}
	if strings.TrimSpace(p.UserPromptTemplate) == "" {
		return fmt.Errorf("corrective %s/%s missing user_prompt_template", p.AnalysisType, p.Tier)
	}
	if strings.TrimSpace(p.Model) == "" {
		return fmt.Errorf("corrective %s/%s missing model", p.AnalysisType, p.Tier)
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.MaxAttempts < minMaxAttempts || p.MaxAttempts > maxMaxAttempts {
		return fmt.Errorf("corrective %s/%s has max_attempts %d outside [%d,%d]", p.AnalysisType, p.Tier, p.MaxAttempts, minMaxAttempts, maxMaxAttempts)
	}
	if p.Temperature <= 0 {
		p.Temperature = 0.05
	}
	if p.Temperature < minTemperature || p.Temperature > maxTemperature {
		return fmt.Errorf("corrective %s/%s has temperature %.2f outside [%.0f,%.0f]", p.AnalysisType, p.Tier, p.Temperature, minTemperature, maxTemperature)
	}
	if p.ContextSize == 0 {
		p.ContextSize = 4096
	}
	if p.ContextSize < minContextSize || p.ContextSize > maxContextSize {
		return fmt.Errorf("corrective %s/%s has context_size %d outside [%d,%d]", p.AnalysisType, p.Tier, p.ContextSize, minContextSize, maxContextSize)
	}
	if p.MaxOutputSize == 0 {
		p.MaxOutputSize = defaultCorrectiveMaxOutputSize
	}
	if p.MaxOutputSize < minMaxOutputSize || p.MaxOutputSize > maxMaxOutputSize {
		return fmt.Errorf("corrective %s/%s has max_output_size %d outside [%d,%d]", p.AnalysisType, p.Tier, p.MaxOutputSize, minMaxOutputSize, maxMaxOutputSize)
	}
	if err := checkPlaceholders(fmt.Sprintf("corrective %s/%s system_prompt_template", p.AnalysisType, p.Tier), p.SystemPromptTemplate, false); err != nil {
		return err
	}
	if err := checkPlaceholders(fmt.Sprintf("corrective %s/%s user_prompt_template", p.AnalysisType, p.Tier), p.UserPromptTemplate, true); err != nil {
		return err
	}
	return nil
}

// checkPlaceholders scans a prompt template for {{TOKEN}} placeholders,
// rejecting any token promptutil.Render does not understand. When
// requireImageAndPrior is set (corrective user prompts), both {{IMAGE}}
// and {{PRIOR_OUTPUT}} must appear — a corrective call with neither the
// image nor the prior output to react to cannot meaningfully correct it.
func checkPlaceholders(label, tmpl string, requireImageAndPrior bool) error {
	found := map[string]bool{}
	for _, m := range placeholderPattern.FindAllStringSubmatch(tmpl, -1) {
		token := m[1]
		if !knownPlaceholders[token] {
			return fmt.Errorf("%s references unknown placeholder {{%s}}", label, token)
		}
		found[token] = true
	}
	if requireImageAndPrior {
		if !found["IMAGE"] {
			return fmt.Errorf("%s must reference {{IMAGE}}", label)
		}
		if !found["PRIOR_OUTPUT"] {
			return fmt.Errorf("%s must reference {{PRIOR_OUTPUT}}", label)
		}
	}
	return nil
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
