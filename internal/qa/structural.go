package qa

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/STSynthetic/GF-25-v3/internal/domain"
)

// structuralTier is T1: a local, schema-shaped check against the
// profile's declared SchemaFields. No model call, no third-party
// JSON-Schema library — the profile schema is a small closed DSL
// (presence, type, pattern), not general JSON Schema.
type structuralTier struct{}

func NewStructuralTier() Tier { return structuralTier{} }

func (structuralTier) Name() domain.QATier { return domain.QATierStructural }

func (structuralTier) Validate(_ context.Context, profile *domain.AnalysisProfile, _ *domain.CorrectiveProfile, snap Snapshot) (Outcome, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(snap.CurrentOutput), &doc); err != nil {
		return Outcome{
			Pass:           false,
			FailureReasons: []string{fmt.Sprintf("output is not valid JSON: %v", err)},
		}, nil
	}

	var reasons []string
	for _, field := range profile.SchemaFields {
		v, present := doc[field.Name]
		if !present {
			if field.Required {
				reasons = append(reasons, fmt.Sprintf("missing required field %q", field.Name))
			}
			continue
		}
		if reason := checkFieldType(field, v); reason != "" {
			reasons = append(reasons, reason)
			continue
		}
		if field.Pattern != "" {
			if s, ok := v.(string); ok {
				matched, err := regexp.MatchString(field.Pattern, s)
				if err != nil {
					reasons = append(reasons, fmt.Sprintf("field %q has invalid pattern constraint: %v", field.Name, err))
				} else if !matched {
					reasons = append(reasons, fmt.Sprintf("field %q does not match required pattern", field.Name))
				}
			}
		}
		if len(field.Enum) > 0 {
			if s, ok := v.(string); ok && !stringInSlice(s, field.Enum) {
				reasons = append(reasons, fmt.Sprintf("field %q value %q is not one of the allowed values", field.Name, s))
			}
		}
		if reason := checkFieldLength(field, v); reason != "" {
			reasons = append(reasons, reason)
		}
	}

	if len(reasons) > 0 {
		return Outcome{Pass: false, FailureReasons: reasons}, nil
	}
	return Outcome{Pass: true, Confidence: 1}, nil
}

func checkFieldType(field domain.SchemaField, v interface{}) string {
	switch field.Type {
	case "string":
		if _, ok := v.(string); !ok {
			return fmt.Sprintf("field %q must be a string", field.Name)
		}
	case "number":
		if _, ok := v.(float64); !ok {
			return fmt.Sprintf("field %q must be a number", field.Name)
		}
	case "bool":
		if _, ok := v.(bool); !ok {
			return fmt.Sprintf("field %q must be a bool", field.Name)
		}
	case "array":
		if _, ok := v.([]interface{}); !ok {
			return fmt.Sprintf("field %q must be an array", field.Name)
		}
	case "object":
		if _, ok := v.(map[string]interface{}); !ok {
			return fmt.Sprintf("field %q must be an object", field.Name)
		}
	}
	return ""
}

// checkFieldLength enforces MinLength/MaxLength: character count for a
// string field, element count for an array field. Zero on either bound
// means unbounded on that side.
func checkFieldLength(field domain.SchemaField, v interface{}) string {
	if field.MinLength == 0 && field.MaxLength == 0 {
		return ""
	}
	var n int
	switch val := v.(type) {
	case string:
		n = len([]rune(val))
	case []interface{}:
		n = len(val)
	default:
		return ""
	}
	if field.MinLength > 0 && n < field.MinLength {
		return fmt.Sprintf("field %q has length %d, below minimum %d", field.Name, n, field.MinLength)
	}
	if field.MaxLength > 0 && n > field.MaxLength {
		return fmt.Sprintf("field %q has length %d, above maximum %d", field.Name, n, field.MaxLength)
	}
	return ""
}

func stringInSlice(s string, list []string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
