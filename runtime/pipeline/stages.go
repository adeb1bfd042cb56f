package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
)

// Default stage names.
const (
	StageRequirements = "requirements"
	StageCode         = "code"
	StageArchitecture = "architecture"
	StageValidation   = "validation"
	StageDeployment   = "deployment"
)

const validationSchema = `{
  "type": "object",
  "required": ["is_valid"],
  "properties": {
    "is_valid": {"type": "boolean"},
    "score": {"type": "number"},
    "issues": {"type": "array"}
  }
}`

const objectSchema = `{"type": "object"}`

// DefaultStages returns the five stages of an agent build: requirements
// analysis, code generation, architecture, quality validation and
// deployment. Validation output must carry an is_valid verdict.
func DefaultStages() []Stage {
	return []Stage{
		{
			Name:     StageRequirements,
			Producer: "requirements-analyst",
			Instructions: "You are a requirements analyst. Extract the functional and non-functional " +
				"requirements of the requested agent. Answer with a single JSON object.",
			Schema:   objectSchema,
			Filename: "requirements.json",
		},
		{
			Name:     StageCode,
			Producer: "code-generator",
			Instructions: "You are a code generator. Produce the agent configuration, action group " +
				"handlers and dependencies that satisfy the requirements. Answer with a single JSON object.",
			Schema:   objectSchema,
			Filename: "code.json",
		},
		{
			Name:     StageArchitecture,
			Producer: "solution-architect",
			Instructions: "You are a solution architect. Design the services and the infrastructure " +
				"template for the generated code. Answer with a single JSON object.",
			Schema:   objectSchema,
			Filename: "architecture.json",
		},
		{
			Name:     StageValidation,
			Producer: "quality-validator",
			Instructions: "You are a quality validator. Review the code and the architecture and " +
				`answer with a JSON object {"is_valid": bool, "score": number, "issues": [...]}.`,
			Schema:   validationSchema,
			Filename: "validation.json",
		},
		{
			Name:     StageDeployment,
			Producer: "deployment-manager",
			Instructions: "You are a deployment manager. Produce the deployment plan for the validated " +
				"artifacts. Answer with a single JSON object.",
			Schema:   objectSchema,
			Filename: "deployment.json",
		},
	}
}

// DefaultGate passes outputs carrying "is_valid": true and, when minScore is
// positive, a numeric "score" of at least minScore.
func DefaultGate(minScore float64) Gate {
	return func(_ context.Context, output json.RawMessage) (bool, string, error) {
		var verdict struct {
			IsValid bool     `json:"is_valid"`
			Score   *float64 `json:"score"`
			Issues  []any    `json:"issues"`
		}
		if err := json.Unmarshal(output, &verdict); err != nil {
			return false, "", fmt.Errorf("pipeline: decode gate input: %w", err)
		}
		if !verdict.IsValid {
			return false, fmt.Sprintf("validation failed with %d issue(s)", len(verdict.Issues)), nil
		}
		if minScore > 0 {
			if verdict.Score == nil {
				return false, "validation score missing", nil
			}
			if *verdict.Score < minScore {
				return false, fmt.Sprintf("validation score %g below %g", *verdict.Score, minScore), nil
			}
		}
		return true, "", nil
	}
}
