package decomposer

import "strings"

// NewKeywordPattern builds a pattern that matches when the description
// contains any of the keywords, case-insensitively.
func NewKeywordPattern(id string, keywords []string, strategy Strategy, template []SubTaskSpec) *Pattern {
	lowered := make([]string, len(keywords))
	for i, k := range keywords {
		lowered[i] = strings.ToLower(k)
	}
	return &Pattern{
		ID: id,
		Matches: func(description string) bool {
			d := strings.ToLower(description)
			for _, k := range lowered {
				if strings.Contains(d, k) {
					return true
				}
			}
			return false
		},
		Strategy: strategy,
		Template: template,
	}
}

// BuiltinPatterns returns the built-in decomposition catalog in its canonical
// registration order.
func BuiltinPatterns() []*Pattern {
	return []*Pattern{
		NewKeywordPattern("research_and_report",
			[]string{"research", "investigate", "analyze", "report"},
			Sequential,
			[]SubTaskSpec{
				{LocalID: "gather_information", Description: "gather_information", Capability: "web_research"},
				{LocalID: "analyze_data", Description: "analyze_data", Capability: "data_analysis",
					DependsOn: []string{"gather_information"}},
				{LocalID: "write_report", Description: "write_report", Capability: "content_writing",
					DependsOn: []string{"analyze_data"}},
				{LocalID: "review_quality", Description: "review_quality", Capability: "output_review",
					DependsOn: []string{"write_report"}},
			}),

		NewKeywordPattern("code_development",
			[]string{"implement", "build", "develop", "code"},
			Sequential,
			[]SubTaskSpec{
				{LocalID: "design_architecture", Description: "design_architecture", Capability: "task_planning"},
				{LocalID: "implement_code", Description: "implement_code", Capability: "code_writing",
					DependsOn: []string{"design_architecture"}},
				{LocalID: "write_tests", Description: "write_tests", Capability: "code_writing",
					DependsOn: []string{"implement_code"}},
				{LocalID: "review_code", Description: "review_code", Capability: "code_review",
					DependsOn: []string{"write_tests"}},
			}),

		NewKeywordPattern("data_pipeline",
			[]string{"pipeline", "etl", "extract"},
			Sequential,
			[]SubTaskSpec{
				{LocalID: "extract", Description: "extract", Capability: "data_analysis"},
				{LocalID: "transform", Description: "transform", Capability: "data_analysis",
					DependsOn: []string{"extract"}},
				{LocalID: "load", Description: "load", Capability: "command_execution",
					DependsOn: []string{"transform"}},
				{LocalID: "validate", Description: "validate", Capability: "quality_check",
					DependsOn: []string{"load"}},
			}),
	}
}
