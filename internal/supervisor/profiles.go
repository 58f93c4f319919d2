package supervisor

import (
	"time"

	"deepagent/internal/model"
)

// Budget bounds one execution attempt.
type Budget struct {
	Timeout  time.Duration
	MaxTurns int
}

// Profile is everything that varies by task type.
type Profile struct {
	Template     string
	AllowedTools []string
	Budget       Budget
}

// Profiles maps every task type to its profile. A type missing from the
// table is a programming error, not an execution failure.
type Profiles map[model.TaskType]Profile

var baseTools = []string{"Read", "Write", "Bash", "Glob", "Grep", "Edit"}

func tools(extra ...string) []string {
	out := make([]string, 0, len(baseTools)+len(extra))
	out = append(out, baseTools...)
	return append(out, extra...)
}

func DefaultProfiles() Profiles {
	return Profiles{
		model.TypeResearch: {
			Template:     researchTemplate,
			AllowedTools: tools("WebFetch", "WebSearch", "Task"),
			Budget:       Budget{Timeout: 30 * time.Minute, MaxTurns: 100},
		},
		model.TypeAnalysis: {
			Template:     analysisTemplate,
			AllowedTools: tools("WebFetch", "Task"),
			Budget:       Budget{Timeout: 20 * time.Minute, MaxTurns: 50},
		},
		model.TypeDocument: {
			Template:     documentTemplate,
			AllowedTools: tools(),
			Budget:       Budget{Timeout: 15 * time.Minute, MaxTurns: 30},
		},
	}
}

// WithBudget returns a copy of p with t's budget replaced. Unknown types
// are ignored.
func (p Profiles) WithBudget(t model.TaskType, b Budget) Profiles {
	out := make(Profiles, len(p))
	for k, v := range p {
		out[k] = v
	}
	if prof, ok := out[t]; ok {
		if b.Timeout > 0 {
			prof.Budget.Timeout = b.Timeout
		}
		if b.MaxTurns > 0 {
			prof.Budget.MaxTurns = b.MaxTurns
		}
		out[t] = prof
	}
	return out
}

const researchTemplate = `# Research Task

You are a research agent. Your job is to thoroughly research the given topic and produce a comprehensive report.

## Instructions
1. Use web search and browser tools to gather information
2. Cite all sources with URLs
3. Organize findings into clear sections
4. Save the final report as markdown in the output directory
5. Include a summary at the beginning
`

const analysisTemplate = `# Analysis Task

You are a data analysis agent. Your job is to analyze the given data or topic and produce insights.

## Instructions
1. Gather relevant data using available tools
2. Analyze patterns and trends
3. Create visualizations if appropriate
4. Save the analysis report as markdown in the output directory
5. Include key findings at the beginning
`

const documentTemplate = `# Document Generation Task

You are a document generation agent. Your job is to create professional documents based on the given requirements.

## Instructions
1. Follow the provided template or format requirements
2. Research any needed information
3. Generate clear, well-structured content
4. Save the document in the output directory
5. Review for accuracy and formatting
`
