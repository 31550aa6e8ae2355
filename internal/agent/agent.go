// Package agent runs the reasoning loop that turns natural language
// questions into DAX queries and formatted answers.
package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/dWassimeb/Talk4Finance/internal/catalog"
	"github.com/dWassimeb/Talk4Finance/internal/llm"
	"github.com/dWassimeb/Talk4Finance/internal/logging"
)

const (
	defaultMaxIterations = 8
	defaultMemorySize    = 10
)

// Config tunes a single Agent
type Config struct {
	MaxIterations int
	MemorySize    int
}

// Step is one turn of the reasoning loop
type Step struct {
	Thought     string
	Action      string
	ActionInput string
	Observation string
}

type exchange struct {
	question string
	answer   string
}

// Agent drives the think/act/observe loop over the registered tools.
// Conversation memory is per-Agent and not safe for concurrent turns;
// use one Agent per conversation.
type Agent struct {
	llm           llm.Service
	registry      *Registry
	system        string
	maxIterations int
	memorySize    int
	memory        []exchange
	id            string
}

// New creates an agent over the given completion service and tools
func New(svc llm.Service, registry *Registry, cat *catalog.Catalog, cfg Config) *Agent {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}

	if cfg.MemorySize <= 0 {
		cfg.MemorySize = defaultMemorySize
	}

	return &Agent{
		llm:           svc,
		registry:      registry,
		system:        systemPrompt(cat, registry),
		maxIterations: cfg.MaxIterations,
		memorySize:    cfg.MemorySize,
		id:            uuid.NewString(),
	}
}

// ID identifies this conversation in logs
func (a *Agent) ID() string {
	return a.id
}

// Answer runs the reasoning loop for one question. When the iteration cap
// is reached without a final answer, the collected observations are
// summarized into a best-effort response instead of failing.
func (a *Agent) Answer(ctx context.Context, question string) (string, error) {
	logging.Infof("[%s] question: %s", a.id, question)

	var (
		scratchpad   strings.Builder
		observations []string
	)

	for i := 0; i < a.maxIterations; i++ {
		output, err := a.llm.Complete(ctx, llm.Request{
			System: a.system,
			Prompt: a.buildPrompt(question, scratchpad.String()),
			Stop:   []string{"\nObservation:"},
		})
		if err != nil {
			return "", err
		}

		step, final := parseOutput(output)

		if final != "" {
			logging.Debugf("[%s] answered after %d steps", a.id, i+1)
			a.remember(question, final)

			return final, nil
		}

		if step.Action == "" {
			// Feed the format back so the model can correct itself
			step.Observation = "Could not parse an Action from your response. " +
				"Respond with 'Action:' and 'Action Input:' lines, or finish with 'Final Answer:'."
			fmt.Fprintf(&scratchpad, "%s\nObservation: %s\n",
				strings.TrimSpace(output), step.Observation)

			continue
		}

		step.Observation = a.dispatch(ctx, step.Action, step.ActionInput)
		observations = append(observations, step.Observation)

		fmt.Fprintf(&scratchpad, "Thought: %s\nAction: %s\nAction Input: %s\nObservation: %s\n",
			step.Thought, step.Action, step.ActionInput, step.Observation)
	}

	logging.Warnf("[%s] iteration cap reached without a final answer", a.id)

	answer := bestEffortAnswer(observations)
	a.remember(question, answer)

	return answer, nil
}

func (a *Agent) dispatch(ctx context.Context, name, input string) string {
	tool, ok := a.registry.Lookup(name)
	if !ok {
		return fmt.Sprintf("Unknown tool %q. Available tools: %s.",
			name, strings.Join(a.registry.Names(), ", "))
	}

	logging.Debugf("[%s] %s(%s)", a.id, name, input)

	return tool.Run(ctx, input)
}

func (a *Agent) buildPrompt(question, scratchpad string) string {
	var b strings.Builder

	if len(a.memory) > 0 {
		b.WriteString("Previous conversation:\n")

		for _, e := range a.memory {
			fmt.Fprintf(&b, "Human: %s\nAssistant: %s\n", e.question, e.answer)
		}

		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Question: %s\n", question)
	b.WriteString(scratchpad)
	b.WriteString("Thought:")

	return b.String()
}

func (a *Agent) remember(question, answer string) {
	a.memory = append(a.memory, exchange{question: question, answer: answer})

	if len(a.memory) > a.memorySize {
		a.memory = a.memory[len(a.memory)-a.memorySize:]
	}
}

var (
	finalAnswerPattern = regexp.MustCompile(`(?s)Final Answer:\s*(.+)\s*$`)
	thoughtPattern     = regexp.MustCompile(`Thought:\s*(.*)`)
	actionPattern      = regexp.MustCompile(`(?m)^\s*Action:\s*(.+)\s*$`)
	actionInputPattern = regexp.MustCompile(`(?s)Action Input:\s*(.+)\s*$`)
)

// parseOutput extracts either a final answer or the next action from the
// model's response. The completion starts mid-line after the "Thought:"
// cue, so a leading thought may have no label.
func parseOutput(output string) (Step, string) {
	if m := finalAnswerPattern.FindStringSubmatch(output); m != nil {
		return Step{}, strings.TrimSpace(m[1])
	}

	var step Step

	if m := thoughtPattern.FindStringSubmatch(output); m != nil {
		step.Thought = strings.TrimSpace(m[1])
	} else {
		line, _, _ := strings.Cut(strings.TrimSpace(output), "\n")
		if !strings.HasPrefix(line, "Action") {
			step.Thought = strings.TrimSpace(line)
		}
	}

	if m := actionPattern.FindStringSubmatch(output); m != nil {
		step.Action = strings.TrimSpace(m[1])
	}

	if m := actionInputPattern.FindStringSubmatch(output); m != nil {
		step.ActionInput = strings.TrimSpace(m[1])
	}

	return step, ""
}

func bestEffortAnswer(observations []string) string {
	if len(observations) == 0 {
		return "I could not determine an answer within the allowed number of reasoning steps. " +
			"Please try rephrasing the question."
	}

	return "I could not complete the full analysis, but here is what I found:\n\n" +
		observations[len(observations)-1]
}
