package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dWassimeb/Talk4Finance/internal/llm"
	"github.com/dWassimeb/Talk4Finance/internal/powerbi"
)

type scriptedLLM struct {
	responses []string
	calls     []llm.Request
}

func (s *scriptedLLM) Complete(_ context.Context, req llm.Request) (string, error) {
	s.calls = append(s.calls, req)

	i := len(s.calls) - 1
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}

	return s.responses[i], nil
}

type fakeTool struct {
	name   string
	desc   string
	fn     func(ctx context.Context, input string) string
	inputs []string
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return f.desc }

func (f *fakeTool) Run(ctx context.Context, input string) string {
	f.inputs = append(f.inputs, input)

	if f.fn != nil {
		return f.fn(ctx, input)
	}

	return "ok"
}

func newTestAgent(t *testing.T, svc llm.Service, registry *Registry, cfg Config) *Agent {
	t.Helper()

	return New(svc, registry, loadCatalog(t), cfg)
}

func TestAnswerDispatchesToolThenFinishes(t *testing.T) {
	tool := &fakeTool{
		name: "list_tables",
		desc: "List all available tables in the dataset.",
		fn: func(context.Context, string) string {
			return "Available tables in the dataset:\n\n- GL\n- DIM_DATE\n"
		},
	}

	svc := &scriptedLLM{responses: []string{
		"Thought: I should list the tables first.\nAction: list_tables\nAction Input: none",
		"Thought: I now know the final answer\nFinal Answer: The dataset contains GL and DIM_DATE.",
	}}

	a := newTestAgent(t, svc, NewRegistry(tool), Config{})

	answer, err := a.Answer(context.Background(), "What tables are available?")
	require.NoError(t, err)
	assert.Equal(t, "The dataset contains GL and DIM_DATE.", answer)

	require.Len(t, svc.calls, 2)

	// First turn carries the question, the second replays the trajectory
	assert.Contains(t, svc.calls[0].Prompt, "Question: What tables are available?")
	assert.Contains(t, svc.calls[1].Prompt, "Action: list_tables")
	assert.Contains(t, svc.calls[1].Prompt, "Observation: Available tables in the dataset:")
	assert.Equal(t, []string{"\nObservation:"}, svc.calls[1].Stop)
}

func TestAnswerUnknownToolBecomesObservation(t *testing.T) {
	tool := &fakeTool{name: "list_tables", desc: "List tables."}

	svc := &scriptedLLM{responses: []string{
		"Thought: let me try\nAction: query_database\nAction Input: SELECT 1",
		"Thought: I now know the final answer\nFinal Answer: done",
	}}

	a := newTestAgent(t, svc, NewRegistry(tool), Config{})

	answer, err := a.Answer(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, "done", answer)

	require.Len(t, svc.calls, 2)
	assert.Contains(t, svc.calls[1].Prompt, `Unknown tool "query_database"`)
	assert.Contains(t, svc.calls[1].Prompt, "list_tables")
	assert.Empty(t, tool.inputs)
}

func TestAnswerMalformedOutputGetsCorrection(t *testing.T) {
	svc := &scriptedLLM{responses: []string{
		"The revenue was probably high last year.",
		"Thought: I now know the final answer\nFinal Answer: done",
	}}

	a := newTestAgent(t, svc, NewRegistry(), Config{})

	answer, err := a.Answer(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, "done", answer)

	require.Len(t, svc.calls, 2)
	assert.Contains(t, svc.calls[1].Prompt, "Could not parse an Action")
}

func TestAnswerIterationCapYieldsBestEffort(t *testing.T) {
	tool := &fakeTool{
		name: "list_tables",
		desc: "List tables.",
		fn: func(context.Context, string) string {
			return "Available tables in the dataset:\n\n- GL\n"
		},
	}

	// Never produces a final answer
	svc := &scriptedLLM{responses: []string{
		"Thought: looking again\nAction: list_tables\nAction Input: none",
	}}

	a := newTestAgent(t, svc, NewRegistry(tool), Config{MaxIterations: 3})

	answer, err := a.Answer(context.Background(), "anything")
	require.NoError(t, err)

	assert.Len(t, svc.calls, 3)
	assert.Contains(t, answer, "I could not complete the full analysis")
	assert.Contains(t, answer, "Available tables in the dataset:")
}

func TestAnswerIterationCapWithoutObservations(t *testing.T) {
	svc := &scriptedLLM{responses: []string{"I have no idea what to do."}}

	a := newTestAgent(t, svc, NewRegistry(), Config{MaxIterations: 2})

	answer, err := a.Answer(context.Background(), "anything")
	require.NoError(t, err)
	assert.Contains(t, answer, "could not determine an answer")
}

func TestAnswerReplaysMemory(t *testing.T) {
	svc := &scriptedLLM{responses: []string{
		"Thought: I now know the final answer\nFinal Answer: €12.00M",
	}}

	a := newTestAgent(t, svc, NewRegistry(), Config{})

	_, err := a.Answer(context.Background(), "What was the 2024 revenue?")
	require.NoError(t, err)

	_, err = a.Answer(context.Background(), "And for 2023?")
	require.NoError(t, err)

	last := svc.calls[len(svc.calls)-1]
	assert.Contains(t, last.Prompt, "Previous conversation:")
	assert.Contains(t, last.Prompt, "Human: What was the 2024 revenue?")
	assert.Contains(t, last.Prompt, "Assistant: €12.00M")
	assert.Contains(t, last.Prompt, "Question: And for 2023?")
}

func TestAnswerMemoryIsBounded(t *testing.T) {
	svc := &scriptedLLM{responses: []string{
		"Thought: I now know the final answer\nFinal Answer: ok",
	}}

	a := newTestAgent(t, svc, NewRegistry(), Config{MemorySize: 2})

	for _, q := range []string{"one", "two", "three"} {
		_, err := a.Answer(context.Background(), q)
		require.NoError(t, err)
	}

	require.Len(t, a.memory, 2)
	assert.Equal(t, "two", a.memory[0].question)
	assert.Equal(t, "three", a.memory[1].question)
}

func TestAnswerEndToEndFencedQuery(t *testing.T) {
	engine := &fakeEngine{run: func(dax string) ([]powerbi.Record, error) {
		return []powerbi.Record{{
			Columns: []string{"[Total Revenue]"},
			Values:  map[string]interface{}{"[Total Revenue]": 125810000.0},
		}}, nil
	}}

	svc := &scriptedLLM{responses: []string{
		"Thought: I will query total revenue for 2024.\n" +
			"Action: execute_query\n" +
			"Action Input: ```dax\nEVALUATE ROW(\"Total Revenue\", CALCULATE([CA], DIM_DATE[Année] = 2024))\n```",
		"Thought: I now know the final answer\n" +
			"Final Answer: Total revenue for 2024 was €125.81M.",
	}}

	a := newTestAgent(t, svc, NewDefaultRegistry(engine, loadCatalog(t)), Config{})

	answer, err := a.Answer(context.Background(), "What was the total revenue in 2024?")
	require.NoError(t, err)
	assert.Equal(t, "Total revenue for 2024 was €125.81M.", answer)

	// The fenced model output reached the engine as clean DAX
	require.Len(t, engine.queries, 1)
	assert.True(t, strings.HasPrefix(engine.queries[0], "EVALUATE"))
	assert.NotContains(t, engine.queries[0], "```")

	// The formatted observation fed the final completion
	require.Len(t, svc.calls, 2)
	assert.Contains(t, svc.calls[1].Prompt, "Observation: [Total Revenue]: €125.81M")

	// The system prompt is data driven
	assert.Contains(t, svc.calls[0].System, "PREDEFINED MEASURES")
	assert.Contains(t, svc.calls[0].System, "execute_query")
	assert.Contains(t, svc.calls[0].System, "Final Answer:")
}
