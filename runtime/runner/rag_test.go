package runner_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardhq/steward/runtime/runner"
)

type fakeRetriever struct {
	docs []runner.Document
	err  error
	org  string
}

func (f *fakeRetriever) Retrieve(_ context.Context, orgSlug, _ string, _ int) ([]runner.Document, error) {
	f.org = orgSlug
	if f.err != nil {
		return nil, f.err
	}
	return f.docs, nil
}

func TestRAGFoldsSourcesIntoPrompt(t *testing.T) {
	client := &scriptClient{content: "tides are caused by the moon [ocean-handbook]"}
	_, gw := newStack(t, client)
	retriever := &fakeRetriever{docs: []runner.Document{
		{Source: "ocean-handbook", Content: "The moon's gravity drives tides.", Score: 0.92},
		{Source: "faq", Content: "Tides rise twice daily.", Score: 0.71},
	}}
	r, err := runner.NewRAGRunner(retriever, gw)
	require.NoError(t, err)

	resp, err := r.Run(context.Background(), &runner.Request{
		Capsule: testCapsule(),
		Agent:   testAgent(runner.TypeRAG),
		Mode:    runner.ModeConverse,
		Message: "why do tides happen?",
	})
	require.NoError(t, err)

	assert.Equal(t, "acme", retriever.org)
	prompt := client.prompts[0]
	assert.Contains(t, prompt, "ocean-handbook")
	assert.Contains(t, prompt, "The moon's gravity drives tides.")
	assert.Contains(t, prompt, "why do tides happen?")

	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []string{"ocean-handbook", "faq"}, result["sources"])
}

func TestRAGRetrievalFailureDegrades(t *testing.T) {
	client := &scriptClient{content: "best effort answer"}
	_, gw := newStack(t, client)
	r, err := runner.NewRAGRunner(&fakeRetriever{err: errors.New("index offline")}, gw)
	require.NoError(t, err)

	resp, err := r.Run(context.Background(), &runner.Request{
		Capsule: testCapsule(),
		Agent:   testAgent(runner.TypeRAG),
		Mode:    runner.ModeConverse,
		Message: "why do tides happen?",
	})
	require.NoError(t, err)
	assert.Equal(t, "best effort answer", resp.Output)
	// The raw question goes through untouched.
	assert.Equal(t, "why do tides happen?", client.prompts[0])
}
