package runner_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardhq/steward/runtime/artifact"
	"github.com/stewardhq/steward/runtime/artifact/inmem"
	"github.com/stewardhq/steward/runtime/capsule"
	"github.com/stewardhq/steward/runtime/fault"
	"github.com/stewardhq/steward/runtime/gateway"
	"github.com/stewardhq/steward/runtime/model"
	"github.com/stewardhq/steward/runtime/runner"
)

func testCapsule() *capsule.Capsule {
	caps, err := capsule.Accept(&capsule.Capsule{
		OrgSlug:        "acme",
		UserID:         "u-1",
		ConversationID: "c-1",
		AgentSlug:      "writer",
		AgentType:      "context",
		Provider:       "openai",
		Model:          "gpt-4o",
	}, "u-1")
	if err != nil {
		panic(err)
	}
	return caps
}

func testAgent(t runner.Type) *runner.Agent {
	return &runner.Agent{
		Slug:         "writer",
		OrgSlug:      "acme",
		Name:         "Writer",
		Type:         t,
		SystemPrompt: "You write well.",
	}
}

// scriptClient returns canned content and remembers prompts.
type scriptClient struct {
	mu      sync.Mutex
	content string
	prompts []string
	systems []string
}

func (c *scriptClient) Complete(_ context.Context, req model.Request) (model.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, req.Messages[0].Content)
	c.systems = append(c.systems, req.System)
	return model.Response{Content: c.content}, nil
}

func newStack(t *testing.T, client model.Client) (*artifact.Service, *gateway.Gateway) {
	t.Helper()
	gw := gateway.New()
	gw.Register("openai", client)
	svc, err := artifact.NewService(inmem.New(), nil,
		artifact.WithGenerator(gateway.NewArtifactGenerator(gw)))
	require.NoError(t, err)
	return svc, gw
}

func TestRegistryResolve(t *testing.T) {
	reg := runner.NewRegistry()
	svc, gw := newStack(t, &scriptClient{content: "hi"})
	ctxRunner, err := runner.NewContextRunner(svc, gw)
	require.NoError(t, err)

	reg.Register(runner.TypeContext, ctxRunner)

	got, err := reg.Resolve(runner.TypeContext)
	require.NoError(t, err)
	assert.Equal(t, runner.Runner(ctxRunner), got)

	_, err = reg.Resolve(runner.Type("quantum"))
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestBaseRejectsUnknownAndUnsupportedModes(t *testing.T) {
	svc, gw := newStack(t, &scriptClient{content: "hi"})
	media, err := runner.NewMediaRunner(svc, gw)
	require.NoError(t, err)

	_, err = media.Run(context.Background(), &runner.Request{
		Capsule: testCapsule(), Agent: testAgent(runner.TypeMedia), Mode: runner.Mode("dance"),
	})
	assert.Equal(t, fault.KindBadRequest, fault.KindOf(err))

	// Media runners do not plan.
	_, err = media.Run(context.Background(), &runner.Request{
		Capsule: testCapsule(), Agent: testAgent(runner.TypeMedia), Mode: runner.ModePlan,
	})
	assert.Equal(t, fault.KindBadRequest, fault.KindOf(err))
}

func TestContextConverse(t *testing.T) {
	client := &scriptClient{content: "hello there"}
	svc, gw := newStack(t, client)
	r, err := runner.NewContextRunner(svc, gw)
	require.NoError(t, err)

	resp, err := r.Run(context.Background(), &runner.Request{
		Capsule: testCapsule(),
		Agent:   testAgent(runner.TypeContext),
		Mode:    runner.ModeConverse,
		Message: "say hi",
	})
	require.NoError(t, err)
	assert.Equal(t, "hello there", resp.Output)
	assert.Equal(t, []string{"say hi"}, client.prompts)
	assert.Equal(t, []string{"You write well."}, client.systems)
}

func TestContextPlanThenBuildCoupling(t *testing.T) {
	client := &scriptClient{content: "1. research\n2. write"}
	svc, gw := newStack(t, client)
	r, err := runner.NewContextRunner(svc, gw)
	require.NoError(t, err)
	caps := testCapsule()
	ctx := context.Background()

	_, err = r.Run(ctx, &runner.Request{
		Capsule: caps, Agent: testAgent(runner.TypeContext),
		Mode: runner.ModePlan, Message: "plan a blog post",
	})
	require.NoError(t, err)
	assert.NotEqual(t, capsule.NIL, caps.Snapshot().PlanID)

	client.content = "the finished post"
	_, err = r.Run(ctx, &runner.Request{
		Capsule: caps, Agent: testAgent(runner.TypeContext),
		Mode: runner.ModeBuild, Message: "write it",
	})
	require.NoError(t, err)
	assert.NotEqual(t, capsule.NIL, caps.Snapshot().DeliverableID)

	// The build prompt folds in the current plan.
	lastPrompt := client.prompts[len(client.prompts)-1]
	assert.Contains(t, lastPrompt, "1. research")
	assert.Contains(t, lastPrompt, "write it")

	// The deliverable holds the generated content.
	res, err := svc.Do(ctx, caps, artifact.KindDeliverable, artifact.ActionRead, artifact.ActionInput{})
	require.NoError(t, err)
	assert.Equal(t, "the finished post", res.Version.Content)
	assert.Equal(t, artifact.CreatedByLLM, res.Version.CreatedBy)
}

func TestContextBuildWithoutPlan(t *testing.T) {
	client := &scriptClient{content: "standalone deliverable"}
	svc, gw := newStack(t, client)
	r, err := runner.NewContextRunner(svc, gw)
	require.NoError(t, err)

	_, err = r.Run(context.Background(), &runner.Request{
		Capsule: testCapsule(), Agent: testAgent(runner.TypeContext),
		Mode: runner.ModeBuild, Message: "just write",
	})
	require.NoError(t, err)
	assert.Equal(t, "just write", client.prompts[len(client.prompts)-1])
}

func TestContextPlanActionsPassThrough(t *testing.T) {
	client := &scriptClient{content: "v1"}
	svc, gw := newStack(t, client)
	r, err := runner.NewContextRunner(svc, gw)
	require.NoError(t, err)
	caps := testCapsule()
	ctx := context.Background()

	_, err = r.Run(ctx, &runner.Request{
		Capsule: caps, Agent: testAgent(runner.TypeContext),
		Mode: runner.ModePlan, Message: "plan it",
	})
	require.NoError(t, err)

	resp, err := r.Run(ctx, &runner.Request{
		Capsule: caps, Agent: testAgent(runner.TypeContext),
		Mode: runner.ModePlan, Action: artifact.ActionEdit,
		Payload: map[string]any{"content": "revised plan"},
	})
	require.NoError(t, err)
	res, ok := resp.Result.(*artifact.Result)
	require.True(t, ok)
	assert.Equal(t, 2, res.Version.Number)
	assert.Equal(t, "revised plan", res.Version.Content)
}

func TestContextHITL(t *testing.T) {
	client := &scriptClient{content: "approved build"}
	svc, gw := newStack(t, client)
	r, err := runner.NewContextRunner(svc, gw)
	require.NoError(t, err)
	caps := testCapsule()
	ctx := context.Background()

	// Rejection stops without touching artifacts.
	resp, err := r.Run(ctx, &runner.Request{
		Capsule: caps, Agent: testAgent(runner.TypeContext),
		Mode: runner.ModeHITL, Payload: map[string]any{"decision": "reject", "reason": "too long"},
	})
	require.NoError(t, err)
	assert.Contains(t, resp.Output, "stopping")

	// Approval resumes the build.
	resp, err = r.Run(ctx, &runner.Request{
		Capsule: caps, Agent: testAgent(runner.TypeContext),
		Mode: runner.ModeHITL, Message: "go ahead",
		Payload: map[string]any{"decision": "approve"},
	})
	require.NoError(t, err)
	res, ok := resp.Result.(*artifact.Result)
	require.True(t, ok)
	assert.Equal(t, "approved build", res.Version.Content)

	// Missing decision is a bad request.
	_, err = r.Run(ctx, &runner.Request{
		Capsule: caps, Agent: testAgent(runner.TypeContext),
		Mode: runner.ModeHITL, Payload: map[string]any{},
	})
	assert.Equal(t, fault.KindBadRequest, fault.KindOf(err))
}

func TestMediaBuildCreatesMediaDeliverable(t *testing.T) {
	client := &scriptClient{content: "wide shot, golden hour, 16:9"}
	svc, gw := newStack(t, client)
	r, err := runner.NewMediaRunner(svc, gw)
	require.NoError(t, err)
	caps := testCapsule()

	resp, err := r.Run(context.Background(), &runner.Request{
		Capsule: caps, Agent: testAgent(runner.TypeMedia),
		Mode: runner.ModeBuild, Message: "a lighthouse at dusk",
	})
	require.NoError(t, err)
	res, ok := resp.Result.(*artifact.Result)
	require.True(t, ok)
	assert.Equal(t, "media", res.Artifact.Type)
	assert.Equal(t, "wide shot, golden hour, 16:9", res.Version.Content)
	assert.Equal(t, res.Artifact.ID, caps.Snapshot().DeliverableID)
}
