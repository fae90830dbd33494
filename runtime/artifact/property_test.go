package artifact_test

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/stewardhq/steward/runtime/artifact"
)

// opSpec is one randomized mutation against a single artifact.
type opSpec struct {
	action string
	// index selects a version among the live ones, wrapped by the current
	// count at execution time.
	index int
}

func genOps() gopter.Gen {
	action := gen.OneConstOf(
		artifact.ActionEdit,
		artifact.ActionSetCurrent,
		artifact.ActionCopyVersion,
		artifact.ActionDeleteVersion,
	)
	op := gopter.CombineGens(action, gen.IntRange(0, 31)).Map(func(vals []interface{}) opSpec {
		return opSpec{action: vals[0].(string), index: vals[1].(int)}
	})
	return gen.SliceOfN(40, op)
}

// TestVersionChainInvariants drives a random action sequence against one
// artifact and checks after every step that version numbers are unique and
// strictly bounded by the head's maximum, that the current pointer always
// names a live version, and that at least one live version remains.
func TestVersionChainInvariants(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	properties := gopter.NewProperties(params)

	properties.Property("version chain stays consistent", prop.ForAll(
		func(ops []opSpec) bool {
			svc, _ := newTestService(t)
			caps := testCapsule()
			ctx := context.Background()

			_, err := svc.Do(ctx, caps, artifact.KindPlan, artifact.ActionCreate, artifact.ActionInput{Content: "seed"})
			require.NoError(t, err)

			maxSeen := 1
			for _, op := range ops {
				listed, err := svc.Do(ctx, caps, artifact.KindPlan, artifact.ActionList, artifact.ActionInput{})
				require.NoError(t, err)
				target := listed.Versions[op.index%len(listed.Versions)]

				in := artifact.ActionInput{Content: "edit", VersionID: target.ID}
				res, err := svc.Do(ctx, caps, artifact.KindPlan, op.action, in)
				if err != nil {
					// The only acceptable failure is refusing to delete the
					// last live version.
					if op.action == artifact.ActionDeleteVersion && len(listed.Versions) == 1 {
						continue
					}
					return false
				}

				listed, err = svc.Do(ctx, caps, artifact.KindPlan, artifact.ActionList, artifact.ActionInput{})
				require.NoError(t, err)
				if len(listed.Versions) == 0 {
					return false
				}

				seen := make(map[int]bool)
				currentLive := false
				for _, v := range listed.Versions {
					if seen[v.Number] {
						return false
					}
					seen[v.Number] = true
					if v.Number > listed.Artifact.MaxVersion {
						return false
					}
					if v.ID == listed.Artifact.CurrentVersionID {
						currentLive = true
					}
				}
				if !currentLive {
					return false
				}

				// Numbers only grow, never recycle.
				if res.Version != nil && res.Version.Number > 0 && op.action != artifact.ActionDeleteVersion {
					if op.action != artifact.ActionSetCurrent && res.Version.Number <= maxSeen {
						return false
					}
					if res.Version.Number > maxSeen {
						maxSeen = res.Version.Number
					}
				}
			}
			return true
		},
		genOps(),
	))

	properties.TestingRun(t)
}
