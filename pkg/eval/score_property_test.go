//go:build property
// +build property

package eval

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestScoreProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 300
	properties := gopter.NewProperties(params)

	metricsGen := gopter.CombineGens(
		gen.Int64Range(0, 10000),
		gen.IntRange(0, 5),
		gen.IntRange(0, 5),
		gen.Int64Range(0, 10000),
	)

	properties.Property("score stays in [0,1] with two decimals", prop.ForAll(
		func(vals []interface{}) bool {
			p := Payload{Metrics: Metrics{
				CycleTimeMS:      vals[0].(int64),
				PolicyViolations: vals[1].(int),
				NodeFailures:     vals[2].(int),
			}}
			s := Score(p, Target{CycleTimeMS: vals[3].(int64)})
			if s < 0 || s > 1 {
				return false
			}
			return math.Abs(s*100-math.Round(s*100)) < 1e-9
		},
		metricsGen,
	))

	properties.Property("more failures never raise the score", prop.ForAll(
		func(vals []interface{}) bool {
			base := Payload{Metrics: Metrics{
				CycleTimeMS:      vals[0].(int64),
				PolicyViolations: vals[1].(int),
				NodeFailures:     vals[2].(int),
			}}
			target := Target{CycleTimeMS: vals[3].(int64)}
			worse := base
			worse.Metrics.NodeFailures++
			worse.Metrics.PolicyViolations++
			return Score(worse, target) <= Score(base, target)
		},
		metricsGen,
	))

	properties.TestingRun(t)
}
