package verify

import (
	"context"
	"maps"
	"reflect"
	"slices"
	"time"

	"go.uber.org/zap"
)

// Options configures a Gate.
type Options struct {
	Rules Rules
	// AI is the optional external verifier used by layers 2 and 3.
	AI AIVerifier
	// Layer2 and Layer3 enable the AI layers when AI is set.
	Layer2 bool
	Layer3 bool
	// AITimeout bounds each AI call. Zero leaves the caller's deadline alone.
	AITimeout time.Duration
}

// Gate verifies candidate records. It holds no per-call state and may be
// shared by concurrent workers.
type Gate struct {
	structural *structural
	ai         AIVerifier
	layer2     bool
	layer3     bool
	aiTimeout  time.Duration
}

// NewGate creates a verification gate.
func NewGate(opts Options) *Gate {
	if opts.Rules.Kinds == nil && opts.Rules.Required == nil {
		opts.Rules = DefaultRules()
	}
	return &Gate{
		structural: newStructural(opts.Rules),
		ai:         opts.AI,
		layer2:     opts.Layer2 && opts.AI != nil,
		layer3:     opts.Layer3 && opts.AI != nil,
		aiTimeout:  opts.AITimeout,
	}
}

// Evaluate runs every enabled layer over data as given, without fixes.
func (g *Gate) Evaluate(ctx context.Context, recordID string, data map[string]any) *Verdict {
	v := &Verdict{RecordID: recordID, Status: StatusPending, Layers: []int{1}}
	v.Issues = g.structural.check(data)
	fields := g.fields(data)
	if len(fields) == 0 {
		v.Issues = append(v.Issues, Issue{Code: CodeNoFields, Message: "record has no fields", Severity: SeverityWarning, Layer: 1})
	}
	v.aggregate(fields)

	g.runAI(ctx, v, data, fields)
	return v
}

// Verify evaluates data, applies deterministic fixes, and evaluates the fixed
// data once more when the fixes changed anything. It returns the final
// verdict and the data it describes.
func (g *Gate) Verify(ctx context.Context, recordID string, data map[string]any) (*Verdict, map[string]any) {
	first := &Verdict{RecordID: recordID}
	first.Issues = g.structural.check(data)

	fixed := ApplyFixes(data, first)
	if reflect.DeepEqual(fixed, data) {
		return g.Evaluate(ctx, recordID, data), data
	}

	v := g.Evaluate(ctx, recordID, fixed)
	for _, is := range first.Issues {
		if is.Fixable {
			v.Fixed = append(v.Fixed, is)
		}
	}
	return v, fixed
}

func (g *Gate) runAI(ctx context.Context, v *Verdict, data map[string]any, fields []string) {
	if !g.layer2 {
		return
	}

	res, err := g.callAI(ctx, v, data, 2)
	if err != nil {
		logAIFailure(v.RecordID, 2, err)
		return
	}
	if !res.Passed && g.layer3 {
		deep, err := g.callAI(ctx, v, data, 3)
		if err != nil {
			logAIFailure(v.RecordID, 3, err)
		} else {
			res = deep
		}
	}

	last := v.Layers[len(v.Layers)-1]
	if !res.Passed {
		v.Issues = append(v.Issues, aiIssues(res, last, data)...)
	}
	v.Suggestions = res.Suggestions
	v.aggregate(fields)
	v.Confidence = res.Score / 100

	zap.L().Debug("verify: ai verdict",
		zap.String("record_id", v.RecordID),
		zap.Int("layer", last),
		zap.Bool("passed", res.Passed),
		zap.Float64("score", res.Score),
	)
}

func (g *Gate) callAI(ctx context.Context, v *Verdict, data map[string]any, layer int) (*AIResult, error) {
	if g.aiTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.aiTimeout)
		defer cancel()
	}
	res, err := g.ai.VerifyRecord(ctx, AIRequest{
		RecordID: v.RecordID,
		Layer:    layer,
		Data:     data,
		Findings: v.IssueStrings(),
	})
	if err != nil {
		return nil, err
	}
	v.Layers = append(v.Layers, layer)
	return res, nil
}

// fields returns the record's fields plus any required field it lacks.
func (g *Gate) fields(data map[string]any) []string {
	set := make(map[string]struct{}, len(data))
	for k := range data {
		set[k] = struct{}{}
	}
	for _, f := range g.structural.rules.Required {
		set[f] = struct{}{}
	}
	return slices.Sorted(maps.Keys(set))
}
