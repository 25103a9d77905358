// Package gateway adapts the external collaborators of the edit loop:
// the scene generator (VLM), the headless renderer (Blender subprocess)
// and the vision verifier (VLM). Each is a narrow request/response
// adapter; policy lives in the editor.
package gateway

import (
	"context"
	"errors"

	"coscene/internal/models"
)

var (
	// ErrGenerationUnavailable means the upstream model call could not
	// be completed within the gateway's own retry budget. Fatal to the
	// current attempt; counts against the edit request's iterations.
	ErrGenerationUnavailable = errors.New("gateway: generation unavailable")
	// ErrRenderTimeout is the per-angle renderer failure. Partial angle
	// sets are acceptable to callers.
	ErrRenderTimeout = errors.New("gateway: render timed out")
)

// GenerationResult is a candidate full scene, not a line diff.
type GenerationResult struct {
	CandidateText string
	// Plausible is a cheap pre-check the generator performs on its own
	// output; final syntax validation happens in the editor.
	Plausible bool
}

type Generator interface {
	Generate(ctx context.Context, sceneText, instruction string, contextRenders map[string][]byte) (*GenerationResult, error)
	Repair(ctx context.Context, sceneText, instruction string, issues []string, contextRenders map[string][]byte) (*GenerationResult, error)
}

// RenderResult is one rendered frame plus its wall time.
type RenderResult struct {
	Image  []byte
	TimeMs int
}

type Renderer interface {
	// RenderMultiView renders each requested angle. The returned map
	// may be partial; failed angles appear in the error map instead.
	RenderMultiView(ctx context.Context, sceneText string, angles []string, quality models.RenderQuality) (map[string]RenderResult, map[string]error)
}

// Verdict is the verifier's judgement of one candidate.
type Verdict struct {
	Passed     bool
	Issues     []string
	Feedback   string
	Confidence float64
}

// Verifier always produces a verdict rather than an error: the loop
// must have something to act on.
type Verifier interface {
	Verify(ctx context.Context, instruction string, before, after map[string][]byte) Verdict
}
