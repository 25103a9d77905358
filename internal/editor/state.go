package editor

import "coscene/internal/gateway"

// Phase is the current stage of an edit request.
type Phase string

const (
	PhaseParsingIntent        Phase = "parsing_intent"
	PhaseRenderingBaseline    Phase = "rendering_baseline"
	PhaseGenerating           Phase = "generating"
	PhaseValidatingSyntax     Phase = "validating_syntax"
	PhaseRenderingCandidate   Phase = "rendering_candidate"
	PhaseVerifying            Phase = "verifying"
	PhaseRepairing            Phase = "repairing"
	PhaseSucceeded            Phase = "succeeded"
	PhaseSucceededWithWarning Phase = "succeeded_with_warning"
	PhaseFailed               Phase = "failed"
)

// MaxIterations bounds how many scene candidates a single edit request
// may produce, the initial generation included.
const MaxIterations = 3

// Terminal reports whether no further transition can occur.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseSucceeded, PhaseSucceededWithWarning, PhaseFailed:
		return true
	}
	return false
}

// State carries everything a transition needs. It holds plain values
// only, so Step stays a pure function the tests can drive without any
// gateway or database behind it.
type State struct {
	Phase       Phase
	Instruction string

	// CurrentScene is the text of the version the edit is based on.
	CurrentScene string
	// Candidate is the most recent generated scene text, valid or not.
	Candidate string

	Baseline         map[string][]byte
	CandidateRenders map[string][]byte

	// Attempt counts candidates produced so far; the initial generation
	// is attempt 1. RepairCalls counts fix requests sent to the model
	// and can never exceed MaxIterations-1.
	Attempt       int
	MaxIterations int
	RepairCalls   int

	Issues   []string
	Warnings []string

	FailureCode    string
	FailureMessage string
}

// NewState returns the initial state for one edit request.
func NewState(instruction, currentScene string, maxIterations int) State {
	if maxIterations <= 0 {
		maxIterations = MaxIterations
	}
	return State{
		Phase:         PhaseParsingIntent,
		Instruction:   instruction,
		CurrentScene:  currentScene,
		MaxIterations: maxIterations,
	}
}

// Input is an external fact fed into Step: a gateway result or a local
// validation outcome.
type Input interface{ isInput() }

// Started kicks off the loop from the initial state.
type Started struct{}

// BaselineRendered carries the renders of the current scene. Missing
// lists angles that failed; an empty map is tolerated, generation then
// proceeds without visual grounding.
type BaselineRendered struct {
	Renders map[string][]byte
	Missing []string
}

// CandidateProduced is the outcome of a generation or repair call.
type CandidateProduced struct {
	Text string
	Err  error
}

// ValidationChecked is the outcome of syntax validation on Candidate.
type ValidationChecked struct{ Err error }

// CandidateRendered carries the renders of the candidate scene.
type CandidateRendered struct {
	Renders map[string][]byte
	Missing []string
}

// VerdictReceived carries the verifier's judgement.
type VerdictReceived struct{ Verdict gateway.Verdict }

func (Started) isInput()           {}
func (BaselineRendered) isInput()  {}
func (CandidateProduced) isInput() {}
func (ValidationChecked) isInput() {}
func (CandidateRendered) isInput() {}
func (VerdictReceived) isInput()   {}

// Effect is the single next action the runner must execute.
type Effect interface{ isEffect() }

// RenderBaseline asks for renders of the current scene.
type RenderBaseline struct{ SceneText string }

// GenerateScene asks the model for a first candidate.
type GenerateScene struct{}

// ValidateCandidate asks for a local syntax check of the text.
type ValidateCandidate struct{ SceneText string }

// RenderCandidate asks for renders of the candidate.
type RenderCandidate struct{ SceneText string }

// VerifyCandidate asks the verifier to compare baseline and candidate.
type VerifyCandidate struct{}

// RepairScene asks the model to fix the candidate given the issues.
type RepairScene struct {
	SceneText string
	Issues    []string
}

// PersistResult commits the candidate and its renders. Warning marks a
// best-effort completion whose last verification did not pass.
type PersistResult struct {
	SceneText string
	Renders   map[string][]byte
	Warning   bool
	Issues    []string
}

// Halt ends the request without persisting anything.
type Halt struct {
	Code    string
	Message string
}

func (RenderBaseline) isEffect()    {}
func (GenerateScene) isEffect()     {}
func (ValidateCandidate) isEffect() {}
func (RenderCandidate) isEffect()   {}
func (VerifyCandidate) isEffect()   {}
func (RepairScene) isEffect()       {}
func (PersistResult) isEffect()     {}
func (Halt) isEffect()              {}
