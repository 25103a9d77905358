package editor

import (
	"fmt"
)

const (
	// CodeGenerationFailed marks exhaustion of the attempt budget with
	// no model output at all.
	CodeGenerationFailed = "generation_failed"
	// CodeSyntaxFailed marks an invalid candidate on the final allowed
	// attempt.
	CodeSyntaxFailed = "syntax_failed"
	// CodeRenderFailed marks a candidate that produced no renderable
	// view on the final allowed attempt.
	CodeRenderFailed = "render_failed"
	// CodeInternal marks an unexpected input for the current phase.
	CodeInternal = "internal_error"
)

// Step is the pure transition function of the edit loop: given the
// current state and one input it returns the next state and the single
// effect the runner must execute. It never touches a gateway, the
// store, or the clock.
func Step(st State, in Input) (State, Effect) {
	switch ev := in.(type) {
	case Started:
		if st.Phase != PhaseParsingIntent {
			return fail(st, CodeInternal, unexpected(st.Phase, ev))
		}
		st.Phase = PhaseRenderingBaseline
		return st, RenderBaseline{SceneText: st.CurrentScene}

	case BaselineRendered:
		if st.Phase != PhaseRenderingBaseline {
			return fail(st, CodeInternal, unexpected(st.Phase, ev))
		}
		st.Baseline = ev.Renders
		if len(ev.Missing) > 0 {
			st.Warnings = append(st.Warnings,
				fmt.Sprintf("baseline render incomplete, missing angles: %v", ev.Missing))
		}
		if len(ev.Renders) == 0 {
			st.Warnings = append(st.Warnings, "no baseline renders, generating without visual context")
		}
		st.Phase = PhaseGenerating
		st.Attempt = 1
		return st, GenerateScene{}

	case CandidateProduced:
		if st.Phase != PhaseGenerating && st.Phase != PhaseRepairing {
			return fail(st, CodeInternal, unexpected(st.Phase, ev))
		}
		if ev.Err != nil {
			return st.candidateLost(fmt.Sprintf("model call failed: %v", ev.Err))
		}
		st.Candidate = ev.Text
		st.Phase = PhaseValidatingSyntax
		return st, ValidateCandidate{SceneText: ev.Text}

	case ValidationChecked:
		if st.Phase != PhaseValidatingSyntax {
			return fail(st, CodeInternal, unexpected(st.Phase, ev))
		}
		if ev.Err != nil {
			st.Issues = []string{fmt.Sprintf("syntax validation failed: %v", ev.Err)}
			if st.Attempt >= st.MaxIterations {
				return fail(st, CodeSyntaxFailed, st.Issues[0])
			}
			return st.repair()
		}
		st.Phase = PhaseRenderingCandidate
		return st, RenderCandidate{SceneText: st.Candidate}

	case CandidateRendered:
		if st.Phase != PhaseRenderingCandidate {
			return fail(st, CodeInternal, unexpected(st.Phase, ev))
		}
		if len(ev.Renders) == 0 {
			// A candidate no view of which renders gives the verifier
			// nothing to compare, so it counts as a failed attempt.
			st.Issues = []string{"candidate scene produced no renderable view"}
			if st.Attempt >= st.MaxIterations {
				return fail(st, CodeRenderFailed, st.Issues[0])
			}
			return st.repair()
		}
		st.CandidateRenders = ev.Renders
		if len(ev.Missing) > 0 {
			st.Warnings = append(st.Warnings,
				fmt.Sprintf("candidate render incomplete, missing angles: %v", ev.Missing))
		}
		st.Phase = PhaseVerifying
		return st, VerifyCandidate{}

	case VerdictReceived:
		if st.Phase != PhaseVerifying {
			return fail(st, CodeInternal, unexpected(st.Phase, ev))
		}
		if ev.Verdict.Passed {
			st.Phase = PhaseSucceeded
			return st, PersistResult{SceneText: st.Candidate, Renders: st.CandidateRenders}
		}
		st.Issues = ev.Verdict.Issues
		if len(st.Issues) == 0 {
			st.Issues = []string{"verification did not pass"}
		}
		if st.Attempt >= st.MaxIterations {
			// Out of attempts with a syntactically valid, rendered
			// candidate: keep it, flagged rather than discarded.
			st.Phase = PhaseSucceededWithWarning
			return st, PersistResult{
				SceneText: st.Candidate,
				Renders:   st.CandidateRenders,
				Warning:   true,
				Issues:    st.Issues,
			}
		}
		return st.repair()
	}
	return fail(st, CodeInternal, fmt.Sprintf("unknown input %T", in))
}

// candidateLost handles a generation or repair call that returned no
// candidate at all. The attempt is consumed; with budget left the loop
// retries, the first generation by generating again, later attempts by
// repairing the previous candidate.
func (st State) candidateLost(issue string) (State, Effect) {
	st.Issues = []string{issue}
	if st.Attempt >= st.MaxIterations {
		return fail(st, CodeGenerationFailed, issue)
	}
	if st.Candidate == "" {
		st.Attempt++
		st.Phase = PhaseGenerating
		return st, GenerateScene{}
	}
	return st.repair()
}

func (st State) repair() (State, Effect) {
	st.Attempt++
	st.RepairCalls++
	st.Phase = PhaseRepairing
	return st, RepairScene{SceneText: st.Candidate, Issues: st.Issues}
}

func fail(st State, code, msg string) (State, Effect) {
	st.Phase = PhaseFailed
	st.FailureCode = code
	st.FailureMessage = msg
	return st, Halt{Code: code, Message: msg}
}

func unexpected(p Phase, in Input) string {
	return fmt.Sprintf("unexpected input %T in phase %s", in, p)
}
