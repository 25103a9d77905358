package editor

import (
	"errors"
	"testing"

	"coscene/internal/gateway"
)

func advance(t *testing.T, st State, in Input, wantPhase Phase) (State, Effect) {
	t.Helper()
	next, eff := Step(st, in)
	if next.Phase != wantPhase {
		t.Fatalf("after %T: phase = %s, want %s", in, next.Phase, wantPhase)
	}
	return next, eff
}

func startLoop(t *testing.T) State {
	t.Helper()
	st := NewState("add a red cube", "#usda 1.0\n", MaxIterations)
	st, _ = advance(t, st, Started{}, PhaseRenderingBaseline)
	st, _ = advance(t, st, BaselineRendered{
		Renders: map[string][]byte{"perspective": []byte("png")},
	}, PhaseGenerating)
	return st
}

const validCandidate = "#usda 1.0\ndef Cube \"box\" {\n}\n"

func TestFirstAttemptPasses(t *testing.T) {
	st := startLoop(t)
	if st.Attempt != 1 {
		t.Fatalf("attempt = %d, want 1", st.Attempt)
	}

	st, _ = advance(t, st, CandidateProduced{Text: validCandidate}, PhaseValidatingSyntax)
	st, eff := advance(t, st, ValidationChecked{}, PhaseRenderingCandidate)
	if rc, ok := eff.(RenderCandidate); !ok || rc.SceneText != validCandidate {
		t.Fatalf("effect = %#v, want RenderCandidate with candidate text", eff)
	}

	st, _ = advance(t, st, CandidateRendered{
		Renders: map[string][]byte{"perspective": []byte("png2")},
	}, PhaseVerifying)
	st, eff = advance(t, st, VerdictReceived{Verdict: gateway.Verdict{Passed: true}}, PhaseSucceeded)

	persist, ok := eff.(PersistResult)
	if !ok {
		t.Fatalf("effect = %#v, want PersistResult", eff)
	}
	if persist.Warning {
		t.Fatal("clean success must not carry a warning")
	}
	if persist.SceneText != validCandidate {
		t.Fatalf("persisted text = %q, want candidate", persist.SceneText)
	}
	if st.RepairCalls != 0 {
		t.Fatalf("repair calls = %d, want 0", st.RepairCalls)
	}
}

func TestInvalidCandidateRepairedOnce(t *testing.T) {
	st := startLoop(t)

	st, _ = advance(t, st, CandidateProduced{Text: "not a scene"}, PhaseValidatingSyntax)
	st, eff := advance(t, st, ValidationChecked{Err: errors.New("missing #usda header")}, PhaseRepairing)
	rep, ok := eff.(RepairScene)
	if !ok {
		t.Fatalf("effect = %#v, want RepairScene", eff)
	}
	if len(rep.Issues) == 0 {
		t.Fatal("repair effect must carry the syntax issue")
	}
	if st.Attempt != 2 || st.RepairCalls != 1 {
		t.Fatalf("attempt = %d repairs = %d, want 2 and 1", st.Attempt, st.RepairCalls)
	}

	st, _ = advance(t, st, CandidateProduced{Text: validCandidate}, PhaseValidatingSyntax)
	st, _ = advance(t, st, ValidationChecked{}, PhaseRenderingCandidate)
	st, _ = advance(t, st, CandidateRendered{
		Renders: map[string][]byte{"perspective": []byte("png")},
	}, PhaseVerifying)
	st, _ = advance(t, st, VerdictReceived{Verdict: gateway.Verdict{Passed: true}}, PhaseSucceeded)

	if st.RepairCalls != 1 {
		t.Fatalf("repair calls after success = %d, want exactly 1", st.RepairCalls)
	}
}

func TestVerificationNeverPassesKeepsLastCandidate(t *testing.T) {
	st := startLoop(t)
	reject := VerdictReceived{Verdict: gateway.Verdict{
		Passed: false,
		Issues: []string{"cube is blue, not red"},
	}}

	var eff Effect
	for attempt := 1; attempt <= MaxIterations; attempt++ {
		st, _ = advance(t, st, CandidateProduced{Text: validCandidate}, PhaseValidatingSyntax)
		st, _ = advance(t, st, ValidationChecked{}, PhaseRenderingCandidate)
		st, _ = advance(t, st, CandidateRendered{
			Renders: map[string][]byte{"perspective": []byte("png")},
		}, PhaseVerifying)
		want := PhaseRepairing
		if attempt == MaxIterations {
			want = PhaseSucceededWithWarning
		}
		st, eff = advance(t, st, reject, want)
	}

	persist, ok := eff.(PersistResult)
	if !ok {
		t.Fatalf("effect = %#v, want PersistResult", eff)
	}
	if !persist.Warning {
		t.Fatal("exhausted verification must complete with warning")
	}
	if len(persist.Issues) == 0 {
		t.Fatal("warning completion must carry the outstanding issues")
	}
	if st.RepairCalls != MaxIterations-1 {
		t.Fatalf("repair calls = %d, want %d", st.RepairCalls, MaxIterations-1)
	}
}

func TestSyntaxFailureOnFinalAttemptFails(t *testing.T) {
	st := startLoop(t)
	badCheck := ValidationChecked{Err: errors.New("unbalanced braces")}

	for attempt := 1; attempt < MaxIterations; attempt++ {
		st, _ = advance(t, st, CandidateProduced{Text: "broken"}, PhaseValidatingSyntax)
		st, _ = advance(t, st, badCheck, PhaseRepairing)
	}
	st, _ = advance(t, st, CandidateProduced{Text: "still broken"}, PhaseValidatingSyntax)
	st, eff := advance(t, st, badCheck, PhaseFailed)

	halt, ok := eff.(Halt)
	if !ok {
		t.Fatalf("effect = %#v, want Halt", eff)
	}
	if halt.Code != CodeSyntaxFailed {
		t.Fatalf("failure code = %s, want %s", halt.Code, CodeSyntaxFailed)
	}
	if st.RepairCalls != MaxIterations-1 {
		t.Fatalf("repair calls = %d, want %d", st.RepairCalls, MaxIterations-1)
	}
}

func TestPartialBaselineToleratedWithWarning(t *testing.T) {
	st := NewState("rotate the lamp", "#usda 1.0\n", MaxIterations)
	st, _ = advance(t, st, Started{}, PhaseRenderingBaseline)
	st, eff := advance(t, st, BaselineRendered{
		Renders: map[string][]byte{"perspective": []byte("png")},
		Missing: []string{"front"},
	}, PhaseGenerating)

	if _, ok := eff.(GenerateScene); !ok {
		t.Fatalf("effect = %#v, want GenerateScene", eff)
	}
	if len(st.Warnings) != 1 {
		t.Fatalf("warnings = %v, want one partial-render warning", st.Warnings)
	}
}

func TestCandidateWithNoRendersConsumesAttempt(t *testing.T) {
	st := startLoop(t)
	st, _ = advance(t, st, CandidateProduced{Text: validCandidate}, PhaseValidatingSyntax)
	st, _ = advance(t, st, ValidationChecked{}, PhaseRenderingCandidate)

	st, eff := advance(t, st, CandidateRendered{}, PhaseRepairing)
	if st.Attempt != 2 {
		t.Fatalf("attempt = %d, want 2", st.Attempt)
	}
	if rep, ok := eff.(RepairScene); !ok || len(rep.Issues) == 0 {
		t.Fatalf("effect = %#v, want RepairScene carrying the render issue", eff)
	}
}

func TestGenerationUnavailableRetriesThenFails(t *testing.T) {
	st := startLoop(t)
	down := CandidateProduced{Err: gateway.ErrGenerationUnavailable}

	// No candidate exists yet, so the loop regenerates instead of
	// repairing.
	st, eff := advance(t, st, down, PhaseGenerating)
	if _, ok := eff.(GenerateScene); !ok {
		t.Fatalf("effect = %#v, want GenerateScene", eff)
	}
	st, _ = advance(t, st, down, PhaseGenerating)
	if st.Attempt != 3 {
		t.Fatalf("attempt = %d, want 3", st.Attempt)
	}

	st, eff = advance(t, st, down, PhaseFailed)
	if halt, ok := eff.(Halt); !ok || halt.Code != CodeGenerationFailed {
		t.Fatalf("effect = %#v, want Halt with %s", eff, CodeGenerationFailed)
	}
}

func TestUnexpectedInputFailsClosed(t *testing.T) {
	st := startLoop(t)
	st, eff := Step(st, VerdictReceived{Verdict: gateway.Verdict{Passed: true}})
	if st.Phase != PhaseFailed {
		t.Fatalf("phase = %s, want %s", st.Phase, PhaseFailed)
	}
	if halt, ok := eff.(Halt); !ok || halt.Code != CodeInternal {
		t.Fatalf("effect = %#v, want internal Halt", eff)
	}
}
