// Package editor implements the iterative scene edit loop: generate a
// candidate, render it, verify it against the instruction, repair when
// the verdict rejects it, all within a bounded attempt budget. The
// transition logic is a pure function (Step); the Runner executes its
// effects against the gateways and the store and publishes progress
// events as it goes.
package editor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"coscene/internal/events"
	"coscene/internal/gateway"
	"coscene/internal/models"
	"coscene/internal/scene"
	"coscene/internal/store"
)

// Persister is the slice of the artifact store the runner needs.
// *store.Store satisfies it.
type Persister interface {
	LatestVersion(ctx context.Context, sessionID int64) (*models.SceneVersion, error)
	CreateVersion(ctx context.Context, sessionID int64, sceneText string, parentID, messageID *int64) (*models.SceneVersion, error)
	CreateRender(ctx context.Context, r models.Render, ttl time.Duration) (*models.Render, error)
	TouchSession(ctx context.Context, sessionID int64) error
}

// Options tunes one runner. Zero values fall back to sane defaults.
type Options struct {
	Angles          []string
	MaxIterations   int
	PreviewTTL      time.Duration
	VerificationTTL time.Duration
}

var defaultAngles = []string{"perspective", "front", "top", "side"}

// Runner executes edit requests end to end.
type Runner struct {
	store    Persister
	gen      gateway.Generator
	renderer gateway.Renderer
	verifier gateway.Verifier
	opts     Options
}

func NewRunner(st Persister, gen gateway.Generator, r gateway.Renderer, v gateway.Verifier, opts Options) *Runner {
	if len(opts.Angles) == 0 {
		opts.Angles = defaultAngles
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = MaxIterations
	}
	if opts.PreviewTTL <= 0 {
		opts.PreviewTTL = 24 * time.Hour
	}
	if opts.VerificationTTL <= 0 {
		opts.VerificationTTL = 7 * 24 * time.Hour
	}
	return &Runner{store: st, gen: gen, renderer: r, verifier: v, opts: opts}
}

// Request is one edit of one session. MessageID, when set, links the
// resulting version to the user message that asked for it.
type Request struct {
	SessionID   int64
	Instruction string
	MessageID   *int64
}

// Result is what an edit request left behind.
type Result struct {
	Phase     Phase
	Version   *models.SceneVersion
	RenderIDs map[string]int64
	Warning   string
	Issues    []string
}

// Run drives one edit request to a terminal phase, publishing progress
// on stream as it goes. The stream is closed before Run returns. The
// returned error covers infrastructure failures only; a request that
// ends in PhaseFailed returns a nil error with Result.Phase set.
func (r *Runner) Run(ctx context.Context, req Request, stream *events.Stream) (*Result, error) {
	defer stream.Close()

	stream.Publish(events.Status{State: events.StatusProcessing, Message: "edit request accepted"})

	base, err := r.store.LatestVersion(ctx, req.SessionID)
	if err != nil {
		stream.Publish(events.Error{Code: "session_not_found", Message: "session has no scene version"})
		stream.Publish(events.Status{State: events.StatusFailed})
		return nil, fmt.Errorf("load latest version for session %d: %w", req.SessionID, err)
	}

	st := NewState(req.Instruction, base.SceneText, r.opts.MaxIterations)
	var (
		in          Input = Started{}
		eff         Effect
		renderTimes map[string]int
	)

	for {
		if err := ctx.Err(); err != nil {
			stream.Publish(events.Error{Code: "cancelled", Message: "edit request cancelled"})
			stream.Publish(events.Status{State: events.StatusFailed})
			return nil, fmt.Errorf("edit request for session %d: %w", req.SessionID, err)
		}

		st, eff = Step(st, in)
		r.publishPhase(stream, st)

		switch e := eff.(type) {
		case RenderBaseline:
			renders, failures := r.renderer.RenderMultiView(ctx, e.SceneText, r.opts.Angles, models.QualityPreview)
			ids := r.persistPreviews(ctx, base.ID, renders, stream)
			stream.Publish(events.FramesRendered{
				Stage:         "baseline",
				Angles:        angleNames(renders),
				Renders:       ids,
				MissingAngles: failedAngles(failures),
			})
			in = BaselineRendered{Renders: imageBytes(renders), Missing: failedAngles(failures)}

		case GenerateScene:
			res, err := r.gen.Generate(ctx, st.CurrentScene, st.Instruction, st.Baseline)
			in = candidateInput(res, err)

		case RepairScene:
			stream.Publish(events.Progress{
				Step:    string(PhaseRepairing),
				Attempt: st.Attempt,
				Message: fmt.Sprintf("repairing candidate: %s", joinIssues(e.Issues)),
			})
			res, err := r.gen.Repair(ctx, e.SceneText, st.Instruction, e.Issues, st.Baseline)
			in = candidateInput(res, err)

		case ValidateCandidate:
			verr := scene.Validate(e.SceneText)
			if verr == nil {
				stream.Publish(events.SceneGenerated{
					PatchSummary: scene.Diff(st.CurrentScene, e.SceneText).String(),
				})
			}
			in = ValidationChecked{Err: verr}

		case RenderCandidate:
			renders, failures := r.renderer.RenderMultiView(ctx, e.SceneText, r.opts.Angles, models.QualityVerification)
			renderTimes = renderMillis(renders)
			stream.Publish(events.FramesRendered{
				Stage:         "candidate",
				Angles:        angleNames(renders),
				MissingAngles: failedAngles(failures),
			})
			in = CandidateRendered{Renders: imageBytes(renders), Missing: failedAngles(failures)}

		case VerifyCandidate:
			verdict := r.verifier.Verify(ctx, st.Instruction, st.Baseline, st.CandidateRenders)
			stream.Publish(events.VerificationResult{Passed: verdict.Passed, Issues: verdict.Issues})
			in = VerdictReceived{Verdict: verdict}

		case PersistResult:
			return r.persist(ctx, req, base, st, e, renderTimes, stream)

		case Halt:
			stream.Publish(events.Error{Code: e.Code, Message: e.Message})
			stream.Publish(events.Status{State: events.StatusFailed, Message: e.Message})
			return &Result{Phase: PhaseFailed, Issues: st.Issues}, nil
		}
	}
}

// persist commits the accepted candidate and its renders. A version
// number conflict means a concurrent edit won the race; one retry
// recomputes the number against the fresh history, a second conflict
// gives up.
func (r *Runner) persist(ctx context.Context, req Request, base *models.SceneVersion, st State, e PersistResult, renderTimes map[string]int, stream *events.Stream) (*Result, error) {
	version, err := r.store.CreateVersion(ctx, req.SessionID, e.SceneText, &base.ID, req.MessageID)
	if errors.Is(err, store.ErrVersionConflict) {
		log.Printf("editor: version conflict on session %d, retrying once", req.SessionID)
		version, err = r.store.CreateVersion(ctx, req.SessionID, e.SceneText, &base.ID, req.MessageID)
	}
	if err != nil {
		stream.Publish(events.Error{Code: "persist_failed", Message: "could not store scene version"})
		stream.Publish(events.Status{State: events.StatusFailed})
		return nil, fmt.Errorf("persist version for session %d: %w", req.SessionID, err)
	}

	renderIDs := make(map[string]int64, len(e.Renders))
	for angle, img := range e.Renders {
		w, h := gateway.PNGDimensions(img)
		rec, err := r.store.CreateRender(ctx, models.Render{
			VersionID:    version.ID,
			CameraAngle:  angle,
			Quality:      models.QualityVerification,
			Width:        w,
			Height:       h,
			ImageData:    img,
			RenderTimeMs: renderTimes[angle],
		}, r.opts.VerificationTTL)
		if err != nil {
			// The version row is the artifact of record; a lost render
			// is degraded output, not a failed edit.
			log.Printf("editor: persist render %s for version %d: %v", angle, version.ID, err)
			continue
		}
		renderIDs[angle] = rec.ID
	}

	if err := r.store.TouchSession(ctx, req.SessionID); err != nil {
		log.Printf("editor: touch session %d: %v", req.SessionID, err)
	}

	var warning string
	if e.Warning {
		warning = "completed without passing verification: " + joinIssues(e.Issues)
	}
	stream.Publish(events.Complete{
		SceneVersionID: version.ID,
		VersionNumber:  version.VersionNumber,
		Renders:        renderIDs,
		Warning:        warning,
		Issues:         e.Issues,
	})
	stream.Publish(events.Status{State: events.StatusComplete})

	return &Result{
		Phase:     st.Phase,
		Version:   version,
		RenderIDs: renderIDs,
		Warning:   warning,
		Issues:    e.Issues,
	}, nil
}

// persistPreviews stores short-lived preview renders of the base
// version so the frames event can reference fetchable artifacts.
// Failures are logged and skipped; the loop can proceed on raw bytes.
func (r *Runner) persistPreviews(ctx context.Context, versionID int64, renders map[string]gateway.RenderResult, stream *events.Stream) map[string]int64 {
	ids := make(map[string]int64, len(renders))
	for angle, res := range renders {
		w, h := gateway.PNGDimensions(res.Image)
		rec, err := r.store.CreateRender(ctx, models.Render{
			VersionID:    versionID,
			CameraAngle:  angle,
			Quality:      models.QualityPreview,
			Width:        w,
			Height:       h,
			ImageData:    res.Image,
			RenderTimeMs: res.TimeMs,
		}, r.opts.PreviewTTL)
		if err != nil {
			log.Printf("editor: persist preview render %s for version %d: %v", angle, versionID, err)
			continue
		}
		ids[angle] = rec.ID
	}
	return ids
}

func (r *Runner) publishPhase(stream *events.Stream, st State) {
	if st.Phase.Terminal() {
		return
	}
	stream.Publish(events.Progress{Step: string(st.Phase), Attempt: st.Attempt})
}

func candidateInput(res *gateway.GenerationResult, err error) Input {
	if err != nil {
		return CandidateProduced{Err: err}
	}
	return CandidateProduced{Text: res.CandidateText}
}

func imageBytes(renders map[string]gateway.RenderResult) map[string][]byte {
	out := make(map[string][]byte, len(renders))
	for angle, r := range renders {
		out[angle] = r.Image
	}
	return out
}

func renderMillis(renders map[string]gateway.RenderResult) map[string]int {
	out := make(map[string]int, len(renders))
	for angle, r := range renders {
		out[angle] = r.TimeMs
	}
	return out
}

func angleNames(renders map[string]gateway.RenderResult) []string {
	names := make([]string, 0, len(renders))
	for angle := range renders {
		names = append(names, angle)
	}
	sort.Strings(names)
	return names
}

func failedAngles(failures map[string]error) []string {
	if len(failures) == 0 {
		return nil
	}
	names := make([]string, 0, len(failures))
	for angle := range failures {
		names = append(names, angle)
	}
	sort.Strings(names)
	return names
}

func joinIssues(issues []string) string {
	if len(issues) == 0 {
		return "no details"
	}
	out := issues[0]
	for _, is := range issues[1:] {
		out += "; " + is
	}
	return out
}
