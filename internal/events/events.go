// Package events carries edit-progress notifications from the
// orchestration loop to transport subscribers. Each event kind is a
// distinct struct so consumers can switch exhaustively instead of
// probing an open-ended map.
package events

type Kind string

const (
	KindStatus             Kind = "status"
	KindProgress           Kind = "progress"
	KindSceneGenerated     Kind = "scene_generated"
	KindFramesRendered     Kind = "frames_rendered"
	KindVerificationResult Kind = "verification_result"
	KindComplete           Kind = "complete"
	KindError              Kind = "error"
)

type Event interface {
	Kind() Kind
}

// Status reports the coarse request lifecycle: processing, complete, failed.
type Status struct {
	State   string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (Status) Kind() Kind { return KindStatus }

const (
	StatusProcessing = "processing"
	StatusComplete   = "complete"
	StatusFailed     = "failed"
)

// Progress reports one orchestration step while the loop runs.
type Progress struct {
	Step    string `json:"step"`
	Attempt int    `json:"attempt"`
	Message string `json:"message,omitempty"`
}

func (Progress) Kind() Kind { return KindProgress }

// SceneGenerated announces a syntactically valid candidate scene.
type SceneGenerated struct {
	PatchSummary string `json:"patch_summary"`
}

func (SceneGenerated) Kind() Kind { return KindSceneGenerated }

// FramesRendered reports the angles obtained at one render stage.
// Renders maps angle to a fetchable render id once frames have been
// persisted; mid-loop candidate frames carry angles only, their ids
// arrive with Complete. Missing angles from a partial render are listed
// so clients can tell a small angle set from a failed one.
type FramesRendered struct {
	Stage         string           `json:"stage"`
	Angles        []string         `json:"angles"`
	Renders       map[string]int64 `json:"renders,omitempty"`
	MissingAngles []string         `json:"missing_angles,omitempty"`
}

func (FramesRendered) Kind() Kind { return KindFramesRendered }

// VerificationResult carries the verifier's verdict for one attempt.
type VerificationResult struct {
	Passed bool     `json:"passed"`
	Issues []string `json:"issues,omitempty"`
}

func (VerificationResult) Kind() Kind { return KindVerificationResult }

// Complete is terminal on success. Warning is set when verification
// never passed and the best-effort candidate was persisted anyway.
type Complete struct {
	SceneVersionID int64            `json:"scene_version_id"`
	VersionNumber  int              `json:"version_number"`
	Renders        map[string]int64 `json:"renders"`
	Warning        string           `json:"warning,omitempty"`
	Issues         []string         `json:"issues,omitempty"`
}

func (Complete) Kind() Kind { return KindComplete }

// Error is terminal on failure.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (Error) Kind() Kind { return KindError }
