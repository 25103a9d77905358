package gateway

import (
	"context"
	"encoding/json"
	"log"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// VisionVerifier judges candidates by showing the model before/after
// frames from matching camera angles. It never returns an error: an
// unreachable model degrades to a pass (infrastructure trouble must not
// burn repair attempts), an unparsable reply degrades to a fail with a
// generic issue so the loop gets one more repair.
type VisionVerifier struct {
	chatModel model.ToolCallingChatModel
}

func NewVisionVerifier(chatModel model.ToolCallingChatModel) *VisionVerifier {
	return &VisionVerifier{chatModel: chatModel}
}

type verdictPayload struct {
	VerificationPassed bool     `json:"verification_passed"`
	Confidence         float64  `json:"confidence"`
	IssuesFound        []string `json:"issues_found"`
	DetailedFeedback   string   `json:"detailed_feedback"`
}

func (v *VisionVerifier) Verify(ctx context.Context, instruction string, before, after map[string][]byte) Verdict {
	prompt := buildVerificationPrompt(instruction, len(before), len(after))

	parts := make([]schema.ChatMessagePart, 0, len(before)+len(after)+1)
	parts = append(parts, schema.ChatMessagePart{
		Type: schema.ChatMessagePartTypeText,
		Text: prompt,
	})
	for _, angle := range sortedAngles(before) {
		parts = append(parts, imagePart(before[angle]))
	}
	for _, angle := range sortedAngles(after) {
		parts = append(parts, imagePart(after[angle]))
	}

	resp, err := v.chatModel.Generate(ctx, []*schema.Message{{
		Role:         schema.User,
		MultiContent: parts,
	}})
	if err != nil {
		log.Printf("verification call failed, degrading to pass: %v", err)
		return Verdict{
			Passed:   true,
			Feedback: "verification unavailable: " + err.Error(),
		}
	}

	var payload verdictPayload
	if err := json.Unmarshal([]byte(stripCodeFence(resp.Content)), &payload); err != nil {
		log.Printf("verification verdict unparsable: %v", err)
		return Verdict{
			Passed:     false,
			Issues:     []string{"verifier response could not be parsed"},
			Feedback:   resp.Content,
			Confidence: 0,
		}
	}
	return Verdict{
		Passed:     payload.VerificationPassed,
		Issues:     payload.IssuesFound,
		Feedback:   payload.DetailedFeedback,
		Confidence: payload.Confidence,
	}
}
