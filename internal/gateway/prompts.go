package gateway

import (
	"fmt"
	"strings"
)

const systemPrompt = `You are an expert USD (Universal Scene Descriptor) engineer and 3D scene designer.
Your role is to generate valid USD code that modifies 3D scenes based on natural language instructions.

Guidelines:
1. Always output ONLY valid USD ASCII format code
2. Start with #usda 1.0 version declaration
3. Use proper USD syntax with correct indentation
4. Include proper transforms (translation, rotation, scale)
5. Set up materials using UsdPreviewSurface
6. Maintain scene hierarchy under /World root
7. Use descriptive names for objects

Remember: users may not know USD syntax, but they know what they want to see.`

func buildGenerationPrompt(currentScene, instruction string, withVisualContext bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Generate USD code to modify the following 3D scene.\n\n")
	if strings.TrimSpace(currentScene) == "" {
		b.WriteString("Current Scene: (empty, create from scratch)\n\n")
	} else {
		fmt.Fprintf(&b, "Current Scene:\n```usd\n%s\n```\n\n", currentScene)
	}
	fmt.Fprintf(&b, "User Request: %q\n\n", instruction)
	if withVisualContext {
		b.WriteString("You are also given rendered view(s) of the current scene. Use them to understand object positions, colors and spatial relationships before modifying.\n\n")
	}
	b.WriteString(`Instructions:
1. Analyze the user's request carefully
2. Preserve ALL existing objects unless the user explicitly requests their removal
3. Generate the complete, valid USD code for the entire scene

Output ONLY the USD code, starting with #usda 1.0.`)
	return b.String()
}

func buildRepairPrompt(candidateScene, instruction string, issues []string) string {
	var b strings.Builder
	b.WriteString("You previously generated USD code for a 3D scene, but verification found issues.\n\n")
	fmt.Fprintf(&b, "Original User Request: %q\n\n", instruction)
	fmt.Fprintf(&b, "Current USD Code:\n```usd\n%s\n```\n\n", candidateScene)
	b.WriteString("Issues Found:\n")
	for _, issue := range issues {
		fmt.Fprintf(&b, "- %s\n", issue)
	}
	b.WriteString(`
Generate corrected USD code that addresses ALL the issues while keeping the correct parts of the scene.
Preserve existing objects unless the user requested their removal or the feedback identifies them as erroneous additions.

Output ONLY the complete corrected USD code, starting with #usda 1.0.`)
	return b.String()
}

func buildVerificationPrompt(instruction string, beforeCount, afterCount int) string {
	var b strings.Builder
	b.WriteString("You are verifying whether a 3D scene modification correctly fulfills a user's request.\n\n")
	fmt.Fprintf(&b, "User Request: %q\n\n", instruction)
	fmt.Fprintf(&b, "The first %d image(s) show the scene BEFORE the edit, the following %d image(s) show it AFTER, from matching camera angles.\n\n", beforeCount, afterCount)
	b.WriteString(`Checklist:
- Does the scene contain all objects requested by the user?
- Are requested objects positioned, sized and colored correctly?
- Are pre-existing objects that were NOT mentioned still present and unchanged?
- Are there unwanted new objects?

Respond with ONLY valid JSON, no markdown:
{
    "verification_passed": true or false,
    "confidence": 0.0 to 1.0,
    "issues_found": ["specific, actionable problems"],
    "detailed_feedback": "short explanation"
}`)
	return b.String()
}

// stripCodeFence extracts the first fenced block from a model reply,
// dropping a leading language tag line. Replies without fences pass
// through trimmed.
func stripCodeFence(text string) string {
	if !strings.Contains(text, "```") {
		return strings.TrimSpace(text)
	}
	parts := strings.Split(text, "```")
	for i, part := range parts {
		if i%2 != 1 {
			continue
		}
		lines := strings.Split(part, "\n")
		switch strings.ToLower(strings.TrimSpace(lines[0])) {
		case "usd", "usda", "json", "":
			return strings.TrimSpace(strings.Join(lines[1:], "\n"))
		}
		return strings.TrimSpace(part)
	}
	return strings.TrimSpace(text)
}
