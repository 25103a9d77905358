// Package scene checks structural well-formedness of scene-description
// text and summarizes structural differences between snapshots. The
// scene language itself is not interpreted here; generated content
// stays an opaque validated blob.
package scene

import (
	"errors"
	"fmt"
	"strings"
)

const emptySceneTemplate = `#usda 1.0
(
    defaultPrim = "World"
    upAxis = "Z"
)

def Xform "World"
{
}
`

// EmptyScene returns the canonical empty scene used for new sessions.
func EmptyScene() string {
	return emptySceneTemplate
}

// Prim is one object definition found in a scene description.
type Prim struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

var ErrEmptyScene = errors.New("scene content is empty")

// Validate checks structural well-formedness without a model call:
// a version header, at least one definition, balanced braces.
func Validate(sceneText string) error {
	trimmed := strings.TrimSpace(sceneText)
	if trimmed == "" {
		return ErrEmptyScene
	}
	if !strings.HasPrefix(trimmed, "#usda") {
		return errors.New("scene content must start with #usda version declaration")
	}
	if !strings.Contains(trimmed, "def") {
		return errors.New("missing required element: def")
	}
	depth := 0
	for _, r := range trimmed {
		switch r {
		case '{':
			depth++
		case '}':
			depth--
			if depth < 0 {
				return errors.New("unbalanced braces: unexpected }")
			}
		}
	}
	if depth != 0 {
		return fmt.Errorf("unbalanced braces: %d unclosed", depth)
	}
	return nil
}

// Structure extracts prim definitions by scanning def lines.
func Structure(sceneText string) []Prim {
	var prims []Prim
	for _, line := range strings.Split(sceneText, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "def ") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 3 {
			continue
		}
		prims = append(prims, Prim{
			Type: parts[1],
			Name: strings.Trim(parts[2], `"`),
		})
	}
	return prims
}

// Summary describes the structural delta between two snapshots. It is
// what edit progress events carry as the patch summary.
type Summary struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
	Total   int      `json:"total_prims"`
}

func (s Summary) String() string {
	var parts []string
	if len(s.Added) > 0 {
		parts = append(parts, fmt.Sprintf("added %s", strings.Join(s.Added, ", ")))
	}
	if len(s.Removed) > 0 {
		parts = append(parts, fmt.Sprintf("removed %s", strings.Join(s.Removed, ", ")))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("no structural changes (%d prims)", s.Total)
	}
	return strings.Join(parts, "; ")
}

// Diff compares the prim sets of two snapshots by name.
func Diff(before, after string) Summary {
	beforePrims := Structure(before)
	afterPrims := Structure(after)

	beforeSet := make(map[string]struct{}, len(beforePrims))
	for _, p := range beforePrims {
		beforeSet[p.Name] = struct{}{}
	}
	afterSet := make(map[string]struct{}, len(afterPrims))
	for _, p := range afterPrims {
		afterSet[p.Name] = struct{}{}
	}

	sum := Summary{Total: len(afterPrims)}
	for _, p := range afterPrims {
		if _, ok := beforeSet[p.Name]; !ok {
			sum.Added = append(sum.Added, p.Name)
		}
	}
	for _, p := range beforePrims {
		if _, ok := afterSet[p.Name]; !ok {
			sum.Removed = append(sum.Removed, p.Name)
		}
	}
	return sum
}
