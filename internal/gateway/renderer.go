package gateway

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"coscene/internal/config"
	"coscene/internal/models"
)

const defaultRenderTimeout = 2 * time.Minute

// BlenderRenderer shells out to headless Blender, one subprocess per
// camera angle. Scene text goes through a temp .usda file; the frame
// comes back as PNG bytes.
type BlenderRenderer struct {
	executable string
	scriptPath string
	tempDir    string
	timeout    time.Duration
}

func NewBlenderRenderer(cfg config.RendererConfig) (*BlenderRenderer, error) {
	exe := cfg.BlenderPath
	if exe == "" {
		exe = "blender"
	}
	if cfg.ScriptPath == "" {
		return nil, errors.New("renderer script path must be configured")
	}
	tempDir := cfg.TempDir
	if tempDir == "" {
		tempDir = filepath.Join(os.TempDir(), "coscene_renders")
	}
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("create render temp dir: %w", err)
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultRenderTimeout
	}
	return &BlenderRenderer{
		executable: exe,
		scriptPath: cfg.ScriptPath,
		tempDir:    tempDir,
		timeout:    timeout,
	}, nil
}

// CheckAvailable reports whether the Blender executable responds.
func (r *BlenderRenderer) CheckAvailable(ctx context.Context) bool {
	out, err := exec.CommandContext(ctx, r.executable, "--version").Output()
	if err != nil {
		log.Printf("blender not available at %s: %v", r.executable, err)
		return false
	}
	if line, _, ok := strings.Cut(string(out), "\n"); ok {
		log.Printf("blender available: %s", line)
	}
	return true
}

// RenderMultiView renders all angles concurrently. Failed angles land
// in the error map; the result map may be partial.
func (r *BlenderRenderer) RenderMultiView(ctx context.Context, sceneText string, angles []string, quality models.RenderQuality) (map[string]RenderResult, map[string]error) {
	results := make(map[string]RenderResult, len(angles))
	failures := make(map[string]error)

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, angle := range angles {
		wg.Add(1)
		go func(angle string) {
			defer wg.Done()
			image, timeMs, err := r.renderOne(ctx, sceneText, angle, quality)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Printf("render angle %s failed: %v", angle, err)
				failures[angle] = err
				return
			}
			results[angle] = RenderResult{Image: image, TimeMs: timeMs}
		}(angle)
	}
	wg.Wait()
	return results, failures
}

func (r *BlenderRenderer) renderOne(ctx context.Context, sceneText, angle string, quality models.RenderQuality) ([]byte, int, error) {
	fileID := uuid.NewString()
	sceneFile := filepath.Join(r.tempDir, fmt.Sprintf("scene_%s.usda", fileID))
	outputFile := filepath.Join(r.tempDir, fmt.Sprintf("render_%s.png", fileID))
	defer func() {
		os.Remove(sceneFile)
		os.Remove(outputFile)
	}()

	if err := os.WriteFile(sceneFile, []byte(sceneText), 0o644); err != nil {
		return nil, 0, fmt.Errorf("write scene file: %w", err)
	}

	renderCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(renderCtx, r.executable,
		"-b",
		"--python", r.scriptPath,
		"--",
		sceneFile,
		outputFile,
		string(quality),
		angle,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(renderCtx.Err(), context.DeadlineExceeded) {
			return nil, 0, fmt.Errorf("%w: angle %s after %s", ErrRenderTimeout, angle, r.timeout)
		}
		return nil, 0, fmt.Errorf("blender render (%s): %w: %s", angle, err, truncate(string(out), 500))
	}

	image, err := os.ReadFile(outputFile)
	if err != nil {
		return nil, 0, fmt.Errorf("read render output (%s): %w", angle, err)
	}
	return image, parseRenderTime(string(out)), nil
}

// parseRenderTime extracts "Render complete in 123ms" from Blender
// stdout; -1 when absent.
func parseRenderTime(output string) int {
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, "Render complete in") {
			continue
		}
		rest := line[strings.Index(line, "in ")+3:]
		if msIdx := strings.Index(rest, "ms"); msIdx > 0 {
			if ms, err := strconv.Atoi(strings.TrimSpace(rest[:msIdx])); err == nil {
				return ms
			}
		}
	}
	return -1
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// PNGDimensions reads width and height from the IHDR chunk.
func PNGDimensions(data []byte) (width, height int) {
	if len(data) < 24 {
		return 0, 0
	}
	return int(binary.BigEndian.Uint32(data[16:20])), int(binary.BigEndian.Uint32(data[20:24]))
}
