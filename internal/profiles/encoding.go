package profiles

import (
	"fmt"
	"strings"
)

// FitMode selects how images are sized. A deployment uses exactly one.
type FitMode string

const (
	// FitInside keeps the aspect ratio inside the box and never upscales
	FitInside FitMode = "fit"
	// FillExact stretches to the exact box
	FillExact FitMode = "fill"
)

// ImagePolicy is the resize policy applied by the image normalizer
type ImagePolicy struct {
	Mode    FitMode
	Width   int
	Height  int
	Quality int
}

// ParseFitMode validates the IMAGE_FIT setting
func ParseFitMode(s string) (FitMode, error) {
	switch FitMode(strings.ToLower(strings.TrimSpace(s))) {
	case FitInside, "":
		return FitInside, nil
	case FillExact:
		return FillExact, nil
	default:
		return "", fmt.Errorf("unknown image fit mode %q (want fit or fill)", s)
	}
}

// TargetSize computes the output dimensions for a source of srcW x srcH
func (p ImagePolicy) TargetSize(srcW, srcH int) (int, int) {
	if srcW <= 0 || srcH <= 0 {
		return 0, 0
	}
	if p.Mode == FillExact {
		return p.Width, p.Height
	}

	if srcW <= p.Width && srcH <= p.Height {
		return srcW, srcH
	}
	// scale by the tighter side
	wRatio := float64(p.Width) / float64(srcW)
	hRatio := float64(p.Height) / float64(srcH)
	ratio := min(wRatio, hRatio)

	w := max(1, int(float64(srcW)*ratio+0.5))
	h := max(1, int(float64(srcH)*ratio+0.5))
	return min(w, p.Width), min(h, p.Height)
}

// EncodeParams are the x264 knobs picked for one input
type EncodeParams struct {
	Preset string
	CRF    int
}

const (
	smallInput  = 50 * 1024 * 1024
	mediumInput = 200 * 1024 * 1024
)

// SelectEncodeParams trades quality for latency on small inputs
func SelectEncodeParams(inputSize int64) EncodeParams {
	switch {
	case inputSize < smallInput:
		return EncodeParams{Preset: "veryfast", CRF: 26}
	case inputSize < mediumInput:
		return EncodeParams{Preset: "fast", CRF: 24}
	default:
		return EncodeParams{Preset: "medium", CRF: 23}
	}
}

// EncodeParallelism splits cpus evenly across variants.
// It returns how many encodes may run at once and the thread budget for each.
func EncodeParallelism(cpus, variants int) (parallel, threads int) {
	if variants <= 0 {
		return 0, 0
	}
	cpus = max(1, cpus)
	threads = max(1, cpus/variants)
	parallel = min(variants, max(1, cpus/threads))
	return parallel, threads
}
