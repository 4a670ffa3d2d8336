package processor

import (
	"fmt"
	"image"
	"math"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"

	"github.com/aliskhannn/asset-pipeline/internal/model"
)

const gamma = 2.2

// ParseAspectRatio parses "W:H" into its two positive terms.
func ParseAspectRatio(s string) (float64, float64, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid aspect ratio %q", s)
	}

	w, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil || w <= 0 {
		return 0, 0, fmt.Errorf("invalid aspect ratio %q", s)
	}
	h, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil || h <= 0 {
		return 0, 0, fmt.Errorf("invalid aspect ratio %q", s)
	}

	return w, h, nil
}

// resize runs the sizing stage. The source is never cropped: with an aspect
// ratio it is fitted inside the target box and padded with transparent
// pixels, otherwise it is scaled within the requested bounds.
func resize(img image.Image, cfg model.Sizing, linear bool) (image.Image, error) {
	if cfg.AspectRatio == "" {
		return fitWithin(img, cfg.Width, cfg.Height, cfg.AllowUpsample, linear), nil
	}

	rw, rh, err := ParseAspectRatio(cfg.AspectRatio)
	if err != nil {
		return nil, err
	}

	boxW, boxH := aspectBox(img.Bounds(), rw, rh, cfg.Width, cfg.Height)
	if boxW <= 0 || boxH <= 0 {
		return nil, fmt.Errorf("target box %dx%d is empty", boxW, boxH)
	}

	fitted := fitWithin(img, boxW, boxH, cfg.AllowUpsample, linear)
	return pad(fitted, boxW, boxH), nil
}

// aspectBox returns the exact output size for a ratio. Width wins over
// height when both are set; with neither the box is the smallest one of
// that ratio containing the source.
func aspectBox(src image.Rectangle, rw, rh float64, width, height int) (int, int) {
	switch {
	case width > 0:
		return width, int(math.Round(float64(width) * rh / rw))
	case height > 0:
		return int(math.Round(float64(height) * rw / rh)), height
	}

	sw, sh := src.Dx(), src.Dy()
	w, h := sw, int(math.Round(float64(sw)*rh/rw))
	if h < sh {
		w, h = int(math.Round(float64(sh)*rw/rh)), sh
	}

	return w, h
}

// fitWithin scales img to fit inside width x height keeping proportions.
// A zero bound is unconstrained.
func fitWithin(img image.Image, width, height int, allowUpsample, linear bool) image.Image {
	sw, sh := img.Bounds().Dx(), img.Bounds().Dy()
	if sw == 0 || sh == 0 || (width <= 0 && height <= 0) {
		return img
	}

	scale := math.Inf(1)
	if width > 0 {
		scale = float64(width) / float64(sw)
	}
	if height > 0 {
		scale = math.Min(scale, float64(height)/float64(sh))
	}
	if scale > 1 && !allowUpsample {
		scale = 1
	}
	if scale == 1 {
		return img
	}

	fw := clampDim(int(math.Round(float64(sw)*scale)), width)
	fh := clampDim(int(math.Round(float64(sh)*scale)), height)

	if !linear {
		return imaging.Resize(img, fw, fh, imaging.Lanczos)
	}

	// resample in linear light and re-encode afterwards
	dark := imaging.AdjustGamma(img, 1/gamma)
	return imaging.AdjustGamma(imaging.Resize(dark, fw, fh, imaging.Lanczos), gamma)
}

func clampDim(v, bound int) int {
	if bound > 0 && v > bound {
		v = bound
	}
	if v < 1 {
		v = 1
	}
	return v
}

// pad centers img on a fully transparent canvas of the exact box size.
func pad(img image.Image, boxW, boxH int) image.Image {
	b := img.Bounds()
	if b.Dx() == boxW && b.Dy() == boxH {
		return img
	}

	dc := gg.NewContext(boxW, boxH)
	dc.DrawImage(img, (boxW-b.Dx())/2, (boxH-b.Dy())/2)

	return dc.Image()
}
