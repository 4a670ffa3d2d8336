// Package validator inspects raw inputs and decides whether they can be
// processed, recording the corrections the transform stages will apply.
package validator

import (
	"fmt"

	"github.com/aliskhannn/asset-pipeline/internal/model"
)

// MaxDimension is the largest accepted width or height in pixels.
const MaxDimension = 50000

// Messages recorded on the diagnostic record.
const (
	MsgCMYK           = "CMYK not supported"
	MsgCustomChannels = "custom channels will be stripped"
	MsgBitDepth       = "bit depth reduced to 8"
	MsgFirstProfile   = "first profile used"
	MsgRotation       = "rotation will be applied"
)

// Validate applies the acceptance rules in order. The first rejection wins;
// every later rule only adds warnings or corrections.
func Validate(meta model.ImageMetadata) model.ValidationResult {
	reject := func(msg string) model.ValidationResult {
		m := meta
		return model.ValidationResult{
			Status:   model.Rejected,
			Errors:   []string{msg},
			Metadata: &m,
		}
	}

	if meta.Space == "cmyk" {
		return reject(MsgCMYK)
	}
	if meta.Width > MaxDimension || meta.Height > MaxDimension {
		return reject(fmt.Sprintf("dimensions %dx%d exceed the %d pixel limit", meta.Width, meta.Height, MaxDimension))
	}
	if meta.Pages > 1 {
		return reject(fmt.Sprintf("multi-frame images are not supported (%d frames)", meta.Pages))
	}

	res := model.ValidationResult{Status: model.Validated}
	normalized := meta

	if meta.Channels > 4 && meta.HasAlpha {
		res.Warnings = append(res.Warnings, fmt.Sprintf("image has %d channels", meta.Channels))
		res.CorrectionsApplied = append(res.CorrectionsApplied, MsgCustomChannels)
		normalized.Channels = 4
	}
	if meta.Depth > 8 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("bit depth is %d", meta.Depth))
		res.CorrectionsApplied = append(res.CorrectionsApplied, MsgBitDepth)
		normalized.Depth = 8
	}
	if meta.ICCProfiles > 1 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%d color profiles embedded, %s", meta.ICCProfiles, MsgFirstProfile))
		normalized.ICCProfiles = 1
	}
	if meta.Orientation > 1 {
		res.CorrectionsApplied = append(res.CorrectionsApplied, MsgRotation)
		normalized.Orientation = 1
	}

	res.Metadata = &normalized

	return res
}

// Check inspects data and validates it. Undecodable input is rejected with
// the decode error. The returned Inspection is only meaningful when the
// result is validated.
func Check(data []byte) (Inspection, model.ValidationResult) {
	ins, err := Inspect(data)
	if err != nil {
		return Inspection{}, model.ValidationResult{
			Status: model.Rejected,
			Errors: []string{fmt.Sprintf("unreadable image: %v", err)},
		}
	}

	return ins, Validate(ins.Meta)
}
