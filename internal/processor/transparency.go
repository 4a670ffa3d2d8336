package processor

import (
	"fmt"
	"image"
	"regexp"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"

	"github.com/aliskhannn/asset-pipeline/internal/model"
)

const defaultBackground = "#ffffff"

var hexColor = regexp.MustCompile(`^#?([0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)

// applyTransparency flattens or keeps alpha. Formats without an alpha
// channel are always flattened.
func applyTransparency(img image.Image, cfg model.Transparency, f model.Format) (image.Image, []string, error) {
	if cfg.Preserve && f.SupportsAlpha() {
		return imaging.Clone(img), nil, nil
	}

	var warnings []string
	if cfg.Preserve {
		warnings = append(warnings, fmt.Sprintf("%s has no alpha channel, flattened onto background", f))
	}

	flat, err := flatten(img, cfg.BackgroundColor)
	if err != nil {
		return nil, nil, err
	}

	return flat, warnings, nil
}

// flatten composites img over an opaque background color.
func flatten(img image.Image, background string) (image.Image, error) {
	bg := strings.TrimSpace(background)
	if bg == "" {
		bg = defaultBackground
	}
	if !hexColor.MatchString(bg) {
		return nil, fmt.Errorf("invalid background color %q", background)
	}

	b := img.Bounds()
	dc := gg.NewContext(b.Dx(), b.Dy())
	dc.SetHexColor(bg)
	dc.Clear()
	dc.DrawImage(img, 0, 0)

	return imaging.Clone(dc.Image()), nil
}
