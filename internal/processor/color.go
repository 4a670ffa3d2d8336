package processor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aliskhannn/asset-pipeline/internal/model"
)

var ErrUnsupportedConversion = errors.New("color conversion is only supported to sRGB")

// colorState is the profile carried from the color stage to the encoder.
type colorState struct {
	icc  []byte
	srgb bool
}

// applyColor resolves the ICC policy into the profile the encoder writes.
// Decoded pixels are always treated as sRGB, the working space.
func (p *Processor) applyColor(src []byte, cfg model.Color) (colorState, []string, error) {
	switch cfg.ICCPolicy {
	case "", model.ICCPreserve:
		if len(src) == 0 {
			return colorState{srgb: true}, nil, nil
		}
		return colorState{icc: src}, nil, nil

	case model.ICCAssign:
		if cfg.DestProfile == "" {
			return colorState{}, nil, errors.New("assign policy needs a destination profile")
		}
		if isSRGB(cfg.DestProfile) {
			return colorState{srgb: true}, nil, nil
		}
		profile, err := p.loadProfile(cfg.DestProfile)
		if err != nil {
			return colorState{}, nil, err
		}
		return colorState{icc: profile}, nil, nil

	case model.ICCConvert:
		if cfg.DestProfile != "" && !isSRGB(cfg.DestProfile) {
			return colorState{}, nil, fmt.Errorf("%w: got %q", ErrUnsupportedConversion, cfg.DestProfile)
		}
		var warnings []string
		if len(src) > 0 {
			warnings = append(warnings, "source profile replaced by sRGB")
		}
		return colorState{srgb: true}, warnings, nil

	case model.ICCStrip:
		return colorState{}, nil, nil

	default:
		return colorState{}, nil, fmt.Errorf("unknown icc policy %q", cfg.ICCPolicy)
	}
}

func isSRGB(name string) bool {
	n := strings.ToLower(strings.TrimSuffix(name, filepath.Ext(name)))
	return n == "srgb" || n == "srgb-iec61966-2.1"
}

// loadProfile reads a named profile from the profile directory. The name may
// omit the .icc/.icm extension.
func (p *Processor) loadProfile(name string) ([]byte, error) {
	if p.profileDir == "" {
		return nil, fmt.Errorf("profile %q requested but no profile directory is configured", name)
	}

	base := filepath.Base(name)
	candidates := []string{base}
	if filepath.Ext(base) == "" {
		candidates = append(candidates, base+".icc", base+".icm")
	}

	for _, c := range candidates {
		data, err := os.ReadFile(filepath.Join(p.profileDir, c))
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read profile %s: %w", c, err)
		}
	}

	return nil, fmt.Errorf("profile %q not found", name)
}
