package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PipelineKind distinguishes single-asset recipes from multi-asset fan-outs.
type PipelineKind string

const (
	KindSingleAsset PipelineKind = "single_asset"
	KindMultiAsset  PipelineKind = "multi_asset"
)

// Format is an output encoding.
type Format string

const (
	FormatPNG  Format = "png"
	FormatPNG8 Format = "png8"
	FormatJPEG Format = "jpeg"
	FormatWebP Format = "webp"
	FormatTIFF Format = "tiff"
)

// ParseFormat normalizes user spellings ("jpg", "tif") to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "png":
		return FormatPNG, nil
	case "png8":
		return FormatPNG8, nil
	case "jpg", "jpeg":
		return FormatJPEG, nil
	case "webp":
		return FormatWebP, nil
	case "tif", "tiff":
		return FormatTIFF, nil
	default:
		return "", fmt.Errorf("unsupported format %q", s)
	}
}

// Extension returns the file extension (without dot) written for f.
func (f Format) Extension() string {
	switch f {
	case FormatPNG, FormatPNG8:
		return "png"
	case FormatJPEG:
		return "jpg"
	case FormatWebP:
		return "webp"
	case FormatTIFF:
		return "tiff"
	default:
		return "jpg"
	}
}

// SupportsAlpha reports whether the encoding can carry transparency.
func (f Format) SupportsAlpha() bool {
	return f != FormatJPEG
}

// ICCPolicy controls what happens to the source color profile.
type ICCPolicy string

const (
	ICCPreserve ICCPolicy = "preserve"
	ICCAssign   ICCPolicy = "assign"
	ICCConvert  ICCPolicy = "convert"
	ICCStrip    ICCPolicy = "strip"
)

// ICCHandling controls how the resulting profile is written at encode time.
type ICCHandling string

const (
	ICCEmbed ICCHandling = "embed"
	ICCTag   ICCHandling = "tag"
	ICCOmit  ICCHandling = "omit"
)

// Sizing describes the geometric stage.
type Sizing struct {
	AspectRatio   string `json:"aspectRatio,omitempty"` // "16:9"; empty keeps native proportions
	Width         int    `json:"width,omitempty"`
	Height        int    `json:"height,omitempty"`
	AllowUpsample bool   `json:"allowUpsample"`
}

// Color describes profile handling and gamma correction.
type Color struct {
	ICCPolicy    ICCPolicy   `json:"iccPolicy,omitempty"`
	DestProfile  string      `json:"destProfile,omitempty"`
	GammaCorrect bool        `json:"gammaCorrect"`
	ICCHandling  ICCHandling `json:"iccHandling,omitempty"`
}

// Transparency describes alpha handling.
type Transparency struct {
	Preserve        bool   `json:"preserve"`
	BackgroundColor string `json:"backgroundColor,omitempty"` // hex, default white
}

// FormatSettings holds the output encoding and its two 0-100 sliders.
type FormatSettings struct {
	Type        string `json:"type"`
	Quality     int    `json:"lossyQuality"`
	Compression int    `json:"losslessCompression"`
}

// AssetConfig is one single-asset transform recipe.
type AssetConfig struct {
	Name         string         `json:"name,omitempty"`
	Sizing       Sizing         `json:"sizing"`
	Color        Color          `json:"color"`
	Transparency Transparency   `json:"transparency"`
	Format       FormatSettings `json:"format"`
	Suffix       string         `json:"suffix"`
}

// Component references a single-asset pipeline inside a multi-asset one.
type Component struct {
	PipelineID uuid.UUID `json:"pipeline_id"`
	Suffix     *string   `json:"suffix,omitempty"` // overrides the component's own suffix
}

// Pipeline is a named, versioned pipeline definition.
type Pipeline struct {
	ID          uuid.UUID    `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Kind        PipelineKind `json:"kind"`
	Version     int          `json:"version"`
	Config      *AssetConfig `json:"config,omitempty"`
	Components  []Component  `json:"components,omitempty"`
	Protected   bool         `json:"protected"`
	Referenced  bool         `json:"referenced"`
	Archived    bool         `json:"archived"`
	ArchivedAt  *time.Time   `json:"archived_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// ResolvedAsset is a component flattened to the config and suffix it runs with.
type ResolvedAsset struct {
	Name   string
	Config AssetConfig
}

// Validate checks the structural rules of a definition.
func (p Pipeline) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPipeline)
	}

	switch p.Kind {
	case KindSingleAsset:
		if p.Config == nil {
			return fmt.Errorf("%w: single-asset pipeline needs a config", ErrInvalidPipeline)
		}
		return p.Config.Validate()
	case KindMultiAsset:
		if len(p.Components) == 0 {
			return fmt.Errorf("%w: multi-asset pipeline needs components", ErrInvalidPipeline)
		}
		for _, c := range p.Components {
			if c.PipelineID == p.ID {
				return fmt.Errorf("%w: pipeline cannot reference itself", ErrInvalidPipeline)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPipeline, p.Kind)
	}
}

// Validate checks slider ranges, format and policy values.
func (c AssetConfig) Validate() error {
	if _, err := ParseFormat(c.Format.Type); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPipeline, err)
	}
	if c.Format.Quality < 0 || c.Format.Quality > 100 {
		return fmt.Errorf("%w: lossyQuality must be within 0-100", ErrInvalidPipeline)
	}
	if c.Format.Compression < 0 || c.Format.Compression > 100 {
		return fmt.Errorf("%w: losslessCompression must be within 0-100", ErrInvalidPipeline)
	}
	if c.Sizing.Width < 0 || c.Sizing.Height < 0 {
		return fmt.Errorf("%w: dimensions must not be negative", ErrInvalidPipeline)
	}

	switch c.Color.ICCPolicy {
	case "", ICCPreserve, ICCAssign, ICCConvert, ICCStrip:
	default:
		return fmt.Errorf("%w: unknown iccPolicy %q", ErrInvalidPipeline, c.Color.ICCPolicy)
	}

	switch c.Color.ICCHandling {
	case "", ICCEmbed, ICCTag, ICCOmit:
	default:
		return fmt.Errorf("%w: unknown iccHandling %q", ErrInvalidPipeline, c.Color.ICCHandling)
	}

	return nil
}
