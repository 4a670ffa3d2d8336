package processor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"time"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/aliskhannn/asset-pipeline/internal/model"
	"github.com/aliskhannn/asset-pipeline/internal/processor/params"
)

// optimizer defines the interface for the best-effort secondary pass.
// It returns the data to keep, whether it was replaced, and a warning when
// the pass was skipped or failed.
type optimizer interface {
	Optimize(ctx context.Context, name string, enc params.Encoder, compression int, data []byte) ([]byte, bool, *model.OptimizationWarning)
}

// Processor runs the transform stages for one asset config.
type Processor struct {
	optimizer  optimizer
	profileDir string
}

// New creates a new Processor. optimizer may be nil to disable the
// secondary pass.
func New(opt optimizer, profileDir string) *Processor {
	return &Processor{optimizer: opt, profileDir: profileDir}
}

// Source is a decoded input shared by every component of a job.
type Source struct {
	Filename string
	Image    image.Image
	ICC      []byte
}

// Output is one encoded file ready to be stored.
type Output struct {
	Filename  string
	Component string
	Suffix    string
	Format    model.Format
	Width     int
	Height    int
	Data      []byte
	Optimized bool
	Duration  time.Duration
	Warnings  []string
}

// Decode reads the input pixels, applying the EXIF orientation.
func Decode(data []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	return img, nil
}

// Run applies sizing, color, transparency, encode and the optional
// secondary optimization. A failing stage aborts the asset and is reported
// as a *model.StageError.
func (p *Processor) Run(ctx context.Context, src Source, asset model.ResolvedAsset) (Output, error) {
	start := time.Now()
	cfg := asset.Config

	format, err := model.ParseFormat(cfg.Format.Type)
	if err != nil {
		return Output{}, model.NewStageError(model.StageEncode, err)
	}

	out := Output{
		Filename:  OutputFilename(src.Filename, cfg.Suffix, format),
		Component: asset.Name,
		Suffix:    cfg.Suffix,
		Format:    format,
	}

	var (
		img      = src.Image
		enc      = params.Map(format, cfg.Format.Quality, cfg.Format.Compression)
		cs       colorState
		warnings []string
	)

	for _, stage := range model.TransformStages {
		if err := ctx.Err(); err != nil {
			return Output{}, err
		}

		stageStart := time.Now()
		var w []string

		switch stage {
		case model.StageSizing:
			img, err = resize(img, cfg.Sizing, cfg.Color.GammaCorrect)
		case model.StageColor:
			cs, w, err = p.applyColor(src.ICC, cfg.Color)
		case model.StageTransparency:
			img, w, err = applyTransparency(img, cfg.Transparency, format)
		case model.StageEncode:
			out.Data, w, err = encode(img, enc, cs, cfg.Color.ICCHandling)
		default:
			err = fmt.Errorf("stage %s is not a transform stage", stage)
		}

		recordStage(ctx, stage, time.Since(stageStart), err)
		if err != nil {
			return Output{}, model.NewStageError(stage, err)
		}
		warnings = append(warnings, w...)
	}

	b := img.Bounds()
	out.Width, out.Height = b.Dx(), b.Dy()

	if p.optimizer != nil {
		stageStart := time.Now()
		data, optimized, warn := p.optimizer.Optimize(ctx, out.Filename, enc, cfg.Format.Compression, out.Data)
		recordStage(ctx, model.StageOptimize, time.Since(stageStart), nil)

		out.Data, out.Optimized = data, optimized
		if warn != nil {
			warnings = append(warnings, warn.String())
		}
	}

	out.Warnings = warnings
	out.Duration = time.Since(start)

	return out, nil
}
