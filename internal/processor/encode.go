package processor

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/ericpauley/go-quantize/quantize"
	"github.com/gen2brain/webp"
	"golang.org/x/image/tiff"

	"github.com/aliskhannn/asset-pipeline/internal/model"
	"github.com/aliskhannn/asset-pipeline/internal/processor/params"
)

// OutputFilename builds "{inputBaseName}{suffix}.{ext}".
func OutputFilename(input, suffix string, f model.Format) string {
	base := filepath.Base(input)
	base = strings.TrimSuffix(base, filepath.Ext(base))

	return base + suffix + "." + f.Extension()
}

// encode writes img in the mapped format and applies the profile handling.
func encode(img image.Image, enc params.Encoder, cs colorState, handling model.ICCHandling) ([]byte, []string, error) {
	var (
		buf      bytes.Buffer
		warnings []string
	)

	switch enc.Format {
	case model.FormatPNG:
		e := png.Encoder{CompressionLevel: params.PNGLevel(enc.Level)}
		if err := e.Encode(&buf, img); err != nil {
			return nil, nil, fmt.Errorf("failed to encode png: %w", err)
		}
		return tagPNG(buf.Bytes(), cs, handling)

	case model.FormatPNG8:
		e := png.Encoder{CompressionLevel: params.PNGLevel(enc.Level)}
		if err := e.Encode(&buf, toPaletted(img, enc.PaletteColors, enc.Dither)); err != nil {
			return nil, nil, fmt.Errorf("failed to encode png8: %w", err)
		}
		return tagPNG(buf.Bytes(), cs, handling)

	case model.FormatJPEG:
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(enc.Quality)); err != nil {
			return nil, nil, fmt.Errorf("failed to encode jpeg: %w", err)
		}
		if handling == model.ICCOmit || cs.icc == nil {
			return buf.Bytes(), nil, nil
		}
		out, err := embedJPEGProfile(buf.Bytes(), cs.icc)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to embed profile: %w", err)
		}
		return out, nil, nil

	case model.FormatWebP:
		opts := webp.Options{Quality: enc.Quality, Lossless: !enc.Lossy, Method: enc.Level}
		if err := webp.Encode(&buf, img, opts); err != nil {
			return nil, nil, fmt.Errorf("failed to encode webp: %w", err)
		}

	case model.FormatTIFF:
		opts := &tiff.Options{Compression: tiff.Uncompressed}
		if enc.Level > 0 {
			opts.Compression = tiff.Deflate
			opts.Predictor = true
		}
		if err := tiff.Encode(&buf, img, opts); err != nil {
			return nil, nil, fmt.Errorf("failed to encode tiff: %w", err)
		}

	default:
		return nil, nil, fmt.Errorf("unsupported format %q", enc.Format)
	}

	if cs.icc != nil && handling != model.ICCOmit {
		warnings = append(warnings, fmt.Sprintf("%s output is written without an embedded profile", enc.Format))
	}

	return buf.Bytes(), warnings, nil
}

// tagPNG writes the profile as an iCCP chunk or an sRGB chunk. "tag" only
// has a chunk for sRGB, so any other profile is embedded instead.
func tagPNG(encoded []byte, cs colorState, handling model.ICCHandling) ([]byte, []string, error) {
	if handling == model.ICCOmit {
		return encoded, nil, nil
	}

	var (
		chunk []byte
		err   error
	)
	switch {
	case cs.icc != nil:
		chunk, err = iccpChunk(cs.icc)
	case cs.srgb:
		chunk = srgbChunk()
	default:
		return encoded, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build profile chunk: %w", err)
	}

	out, err := insertPNGChunk(encoded, chunk)
	if err != nil {
		return nil, nil, err
	}

	return out, nil, nil
}

// toPaletted quantizes img to n colors, with Floyd-Steinberg error
// diffusion when dither is set and nearest-color mapping otherwise.
func toPaletted(img image.Image, n int, dither bool) *image.Paletted {
	q := quantize.MedianCutQuantizer{AddTransparent: hasTransparency(img)}
	pal := q.Quantize(make(color.Palette, 0, n), img)

	b := img.Bounds()
	dst := image.NewPaletted(b, pal)
	var d draw.Drawer = draw.Src
	if dither {
		d = draw.FloydSteinberg
	}
	d.Draw(dst, b, img, b.Min)

	return dst
}

func hasTransparency(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return !o.Opaque()
	}
	return true
}
