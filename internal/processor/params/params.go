// Package params maps the two user-facing 0-100 sliders onto the native
// settings of each output encoder.
package params

import (
	"image/png"
	"math"

	"github.com/aliskhannn/asset-pipeline/internal/model"
)

const (
	minQuality = 1
	maxQuality = 100

	minPaletteColors = 2
	maxPaletteColors = 256
)

// Encoder holds the native settings derived for one output format.
type Encoder struct {
	Format model.Format

	// Quality is the lossy quality (jpeg, webp), 1-100. Zero when unused.
	Quality int
	// PaletteColors is the png8 palette size. Zero for other formats.
	PaletteColors int
	// Level is the format-native compression level within [0, MaxLevel].
	Level    int
	MaxLevel int

	// Fixed per-format feature flags.
	Dither      bool
	Progressive bool
	Lossy       bool
}

// MaxLevel returns the top of the native compression scale for f.
func MaxLevel(f model.Format) int {
	switch f {
	case model.FormatPNG, model.FormatPNG8:
		return 9
	case model.FormatWebP:
		return 6
	case model.FormatTIFF:
		return 1
	default:
		return 0
	}
}

// ClampQuality bounds a quality slider to 1-100.
func ClampQuality(q int) int {
	return clamp(q, minQuality, maxQuality)
}

// CompressionLevel maps a 0-100 slider onto [0, max] rounding up.
func CompressionLevel(compression, max int) int {
	if max <= 0 {
		return 0
	}
	c := clamp(compression, 0, 100)
	level := int(math.Ceil(float64(c) / 100 * float64(max)))

	return clamp(level, 0, max)
}

// PaletteSize maps a quality slider onto a png8 palette of 2-256 colors.
func PaletteSize(quality int) int {
	q := ClampQuality(quality)
	n := minPaletteColors + int(math.Round(float64(q)/100*float64(maxPaletteColors-minPaletteColors)))

	return clamp(n, minPaletteColors, maxPaletteColors)
}

// Map derives encoder settings from the format and the two sliders.
// The sliders are independent: quality never changes the compression level
// and compression never changes quality.
func Map(f model.Format, quality, compression int) Encoder {
	enc := Encoder{
		Format:   f,
		MaxLevel: MaxLevel(f),
	}
	enc.Level = CompressionLevel(compression, enc.MaxLevel)

	switch f {
	case model.FormatPNG8:
		enc.Dither = true
		enc.PaletteColors = PaletteSize(quality)
	case model.FormatJPEG:
		enc.Quality = ClampQuality(quality)
		enc.Progressive = true
		enc.Lossy = true
	case model.FormatWebP:
		enc.Quality = ClampQuality(quality)
		enc.Lossy = true
	case model.FormatTIFF:
	}

	return enc
}

// PNGLevel buckets a 0-9 zlib level onto the levels the Go png encoder offers.
func PNGLevel(level int) png.CompressionLevel {
	switch {
	case level <= 0:
		return png.NoCompression
	case level <= 3:
		return png.BestSpeed
	case level <= 6:
		return png.DefaultCompression
	default:
		return png.BestCompression
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
