package processor

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aliskhannn/asset-pipeline/internal/model"
	"github.com/aliskhannn/asset-pipeline/internal/processor/params"
	"github.com/aliskhannn/asset-pipeline/internal/validator"
)

func solid(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func alphaAt(img image.Image, x, y int) uint32 {
	_, _, _, a := img.At(x, y).RGBA()
	return a
}

func TestResizeAspectRatioPadsWithoutCropping(t *testing.T) {
	red := color.NRGBA{R: 255, A: 255}

	tests := []struct {
		name          string
		src           image.Image
		allowUpsample bool
		contentW      int
		contentH      int
	}{
		{"square source no upsample", solid(500, 500, red), false, 500, 500},
		{"square source upsampled", solid(500, 500, red), true, 1125, 1125},
		{"large square source shrinks", solid(3000, 3000, red), false, 1125, 1125},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := resize(tt.src, model.Sizing{AspectRatio: "16:9", Width: 2000, AllowUpsample: tt.allowUpsample}, false)
			require.NoError(t, err)

			b := out.Bounds()
			assert.Equal(t, 2000, b.Dx())
			assert.Equal(t, 1125, b.Dy())

			// corners are padding
			assert.Zero(t, alphaAt(out, 0, 0))
			assert.Zero(t, alphaAt(out, 1999, 1124))

			// the whole content box is opaque, so nothing was cut
			left := (2000 - tt.contentW) / 2
			top := (1125 - tt.contentH) / 2
			assert.NotZero(t, alphaAt(out, left+1, top+1))
			assert.NotZero(t, alphaAt(out, left+tt.contentW-2, top+tt.contentH-2))
			if left > 0 {
				assert.Zero(t, alphaAt(out, left-1, 1124/2))
			}
		})
	}
}

func TestResizeAspectRatioFromHeight(t *testing.T) {
	out, err := resize(solid(100, 100, color.NRGBA{A: 255}), model.Sizing{AspectRatio: "4:3", Height: 300, AllowUpsample: true}, false)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(400, 300), out.Bounds().Size())
}

func TestResizeWithoutAspectRatio(t *testing.T) {
	src := solid(400, 200, color.NRGBA{G: 255, A: 255})

	tests := []struct {
		name   string
		sizing model.Sizing
		want   image.Point
	}{
		{"no bounds keeps size", model.Sizing{}, image.Pt(400, 200)},
		{"width only", model.Sizing{Width: 100}, image.Pt(100, 50)},
		{"height only", model.Sizing{Height: 50}, image.Pt(100, 50)},
		{"both bounds keep proportions", model.Sizing{Width: 100, Height: 100}, image.Pt(100, 50)},
		{"never upscales by default", model.Sizing{Width: 800}, image.Pt(400, 200)},
		{"upscales when allowed", model.Sizing{Width: 800, AllowUpsample: true}, image.Pt(800, 400)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := resize(src, tt.sizing, false)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Bounds().Size())
		})
	}
}

func TestResizeRejectsBadRatio(t *testing.T) {
	_, err := resize(solid(10, 10, color.NRGBA{}), model.Sizing{AspectRatio: "wide"}, false)
	assert.Error(t, err)

	_, _, err = ParseAspectRatio("16:0")
	assert.Error(t, err)
}

func TestOutputFilename(t *testing.T) {
	assert.Equal(t, "PL_DXB191_web.png", OutputFilename("PL_DXB191.tif", "_web", model.FormatPNG8))
	assert.Equal(t, "render_hero.jpg", OutputFilename("dir/render.png", "_hero", model.FormatJPEG))
	assert.Equal(t, "a.tiff", OutputFilename("a.jpeg", "", model.FormatTIFF))
	assert.Equal(t, "a-x.webp", OutputFilename("a.png", "-x", model.FormatWebP))
}

func TestApplyTransparency(t *testing.T) {
	src := solid(4, 4, color.NRGBA{})

	kept, warns, err := applyTransparency(src, model.Transparency{Preserve: true}, model.FormatPNG)
	require.NoError(t, err)
	assert.Empty(t, warns)
	assert.Zero(t, alphaAt(kept, 1, 1))

	flat, warns, err := applyTransparency(src, model.Transparency{Preserve: true}, model.FormatJPEG)
	require.NoError(t, err)
	assert.Len(t, warns, 1)
	r, g, b, a := flat.At(1, 1).RGBA()
	assert.Equal(t, uint32(0xffff), a)
	assert.Equal(t, []uint32{0xffff, 0xffff, 0xffff}, []uint32{r, g, b})

	flat, _, err = applyTransparency(src, model.Transparency{BackgroundColor: "#000000"}, model.FormatPNG)
	require.NoError(t, err)
	r, _, _, a = flat.At(1, 1).RGBA()
	assert.Equal(t, uint32(0xffff), a)
	assert.Zero(t, r)

	_, _, err = applyTransparency(src, model.Transparency{BackgroundColor: "not-a-color"}, model.FormatPNG)
	assert.Error(t, err)
}

type fakeOptimizer struct {
	called bool
	enc    params.Encoder
	out    []byte
	warn   *model.OptimizationWarning
}

func (f *fakeOptimizer) Optimize(_ context.Context, name string, enc params.Encoder, _ int, data []byte) ([]byte, bool, *model.OptimizationWarning) {
	f.called = true
	f.enc = enc
	if f.warn != nil {
		return data, false, f.warn
	}
	return f.out, true, nil
}

func TestRunFormats(t *testing.T) {
	src := Source{Filename: "PL_DXB191_GI.png", Image: solid(64, 48, color.NRGBA{R: 10, G: 200, B: 30, A: 255})}

	for _, f := range []string{"png", "png8", "jpg", "webp", "tif"} {
		t.Run(f, func(t *testing.T) {
			p := New(nil, "")
			out, err := p.Run(context.Background(), src, model.ResolvedAsset{
				Name: "web",
				Config: model.AssetConfig{
					Sizing: model.Sizing{Width: 32},
					Format: model.FormatSettings{Type: f, Quality: 80, Compression: 50},
					Suffix: "_web",
				},
			})
			require.NoError(t, err)
			assert.Equal(t, 32, out.Width)
			assert.Equal(t, 24, out.Height)
			assert.NotEmpty(t, out.Data)
			assert.Contains(t, out.Filename, "PL_DXB191_GI_web.")

			ins, err := validator.Inspect(out.Data)
			require.NoError(t, err)
			assert.Equal(t, 32, ins.Meta.Width)
		})
	}
}

func TestRunEmbedsPreservedProfile(t *testing.T) {
	profile := bytes.Repeat([]byte{0xAB}, 300)
	src := Source{Filename: "x.png", Image: solid(8, 8, color.NRGBA{A: 255}), ICC: profile}

	for _, f := range []string{"png", "jpeg"} {
		t.Run(f, func(t *testing.T) {
			out, err := New(nil, "").Run(context.Background(), src, model.ResolvedAsset{Config: model.AssetConfig{
				Color:  model.Color{ICCPolicy: model.ICCPreserve, ICCHandling: model.ICCEmbed},
				Format: model.FormatSettings{Type: f, Quality: 90},
			}})
			require.NoError(t, err)

			ins, err := validator.Inspect(out.Data)
			require.NoError(t, err)
			assert.Equal(t, 1, ins.Meta.ICCProfiles)
			assert.Equal(t, profile, ins.ICC)
		})
	}

	out, err := New(nil, "").Run(context.Background(), src, model.ResolvedAsset{Config: model.AssetConfig{
		Color:  model.Color{ICCPolicy: model.ICCStrip},
		Format: model.FormatSettings{Type: "png"},
	}})
	require.NoError(t, err)
	ins, err := validator.Inspect(out.Data)
	require.NoError(t, err)
	assert.Zero(t, ins.Meta.ICCProfiles)
}

func TestRunStageErrors(t *testing.T) {
	src := Source{Filename: "x.png", Image: solid(8, 8, color.NRGBA{A: 255})}

	tests := []struct {
		name  string
		cfg   model.AssetConfig
		stage model.Stage
	}{
		{"bad ratio", model.AssetConfig{Sizing: model.Sizing{AspectRatio: "x"}, Format: model.FormatSettings{Type: "png"}}, model.StageSizing},
		{"convert to non srgb", model.AssetConfig{Color: model.Color{ICCPolicy: model.ICCConvert, DestProfile: "AdobeRGB"}, Format: model.FormatSettings{Type: "png"}}, model.StageColor},
		{"missing profile", model.AssetConfig{Color: model.Color{ICCPolicy: model.ICCAssign, DestProfile: "Display P3"}, Format: model.FormatSettings{Type: "png"}}, model.StageColor},
		{"bad background", model.AssetConfig{Transparency: model.Transparency{BackgroundColor: "#zz"}, Format: model.FormatSettings{Type: "png"}}, model.StageTransparency},
		{"bad format", model.AssetConfig{Format: model.FormatSettings{Type: "bmp"}}, model.StageEncode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(nil, t.TempDir()).Run(context.Background(), src, model.ResolvedAsset{Config: tt.cfg})
			require.Error(t, err)

			var se *model.StageError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.stage, se.Stage)
			assert.False(t, se.Rejection())
		})
	}
}

func TestRunOptimizer(t *testing.T) {
	src := Source{Filename: "x.png", Image: solid(8, 8, color.NRGBA{A: 255})}
	asset := model.ResolvedAsset{Config: model.AssetConfig{Format: model.FormatSettings{Type: "png", Compression: 90}}}

	opt := &fakeOptimizer{out: []byte("smaller")}
	out, err := New(opt, "").Run(context.Background(), src, asset)
	require.NoError(t, err)
	assert.True(t, opt.called)
	assert.True(t, out.Optimized)
	assert.Equal(t, []byte("smaller"), out.Data)

	opt = &fakeOptimizer{warn: &model.OptimizationWarning{File: "x.png", Reason: "pngcrush not installed"}}
	out, err = New(opt, "").Run(context.Background(), src, asset)
	require.NoError(t, err)
	assert.False(t, out.Optimized)
	assert.Contains(t, out.Warnings, opt.warn.String())

	_, err = png.Decode(bytes.NewReader(out.Data))
	assert.NoError(t, err)
}

func TestLoadProfileFromDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "DisplayP3.icc"), []byte("profile"), 0o644))

	p := New(nil, dir)
	cs, _, err := p.applyColor(nil, model.Color{ICCPolicy: model.ICCAssign, DestProfile: "DisplayP3"})
	require.NoError(t, err)
	assert.Equal(t, []byte("profile"), cs.icc)

	cs, _, err = p.applyColor(nil, model.Color{ICCPolicy: model.ICCAssign, DestProfile: "sRGB"})
	require.NoError(t, err)
	assert.True(t, cs.srgb)
}

func gradient(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 128, A: 255})
		}
	}
	return img
}

func TestEncodeFeatureFlagsChangeOutput(t *testing.T) {
	img := gradient(64, 64)

	encodeWith := func(enc params.Encoder) []byte {
		t.Helper()
		data, _, err := encode(img, enc, colorState{}, model.ICCOmit)
		require.NoError(t, err)
		return data
	}

	png8 := params.Map(model.FormatPNG8, 2, 50)
	require.True(t, png8.Dither)
	flat := png8
	flat.Dither = false
	assert.NotEqual(t, encodeWith(png8), encodeWith(flat))

	lossy := params.Map(model.FormatWebP, 40, 50)
	require.True(t, lossy.Lossy)
	lossless := lossy
	lossless.Lossy = false
	assert.NotEqual(t, encodeWith(lossy), encodeWith(lossless))
}

func TestRunPassesProgressiveToOptimizer(t *testing.T) {
	src := Source{Filename: "x.png", Image: solid(8, 8, color.NRGBA{A: 255})}

	opt := &fakeOptimizer{out: []byte("smaller")}
	_, err := New(opt, "").Run(context.Background(), src, model.ResolvedAsset{Config: model.AssetConfig{
		Format: model.FormatSettings{Type: "jpg", Quality: 80, Compression: 10},
	}})
	require.NoError(t, err)
	assert.Equal(t, model.FormatJPEG, opt.enc.Format)
	assert.True(t, opt.enc.Progressive)

	opt = &fakeOptimizer{out: []byte("smaller")}
	_, err = New(opt, "").Run(context.Background(), src, model.ResolvedAsset{Config: model.AssetConfig{
		Format: model.FormatSettings{Type: "png", Compression: 10},
	}})
	require.NoError(t, err)
	assert.False(t, opt.enc.Progressive)
}
