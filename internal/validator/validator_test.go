package validator

import (
	"bytes"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"

	"github.com/aliskhannn/asset-pipeline/internal/model"
)

func baseMeta() model.ImageMetadata {
	return model.ImageMetadata{
		Format:      "png",
		Width:       100,
		Height:      100,
		Space:       "srgb",
		Channels:    4,
		HasAlpha:    true,
		Depth:       8,
		Pages:       1,
		Orientation: 1,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(m *model.ImageMetadata)
		wantStatus  model.ValidationStatus
		wantError   string
		wantCorrect []string
		wantWarns   int
	}{
		{
			name:       "plain image passes",
			mutate:     func(m *model.ImageMetadata) {},
			wantStatus: model.Validated,
		},
		{
			name:       "cmyk rejected",
			mutate:     func(m *model.ImageMetadata) { m.Space = "cmyk" },
			wantStatus: model.Rejected,
			wantError:  MsgCMYK,
		},
		{
			name:       "cmyk wins over oversized",
			mutate:     func(m *model.ImageMetadata) { m.Space = "cmyk"; m.Width = 60000 },
			wantStatus: model.Rejected,
			wantError:  MsgCMYK,
		},
		{
			name:       "too wide rejected",
			mutate:     func(m *model.ImageMetadata) { m.Width = 60000; m.Height = 1 },
			wantStatus: model.Rejected,
			wantError:  "60000x1",
		},
		{
			name:       "exactly the limit passes",
			mutate:     func(m *model.ImageMetadata) { m.Width = MaxDimension },
			wantStatus: model.Validated,
		},
		{
			name:       "animated rejected",
			mutate:     func(m *model.ImageMetadata) { m.Pages = 3 },
			wantStatus: model.Rejected,
			wantError:  "multi-frame",
		},
		{
			name:        "sixteen channels with alpha only warns",
			mutate:      func(m *model.ImageMetadata) { m.Channels = 16 },
			wantStatus:  model.Validated,
			wantCorrect: []string{MsgCustomChannels},
			wantWarns:   1,
		},
		{
			name:        "high bit depth reduced",
			mutate:      func(m *model.ImageMetadata) { m.Depth = 16 },
			wantStatus:  model.Validated,
			wantCorrect: []string{MsgBitDepth},
			wantWarns:   1,
		},
		{
			name:       "several profiles warn",
			mutate:     func(m *model.ImageMetadata) { m.ICCProfiles = 2 },
			wantStatus: model.Validated,
			wantWarns:  1,
		},
		{
			name:        "rotated image corrected",
			mutate:      func(m *model.ImageMetadata) { m.Orientation = 6 },
			wantStatus:  model.Validated,
			wantCorrect: []string{MsgRotation},
		},
		{
			name: "corrections accumulate in order",
			mutate: func(m *model.ImageMetadata) {
				m.Channels = 6
				m.Depth = 16
				m.Orientation = 3
			},
			wantStatus:  model.Validated,
			wantCorrect: []string{MsgCustomChannels, MsgBitDepth, MsgRotation},
			wantWarns:   2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta := baseMeta()
			tt.mutate(&meta)

			res := Validate(meta)
			assert.Equal(t, tt.wantStatus, res.Status)

			if tt.wantError != "" {
				require.Len(t, res.Errors, 1)
				assert.Contains(t, res.Errors[0], tt.wantError)
				return
			}

			assert.Empty(t, res.Errors)
			assert.Equal(t, tt.wantCorrect, res.CorrectionsApplied)
			assert.Len(t, res.Warnings, tt.wantWarns)
			require.NotNil(t, res.Metadata)
			assert.LessOrEqual(t, res.Metadata.Depth, 8)
		})
	}
}

func TestInspectPNG(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 30, 20))
	img.Set(0, 0, color.NRGBA{R: 255, A: 128})

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	ins, err := Inspect(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "png", ins.Meta.Format)
	assert.Equal(t, 30, ins.Meta.Width)
	assert.Equal(t, 20, ins.Meta.Height)
	assert.True(t, ins.Meta.HasAlpha)
	assert.Equal(t, 4, ins.Meta.Channels)
	assert.Equal(t, 8, ins.Meta.Depth)
	assert.Equal(t, 1, ins.Meta.Pages)
	assert.Equal(t, 1, ins.Meta.Orientation)
}

func TestInspectPNG16Bit(t *testing.T) {
	img := image.NewNRGBA64(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		img.Set(x, 0, color.NRGBA64{R: 0xffff, G: 0x1234, A: 0xffff})
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	ins, res := Check(buf.Bytes())
	assert.Equal(t, 16, ins.Meta.Depth)
	assert.Equal(t, model.Validated, res.Status)
	assert.Contains(t, res.CorrectionsApplied, MsgBitDepth)
}

func TestInspectJPEG(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 64, 32))

	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}))

	ins, err := Inspect(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "jpeg", ins.Meta.Format)
	assert.Equal(t, 64, ins.Meta.Width)
	assert.Equal(t, 32, ins.Meta.Height)
	assert.Equal(t, 3, ins.Meta.Channels)
	assert.False(t, ins.Meta.HasAlpha)
	assert.Equal(t, 1, ins.Meta.Orientation)
}

func TestInspectTIFF(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 12, 7))

	var buf bytes.Buffer
	require.NoError(t, tiff.Encode(&buf, img, nil))

	ins, err := Inspect(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "tiff", ins.Meta.Format)
	assert.Equal(t, 12, ins.Meta.Width)
	assert.Equal(t, 7, ins.Meta.Height)
	assert.Equal(t, 1, ins.Meta.Pages)
	assert.True(t, ins.Meta.HasAlpha)
}

func TestCheckRejectsAnimatedGIF(t *testing.T) {
	pal := color.Palette{color.Black, color.White}
	anim := &gif.GIF{
		Image: []*image.Paletted{
			image.NewPaletted(image.Rect(0, 0, 8, 8), pal),
			image.NewPaletted(image.Rect(0, 0, 8, 8), pal),
		},
		Delay: []int{10, 10},
	}

	var buf bytes.Buffer
	require.NoError(t, gif.EncodeAll(&buf, anim))

	_, res := Check(buf.Bytes())
	assert.Equal(t, model.Rejected, res.Status)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "multi-frame")
}

func TestCheckRejectsGarbage(t *testing.T) {
	_, res := Check([]byte("definitely not an image"))
	assert.Equal(t, model.Rejected, res.Status)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "unreadable image")

	_, res = Check(nil)
	assert.Equal(t, model.Rejected, res.Status)
}
