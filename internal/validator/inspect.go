package validator

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"io"
	_ "image/jpeg"
	_ "image/png"

	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/aliskhannn/asset-pipeline/internal/model"
)

var (
	ErrEmptyInput   = errors.New("empty input")
	ErrTruncated    = errors.New("truncated image data")
	pngSignature    = []byte("\x89PNG\r\n\x1a\n")
	iccJPEGMarker   = []byte("ICC_PROFILE\x00")
	tiffLittleMagic = []byte("II*\x00")
	tiffBigMagic    = []byte("MM\x00*")
)

// Inspection is what Inspect learns about an input without decoding pixels.
type Inspection struct {
	Meta model.ImageMetadata
	// ICC is the first embedded color profile, nil when there is none.
	ICC []byte
}

// Inspect reads container headers and returns the image metadata.
// An error means the bytes are not a decodable image.
func Inspect(data []byte) (Inspection, error) {
	if len(data) == 0 {
		return Inspection{}, ErrEmptyInput
	}

	var (
		ins Inspection
		err error
	)

	switch {
	case bytes.HasPrefix(data, pngSignature):
		ins, err = inspectPNG(data)
	case len(data) > 2 && data[0] == 0xFF && data[1] == 0xD8:
		ins, err = inspectJPEG(data)
	case bytes.HasPrefix(data, []byte("GIF8")):
		ins, err = inspectGIF(data)
	case len(data) > 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		ins, err = inspectWebP(data)
	case bytes.HasPrefix(data, tiffLittleMagic) || bytes.HasPrefix(data, tiffBigMagic):
		ins, err = inspectTIFF(data)
	default:
		ins, err = inspectGeneric(data)
	}
	if err != nil {
		return Inspection{}, err
	}

	if ins.Meta.Pages == 0 {
		ins.Meta.Pages = 1
	}
	if ins.Meta.Orientation == 0 {
		ins.Meta.Orientation = 1
	}
	if ins.Meta.Depth == 0 {
		ins.Meta.Depth = 8
	}

	return ins, nil
}

func inspectGeneric(data []byte) (Inspection, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Inspection{}, fmt.Errorf("decode config: %w", err)
	}

	meta := model.ImageMetadata{
		Format: format,
		Width:  cfg.Width,
		Height: cfg.Height,
	}
	describeModel(&meta, cfg.ColorModel)

	return Inspection{Meta: meta}, nil
}

// describeModel fills space, channels, alpha and depth from a color model.
func describeModel(meta *model.ImageMetadata, m color.Model) {
	meta.Space = "srgb"
	meta.Depth = 8

	switch m {
	case color.GrayModel:
		meta.Space, meta.Channels = "b-w", 1
	case color.Gray16Model:
		meta.Space, meta.Channels, meta.Depth = "b-w", 1, 16
	case color.CMYKModel:
		meta.Space, meta.Channels = "cmyk", 4
	case color.YCbCrModel:
		meta.Channels = 3
	case color.RGBA64Model, color.NRGBA64Model:
		meta.Channels, meta.HasAlpha, meta.Depth = 4, true, 16
	case color.NYCbCrAModel:
		meta.Channels, meta.HasAlpha = 4, true
	case color.RGBAModel, color.NRGBAModel, color.AlphaModel:
		meta.Channels, meta.HasAlpha = 4, true
	default:
		meta.Channels = 3
		if p, ok := m.(color.Palette); ok {
			for _, c := range p {
				if _, _, _, a := c.RGBA(); a < 0xffff {
					meta.HasAlpha = true
					meta.Channels = 4
					break
				}
			}
		}
	}
}

func inspectPNG(data []byte) (Inspection, error) {
	var ins Inspection
	ins.Meta.Format = "png"

	pos := len(pngSignature)
	seenIHDR := false

	for pos+8 <= len(data) {
		length := int(binary.BigEndian.Uint32(data[pos:]))
		typ := string(data[pos+4 : pos+8])
		start := pos + 8
		end := start + length
		if length < 0 || end+4 > len(data) {
			return Inspection{}, fmt.Errorf("png chunk %s: %w", typ, ErrTruncated)
		}
		chunk := data[start:end]

		switch typ {
		case "IHDR":
			if len(chunk) < 13 {
				return Inspection{}, fmt.Errorf("png IHDR: %w", ErrTruncated)
			}
			seenIHDR = true
			ins.Meta.Width = int(binary.BigEndian.Uint32(chunk[0:4]))
			ins.Meta.Height = int(binary.BigEndian.Uint32(chunk[4:8]))
			ins.Meta.Depth = int(chunk[8])
			ins.Meta.Space = "srgb"
			switch chunk[9] {
			case 0:
				ins.Meta.Space, ins.Meta.Channels = "b-w", 1
			case 2, 3:
				ins.Meta.Channels = 3
			case 4:
				ins.Meta.Space, ins.Meta.Channels, ins.Meta.HasAlpha = "b-w", 2, true
			case 6:
				ins.Meta.Channels, ins.Meta.HasAlpha = 4, true
			default:
				return Inspection{}, fmt.Errorf("png: invalid color type %d", chunk[9])
			}
			if chunk[9] == 3 {
				// palette indices are 1-8 bits but expand to 8-bit samples
				ins.Meta.Depth = 8
			}
		case "tRNS":
			if !ins.Meta.HasAlpha {
				ins.Meta.HasAlpha = true
				ins.Meta.Channels++
			}
		case "acTL":
			if len(chunk) >= 4 {
				ins.Meta.Pages = int(binary.BigEndian.Uint32(chunk[0:4]))
			}
		case "iCCP":
			ins.Meta.ICCProfiles++
			if ins.ICC == nil {
				ins.ICC = inflateICCP(chunk)
			}
		case "IDAT", "IEND":
			pos = len(data)
			continue
		}

		pos = end + 4
	}

	if !seenIHDR {
		return Inspection{}, errors.New("png: missing IHDR")
	}

	return ins, nil
}

// inflateICCP returns the raw profile stored in a PNG iCCP chunk, or nil
// when the chunk is malformed.
func inflateICCP(chunk []byte) []byte {
	nul := bytes.IndexByte(chunk, 0)
	if nul < 0 || nul+2 > len(chunk) || chunk[nul+1] != 0 {
		return nil
	}

	zr, err := zlib.NewReader(bytes.NewReader(chunk[nul+2:]))
	if err != nil {
		return nil
	}
	defer zr.Close()

	profile, err := io.ReadAll(zr)
	if err != nil {
		return nil
	}

	return profile
}

func inspectJPEG(data []byte) (Inspection, error) {
	var ins Inspection
	ins.Meta.Format = "jpeg"
	ins.Meta.Space = "srgb"

	var icc []byte
	pos := 2
	seenSOF := false

	for pos+4 <= len(data) {
		if data[pos] != 0xFF {
			pos++
			continue
		}
		marker := data[pos+1]
		if marker == 0xFF {
			pos++
			continue
		}
		if marker == 0xD8 || (marker >= 0xD0 && marker <= 0xD7) || marker == 0x01 {
			pos += 2
			continue
		}
		if marker == 0xDA || marker == 0xD9 {
			break
		}

		length := int(binary.BigEndian.Uint16(data[pos+2:]))
		end := pos + 2 + length
		if length < 2 || end > len(data) {
			return Inspection{}, fmt.Errorf("jpeg segment %#x: %w", marker, ErrTruncated)
		}
		seg := data[pos+4 : end]

		switch {
		case isSOF(marker):
			if len(seg) < 6 {
				return Inspection{}, fmt.Errorf("jpeg SOF: %w", ErrTruncated)
			}
			seenSOF = true
			ins.Meta.Depth = int(seg[0])
			ins.Meta.Height = int(binary.BigEndian.Uint16(seg[1:3]))
			ins.Meta.Width = int(binary.BigEndian.Uint16(seg[3:5]))
			ins.Meta.Channels = int(seg[5])
			switch ins.Meta.Channels {
			case 1:
				ins.Meta.Space = "b-w"
			case 4:
				ins.Meta.Space = "cmyk"
			}
		case marker == 0xE2 && bytes.HasPrefix(seg, iccJPEGMarker) && len(seg) > len(iccJPEGMarker)+2:
			seq := seg[len(iccJPEGMarker)]
			body := seg[len(iccJPEGMarker)+2:]
			if seq == 1 {
				ins.Meta.ICCProfiles++
			}
			if ins.Meta.ICCProfiles <= 1 {
				icc = append(icc, body...)
			}
		}

		pos = end
	}

	if !seenSOF {
		return Inspection{}, errors.New("jpeg: missing frame header")
	}
	if len(icc) > 0 {
		ins.ICC = icc
	}

	if x, err := exif.Decode(bytes.NewReader(data)); err == nil {
		if tag, err := x.Get(exif.Orientation); err == nil {
			if o, err := tag.Int(0); err == nil {
				ins.Meta.Orientation = o
			}
		}
	}

	return ins, nil
}

func isSOF(m byte) bool {
	return m >= 0xC0 && m <= 0xCF && m != 0xC4 && m != 0xC8 && m != 0xCC
}

func inspectGIF(data []byte) (Inspection, error) {
	g, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil {
		return Inspection{}, fmt.Errorf("gif: %w", err)
	}

	meta := model.ImageMetadata{
		Format: "gif",
		Width:  g.Config.Width,
		Height: g.Config.Height,
		Pages:  len(g.Image),
	}
	describeModel(&meta, g.Config.ColorModel)
	if meta.Width == 0 && len(g.Image) > 0 {
		b := g.Image[0].Bounds()
		meta.Width, meta.Height = b.Dx(), b.Dy()
	}

	return Inspection{Meta: meta}, nil
}

func inspectWebP(data []byte) (Inspection, error) {
	ins, err := inspectGeneric(data)
	if err != nil {
		return Inspection{}, err
	}
	ins.Meta.Format = "webp"

	frames := 0
	pos := 12
	for pos+8 <= len(data) {
		fourcc := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4:]))
		start := pos + 8
		end := start + size
		if size < 0 || end > len(data) {
			break
		}
		chunk := data[start:end]

		switch fourcc {
		case "VP8X":
			if len(chunk) >= 10 {
				flags := chunk[0]
				if flags&0x10 != 0 && !ins.Meta.HasAlpha {
					ins.Meta.HasAlpha = true
					ins.Meta.Channels = 4
				}
				ins.Meta.Width = int(uint32(chunk[4])|uint32(chunk[5])<<8|uint32(chunk[6])<<16) + 1
				ins.Meta.Height = int(uint32(chunk[7])|uint32(chunk[8])<<8|uint32(chunk[9])<<16) + 1
			}
		case "ICCP":
			ins.Meta.ICCProfiles++
			if ins.ICC == nil {
				ins.ICC = append([]byte(nil), chunk...)
			}
		case "ANMF":
			frames++
		}

		pos = end + size%2
	}
	if frames > 0 {
		ins.Meta.Pages = frames
	}

	return ins, nil
}

// TIFF tags read from the first IFD.
const (
	tagBitsPerSample   = 258
	tagPhotometric     = 262
	tagOrientation     = 274
	tagSamplesPerPixel = 277
	tagExtraSamples    = 338
	tagICCProfile      = 34675

	photometricCMYK = 5
)

func inspectTIFF(data []byte) (Inspection, error) {
	var order binary.ByteOrder = binary.LittleEndian
	if data[0] == 'M' {
		order = binary.BigEndian
	}
	if len(data) < 8 {
		return Inspection{}, fmt.Errorf("tiff header: %w", ErrTruncated)
	}

	var ins Inspection
	ins.Meta.Format = "tiff"
	ins.Meta.Space = "srgb"
	ins.Meta.Channels = 1

	offset := int(order.Uint32(data[4:8]))
	pages := 0

	for offset != 0 && pages < 10000 {
		if offset+2 > len(data) {
			return Inspection{}, fmt.Errorf("tiff ifd: %w", ErrTruncated)
		}
		n := int(order.Uint16(data[offset:]))
		entries := offset + 2
		next := entries + n*12
		if next+4 > len(data) {
			return Inspection{}, fmt.Errorf("tiff ifd: %w", ErrTruncated)
		}

		if pages == 0 {
			for i := 0; i < n; i++ {
				readTIFFEntry(&ins, data, order, data[entries+i*12:entries+i*12+12])
			}
		}

		pages++
		offset = int(order.Uint32(data[next:]))
	}
	ins.Meta.Pages = pages

	if ins.Meta.Width == 0 || ins.Meta.Height == 0 {
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return Inspection{}, fmt.Errorf("tiff: %w", err)
		}
		ins.Meta.Width, ins.Meta.Height = cfg.Width, cfg.Height
	}

	return ins, nil
}

func readTIFFEntry(ins *Inspection, data []byte, order binary.ByteOrder, e []byte) {
	tag := order.Uint16(e[0:2])
	typ := order.Uint16(e[2:4])
	count := int(order.Uint32(e[4:8]))

	value := func() int {
		if typ == 3 {
			return int(order.Uint16(e[8:10]))
		}
		return int(order.Uint32(e[8:12]))
	}

	switch tag {
	case 256:
		ins.Meta.Width = value()
	case 257:
		ins.Meta.Height = value()
	case tagBitsPerSample:
		if count == 1 {
			ins.Meta.Depth = value()
			return
		}
		off := int(order.Uint32(e[8:12]))
		if count == 2 {
			ins.Meta.Depth = int(order.Uint16(e[8:10]))
		} else if off+2 <= len(data) {
			ins.Meta.Depth = int(order.Uint16(data[off:]))
		}
	case tagPhotometric:
		switch value() {
		case 0, 1:
			ins.Meta.Space = "b-w"
		case photometricCMYK:
			ins.Meta.Space = "cmyk"
		}
	case tagSamplesPerPixel:
		ins.Meta.Channels = value()
	case tagExtraSamples:
		ins.Meta.HasAlpha = true
	case tagOrientation:
		ins.Meta.Orientation = value()
	case tagICCProfile:
		off := int(order.Uint32(e[8:12]))
		ins.Meta.ICCProfiles++
		if count > 4 && off+count <= len(data) {
			ins.ICC = append([]byte(nil), data[off:off+count]...)
		}
	}
}
