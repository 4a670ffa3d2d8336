package processor

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"hash/crc32"
)

const (
	pngSignatureLen = 8
	pngIHDREnd      = pngSignatureLen + 8 + 13 + 4

	jpegICCChunkMax = 65519
)

var jpegICCMarker = []byte("ICC_PROFILE\x00")

// pngChunk builds a length-prefixed, CRC-terminated PNG chunk.
func pngChunk(typ string, data []byte) []byte {
	out := make([]byte, 12+len(data))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(data)))
	copy(out[4:8], typ)
	copy(out[8:], data)
	binary.BigEndian.PutUint32(out[8+len(data):], crc32.ChecksumIEEE(out[4:8+len(data)]))

	return out
}

// insertPNGChunk places chunk right after IHDR, where color chunks belong.
func insertPNGChunk(encoded, chunk []byte) ([]byte, error) {
	if len(encoded) < pngIHDREnd || string(encoded[12:16]) != "IHDR" {
		return nil, errors.New("png: IHDR not found")
	}

	out := make([]byte, 0, len(encoded)+len(chunk))
	out = append(out, encoded[:pngIHDREnd]...)
	out = append(out, chunk...)
	out = append(out, encoded[pngIHDREnd:]...)

	return out, nil
}

func iccpChunk(profile []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("ICC Profile")
	buf.Write([]byte{0, 0})

	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(profile); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}

	return pngChunk("iCCP", buf.Bytes()), nil
}

// srgbChunk tags the image as sRGB with perceptual intent.
func srgbChunk() []byte {
	return pngChunk("sRGB", []byte{0})
}

// embedJPEGProfile splits profile into APP2 segments inserted after SOI.
func embedJPEGProfile(encoded, profile []byte) ([]byte, error) {
	if len(encoded) < 2 || encoded[0] != 0xFF || encoded[1] != 0xD8 {
		return nil, errors.New("jpeg: SOI not found")
	}

	total := (len(profile) + jpegICCChunkMax - 1) / jpegICCChunkMax
	if total > 255 {
		return nil, errors.New("jpeg: icc profile too large")
	}

	var segs bytes.Buffer
	for i := 0; i < total; i++ {
		start := i * jpegICCChunkMax
		end := min(start+jpegICCChunkMax, len(profile))
		body := profile[start:end]

		segs.Write([]byte{0xFF, 0xE2})
		size := 2 + len(jpegICCMarker) + 2 + len(body)
		segs.Write([]byte{byte(size >> 8), byte(size)})
		segs.Write(jpegICCMarker)
		segs.Write([]byte{byte(i + 1), byte(total)})
		segs.Write(body)
	}

	out := make([]byte, 0, len(encoded)+segs.Len())
	out = append(out, encoded[:2]...)
	out = append(out, segs.Bytes()...)
	out = append(out, encoded[2:]...)

	return out, nil
}
