package file

import (
	"archive/zip"
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteZip(t *testing.T) {
	s := NewStorage(t.TempDir())
	a, b := uuid.New(), uuid.New()

	_, err := s.Save("B", a, "x_web.png", strings.NewReader("one"))
	require.NoError(t, err)
	_, err = s.Save("B", b, "x_web.png", strings.NewReader("two"))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, s.WriteZip(&buf, "B", []Entry{
		{JobID: a, Filename: "x_web.png"},
		{JobID: b, Filename: "x_web.png"},
	}))

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	require.Len(t, zr.File, 2)
	assert.Equal(t, "x_web.png", zr.File[0].Name)
	assert.Equal(t, b.String()+"/x_web.png", zr.File[1].Name)

	rc, err := zr.File[1].Open()
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}

func TestWriteZipMissingFile(t *testing.T) {
	s := NewStorage(t.TempDir())

	var buf bytes.Buffer
	err := s.WriteZip(&buf, "B", []Entry{{JobID: uuid.New(), Filename: "gone.png"}})
	assert.Error(t, err)
}
