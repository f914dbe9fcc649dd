package methods

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/GrainArc/SouceGate/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/simplifiedchinese"
)

func TestExtractZip(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	require.NoError(t, WriteZip(&buf, []ZipEntry{
		{Name: "data/边界.shp", Data: []byte("shp")},
		{Name: "data/边界.dbf", Data: []byte("dbf")},
	}))
	src := filepath.Join(dir, "bundle.zip")
	require.NoError(t, os.WriteFile(src, buf.Bytes(), 0o644))

	out := filepath.Join(dir, "out")
	require.NoError(t, Extract(src, out))
	data, err := os.ReadFile(filepath.Join(out, "data", "边界.shp"))
	require.NoError(t, err)
	assert.Equal(t, "shp", string(data))

	files, err := GetAllFiles(out)
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestExtractZipGBKNames(t *testing.T) {
	dir := t.TempDir()
	gbkName, err := simplifiedchinese.GBK.NewEncoder().String("道路.shp")
	require.NoError(t, err)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.CreateHeader(&zip.FileHeader{Name: gbkName, NonUTF8: true})
	require.NoError(t, err)
	_, err = w.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	src := filepath.Join(dir, "gbk.zip")
	require.NoError(t, os.WriteFile(src, buf.Bytes(), 0o644))
	require.NoError(t, Extract(src, filepath.Join(dir, "out")))
	_, err = os.Stat(filepath.Join(dir, "out", "道路.shp"))
	assert.NoError(t, err)
}

func TestExtractRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	require.NoError(t, WriteZip(&buf, []ZipEntry{{Name: "../evil.txt", Data: []byte("x")}}))
	src := filepath.Join(dir, "evil.zip")
	require.NoError(t, os.WriteFile(src, buf.Bytes(), 0o644))

	err := Extract(src, filepath.Join(dir, "out"))
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, statErr := os.Stat(filepath.Join(dir, "evil.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestExtractUnsupported(t *testing.T) {
	err := Extract(filepath.Join(t.TempDir(), "a.7z"), filepath.Join(t.TempDir(), "out"))
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestRemoveAllQuietly(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), nil, 0o644))

	RemoveAllQuietly(dir, "")
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}
