package methods

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/GrainArc/SouceGate/apperr"
	"github.com/mholt/archiver/v3"
	"golang.org/x/text/encoding/simplifiedchinese"
)

// Extract 将 zip/rar 压缩包解压到 dest
func Extract(src string, dest string) error {
	if err := os.MkdirAll(dest, os.ModePerm); err != nil {
		return apperr.ErrInternal.Msg("create extract dir").Err(err)
	}
	switch strings.ToLower(filepath.Ext(src)) {
	case ".zip":
		return UnzipTo(src, dest)
	case ".rar":
		if err := archiver.Unarchive(src, dest); err != nil {
			return apperr.ErrDataInvalid.Msg("cannot extract rar archive").Err(err)
		}
		return nil
	default:
		return apperr.ErrValidation.Msgf("unsupported archive format %s", filepath.Ext(src))
	}
}

func UnzipTo(src string, dest string) error {
	reader, err := zip.OpenReader(src)
	if err != nil {
		return apperr.ErrDataInvalid.Msg("cannot open zip archive").Err(err)
	}
	defer reader.Close()

	for _, file := range reader.File {
		if err := extractFile(file, dest); err != nil {
			return err
		}
	}
	return nil
}

// ZipEntryName 返回压缩包条目名，未设置 UTF-8 标志且非法 UTF-8 的条目按 GB18030 解码
func ZipEntryName(zf *zip.File) string {
	if zf.NonUTF8 || !utf8.ValidString(zf.Name) {
		if name, err := simplifiedchinese.GB18030.NewDecoder().String(zf.Name); err == nil && utf8.ValidString(name) {
			return name
		}
	}
	return zf.Name
}

func extractFile(zf *zip.File, dest string) error {
	fpath := filepath.Join(dest, ZipEntryName(zf))

	// 防止解压到目标目录之外
	if !strings.HasPrefix(fpath, filepath.Clean(dest)+string(os.PathSeparator)) {
		return apperr.ErrValidation.Msgf("%s: illegal file path", zf.Name)
	}

	if zf.FileInfo().IsDir() {
		return os.MkdirAll(fpath, os.ModePerm)
	}
	if err := os.MkdirAll(filepath.Dir(fpath), os.ModePerm); err != nil {
		return err
	}
	outFile, err := os.OpenFile(fpath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer outFile.Close()
	rc, err := zf.Open()
	if err != nil {
		return apperr.ErrDataInvalid.Msgf("open zip entry %s", zf.Name).Err(err)
	}
	defer rc.Close()
	if _, err = io.Copy(outFile, rc); err != nil {
		return fmt.Errorf("extract %s: %w", zf.Name, err)
	}
	return nil
}

// ZipEntry 待写入压缩包的一项
type ZipEntry struct {
	Name string
	Data []byte
}

// WriteZip 依次写入条目，条目名使用 UTF-8
func WriteZip(w io.Writer, entries []ZipEntry) error {
	zw := zip.NewWriter(w)
	for _, e := range entries {
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: e.Name, Method: zip.Deflate})
		if err != nil {
			return err
		}
		if _, err := fw.Write(e.Data); err != nil {
			return err
		}
	}
	return zw.Close()
}
