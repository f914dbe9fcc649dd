package geoserver

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/GrainArc/SouceGate/apperr"
	"github.com/GrainArc/SouceGate/methods"
	"github.com/rs/zerolog/log"
)

// ShapefileBase 上传包内的文件主名：存储名本身可用时直接使用，否则转为 ASCII
func ShapefileBase(store string) string {
	if methods.HasCJKOrSpace(store) {
		return methods.ASCIIName(store)
	}
	return store
}

// splitName 以第一个 "." 切分主名与扩展名，xx.shp.xml 的扩展名为 .shp.xml
func splitName(name string) (string, string) {
	if i := strings.Index(name, "."); i > 0 {
		return name[:i], strings.ToLower(name[i:])
	}
	return name, ""
}

// NormalizeShapefileZip 重新打包 shapefile 压缩包：目录打平，主名含中文或空白的
// 文件连同其 .dbf/.shx/.prj 等同名文件一起改名为 base。返回新压缩包和第一个 .shp 的主名。
func NormalizeShapefileZip(data []byte, base string) ([]byte, string, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, "", apperr.ErrValidation.Msg("shapefile bundle is not a zip archive").Err(err)
	}

	renamed := map[string]string{} // 原主名 -> 新主名
	used := map[string]bool{}
	seen := map[string]bool{}
	var entries []methods.ZipEntry
	layer := ""
	for _, zf := range reader.File {
		if zf.FileInfo().IsDir() {
			continue
		}
		name := path.Base(strings.ReplaceAll(methods.ZipEntryName(zf), "\\", "/"))
		if strings.HasPrefix(name, ".") || strings.Contains(zf.Name, "__MACOSX") {
			continue
		}
		stem, ext := splitName(name)
		if methods.HasCJKOrSpace(stem) {
			target, ok := renamed[stem]
			if !ok {
				target = base
				for i := 2; used[target]; i++ {
					target = fmt.Sprintf("%s_%d", base, i)
				}
				renamed[stem] = target
				used[target] = true
			}
			stem = target
		}
		name = stem + ext
		if seen[name] {
			log.Warn().Str("entry", zf.Name).Msg("duplicate shapefile entry skipped")
			continue
		}
		seen[name] = true

		rc, err := zf.Open()
		if err != nil {
			return nil, "", apperr.ErrDataInvalid.Msgf("open zip entry %s", zf.Name).Err(err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, "", apperr.ErrDataInvalid.Msgf("read zip entry %s", zf.Name).Err(err)
		}
		if ext == ".shp" && layer == "" {
			layer = stem
		}
		entries = append(entries, methods.ZipEntry{Name: name, Data: content})
	}
	if layer == "" {
		return nil, "", apperr.ErrValidation.Msg("archive contains no .shp file")
	}

	var buf bytes.Buffer
	if err := methods.WriteZip(&buf, entries); err != nil {
		return nil, "", apperr.ErrInternal.Msg("rewrite shapefile bundle").Err(err)
	}
	return buf.Bytes(), layer, nil
}

// UploadShapefile normalizes the bundle and PUTs it into a file-based datastore.
// It returns the name of the feature type GeoServer configures from it.
func (c *Client) UploadShapefile(ctx context.Context, workspace, store string, zipData []byte) (string, error) {
	normalized, layer, err := NormalizeShapefileZip(zipData, ShapefileBase(store))
	if err != nil {
		return "", err
	}
	req := request{
		method:      http.MethodPut,
		path:        rest("workspaces", workspace, "datastores", store, "file.shp") + "?charset=UTF-8",
		contentType: applicationZip,
		body:        normalized,
	}
	if _, err := c.call(ctx, req, http.StatusOK, http.StatusCreated); err != nil {
		return "", err
	}
	log.Ctx(ctx).Info().Str("workspace", workspace).Str("store", store).Str("featureType", layer).Msg("shapefile uploaded")
	return layer, nil
}
