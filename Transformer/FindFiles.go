package Transformer

import (
	"os"
	"path/filepath"
	"strings"
)

// FindFiles 递归查找扩展名为 ext 的文件（不区分大小写），结果按路径排序
func FindFiles(root string, ext string) []string {
	var files []string
	suffix := "." + strings.TrimPrefix(strings.ToLower(ext), ".")
	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(strings.ToLower(info.Name()), suffix) {
			files = append(files, path)
		}
		return nil
	})
	return files
}

// Sibling 查找与 path 同名、扩展名为 ext 的文件，大小写不敏感
func Sibling(path string, ext string) (string, bool) {
	dir := filepath.Dir(path)
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	want := strings.ToLower(stem + "." + strings.TrimPrefix(ext, "."))
	for _, e := range entries {
		if !e.IsDir() && strings.ToLower(e.Name()) == want {
			return filepath.Join(dir, e.Name()), true
		}
	}
	return "", false
}
