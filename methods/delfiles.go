package methods

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// RemoveAllQuietly 删除临时目录，失败只记录日志
func RemoveAllQuietly(paths ...string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			log.Warn().Err(err).Str("path", p).Msg("remove temp path failed")
		}
	}
}

// MakeTempDir 在 root 下创建临时目录，root 为空时使用系统临时目录
func MakeTempDir(root string, pattern string) (string, error) {
	if root != "" {
		if err := os.MkdirAll(root, os.ModePerm); err != nil {
			return "", err
		}
	}
	return os.MkdirTemp(root, pattern)
}

func GetAllFiles(path string) ([]string, error) {
	var files []string
	err := filepath.Walk(path, func(filePath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if filePath != path && !info.IsDir() {
			files = append(files, filePath)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
