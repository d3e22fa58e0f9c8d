package resolver

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/proxycad/proxycad/internal/dataset"
)

// fingerprint 摘要数据集全部文件的身份。本地文件使用 (路径, 大小, mtime)；
// 远程数据源（seed 为 URL）落地后按内容摘要，避免依赖上游的 Last-Modified。
func fingerprint(d dataset.Driver, location, seed string) (string, error) {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00", seed, location)
	files := append([]string{location}, d.Sidecars(location)...)
	for i, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			if i == 0 {
				return "", err
			}
			continue
		}
		fmt.Fprintf(h, "%s\x00%d\x00", filepath.Base(file), info.Size())
		if seed == "" {
			fmt.Fprintf(h, "%d\x00", info.ModTime().UnixNano())
			continue
		}
		if err := hashFile(h, file); err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}
