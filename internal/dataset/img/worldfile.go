package img

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/proxycad/proxycad/internal/raster"
)

// worldFileExts 按格式给出世界文件扩展名候选，.wld 通用。
var worldFileExts = map[string][]string{
	"png":  {".pgw", ".pngw", ".wld"},
	"jpeg": {".jgw", ".jpgw", ".wld"},
	"gif":  {".gfw", ".gifw", ".wld"},
}

func findWorldFile(path, format string) (string, bool) {
	for _, ext := range worldFileExts[format] {
		candidate := raster.SidecarPath(path, ext)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
	}
	return "", false
}

// readWorldFile 解析六行世界文件；坐标指向左上像元中心，需回退半个像元。
func readWorldFile(path string) (raster.GeoTransform, error) {
	f, err := os.Open(path)
	if err != nil {
		return raster.GeoTransform{}, err
	}
	defer f.Close()
	var vals []float64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		v, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return raster.GeoTransform{}, fmt.Errorf("world file %s: %w", path, err)
		}
		vals = append(vals, v)
	}
	if err := scanner.Err(); err != nil {
		return raster.GeoTransform{}, err
	}
	if len(vals) != 6 {
		return raster.GeoTransform{}, fmt.Errorf("world file %s: expected 6 values, got %d", path, len(vals))
	}
	a, d, b, e, c, fy := vals[0], vals[1], vals[2], vals[3], vals[4], vals[5]
	return raster.GeoTransform{c - a/2 - b/2, a, b, fy - d/2 - e/2, d, e}, nil
}

// formatWorldFile 生成与 readWorldFile 对应的文本。
func formatWorldFile(t raster.GeoTransform) string {
	a, b, d, e := t[1], t[2], t[4], t[5]
	c := t[0] + a/2 + b/2
	f := t[3] + d/2 + e/2
	var sb strings.Builder
	for _, v := range []float64{a, d, b, e, c, f} {
		sb.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
		sb.WriteByte('\n')
	}
	return sb.String()
}
