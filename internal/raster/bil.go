package raster

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/proxycad/proxycad/internal/geo"
)

// ErrNoSRS 表示 BIL 缺少 .prj 且调用方未提供覆盖值。
var ErrNoSRS = errors.New("raster has no spatial reference")

// SidecarPath 将主文件扩展名替换为 ext（含点）。
func SidecarPath(path, ext string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ext
}

// bilHeader 对应 ESRI .hdr 的关键字段。
type bilHeader struct {
	rows, cols, bands int
	nbits             int
	pixelType         string
	byteOrder         binary.ByteOrder
	skip              int64
	ulx, uly          float64
	xdim, ydim        float64
	hasNoData         bool
	noData            float64
	hasULX, hasULY    bool
}

func parseHeader(r io.Reader) (bilHeader, error) {
	h := bilHeader{bands: 1, nbits: 8, byteOrder: binary.LittleEndian, xdim: 1, ydim: 1}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		key := strings.ToUpper(fields[0])
		val := fields[1]
		var err error
		switch key {
		case "NROWS":
			h.rows, err = strconv.Atoi(val)
		case "NCOLS":
			h.cols, err = strconv.Atoi(val)
		case "NBANDS":
			h.bands, err = strconv.Atoi(val)
		case "NBITS":
			h.nbits, err = strconv.Atoi(val)
		case "PIXELTYPE":
			h.pixelType = strings.ToUpper(val)
		case "BYTEORDER":
			if strings.EqualFold(val, "M") || strings.EqualFold(val, "MSBFIRST") {
				h.byteOrder = binary.BigEndian
			}
		case "LAYOUT":
			if !strings.EqualFold(val, "BIL") {
				err = fmt.Errorf("layout %s not supported", val)
			}
		case "SKIPBYTES":
			h.skip, err = strconv.ParseInt(val, 10, 64)
		case "ULXMAP":
			h.ulx, err = strconv.ParseFloat(val, 64)
			h.hasULX = true
		case "ULYMAP":
			h.uly, err = strconv.ParseFloat(val, 64)
			h.hasULY = true
		case "XDIM":
			h.xdim, err = strconv.ParseFloat(val, 64)
		case "YDIM":
			h.ydim, err = strconv.ParseFloat(val, 64)
		case "NODATA", "NODATA_VALUE":
			h.noData, err = strconv.ParseFloat(val, 64)
			h.hasNoData = true
		}
		if err != nil {
			return bilHeader{}, fmt.Errorf("hdr %s: %w", key, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return bilHeader{}, err
	}
	if h.rows <= 0 || h.cols <= 0 {
		return bilHeader{}, errors.New("hdr: NROWS/NCOLS missing")
	}
	return h, nil
}

func (h bilHeader) pixel() (PixelType, error) {
	switch {
	case h.nbits == 8:
		return U8, nil
	case h.nbits == 16 && h.pixelType == "SIGNEDINT":
		return S16, nil
	case h.nbits == 16:
		return U16, nil
	case h.nbits == 32 && h.pixelType == "FLOAT":
		return F32, nil
	case h.nbits == 32:
		return S32, nil
	}
	return "", fmt.Errorf("hdr: NBITS %d / PIXELTYPE %q not supported", h.nbits, h.pixelType)
}

func (h bilHeader) grid() (Grid, error) {
	pt, err := h.pixel()
	if err != nil {
		return Grid{}, err
	}
	ulx, uly := h.ulx, h.uly
	if !h.hasULX {
		ulx = h.xdim / 2
	}
	if !h.hasULY {
		uly = float64(h.rows)*h.ydim - h.ydim/2
	}
	// ULXMAP/ULYMAP 指向左上像元中心
	g := Grid{
		Width:     h.cols,
		Height:    h.rows,
		Bands:     h.bands,
		Transform: GeoTransform{ulx - h.xdim/2, h.xdim, 0, uly + h.ydim/2, 0, -h.ydim},
		PixelType: pt,
		HasNoData: h.hasNoData,
		NoData:    h.noData,
	}
	return g, g.Validate()
}

// ReadHeader 仅读取 .hdr/.prj/.clr 元数据，不触碰像素。
func ReadHeader(path string) (Grid, error) {
	g, _, err := readHeader(path)
	return g, err
}

func readHeader(path string) (Grid, bilHeader, error) {
	f, err := os.Open(SidecarPath(path, ".hdr"))
	if err != nil {
		return Grid{}, bilHeader{}, err
	}
	defer f.Close()
	h, err := parseHeader(f)
	if err != nil {
		return Grid{}, bilHeader{}, err
	}
	g, err := h.grid()
	if err != nil {
		return Grid{}, bilHeader{}, err
	}
	if raw, err := os.ReadFile(SidecarPath(path, ".prj")); err == nil {
		srs, perr := geo.ParseSRS(string(raw))
		if perr != nil {
			return Grid{}, bilHeader{}, perr
		}
		g.SRS = srs
	}
	palette, err := ReadPalette(SidecarPath(path, ".clr"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Grid{}, bilHeader{}, err
	}
	if len(palette) > 0 {
		g.Palette = palette
		g.Categorical = true
	}
	return g, h, nil
}

// BILReader 通过 ReadAt 读取任意窗口，可被多个 goroutine 共享。
type BILReader struct {
	f      *os.File
	grid   Grid
	header bilHeader
}

// OpenBIL 打开 BIL 主文件并校验数据长度。
func OpenBIL(path string) (*BILReader, error) {
	g, h, err := readHeader(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	need := h.skip + int64(g.Width)*int64(g.Height)*int64(g.Bands)*int64(g.PixelType.Size())
	if info.Size() < need {
		f.Close()
		return nil, fmt.Errorf("bil data truncated: %d < %d bytes", info.Size(), need)
	}
	return &BILReader{f: f, grid: g, header: h}, nil
}

func (r *BILReader) Grid() Grid { return r.grid }

func (r *BILReader) Close() error { return r.f.Close() }

// ReadWindow 逐行读取窗口内每个波段的像元段。
func (r *BILReader) ReadWindow(ctx context.Context, w Window) (*Tile, error) {
	if _, ok := w.Intersect(r.grid.Full()); !ok || w.Col < 0 || w.Row < 0 ||
		w.Col+w.Width > r.grid.Width || w.Row+w.Height > r.grid.Height {
		return nil, fmt.Errorf("window %+v outside raster %dx%d", w, r.grid.Width, r.grid.Height)
	}
	size := r.grid.PixelType.Size()
	tile := NewTile(w, r.grid.Bands)
	buf := make([]byte, w.Width*size)
	for row := 0; row < w.Height; row++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for b := 0; b < r.grid.Bands; b++ {
			off := r.header.skip + ((int64(w.Row+row)*int64(r.grid.Bands)+int64(b))*int64(r.grid.Width)+int64(w.Col))*int64(size)
			if _, err := r.f.ReadAt(buf, off); err != nil {
				return nil, fmt.Errorf("read row %d band %d: %w", w.Row+row, b, err)
			}
			base := (row*r.grid.Bands + b) * w.Width
			decodeRow(tile.Data[base:base+w.Width], buf, r.grid.PixelType, r.header.byteOrder)
		}
	}
	return tile, nil
}

func decodeRow(dst []float32, src []byte, pt PixelType, order binary.ByteOrder) {
	size := pt.Size()
	for i := range dst {
		b := src[i*size : (i+1)*size]
		switch pt {
		case U8:
			dst[i] = float32(b[0])
		case S16:
			dst[i] = float32(int16(order.Uint16(b)))
		case U16:
			dst[i] = float32(order.Uint16(b))
		case S32:
			dst[i] = float32(int32(order.Uint32(b)))
		case F32:
			dst[i] = math.Float32frombits(order.Uint32(b))
		}
	}
}

func encodeRow(dst []byte, src []float32, pt PixelType) {
	size := pt.Size()
	order := binary.LittleEndian
	for i, v := range src {
		b := dst[i*size : (i+1)*size]
		c := pt.Clamp(float64(v))
		switch pt {
		case U8:
			b[0] = uint8(c)
		case S16:
			order.PutUint16(b, uint16(int16(c)))
		case U16:
			order.PutUint16(b, uint16(c))
		case S32:
			order.PutUint32(b, uint32(int32(c)))
		case F32:
			order.PutUint32(b, math.Float32bits(v))
		}
	}
}

// BILWriter 预分配数据文件，窗口写入通过 WriteAt 完成，Close 时写出侧车文件。
type BILWriter struct {
	f    *os.File
	path string
	grid Grid
}

// CreateBIL 创建 BIL 文件；数据区按网格大小截断为零填充。
func CreateBIL(path string, g Grid) (*BILWriter, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	total := int64(g.Width) * int64(g.Height) * int64(g.Bands) * int64(g.PixelType.Size())
	if err := f.Truncate(total); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return &BILWriter{f: f, path: path, grid: g}, nil
}

func (w *BILWriter) Grid() Grid { return w.grid }

// WriteWindow 写入一个瓦片，瓦片窗口必须落在网格内。
func (w *BILWriter) WriteWindow(ctx context.Context, t *Tile) error {
	win := t.Window
	if win.Col < 0 || win.Row < 0 || win.Col+win.Width > w.grid.Width || win.Row+win.Height > w.grid.Height {
		return fmt.Errorf("window %+v outside raster", win)
	}
	size := w.grid.PixelType.Size()
	buf := make([]byte, win.Width*size)
	for row := 0; row < win.Height; row++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for b := 0; b < w.grid.Bands; b++ {
			base := (row*t.Bands + b) * win.Width
			encodeRow(buf, t.Data[base:base+win.Width], w.grid.PixelType)
			off := ((int64(win.Row+row)*int64(w.grid.Bands)+int64(b))*int64(w.grid.Width) + int64(win.Col)) * int64(size)
			if _, err := w.f.WriteAt(buf, off); err != nil {
				return fmt.Errorf("write row %d band %d: %w", win.Row+row, b, err)
			}
		}
	}
	return nil
}

// Close 关闭数据文件并写出 .hdr/.prj/.clr。
func (w *BILWriter) Close() error {
	if err := w.f.Close(); err != nil {
		return err
	}
	if err := os.WriteFile(SidecarPath(w.path, ".hdr"), []byte(formatHeader(w.grid)), 0o644); err != nil {
		return err
	}
	if w.grid.SRS != "" {
		if err := WritePRJ(SidecarPath(w.path, ".prj"), w.grid.SRS); err != nil {
			return err
		}
	}
	if len(w.grid.Palette) > 0 {
		return WritePalette(SidecarPath(w.path, ".clr"), w.grid.Palette)
	}
	return nil
}

// Abort 关闭并删除已写出的文件。
func (w *BILWriter) Abort() {
	w.f.Close()
	for _, ext := range []string{"", ".hdr", ".prj", ".clr"} {
		p := w.path
		if ext != "" {
			p = SidecarPath(w.path, ext)
		}
		os.Remove(p)
	}
}

func formatHeader(g Grid) string {
	rx, ry := g.Resolution()
	pixelType := "UNSIGNEDINT"
	switch g.PixelType {
	case S16, S32:
		pixelType = "SIGNEDINT"
	case F32:
		pixelType = "FLOAT"
	}
	size := g.PixelType.Size()
	var sb strings.Builder
	line := func(k, v string) { fmt.Fprintf(&sb, "%-14s%s\n", k, v) }
	line("BYTEORDER", "I")
	line("LAYOUT", "BIL")
	line("NROWS", strconv.Itoa(g.Height))
	line("NCOLS", strconv.Itoa(g.Width))
	line("NBANDS", strconv.Itoa(g.Bands))
	line("NBITS", strconv.Itoa(size*8))
	line("PIXELTYPE", pixelType)
	line("BANDROWBYTES", strconv.Itoa(g.Width*size))
	line("TOTALROWBYTES", strconv.Itoa(g.Width*size*g.Bands))
	line("ULXMAP", formatFloat(g.Transform[0]+rx/2))
	line("ULYMAP", formatFloat(g.Transform[3]-ry/2))
	line("XDIM", formatFloat(rx))
	line("YDIM", formatFloat(ry))
	if g.HasNoData {
		line("NODATA", formatFloat(g.NoData))
	}
	return sb.String()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// WritePRJ 以权威编码写出投影侧车文件。
func WritePRJ(path string, srs geo.SRS) error {
	return os.WriteFile(path, []byte(string(srs)+"\n"), 0o644)
}

// ReadPalette 读取 ESRI .clr 色表（value r g b 每行一项，可选第五列 alpha）。
func ReadPalette(path string) ([]color.NRGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	entries := map[int]color.NRGBA{}
	maxIdx := -1
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		n := min(len(fields), 5)
		vals := []int{0, 0, 0, 0, 255}
		for i := 0; i < n; i++ {
			v, err := strconv.Atoi(fields[i])
			if err != nil {
				return nil, fmt.Errorf("clr: %w", err)
			}
			vals[i] = v
		}
		if vals[0] < 0 || vals[0] > 255 {
			return nil, fmt.Errorf("clr: index %d out of range", vals[0])
		}
		entries[vals[0]] = color.NRGBA{R: uint8(vals[1]), G: uint8(vals[2]), B: uint8(vals[3]), A: uint8(vals[4])}
		maxIdx = max(maxIdx, vals[0])
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	palette := make([]color.NRGBA, maxIdx+1)
	for idx, c := range entries {
		palette[idx] = c
	}
	return palette, nil
}

// WritePalette 写出 .clr 色表，按索引升序。
func WritePalette(path string, palette []color.NRGBA) error {
	idx := make([]int, 0, len(palette))
	for i := range palette {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	var sb strings.Builder
	for _, i := range idx {
		c := palette[i]
		if c.A != 0xff {
			fmt.Fprintf(&sb, "%d %d %d %d %d\n", i, c.R, c.G, c.B, c.A)
			continue
		}
		fmt.Fprintf(&sb, "%d %d %d %d\n", i, c.R, c.G, c.B)
	}
	return os.WriteFile(path, []byte(sb.String()), 0o644)
}
