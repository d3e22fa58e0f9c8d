package img

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"sync"

	"github.com/proxycad/proxycad/internal/raster"
)

// describeModel 根据解码器报告的颜色模型确定波段与分类属性。
func describeModel(g *raster.Grid, model color.Model) {
	switch m := model.(type) {
	case color.Palette:
		g.Bands = 1
		g.Categorical = true
		g.Palette = make([]color.NRGBA, len(m))
		for i, c := range m {
			g.Palette[i] = color.NRGBAModel.Convert(c).(color.NRGBA)
		}
		return
	}
	switch model {
	case color.GrayModel:
		g.Bands = 1
	case color.Gray16Model:
		g.Bands = 1
		g.PixelType = raster.U16
	case color.YCbCrModel, color.CMYKModel:
		g.Bands = 3
	default:
		g.Bands = 4
	}
}

// imageReader 在首次读取时完整解码图像；此类格式无法按窗口解码。
type imageReader struct {
	path string
	grid raster.Grid

	once sync.Once
	img  image.Image
	err  error
}

func (r *imageReader) Grid() raster.Grid { return r.grid }

func (r *imageReader) Close() error { return nil }

func (r *imageReader) decode() {
	f, err := os.Open(r.path)
	if err != nil {
		r.err = err
		return
	}
	defer f.Close()
	r.img, _, r.err = image.Decode(f)
}

func (r *imageReader) ReadWindow(ctx context.Context, w raster.Window) (*raster.Tile, error) {
	r.once.Do(r.decode)
	if r.err != nil {
		return nil, r.err
	}
	if w.Col < 0 || w.Row < 0 || w.Col+w.Width > r.grid.Width || w.Row+w.Height > r.grid.Height {
		return nil, fmt.Errorf("window %+v outside image %dx%d", w, r.grid.Width, r.grid.Height)
	}
	origin := r.img.Bounds().Min
	tile := raster.NewTile(w, r.grid.Bands)
	paletted, _ := r.img.(image.PalettedImage)
	for row := 0; row < w.Height; row++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		y := origin.Y + w.Row + row
		for col := 0; col < w.Width; col++ {
			x := origin.X + w.Col + col
			switch {
			case r.grid.Categorical && paletted != nil:
				tile.Set(0, col, row, float32(paletted.ColorIndexAt(x, y)))
			case r.grid.Bands == 1 && r.grid.PixelType == raster.U16:
				tile.Set(0, col, row, float32(color.Gray16Model.Convert(r.img.At(x, y)).(color.Gray16).Y))
			case r.grid.Bands == 1:
				tile.Set(0, col, row, float32(color.GrayModel.Convert(r.img.At(x, y)).(color.Gray).Y))
			default:
				c := color.NRGBAModel.Convert(r.img.At(x, y)).(color.NRGBA)
				vals := [4]uint8{c.R, c.G, c.B, c.A}
				for b := 0; b < r.grid.Bands && b < 4; b++ {
					tile.Set(b, col, row, float32(vals[b]))
				}
			}
		}
	}
	return tile, nil
}

// lazyImage 按行条带从 Reader 取像素，只缓存当前条带。读取错误记录在 Err 中。
type lazyImage struct {
	ctx  context.Context
	src  raster.Reader
	grid raster.Grid
	rows int

	model   color.Model
	palette color.Palette

	mu    sync.Mutex
	strip *raster.Tile
	err   error
}

// palettedImage 让 png 编码器按索引写出分类栅格。
type palettedImage struct {
	*lazyImage
}

// encodable 是交给编码器的图像，编码结束后检查 Err。
type encodable interface {
	image.Image
	Err() error
}

// newLazyImage 的条带高度取 16 的倍数，与 JPEG 宏块对齐。
func newLazyImage(ctx context.Context, src raster.Reader, rows int) encodable {
	g := src.Grid()
	li := &lazyImage{ctx: ctx, src: src, grid: g, rows: (max(rows, 1) + 15) / 16 * 16}
	switch {
	case g.Categorical && g.Bands == 1 && len(g.Palette) > 0:
		n := min(len(g.Palette), 256)
		li.palette = make(color.Palette, n)
		for i := 0; i < n; i++ {
			li.palette[i] = g.Palette[i]
		}
		li.model = li.palette
		return palettedImage{li}
	case g.Bands == 1 && !g.HasNoData && g.PixelType == raster.U16:
		li.model = color.Gray16Model
	case g.Bands == 1 && !g.HasNoData:
		li.model = color.GrayModel
	default:
		li.model = color.NRGBAModel
	}
	return li
}

func (l *lazyImage) ColorModel() color.Model { return l.model }

func (l *lazyImage) Bounds() image.Rectangle {
	return image.Rect(0, 0, l.grid.Width, l.grid.Height)
}

// Err 返回编码过程中遇到的第一个读取错误。
func (l *lazyImage) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// pixel 读取 (x, y) 的前 len(out) 个波段；出错时返回 false。
func (l *lazyImage) pixel(x, y int, out []float32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false
	}
	if l.strip == nil || y < l.strip.Window.Row || y >= l.strip.Window.Row+l.strip.Window.Height {
		start := (y / l.rows) * l.rows
		win := raster.Window{Row: start, Width: l.grid.Width, Height: min(l.rows, l.grid.Height-start)}
		tile, err := l.src.ReadWindow(l.ctx, win)
		if err != nil {
			l.err = err
			l.strip = nil
			return false
		}
		l.strip = tile
	}
	r := y - l.strip.Window.Row
	for b := range out {
		out[b] = l.strip.At(b, x, r)
	}
	return true
}

func (l *lazyImage) At(x, y int) color.Color {
	if !(image.Point{X: x, Y: y}.In(l.Bounds())) {
		return color.NRGBA{}
	}
	bands := min(l.grid.Bands, 4)
	var buf [4]float32
	vals := buf[:bands]
	if !l.pixel(x, y, vals) {
		return color.NRGBA{}
	}
	if l.palette != nil {
		return l.palette[l.index(vals[0])]
	}
	nodata := l.grid.HasNoData && float64(vals[0]) == l.grid.NoData
	switch l.model {
	case color.Gray16Model:
		return color.Gray16{Y: uint16(raster.U16.Clamp(float64(vals[0])))}
	case color.GrayModel:
		return color.Gray{Y: u8(vals[0])}
	}
	c := color.NRGBA{A: 255}
	switch bands {
	case 1:
		c.R, c.G, c.B = u8(vals[0]), u8(vals[0]), u8(vals[0])
	case 2:
		c.R, c.G, c.B, c.A = u8(vals[0]), u8(vals[0]), u8(vals[0]), u8(vals[1])
	default:
		c.R, c.G, c.B = u8(vals[0]), u8(vals[1]), u8(vals[2])
		if bands == 4 {
			c.A = u8(vals[3])
		}
	}
	if nodata {
		c.A = 0
	}
	return c
}

func (l *lazyImage) index(v float32) uint8 {
	i := int(math.Round(float64(v)))
	if i < 0 || i >= len(l.palette) {
		return 0
	}
	return uint8(i)
}

func (p palettedImage) ColorIndexAt(x, y int) uint8 {
	if !(image.Point{X: x, Y: y}.In(p.Bounds())) {
		return 0
	}
	var v [1]float32
	if !p.pixel(x, y, v[:]) {
		return 0
	}
	return p.index(v[0])
}

func u8(v float32) uint8 {
	return uint8(raster.U8.Clamp(float64(v)))
}
