package raster

import "context"

// Tile 保存一个窗口的全部波段像素，按行内波段交错（与 BIL 一致）排列：
// Data[(row*Bands+band)*Width+col]。
type Tile struct {
	Window Window
	Bands  int
	Data   []float32
}

// NewTile 分配窗口大小的缓冲区。
func NewTile(w Window, bands int) *Tile {
	return &Tile{
		Window: w,
		Bands:  bands,
		Data:   make([]float32, int(w.Pixels())*bands),
	}
}

// At 读取相对窗口坐标 (c, r) 的像元值。
func (t *Tile) At(band, c, r int) float32 {
	return t.Data[(r*t.Bands+band)*t.Window.Width+c]
}

// Set 写入相对窗口坐标 (c, r) 的像元值。
func (t *Tile) Set(band, c, r int, v float32) {
	t.Data[(r*t.Bands+band)*t.Window.Width+c] = v
}

// Fill 用同一个值填满所有像元。
func (t *Tile) Fill(v float32) {
	for i := range t.Data {
		t.Data[i] = v
	}
}

// Reader 支持按窗口读取，实现需保证并发调用安全。
type Reader interface {
	Grid() Grid
	ReadWindow(ctx context.Context, w Window) (*Tile, error)
	Close() error
}

// Writer 支持按窗口写入，不同窗口可并发写入。
type Writer interface {
	Grid() Grid
	WriteWindow(ctx context.Context, t *Tile) error
	Close() error
}
