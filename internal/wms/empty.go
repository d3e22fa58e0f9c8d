package wms

import (
	"bytes"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"

	"github.com/proxycad/proxycad/internal/dataset"
	"github.com/proxycad/proxycad/internal/geo"
)

// outside 判断请求范围与图层范围是否完全不相交。无法换算时交给调度器判断。
func outside(layer Layer, m MapRequest) bool {
	extent := layer.Extent
	if layer.SRS != m.SRS {
		t, err := geo.NewTransformer(layer.SRS, m.SRS)
		if err != nil {
			return false
		}
		if extent, err = t.TransformBBox(layer.Extent); err != nil {
			return false
		}
	}
	return !extent.Intersects(m.BBox) && !m.BBox.Contains(extent)
}

// EmptyMap 生成请求尺寸的空白地图：TRANSPARENT=TRUE 时全透明，否则为白色。
// JPEG 没有透明通道，始终为白色。
func EmptyMap(m MapRequest) ([]byte, error) {
	bg := color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	if m.Transparent && m.Format != dataset.FormatJPEG {
		bg = color.NRGBA{}
	}
	var buf bytes.Buffer
	var err error
	switch m.Format {
	case dataset.FormatJPEG:
		img := image.NewNRGBA(image.Rect(0, 0, m.Width, m.Height))
		fillImage(img, bg)
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	case dataset.FormatGIF:
		img := image.NewPaletted(image.Rect(0, 0, m.Width, m.Height), color.Palette{bg})
		err = gif.Encode(&buf, img, nil)
	default:
		img := image.NewNRGBA(image.Rect(0, 0, m.Width, m.Height))
		fillImage(img, bg)
		err = png.Encode(&buf, img)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func fillImage(img *image.NRGBA, c color.NRGBA) {
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
}
