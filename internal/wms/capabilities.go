package wms

import (
	"encoding/xml"
	"strconv"

	"github.com/proxycad/proxycad/internal/geo"
)

type onlineResource struct {
	Type string `xml:"xlink:type,attr"`
	Href string `xml:"xlink:href,attr"`
}

type dcpType struct {
	Get onlineResource `xml:"HTTP>Get>OnlineResource"`
}

type operation struct {
	Formats []string `xml:"Format"`
	DCPType dcpType  `xml:"DCPType"`
}

type geographicBBox struct {
	West  float64 `xml:"westBoundLongitude"`
	East  float64 `xml:"eastBoundLongitude"`
	South float64 `xml:"southBoundLatitude"`
	North float64 `xml:"northBoundLatitude"`
}

type boundingBox struct {
	CRS  string `xml:"CRS,attr"`
	MinX string `xml:"minx,attr"`
	MinY string `xml:"miny,attr"`
	MaxX string `xml:"maxx,attr"`
	MaxY string `xml:"maxy,attr"`
}

type layerElement struct {
	Queryable  int             `xml:"queryable,attr"`
	Name       string          `xml:"Name,omitempty"`
	Title      string          `xml:"Title"`
	CRS        []string        `xml:"CRS"`
	Geographic *geographicBBox `xml:"EX_GeographicBoundingBox,omitempty"`
	BBoxes     []boundingBox   `xml:"BoundingBox"`
	Layers     []layerElement  `xml:"Layer"`
}

type capabilitiesDoc struct {
	XMLName   xml.Name `xml:"WMS_Capabilities"`
	Version   string   `xml:"version,attr"`
	Namespace string   `xml:"xmlns,attr"`
	XLink     string   `xml:"xmlns:xlink,attr"`
	Service   struct {
		Name           string         `xml:"Name"`
		Title          string         `xml:"Title"`
		OnlineResource onlineResource `xml:"OnlineResource"`
	} `xml:"Service"`
	Capability struct {
		GetCapabilities operation    `xml:"Request>GetCapabilities"`
		GetMap          operation    `xml:"Request>GetMap"`
		Exception       []string     `xml:"Exception>Format"`
		Layer           layerElement `xml:"Layer"`
	} `xml:"Capability"`
}

// CapabilitiesOptions 是能力文档的服务级信息。
type CapabilitiesOptions struct {
	Title      string
	Endpoint   string
	MapFormats []string
}

// MarshalCapabilities 生成 WMS 1.3.0 能力文档。每个图层声明其原生参考系与全部内置参考系。
func MarshalCapabilities(opts CapabilitiesOptions, layers []Layer) ([]byte, error) {
	var doc capabilitiesDoc
	doc.Version = Version
	doc.Namespace = "http://www.opengis.net/wms"
	doc.XLink = "http://www.w3.org/1999/xlink"
	doc.Service.Name = "WMS"
	doc.Service.Title = opts.Title
	doc.Service.OnlineResource = link(opts.Endpoint)

	doc.Capability.GetCapabilities = operation{Formats: []string{"text/xml"}, DCPType: dcpType{Get: link(opts.Endpoint + "?")}}
	doc.Capability.GetMap = operation{Formats: opts.MapFormats, DCPType: dcpType{Get: link(opts.Endpoint + "?")}}
	doc.Capability.Exception = []string{"XML"}

	root := layerElement{Title: opts.Title, CRS: supportedCRS(), Layers: []layerElement{}}
	for _, l := range layers {
		root.Layers = append(root.Layers, layerElement{
			Name:  l.Name,
			Title: l.Title,
			CRS:   layerCRS(l.SRS),
			Geographic: &geographicBBox{
				West: l.Geographic.MinX, East: l.Geographic.MaxX,
				South: l.Geographic.MinY, North: l.Geographic.MaxY,
			},
			BBoxes: []boundingBox{nativeBBox(l)},
		})
	}
	doc.Capability.Layer = root

	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}

func link(href string) onlineResource {
	return onlineResource{Type: "simple", Href: href}
}

func supportedCRS() []string {
	srs := geo.Supported()
	out := make([]string, len(srs))
	for i, s := range srs {
		out[i] = string(s)
	}
	return out
}

func layerCRS(native geo.SRS) []string {
	out := []string{string(native)}
	for _, s := range geo.Supported() {
		if s != native {
			out = append(out, string(s))
		}
	}
	return out
}

// nativeBBox 输出原生参考系下的范围，EPSG:4326 使用 lat,lon 轴序。
func nativeBBox(l Layer) boundingBox {
	b := l.Extent
	if l.SRS == geo.WGS84 {
		b = geo.BBox{MinX: b.MinY, MinY: b.MinX, MaxX: b.MaxY, MaxY: b.MaxX}
	}
	return boundingBox{
		CRS:  string(l.SRS),
		MinX: formatCoord(b.MinX),
		MinY: formatCoord(b.MinY),
		MaxX: formatCoord(b.MaxX),
		MaxY: formatCoord(b.MaxY),
	}
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
