// Package geojson 实现流式 GeoJSON FeatureCollection 驱动：逐个要素读写，不整体加载。
package geojson

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/proxycad/proxycad/internal/dataset"
	"github.com/proxycad/proxycad/internal/geo"
)

func init() {
	dataset.MustRegister(driver{})
}

type driver struct{}

func (driver) Format() dataset.Format    { return dataset.FormatGeoJSON }
func (driver) Kind() dataset.Kind        { return dataset.KindVector }
func (driver) Extensions() []string      { return []string{"geojson", "json"} }
func (driver) MediaType() string         { return "application/geo+json" }
func (driver) Sidecars(string) []string { return nil }

// Probe 顺序扫描一遍文件，统计要素数、字段并集与范围。
func (d driver) Probe(ctx context.Context, path string, opts dataset.ProbeOptions) (dataset.Handle, error) {
	r, err := open(path)
	if err != nil {
		return dataset.Handle{}, err
	}
	defer r.Close()

	attrs := make(map[string]struct{})
	extent := geo.Empty()
	var count int64
	for {
		f, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return dataset.Handle{}, err
		}
		count++
		for k := range f.Properties {
			attrs[k] = struct{}{}
		}
		if f.Geometry != nil {
			if b, ok := f.Geometry.Bounds(); ok {
				extent = extent.Extend(b.MinX, b.MinY).Extend(b.MaxX, b.MaxY)
			}
		}
	}
	names := make([]string, 0, len(attrs))
	for k := range attrs {
		names = append(names, k)
	}
	sort.Strings(names)

	srs := r.srs
	if opts.SRS != "" {
		srs = opts.SRS
	}
	if srs == "" {
		srs = geo.WGS84
	}
	if count == 0 {
		extent = geo.BBox{}
	}
	size, err := dataset.TotalSize(d, path)
	if err != nil {
		return dataset.Handle{}, err
	}
	return dataset.Handle{
		Location:     path,
		Format:       dataset.FormatGeoJSON,
		Kind:         dataset.KindVector,
		SRS:          srs,
		Extent:       extent,
		FeatureCount: count,
		Attributes:   names,
		SizeBytes:    size,
	}, nil
}

func (driver) OpenFeatures(path string) (dataset.FeatureReader, error) {
	return open(path)
}

func (driver) CreateFeatures(path string, srs geo.SRS) (dataset.FeatureWriter, error) {
	return create(path, srs)
}

type crsMember struct {
	Type       string `json:"type"`
	Properties struct {
		Name string `json:"name"`
	} `json:"properties"`
}

type rawFeature struct {
	Type       string            `json:"type"`
	ID         json.RawMessage   `json:"id,omitempty"`
	Geometry   *dataset.Geometry `json:"geometry"`
	Properties map[string]any    `json:"properties"`
}

// reader 在顶层对象中定位 features 数组后逐个解码要素。
// features 之前出现的 crs 成员会被识别；之后出现的只在 Probe 扫描结束时生效。
type reader struct {
	f       *os.File
	dec     *json.Decoder
	srs     geo.SRS
	inArray bool
	done    bool
}

func open(path string) (*reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bufio.NewReader(f))
	dec.UseNumber()
	r := &reader{f: f, dec: dec}
	if err := r.expectDelim('{'); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func (r *reader) Close() error { return r.f.Close() }

func (r *reader) expectDelim(want json.Delim) error {
	tok, err := r.dec.Token()
	if err != nil {
		return fmt.Errorf("geojson: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("geojson: expected %q, got %v", want, tok)
	}
	return nil
}

// advance 读取顶层成员直到进入 features 数组或对象结束。
func (r *reader) advance() error {
	for r.dec.More() {
		tok, err := r.dec.Token()
		if err != nil {
			return fmt.Errorf("geojson: %w", err)
		}
		key, _ := tok.(string)
		switch key {
		case "features":
			if err := r.expectDelim('['); err != nil {
				return err
			}
			r.inArray = true
			return nil
		case "type":
			var typ string
			if err := r.dec.Decode(&typ); err != nil {
				return fmt.Errorf("geojson type: %w", err)
			}
			if typ != "FeatureCollection" {
				return fmt.Errorf("geojson: unsupported top-level type %q", typ)
			}
		case "crs":
			var crs crsMember
			if err := r.dec.Decode(&crs); err != nil {
				return fmt.Errorf("geojson crs: %w", err)
			}
			srs, err := geo.ParseSRS(crs.Properties.Name)
			if err != nil {
				return err
			}
			r.srs = srs
		default:
			var skip json.RawMessage
			if err := r.dec.Decode(&skip); err != nil {
				return fmt.Errorf("geojson member %q: %w", key, err)
			}
		}
	}
	r.done = true
	return nil
}

func (r *reader) Next(ctx context.Context) (dataset.Feature, error) {
	if err := ctx.Err(); err != nil {
		return dataset.Feature{}, err
	}
	for {
		if r.done {
			return dataset.Feature{}, io.EOF
		}
		if !r.inArray {
			if err := r.advance(); err != nil {
				return dataset.Feature{}, err
			}
			continue
		}
		if !r.dec.More() {
			if err := r.expectDelim(']'); err != nil {
				return dataset.Feature{}, err
			}
			r.inArray = false
			continue
		}
		var raw rawFeature
		if err := r.dec.Decode(&raw); err != nil {
			return dataset.Feature{}, fmt.Errorf("geojson feature: %w", err)
		}
		if raw.Type != "Feature" {
			return dataset.Feature{}, fmt.Errorf("geojson: unexpected member type %q in features", raw.Type)
		}
		return dataset.Feature{ID: raw.ID, Geometry: raw.Geometry, Properties: raw.Properties}, nil
	}
}

// writer 依次写出要素，输出只依赖输入顺序与内容。
type writer struct {
	f     *os.File
	buf   *bufio.Writer
	path  string
	count int
}

func create(path string, srs geo.SRS) (*writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := &writer{f: f, buf: bufio.NewWriter(f), path: path}
	w.buf.WriteString(`{"type":"FeatureCollection",`)
	if srs != "" && srs != geo.WGS84 {
		fmt.Fprintf(w.buf, `"crs":{"type":"name","properties":{"name":"urn:ogc:def:crs:EPSG::%d"}},`, srs.Code())
	}
	w.buf.WriteString(`"features":[`)
	return w, nil
}

func (w *writer) Write(f dataset.Feature) error {
	raw := rawFeature{Type: "Feature", ID: f.ID, Geometry: f.Geometry, Properties: f.Properties}
	if raw.Properties == nil {
		raw.Properties = map[string]any{}
	}
	var out bytes.Buffer
	enc := json.NewEncoder(&out)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(raw); err != nil {
		return fmt.Errorf("encode feature: %w", err)
	}
	if w.count > 0 {
		w.buf.WriteByte(',')
	}
	w.count++
	_, err := w.buf.Write(bytes.TrimRight(out.Bytes(), "\n"))
	return err
}

func (w *writer) Close() error {
	w.buf.WriteString("]}\n")
	if err := w.buf.Flush(); err != nil {
		w.Abort()
		return err
	}
	return w.f.Close()
}

func (w *writer) Abort() {
	w.f.Close()
	os.Remove(w.path)
}
