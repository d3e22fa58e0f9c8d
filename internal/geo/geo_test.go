package geo

import (
	"errors"
	"math"
	"testing"
)

func TestParseSRSForms(t *testing.T) {
	testCases := []struct {
		raw  string
		want SRS
	}{
		{"EPSG:3857", WebMercator},
		{"epsg:2154", Lambert93},
		{"urn:ogc:def:crs:EPSG::4326", WGS84},
		{"CRS:84", WGS84},
		{"EPSG:900913", WebMercator},
		{`PROJCS["RGF93 / Lambert-93",GEOGCS["RGF93",AUTHORITY["EPSG","4171"]],AUTHORITY["EPSG","2154"]]`, Lambert93},
	}
	for _, tc := range testCases {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := ParseSRS(tc.raw)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestParseSRSRejectsUnknown(t *testing.T) {
	for _, raw := range []string{"", "EPSG:32631", "foo"} {
		if _, err := ParseSRS(raw); !errors.Is(err, ErrUnknownSRS) {
			t.Fatalf("expected ErrUnknownSRS for %q, got %v", raw, err)
		}
	}
}

func TestLambert93Origin(t *testing.T) {
	tr, err := NewTransformer(WGS84, Lambert93)
	if err != nil {
		t.Fatalf("transformer error: %v", err)
	}
	x, y, err := tr.Transform(3, 46.5)
	if err != nil {
		t.Fatalf("transform error: %v", err)
	}
	if math.Abs(x-700000) > 1e-6 || math.Abs(y-6600000) > 1e-6 {
		t.Fatalf("projection origin mismatch: %f,%f", x, y)
	}
}

func TestRoundTripAcrossProjections(t *testing.T) {
	points := [][2]float64{{2.3522, 48.8566}, {-1.55, 47.21}, {7.26, 43.7}}
	for _, dst := range []SRS{WebMercator, Lambert93} {
		fwd, _ := NewTransformer(WGS84, dst)
		inv, _ := NewTransformer(dst, WGS84)
		for _, p := range points {
			x, y, err := fwd.Transform(p[0], p[1])
			if err != nil {
				t.Fatalf("forward error: %v", err)
			}
			lon, lat, err := inv.Transform(x, y)
			if err != nil {
				t.Fatalf("inverse error: %v", err)
			}
			if math.Abs(lon-p[0]) > 1e-8 || math.Abs(lat-p[1]) > 1e-8 {
				t.Fatalf("%s round trip drift: %v -> %f,%f", dst, p, lon, lat)
			}
		}
	}
}

func TestWebMercatorBounds(t *testing.T) {
	tr, _ := NewTransformer(WGS84, WebMercator)
	x, _, _ := tr.Transform(180, 0)
	if math.Abs(x-20037508.342789244) > 1e-6 {
		t.Fatalf("unexpected x at antimeridian: %f", x)
	}
}

func TestTransformBBoxCoversCorners(t *testing.T) {
	tr, _ := NewTransformer(WGS84, Lambert93)
	src := BBox{MinX: 2, MinY: 48, MaxX: 3, MaxY: 49}
	out, err := tr.TransformBBox(src)
	if err != nil {
		t.Fatalf("transform bbox error: %v", err)
	}
	for _, c := range [][2]float64{{2, 48}, {3, 49}, {2, 49}, {3, 48}} {
		x, y, _ := tr.Transform(c[0], c[1])
		if x < out.MinX-1e-6 || x > out.MaxX+1e-6 || y < out.MinY-1e-6 || y > out.MaxY+1e-6 {
			t.Fatalf("corner %v (%f,%f) outside %s", c, x, y, out)
		}
	}
}

func TestBBoxRelations(t *testing.T) {
	a := BBox{0, 0, 10, 10}
	b := BBox{2, 2, 5, 5}
	if !a.Contains(b) || b.Contains(a) {
		t.Fatalf("containment mismatch")
	}
	if a.Intersects(BBox{10, 10, 20, 20}) {
		t.Fatalf("touching boxes should not intersect")
	}
	if _, err := ParseBBox("1,2,3"); err == nil {
		t.Fatalf("three values should fail")
	}
	parsed, err := ParseBBox(" 0, 0,10,10")
	if err != nil || !parsed.Equal(a) {
		t.Fatalf("parse mismatch: %v %v", parsed, err)
	}
}
