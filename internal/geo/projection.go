package geo

import (
	"fmt"
	"math"
)

// projection 在经纬度（度）与投影坐标之间换算。
type projection interface {
	forward(lon, lat float64) (x, y float64, err error)
	inverse(x, y float64) (lon, lat float64, err error)
	geographic() bool
}

var projections = map[SRS]projection{
	WGS84:       geographicProjection{},
	WebMercator: mercatorProjection{radius: 6378137},
	Lambert93: newLCC(lccParams{
		a:     6378137,
		invF:  298.257222101,
		lat1:  49,
		lat2:  44,
		lat0:  46.5,
		lon0:  3,
		east:  700000,
		north: 6600000,
	}),
}

type geographicProjection struct{}

func (geographicProjection) forward(lon, lat float64) (float64, float64, error) { return lon, lat, nil }
func (geographicProjection) inverse(x, y float64) (float64, float64, error)     { return x, y, nil }
func (geographicProjection) geographic() bool                                   { return true }

// mercatorMaxLat 是 Web Mercator 的有效纬度上限。
const mercatorMaxLat = 85.05112877980659

type mercatorProjection struct {
	radius float64
}

func (m mercatorProjection) forward(lon, lat float64) (float64, float64, error) {
	if math.Abs(lat) > 90 {
		return 0, 0, fmt.Errorf("latitude %v out of range", lat)
	}
	lat = math.Max(-mercatorMaxLat, math.Min(mercatorMaxLat, lat))
	x := m.radius * lon * math.Pi / 180
	y := m.radius * math.Log(math.Tan(math.Pi/4+lat*math.Pi/360))
	return x, y, nil
}

func (m mercatorProjection) inverse(x, y float64) (float64, float64, error) {
	lon := x / m.radius * 180 / math.Pi
	lat := (2*math.Atan(math.Exp(y/m.radius)) - math.Pi/2) * 180 / math.Pi
	return lon, lat, nil
}

func (mercatorProjection) geographic() bool { return false }

type lccParams struct {
	a, invF                float64
	lat1, lat2, lat0, lon0 float64
	east, north            float64
}

// lccProjection 实现椭球面上的双标准纬线 Lambert 等角圆锥投影。
type lccProjection struct {
	a, e, n, f, rho0 float64
	lon0             float64
	east, north      float64
}

func newLCC(p lccParams) lccProjection {
	fl := 1 / p.invF
	e := math.Sqrt(2*fl - fl*fl)
	rad := math.Pi / 180
	m := func(phi float64) float64 {
		s := math.Sin(phi)
		return math.Cos(phi) / math.Sqrt(1-e*e*s*s)
	}
	t := func(phi float64) float64 {
		s := math.Sin(phi)
		return math.Tan(math.Pi/4-phi/2) / math.Pow((1-e*s)/(1+e*s), e/2)
	}
	phi1, phi2, phi0 := p.lat1*rad, p.lat2*rad, p.lat0*rad
	m1, m2 := m(phi1), m(phi2)
	t1, t2, t0 := t(phi1), t(phi2), t(phi0)
	n := (math.Log(m1) - math.Log(m2)) / (math.Log(t1) - math.Log(t2))
	f := m1 / (n * math.Pow(t1, n))
	return lccProjection{
		a:     p.a,
		e:     e,
		n:     n,
		f:     f,
		rho0:  p.a * f * math.Pow(t0, n),
		lon0:  p.lon0 * rad,
		east:  p.east,
		north: p.north,
	}
}

func (l lccProjection) forward(lon, lat float64) (float64, float64, error) {
	if math.Abs(lat) >= 90 {
		return 0, 0, fmt.Errorf("latitude %v not representable in conic projection", lat)
	}
	rad := math.Pi / 180
	phi := lat * rad
	s := math.Sin(phi)
	t := math.Tan(math.Pi/4-phi/2) / math.Pow((1-l.e*s)/(1+l.e*s), l.e/2)
	rho := l.a * l.f * math.Pow(t, l.n)
	theta := l.n * (lon*rad - l.lon0)
	x := l.east + rho*math.Sin(theta)
	y := l.north + l.rho0 - rho*math.Cos(theta)
	return x, y, nil
}

func (l lccProjection) inverse(x, y float64) (float64, float64, error) {
	dx := x - l.east
	dy := l.rho0 - (y - l.north)
	sign := 1.0
	if l.n < 0 {
		sign = -1
	}
	rho := sign * math.Hypot(dx, dy)
	theta := math.Atan2(sign*dx, sign*dy)
	t := math.Pow(rho/(l.a*l.f), 1/l.n)
	phi := math.Pi/2 - 2*math.Atan(t)
	for i := 0; i < 15; i++ {
		s := math.Sin(phi)
		next := math.Pi/2 - 2*math.Atan(t*math.Pow((1-l.e*s)/(1+l.e*s), l.e/2))
		if math.Abs(next-phi) < 1e-12 {
			phi = next
			break
		}
		phi = next
	}
	lon := (theta/l.n + l.lon0) * 180 / math.Pi
	return lon, phi * 180 / math.Pi, nil
}

func (lccProjection) geographic() bool { return false }
