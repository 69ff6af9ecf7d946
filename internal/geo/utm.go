package geo

import (
	"fmt"
	"math"
)

// WGS84 ellipsoid
const (
	semiMajorAxis = 6378137.0
	flattening    = 1 / 298.257223563
	utmScale      = 0.9996
	falseEasting  = 500000.0
	falseNorthing = 10000000.0
)

// UTM is a Universal Transverse Mercator zone on the WGS84 datum.
type UTM struct {
	Zone  int
	South bool
}

// UTMFor picks the zone that contains the given WGS84 position.
func UTMFor(lon, lat float64) UTM {
	zone := int(math.Floor((lon+180)/6)) + 1
	if zone < 1 {
		zone = 1
	}
	if zone > 60 {
		zone = 60
	}
	return UTM{Zone: zone, South: lat < 0}
}

// UTMForBBox picks the zone of the box centroid.
func UTMForBBox(b BBox) UTM {
	lon, lat := b.Center()
	return UTMFor(lon, lat)
}

// EPSG returns 326xx for the northern hemisphere and 327xx for the southern.
func (u UTM) EPSG() int {
	if u.South {
		return 32700 + u.Zone
	}
	return 32600 + u.Zone
}

func (u UTM) String() string {
	return fmt.Sprintf("EPSG:%d", u.EPSG())
}

func (u UTM) centralMeridian() float64 {
	return float64(u.Zone-1)*6 - 180 + 3
}

// Forward projects a WGS84 longitude/latitude to easting/northing in metres.
func (u UTM) Forward(lon, lat float64) (x, y float64) {
	e2 := flattening * (2 - flattening)
	e4 := e2 * e2
	e6 := e4 * e2
	ep2 := e2 / (1 - e2)

	phi := lat * math.Pi / 180
	dLambda := (lon - u.centralMeridian()) * math.Pi / 180

	sinPhi := math.Sin(phi)
	cosPhi := math.Cos(phi)
	tanPhi := math.Tan(phi)

	n := semiMajorAxis / math.Sqrt(1-e2*sinPhi*sinPhi)
	t := tanPhi * tanPhi
	c := ep2 * cosPhi * cosPhi
	a := cosPhi * dLambda

	m := semiMajorAxis * ((1-e2/4-3*e4/64-5*e6/256)*phi -
		(3*e2/8+3*e4/32+45*e6/1024)*math.Sin(2*phi) +
		(15*e4/256+45*e6/1024)*math.Sin(4*phi) -
		(35*e6/3072)*math.Sin(6*phi))

	a2 := a * a
	a3 := a2 * a
	a4 := a3 * a
	a5 := a4 * a
	a6 := a5 * a

	x = utmScale*n*(a+(1-t+c)*a3/6+(5-18*t+t*t+72*c-58*ep2)*a5/120) + falseEasting
	y = utmScale * (m + n*tanPhi*(a2/2+(5-t+9*c+4*c*c)*a4/24+(61-58*t+t*t+600*c-330*ep2)*a6/720))
	if u.South {
		y += falseNorthing
	}
	return x, y
}

// ForwardBBox projects the box edges densely and returns the enclosing
// easting/northing extent.
func (u UTM) ForwardBBox(b BBox) (minX, minY, maxX, maxY float64) {
	const steps = 8
	minX, minY = math.Inf(1), math.Inf(1)
	maxX, maxY = math.Inf(-1), math.Inf(-1)
	for i := 0; i <= steps; i++ {
		f := float64(i) / steps
		lon := b.MinLon + f*(b.MaxLon-b.MinLon)
		lat := b.MinLat + f*(b.MaxLat-b.MinLat)
		for _, p := range [][2]float64{
			{lon, b.MinLat}, {lon, b.MaxLat},
			{b.MinLon, lat}, {b.MaxLon, lat},
		} {
			x, y := u.Forward(p[0], p[1])
			minX = math.Min(minX, x)
			minY = math.Min(minY, y)
			maxX = math.Max(maxX, x)
			maxY = math.Max(maxY, y)
		}
	}
	return minX, minY, maxX, maxY
}
