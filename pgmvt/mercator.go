package pgmvt

import "math"

const earthRadius = 6378137.0

// LonLatToMercator EPSG:4326 -> EPSG:3857
func LonLatToMercator(lon float64, lat float64) (float64, float64) {
	x := earthRadius * (math.Pi / 180) * lon
	y := earthRadius * math.Log(math.Tan((math.Pi/4)+((math.Pi/180)*lat/2)))
	return x, y
}

// MercatorToLonLat EPSG:3857 -> EPSG:4326
func MercatorToLonLat(x float64, y float64) (float64, float64) {
	lon := x / earthRadius * 180.0 / math.Pi
	lat := math.Atan(math.Exp(y/earthRadius))*360.0/math.Pi - 90.0
	return lon, lat
}

// MercatorResolution 指定层级下 256 像素瓦片的地面分辨率（米/像素）
func MercatorResolution(z int) float64 {
	return 2 * math.Pi * earthRadius / 256 / math.Pow(2, float64(z))
}

// ZoomForResolution 返回分辨率不低于 res 的最小层级
func ZoomForResolution(res float64) int {
	if res <= 0 {
		return 0
	}
	for z := 0; z < 24; z++ {
		if MercatorResolution(z) <= res {
			return z
		}
	}
	return 24
}
