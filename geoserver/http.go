package geoserver

const (
	// contentTypeHeader is the Content-Type HTTP header.
	contentTypeHeader = "Content-Type"

	// acceptHeader is the Accept HTTP header.
	acceptHeader = "Accept"

	applicationJSON = "application/json"
	applicationZip  = "application/zip"
	imageTIFF       = "image/tiff"
	applicationSLD  = "application/vnd.ogc.sld+xml"
)

// 重试的上游状态码，其余非 2xx 直接返回
var retryableStatus = map[int]bool{
	502: true,
	503: true,
	504: true,
}
