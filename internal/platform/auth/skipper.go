package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths bypass authentication: health checks, the metrics scrape and the
// service description.
var publicPaths = map[string]bool{
	"/health":      true,
	"/health/db":   true,
	"/health/live": true,
	"/metrics":     true,
	"/version":     true,
}

// AuthSkipper returns true for requests whose route should skip authentication.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

func IsPublicPath(path string) bool {
	return publicPaths[path]
}
