package auth

import "github.com/labstack/echo/v4"

// publicPaths never require a bearer token.
var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
	"/metrics":   true,
}

// Skipper reports whether the matched route is public.
func Skipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}
