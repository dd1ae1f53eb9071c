// Package proxy forwards FHIR resource traffic that the gateway does not
// handle itself to the generic resource-storage server. The gateway only owns
// the DocumentReference ingestion path; everything else is the upstream
// server's business, subject to the caller's authorization rule set.
package proxy

import (
	"net/url"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// Middleware returns an echo proxy middleware targeting the upstream FHIR
// server.
func Middleware(upstream *url.URL) echo.MiddlewareFunc {
	balancer := echomw.NewRoundRobinBalancer([]*echomw.ProxyTarget{
		{URL: upstream},
	})
	return echomw.Proxy(balancer)
}
