// Package middleware provides the request-scoped HTTP middleware of the
// repoperm server.
//
// RequestID assigns or propagates X-Request-ID and stores it in the context.
// Logging attaches a request logger and logs each completed request.
//
//	router.Use(middleware.RequestID)
//	router.Use(middleware.Logging(logger))
//
// Authentication and permission guards live in pkg/rbac.
package middleware
