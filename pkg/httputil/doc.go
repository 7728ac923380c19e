// Package httputil provides JSON response helpers, request parsing and small
// HTTP middlewares shared by the API handlers.
//
// Engine errors are written with WriteMappedError, passing the function that
// maps an error to its status code:
//
//	httputil.WriteMappedError(w, err, rbac.HTTPStatus)
package httputil
