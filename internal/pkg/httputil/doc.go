// Package httputil holds the JSON and problem+json response helpers the
// API handlers share. Errors are written as RFC 7807 problem documents.
package httputil
