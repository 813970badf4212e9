// Package web holds the browser editor served by streamcoder serve.
package web

import "embed"

//go:embed dist
var Assets embed.FS
