// Package static serves the embedded static assets (a status page) this
// proxy ships via embed.FS.
package static

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed assets
var embedded embed.FS

// Handler returns an http.Handler rooted at the embedded assets directory.
func Handler() http.Handler {
	sub, err := fs.Sub(embedded, "assets")
	if err != nil {
		return http.NotFoundHandler()
	}
	return http.FileServer(http.FS(sub))
}
