// Package web serves the operator dashboard. By default it serves a small
// built-in page that watches the realtime event stream; point Dir at a
// directory to serve a custom frontend instead.
package web

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed dashboard
var dashboardFS embed.FS

type Server struct {
	// Dir overrides the embedded dashboard with files from disk.
	Dir string
}

func (s *Server) Handler() http.Handler {
	var files http.Handler
	if s.Dir != "" {
		files = http.FileServer(http.Dir(s.Dir))
	} else {
		sub, err := fs.Sub(dashboardFS, "dashboard")
		if err != nil {
			sub = dashboardFS
		}
		files = http.FileServer(http.FS(sub))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		files.ServeHTTP(w, r)
	})
}
