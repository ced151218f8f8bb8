// Package ui embeds the browser client: a chat page for editors and a
// review page for admins.
package ui

import (
	"embed"
	"io/fs"
	"net/http"
	"path"
	"strings"
)

//go:embed all:dist
var distFS embed.FS

// pages maps client routes to the document serving them.
var pages = map[string]string{
	"/":      "index.html",
	"/admin": "admin.html",
}

// DistFS returns the embedded dist/ filesystem with the "dist" prefix stripped.
func DistFS() (fs.FS, error) {
	return fs.Sub(distFS, "dist")
}

// Handler serves the embedded client. Known routes map to their page,
// existing files are served directly, and other extension-less paths fall
// back to the chat page.
func Handler() (http.Handler, error) {
	sub, err := DistFS()
	if err != nil {
		return nil, err
	}
	fileServer := http.FileServerFS(sub)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := path.Clean(r.URL.Path)
		if page, ok := pages[p]; ok {
			http.ServeFileFS(w, r, sub, page)
			return
		}
		if _, err := fs.Stat(sub, strings.TrimPrefix(p, "/")); err == nil {
			fileServer.ServeHTTP(w, r)
			return
		}
		if strings.Contains(path.Base(p), ".") {
			http.NotFound(w, r)
			return
		}
		http.ServeFileFS(w, r, sub, pages["/"])
	}), nil
}
