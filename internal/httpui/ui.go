// Package httpui embeds the confirmation UI served at the root of the local server.
package httpui

import (
	"embed"
	"io/fs"
	"mime"
	"net/http"
	"path"
	"strings"
)

//go:embed dist/**
var embedded embed.FS

const indexFile = "index.html"

const contentSecurityPolicy = "default-src 'self'; style-src 'self'; script-src 'self'; connect-src 'self'"

// Handler serves the embedded dist folder. Paths under any of reserved belong to the
// server and answer 404 here. Unknown extension-less paths get index.html so the UI can
// route them; a missing asset is a plain 404.
func Handler(reserved ...string) (http.Handler, error) {
	return handler(embedded, reserved)
}

func handler(root fs.FS, reserved []string) (http.Handler, error) {
	sub, err := fs.Sub(root, "dist")
	if err != nil {
		return nil, err
	}
	if _, err := fs.Stat(sub, indexFile); err != nil {
		return nil, err
	}

	// some systems miss these
	_ = mime.AddExtensionType(".js", "application/javascript; charset=utf-8")
	_ = mime.AddExtensionType(".css", "text/css; charset=utf-8")

	files := http.FileServer(http.FS(sub))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		p := path.Clean("/" + r.URL.Path)
		if isReserved(p, reserved) {
			http.NotFound(w, r)
			return
		}

		name := strings.TrimPrefix(p, "/")
		if name == "" {
			name = indexFile
		}
		if !exists(sub, name) {
			if path.Ext(name) != "" {
				http.NotFound(w, r)
				return
			}
			name = indexFile
		}

		setHeaders(w, name)
		// FileServer redirects /index.html to /, so the index is written directly.
		if name == indexFile {
			http.ServeFileFS(w, r, sub, indexFile)
			return
		}
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/" + name
		files.ServeHTTP(w, r2)
	}), nil
}

func isReserved(p string, reserved []string) bool {
	for _, prefix := range reserved {
		if p == prefix || strings.HasPrefix(p, prefix+"/") {
			return true
		}
	}
	return false
}

func exists(fsys fs.FS, name string) bool {
	info, err := fs.Stat(fsys, name)
	return err == nil && !info.IsDir()
}

func setHeaders(w http.ResponseWriter, name string) {
	// Assets are not fingerprinted, so everything but images revalidates.
	switch strings.ToLower(path.Ext(name)) {
	case ".png", ".svg", ".ico":
		w.Header().Set("Cache-Control", "public, max-age=3600")
	default:
		w.Header().Set("Cache-Control", "no-cache")
	}
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", contentSecurityPolicy)
}
