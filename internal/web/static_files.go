package web

import (
	"embed"
	"net/http"
)

//go:embed static/index.html static/sw.js
var embeddedStaticFiles embed.FS

// handleIndex serves the subscription page. It only registers the service
// worker, subscribes to push and shows the live notification stream.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if err := serveEmbeddedFile(w, "static/index.html", "text/html; charset=utf-8", nil); err != nil {
		http.Error(w, "index unavailable", http.StatusInternalServerError)
	}
}

func (s *Server) handleServiceWorker(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := serveEmbeddedFile(
		w,
		"static/sw.js",
		"application/javascript; charset=utf-8",
		map[string]string{
			"Cache-Control":          "no-cache",
			"Service-Worker-Allowed": "/",
		},
	); err != nil {
		http.Error(w, "service worker unavailable", http.StatusInternalServerError)
	}
}

func serveEmbeddedFile(w http.ResponseWriter, name, contentType string, headers map[string]string) error {
	body, err := embeddedStaticFiles.ReadFile(name)
	if err != nil {
		return err
	}
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, err = w.Write(body)
	return err
}
