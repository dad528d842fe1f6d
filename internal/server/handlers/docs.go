package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"html"
	"net/http"
)

// DocsHandler serves the embedded OpenAPI document and a Swagger UI page.
type DocsHandler struct {
	doc  []byte
	etag string
	page string
}

func NewDocsHandler(doc []byte, version string) *DocsHandler {
	sum := sha256.Sum256(doc)
	return &DocsHandler{
		doc:  doc,
		etag: `"` + hex.EncodeToString(sum[:8]) + `"`,
		page: fmt.Sprintf(swaggerPage, html.EscapeString(version)),
	}
}

// OpenAPISpec serves GET /api/docs/openapi.yaml.
func (h *DocsHandler) OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("If-None-Match") == h.etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("ETag", h.etag)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.doc)
}

// SwaggerUI serves GET /api/docs.
func (h *DocsHandler) SwaggerUI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(h.page))
}

const swaggerPage = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>RegForge API %s</title>
  <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://cdn.jsdelivr.net/npm/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    SwaggerUIBundle({ url: "/api/docs/openapi.yaml", dom_id: "#swagger-ui", deepLinking: true });
  </script>
</body>
</html>`
