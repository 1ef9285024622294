package handlers

import (
	"bytes"
	"html/template"
	"net/http"

	"amedas-climate/pkg/logging"
)

const (
	swaggerVersion = "5.10.0"
	specPath       = "/api/docs/openapi.json"
)

// The document URL is spliced in literally; html/template escapes slashes in script strings.
var swaggerPage = template.Must(template.New("swagger").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>{{.Title}}</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@{{.Version}}/swagger-ui.css">
    <style>body { margin: 0; }</style>
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@{{.Version}}/swagger-ui-bundle.js"></script>
    <script>
        window.onload = () => {
            window.ui = SwaggerUIBundle({
                url: "` + specPath + `",
                dom_id: "#swagger-ui",
                deepLinking: true,
            });
        };
    </script>
</body>
</html>`))

// SwaggerUI serves the interactive documentation page for OpenAPISpec
func (h *ClimateHandler) SwaggerUI(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	err := swaggerPage.Execute(&buf, struct {
		Title   string
		Version string
	}{"AMeDAS Climate API", swaggerVersion})
	if err != nil {
		h.logger.Error(r.Context(), "[API_DOCS_ERROR] Failed to render documentation page", logging.Fields{}, err)
		http.Error(w, "failed to render documentation", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}
