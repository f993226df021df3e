package export

import (
	"bytes"
	"html/template"
	"strings"
	"time"
)

// TemplateData is everything the document template needs for one export.
type TemplateData struct {
	Title       string
	Description string
	Version     int
	Status      string
	Author      string
	UpdatedAt   time.Time
	Steps       []TemplateStep
}

// TemplateStep is one step with its content already rendered to HTML.
type TemplateStep struct {
	Title       string
	ContentHTML template.HTML
}

// SafeHTML passes an already-rendered HTML string through unescaped.
func SafeHTML(s any) template.HTML {
	switch v := s.(type) {
	case string:
		return template.HTML(v)
	case template.HTML:
		return v
	default:
		return ""
	}
}

var sopTemplate = template.Must(template.New("sop").Funcs(template.FuncMap{
	"lower":      strings.ToLower,
	"formatDate": func(t time.Time, layout string) string { return t.Format(layout) },
	"safeHTML":   SafeHTML,
	"inc":        func(i int) int { return i + 1 },
}).Parse(sopTemplateHTML))

// RenderSOPHTML produces the standalone HTML document fed to the PDF and
// DOCX converters.
func RenderSOPHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := sopTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const sopTemplateHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .step { margin: 1.5rem 0; }
    .step h2 { font-size: 1.1em; margin-bottom: 0.25rem; }
    .step .number { color: #666; margin-right: 0.5rem; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  {{if .Description}}<p>{{.Description}}</p>{{end}}
  <div class="meta">Version {{.Version}} | {{.Status}}{{if .Author}} | {{.Author}}{{end}} | {{.UpdatedAt.Format "Jan 2, 2006"}}</div>
  {{range $i, $step := .Steps}}
  <div class="step">
    <h2><span class="number">{{inc $i}}.</span>{{$step.Title}}</h2>
    <div>{{$step.ContentHTML | safeHTML}}</div>
  </div>
  {{end}}
</body>
</html>`
