package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
)

//go:embed templates/story.html
var templateFS embed.FS

var storyTemplate = template.Must(template.New("story.html").Funcs(template.FuncMap{
	"join": strings.Join,
	"lines": func(s string) []string {
		return strings.Split(s, "\n")
	},
}).ParseFS(templateFS, "templates/story.html"))

// RenderStoryHTML renders the printable story page.
func RenderStoryHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := storyTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
