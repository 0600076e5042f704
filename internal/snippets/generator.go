// Package snippets renders copy-paste integration code for an experiment.
package snippets

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/gkobilansky/abengine/internal/experiment"
)

type Framework string

const (
	FrameworkHTML Framework = "html"
	FrameworkJS   Framework = "js"
	FrameworkCurl Framework = "curl"
)

var Frameworks = []Framework{FrameworkHTML, FrameworkJS, FrameworkCurl}

func ParseFramework(s string) (Framework, error) {
	for _, fw := range Frameworks {
		if string(fw) == s {
			return fw, nil
		}
	}
	return "", fmt.Errorf("unknown framework %q (want one of %s)", s, joinFrameworks())
}

func joinFrameworks() string {
	names := make([]string, len(Frameworks))
	for i, fw := range Frameworks {
		names[i] = string(fw)
	}
	return strings.Join(names, ", ")
}

type Config struct {
	Experiment *experiment.Experiment
	ServerURL  string
}

type SnippetFile struct {
	Filename string
	Content  string
}

type templateData struct {
	ID        string
	ServerURL string
	Variants  []experiment.Variant
	Winner    *experiment.Variant
}

// Generate renders the snippets for fw. Completed experiments with a winner
// get static markup for the winning variant instead of live assignment.
func Generate(fw Framework, cfg Config) ([]SnippetFile, error) {
	exp := cfg.Experiment
	data := templateData{
		ID:        exp.ID,
		ServerURL: strings.TrimRight(cfg.ServerURL, "/"),
		Variants:  exp.Variants,
	}
	if exp.Status == experiment.StatusCompleted && exp.Winner != "" {
		if v, ok := exp.Variant(exp.Winner); ok {
			data.Winner = &v
		}
	}

	if data.Winner != nil {
		return render("winner.html", winnerTemplate, data)
	}

	switch fw {
	case FrameworkHTML:
		return render("index.html", htmlTemplate, data)
	case FrameworkJS:
		return render("abengine.js", jsTemplate, data)
	case FrameworkCurl:
		return render("abengine.sh", curlTemplate, data)
	default:
		return nil, fmt.Errorf("unknown framework %q", fw)
	}
}

func render(filename, content string, data templateData) ([]SnippetFile, error) {
	tmpl, err := template.New(filename).Parse(content)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, err
	}
	return []SnippetFile{{Filename: filename, Content: buf.String()}}, nil
}

const htmlTemplate = `<!-- Add once per page -->
<script src="{{.ServerURL}}/client.js" defer></script>

<!-- Experiment {{.ID}}: only the assigned variant stays -->
<div data-abe-experiment="{{html .ID}}" hidden>
{{- range .Variants}}
  <span data-abe-variant="{{html .ID}}">{{html .Name}}</span>
{{- end}}
</div>

<!-- Conversion -->
<button data-abe-convert="{{html .ID}}">Sign up</button>
`

const jsTemplate = `const ABENGINE = '{{js .ServerURL}}';

// Ask for the visitor's variant. Paused experiments and missing visitor ids
// get the control back with fallback=true: show it, but track no exposure.
export async function assign(visitorId) {
  const res = await fetch(ABENGINE + '/assign?experiment={{js .ID}}&visitor=' + encodeURIComponent(visitorId));
  const { variant, fallback } = await res.json();
  return { variant, fallback };
}

// type is 'exposure' or 'conversion'
export function track(variant, type, visitorId) {
  return fetch(ABENGINE + '/b', {
    method: 'POST',
    body: JSON.stringify({ x: '{{js .ID}}', v: variant, e: type, vid: visitorId }),
    keepalive: true,
  });
}
`

const curlTemplate = `#!/bin/sh
# Experiment {{.ID}}: variants{{range .Variants}} {{.ID}}{{end}}
VISITOR=${1:-visitor-1}

# Assign
curl -s "{{.ServerURL}}/assign?experiment={{.ID}}&visitor=$VISITOR"

# Exposure, then conversion, for the assigned variant
curl -s -X POST "{{.ServerURL}}/b" -d '{"x":"{{.ID}}","v":"VARIANT","e":"exposure","vid":"'"$VISITOR"'"}'
curl -s -X POST "{{.ServerURL}}/b" -d '{"x":"{{.ID}}","v":"VARIANT","e":"conversion","vid":"'"$VISITOR"'"}'
`

const winnerTemplate = `<!-- Experiment {{.ID}} is complete. Ship the winner: -->
<span>{{html .Winner.Name}}</span>
`
