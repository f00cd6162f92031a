package detrack

import (
	"html/template"
	"io"
	"os"
	"strings"
)

// BlockPage renders the body of 403 block responses.
type BlockPage struct {
	template *template.Template
}

// BlockPageData contains the data passed to the block page template.
type BlockPageData struct {
	Host      string
	Path      string
	Reason    string
	Timestamp string
}

// DefaultBlockPageHTML is the default block page template.
const DefaultBlockPageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>Request Blocked - DeTrack</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: #1a1a2e;
            color: #e0e0e0;
            display: flex;
            align-items: center;
            justify-content: center;
            min-height: 100vh;
            margin: 0;
        }
        .card {
            background: rgba(255, 255, 255, 0.05);
            border: 1px solid rgba(255, 255, 255, 0.1);
            border-radius: 12px;
            padding: 32px 40px;
            max-width: 540px;
        }
        h1 { color: #e74c3c; font-size: 22px; margin-top: 0; }
        dt { color: #888; font-size: 13px; }
        dd { color: #fff; margin: 0 0 12px 0; word-break: break-all; }
        .footer { color: #666; font-size: 12px; margin-top: 20px; }
    </style>
</head>
<body>
    <div class="card">
        <h1>Request Blocked</h1>
        <p>This request was blocked because the destination is a known tracker.</p>
        <dl>
            <dt>Host</dt><dd>{{.Host}}</dd>
            {{if .Path}}<dt>Path</dt><dd>{{.Path}}</dd>{{end}}
            <dt>Reason</dt><dd>{{.Reason}}</dd>
        </dl>
        <div class="footer">DeTrack Proxy &middot; {{.Timestamp}}</div>
    </div>
</body>
</html>
`

// NewBlockPage creates a BlockPage with the default template.
func NewBlockPage() *BlockPage {
	t := template.Must(template.New("blockpage").Parse(DefaultBlockPageHTML))
	return &BlockPage{template: t}
}

// NewBlockPageFromFile loads a custom block page template from a file.
func NewBlockPageFromFile(path string) (*BlockPage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return NewBlockPageFromString(string(data))
}

// NewBlockPageFromString parses a custom block page template.
func NewBlockPageFromString(tmpl string) (*BlockPage, error) {
	t, err := template.New("blockpage").Parse(tmpl)
	if err != nil {
		return nil, err
	}
	return &BlockPage{template: t}, nil
}

// Render writes the rendered block page to w.
func (bp *BlockPage) Render(w io.Writer, data BlockPageData) error {
	return bp.template.Execute(w, data)
}

// RenderString returns the rendered block page as a string.
func (bp *BlockPage) RenderString(data BlockPageData) (string, error) {
	var sb strings.Builder
	if err := bp.template.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}
