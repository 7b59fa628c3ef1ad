package llm

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/user/secpipe/pkg/engine"
)

//go:embed prompts/system_prompt.md
var systemPrompt string

//go:embed prompts/*.tmpl
var promptFS embed.FS

var prompts = template.Must(template.ParseFS(promptFS, "prompts/*.tmpl"))

// ErrNoJSON is returned when a response contains no JSON object.
var ErrNoJSON = errors.New("no JSON object in model response")

// SystemPrompt returns the instructions sent ahead of every prompt.
func SystemPrompt() string {
	return systemPrompt
}

// ClassifyPrompt feeds prompts/classify.tmpl.
type ClassifyPrompt struct {
	Category string
	Finding  *engine.Finding
	Guidance string
	Context  string
}

// ExplainPrompt feeds prompts/explain.tmpl.
type ExplainPrompt struct {
	Finding        *engine.Finding
	Classification string
	Context        string
}

// ExploitabilityPrompt feeds prompts/exploitability.tmpl.
type ExploitabilityPrompt struct {
	Finding *engine.Finding
}

func RenderClassify(p ClassifyPrompt) (string, error) { return render("classify.tmpl", p) }

func RenderExplain(p ExplainPrompt) (string, error) { return render("explain.tmpl", p) }

func RenderExploitability(p ExploitabilityPrompt) (string, error) {
	return render("exploitability.tmpl", p)
}

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := prompts.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

// ExtractJSON returns the first JSON object in text, tolerating markdown
// fences and prose around it.
func ExtractJSON(text string) ([]byte, error) {
	for start := strings.IndexByte(text, '{'); start >= 0; {
		dec := json.NewDecoder(strings.NewReader(text[start:]))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err == nil {
			return raw, nil
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return nil, ErrNoJSON
}

// DecodeJSON extracts the first JSON object in text into out.
func DecodeJSON(text string, out any) error {
	raw, err := ExtractJSON(text)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
