package templates

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

// blockedFuncs are Sprig helpers that would leak process state into an
// offline document.
var blockedFuncs = []string{
	"env",
	"expandenv",
	"readDir",
	"mustReadDir",
	"readFile",
	"mustReadFile",
	"glob",
}

// Renderer compiles offline documents with the Sprig function set plus
// statusText. File templates resolve through the sandbox.
type Renderer struct {
	sandbox *Sandbox
	funcs   template.FuncMap
}

// Template is a compiled offline document. Safe for concurrent use.
type Template struct {
	name string
	tmpl *template.Template
}

// NewRenderer binds a renderer to sandbox. A nil sandbox leaves only inline
// templates available.
func NewRenderer(sandbox *Sandbox) *Renderer {
	funcs := sprig.TxtFuncMap()
	for _, name := range blockedFuncs {
		delete(funcs, name)
	}
	funcs["env"] = func(string) string { return "" }
	funcs["expandenv"] = func(input string) string {
		return os.Expand(input, func(string) string { return "" })
	}
	funcs["statusText"] = http.StatusText
	return &Renderer{sandbox: sandbox, funcs: funcs}
}

// Load compiles the offline document from file when one is configured and
// from the inline source otherwise. A file template is confined to its own
// directory. Both empty yields a nil template.
func Load(source, file string) (*Template, error) {
	if strings.TrimSpace(file) == "" {
		return NewRenderer(nil).CompileInline("offline", source)
	}
	abs, err := filepath.Abs(file)
	if err != nil {
		return nil, fmt.Errorf("templates: resolve %q: %w", file, err)
	}
	sandbox, err := NewSandbox(filepath.Dir(abs))
	if err != nil {
		return nil, err
	}
	return NewRenderer(sandbox).CompileFile(filepath.Base(abs))
}

// CompileInline parses source. Blank sources return a nil template.
func (r *Renderer) CompileInline(name, source string) (*Template, error) {
	if strings.TrimSpace(source) == "" {
		return nil, nil
	}
	if name == "" {
		name = "inline"
	}
	tmpl, err := template.New(name).Funcs(r.funcs).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("templates: compile %q: %w", name, err)
	}
	return &Template{name: name, tmpl: tmpl}, nil
}

// CompileFile reads path through the sandbox and compiles it.
func (r *Renderer) CompileFile(path string) (*Template, error) {
	if r == nil || r.sandbox == nil {
		return nil, errors.New("templates: file templates require a sandbox")
	}
	resolved, err := r.sandbox.Resolve(path)
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("templates: read %q: %w", path, err)
	}
	return r.CompileInline(filepath.Base(resolved), string(contents))
}

// Render executes the template into a response body.
func (t *Template) Render(data any) ([]byte, error) {
	if t == nil {
		return nil, errors.New("templates: nil template")
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("templates: execute %q: %w", t.name, err)
	}
	return buf.Bytes(), nil
}

func (t *Template) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}
