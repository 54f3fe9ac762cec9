package templates

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func render(t *testing.T, tmpl *Template, data any) string {
	t.Helper()
	out, err := tmpl.Render(data)
	require.NoError(t, err)
	return string(out)
}

func TestRendererHidesEnvironment(t *testing.T) {
	t.Setenv("CACHECTRL_SECRET", "value")
	renderer := NewRenderer(nil)

	tests := []struct {
		name     string
		template string
	}{
		{name: "env", template: `{{ env "CACHECTRL_SECRET" }}`},
		{name: "expandenv", template: `{{ expandenv "$CACHECTRL_SECRET" }}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tmpl, err := renderer.CompileInline("offline", tc.template)
			require.NoError(t, err)
			require.Empty(t, render(t, tmpl, nil))
		})
	}
}

func TestRendererRejectsFileHelpers(t *testing.T) {
	renderer := NewRenderer(nil)
	for _, name := range []string{"readFile", "mustReadFile", "readDir", "mustReadDir", "glob"} {
		t.Run(name, func(t *testing.T) {
			_, ok := renderer.funcs[name]
			require.False(t, ok)
			_, err := renderer.CompileInline("offline", "{{ "+name+` "/etc/passwd" }}`)
			require.Error(t, err)
		})
	}
}

func TestRendererOfflineDocument(t *testing.T) {
	renderer := NewRenderer(nil)
	tmpl, err := renderer.CompileInline("offline",
		`{{ .Status }} {{ statusText .Status }}: {{ .URL | trimPrefix "https://" }} ({{ .Reason | default "offline" | upper }})`)
	require.NoError(t, err)
	require.Equal(t, "offline", tmpl.Name())

	got := render(t, tmpl, map[string]any{"Status": 503, "URL": "https://app.test/index.html"})
	require.Equal(t, "503 Service Unavailable: app.test/index.html (OFFLINE)", got)
}

func TestRendererCompileInlineBlankAndInvalid(t *testing.T) {
	renderer := NewRenderer(nil)

	tmpl, err := renderer.CompileInline("blank", "  \n ")
	require.NoError(t, err)
	require.Nil(t, tmpl)

	_, err = renderer.CompileInline("broken", "{{ .URL ")
	require.Error(t, err)

	_, err = renderer.CompileFile("offline.html")
	require.Error(t, err, "file templates need a sandbox")

	var missing *Template
	_, err = missing.Render(nil)
	require.Error(t, err)
	require.Empty(t, missing.Name())
}

func TestRendererCompileFileStaysInSandbox(t *testing.T) {
	dir := t.TempDir()
	pages := filepath.Join(dir, "pages")
	require.NoError(t, os.MkdirAll(pages, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(pages, "offline.html"), []byte("<p>{{ .Method }} {{ .URL }}</p>"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "secret.html"), []byte("secret"), 0o600))

	sandbox, err := NewSandbox(pages)
	require.NoError(t, err)
	renderer := NewRenderer(sandbox)

	tmpl, err := renderer.CompileFile("offline.html")
	require.NoError(t, err)
	require.Equal(t, "<p>GET /app/</p>", render(t, tmpl, map[string]any{"Method": "GET", "URL": "/app/"}))

	_, err = renderer.CompileFile("../secret.html")
	require.ErrorContains(t, err, "escapes")
}

func TestLoad(t *testing.T) {
	t.Run("inline", func(t *testing.T) {
		tmpl, err := Load("offline {{ .URL }}", "")
		require.NoError(t, err)
		require.Equal(t, "offline /x", render(t, tmpl, map[string]any{"URL": "/x"}))
	})

	t.Run("empty", func(t *testing.T) {
		tmpl, err := Load("", "")
		require.NoError(t, err)
		require.Nil(t, tmpl)
	})

	t.Run("file wins over inline", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "offline.html")
		require.NoError(t, os.WriteFile(path, []byte("<h1>{{ statusText 503 }}</h1>"), 0o600))
		tmpl, err := Load("ignored", path)
		require.NoError(t, err)
		require.Equal(t, "offline.html", tmpl.Name())
		require.Equal(t, "<h1>Service Unavailable</h1>", render(t, tmpl, nil))
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load("", filepath.Join(t.TempDir(), "missing.html"))
		require.ErrorIs(t, err, os.ErrNotExist)
	})
}
