package render

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/swiftai/cv-pipeline/internal/common"
)

//go:embed templates/*.html templates/*.schema.json
var builtinTemplates embed.FS

// Template is a named layout plus an optional JSON schema its data must
// satisfy. Checksum covers the template source so a template edit
// invalidates cached renders keyed on it.
type Template struct {
	ID       string
	Checksum string
	tmpl     *template.Template
	schema   *jsonschema.Schema
}

// Registry resolves template ids. Built-in templates are embedded; a
// template directory overlays or adds to them.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*Template
	logger    *slog.Logger
}

func NewRegistry(templateDir string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{templates: map[string]*Template{}, logger: logger}

	entries, err := builtinTemplates.ReadDir("templates")
	if err != nil {
		return nil, fmt.Errorf("reading embedded templates: %w", err)
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".html") {
			continue
		}
		src, err := builtinTemplates.ReadFile("templates/" + e.Name())
		if err != nil {
			return nil, err
		}
		var schemaSrc []byte
		schemaName := "templates/" + strings.TrimSuffix(e.Name(), ".html") + ".schema.json"
		if b, err := builtinTemplates.ReadFile(schemaName); err == nil {
			schemaSrc = b
		}
		if err := r.register(strings.TrimSuffix(e.Name(), ".html"), src, schemaSrc); err != nil {
			return nil, err
		}
	}

	if templateDir != "" {
		if err := r.loadDir(templateDir); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Warn("template dir missing, using built-ins only", "dir", dir)
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".html") {
			continue
		}
		src, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return err
		}
		id := strings.TrimSuffix(e.Name(), ".html")
		var schemaSrc []byte
		if b, err := os.ReadFile(filepath.Join(dir, id+".schema.json")); err == nil {
			schemaSrc = b
		}
		if err := r.register(id, src, schemaSrc); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) register(id string, src, schemaSrc []byte) error {
	tmpl, err := template.New(id).Parse(string(src))
	if err != nil {
		return common.NewAppError("RENDER_ERROR", fmt.Sprintf("template %q does not parse", id), common.ErrRenderError)
	}

	sum := sha256.Sum256(src)
	t := &Template{
		ID:       id,
		Checksum: hex.EncodeToString(sum[:]),
		tmpl:     tmpl,
	}

	if len(schemaSrc) > 0 {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(id+".schema.json", strings.NewReader(string(schemaSrc))); err != nil {
			return common.NewAppError("RENDER_ERROR", fmt.Sprintf("template %q schema is invalid", id), common.ErrRenderError)
		}
		schema, err := compiler.Compile(id + ".schema.json")
		if err != nil {
			return common.NewAppError("RENDER_ERROR", fmt.Sprintf("template %q schema does not compile", id), common.ErrRenderError)
		}
		t.schema = schema
	}

	r.mu.Lock()
	r.templates[id] = t
	r.mu.Unlock()
	r.logger.Debug("template registered", "template_id", id, "checksum", t.Checksum[:8], "has_schema", t.schema != nil)
	return nil
}

// Resolve returns the template or ErrTemplateNotFound.
func (r *Registry) Resolve(id string) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[id]
	if !ok {
		return nil, common.NewAppError("TEMPLATE_NOT_FOUND", fmt.Sprintf("no template registered under %q", id), common.ErrTemplateNotFound)
	}
	return t, nil
}

// validate checks data against the template's schema, if it has one.
func (t *Template) validate(data any) error {
	if t.schema == nil {
		return nil
	}
	// round-trip so struct data is validated in its JSON shape
	raw, err := json.Marshal(data)
	if err != nil {
		return common.NewAppError("RENDER_ERROR", "render data is not JSON-encodable", common.ErrRenderError)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return common.NewAppError("RENDER_ERROR", "render data is not JSON-decodable", common.ErrRenderError)
	}
	if err := t.schema.Validate(v); err != nil {
		return common.NewAppError("RENDER_ERROR", fmt.Sprintf("render data rejected by template schema: %v", err), common.ErrRenderError)
	}
	return nil
}
