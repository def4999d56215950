// Package render binds structured data into a named template and turns
// the result into PDF bytes through an HTML-to-PDF engine. Output is
// deterministic for identical (template, data) pairs so results can be
// cached by checksum.
package render

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/swiftai/cv-pipeline/internal/common"
)

type Config struct {
	Weasyprint  string // binary name or absolute path; if empty -> "weasyprint"
	TemplateDir string
}

// Artifact is the rendered output plus its metadata.
type Artifact struct {
	TemplateID       string `json:"template_id"`
	TemplateChecksum string `json:"template_checksum"`
	PageCount        int    `json:"page_count"`
	ByteSize         int    `json:"byte_size"`
	Checksum         string `json:"checksum"`
	PDF              []byte `json:"-"`
}

// Runner mirrors the extractor's exec abstraction but carries the
// environment: the engine needs SOURCE_DATE_EPOCH pinned for
// byte-reproducible output.
type Runner interface {
	Run(ctx context.Context, env []string, name string, args ...string) (stderr []byte, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	var errb bytes.Buffer
	cmd.Stderr = &errb

	err := cmd.Run()
	dur := time.Since(start)
	if err != nil {
		slog.Error("exec failed", "cmd", name, "duration_ms", dur.Milliseconds(), "error", err, "stderr", errb.String())
		if ctx.Err() != nil {
			return errb.Bytes(), common.WrapError(common.ErrTimeout, err.Error())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if !exitErr.Exited() {
				return errb.Bytes(), common.WrapError(common.ErrEngineFailure, err.Error())
			}
			return errb.Bytes(), err
		}
		return errb.Bytes(), common.WrapError(common.ErrEngineFailure, err.Error())
	}
	slog.Debug("exec ok", "cmd", name, "duration_ms", dur.Milliseconds())
	return errb.Bytes(), nil
}

type Renderer struct {
	cfg      Config
	registry *Registry
	runner   Runner
	logger   *slog.Logger
	pdfConf  *model.Configuration
}

func NewRenderer(cfg Config, registry *Registry, logger *slog.Logger) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Weasyprint == "" {
		cfg.Weasyprint = "weasyprint"
	}
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &Renderer{cfg: cfg, registry: registry, runner: execRunner{}, logger: logger, pdfConf: conf}
}

// WithRunner swaps the exec runner; tests use this to stub the engine.
func (r *Renderer) WithRunner(runner Runner) *Renderer {
	r.runner = runner
	return r
}

// Render resolves templateID, validates and binds data, and produces PDF
// bytes. TemplateNotFound and RenderError are permanent; an engine crash
// or timeout is transient.
func (r *Renderer) Render(ctx context.Context, templateID string, data any) (Artifact, error) {
	tmpl, err := r.registry.Resolve(templateID)
	if err != nil {
		return Artifact{}, err
	}
	if err := tmpl.validate(data); err != nil {
		return Artifact{}, err
	}

	// Bind over the data's JSON shape so CanonicalDoc structs and
	// caller-supplied field maps address fields identically.
	generic, err := toGeneric(data)
	if err != nil {
		return Artifact{}, err
	}

	var html bytes.Buffer
	if err := tmpl.tmpl.Execute(&html, generic); err != nil {
		return Artifact{}, common.NewAppError("RENDER_ERROR",
			fmt.Sprintf("template %q execution: %v", templateID, err), common.ErrRenderError)
	}

	pdf, err := r.htmlToPDF(ctx, html.Bytes())
	if err != nil {
		return Artifact{}, err
	}

	pageCount, err := api.PageCount(bytes.NewReader(pdf), r.pdfConf)
	if err != nil {
		return Artifact{}, common.NewAppError("RENDER_ERROR",
			fmt.Sprintf("engine produced an unreadable pdf: %v", err), common.ErrRenderError)
	}

	sum := sha256.Sum256(pdf)
	art := Artifact{
		TemplateID:       templateID,
		TemplateChecksum: tmpl.Checksum,
		PageCount:        pageCount,
		ByteSize:         len(pdf),
		Checksum:         hex.EncodeToString(sum[:]),
		PDF:              pdf,
	}
	r.logger.Info("rendered artifact",
		"template_id", templateID,
		"pages", art.PageCount,
		"bytes", art.ByteSize,
		"checksum", art.Checksum[:12],
	)
	return art, nil
}

func (r *Renderer) htmlToPDF(ctx context.Context, html []byte) ([]byte, error) {
	dir, err := os.MkdirTemp("", "cvp-render-*")
	if err != nil {
		return nil, common.WrapError(common.ErrStorageUnavailable, err.Error())
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			r.logger.Warn("failed to remove temp dir", "dir", dir, "error", rmErr)
		}
	}()

	in := filepath.Join(dir, "in.html")
	out := filepath.Join(dir, "out.pdf")
	if err := os.WriteFile(in, html, 0o600); err != nil {
		return nil, common.WrapError(common.ErrStorageUnavailable, err.Error())
	}

	// SOURCE_DATE_EPOCH pins the embedded creation date; without it two
	// renders of identical input differ by timestamp.
	env := []string{"SOURCE_DATE_EPOCH=0"}
	stderr, err := r.runner.Run(ctx, env, r.cfg.Weasyprint, in, out)
	if err != nil {
		if common.IsTransient(err) {
			return nil, err
		}
		return nil, common.NewAppError("RENDER_ERROR",
			fmt.Sprintf("engine rejected input: %v (%s)", err, truncate(string(stderr), 512)), common.ErrRenderError)
	}

	pdf, err := os.ReadFile(out)
	if err != nil {
		return nil, common.NewAppError("RENDER_ERROR", "engine produced no output file", common.ErrRenderError)
	}
	return pdf, nil
}

func toGeneric(data any) (any, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, common.NewAppError("RENDER_ERROR", "render data is not JSON-encodable", common.ErrRenderError)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, common.NewAppError("RENDER_ERROR", "render data is not JSON-decodable", common.ErrRenderError)
	}
	return v, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
