package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/conveyor/pkg/schema"
)

// documentValidator checks the structure of a decoded definition document
// before it is bound to schema types.
type documentValidator interface {
	ValidateDocument(doc any) error
}

// pipelineApplier stores a definition as a new version when it changed.
type pipelineApplier interface {
	ApplyPipeline(ctx context.Context, def *schema.PipelineDefinition) (*schema.PipelineDefinition, bool, error)
}

func isDefinitionFile(name string) bool {
	if strings.HasPrefix(filepath.Base(name), ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// decodeDefinition parses a YAML or JSON definition. The raw document is
// validated first so unknown fields and wrong types are reported against the
// file rather than lost in decoding.
func decodeDefinition(data []byte, ext string, v documentValidator) (*schema.PipelineDefinition, error) {
	var doc any
	switch strings.ToLower(ext) {
	case ".json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "invalid JSON").WithCause(err)
		}
	default:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "invalid YAML").WithCause(err)
		}
	}
	if doc == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty definition")
	}
	if v != nil {
		if err := v.ValidateDocument(doc); err != nil {
			return nil, err
		}
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition is not representable as JSON").WithCause(err)
	}
	var def schema.PipelineDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode definition").WithCause(err)
	}
	return &def, nil
}

func loadDefinitionFile(path string, v documentValidator) (*schema.PipelineDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decodeDefinition(data, filepath.Ext(path), v)
}

// applyFile loads path and applies it. changed reports whether a new
// version was stored.
func applyFile(ctx context.Context, path string, v documentValidator, svc pipelineApplier) (*schema.PipelineDefinition, bool, error) {
	def, err := loadDefinitionFile(path, v)
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", path, err)
	}
	out, changed, err := svc.ApplyPipeline(ctx, def)
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", path, err)
	}
	return out, changed, nil
}

// definitionFiles lists the definition files directly under dir, sorted.
func definitionFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !isDefinitionFile(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// applyDir applies every definition file in dir. A bad file does not stop
// the others; all failures are returned joined.
func applyDir(ctx context.Context, dir string, v documentValidator, svc pipelineApplier, logger *slog.Logger) (int, error) {
	files, err := definitionFiles(dir)
	if err != nil {
		return 0, fmt.Errorf("read definitions dir: %w", err)
	}
	var (
		applied int
		errs    []error
	)
	for _, f := range files {
		def, changed, err := applyFile(ctx, f, v, svc)
		if err != nil {
			logger.Warn("definition rejected", slog.String("file", f), slog.String("error", err.Error()))
			errs = append(errs, err)
			continue
		}
		if changed {
			applied++
			logger.Info("definition applied",
				slog.String("file", f),
				slog.String("pipeline_id", def.ID),
				slog.Int("version", def.Version),
			)
		}
	}
	return applied, errors.Join(errs...)
}
