package validate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/davidahmann/handoff/schemas"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	JobSchemaRel           = "job/job.schema.json"
	ApprovalTokenSchemaRel = "approval/approval_token.schema.json"
)

// SchemaRootEnv overrides the embedded schemas with a directory on disk.
const SchemaRootEnv = "HANDOFF_SCHEMA_ROOT"

var (
	compiledMu sync.Mutex
	compiled   = map[string]*jsonschema.Schema{}
)

func SchemaList() []string {
	return []string{
		JobSchemaRel,
		ApprovalTokenSchemaRel,
	}
}

// Compile returns the compiled schema for rel. Compiled schemas are cached
// per process unless a schema root override is active.
func Compile(rel string) (*jsonschema.Schema, error) {
	normalizedRel, err := normalizeSchemaRel(rel)
	if err != nil {
		return nil, err
	}

	override := strings.TrimSpace(os.Getenv(SchemaRootEnv)) != ""
	if !override {
		compiledMu.Lock()
		defer compiledMu.Unlock()
		if schema, ok := compiled[normalizedRel]; ok {
			return schema, nil
		}
	}

	payload, err := readSchemaBytes(normalizedRel)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL(normalizedRel), bytes.NewReader(payload)); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", normalizedRel, err)
	}
	schema, err := compiler.Compile(schemaURL(normalizedRel))
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", rel, err)
	}

	if !override {
		compiled[normalizedRel] = schema
	}
	return schema, nil
}

func ValidateBytes(rel string, data []byte) error {
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return fmt.Errorf("decode json for %s: %w", rel, err)
	}
	return ValidateValue(rel, value)
}

func ValidateValue(rel string, value any) error {
	schema, err := Compile(rel)
	if err != nil {
		return err
	}

	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("validate %s: %w", rel, err)
	}

	return nil
}

func schemaURL(rel string) string {
	return (&url.URL{
		Scheme: "https",
		Host:   "handoff.dev",
		Path:   "/schemas/v1/" + rel,
	}).String()
}

func normalizeSchemaRel(rel string) (string, error) {
	clean := filepath.ToSlash(filepath.Clean(rel))
	switch {
	case clean == ".":
		return "", fmt.Errorf("invalid schema path: %q", rel)
	case strings.HasPrefix(clean, "/"):
		return "", fmt.Errorf("invalid schema path: %q", rel)
	case clean == "..":
		return "", fmt.Errorf("invalid schema path: %q", rel)
	case strings.HasPrefix(clean, "../"):
		return "", fmt.Errorf("invalid schema path: %q", rel)
	case strings.Contains(clean, "/../"):
		return "", fmt.Errorf("invalid schema path: %q", rel)
	}
	return clean, nil
}

func readSchemaBytes(rel string) ([]byte, error) {
	explicitRoot := strings.TrimSpace(os.Getenv(SchemaRootEnv))
	if explicitRoot != "" {
		root, err := os.OpenRoot(explicitRoot)
		if err != nil {
			return nil, fmt.Errorf("open schema root: %w", err)
		}
		defer func() { _ = root.Close() }()

		f, err := root.Open(filepath.FromSlash(rel))
		if err != nil {
			p := filepath.Join(explicitRoot, filepath.FromSlash(rel))
			return nil, fmt.Errorf("schema not found: %s: %w", p, err)
		}
		defer func() { _ = f.Close() }()

		payload, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", rel, err)
		}
		return payload, nil
	}

	embeddedPath := path.Join("v1", rel)
	payload, err := schemas.V1FS.ReadFile(embeddedPath)
	if err != nil {
		return nil, fmt.Errorf("schema not found: %s: %w", embeddedPath, err)
	}
	return payload, nil
}
