package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	herrors "github.com/davidahmann/handoff/core/errors"
	"gopkg.in/yaml.v3"
)

// Rules is the external autonomy rules file, JSON or YAML.
type Rules struct {
	NeverTouch []string `yaml:"never_touch" json:"never_touch"`
	Notes      string   `yaml:"notes,omitempty" json:"notes,omitempty"`
}

// LoadRules reads path. A missing file yields empty rules.
func LoadRules(path string) (Rules, error) {
	if path == "" {
		return Rules{}, nil
	}
	// #nosec G304 -- rules path comes from operator configuration.
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Rules{}, nil
		}
		return Rules{}, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRules(raw)
}

func ParseRules(raw []byte) (Rules, error) {
	var rules Rules
	trimmed := bytes.TrimSpace(bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf")))
	if bytes.HasPrefix(trimmed, []byte("{")) {
		if err := json.Unmarshal(trimmed, &rules); err != nil {
			return Rules{}, herrors.New(herrors.EInvalidInput, "decode rules file", map[string]any{"error": err.Error()})
		}
		return rules, nil
	}
	if err := yaml.Unmarshal(trimmed, &rules); err != nil {
		return Rules{}, herrors.New(herrors.EInvalidInput, "decode rules file", map[string]any{"error": err.Error()})
	}
	return rules, nil
}
