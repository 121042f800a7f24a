package rules

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/rezonia/saftao/internal/model"
)

// Index location
const (
	EnvPath = "AGT_RULES_INDEX_PATH"
)

// DefaultPath is used when neither a flag nor the environment names an index
var DefaultPath = filepath.Join("rules_updates", "agt", "index.json")

var requiredKeys = []string{"generated_at", "schema_version", "documents", "rules"}

var validate = validator.New()

// ResolvePath picks the index location: explicit value, then environment, then default
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv(EnvPath); env != "" {
		return env
	}
	return DefaultPath
}

// Load reads and parses a rule index without caching
func Load(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, model.NewRuleIndexError(model.RuleIndexMissing, path, "not found", err)
		}
		return nil, model.NewRuleIndexError(model.RuleIndexMissing, path, "cannot be read", err)
	}
	return Parse(data, path)
}

// Parse decodes an index. YAML is used for .yaml/.yml paths, JSON otherwise.
func Parse(data []byte, path string) (*Index, error) {
	isYAML := isYAMLPath(path)

	var raw map[string]any
	var err error
	if isYAML {
		err = yaml.Unmarshal(data, &raw)
	} else {
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, model.NewRuleIndexError(model.RuleIndexMalformed, path, "is not valid "+formatName(isYAML), err)
	}
	if raw == nil {
		return nil, model.NewRuleIndexError(model.RuleIndexStructure, path, "is empty", nil)
	}

	var missing []string
	for _, key := range requiredKeys {
		if _, ok := raw[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, model.NewRuleIndexError(model.RuleIndexStructure, path,
			"is missing required keys: "+strings.Join(missing, ", "), nil)
	}

	ix := &Index{}
	if isYAML {
		err = yaml.Unmarshal(data, ix)
	} else {
		err = json.Unmarshal(data, ix)
	}
	if err != nil {
		return nil, model.NewRuleIndexError(model.RuleIndexStructure, path, "has unexpected field types", err)
	}

	if err := validate.Struct(ix); err != nil {
		return nil, model.NewRuleIndexError(model.RuleIndexStructure, path, "failed structural checks", err)
	}

	ix.path = path
	return ix, nil
}

func isYAMLPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func formatName(isYAML bool) string {
	if isYAML {
		return "YAML"
	}
	return "JSON"
}
