package executor

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"backup-orchestrator/internal/models"
)

// ErrConfigNotFound is returned when the tool configuration file is missing.
var ErrConfigNotFound = errors.New("configuration file not found")

const validateTimeout = 30 * time.Second

// ToolConfig is the subset of the tool configuration this service reads.
type ToolConfig struct {
	Repositories []RepositoryConfig `yaml:"repositories"`
}

type RepositoryConfig struct {
	Path       string `yaml:"path"`
	Name       string `yaml:"name"`
	Label      string `yaml:"label"`
	Encryption string `yaml:"encryption"`
}

// DisplayName prefers name, then label.
func (r RepositoryConfig) DisplayName() string {
	switch {
	case r.Name != "":
		return r.Name
	case r.Label != "":
		return r.Label
	}
	return "Unknown"
}

// ReadConfig returns the raw bytes of the tool configuration.
func (e *Executor) ReadConfig() ([]byte, error) {
	raw, err := os.ReadFile(e.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WithHint(errors.Wrapf(ErrConfigNotFound, "%s", e.configPath), "set BORGMATIC_CONFIG_PATH")
		}
		return nil, errors.Wrapf(err, "read config %s", e.configPath)
	}
	return raw, nil
}

// ConfigInfo parses the tool configuration into a generic document.
func (e *Executor) ConfigInfo() (map[string]any, error) {
	raw, err := e.ReadConfig()
	if err != nil {
		return nil, err
	}
	doc := map[string]any{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", e.configPath)
	}
	return doc, nil
}

func (e *Executor) repositories() ([]RepositoryConfig, error) {
	raw, err := e.ReadConfig()
	if err != nil {
		return nil, err
	}
	var cfg ToolConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", e.configPath)
	}
	return cfg.Repositories, nil
}

// ValidateConfig checks content with the tool's own validator. The returned error
// is non-nil only when the content could not be handed to the tool at all.
func (e *Executor) ValidateConfig(ctx context.Context, content string) (models.ConfigValidation, error) {
	tmp, err := os.CreateTemp("", "borgmatic-validate-*.yaml")
	if err != nil {
		return models.ConfigValidation{}, errors.Wrap(err, "create temp config")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return models.ConfigValidation{}, errors.Wrap(err, "write temp config")
	}
	if err := tmp.Close(); err != nil {
		return models.ConfigValidation{}, errors.Wrap(err, "close temp config")
	}

	res := e.run.Run(ctx, e.command(validateTimeout, "config", "validate", "--config", tmpPath))

	out := models.ConfigValidation{Valid: res.Success, Warnings: []string{}, Errors: []string{}}
	for _, stream := range []string{res.Stderr, res.Stdout} {
		for _, line := range strings.Split(stream, "\n") {
			line = strings.TrimSpace(line)
			if line == "" || line == "summary:" || strings.Contains(line, "All configuration files are valid") {
				continue
			}
			line = strings.ReplaceAll(line, tmpPath, "config.yaml")
			if isWarning(line) {
				out.Warnings = append(out.Warnings, line)
			} else {
				out.Errors = append(out.Errors, line)
			}
		}
	}

	if out.Valid {
		var doc any
		if err := yaml.Unmarshal([]byte(content), &doc); err == nil {
			out.Config = doc
		}
		return out, nil
	}
	if len(out.Errors) == 0 {
		if stderr := strings.TrimSpace(res.Stderr); stderr != "" {
			out.Errors = append(out.Errors, strings.ReplaceAll(stderr, tmpPath, "config.yaml"))
		} else {
			out.Errors = append(out.Errors, "Configuration validation failed")
		}
	}
	out.Error = strings.Join(out.Errors, "; ")
	return out, nil
}

func isWarning(line string) bool {
	l := strings.ToLower(line)
	return strings.Contains(l, "deprecated") || strings.Contains(l, "warning") || strings.Contains(l, "will be removed")
}
