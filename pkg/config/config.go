package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/process"

	"gopkg.in/yaml.v3"
)

const defaultMetricsInterval = 15 * time.Second

// Config is the parsed configuration file
type Config struct {
	Supervisor SupervisorOptions
	Processes  map[string]process.Definition
}

// SupervisorOptions are daemon-level settings, only available in the wrapped form
type SupervisorOptions struct {
	LogLevel        string        `yaml:"log_level,omitempty"`
	LogFormat       string        `yaml:"log_format,omitempty"`
	LogOutput       string        `yaml:"log_output,omitempty"`
	MetricsFile     string        `yaml:"metrics_file,omitempty"`
	MetricsInterval time.Duration `yaml:"metrics_interval,omitempty"`
}

// LoadConfigFromFile loads a YAML or JSON configuration file
func LoadConfigFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	config, err := Parse(data)
	if err != nil {
		if domainErr, ok := err.(*errors.DomainError); ok {
			domainErr.WithContext("filename", filename)
		}
		return nil, err
	}

	return config, nil
}

// Parse accepts either a top-level mapping of name to definition, or the
// same mapping under "processes" next to a "supervisor" block.
func Parse(data []byte) (*Config, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, errors.NewConfigurationError("failed to parse configuration", err)
	}

	config := &Config{Processes: make(map[string]process.Definition)}

	// empty document
	if root.Kind == 0 || len(root.Content) == 0 {
		setConfigDefaults(config)
		return config, nil
	}

	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, errors.NewConfigurationError("configuration must be a mapping of process names", nil).
			WithContext("line", doc.Line)
	}

	processes := doc
	if isWrapped(doc) {
		processes = nil
		for i := 0; i+1 < len(doc.Content); i += 2 {
			key, value := doc.Content[i], doc.Content[i+1]
			switch key.Value {
			case "supervisor":
				if err := value.Decode(&config.Supervisor); err != nil {
					return nil, errors.NewConfigurationError("invalid supervisor section", err).WithContext("line", key.Line)
				}
			case "processes":
				processes = value
			}
		}
	}

	if processes != nil && processes.Kind != yaml.ScalarNode {
		if err := decodeProcesses(processes, config.Processes); err != nil {
			return nil, err
		}
	}

	setConfigDefaults(config)

	return config, nil
}

// isWrapped reports whether doc uses the "processes"/"supervisor" layout.
// A flat file may define a process named "processes"; that one has a cmd.
func isWrapped(doc *yaml.Node) bool {
	hasProcesses := false
	for i := 0; i+1 < len(doc.Content); i += 2 {
		key, value := doc.Content[i], doc.Content[i+1]
		switch key.Value {
		case "processes":
			if value.Kind == yaml.MappingNode && hasKey(value, "cmd") {
				return false
			}
			hasProcesses = true
		case "supervisor":
			if value.Kind == yaml.MappingNode && hasKey(value, "cmd") {
				return false
			}
		default:
			return false
		}
	}
	return hasProcesses
}

func hasKey(mapping *yaml.Node, name string) bool {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == name {
			return true
		}
	}
	return false
}

func decodeProcesses(node *yaml.Node, into map[string]process.Definition) error {
	if node.Kind != yaml.MappingNode {
		return errors.NewConfigurationError("processes must be a mapping of process names", nil).
			WithContext("line", node.Line)
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		name := key.Value

		if _, exists := into[name]; exists {
			return errors.NewConfigurationError(fmt.Sprintf("duplicate process name '%s'", name), nil).
				WithContext("line", key.Line)
		}

		var def process.Definition
		if err := value.Decode(&def); err != nil {
			return errors.NewConfigurationError(fmt.Sprintf("invalid definition for process '%s'", name), err).
				WithContext("name", name).
				WithContext("line", key.Line)
		}
		def.Name = name

		into[name] = def
	}

	return nil
}

func setConfigDefaults(config *Config) {
	if config.Supervisor.LogLevel == "" {
		config.Supervisor.LogLevel = "info"
	}
	if config.Supervisor.MetricsFile != "" && config.Supervisor.MetricsInterval == 0 {
		config.Supervisor.MetricsInterval = defaultMetricsInterval
	}
}

// ValidateConfig reports every invalid part of config at once
func ValidateConfig(config *Config) error {
	if config == nil {
		return errors.NewConfigurationError("configuration cannot be nil", nil)
	}

	collection := errors.NewErrorCollection()

	if !logging.ValidLogLevel(config.Supervisor.LogLevel) {
		collection.Add(errors.NewConfigurationError(
			fmt.Sprintf("invalid log level: %s", config.Supervisor.LogLevel), nil,
		).WithContext("valid_levels", "debug, info, warn, error"))
	}

	if config.Supervisor.MetricsInterval < 0 {
		collection.Add(errors.NewConfigurationError(
			fmt.Sprintf("metrics interval cannot be negative: %v", config.Supervisor.MetricsInterval), nil))
	}

	for _, name := range config.Names() {
		if err := process.ValidateDefinition(config.Processes[name]); err != nil {
			collection.Add(errors.NewConfigurationError(
				fmt.Sprintf("invalid process '%s'", name), err,
			).WithContext("name", name))
		}
	}

	return collection.ToError()
}

// Names returns the process names in sorted order
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.Processes))
	for name := range c.Processes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
