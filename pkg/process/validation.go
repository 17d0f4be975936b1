package process

import (
	"math"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
)

// ValidateDefinition enforces the fields a definition needs before anything is spawned.
// Executable and working directory existence are not checked here: a bad path is a
// spawn failure handled by the unit, not a configuration error.
func ValidateDefinition(def Definition) error {
	if def.Name == "" {
		return errors.NewConfigurationError("process name is required", nil)
	}

	if def.Command == "" {
		return errors.NewConfigurationError("command is required", nil).WithContext("name", def.Name)
	}

	if def.UID != nil && *def.UID < 0 {
		return errors.NewConfigurationError("uid cannot be negative: "+strconv.Itoa(*def.UID), nil).WithContext("name", def.Name)
	}
	if def.UID != nil && int64(*def.UID) > math.MaxUint32 {
		return errors.NewConfigurationError("uid out of range: "+strconv.Itoa(*def.UID), nil).WithContext("name", def.Name)
	}

	if def.GID != nil && *def.GID < 0 {
		return errors.NewConfigurationError("gid cannot be negative: "+strconv.Itoa(*def.GID), nil).WithContext("name", def.Name)
	}
	if def.GID != nil && int64(*def.GID) > math.MaxUint32 {
		return errors.NewConfigurationError("gid out of range: "+strconv.Itoa(*def.GID), nil).WithContext("name", def.Name)
	}

	for _, env := range def.Environment {
		if !strings.Contains(env, "=") || strings.HasPrefix(env, "=") {
			return errors.NewConfigurationError("invalid environment variable format: "+env, nil).WithContext("name", def.Name)
		}
	}

	return nil
}

// ValidatePID parses the content of a pid file
func ValidatePID(pidStr string) (int, error) {
	pidStr = strings.TrimSpace(pidStr)
	if pidStr == "" {
		return 0, errors.NewConfigurationError("PID cannot be empty", nil)
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, errors.NewConfigurationError("invalid PID format: "+pidStr, err)
	}

	if pid <= 0 {
		return 0, errors.NewConfigurationError("PID must be positive: "+pidStr, nil)
	}

	return pid, nil
}
