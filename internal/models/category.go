package models

import (
	"fmt"
	"strings"
)

// ErrorCategory is the closed set of failure types the classifier can emit.
// Declaration order is significant: it is the secondary sort key when two
// errors share a severity.
type ErrorCategory int

const (
	PackageMissing ErrorCategory = iota
	VersionConflict
	NativeModuleBuild
	MissingTypes
	TypeError
	SyntaxError
	ImportError
	JSXError
	HookError
	StyleError
	LintError
	BundlerError
	DevServerError
	FrameworkConfigError
	PortInUse
	ConnectionRefused
	MissingEnvVar
	DatabaseConnection
	UnhandledPromise
	MissingBuildScript
	PermissionError
	OutOfMemory
	Unknown
)

var categoryNames = [...]string{
	PackageMissing:       "PACKAGE_MISSING",
	VersionConflict:      "VERSION_CONFLICT",
	NativeModuleBuild:    "NATIVE_MODULE_BUILD",
	MissingTypes:         "MISSING_TYPES",
	TypeError:            "TYPE_ERROR",
	SyntaxError:          "SYNTAX_ERROR",
	ImportError:          "IMPORT_ERROR",
	JSXError:             "JSX_ERROR",
	HookError:            "HOOK_ERROR",
	StyleError:           "STYLE_ERROR",
	LintError:            "LINT_ERROR",
	BundlerError:         "BUNDLER_ERROR",
	DevServerError:       "DEV_SERVER_ERROR",
	FrameworkConfigError: "FRAMEWORK_CONFIG_ERROR",
	PortInUse:            "PORT_IN_USE",
	ConnectionRefused:    "CONNECTION_REFUSED",
	MissingEnvVar:        "MISSING_ENV_VAR",
	DatabaseConnection:   "DATABASE_CONNECTION",
	UnhandledPromise:     "UNHANDLED_PROMISE",
	MissingBuildScript:   "MISSING_BUILD_SCRIPT",
	PermissionError:      "PERMISSION_ERROR",
	OutOfMemory:          "OUT_OF_MEMORY",
	Unknown:              "UNKNOWN",
}

// AllCategories returns every category in declaration order.
func AllCategories() []ErrorCategory {
	out := make([]ErrorCategory, 0, len(categoryNames))
	for i := range categoryNames {
		out = append(out, ErrorCategory(i))
	}
	return out
}

// String returns the string representation of ErrorCategory
func (c ErrorCategory) String() string {
	if c < 0 || int(c) >= len(categoryNames) {
		return "UNKNOWN"
	}
	return categoryNames[c]
}

// MarshalText encodes the category by name so persisted records stay readable
// if the enum is ever reordered.
func (c ErrorCategory) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText decodes a category name produced by MarshalText.
func (c *ErrorCategory) UnmarshalText(text []byte) error {
	parsed, err := ParseErrorCategory(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseErrorCategory converts a category name (case-insensitive, '-' or '_')
// back into its enum value.
func ParseErrorCategory(s string) (ErrorCategory, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	for i, name := range categoryNames {
		if name == norm {
			return ErrorCategory(i), nil
		}
	}
	return Unknown, fmt.Errorf("unknown error category %q", s)
}

// FixStrategy is the repair approach assigned to a category.
type FixStrategy int

const (
	InstallPackage FixStrategy = iota
	FixVersion
	AddTypePackage
	AddEnvVar
	FixPort
	FixImport
	FixConfig
	AISurgical
	UserInput
)

// String returns the string representation of FixStrategy
func (s FixStrategy) String() string {
	switch s {
	case InstallPackage:
		return "install_package"
	case FixVersion:
		return "fix_version"
	case AddTypePackage:
		return "add_type_package"
	case AddEnvVar:
		return "add_env_var"
	case FixPort:
		return "fix_port"
	case FixImport:
		return "fix_import"
	case FixConfig:
		return "fix_config"
	case AISurgical:
		return "ai_surgical"
	case UserInput:
		return "user_input"
	default:
		return "unknown"
	}
}

// MarshalText encodes the strategy by name.
func (s FixStrategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a strategy name produced by MarshalText.
func (s *FixStrategy) UnmarshalText(text []byte) error {
	for candidate := InstallPackage; candidate <= UserInput; candidate++ {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown fix strategy %q", string(text))
}

// IsDeterministic reports whether the strategy is a scripted edit that the
// dispatcher applies without outside help.
func (s FixStrategy) IsDeterministic() bool {
	switch s {
	case InstallPackage, FixVersion, AddTypePackage, AddEnvVar, FixPort:
		return true
	default:
		return false
	}
}
