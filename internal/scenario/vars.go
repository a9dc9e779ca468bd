package scenario

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/eugenetaranov/meshprobe/internal/config"
)

// varPattern matches {{ variable }} syntax.
var varPattern = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// Vars are the values install commands may reference.
type Vars map[string]string

// hostVars returns the variables for commands run on one host. Scenario
// vars come first so the built-in names cannot be shadowed.
func hostVars(s *config.Scenario, h *config.Host) Vars {
	vars := make(Vars, len(s.Vars)+8)
	for k, v := range s.Vars {
		vars[k] = v
	}

	vars["package"] = s.Package.Remote
	vars["service"] = s.Service
	vars["config_path"] = s.ConfigPath
	vars["hostname"] = h.Hostname
	vars["address"] = h.Address
	vars["overlay_address"] = h.OverlayAddress
	vars["role"] = string(h.Role)
	return vars
}

// Interpolate replaces {{ var }} patterns with their values. A reference to
// an undefined variable is an error.
func (v Vars) Interpolate(s string) (string, error) {
	var firstErr error

	result := varPattern.ReplaceAllStringFunc(s, func(match string) string {
		inner := varPattern.FindStringSubmatch(match)
		if len(inner) < 2 {
			return match
		}

		val, err := v.resolve(inner[1])
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return match
		}
		return val
	})

	if firstErr != nil {
		return "", fmt.Errorf("interpolating %q: %w", s, firstErr)
	}
	return result, nil
}

// resolve resolves a variable expression with an optional filter.
func (v Vars) resolve(expr string) (string, error) {
	expr = strings.TrimSpace(expr)

	// Handle filters (e.g., var | default('value'))
	if idx := strings.Index(expr, "|"); idx > 0 {
		name := strings.TrimSpace(expr[:idx])
		filter := strings.TrimSpace(expr[idx+1:])
		return v.applyFilter(name, filter)
	}

	val, ok := v[expr]
	if !ok {
		return "", fmt.Errorf("undefined variable: %s", expr)
	}
	return val, nil
}

// applyFilter applies a filter to a variable.
func (v Vars) applyFilter(name, filter string) (string, error) {
	val, ok := v[name]

	filterName := filter
	var filterArg string

	if idx := strings.Index(filter, "("); idx > 0 {
		filterName = strings.TrimSpace(filter[:idx])
		argPart := filter[idx+1:]
		if endIdx := strings.LastIndex(argPart, ")"); endIdx >= 0 {
			filterArg = strings.TrimSpace(argPart[:endIdx])
			filterArg = strings.Trim(filterArg, "'\"")
		}
	}

	if filterName == "default" {
		if !ok || val == "" {
			return filterArg, nil
		}
		return val, nil
	}

	if !ok {
		return "", fmt.Errorf("undefined variable: %s", name)
	}

	switch filterName {
	case "lower":
		return strings.ToLower(val), nil
	case "upper":
		return strings.ToUpper(val), nil
	case "trim":
		return strings.TrimSpace(val), nil
	case "quote":
		return shellQuote(val), nil
	default:
		return "", fmt.Errorf("unknown filter: %s", filterName)
	}
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
