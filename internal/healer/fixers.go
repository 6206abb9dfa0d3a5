package healer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strconv"
	"strings"

	"github.com/harrison/healloop/internal/models"
)

// ErrUserInputRequired is returned by a fixer that refuses to guess a value
// only an operator can provide.
var ErrUserInputRequired = errors.New("user input required")

// fixer applies one deterministic edit. An empty description with a nil error
// means nothing could be extracted and nothing was changed.
type fixer func(ctx context.Context, projectID string, e models.ClassifiedError) (string, error)

var (
	missingPackageRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)cannot find (?:module|package) ['"\x60]([^'"\x60]+)['"\x60]`),
		regexp.MustCompile(`(?i)can't resolve ['"\x60]([^'"\x60]+)['"\x60]`),
	}

	pkgNamePart = `((?:@[\w.\-]+/)?[\w.\-]+)`
	versionPart = `([~^<>=]*\s*[\w.\-*|]+)`

	peerVersionRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)peer(?: dependency)?\s+["']?` + pkgNamePart + `@["']?` + versionPart),
		regexp.MustCompile(`(?i)requires a peer of ` + pkgNamePart + `@` + versionPart),
	}
	noMatchingVersionRe = regexp.MustCompile(`(?i)no matching version found for ` + pkgNamePart + `@`)

	declarationFileRe = regexp.MustCompile(`(?i)could not find a declaration file for module ['"\x60]([^'"\x60]+)['"\x60]`)

	envVarNameRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)env(?:ironment)?[ _]var(?:iable)?s?\s*[:=]?\s*['"\x60]?([A-Za-z_][A-Za-z0-9_]*)`),
		regexp.MustCompile(`process\.env\.([A-Za-z_][A-Za-z0-9_]*)`),
		regexp.MustCompile(`\b([A-Z][A-Z0-9_]{2,})\b (?:is )?(?:not set|missing|undefined|required|must be (?:set|defined))`),
	}
	envVarNameRe = regexp.MustCompile(`^[A-Z][A-Z0-9_]+$`)

	secretNameRe = regexp.MustCompile(`(?:KEY|SECRET|TOKEN|PASSWORD|PASSWD|CREDENTIAL|PRIVATE|DATABASE_URL|DSN|_URI)`)

	portAssignRes = []*regexp.Regexp{
		regexp.MustCompile(`(\bPORT\s*=\s*['"]?)(\d{2,5})`),
		regexp.MustCompile(`(process\.env\.PORT\s*(?:\|\||\?\?)\s*['"]?)(\d{2,5})`),
		regexp.MustCompile(`(\bport\s*:\s*)(\d{2,5})`),
	}
)

// extractPackageName returns the installable package root from a missing
// module message, or "" for relative paths and builtins.
func extractPackageName(msg string) string {
	for _, re := range missingPackageRes {
		if m := re.FindStringSubmatch(msg); m != nil {
			return packageRoot(m[1])
		}
	}
	return ""
}

// packageRoot trims a module specifier to its package: "lodash/fp" -> "lodash",
// "@scope/pkg/sub" -> "@scope/pkg".
func packageRoot(spec string) string {
	spec = strings.TrimSpace(spec)
	if spec == "" || strings.HasPrefix(spec, ".") || strings.HasPrefix(spec, "/") ||
		strings.HasPrefix(spec, "node:") || strings.HasPrefix(spec, "~") {
		return ""
	}
	parts := strings.Split(spec, "/")
	if strings.HasPrefix(spec, "@") {
		if len(parts) < 2 || parts[1] == "" {
			return ""
		}
		return parts[0] + "/" + parts[1]
	}
	return parts[0]
}

// typesPackageName maps a module to its DefinitelyTyped package:
// "express" -> "@types/express", "@babel/core" -> "@types/babel__core".
func typesPackageName(module string) string {
	name := strings.TrimPrefix(module, "@")
	name = strings.ReplaceAll(name, "/", "__")
	return "@types/" + name
}

// extractPeerVersion returns the package and constraint from a peer-dependency
// message. A "no matching version" message yields the constraint "latest".
func extractPeerVersion(msg string) (string, string) {
	for _, re := range peerVersionRes {
		if m := re.FindStringSubmatch(msg); m != nil {
			return m[1], strings.TrimSpace(strings.Trim(m[2], `"'`))
		}
	}
	if m := noMatchingVersionRe.FindStringSubmatch(msg); m != nil {
		return m[1], "latest"
	}
	return "", ""
}

// extractEnvVarName returns the missing variable's name, or "".
func extractEnvVarName(msg string) string {
	for _, re := range envVarNameRes {
		for _, m := range re.FindAllStringSubmatch(msg, -1) {
			if envVarNameRe.MatchString(m[1]) {
				return m[1]
			}
		}
	}
	return ""
}

// looksSecret reports whether a variable name suggests a credential.
func looksSecret(name string) bool {
	return secretNameRe.MatchString(name)
}

func (d *Dispatcher) editManifest(ctx context.Context, projectID string, edit func(m *manifest) (string, error)) (string, error) {
	path := d.cfg.ManifestFile
	data, err := d.ws.ReadFile(ctx, projectID, path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	m, err := parseManifest(data)
	if err != nil {
		return "", err
	}
	desc, err := edit(m)
	if err != nil || desc == "" {
		return "", err
	}
	out, err := m.marshal()
	if err != nil {
		return "", err
	}
	if err := d.ws.WriteFile(ctx, projectID, path, out); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return desc, nil
}

func (d *Dispatcher) installPackage(ctx context.Context, projectID string, e models.ClassifiedError) (string, error) {
	pkg := extractPackageName(e.RawMessage)
	if pkg == "" {
		return "", nil
	}
	return d.editManifest(ctx, projectID, func(m *manifest) (string, error) {
		if section, _, err := m.findDependency(pkg); err != nil {
			return "", err
		} else if section != "" {
			return "", nil
		}
		if err := m.setDependency("dependencies", pkg, "latest"); err != nil {
			return "", err
		}
		return fmt.Sprintf("install_package: added %s@latest to dependencies", pkg), nil
	})
}

func (d *Dispatcher) fixVersion(ctx context.Context, projectID string, e models.ClassifiedError) (string, error) {
	pkg, version := extractPeerVersion(e.RawMessage)
	if pkg == "" || version == "" {
		return "", nil
	}
	return d.editManifest(ctx, projectID, func(m *manifest) (string, error) {
		section, current, err := m.findDependency(pkg)
		if err != nil || section == "" || current == version {
			return "", err
		}
		if err := m.setDependency(section, pkg, version); err != nil {
			return "", err
		}
		return fmt.Sprintf("fix_version: set %s to %s in %s (was %s)", pkg, version, section, current), nil
	})
}

func (d *Dispatcher) addTypePackage(ctx context.Context, projectID string, e models.ClassifiedError) (string, error) {
	m := declarationFileRe.FindStringSubmatch(e.RawMessage)
	if m == nil {
		return "", nil
	}
	module := packageRoot(m[1])
	if module == "" {
		return "", nil
	}
	types := typesPackageName(module)
	return d.editManifest(ctx, projectID, func(mf *manifest) (string, error) {
		if section, _, err := mf.findDependency(types); err != nil || section != "" {
			return "", err
		}
		if err := mf.setDependency("devDependencies", types, "latest"); err != nil {
			return "", err
		}
		return fmt.Sprintf("add_type_package: added %s to devDependencies", types), nil
	})
}

func (d *Dispatcher) addEnvVar(ctx context.Context, projectID string, e models.ClassifiedError) (string, error) {
	name := extractEnvVarName(e.RawMessage)
	if name == "" {
		return "", nil
	}
	if looksSecret(name) {
		return "", fmt.Errorf("%w: %s looks like a credential", ErrUserInputRequired, name)
	}

	path := d.cfg.EnvFile
	data, err := d.ws.ReadFile(ctx, projectID, path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	content := string(data)
	defined := regexp.MustCompile(`(?m)^\s*(?:export\s+)?` + regexp.QuoteMeta(name) + `\s*=`)
	if defined.MatchString(content) {
		return "", nil
	}
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += name + "=placeholder\n"
	if err := d.ws.WriteFile(ctx, projectID, path, []byte(content)); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return fmt.Sprintf("add_env_var: appended %s=placeholder to %s", name, path), nil
}

func (d *Dispatcher) fixPort(ctx context.Context, projectID string, e models.ClassifiedError) (string, error) {
	target := strconv.Itoa(d.cfg.CanonicalPort)
	var changed []string
	for _, path := range d.cfg.PortFiles {
		data, err := d.ws.ReadFile(ctx, projectID, path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("read %s: %w", path, err)
		}
		updated := rewritePorts(string(data), target)
		if updated == string(data) {
			continue
		}
		if err := d.ws.WriteFile(ctx, projectID, path, []byte(updated)); err != nil {
			return "", fmt.Errorf("write %s: %w", path, err)
		}
		changed = append(changed, path)
	}
	if len(changed) == 0 {
		return "", nil
	}
	return fmt.Sprintf("fix_port: set port to %s in %s", target, strings.Join(changed, ", ")), nil
}

// rewritePorts replaces every port literal in a recognised assignment with target.
func rewritePorts(content, target string) string {
	for _, re := range portAssignRes {
		content = re.ReplaceAllString(content, "${1}"+target)
	}
	return content
}
