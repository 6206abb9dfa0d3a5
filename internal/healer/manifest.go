package healer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Dependency sections of package.json, in the order they are searched.
var dependencySections = []string{
	"dependencies",
	"devDependencies",
	"peerDependencies",
	"optionalDependencies",
}

// manifest is a package.json whose top-level key order survives a round trip.
// Only dependency sections that were edited are re-encoded; every other value
// is written back byte-for-byte (re-indented).
type manifest struct {
	keys     []string
	raw      map[string]json.RawMessage
	sections map[string]map[string]string
	dirty    map[string]bool
}

func parseManifest(data []byte) (*manifest, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("parse package.json: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("parse package.json: top level is not an object")
	}

	m := &manifest{
		raw:      make(map[string]json.RawMessage),
		sections: make(map[string]map[string]string),
		dirty:    make(map[string]bool),
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("parse package.json: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("parse package.json: unexpected token %v", tok)
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, fmt.Errorf("parse package.json key %q: %w", key, err)
		}
		if _, seen := m.raw[key]; !seen {
			m.keys = append(m.keys, key)
		}
		m.raw[key] = value
	}
	return m, nil
}

// section returns the decoded dependency section, or nil if absent.
func (m *manifest) section(name string) (map[string]string, error) {
	if s, ok := m.sections[name]; ok {
		return s, nil
	}
	raw, ok := m.raw[name]
	if !ok {
		return nil, nil
	}
	var s map[string]string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	if s == nil {
		s = make(map[string]string)
	}
	m.sections[name] = s
	return s, nil
}

// setDependency sets pkg to version in the named section, creating the
// section if needed, and marks it for re-encoding.
func (m *manifest) setDependency(name, pkg, version string) error {
	s, err := m.section(name)
	if err != nil {
		return err
	}
	if s == nil {
		s = make(map[string]string)
		m.sections[name] = s
		m.keys = append(m.keys, name)
	}
	s[pkg] = version
	m.dirty[name] = true
	return nil
}

// findDependency returns the first section that references pkg.
func (m *manifest) findDependency(pkg string) (string, string, error) {
	for _, name := range dependencySections {
		s, err := m.section(name)
		if err != nil {
			return "", "", err
		}
		if v, ok := s[pkg]; ok {
			return name, v, nil
		}
	}
	return "", "", nil
}

// marshal encodes the manifest with two-space indentation and a trailing newline.
func (m *manifest) marshal() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("{\n")
	for i, key := range m.keys {
		kb, err := jsonString(key)
		if err != nil {
			return nil, err
		}
		buf.WriteString("  ")
		buf.Write(kb)
		buf.WriteString(": ")

		if s, ok := m.sections[key]; ok && m.dirty[key] {
			if err := writeSection(&buf, s); err != nil {
				return nil, fmt.Errorf("encode %s: %w", key, err)
			}
		} else if err := json.Indent(&buf, m.raw[key], "  ", "  "); err != nil {
			return nil, fmt.Errorf("encode %s: %w", key, err)
		}

		if i < len(m.keys)-1 {
			buf.WriteByte(',')
		}
		buf.WriteByte('\n')
	}
	buf.WriteString("}\n")
	return buf.Bytes(), nil
}

func writeSection(buf *bytes.Buffer, s map[string]string) error {
	if len(s) == 0 {
		buf.WriteString("{}")
		return nil
	}
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)

	buf.WriteString("{\n")
	for i, n := range names {
		kb, err := jsonString(n)
		if err != nil {
			return err
		}
		vb, err := jsonString(s[n])
		if err != nil {
			return err
		}
		buf.WriteString("    ")
		buf.Write(kb)
		buf.WriteString(": ")
		buf.Write(vb)
		if i < len(names)-1 {
			buf.WriteByte(',')
		}
		buf.WriteByte('\n')
	}
	buf.WriteString("  }")
	return nil
}

// jsonString encodes s without HTML escaping so constraints like ">=1.2" stay readable.
func jsonString(s string) ([]byte, error) {
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	return bytes.TrimRight(b.Bytes(), "\n"), nil
}
