package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// TenantMap routes tenants to backends. It is read from the file named by
// QL_CONFIG:
//
//	tenants:
//	  t1:
//	    backend: timescale
//	default-backend: crate
type TenantMap struct {
	Tenants        map[string]TenantEntry `yaml:"tenants"`
	DefaultBackend string                 `yaml:"default-backend"`
}

type TenantEntry struct {
	Backend string `yaml:"backend"`
}

// LoadTenantMap reads the tenant file. An empty path yields an empty map.
func LoadTenantMap(path string) (*TenantMap, error) {
	if path == "" {
		return &TenantMap{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tenant config: %w", err)
	}
	return ParseTenantMap(data)
}

func ParseTenantMap(data []byte) (*TenantMap, error) {
	var m TenantMap
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse tenant config: %w", err)
	}

	if m.DefaultBackend != "" && !IsBackend(strings.ToLower(m.DefaultBackend)) {
		return nil, fmt.Errorf("unknown default-backend %q", m.DefaultBackend)
	}
	for name, t := range m.Tenants {
		if !IsBackend(strings.ToLower(t.Backend)) {
			return nil, fmt.Errorf("tenant %q: unknown backend %q", name, t.Backend)
		}
	}
	return &m, nil
}

// BackendFor picks the backend of service: its own entry, then the file's
// default-backend, then fallback, then crate.
func (m *TenantMap) BackendFor(service, fallback string) string {
	if m != nil {
		if t, ok := m.Tenants[service]; ok && t.Backend != "" {
			return strings.ToLower(t.Backend)
		}
		if m.DefaultBackend != "" {
			return strings.ToLower(m.DefaultBackend)
		}
	}
	if IsBackend(fallback) {
		return fallback
	}
	return BackendCrate
}

// Backends lists every backend some tenant may be routed to.
func (m *TenantMap) Backends(fallback string) []string {
	seen := map[string]bool{m.BackendFor("", fallback): true}
	if m != nil {
		for _, t := range m.Tenants {
			seen[strings.ToLower(t.Backend)] = true
		}
	}
	out := make([]string, 0, len(seen))
	for b := range seen {
		out = append(out, b)
	}
	sort.Strings(out)
	return out
}
