package schema

import (
	"strings"

	"github.com/baseplate/timeseries/internal/core/dialect"
	"github.com/baseplate/timeseries/internal/core/ngsi"
)

const (
	TenantPrefix = "mt"
	TypePrefix   = "et"
)

// TableFor maps (tenant, entity type) to its table. Tenants without a
// service live in the default schema.
func TableFor(t ngsi.Tenant, entityType string) dialect.Table {
	tbl := dialect.Table{Name: TypePrefix + strings.ToLower(entityType)}
	if t.Service != "" {
		tbl.Schema = TenantPrefix + strings.ToLower(t.Service)
	}
	return tbl
}

// ColumnName maps an attribute name to its column as the backend stores
// it. Attribute names that differ only in case share a column.
func ColumnName(attr string) string {
	return dialect.Ident(strings.ToLower(attr))
}

// InTenant reports whether tbl belongs to tenant t.
func InTenant(tbl dialect.Table, t ngsi.Tenant) bool {
	if t.Service == "" {
		return tbl.Schema == ""
	}
	return tbl.Schema == dialect.Ident(TenantPrefix+strings.ToLower(t.Service))
}
