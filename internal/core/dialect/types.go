package dialect

import (
	"strings"

	"github.com/baseplate/timeseries/internal/core/ngsi"
)

// MetadataTable maps every entity table to its column translation record.
const MetadataTable = "md_ets_metadata"

// resolveType looks attr.Type up in types. A StructuredValue holding a list
// is stored as an Array. Types without an entry fall back on the value:
// objects to objType, lists to listType, scalars to the column of the NGSI
// type their value has, anything else to text.
func resolveType(types map[string]string, attr ngsi.Attribute, objType, listType, text string) string {
	if attr.Type == ngsi.TypeStructured && attr.Value.Kind == ngsi.KindArray {
		return types[ngsi.TypeArray]
	}
	if t, ok := types[attr.Type]; ok {
		return t
	}
	v := attr.Value
	switch v.Any.(type) {
	case map[string]any:
		return objType
	case []any:
		return listType
	}
	switch v.Kind {
	case ngsi.KindInteger:
		return types[ngsi.TypeInteger]
	case ngsi.KindNumber:
		return types[ngsi.TypeNumber]
	case ngsi.KindBoolean:
		return types[ngsi.TypeBoolean]
	case ngsi.KindDateTime:
		return types[ngsi.TypeDateTime]
	case ngsi.KindText:
		if _, ok := ngsi.ParseTime(v.Str); ok {
			return types[ngsi.TypeDateTime]
		}
	}
	return text
}

func columnDefs(cols []Column) string {
	defs := make([]string, 0, len(cols))
	for _, c := range cols {
		defs = append(defs, Quote(c.Name)+" "+c.SQLType)
	}
	return strings.Join(defs, ", ")
}
