package schema

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baseplate/timeseries/internal/core/dialect"
	"github.com/baseplate/timeseries/internal/core/ngsi"
	"github.com/baseplate/timeseries/internal/storage/storagetest"
)

var columnCols = []string{"column_name", "udt_name"}

func newRegistry(fake *storagetest.Fake) *Registry {
	return NewRegistry(fake, dialect.NewTimescale(), zerolog.Nop())
}

func TestTableFor(t *testing.T) {
	tbl := TableFor(ngsi.Tenant{Service: "EU", ServicePath: "/x"}, "Room")
	assert.Equal(t, dialect.Table{Schema: "mteu", Name: "etroom"}, tbl)
	assert.Equal(t, `"mteu"."etroom"`, tbl.Qualified())

	assert.Equal(t, dialect.Table{Name: "etroom"}, TableFor(ngsi.Tenant{}, "Room"))
	assert.Equal(t, `"etweird""type"`, TableFor(ngsi.Tenant{}, `Weird"Type`).Qualified())

	assert.True(t, InTenant(tbl, ngsi.Tenant{Service: "eu"}))
	assert.False(t, InTenant(tbl, ngsi.Tenant{}))
	assert.True(t, InTenant(dialect.Table{Name: "etroom"}, ngsi.Tenant{}))

	assert.Equal(t, "temperature", ColumnName("Temperature"))
}

func TestParseQualifiedRoundTrip(t *testing.T) {
	for _, tbl := range []dialect.Table{
		{Name: "etroom"},
		{Schema: "mteu", Name: "etroom"},
		{Schema: "mt", Name: `et"."odd`},
	} {
		got, ok := dialect.ParseQualified(tbl.Qualified())
		require.True(t, ok, tbl.Qualified())
		assert.Equal(t, tbl, got)
	}
	_, ok := dialect.ParseQualified(`"unterminated`)
	assert.False(t, ok)
}

func TestEnsureTable_Create(t *testing.T) {
	fake := storagetest.New()
	reg := newRegistry(fake)
	tbl := TableFor(ngsi.Tenant{Service: "eu"}, "Room")

	s, err := reg.EnsureTable(context.Background(), tbl, []dialect.Column{
		{Name: "temperature", SQLType: "float"},
		{Name: "entity_id", SQLType: "jsonb"},
	})
	require.NoError(t, err)

	assert.Len(t, fake.Find("create table if not exists md_ets_metadata"), 1)
	creates := fake.Find(`create table if not exists "mteu"."etroom"`)
	require.Len(t, creates, 1)
	assert.Contains(t, creates[0].Query, `"temperature" float`)
	assert.Contains(t, creates[0].Query, `"entity_id" text`)
	assert.Len(t, fake.Find("create_hypertable"), 1)

	assert.Equal(t, "float", s.Type("temperature"))
	assert.Equal(t, "text", s.Type("entity_id"))
}

func TestEnsureTable_AddsOnlyMissingColumns(t *testing.T) {
	fake := storagetest.New()
	listed := storagetest.NewRows(columnCols,
		[]any{"entity_id", "text"},
		[]any{"time_index", "timestamptz"},
		[]any{"temperature", "float8"},
	)
	fake.OnRows("information_schema.columns", listed)
	reg := newRegistry(fake)
	tbl := TableFor(ngsi.Tenant{}, "Room")

	_, err := reg.EnsureTable(context.Background(), tbl, []dialect.Column{
		{Name: "temperature", SQLType: "text"},
		{Name: "pressure", SQLType: "float"},
	})
	require.NoError(t, err)

	assert.Empty(t, fake.Find(`create table if not exists "etroom"`))
	alters := fake.Find("alter table")
	require.Len(t, alters, 1)
	assert.Equal(t, `alter table "etroom" add column if not exists "pressure" float`, alters[0].Query)

	cols := fake.Find("information_schema.columns")
	require.NotEmpty(t, cols)
	assert.Equal(t, []any{"public", "etroom"}, cols[0].Args)

	listed.Values = append(listed.Values, []any{"pressure", "float8"})
	s, err := reg.EnsureTable(context.Background(), tbl, []dialect.Column{
		{Name: "temperature", SQLType: "text"},
		{Name: "pressure", SQLType: "text"},
	})
	require.NoError(t, err)
	assert.Equal(t, "float", s.Type("temperature"), "established type never changes")
	assert.Equal(t, "float", s.Type("pressure"))
	assert.Len(t, fake.Find("alter table"), 1)
}

func TestEnsureTable_ToleratesDuplicateColumn(t *testing.T) {
	fake := storagetest.New()
	fake.OnRows("information_schema.columns", storagetest.NewRows(columnCols, []any{"entity_id", "text"}))
	fake.OnError("alter table", &pq.Error{Message: `Column "a" already exists`})

	reg := NewRegistry(fake, dialect.NewCrate(""), zerolog.Nop())
	_, err := reg.EnsureTable(context.Background(), TableFor(ngsi.Tenant{}, "T"), []dialect.Column{{Name: "a", SQLType: "text"}})
	require.NoError(t, err)
}

func TestEnsureTable_Concurrent(t *testing.T) {
	fake := storagetest.New()
	reg := newRegistry(fake)
	tbl := TableFor(ngsi.Tenant{}, "Room")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.EnsureTable(context.Background(), tbl, []dialect.Column{{Name: "t", SQLType: "float"}})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, fake.Find(`create table if not exists "etroom"`), 1)
}

func TestRecordMetadata(t *testing.T) {
	fake := storagetest.New()
	reg := newRegistry(fake)
	tbl := TableFor(ngsi.Tenant{}, "Room")
	ctx := context.Background()

	require.NoError(t, reg.RecordMetadata(ctx, tbl, Metadata{"temperature": {Name: "Temperature", Type: "Number"}}))
	upserts := fake.Find("insert into md_ets_metadata")
	require.Len(t, upserts, 1)
	assert.Equal(t, `"etroom"`, upserts[0].Args[0])
	assert.JSONEq(t, `{"temperature":["Temperature","Number"]}`, upserts[0].Args[1].(string))

	require.NoError(t, reg.RecordMetadata(ctx, tbl, Metadata{"temperature": {Name: "temperature", Type: "Text"}}))
	assert.Len(t, fake.Find("insert into md_ets_metadata"), 1, "known columns are not rewritten")

	require.NoError(t, reg.RecordMetadata(ctx, tbl, Metadata{"pressure": {Name: "pressure", Type: "Number"}}))
	upserts = fake.Find("insert into md_ets_metadata")
	require.Len(t, upserts, 2)
	assert.JSONEq(t, `{"temperature":["Temperature","Number"],"pressure":["pressure","Number"]}`, upserts[1].Args[1].(string))
}

func TestResolveMetadata(t *testing.T) {
	fake := storagetest.New()
	reg := newRegistry(fake)
	tbl := TableFor(ngsi.Tenant{}, "Room")

	_, err := reg.ResolveMetadata(context.Background(), tbl)
	assert.ErrorIs(t, err, ngsi.ErrSchemaNotFound)

	fake.OnRows("select entity_attrs", storagetest.NewRows([]string{"entity_attrs"},
		[]any{[]byte(`{"temperature": ["Temperature", "Number"]}`)}))
	m, err := reg.ResolveMetadata(context.Background(), tbl)
	require.NoError(t, err)
	assert.Equal(t, Metadata{"temperature": {Name: "Temperature", Type: "Number"}}, m)

	missing := storagetest.New().OnError("select entity_attrs", &pq.Error{Code: "42P01"})
	_, err = newRegistry(missing).ResolveMetadata(context.Background(), tbl)
	assert.ErrorIs(t, err, ngsi.ErrSchemaNotFound)
}

func TestListTablesAndDrop(t *testing.T) {
	fake := storagetest.New()
	fake.OnRows("select table_name from md_ets_metadata", storagetest.NewRows([]string{"table_name"},
		[]any{`"mteu"."etroom"`},
		[]any{`"etroom"`},
		[]any{`"mteu"."etcar"`},
		[]any{`"mtother"."etroom"`},
	))
	reg := newRegistry(fake)
	ctx := context.Background()

	tables, err := reg.ListTables(ctx, ngsi.Tenant{Service: "eu"})
	require.NoError(t, err)
	assert.Equal(t, []dialect.Table{{Schema: "mteu", Name: "etcar"}, {Schema: "mteu", Name: "etroom"}}, tables)

	tables, err = reg.ListTables(ctx, ngsi.Tenant{})
	require.NoError(t, err)
	assert.Equal(t, []dialect.Table{{Name: "etroom"}}, tables)

	require.NoError(t, reg.DropTable(ctx, tables[0]))
	assert.Len(t, fake.Find(`drop table if exists "etroom"`), 1)
	deletes := fake.Find("delete from md_ets_metadata")
	require.Len(t, deletes, 1)
	assert.Equal(t, []any{`"etroom"`}, deletes[0].Args)
}

func TestColumnNameLong(t *testing.T) {
	long := strings.Repeat("attribute", 10)
	col := ColumnName(long)
	assert.LessOrEqual(t, len(col), dialect.MaxIdentifierLen)
	assert.Equal(t, col, dialect.Ident(col))
}
