package ngsi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const roomNotification = `{
  "subscriptionId": "5947d174793fe6f7eb5e3961",
  "data": [
    {
      "id": "Room1",
      "type": "Room",
      "temperature": {"type": "Number", "value": 24.2, "metadata": {}},
      "pressure": {"value": 720},
      "open": {"type": "Boolean", "value": true},
      "location": {"type": "geo:point", "value": "41.3763726, 2.1864475"},
      "seen": {"type": "DateTime", "value": "2018-02-12T10:08:00Z"},
      "tags": ["a", "b"],
      "TimeInstant": {"type": "ISO8601", "value": "2018-02-12T10:07:00.123Z"}
    }
  ]
}`

func TestDecodeNotification(t *testing.T) {
	n, err := DecodeNotification([]byte(roomNotification))
	require.NoError(t, err)
	assert.Equal(t, "5947d174793fe6f7eb5e3961", n.SubscriptionID)
	require.Len(t, n.Entities, 1)

	e := n.Entities[0]
	assert.Equal(t, "Room1", e.ID)
	assert.Equal(t, "Room", e.Type)
	assert.True(t, e.TimeIndex.IsZero())

	assert.Equal(t, KindNumber, e.Attrs["temperature"].Value.Kind)
	assert.Equal(t, 24.2, e.Attrs["temperature"].Value.Num)

	pressure := e.Attrs["pressure"]
	assert.Equal(t, TypeInteger, pressure.Type)
	assert.Equal(t, KindInteger, pressure.Value.Kind)
	assert.Equal(t, int64(720), pressure.Value.Int)

	assert.Equal(t, Boolean(true), e.Attrs["open"].Value)

	loc := e.Attrs["location"].Value
	assert.Equal(t, KindGeoPoint, loc.Kind)
	assert.Equal(t, 41.3763726, loc.Lat)
	assert.Equal(t, 2.1864475, loc.Lon)

	seen := e.Attrs["seen"].Value
	assert.Equal(t, KindDateTime, seen.Kind)
	assert.Equal(t, time.Date(2018, 2, 12, 10, 8, 0, 0, time.UTC), seen.Time)

	tags := e.Attrs["tags"]
	assert.Equal(t, TypeArray, tags.Type)
	assert.Equal(t, []any{"a", "b"}, tags.Value.Any)
}

func TestDecodeNotification_Malformed(t *testing.T) {
	_, err := DecodeNotification([]byte(`{"data": [{"id": "x"}]}`))
	require.Error(t, err)
	assert.True(t, IsUsageError(err))

	_, err = DecodeNotification([]byte(`{"data": [`))
	assert.True(t, IsUsageError(err))
}

func TestDecodeEntity_TimeIndex(t *testing.T) {
	e, err := DecodeEntity([]byte(`{"id": "r", "type": "T", "time_index": "1970-01-02T00:00:00+00:00"}`))
	require.NoError(t, err)
	assert.Equal(t, time.Date(1970, 1, 2, 0, 0, 0, 0, time.UTC), e.TimeIndex)
	assert.Empty(t, e.Attrs)
}

func TestClassify_UnknownTypeKeepsRawShape(t *testing.T) {
	v := Classify("Custom", map[string]any{"a": int64(1)})
	assert.Equal(t, KindUnknown, v.Kind)

	v = Classify("Custom", "plain")
	assert.Equal(t, Text("plain"), v)

	v = Classify(TypeNumber, "not a number")
	assert.Equal(t, KindText, v.Kind)

	v = Classify(TypeStructured, []any{int64(1)})
	assert.Equal(t, KindArray, v.Kind)
}

func TestInferType(t *testing.T) {
	assert.Equal(t, TypeArray, InferType([]any{}))
	assert.Equal(t, TypeStructured, InferType(map[string]any{}))
	assert.Equal(t, TypeBoolean, InferType(false))
	assert.Equal(t, TypeInteger, InferType(int64(3)))
	assert.Equal(t, TypeNumber, InferType(3.5))
	assert.Equal(t, TypeDateTime, InferType("2020-01-01T00:00:00Z"))
	assert.Equal(t, TypeText, InferType("hello"))
	assert.Equal(t, TypeText, InferType(nil))
}

func TestSelectTimeIndex(t *testing.T) {
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	e, err := DecodeEntity([]byte(`{
	  "id": "r", "type": "T",
	  "a": {"type": "Number", "value": 1, "metadata": {"dateModified": {"type": "DateTime", "value": "2019-01-01T00:00:00Z"}}},
	  "b": {"type": "Number", "value": 2, "metadata": {"dateModified": {"type": "DateTime", "value": "2019-06-01T00:00:00Z"}}},
	  "timestamp": {"type": "Text", "value": "not a date"},
	  "custom": {"type": "DateTime", "value": "2001-01-01T00:00:00Z"}
	}`))
	require.NoError(t, err)

	assert.Equal(t, time.Date(2019, 6, 1, 0, 0, 0, 0, time.UTC), SelectTimeIndex(e, "", now))
	assert.Equal(t, time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC), SelectTimeIndex(e, "custom", now))

	bare := Entity{ID: "r", Type: "T"}
	assert.Equal(t, now, SelectTimeIndex(bare, "", now))
}

func TestFormatTime(t *testing.T) {
	ts := time.Date(1970, 1, 2, 3, 4, 5, 678912345, time.UTC)
	assert.Equal(t, "1970-01-02T03:04:05.678+00:00", FormatTime(ts))

	parsed, ok := ParseTime("1970-01-02")
	require.True(t, ok)
	assert.Equal(t, "1970-01-02T00:00:00.000+00:00", FormatTime(parsed))

	_, ok = ParseTime("yesterday")
	assert.False(t, ok)
}

func TestParsePoint(t *testing.T) {
	lat, lon, err := ParsePoint("41.3, -2.5")
	require.NoError(t, err)
	assert.Equal(t, 41.3, lat)
	assert.Equal(t, -2.5, lon)
	assert.Equal(t, "41.3, -2.5", FormatPoint(lat, lon))

	_, _, err = ParsePoint("41.3")
	assert.Error(t, err)
}
