package value

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFromAnyPreservesJSONKinds(t *testing.T) {
	assert.Equal(t, KindNull, FromAny(nil).Kind())
	assert.Equal(t, KindString, FromAny("x").Kind())
	assert.Equal(t, KindNumber, FromAny(3.5).Kind())
	assert.Equal(t, KindBool, FromAny(true).Kind())
}

func TestAsNumberCoercesNumericLookingString(t *testing.T) {
	n, ok := String("42.5").AsNumber()
	assert.True(t, ok)
	assert.Equal(t, 42.5, n)

	_, ok = String("not-a-number").AsNumber()
	assert.False(t, ok)
}

func TestAsTimeParsesISO8601Variants(t *testing.T) {
	cases := []string{
		"2024-01-02T15:04:05Z",
		"2024-01-02T15:04:05-05:00",
		"2024-01-02",
	}
	for _, s := range cases {
		_, ok := String(s).AsTime()
		assert.True(t, ok, "expected %q to parse as a time", s)
	}

	_, ok := String("not a date").AsTime()
	assert.False(t, ok)
}

func TestAsStringCanonicalisesEachKind(t *testing.T) {
	assert.Equal(t, "", Null().AsString())
	assert.Equal(t, "true", Bool(true).AsString())
	assert.Equal(t, "false", Bool(false).AsString())
	assert.Equal(t, "3", Number(3).AsString())

	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, ts.Format(time.RFC3339Nano), Time(ts).AsString())
}

func TestRecordFromJSONRoundTripsToJSON(t *testing.T) {
	rec := RecordFromJSON(map[string]any{
		"name":   "widget",
		"count":  2.0,
		"active": true,
		"tag":    nil,
	})

	assert.Equal(t, "widget", rec["name"].StringVal())
	assert.Equal(t, KindNull, rec["tag"].Kind())

	back := rec.ToJSON()
	assert.Equal(t, "widget", back["name"])
	assert.Equal(t, 2.0, back["count"])
	assert.Equal(t, true, back["active"])
	assert.Nil(t, back["tag"])
}

func TestRecordCloneIsIndependent(t *testing.T) {
	rec := Record{"value": Number(1)}
	clone := rec.Clone()
	clone["value"] = Number(2)

	assert.Equal(t, float64(1), rec["value"].NumberVal())
	assert.Equal(t, float64(2), clone["value"].NumberVal())
}
