package tagstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMetadata(defs ...Definition) Metadata {
	return Metadata{
		Connections: []Connection{{
			Name: "s7c1",
			DataPoints: []DataPoint{{
				Name:        "default",
				Definitions: defs,
			}},
		}},
	}
}

func TestInitializeZeroValues(t *testing.T) {
	r := NewRegistry()
	n := r.Initialize(testMetadata(
		Definition{ID: "1", Name: "LTA-Data.a.count", DataType: "UDInt"},
		Definition{ID: "2", Name: "LTA-Data.a.ratio", DataType: "LReal"},
		Definition{ID: "3", Name: "LTA-Data.a.label", DataType: "String"},
		Definition{ID: "4", Name: "LTA-Data.a.flag", DataType: "Bool"},
		Definition{ID: "5", Name: "LTA-Data.a.odd", DataType: "Struct"},
	))
	require.Equal(t, 5, n)

	tests := []struct {
		name string
		want interface{}
	}{
		{"LTA-Data.a.count", float64(0)},
		{"LTA-Data.a.ratio", float64(0)},
		{"LTA-Data.a.label", ""},
		{"LTA-Data.a.flag", false},
		{"LTA-Data.a.odd", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v, ok := r.ValueByName(tc.name)
			require.True(t, ok)
			assert.Equal(t, tc.want, v)
		})
	}
}

func TestNameNormalization(t *testing.T) {
	assert.Equal(t, "LTA-Data.x.y", NormalizeName("PLC_1::DB10.LTA-Data.x.y"))
	assert.Equal(t, "LTA-Data.x.y", NormalizeName("LTA-Data.x.y"))
	assert.Equal(t, "LTA-Settings.connection.connect", NormalizeName("LTA-Settings.connection.connect"))

	r := NewRegistry()
	r.Initialize(testMetadata(Definition{ID: "9", Name: "conn::LTA-Data.job.no", DataType: "UInt"}))

	tag, ok := r.ByName("LTA-Data.job.no")
	require.True(t, ok)
	assert.Equal(t, "9", tag.ID)
}

func TestIndexesInLockstep(t *testing.T) {
	r := NewRegistry()
	r.Initialize(testMetadata(
		Definition{ID: "1", Name: "LTA-Data.a", DataType: "Bool"},
		Definition{ID: "2", Name: "LTA-Data.b", DataType: "Bool"},
		// duplicate name with a new id replaces the old entry in both indexes
		Definition{ID: "3", Name: "LTA-Data.a", DataType: "UInt"},
	))

	require.Equal(t, len(r.byName), len(r.byID))
	for name, tag := range r.byName {
		assert.Same(t, tag, r.byID[tag.ID], "name %s", name)
	}
	_, ok := r.ByID("1")
	assert.False(t, ok, "superseded id must not resolve")

	byName, _ := r.ByName("LTA-Data.a")
	byID, _ := r.ByID(byName.ID)
	assert.Equal(t, byName, byID)
}

func TestReinitializeReplaces(t *testing.T) {
	r := NewRegistry()
	r.Initialize(testMetadata(Definition{ID: "1", Name: "LTA-Data.old", DataType: "Bool"}))
	r.Initialize(testMetadata(Definition{ID: "2", Name: "LTA-Data.new", DataType: "Bool"}))

	_, ok := r.ByName("LTA-Data.old")
	assert.False(t, ok)
	_, ok = r.ByID("1")
	assert.False(t, ok)
	_, ok = r.ByName("LTA-Data.new")
	assert.True(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestApplyUpdates(t *testing.T) {
	r := NewRegistry()
	r.Initialize(testMetadata(
		Definition{ID: "1", Name: "LTA-Data.flag", DataType: "Bool"},
		Definition{ID: "2", Name: "LTA-Data.count", DataType: "DInt"},
	))

	var seen []string
	r.SetOnChange(func(tag Tag) { seen = append(seen, tag.Name) })

	changed := r.ApplyUpdates(Batch{Seq: 1, Vals: []Value{
		{ID: "1", Val: true},
		{ID: "2", Val: float64(0)}, // same as zero value
		{ID: "99", Val: "ignored"},
	}})
	assert.Equal(t, 1, changed)
	assert.Equal(t, []string{"LTA-Data.flag"}, seen)

	v, _ := r.ValueByID("1")
	assert.Equal(t, true, v)
}

func TestApplyUpdatesWrappedRecords(t *testing.T) {
	r := NewRegistry()
	r.Initialize(testMetadata(Definition{ID: "1", Name: "LTA-Data.count", DataType: "DInt"}))

	b, err := ParseBatch([]byte(`{"seq":4,"records":[{"vals":[{"id":"1","qc":3,"ts":"2024-01-01T00:00:00Z","val":42}]},{"vals":[{"id":"1","val":7}]}]}`))
	require.NoError(t, err)

	assert.Equal(t, 1, r.ApplyUpdates(b))
	v, _ := r.ValueByName("LTA-Data.count")
	assert.Equal(t, float64(42), v, "only the first record is applied")
}

func TestApplyUpdatesWithoutVals(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, 0, r.ApplyUpdates(Batch{Seq: 1}))
}

func TestSet(t *testing.T) {
	r := NewRegistry()
	r.Initialize(testMetadata(Definition{ID: "1", Name: "LTA-Data.x", DataType: "String"}))

	assert.True(t, r.Set("LTA-Data.x", "hello"))
	assert.False(t, r.Set("LTA-Data.missing", 1))

	tag, _ := r.ByID("1")
	assert.Equal(t, "hello", tag.Value)
}

func TestAllSortedSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Initialize(testMetadata(
		Definition{ID: "2", Name: "LTA-Data.b", DataType: "Bool"},
		Definition{ID: "1", Name: "LTA-Data.a", DataType: "Bool"},
	))

	all := r.All()
	require.Len(t, all, 2)
	assert.Equal(t, "LTA-Data.a", all[0].Name)

	all[0].Value = true
	v, _ := r.ValueByName("LTA-Data.a")
	assert.Equal(t, false, v, "snapshot must not alias registry state")
}

func TestParseMetadata(t *testing.T) {
	data := []byte(`{"seq":1,"applicationName":"s7","connections":[{"name":"s7c1","type":"S7","dataPoints":[{"name":"default","dataPointDefinitions":[{"id":"101","name":"LTA-Data.foo.command.execute","dataType":"Bool","accessMode":"rw"}]}]}]}`)

	meta, err := ParseMetadata(data)
	require.NoError(t, err)

	r := NewRegistry()
	require.Equal(t, 1, r.Initialize(meta))
	tag, ok := r.ByID("101")
	require.True(t, ok)
	assert.Equal(t, "rw", tag.AccessMode)
}

func TestDataTypeHelpers(t *testing.T) {
	assert.True(t, IsNumeric("LReal"))
	assert.False(t, IsInteger("LReal"))
	assert.True(t, IsInteger("UDInt"))
	assert.False(t, IsNumeric("String"))
}
