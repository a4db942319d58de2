package document

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDecode(t *testing.T, body string) Document {
	t.Helper()
	doc, err := Decode(strings.NewReader(body))
	require.NoError(t, err)
	return doc
}

func TestQuery_NestedScalar(t *testing.T) {
	doc := mustDecode(t, `{"a":{"b":{"c":7}}}`)

	v, ok := Query(doc, "a.b.c")
	require.True(t, ok)
	assert.Equal(t, json.Number("7"), v)

	rendered, ok := Render(v)
	require.True(t, ok)
	assert.Equal(t, "7", rendered)
}

func TestQuery_Absent(t *testing.T) {
	doc := mustDecode(t, `{"a":{"b":"leaf"}}`)

	tests := []struct {
		name string
		path string
	}{
		{"missing root", "x"},
		{"missing leaf", "a.c"},
		{"through scalar", "a.b.c"},
		{"too deep", "a.b.c.d.e"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, ok := Query(doc, tt.path)
			assert.False(t, ok)
			assert.Nil(t, v)
		})
	}
}

func TestQuery_NilDocumentAndEmptyPath(t *testing.T) {
	_, ok := Query(nil, "a")
	assert.False(t, ok)

	doc := Document{"k": "v"}
	v, ok := Query(doc, "")
	assert.True(t, ok)
	assert.Equal(t, doc, v)
}

func TestRender(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
		want  string
		found bool
	}{
		{"nil", nil, "", false},
		{"string", "s3cr3t", "s3cr3t", true},
		{"json number", json.Number("1.5"), "1.5", true},
		{"bool", true, "true", true},
		{"int", 42, "42", true},
		{"int64", int64(-3), "-3", true},
		{"float", 2.25, "2.25", true},
		{
			"nested mapping sorted",
			map[string]interface{}{"z": json.Number("1"), "a": map[string]interface{}{"y": "<x>"}},
			`{"a":{"y":"<x>"},"z":1}`,
			true,
		},
		{"list", []interface{}{"a", json.Number("2")}, `["a",2]`, true},
		{"document", Document{"b": "2", "a": "1"}, `{"a":"1","b":"2"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := Render(tt.value)
			assert.Equal(t, tt.found, found)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTypedAccessors(t *testing.T) {
	doc := mustDecode(t, `{
		"lease_id": "database/creds/app/abc",
		"lease_duration": 3600,
		"renewable": true,
		"data": {"data": {"ttl": "5", "ratio": 1.5}},
		"auth": {"policies": ["default", "app", 3]}
	}`)

	id, ok := String(doc, "lease_id")
	assert.True(t, ok)
	assert.Equal(t, "database/creds/app/abc", id)

	d, ok := Int(doc, "lease_duration")
	assert.True(t, ok)
	assert.Equal(t, int64(3600), d)

	ttl, ok := Int(doc, "data.data.ttl")
	assert.True(t, ok)
	assert.Equal(t, int64(5), ttl)

	_, ok = Int(doc, "data.data.ratio")
	assert.False(t, ok)

	r, ok := Bool(doc, "renewable")
	assert.True(t, ok)
	assert.True(t, r)

	policies, ok := Strings(doc, "auth.policies")
	assert.True(t, ok)
	assert.Equal(t, []string{"default", "app"}, policies)

	_, ok = Strings(doc, "lease_id")
	assert.False(t, ok)
}

func TestToInt(t *testing.T) {
	tests := []struct {
		in   interface{}
		want int64
		ok   bool
	}{
		{json.Number("12"), 12, true},
		{json.Number("12.0"), 12, true},
		{json.Number("12.5"), 0, false},
		{float64(8), 8, true},
		{int(4), 4, true},
		{int64(9), 9, true},
		{" 30 ", 30, true},
		{"thirty", 0, false},
		{true, 0, false},
	}

	for _, tt := range tests {
		got, ok := ToInt(tt.in)
		assert.Equal(t, tt.ok, ok, "input %v", tt.in)
		assert.Equal(t, tt.want, got, "input %v", tt.in)
	}
}

func TestDecode(t *testing.T) {
	doc, err := Decode(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, doc)

	doc, err = Decode(strings.NewReader("null"))
	require.NoError(t, err)
	assert.NotNil(t, doc)

	_, err = Decode(strings.NewReader("{broken"))
	assert.Error(t, err)
}
