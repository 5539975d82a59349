package marshal

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/addonrt/model"
)

type itemKind string

const (
	kindFile   itemKind = "file"
	kindFolder itemKind = "folder"
)

func (itemKind) EnumMembers() []EnumMember {
	return []EnumMember{
		{Name: "FILE", Value: kindFile},
		{Name: "FOLDER", Value: kindFolder},
	}
}

type item struct {
	ID     string              `json:"id"`
	Name   string              `json:"name"`
	Kind   itemKind            `json:"type"`
	Size   *int64              `json:"size"`
	Tags   []string            `json:"tags,omitempty"`
	Labels map[string]struct{} `json:"labels,omitempty"`
	Depth  int8                `json:"depth" default:"1"`
	Note   string              `json:"note,omitempty" description:"free text"`
}

type listing struct {
	Items  []item  `json:"items"`
	Cursor *string `json:"cursor"`
}

type noParams struct{}

func ptr[T any](v T) *T { return &v }

func mustDescribe[T any](t *testing.T) Type {
	t.Helper()
	desc, err := DescribeOf[T]()
	require.NoError(t, err)
	return desc
}

func TestDescribe_shapes(t *testing.T) {
	desc := mustDescribe[item](t)
	rec, ok := desc.(*Record)
	require.True(t, ok, "item should describe as a record, got %T", desc)
	require.Len(t, rec.Fields, 8)

	kind, ok := rec.Field("type")
	require.True(t, ok)
	enum, ok := kind.Type.(*Enum)
	require.True(t, ok)
	assert.Equal(t, []string{"FILE", "FOLDER"}, enum.Names())
	assert.True(t, kind.Required)

	size, _ := rec.Field("size")
	assert.IsType(t, &Optional{}, size.Type)
	assert.False(t, size.Required)

	labels, _ := rec.Field("labels")
	coll, ok := labels.Type.(*Collection)
	require.True(t, ok)
	assert.True(t, coll.Unordered)

	depth, _ := rec.Field("depth")
	def, ok := depth.Default()
	require.True(t, ok)
	assert.Equal(t, int8(1), def)

	note, _ := rec.Field("note")
	assert.Equal(t, "free text", note.Description)
}

func TestDescribe_rejectsUnsupportedShapes(t *testing.T) {
	type withUnexported struct {
		ID     string `json:"id"`
		secret string
	}
	type recursive struct {
		Children []recursive `json:"children"`
	}
	type withAny struct {
		Value any `json:"value"`
	}
	type point struct {
		X int `json:"x"`
	}

	tests := []struct {
		name string
		typ  reflect.Type
	}{
		{"any", reflect.TypeFor[any]()},
		{"plain map", reflect.TypeFor[map[string]int]()},
		{"channel", reflect.TypeFor[chan int]()},
		{"array", reflect.TypeFor[[3]int]()},
		{"nested optional", reflect.TypeFor[**int]()},
		{"unexported field", reflect.TypeFor[withUnexported]()},
		{"recursive record", reflect.TypeFor[recursive]()},
		{"any field", reflect.TypeFor[withAny]()},
		{"time", reflect.TypeFor[time.Time]()},
		{"set of records", reflect.TypeFor[map[point]struct{}]()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Describe(tt.typ)
			require.Error(t, err)
			assert.True(t, model.IsCode(err, model.ErrTypeNotConvertible), "got %v", err)
		})
	}
}

func TestDescribeRecord_rejectsNonRecords(t *testing.T) {
	for _, typ := range []reflect.Type{
		reflect.TypeFor[string](),
		reflect.TypeFor[[]item](),
		reflect.TypeFor[*item](),
	} {
		_, err := DescribeRecord(typ)
		assert.True(t, model.IsCode(err, model.ErrTypeNotConvertible), "%s: got %v", typ, err)
	}
}

func TestToJSON_omitsDefaults(t *testing.T) {
	desc := mustDescribe[item](t)
	data, err := Marshal(desc, item{ID: "1", Name: "root", Kind: kindFolder, Depth: 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"1","name":"root","type":"FOLDER"}`, string(data))

	data, err = Marshal(desc, item{ID: "1", Name: "root", Kind: kindFolder, Depth: 0, Note: "n"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"1","name":"root","type":"FOLDER","depth":0,"note":"n"}`, string(data))
}

func TestToJSON_listingScenario(t *testing.T) {
	desc := mustDescribe[listing](t)
	data, err := Marshal(desc, listing{Items: []item{{ID: "1", Name: "root", Kind: kindFolder, Depth: 1}}})
	require.NoError(t, err)
	assert.Equal(t, `{"items":[{"id":"1","name":"root","type":"FOLDER"}]}`, string(data))
}

func TestToJSON_setIsSorted(t *testing.T) {
	desc := mustDescribe[item](t)
	v := item{ID: "1", Name: "n", Kind: kindFile, Depth: 1,
		Labels: map[string]struct{}{"zeta": {}, "alpha": {}, "mid": {}}}
	tree, err := ToJSON(desc, v)
	require.NoError(t, err)
	assert.Equal(t, []any{"alpha", "mid", "zeta"}, tree.(map[string]any)["labels"])
}

func TestToJSON_rejectsNonMembers(t *testing.T) {
	desc := mustDescribe[item](t)
	_, err := ToJSON(desc, item{ID: "1", Kind: itemKind("link"), Depth: 1})
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrValueShapeMismatch))
}

func TestToJSON_rejectsWrongGoType(t *testing.T) {
	desc := mustDescribe[item](t)
	_, err := ToJSON(desc, listing{})
	assert.True(t, model.IsCode(err, model.ErrValueShapeMismatch))
}

func TestRoundTrip(t *testing.T) {
	itemDesc := mustDescribe[item](t)
	listingDesc := mustDescribe[listing](t)
	setDesc := mustDescribe[map[itemKind]struct{}](t)
	uintDesc := mustDescribe[[]uint64](t)
	floatDesc := mustDescribe[*float32](t)

	tests := []struct {
		name string
		desc Type
		v    any
	}{
		{"minimal item", itemDesc, item{ID: "1", Name: "a", Kind: kindFile, Depth: 1}},
		{"full item", itemDesc, item{
			ID: "2", Name: "b", Kind: kindFolder, Size: ptr(int64(-7)),
			Tags: []string{"x", "y"}, Labels: map[string]struct{}{"l": {}},
			Depth: -128, Note: "hello",
		}},
		{"empty non-nil tags", itemDesc, item{ID: "3", Kind: kindFile, Tags: []string{}, Depth: 1}},
		{"zero size", itemDesc, item{ID: "4", Kind: kindFile, Size: ptr(int64(0)), Depth: 1}},
		{"listing with cursor", listingDesc, listing{
			Items:  []item{{ID: "1", Kind: kindFile, Depth: 5}},
			Cursor: ptr("next"),
		}},
		{"empty listing", listingDesc, listing{Items: []item{}}},
		{"enum set", setDesc, map[itemKind]struct{}{kindFile: {}, kindFolder: {}}},
		{"large unsigned", uintDesc, []uint64{0, 1 << 63, 1<<64 - 1}},
		{"absent float", floatDesc, (*float32)(nil)},
		{"present float", floatDesc, ptr(float32(1.5))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Marshal(tt.desc, tt.v)
			require.NoError(t, err)
			got, err := Unmarshal(tt.desc, data)
			require.NoError(t, err, "decoding %s", data)
			assert.Equal(t, tt.v, got)
		})
	}
}

func TestFromJSON_appliesDefaults(t *testing.T) {
	desc := mustDescribe[item](t)
	got, err := Decode[item](desc, []byte(`{"id":"1","name":"a","type":"FILE"}`))
	require.NoError(t, err)
	assert.Equal(t, int8(1), got.Depth)
	assert.Nil(t, got.Size)
	assert.Nil(t, got.Tags)
}

func TestFromJSON_shapeMismatch(t *testing.T) {
	desc := mustDescribe[listing](t)
	tests := []struct {
		name string
		json string
		path string
	}{
		{"not an object", `[]`, "/"},
		{"missing required", `{}`, "/items"},
		{"unknown key", `{"items":[],"bogus":1}`, "/bogus"},
		{"wrong kind", `{"items":{}}`, "/items"},
		{"bad enum name", `{"items":[{"id":"1","name":"a","type":"LINK"}]}`, "/items/0/type"},
		{"enum by value", `{"items":[{"id":"1","name":"a","type":"file"}]}`, "/items/0/type"},
		{"null required", `{"items":[{"id":null,"name":"a","type":"FILE"}]}`, "/items/0/id"},
		{"fractional integer", `{"items":[{"id":"1","name":"a","type":"FILE","size":1.5}]}`, "/items/0/size"},
		{"int8 overflow", `{"items":[{"id":"1","name":"a","type":"FILE","depth":128}]}`, "/items/0/depth"},
		{"duplicate set member", `{"items":[{"id":"1","name":"a","type":"FILE","labels":["x","x"]}]}`, "/items/0/labels/1"},
		{"trailing data", `{"items":[]} {}`, "/"},
		{"malformed", `{"items":`, "/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal(desc, []byte(tt.json))
			require.Error(t, err)

			var env *model.ErrorEnvelope
			require.ErrorAs(t, err, &env)
			assert.Equal(t, model.ErrValueShapeMismatch, env.Code)
			require.NotEmpty(t, env.Details)
			assert.Equal(t, tt.path, env.Details[0].Field)
		})
	}
}

func TestFromJSON_acceptsIntegralFloats(t *testing.T) {
	desc := mustDescribe[item](t)
	got, err := Decode[item](desc, []byte(`{"id":"1","name":"a","type":"FILE","size":12.0,"depth":1e2}`))
	require.NoError(t, err)
	require.NotNil(t, got.Size)
	assert.Equal(t, int64(12), *got.Size)
	assert.Equal(t, int8(100), got.Depth)
}

func TestFromJSON_emptyParameters(t *testing.T) {
	desc := mustDescribe[noParams](t)
	_, err := Unmarshal(desc, []byte(`{}`))
	require.NoError(t, err)

	_, err = Unmarshal(desc, []byte(`{"bogus": 1}`))
	assert.True(t, model.IsCode(err, model.ErrValueShapeMismatch))
}

func TestSchemaFidelity(t *testing.T) {
	desc := mustDescribe[item](t)
	schema := SchemaFor(desc)

	docs := []string{
		`{"id":"1","name":"n","type":"FILE"}`,
		`{"id":"1","name":"n","type":"DOC"}`,
		`{"id":"1","name":"n"}`,
		`{"id":"1","name":"n","type":"FILE","size":null}`,
		`{"id":"1","name":"n","type":"FILE","size":12}`,
		`{"id":"1","name":"n","type":"FILE","size":12.0}`,
		`{"id":"1","name":"n","type":"FILE","size":1.5}`,
		`{"id":"1","name":"n","type":"FILE","size":"12"}`,
		`{"id":"1","name":"n","type":"FILE","size":9223372036854775808}`,
		`{"id":"1","name":"n","type":"FILE","size":9223372036854774784}`,
		`{"id":"1","name":"n","type":"FILE","size":-9223372036854775808}`,
		`{"id":"1","name":"n","type":"FILE","depth":300}`,
		`{"id":"1","name":"n","type":"FILE","depth":-128}`,
		`{"id":"1","name":"n","type":"FILE","depth":1e2}`,
		`{"id":"1","name":"n","type":"FILE","extra":true}`,
		`{"id":1,"name":"n","type":"FILE"}`,
		`{"id":"1","name":"n","type":"FILE","labels":["a","a"]}`,
		`{"id":"1","name":"n","type":"FILE","labels":["a","b"]}`,
		`{"id":"1","name":"n","type":"FILE","labels":[1]}`,
		`{"id":"1","name":"n","type":"FILE","tags":null}`,
		`{"id":"1","name":"n","type":"FILE","tags":[]}`,
		`{"id":"1","name":"n","type":"FILE","note":null}`,
		`{"id":"1","name":"n","type":null}`,
		`[]`,
		`null`,
		`"item"`,
	}
	for _, doc := range docs {
		t.Run(doc, func(t *testing.T) {
			var tree any
			require.NoError(t, json.Unmarshal([]byte(doc), &tree))

			_, decodeErr := Unmarshal(desc, []byte(doc))
			schemaErr := schema.VisitJSON(tree)
			assert.Equal(t, decodeErr == nil, schemaErr == nil,
				"decode error = %v, schema error = %v", decodeErr, schemaErr)
		})
	}
}

func TestSchemaFidelity_nestedRecords(t *testing.T) {
	desc := mustDescribe[listing](t)
	schema := SchemaFor(desc)

	docs := []struct {
		json string
		ok   bool
	}{
		{`{"items":[]}`, true},
		{`{"items":[],"cursor":"c"}`, true},
		{`{"items":[],"cursor":null}`, true},
		{`{"items":[{"id":"1","name":"n","type":"FOLDER"}]}`, true},
		{`{"items":[{"id":"1","name":"n","type":"FOLDER","x":1}]}`, false},
		{`{"items":[{}]}`, false},
		{`{"cursor":"c"}`, false},
		{`{"items":null}`, false},
	}
	for _, doc := range docs {
		var tree any
		require.NoError(t, json.Unmarshal([]byte(doc.json), &tree))

		_, decodeErr := Unmarshal(desc, []byte(doc.json))
		schemaErr := schema.VisitJSON(tree)
		assert.Equal(t, doc.ok, decodeErr == nil, "decode %s: %v", doc.json, decodeErr)
		assert.Equal(t, doc.ok, schemaErr == nil, "schema %s: %v", doc.json, schemaErr)
	}
}

func TestSchemaFor_recordDetails(t *testing.T) {
	schema := SchemaFor(mustDescribe[item](t))

	assert.ElementsMatch(t, []string{"id", "name", "type"}, schema.Required)
	require.NotNil(t, schema.AdditionalProperties.Has)
	assert.False(t, *schema.AdditionalProperties.Has)

	assert.Equal(t, []any{"FILE", "FOLDER"}, schema.Properties["type"].Value.Enum)
	assert.True(t, schema.Properties["size"].Value.Nullable)
	assert.True(t, schema.Properties["labels"].Value.UniqueItems)
	assert.Equal(t, int64(1), schema.Properties["depth"].Value.Default)
	assert.Equal(t, "free text", schema.Properties["note"].Value.Description)
}

func TestSchemaForParameters(t *testing.T) {
	rec, err := DescribeRecord(reflect.TypeFor[noParams]())
	require.NoError(t, err)

	schema := SchemaForParameters(rec)
	assert.Equal(t, "noParams", schema.Title)
	assert.NoError(t, schema.VisitJSON(map[string]any{}))
	assert.Error(t, schema.VisitJSON(map[string]any{"bogus": float64(1)}))
}
