package record

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDoc() Value {
	return Map(
		F("title", String("Pilot")),
		F("scenes", Array(
			Map(F("n", Number(1)), F("cover", String("https://blobs/abc"))),
			Map(F("n", Number(2)), F("draft", Bool(true))),
		)),
		F("notes", Null()),
	)
}

func TestValue_MapKeepsInsertionOrder(t *testing.T) {
	v := Map(F("z", Number(1)), F("a", Number(2)), F("m", Number(3)), F("a", Number(4)))

	assert.Equal(t, []string{"z", "a", "m"}, v.Keys())
	got, ok := v.Get("a")
	require.True(t, ok)
	n, _ := got.AsNumber()
	assert.Equal(t, 4.0, n)
}

func TestValue_CloneIsDeep(t *testing.T) {
	orig := sampleDoc()
	cp := orig.Clone()
	cp.Fields()[0].Value = String("changed")

	title, _ := orig.Get("title")
	s, _ := title.AsString()
	assert.Equal(t, "Pilot", s)
	assert.True(t, Identical(orig, sampleDoc()))
}

func TestValue_Merge(t *testing.T) {
	existing := Map(F("a", Number(1)), F("b", String("keep")))
	patch := Map(F("a", Number(9)), F("c", Bool(true)))

	merged := existing.Merge(patch)

	assert.Equal(t, []string{"a", "b", "c"}, merged.Keys())
	a, _ := merged.Get("a")
	n, _ := a.AsNumber()
	assert.Equal(t, 9.0, n)
	assert.Equal(t, 2, existing.Len(), "merge must not mutate the receiver")
}

func TestEqual(t *testing.T) {
	a := Map(F("x", Number(1)), F("y", Number(2)))
	b := Map(F("y", Number(2)), F("x", Number(1)))

	assert.True(t, Equal(a, b))
	assert.False(t, Identical(a, b))
	assert.False(t, Equal(Array(Number(1), Number(2)), Array(Number(2), Number(1))))
	assert.False(t, Equal(Null(), Bool(false)))
}

func TestPath_String(t *testing.T) {
	p := Path{}.Key("frame").Key("images").Index(2).Key("src")
	assert.Equal(t, "frame.images[2].src", p.String())
	assert.Equal(t, "$", Path{}.String())
	assert.Equal(t, "[0].x", Path{}.Index(0).Key("x").String())
}

func TestWalkAndLookup(t *testing.T) {
	doc := sampleDoc()
	var paths []string
	Walk(doc, func(p Path, v Value) bool {
		paths = append(paths, p.String())
		return true
	})

	assert.Equal(t, []string{
		"$", "title", "scenes", "scenes[0]", "scenes[0].n", "scenes[0].cover",
		"scenes[1]", "scenes[1].n", "scenes[1].draft", "notes",
	}, paths)

	cover, ok := Lookup(doc, Path{}.Key("scenes").Index(0).Key("cover"))
	require.True(t, ok)
	s, _ := cover.AsString()
	assert.Equal(t, "https://blobs/abc", s)

	_, ok = Lookup(doc, Path{}.Key("scenes").Index(5))
	assert.False(t, ok)
	assert.Equal(t, 3, Depth(doc))
}

func TestRewrite(t *testing.T) {
	doc := sampleDoc()
	out := Rewrite(doc, func(p Path, v Value) (Value, bool) {
		if s, ok := v.AsString(); ok && s == "https://blobs/abc" {
			return String("replaced"), true
		}
		return Value{}, false
	})

	cover, _ := Lookup(out, Path{}.Key("scenes").Index(0).Key("cover"))
	s, _ := cover.AsString()
	assert.Equal(t, "replaced", s)
	assert.True(t, Identical(doc, sampleDoc()), "input must be untouched")
	assert.Equal(t, doc.Keys(), out.Keys())
}

func TestJSON_RoundTripKeepsOrder(t *testing.T) {
	src := `{"z":1,"a":{"k":[1,"two",true,null]},"m":"x"}`
	v, err := Decode([]byte(src))
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "a", "m"}, v.Keys())

	out, err := Encode(v)
	require.NoError(t, err)
	assert.Equal(t, src, string(out))

	size, err := Size(v)
	require.NoError(t, err)
	assert.Equal(t, len(src), size)
}

func TestJSON_NumbersKeepTheirDigits(t *testing.T) {
	src := `{"id":9007199254740993,"ts":1712345678901234567,"ratio":0.25,"n":3,"exp":1E5}`
	v, err := Decode([]byte(src))
	require.NoError(t, err)

	out, err := Encode(v)
	require.NoError(t, err)
	assert.Equal(t, src, string(out))

	n, _ := v.Get("n")
	assert.Equal(t, Number(3), n)
	exp, _ := v.Get("exp")
	assert.True(t, Equal(Number(100000), exp))

	id, _ := v.Get("id")
	near, err := NumberLiteral("9007199254740992")
	require.NoError(t, err)
	assert.False(t, Equal(id, near), "adjacent integers above 2^53 stay distinct")
	assert.True(t, Equal(id, id.Clone()))

	big, err := FromAny(map[string]any{"id": int64(9007199254740993)})
	require.NoError(t, err)
	data, err := Encode(big)
	require.NoError(t, err)
	assert.Equal(t, `{"id":9007199254740993}`, string(data))
	assert.Equal(t, json.Number("9007199254740993"), ToAny(big).(map[string]any)["id"])

	_, err = NumberLiteral("1e400")
	assert.Error(t, err)
}

func TestJSON_Errors(t *testing.T) {
	_, err := Decode([]byte(`{"a":1} {"b":2}`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"a":`))
	assert.Error(t, err)

	_, err = Encode(Map(F("bad", Number(math.NaN()))))
	assert.ErrorIs(t, err, ErrNonFinite)
}

func TestJSON_MarshalerIntegration(t *testing.T) {
	type envelope struct {
		Record Value `json:"record"`
	}
	var env envelope
	require.NoError(t, json.Unmarshal([]byte(`{"record":{"b":1,"a":2}}`), &env))
	assert.Equal(t, []string{"b", "a"}, env.Record.Keys())

	data, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"record":{"b":1,"a":2}}`, string(data))
}

func TestFromAnyToAny(t *testing.T) {
	v, err := FromAny(map[string]any{
		"b": []any{1, "x", nil},
		"a": map[string]any{"ok": true},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, v.Keys())

	back := ToAny(v).(map[string]any)
	assert.Equal(t, []any{1.0, "x", nil}, back["b"])

	_, err = FromAny(struct{}{})
	assert.Error(t, err)
}
