package update

import (
	"testing"

	"github.com/dddevid/mainydb/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doc(fields map[string]core.Value) *core.Document {
	d := core.NewDocument()
	d.Set("_id", core.ObjectID("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"))
	for k, v := range fields {
		d.Set(k, v)
	}
	return d
}

func TestApply_SetField(t *testing.T) {
	d := doc(map[string]core.Value{"age": core.Int(30)})
	spec := core.NewDocument()
	set := core.NewDocument()
	set.Set("age", core.Int(31))
	spec.Set("$set", core.DocValue(set))

	out, modified, err := Apply(d, spec)
	require.NoError(t, err)
	assert.True(t, modified)
	v, _ := out.Get("age")
	age, _ := v.AsInt64()
	assert.Equal(t, int64(31), age)
}

func TestApply_SetNoOpDetectsUnmodified(t *testing.T) {
	d := doc(map[string]core.Value{"age": core.Int(30)})
	spec := core.NewDocument()
	set := core.NewDocument()
	set.Set("age", core.Int(30))
	spec.Set("$set", core.DocValue(set))

	out, modified, err := Apply(d, spec)
	require.NoError(t, err)
	assert.False(t, modified)
	assert.True(t, core.Equal(core.DocValue(d), core.DocValue(out)))
}

func TestApply_SetCannotTouchID(t *testing.T) {
	d := doc(nil)
	spec := core.NewDocument()
	set := core.NewDocument()
	set.Set("_id", core.ObjectID("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"))
	spec.Set("$set", core.DocValue(set))

	_, _, err := Apply(d, spec)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindBadUpdate))
}

func TestApply_Inc(t *testing.T) {
	d := doc(map[string]core.Value{"count": core.Int(5)})
	spec := core.NewDocument()
	inc := core.NewDocument()
	inc.Set("count", core.Int(2))
	spec.Set("$inc", core.DocValue(inc))

	out, modified, err := Apply(d, spec)
	require.NoError(t, err)
	assert.True(t, modified)
	v, _ := out.Get("count")
	n, _ := v.AsInt64()
	assert.Equal(t, int64(7), n)
}

func TestApply_IncOnMissingFieldCreatesIt(t *testing.T) {
	d := doc(nil)
	spec := core.NewDocument()
	inc := core.NewDocument()
	inc.Set("count", core.Int(3))
	spec.Set("$inc", core.DocValue(inc))

	out, _, err := Apply(d, spec)
	require.NoError(t, err)
	v, _ := out.Get("count")
	n, _ := v.AsInt64()
	assert.Equal(t, int64(3), n)
}

func TestApply_IncRejectsNonNumericField(t *testing.T) {
	d := doc(map[string]core.Value{"name": core.String("bob")})
	spec := core.NewDocument()
	inc := core.NewDocument()
	inc.Set("name", core.Int(1))
	spec.Set("$inc", core.DocValue(inc))

	_, _, err := Apply(d, spec)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindBadUpdate))
}

func TestApply_Unset(t *testing.T) {
	d := doc(map[string]core.Value{"temp": core.Bool(true)})
	spec := core.NewDocument()
	unset := core.NewDocument()
	unset.Set("temp", core.Int(1))
	spec.Set("$unset", core.DocValue(unset))

	out, modified, err := Apply(d, spec)
	require.NoError(t, err)
	assert.True(t, modified)
	_, ok := out.Get("temp")
	assert.False(t, ok)
}

func TestApply_Rename(t *testing.T) {
	d := doc(map[string]core.Value{"old": core.Int(1)})
	spec := core.NewDocument()
	ren := core.NewDocument()
	ren.Set("old", core.String("new"))
	spec.Set("$rename", core.DocValue(ren))

	out, _, err := Apply(d, spec)
	require.NoError(t, err)
	_, ok := out.Get("old")
	assert.False(t, ok)
	v, ok := out.Get("new")
	require.True(t, ok)
	n, _ := v.AsInt64()
	assert.Equal(t, int64(1), n)
}

func TestApply_PushAndPop(t *testing.T) {
	d := doc(map[string]core.Value{"tags": core.Array(core.String("a"), core.String("b"))})
	spec := core.NewDocument()
	push := core.NewDocument()
	push.Set("tags", core.String("c"))
	spec.Set("$push", core.DocValue(push))

	out, modified, err := Apply(d, spec)
	require.NoError(t, err)
	assert.True(t, modified)
	v, _ := out.Get("tags")
	arr, _ := v.AsArray()
	require.Len(t, arr, 3)

	popSpec := core.NewDocument()
	pop := core.NewDocument()
	pop.Set("tags", core.Int(1))
	popSpec.Set("$pop", core.DocValue(pop))
	out2, _, err := Apply(out, popSpec)
	require.NoError(t, err)
	v2, _ := out2.Get("tags")
	arr2, _ := v2.AsArray()
	assert.Len(t, arr2, 2)
}

func TestApply_AddToSetDedups(t *testing.T) {
	d := doc(map[string]core.Value{"tags": core.Array(core.String("a"))})
	spec := core.NewDocument()
	add := core.NewDocument()
	add.Set("tags", core.String("a"))
	spec.Set("$addToSet", core.DocValue(add))

	out, modified, err := Apply(d, spec)
	require.NoError(t, err)
	assert.False(t, modified)
	v, _ := out.Get("tags")
	arr, _ := v.AsArray()
	assert.Len(t, arr, 1)
}

func TestApply_PullRemovesMatching(t *testing.T) {
	d := doc(map[string]core.Value{"nums": core.Array(core.Int(1), core.Int(2), core.Int(3))})
	spec := core.NewDocument()
	pull := core.NewDocument()
	gt := core.NewDocument()
	gt.Set("$gt", core.Int(1))
	pull.Set("nums", core.DocValue(gt))
	spec.Set("$pull", core.DocValue(pull))

	out, modified, err := Apply(d, spec)
	require.NoError(t, err)
	assert.True(t, modified)
	v, _ := out.Get("nums")
	arr, _ := v.AsArray()
	require.Len(t, arr, 1)
	n, _ := arr[0].AsInt64()
	assert.Equal(t, int64(1), n)
}

func TestApply_Replacement(t *testing.T) {
	d := doc(map[string]core.Value{"a": core.Int(1)})
	spec := core.NewDocument()
	spec.Set("b", core.Int(2))

	out, modified, err := Apply(d, spec)
	require.NoError(t, err)
	assert.True(t, modified)
	_, ok := out.Get("a")
	assert.False(t, ok)
	v, ok := out.Get("b")
	require.True(t, ok)
	n, _ := v.AsInt64()
	assert.Equal(t, int64(2), n)
	oldID, _ := d.Get("_id")
	newID, _ := out.Get("_id")
	assert.True(t, core.Equal(oldID, newID))
}

func TestApply_MixedShapeRejected(t *testing.T) {
	d := doc(nil)
	spec := core.NewDocument()
	spec.Set("$set", core.DocValue(core.NewDocument()))
	spec.Set("plainField", core.Int(1))

	_, _, err := Apply(d, spec)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindBadUpdate))
}
