package provenance

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func TestNewIsUnedited(t *testing.T) {
	v := New(t0, "PO-100")
	assert.Equal(t, "PO-100", v.Value)
	assert.False(t, v.IsEdited)
	assert.Equal(t, t0, v.CreatedAt)
	assert.Equal(t, t0, v.UpdatedAt)
}

func TestEditByCreatorKeepsFlag(t *testing.T) {
	v := New(t0, "PO-100")
	later := t0.Add(time.Hour)
	v = v.Edit(later, "PO-101", false)
	assert.Equal(t, "PO-101", v.Value)
	assert.False(t, v.IsEdited)
	assert.Equal(t, t0, v.CreatedAt)
	assert.Equal(t, later, v.UpdatedAt)
}

func TestEditByOtherSetsFlag(t *testing.T) {
	v := New(t0, "PO-100").Edit(t0.Add(time.Minute), "PO-200", true)
	assert.True(t, v.IsEdited)
	v = v.Edit(t0.Add(2*time.Minute), "PO-300", false)
	assert.True(t, v.IsEdited, "edit flag must not reset")
}

func TestIsEditedMonotone(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for run := 0; run < 200; run++ {
		v := New(t0, "")
		seen := false
		now := t0
		for step := 0; step < 50; step++ {
			now = now.Add(time.Duration(rng.Intn(3600)) * time.Second)
			by := rng.Intn(4) == 0
			v = v.Edit(now, randomValue(rng), by)
			seen = seen || by
			require.Equal(t, seen, v.IsEdited, "run %d step %d", run, step)
			require.Equal(t, t0, v.CreatedAt)
			require.Equal(t, now, v.UpdatedAt)
		}
	}
}

func randomValue(rng *rand.Rand) string {
	vals := []string{"", "   ", "PO-1", "JC-77", "DC-9"}
	return vals[rng.Intn(len(vals))]
}

func TestIsFilled(t *testing.T) {
	empty := New(t0, "")
	blank := New(t0, "   ")
	po := New(t0, "PO-100")
	edited := New(t0, "").Edit(t0, "", true)

	assert.False(t, IsFilled(nil))
	assert.False(t, IsFilled(&empty))
	assert.False(t, IsFilled(&blank))
	assert.False(t, IsFilled(&edited))
	assert.True(t, IsFilled(&po))
}

func TestListAppendRemovePreservesSurvivors(t *testing.T) {
	var l List
	l = l.Append(t0, "DC-1")
	l = l.Append(t0.Add(time.Hour), "DC-2")
	l = l.Append(t0.Add(2*time.Hour), "DC-3")
	before := append(List(nil), l[1:]...)

	out, err := l.RemoveAt(0)
	require.NoError(t, err)
	assert.Equal(t, before, out)
	assert.Len(t, l, 3, "receiver must not be mutated")

	latest, ok := out.Latest()
	require.True(t, ok)
	assert.Equal(t, "DC-3", latest.Value)
}

func TestListRemoveOutOfRange(t *testing.T) {
	l := List{}.Append(t0, "DC-1")
	_, err := l.RemoveAt(1)
	assert.Error(t, err)
	_, err = l.RemoveAt(-1)
	assert.Error(t, err)
}

func TestLatestEmpty(t *testing.T) {
	_, ok := List(nil).Latest()
	assert.False(t, ok)
}
