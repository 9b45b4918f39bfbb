package result

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOkErr(t *testing.T) {
	ok := Ok[int, error](42)
	assert.True(t, ok.IsOk())
	assert.False(t, ok.IsErr())
	v, got := ok.Value()
	require.True(t, got)
	assert.Equal(t, 42, v)

	bad := Err[int, error](errors.New("boom"))
	assert.False(t, bad.IsOk())
	assert.True(t, bad.IsErr())
	e, got := bad.Error()
	require.True(t, got)
	assert.EqualError(t, e, "boom")
}

func TestUnwrapPanicsOnErr(t *testing.T) {
	bad := Err[int, error](errors.New("boom"))
	assert.Panics(t, func() { bad.Unwrap() })
}

func TestMap(t *testing.T) {
	ok := Ok[int, error](2)
	doubled := Map(ok, func(v int) int { return v * 2 })
	assert.Equal(t, 4, doubled.Unwrap())

	bad := Err[int, error](errors.New("boom"))
	stillBad := Map(bad, func(v int) int { return v * 2 })
	assert.True(t, stillBad.IsErr())
}
