package durationstr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, s string) int64 {
	t.Helper()
	r := Parse(s)
	require.True(t, r.IsOk(), "Parse(%q) should succeed", s)
	v, _ := r.Value()
	return v
}

func TestParseRoundTripLaws(t *testing.T) {
	assert.Equal(t, int64(5000), mustParse(t, "5s"))

	assert.True(t, Parse("1h30m").IsErr())

	assert.Equal(t, int64(-1800000), mustParse(t, "-.5h"))

	assert.Equal(t, int64(0), mustParse(t, "0"))

	assert.True(t, Parse(" 5s").IsErr())
}

func TestParseUnitsAndAliases(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"100ms", 100},
		{"100msec", 100},
		{"2 seconds", 2000},
		{"1min", 60000},
		{"1 minutes", 60000},
		{"1h", 3600000},
		{"2hrs", 7200000},
		{"1d", 86400000},
		{"2days", 172800000},
		{"1w", 604800000},
		{"2weeks", 1209600000},
		{"1mo", int64(30.4375 * 86400000)},
		{"1y", int64(365.25 * 86400000)},
		{"1yr", int64(365.25 * 86400000)},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, mustParse(t, c.in), c.in)
	}
}

func TestParseCaseInsensitive(t *testing.T) {
	assert.Equal(t, int64(5000), mustParse(t, "5S"))
	assert.Equal(t, int64(3*3600000), mustParse(t, "3HOURS"))
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "abc", "5 foo", "5s ", "5", "- 5s"} {
		if in == "5" {
			// bare number is valid (milliseconds); skip.
			continue
		}
		assert.True(t, Parse(in).IsErr(), in)
	}
}

func TestParseSignedAndFractional(t *testing.T) {
	assert.Equal(t, int64(-5000), mustParse(t, "-5s"))
	assert.Equal(t, int64(5000), mustParse(t, "+5s"))
	assert.Equal(t, int64(1500), mustParse(t, "1.5s"))
}

func TestParseErrorMessage(t *testing.T) {
	r := Parse("5 foo")
	require.True(t, r.IsErr())
	err, ok := r.Error()
	require.True(t, ok)
	assert.Contains(t, err.Error(), "unknown unit")
}
