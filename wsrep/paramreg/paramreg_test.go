package paramreg

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterSetGetRoundTrip(t *testing.T) {
	r := New()
	threads := 4
	r.Register("applier_threads",
		func() string { return strconv.Itoa(threads) },
		func(v string) error {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return assertErr(v)
			}
			threads = n
			return nil
		})

	value, ok := r.Get("applier_threads")
	require.True(t, ok)
	assert.Equal(t, "4", value)

	require.NoError(t, r.Set("applier_threads", "8"))
	value, _ = r.Get("applier_threads")
	assert.Equal(t, "8", value)
	assert.Equal(t, 8, threads)
}

func TestSetRejectsOutOfRangeValue(t *testing.T) {
	r := New()
	r.Register("commit_order", func() string { return "3" }, func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 3 {
			return assertErr(v)
		}
		return nil
	})

	assert.Error(t, r.Set("commit_order", "99"))
}

func TestUnknownKeyErrors(t *testing.T) {
	r := New()
	assert.Error(t, r.Set("nonexistent", "1"))
	_, ok := r.Get("nonexistent")
	assert.False(t, ok)
}

func TestReadOnlyParameterRejectsSet(t *testing.T) {
	r := New()
	r.Register("base_dir", func() string { return "/var/lib/node" }, nil)
	assert.Error(t, r.Set("base_dir", "/tmp"))
}

func assertErr(v string) error {
	return &rangeErr{v}
}

type rangeErr struct{ v string }

func (e *rangeErr) Error() string { return "out of range: " + e.v }
