package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_Valid(t *testing.T) {
	r := New()
	tgt, err := r.Register("users", "localhost:8081", "http")
	require.NoError(t, err)

	assert.Equal(t, "users", tgt.ID)
	assert.Equal(t, "localhost", tgt.Host)
	assert.Equal(t, 8081, tgt.Port)
	assert.Equal(t, "http", tgt.Scheme)
	assert.Equal(t, "localhost:8081", tgt.Address())
	assert.Equal(t, "http://localhost:8081", tgt.URL().String())
	assert.Equal(t, LivenessUnknown, tgt.Liveness())
}

func TestRegister_SchemeSpellings(t *testing.T) {
	cases := map[string]string{
		"":      "http",
		"HTTP":  "http",
		"ws":    "http",
		"https": "https",
		"wss":   "https",
	}
	for in, want := range cases {
		r := New()
		tgt, err := r.Register("a", "host:1", in)
		require.NoError(t, err, in)
		assert.Equal(t, want, tgt.Scheme, in)
	}
}

func TestRegister_Invalid(t *testing.T) {
	cases := []struct {
		name    string
		id      string
		address string
		scheme  string
	}{
		{"empty id", "", "localhost:80", "http"},
		{"missing port", "a", "localhost", "http"},
		{"empty host", "a", ":80", "http"},
		{"non numeric port", "a", "localhost:http", "http"},
		{"port zero", "a", "localhost:0", "http"},
		{"port too large", "a", "localhost:70000", "http"},
		{"bad scheme", "a", "localhost:80", "ftp"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := New()
			_, err := r.Register(tc.id, tc.address, tc.scheme)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidTarget), "got %v", err)
			assert.Equal(t, 0, r.Len())
		})
	}
}

func TestResolve_Unknown(t *testing.T) {
	r := New()
	_, err := r.Resolve("nope")
	assert.ErrorIs(t, err, ErrUnknownTarget)
}

func TestRegister_ReplaceKeepsOldValueAndPosition(t *testing.T) {
	r := New()
	_, _ = r.Register("a", "a:1", "http")
	old, _ := r.Register("b", "b:1", "http")
	_, _ = r.Register("c", "c:1", "http")

	held, err := r.Resolve("b")
	require.NoError(t, err)
	require.Same(t, old, held)

	repl, err := r.Register("b", "b2:2", "https")
	require.NoError(t, err)

	// the in-flight holder still sees the old endpoint
	assert.Equal(t, "b:1", held.Address())
	assert.NotSame(t, held, repl)

	cur, _ := r.Resolve("b")
	assert.Same(t, repl, cur)

	ids := []string{}
	for _, tgt := range r.List() {
		ids = append(ids, tgt.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestDeregister(t *testing.T) {
	r := New()
	_, _ = r.Register("a", "a:1", "http")
	_, _ = r.Register("b", "b:1", "http")

	assert.True(t, r.Deregister("a"))
	assert.False(t, r.Deregister("a"))
	_, err := r.Resolve("a")
	assert.ErrorIs(t, err, ErrUnknownTarget)
	require.Len(t, r.List(), 1)
	assert.Equal(t, "b", r.List()[0].ID)
}

func TestSetLiveness(t *testing.T) {
	r := New()
	tgt, _ := r.Register("a", "a:1", "http")

	prev, err := r.SetLiveness("a", LivenessDown)
	require.NoError(t, err)
	assert.Equal(t, LivenessUnknown, prev)
	assert.Equal(t, LivenessDown, tgt.Liveness())

	prev, _ = r.SetLiveness("a", LivenessUp)
	assert.Equal(t, LivenessDown, prev)

	_, err = r.SetLiveness("missing", LivenessUp)
	assert.ErrorIs(t, err, ErrUnknownTarget)
}

func TestWithOptions(t *testing.T) {
	r := New()
	tgt, err := r.Register("a", "a:443", "https",
		WithHealthPath("/healthz"),
		WithPreserveHost(true),
		WithInsecureSkipVerify(true),
		WithLiveness(LivenessUp),
	)
	require.NoError(t, err)
	assert.Equal(t, "/healthz", tgt.HealthPath)
	assert.True(t, tgt.PreserveHost)
	assert.True(t, tgt.InsecureSkipVerify)
	assert.Equal(t, LivenessUp, tgt.Liveness())
}

func TestListSnapshotIsStable(t *testing.T) {
	r := New()
	_, _ = r.Register("a", "a:1", "http")
	list := r.List()
	_, _ = r.Register("b", "b:1", "http")
	assert.Len(t, list, 1)
	assert.Len(t, r.List(), 2)
}

func TestConcurrentRegisterAndResolve(t *testing.T) {
	r := New()
	_, _ = r.Register("a", "a:1", "http")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_, _ = r.Register("a", "a:1", "http")
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if _, err := r.Resolve("a"); err != nil {
					t.Errorf("resolve failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, r.Len())
}

func TestParseLiveness(t *testing.T) {
	l, err := ParseLiveness("down")
	require.NoError(t, err)
	assert.Equal(t, LivenessDown, l)

	_, err = ParseLiveness("sideways")
	assert.Error(t, err)

	b, _ := LivenessUp.MarshalText()
	assert.Equal(t, "UP", string(b))
}

func TestSetLivenessIf(t *testing.T) {
	r := New()
	old, _ := r.Register("a", "a:1", "http")

	prev, ok := r.SetLivenessIf(old, LivenessUp)
	require.True(t, ok)
	assert.Equal(t, LivenessUnknown, prev)

	repl, _ := r.Register("a", "a:2", "http", WithLiveness(LivenessUp))
	_, ok = r.SetLivenessIf(old, LivenessDown)
	assert.False(t, ok, "a replaced target must not be updated")
	assert.Equal(t, LivenessUp, repl.Liveness())

	r.Deregister("a")
	_, ok = r.SetLivenessIf(repl, LivenessDown)
	assert.False(t, ok)
}

func TestSetLivenessIf_ConcurrentReplace(t *testing.T) {
	r := New()
	for i := 0; i < 200; i++ {
		old, _ := r.Register("a", "a:1", "http")
		var wg sync.WaitGroup
		var repl *Target
		wg.Go(func() {
			repl, _ = r.Register("a", "a:2", "http", WithLiveness(LivenessUp))
		})
		wg.Go(func() {
			_, _ = r.SetLivenessIf(old, LivenessDown)
		})
		wg.Wait()
		require.Equal(t, LivenessUp, repl.Liveness(), "iteration %d", i)
	}
}
