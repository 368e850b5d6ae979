package namespace

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamespace_SetGetDelete(t *testing.T) {
	ns := New()

	_, ok := ns.Get("x")
	assert.False(t, ok)

	ns.Set("x", 1)
	v, ok := ns.Get("x")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	assert.False(t, ns.SetDefault("x", 2))
	assert.True(t, ns.SetDefault("y", 2))

	assert.True(t, ns.Delete("x"))
	assert.False(t, ns.Delete("x"))
	assert.Equal(t, []string{"y"}, ns.Names())
}

func TestNamespace_WithPrefix(t *testing.T) {
	ns := New()
	for _, name := range []string{"print", "pi", "len", "prompt"} {
		ns.Set(name, nil)
	}
	assert.Equal(t, []string{"pi", "print", "prompt"}, ns.WithPrefix("p"))
	assert.Equal(t, []string{"print", "prompt"}, ns.WithPrefix("pr"))
	assert.Empty(t, ns.WithPrefix("z"))
}

func TestNamespace_ConcurrentWriters(t *testing.T) {
	ns := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				ns.Set(fmt.Sprintf("k%d", i), j)
				ns.Get("k0")
				ns.Names()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 16, ns.Len())
}

func TestGlobal_IsShared(t *testing.T) {
	Global().Set("shared-test", true)
	v, ok := Global().Get("shared-test")
	require.True(t, ok)
	assert.Equal(t, true, v)
	Global().Delete("shared-test")
}
