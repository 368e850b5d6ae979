package redirect

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// lockedBuffer is a bytes.Buffer safe for concurrent writers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRedirector_UnboundUsesFallback(t *testing.T) {
	var def bytes.Buffer
	r := New(&def)

	fmt.Fprint(r.Writer(context.Background()), "plain")
	fmt.Fprint(r.Writer(WithKey(context.Background(), NewKey())), "+unbound")

	assert.Equal(t, "plain+unbound", def.String())
}

func TestRedirector_Isolation(t *testing.T) {
	for _, order := range [][2]int{{0, 1}, {1, 0}} {
		var def lockedBuffer
		r := New(&def)

		outs := [2]*lockedBuffer{{}, {}}
		keys := [2]Key{NewKey(), NewKey()}
		for i := range keys {
			r.Bind(keys[i], outs[i])
		}

		// Force both interleavings: the second writer starts only after
		// the first has written.
		step := make(chan struct{})
		var wg sync.WaitGroup
		for n, i := range order {
			wg.Add(1)
			go func(n, i int) {
				defer wg.Done()
				if n == 1 {
					<-step
				}
				fmt.Fprintf(r.Writer(WithKey(context.Background(), keys[i])), "token-%d", i)
				if n == 0 {
					close(step)
				}
			}(n, i)
		}
		wg.Wait()

		assert.Equal(t, "token-0", outs[0].String())
		assert.Equal(t, "token-1", outs[1].String())
		assert.Empty(t, def.String())
	}
}

func TestRedirector_UnbindRestoresDefault(t *testing.T) {
	var def, sess bytes.Buffer
	r := New(&def)
	key := NewKey()
	w := r.Writer(WithKey(context.Background(), key))

	r.Bind(key, &sess)
	fmt.Fprint(w, "live")
	r.Unbind(key)
	fmt.Fprint(w, "late")

	assert.Equal(t, "live", sess.String())
	assert.Equal(t, "late", def.String())
	assert.False(t, r.Bound(key))
	assert.Zero(t, r.Len())
}

func TestNewKey_Unique(t *testing.T) {
	seen := make(map[Key]bool)
	for i := 0; i < 1000; i++ {
		k := NewKey()
		assert.False(t, seen[k])
		seen[k] = true
	}
}
