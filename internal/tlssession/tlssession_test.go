package tlssession_test

import (
	"testing"
	"time"

	"github.com/ameshkov/tlsrelay/internal/tlssession"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_PutGet(t *testing.T) {
	c := tlssession.New(0, time.Hour)

	c.Put("id-1", []byte("session-1"))
	require.Equal(t, []byte("session-1"), c.Get("id-1"))

	// Overwrite.
	c.Put("id-1", []byte("session-2"))
	require.Equal(t, []byte("session-2"), c.Get("id-1"))

	assert.Nil(t, c.Get("unknown"))
}

func TestCache_evictsLeastRecentlyUsed(t *testing.T) {
	c := tlssession.New(2, 0)

	c.Put("a", []byte("1"))
	c.Put("b", []byte("2"))

	// Touch "a" so that "b" becomes the least recently used.
	require.NotNil(t, c.Get("a"))

	c.Put("c", []byte("3"))

	assert.NotNil(t, c.Get("a"))
	assert.Nil(t, c.Get("b"))
	assert.NotNil(t, c.Get("c"))
}

func TestCache_expires(t *testing.T) {
	const ttl = 50 * time.Millisecond

	c := tlssession.New(10, ttl)
	c.Put("a", []byte("1"))
	require.NotNil(t, c.Get("a"))

	require.Eventually(t, func() bool {
		return c.Get("a") == nil
	}, 20*ttl, ttl/5)
}

func TestCache_concurrent(t *testing.T) {
	c := tlssession.New(100, time.Minute)

	done := make(chan struct{})
	for i := range 8 {
		go func() {
			defer func() { done <- struct{}{} }()

			for j := range 1000 {
				id := string(rune('a' + (i+j)%26))
				c.Put(id, []byte{byte(j)})
				_ = c.Get(id)
			}
		}()
	}

	for range 8 {
		<-done
	}
}
