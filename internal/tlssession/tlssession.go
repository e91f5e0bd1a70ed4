// Package tlssession implements the server-side store of TLS session state
// that allows clients to resume their sessions with an abbreviated handshake.
package tlssession

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/bluele/gcache"
	"github.com/google/uuid"
)

// DefaultSize is the number of entries the cache keeps when the size is not
// specified.
const DefaultSize = 4096

// Cache is a bounded LRU store of serialized TLS session state keyed by the
// ticket identity sent to the client.  It is safe for concurrent use.
type Cache struct {
	entries gcache.Cache
}

// New creates a new *Cache that keeps at most size entries for at most ttl.
// If size is not positive, DefaultSize is used.  If ttl is zero, entries are
// only evicted when the cache is full.
func New(size int, ttl time.Duration) (c *Cache) {
	if size <= 0 {
		size = DefaultSize
	}

	b := gcache.New(size).LRU()
	if ttl > 0 {
		b = b.Expiration(ttl)
	}

	return &Cache{
		entries: b.Build(),
	}
}

// Put stores data under id, replacing the previous entry if any.
func (c *Cache) Put(id string, data []byte) {
	// Set only fails for loading caches.
	_ = c.entries.Set(id, data)
}

// Get returns the data stored under id or nil if there is no such entry or it
// has expired.
func (c *Cache) Get(id string) (data []byte) {
	v, err := c.entries.Get(id)
	if err != nil {
		return nil
	}

	data, _ = v.([]byte)

	return data
}

// Install makes conf store the session state in c instead of encrypting it
// into the session tickets.  Clients only receive random ticket identities.
func (c *Cache) Install(conf *tls.Config) {
	conf.WrapSession = c.wrapSession
	conf.UnwrapSession = c.unwrapSession
}

// wrapSession implements the tls.Config.WrapSession callback.  It is called
// when a new session is established.
func (c *Cache) wrapSession(_ tls.ConnectionState, ss *tls.SessionState) (identity []byte, err error) {
	data, err := ss.Bytes()
	if err != nil {
		return nil, fmt.Errorf("tlssession: serializing session state: %w", err)
	}

	id := uuid.New()
	c.Put(id.String(), data)

	log.Debug("tlssession: new session %s", id)

	return id[:], nil
}

// unwrapSession implements the tls.Config.UnwrapSession callback.  It never
// returns an error, unknown identities result in a full handshake.
func (c *Cache) unwrapSession(identity []byte, _ tls.ConnectionState) (ss *tls.SessionState, err error) {
	id, err := uuid.FromBytes(identity)
	if err != nil {
		log.Debug("tlssession: foreign ticket of %d bytes", len(identity))

		return nil, nil
	}

	data := c.Get(id.String())
	if data == nil {
		log.Debug("tlssession: no session %s", id)

		return nil, nil
	}

	ss, err = tls.ParseSessionState(data)
	if err != nil {
		log.Debug("tlssession: parsing session %s: %s", id, err)

		return nil, nil
	}

	log.Debug("tlssession: resuming session %s", id)

	return ss, nil
}
