// Package dnsmsg implements the raw DNS message concerns the mDNS client
// and advertiser need but grandcat/zeroconf does not expose at the right
// granularity: a record cache with goodbye-protection timing anchored to
// first-seen time, and reassembly of truncated (TC-bit) responses by
// transaction id. pkg/discovery's Resolver/Advertiser are layered on top
// of zeroconf for the actual socket and standard query/response work;
// this package is grounded on miekg/dns's message structures for the
// pieces zeroconf does not give callers control over.
package dnsmsg

import (
	"sync"
	"time"

	"github.com/miekg/dns"
)

// GoodbyeProtectionWindow is the minimum time a record must have been
// known before a TTL=0 ("goodbye") record for it is honored.
const GoodbyeProtectionWindow = time.Second

// RecordKey identifies one cached resource record by name and RR type.
type RecordKey struct {
	Name string
	Type uint16
}

func keyFor(rr dns.RR) RecordKey {
	h := rr.Header()
	return RecordKey{Name: dns.Fqdn(h.Name), Type: h.Rrtype}
}

type cachedRecord struct {
	rr          dns.RR
	firstSeenAt time.Time
	expiresAt   time.Time
}

// RecordCache stores mDNS resource records keyed by (name, type) and
// implements the goodbye-protection invariant: a TTL=0 record for an
// entry first seen less than GoodbyeProtectionWindow ago is ignored,
// guarding against an out-of-order refresh and stale goodbye crossing on
// the wire; past that window the goodbye is honored and the entry
// evicted immediately.
type RecordCache struct {
	mu      sync.Mutex
	records map[RecordKey]*cachedRecord
	now     func() time.Time
}

// NewRecordCache creates an empty cache.
func NewRecordCache() *RecordCache {
	return &RecordCache{records: make(map[RecordKey]*cachedRecord), now: time.Now}
}

// Put ingests one resource record observed on the wire.
func (c *RecordCache) Put(rr dns.RR) {
	key := keyFor(rr)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.records[key]

	if rr.Header().Ttl == 0 {
		if ok && now.Sub(existing.firstSeenAt) < GoodbyeProtectionWindow {
			return
		}
		delete(c.records, key)
		return
	}

	ttl := time.Duration(rr.Header().Ttl) * time.Second
	if ok {
		existing.rr = rr
		existing.expiresAt = now.Add(ttl)
		return
	}

	c.records[key] = &cachedRecord{
		rr:          rr,
		firstSeenAt: now,
		expiresAt:   now.Add(ttl),
	}
}

// Get returns the cached, unexpired record for key.
func (c *RecordCache) Get(key RecordKey) (dns.RR, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[key]
	if !ok {
		return nil, false
	}
	if c.now().After(rec.expiresAt) {
		delete(c.records, key)
		return nil, false
	}
	return rec.rr, true
}

// FirstSeenAt returns when key was first observed, for tests that need to
// assert goodbye-protection timing directly.
func (c *RecordCache) FirstSeenAt(key RecordKey) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[key]
	if !ok {
		return time.Time{}, false
	}
	return rec.firstSeenAt, true
}

// Sweep evicts every record past its TTL expiry and returns the evicted
// keys.
func (c *RecordCache) Sweep() []RecordKey {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	var evicted []RecordKey
	for key, rec := range c.records {
		if now.After(rec.expiresAt) {
			delete(c.records, key)
			evicted = append(evicted, key)
		}
	}
	return evicted
}

// Len returns the number of cached (not necessarily unexpired) records.
func (c *RecordCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}
