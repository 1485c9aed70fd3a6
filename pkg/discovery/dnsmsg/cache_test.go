package dnsmsg

import (
	"testing"
	"time"

	"github.com/miekg/dns"
)

func ptrRecord(name, target string, ttl uint32) *dns.PTR {
	return &dns.PTR{
		Hdr: dns.RR_Header{
			Name:   dns.Fqdn(name),
			Rrtype: dns.TypePTR,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		Ptr: dns.Fqdn(target),
	}
}

func newCacheAt(start time.Time) (*RecordCache, *fakeClock) {
	clock := &fakeClock{now: start}
	c := NewRecordCache()
	c.now = clock.Now
	return c, clock
}

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func TestRecordCache_PutGet(t *testing.T) {
	c, _ := newCacheAt(time.Unix(1000, 0))
	rr := ptrRecord("_matter._tcp.local.", "instance._matter._tcp.local.", 120)
	c.Put(rr)

	got, ok := c.Get(keyFor(rr))
	if !ok {
		t.Fatal("expected record to be cached")
	}
	if got.(*dns.PTR).Ptr != rr.Ptr {
		t.Errorf("expected %q, got %q", rr.Ptr, got.(*dns.PTR).Ptr)
	}
}

func TestRecordCache_ExpiresAfterTTL(t *testing.T) {
	c, clock := newCacheAt(time.Unix(1000, 0))
	rr := ptrRecord("svc.local.", "inst.svc.local.", 1)
	c.Put(rr)

	clock.now = clock.now.Add(2 * time.Second)
	if _, ok := c.Get(keyFor(rr)); ok {
		t.Error("expected record to have expired")
	}
}

func TestRecordCache_GoodbyeWithinWindowIsIgnored(t *testing.T) {
	c, clock := newCacheAt(time.Unix(1000, 0))
	rr := ptrRecord("svc.local.", "inst.svc.local.", 120)
	c.Put(rr)

	clock.now = clock.now.Add(500 * time.Millisecond)
	goodbye := ptrRecord("svc.local.", "inst.svc.local.", 0)
	c.Put(goodbye)

	if _, ok := c.Get(keyFor(rr)); !ok {
		t.Error("expected goodbye within the protection window to be ignored")
	}
}

func TestRecordCache_GoodbyeAfterWindowEvicts(t *testing.T) {
	c, clock := newCacheAt(time.Unix(1000, 0))
	rr := ptrRecord("svc.local.", "inst.svc.local.", 120)
	c.Put(rr)

	clock.now = clock.now.Add(2 * time.Second)
	goodbye := ptrRecord("svc.local.", "inst.svc.local.", 0)
	c.Put(goodbye)

	if _, ok := c.Get(keyFor(rr)); ok {
		t.Error("expected goodbye past the protection window to evict the record")
	}
}

func TestRecordCache_RefreshDoesNotResetFirstSeenAt(t *testing.T) {
	c, clock := newCacheAt(time.Unix(1000, 0))
	rr := ptrRecord("svc.local.", "inst.svc.local.", 120)
	c.Put(rr)
	firstSeen, _ := c.FirstSeenAt(keyFor(rr))

	clock.now = clock.now.Add(10 * time.Second)
	c.Put(ptrRecord("svc.local.", "inst.svc.local.", 120))

	refreshedFirstSeen, ok := c.FirstSeenAt(keyFor(rr))
	if !ok || !refreshedFirstSeen.Equal(firstSeen) {
		t.Error("expected a refresh (non-goodbye re-put) to preserve firstSeenAt")
	}
}

func TestRecordCache_Sweep(t *testing.T) {
	c, clock := newCacheAt(time.Unix(1000, 0))
	c.Put(ptrRecord("a.local.", "a-inst.local.", 1))
	c.Put(ptrRecord("b.local.", "b-inst.local.", 120))

	clock.now = clock.now.Add(2 * time.Second)
	evicted := c.Sweep()

	if len(evicted) != 1 || evicted[0].Name != dns.Fqdn("a.local.") {
		t.Errorf("expected only a.local. to be swept, got %v", evicted)
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 record remaining, got %d", c.Len())
	}
}
