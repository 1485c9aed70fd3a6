package dnsmsg

import (
	"fmt"
	"sync"

	"github.com/miekg/dns"
)

// Reassembler accumulates truncated (TC-bit) DNS responses that share a
// transaction id into one logical message. Spec: messages exceeding the
// MTU are flagged truncated and followed by continuation messages
// carrying the remaining answers with an empty question section and the
// same transaction id; the decoder must reassemble these before the
// message is usable.
type Reassembler struct {
	mu      sync.Mutex
	pending map[uint16]*dns.Msg
}

// NewReassembler creates an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{pending: make(map[uint16]*dns.Msg)}
}

// Ingest unpacks one wire message and merges it into any in-progress
// sequence sharing its transaction id. It returns the fully assembled
// message once a non-truncated message for that id arrives; until then it
// returns (nil, false, nil).
func (r *Reassembler) Ingest(wire []byte) (*dns.Msg, bool, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(wire); err != nil {
		return nil, false, fmt.Errorf("dnsmsg: unpack: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	pending, inProgress := r.pending[msg.Id]
	if inProgress {
		pending.Answer = append(pending.Answer, msg.Answer...)
		pending.Ns = append(pending.Ns, msg.Ns...)
		pending.Extra = append(pending.Extra, msg.Extra...)
		pending.Truncated = msg.Truncated
	} else {
		pending = msg
	}

	if pending.Truncated {
		r.pending[msg.Id] = pending
		return nil, false, nil
	}

	delete(r.pending, msg.Id)
	return pending, true, nil
}

// Pending reports how many transaction ids currently have an incomplete
// sequence buffered, for diagnostics.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
