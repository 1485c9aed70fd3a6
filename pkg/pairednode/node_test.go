package pairednode

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/nodefabric/matter/pkg/datamodel"
	"github.com/nodefabric/matter/pkg/discovery"
	"github.com/nodefabric/matter/pkg/fabric"
	"github.com/nodefabric/matter/pkg/tlv"
)

// fakeReader serves canned PartsList responses keyed by endpoint.
type fakeReader struct {
	parts map[datamodel.EndpointID][]datamodel.EndpointID
	fail  map[datamodel.EndpointID]error
}

func (f *fakeReader) ReadAttribute(ctx context.Context, path datamodel.ConcreteAttributePath) ([]byte, error) {
	if err := f.fail[path.Endpoint]; err != nil {
		return nil, err
	}
	return encodePartsList(f.parts[path.Endpoint]), nil
}

func encodePartsList(ids []datamodel.EndpointID) []byte {
	var buf bytes.Buffer
	w := tlv.NewWriter(&buf)
	if err := w.StartArray(tlv.Anonymous()); err != nil {
		panic(err)
	}
	for _, id := range ids {
		if err := w.PutUint(tlv.Anonymous(), uint64(id)); err != nil {
			panic(err)
		}
	}
	if err := w.EndContainer(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

type fakeResolver struct {
	service *discovery.ResolvedService
	err     error
	calls   int
}

func (f *fakeResolver) LookupOperational(ctx context.Context, compressedFabricID [8]byte, nodeID fabric.NodeID) (*discovery.ResolvedService, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.service, nil
}

func zeroBackoff() backoff.BackOff {
	b := backoff.NewConstantBackOff(time.Millisecond)
	return b
}

func TestPairedNode_RefreshEndpoints_Tree(t *testing.T) {
	reader := &fakeReader{parts: map[datamodel.EndpointID][]datamodel.EndpointID{
		0: {1, 2},
		1: {3},
		2: {},
		3: {},
	}}

	p := New(Config{Reader: reader})

	if err := p.RefreshEndpoints(context.Background()); err != nil {
		t.Fatalf("RefreshEndpoints: %v", err)
	}

	root := p.Root()
	if root == nil || root.ID != 0 {
		t.Fatalf("expected root endpoint 0, got %+v", root)
	}
	if len(root.Children) != 2 {
		t.Fatalf("expected 2 children of root, got %d", len(root.Children))
	}

	ep3 := p.Endpoint(3)
	if ep3 == nil {
		t.Fatal("expected endpoint 3 to be reachable")
	}
}

func TestPairedNode_RefreshEndpoints_MultiParentRejected(t *testing.T) {
	reader := &fakeReader{parts: map[datamodel.EndpointID][]datamodel.EndpointID{
		0: {1, 2},
		1: {3},
		2: {3}, // endpoint 3 claimed by two parents
		3: {},
	}}

	p := New(Config{Reader: reader})

	err := p.RefreshEndpoints(context.Background())
	if !errors.Is(err, ErrCyclicPartsList) {
		t.Fatalf("expected ErrCyclicPartsList, got %v", err)
	}
}

func TestPairedNode_RefreshEndpoints_CycleRejected(t *testing.T) {
	reader := &fakeReader{parts: map[datamodel.EndpointID][]datamodel.EndpointID{
		0: {1},
		1: {0}, // cycle back to root
	}}

	p := New(Config{Reader: reader})

	err := p.RefreshEndpoints(context.Background())
	if !errors.Is(err, ErrCyclicPartsList) {
		t.Fatalf("expected ErrCyclicPartsList, got %v", err)
	}
}

func TestPairedNode_Connect_Success(t *testing.T) {
	reader := &fakeReader{parts: map[datamodel.EndpointID][]datamodel.EndpointID{0: {}}}
	resolver := &fakeResolver{service: &discovery.ResolvedService{InstanceName: "test"}}

	var states []State
	p := New(Config{
		Reader:   reader,
		Resolver: resolver,
		Backoff:  zeroBackoff(),
		OnStateChange: func(s State) {
			states = append(states, s)
		},
	})

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if p.State() != StateConnected {
		t.Fatalf("expected StateConnected, got %v", p.State())
	}
	if p.Address() == nil {
		t.Fatal("expected Address to be set after Connect")
	}
}

func TestPairedNode_Connect_RetriesThenSucceeds(t *testing.T) {
	attempts := 0
	resolver := &fakeResolverFunc{fn: func() (*discovery.ResolvedService, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("not yet discoverable")
		}
		return &discovery.ResolvedService{InstanceName: "test"}, nil
	}}
	reader := &fakeReader{parts: map[datamodel.EndpointID][]datamodel.EndpointID{0: {}}}

	p := New(Config{
		Reader:   reader,
		Resolver: resolver,
		Backoff:  zeroBackoff(),
	})

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 resolve attempts, got %d", attempts)
	}
	if p.State() != StateConnected {
		t.Fatalf("expected StateConnected, got %v", p.State())
	}
}

func TestPairedNode_Connect_CancelledWhileReconnecting(t *testing.T) {
	resolver := &fakeResolverFunc{fn: func() (*discovery.ResolvedService, error) {
		return nil, errors.New("always fails")
	}}
	reader := &fakeReader{}

	p := New(Config{
		Reader:   reader,
		Resolver: resolver,
		Backoff:  backoff.NewConstantBackOff(50 * time.Millisecond),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	err := p.Connect(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
	if p.State() != StateDisconnected {
		t.Fatalf("expected StateDisconnected after cancellation, got %v", p.State())
	}
}

func TestPairedNode_Connect_AlreadyConnecting(t *testing.T) {
	resolver := &fakeResolverFunc{fn: func() (*discovery.ResolvedService, error) {
		return nil, errors.New("always fails")
	}}
	reader := &fakeReader{}

	p := New(Config{
		Reader:   reader,
		Resolver: resolver,
		Backoff:  backoff.NewConstantBackOff(50 * time.Millisecond),
	})
	p.mu.Lock()
	p.state = StateReconnecting
	p.mu.Unlock()

	if err := p.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnecting) {
		t.Fatalf("expected ErrAlreadyConnecting, got %v", err)
	}
}

func TestPairedNode_Disconnect(t *testing.T) {
	reader := &fakeReader{parts: map[datamodel.EndpointID][]datamodel.EndpointID{0: {}}}
	resolver := &fakeResolver{service: &discovery.ResolvedService{InstanceName: "test"}}

	p := New(Config{Reader: reader, Resolver: resolver, Backoff: zeroBackoff()})
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	p.Disconnect()

	if p.State() != StateDisconnected {
		t.Fatalf("expected StateDisconnected, got %v", p.State())
	}
	if p.Address() != nil {
		t.Error("expected Address to be cleared after Disconnect")
	}
	if p.Root() != nil {
		t.Error("expected Root to be cleared after Disconnect")
	}
}

// fakeResolverFunc adapts a closure to NodeResolver for tests that need
// per-call behavior (e.g. failing N times before succeeding).
type fakeResolverFunc struct {
	fn func() (*discovery.ResolvedService, error)
}

func (f *fakeResolverFunc) LookupOperational(ctx context.Context, compressedFabricID [8]byte, nodeID fabric.NodeID) (*discovery.ResolvedService, error) {
	return f.fn()
}
