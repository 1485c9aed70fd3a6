// Package pairednode models a controller's view of a single commissioned
// node: its connection lifecycle, reconnect-on-discovery behavior, and the
// endpoint/cluster tree reconstructed from that node's own Descriptor
// cluster. The teacher repo is commissionee/device-oriented (pkg/matter.Node
// represents the local device); this package is new, for the controller
// side of the relationship.
package pairednode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/nodefabric/matter/pkg/datamodel"
	"github.com/nodefabric/matter/pkg/discovery"
	"github.com/nodefabric/matter/pkg/fabric"
	"github.com/nodefabric/matter/pkg/tlv"
)

// Descriptor cluster identifiers (Spec Section 9.5), duplicated here rather
// than imported from pkg/clusters/descriptor to avoid a server-side package
// depending on this client-side one importing it back.
const (
	descriptorClusterID    = datamodel.ClusterID(0x001D)
	descriptorAttrPartsList = datamodel.AttributeID(0x0003)
)

// Errors returned by PairedNode operations.
var (
	// ErrAlreadyConnecting is returned by Connect when called outside
	// StateDisconnected.
	ErrAlreadyConnecting = errors.New("pairednode: connect already in progress")

	// ErrCyclicPartsList indicates the remote node's Descriptor clusters
	// describe an endpoint composition graph with a cycle or a node claimed
	// by more than one parent, which Spec 9.5.2 forbids (single-parent
	// composition tree). Reported as an InternalError to the caller.
	ErrCyclicPartsList = errors.New("pairednode: cyclic or multiply-parented PartsList")
)

// AttributeReader performs a single attribute read against the node this
// PairedNode represents. It is the only capability PairedNode needs from an
// Interaction Model client; production code backs it with a real
// read-request/response round trip over an established CASE session.
type AttributeReader interface {
	ReadAttribute(ctx context.Context, path datamodel.ConcreteAttributePath) ([]byte, error)
}

// NodeResolver resolves a commissioned node's current operational address.
// Satisfied by *discovery.Resolver.
type NodeResolver interface {
	LookupOperational(ctx context.Context, compressedFabricID [8]byte, nodeID fabric.NodeID) (*discovery.ResolvedService, error)
}

// EndpointNode is one node in the reconstructed endpoint composition tree.
type EndpointNode struct {
	ID       datamodel.EndpointID
	Children []*EndpointNode
}

// Config configures a PairedNode.
type Config struct {
	// NodeID is the operational node ID this coordinator tracks.
	NodeID fabric.NodeID

	// CompressedFabricID identifies the fabric the node is commissioned on,
	// used to form its DNS-SD operational instance name.
	CompressedFabricID [8]byte

	// Reader performs attribute reads against the resolved node.
	Reader AttributeReader

	// Resolver looks up the node's current operational address.
	Resolver NodeResolver

	// Backoff schedules reconnect attempts. If nil, a default exponential
	// backoff (500ms initial, 2x multiplier, 1 minute max interval, no
	// elapsed-time limit) is used.
	Backoff backoff.BackOff

	// OnStateChange, if set, is called whenever the coordinator's State
	// transitions. Called with the lock released.
	OnStateChange func(State)
}

// PairedNode coordinates a controller's connection to one commissioned
// node: resolving its address, walking its endpoint tree via the Descriptor
// cluster, and reconnecting with backoff when the node drops off the
// network, the same Disconnected/Reconnecting/WaitingForDeviceDiscovery/
// Connected lifecycle spec.md's controller model requires.
type PairedNode struct {
	mu sync.Mutex

	nodeID   fabric.NodeID
	compFID  [8]byte
	reader   AttributeReader
	resolver NodeResolver
	boff     backoff.BackOff
	onState  func(State)

	state     State
	address   *discovery.ResolvedService
	endpoints map[datamodel.EndpointID]*EndpointNode
	root      *EndpointNode

	cancelReconnect context.CancelFunc
}

// New creates a PairedNode in the Disconnected state.
func New(cfg Config) *PairedNode {
	boff := cfg.Backoff
	if boff == nil {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 500 * time.Millisecond
		eb.Multiplier = 2
		eb.MaxInterval = time.Minute
		eb.MaxElapsedTime = 0 // retry indefinitely
		boff = eb
	}

	return &PairedNode{
		nodeID:   cfg.NodeID,
		compFID:  cfg.CompressedFabricID,
		reader:   cfg.Reader,
		resolver: cfg.Resolver,
		boff:     boff,
		onState:  cfg.OnStateChange,
		state:    StateDisconnected,
	}
}

// State returns the coordinator's current lifecycle state.
func (p *PairedNode) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Address returns the last-resolved operational address, or nil if the
// node has never been successfully resolved.
func (p *PairedNode) Address() *discovery.ResolvedService {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.address
}

// Root returns the root of the reconstructed endpoint tree (endpoint 0), or
// nil if RefreshEndpoints has not completed successfully yet.
func (p *PairedNode) Root() *EndpointNode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.root
}

// Connect resolves the node's operational address and reads its endpoint
// tree. On failure it transitions to Reconnecting and retries on the
// configured backoff schedule until ctx is cancelled or a connection
// succeeds.
func (p *PairedNode) Connect(ctx context.Context) error {
	p.mu.Lock()
	if !p.state.CanConnect() {
		p.mu.Unlock()
		return ErrAlreadyConnecting
	}
	p.boff.Reset()
	p.mu.Unlock()

	return p.connectLoop(ctx)
}

// connectLoop implements the resolve -> refresh -> (on failure) backoff ->
// retry cycle. It returns nil once Connected, or ctx.Err() if ctx is
// cancelled while waiting on a retry.
func (p *PairedNode) connectLoop(ctx context.Context) error {
	for {
		p.setState(StateWaitingForDeviceDiscovery)

		if err := p.attemptConnect(ctx); err == nil {
			p.setState(StateConnected)
			return nil
		}

		p.setState(StateReconnecting)

		wait := p.boff.NextBackOff()
		if wait == backoff.Stop {
			p.setState(StateDisconnected)
			return fmt.Errorf("pairednode: giving up reconnecting to node %d", p.nodeID)
		}

		select {
		case <-ctx.Done():
			p.setState(StateDisconnected)
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// attemptConnect performs one resolve+refresh attempt without retrying.
func (p *PairedNode) attemptConnect(ctx context.Context) error {
	addr, err := p.resolver.LookupOperational(ctx, p.compFID, p.nodeID)
	if err != nil {
		return fmt.Errorf("pairednode: resolve node %d: %w", p.nodeID, err)
	}

	p.mu.Lock()
	p.address = addr
	p.mu.Unlock()

	if err := p.RefreshEndpoints(ctx); err != nil {
		return fmt.Errorf("pairednode: refresh endpoints for node %d: %w", p.nodeID, err)
	}

	return nil
}

// Disconnect drops the cached address and endpoint tree and returns to
// StateDisconnected, without affecting any in-flight Connect call.
func (p *PairedNode) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.address = nil
	p.endpoints = nil
	p.root = nil
	p.setStateLocked(StateDisconnected)
}

func (p *PairedNode) setState(s State) {
	p.mu.Lock()
	p.setStateLocked(s)
	p.mu.Unlock()
}

func (p *PairedNode) setStateLocked(s State) {
	if p.state == s {
		return
	}
	p.state = s
	if p.onState != nil {
		cb := p.onState
		go cb(s)
	}
}

// RefreshEndpoints walks the node's endpoint composition graph starting
// from endpoint 0, reading each endpoint's Descriptor PartsList attribute
// and following the edges it names (Spec 9.5.2). A single-parent
// constraint is enforced: if any endpoint appears under more than one
// parent, or the walk revisits an endpoint already on the current path,
// ErrCyclicPartsList is returned and the stale tree is left untouched.
func (p *PairedNode) RefreshEndpoints(ctx context.Context) error {
	visited := map[datamodel.EndpointID]bool{0: true}
	root := &EndpointNode{ID: 0}

	if err := p.walkParts(ctx, root, visited); err != nil {
		return err
	}

	flat := make(map[datamodel.EndpointID]*EndpointNode)
	flattenTree(root, flat)

	p.mu.Lock()
	p.root = root
	p.endpoints = flat
	p.mu.Unlock()

	return nil
}

// walkParts recursively expands one endpoint's PartsList into child
// EndpointNodes, detecting revisits against the set of endpoints already
// seen anywhere in the tree being built (not just the current path): Spec
// 9.5.2's composition tree forbids an endpoint appearing under two parents
// just as much as it forbids a direct cycle back to an ancestor.
func (p *PairedNode) walkParts(ctx context.Context, node *EndpointNode, visited map[datamodel.EndpointID]bool) error {
	parts, err := p.readPartsList(ctx, node.ID)
	if err != nil {
		return err
	}

	for _, childID := range parts {
		if visited[childID] {
			return ErrCyclicPartsList
		}
		visited[childID] = true

		child := &EndpointNode{ID: childID}
		node.Children = append(node.Children, child)

		if err := p.walkParts(ctx, child, visited); err != nil {
			return err
		}
	}

	return nil
}

// readPartsList reads and decodes one endpoint's Descriptor PartsList
// attribute: a TLV array of EndpointID values (Spec 9.5.6.4), the same
// wire shape pkg/clusters/descriptor.Cluster.readPartsList produces on the
// serving side.
func (p *PairedNode) readPartsList(ctx context.Context, endpoint datamodel.EndpointID) ([]datamodel.EndpointID, error) {
	data, err := p.reader.ReadAttribute(ctx, datamodel.ConcreteAttributePath{
		Endpoint:  endpoint,
		Cluster:   descriptorClusterID,
		Attribute: descriptorAttrPartsList,
	})
	if err != nil {
		return nil, err
	}

	r := tlv.NewReader(bytes.NewReader(data))
	if err := r.Next(); err != nil {
		return nil, fmt.Errorf("pairednode: decode PartsList: %w", err)
	}
	if r.Type() != tlv.ElementTypeArray {
		return nil, fmt.Errorf("pairednode: PartsList: expected array, got %v", r.Type())
	}
	if err := r.EnterContainer(); err != nil {
		return nil, err
	}

	var parts []datamodel.EndpointID
	for {
		if err := r.Next(); err != nil {
			return nil, fmt.Errorf("pairednode: decode PartsList element: %w", err)
		}
		if r.IsEndOfContainer() {
			break
		}
		v, err := r.Uint()
		if err != nil {
			return nil, fmt.Errorf("pairednode: decode PartsList element: %w", err)
		}
		parts = append(parts, datamodel.EndpointID(v))
	}

	return parts, nil
}

// flattenTree indexes every node in the tree by endpoint ID for O(1) lookup.
func flattenTree(node *EndpointNode, out map[datamodel.EndpointID]*EndpointNode) {
	out[node.ID] = node
	for _, child := range node.Children {
		flattenTree(child, out)
	}
}

// Endpoint returns the reconstructed endpoint node for id, or nil if it is
// not (yet) known.
func (p *PairedNode) Endpoint(id datamodel.EndpointID) *EndpointNode {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.endpoints == nil {
		return nil
	}
	return p.endpoints[id]
}
