package im

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/nodefabric/matter/pkg/datamodel"
	"github.com/nodefabric/matter/pkg/exchange"
	"github.com/nodefabric/matter/pkg/fabric"
	"github.com/nodefabric/matter/pkg/im/message"
	"github.com/nodefabric/matter/pkg/tlv"
)

// WriteHandler errors.
var (
	ErrWriteHandlerBusy   = errors.New("write handler: busy processing another request")
	ErrWriteTimedMismatch = errors.New("write handler: timed request mismatch")
	ErrWriteWildcardPath  = errors.New("write handler: attribute field must be concrete")
	ErrWriteListOperation = errors.New("write handler: list index operations not supported")
)

// WriteHandlerState represents the handler state machine.
// Spec: 8.7 Write Interaction
type WriteHandlerState int

const (
	WriteHandlerStateIdle WriteHandlerState = iota
	WriteHandlerStateProcessing
	WriteHandlerStateReceivingChunks
	WriteHandlerStateSendingResponse
)

// String returns the state name.
func (s WriteHandlerState) String() string {
	switch s {
	case WriteHandlerStateIdle:
		return "Idle"
	case WriteHandlerStateProcessing:
		return "Processing"
	case WriteHandlerStateReceivingChunks:
		return "ReceivingChunks"
	case WriteHandlerStateSendingResponse:
		return "SendingResponse"
	default:
		return "Unknown"
	}
}

// WriteContext provides context for attribute writes.
type WriteContext struct {
	// Exchange is the underlying exchange context.
	Exchange *exchange.ExchangeContext

	// FabricIndex is the accessing fabric (0 if none).
	FabricIndex uint8

	// IsTimed indicates if this is part of a timed interaction.
	IsTimed bool

	// SourceNodeID is the requesting node.
	SourceNodeID uint64
}

// writeListKey identifies a list attribute undergoing a chunked write.
type writeListKey struct {
	Endpoint  message.EndpointID
	Cluster   message.ClusterID
	Attribute message.AttributeID
}

// pendingListWrite accumulates the per-element chunks of a list attribute
// write (Spec 8.7.3.3) until the final chunk arrives.
type pendingListWrite struct {
	elements    [][]byte
	dataVersion *message.DataVersion
}

// WriteHandler handles write request messages.
//
// Per Spec 8.7.3.2, the Attribute field of a write path must always be
// concrete; Endpoint and/or Cluster may be wildcarded, which expands to a
// "mass write" of the same value across every matching concrete path. List
// attributes may additionally be written across several chunked messages,
// assembling a full REPLACE_ALL of the list from the concatenated elements.
//
// Spec Reference: Section 8.7 "Write Interaction"
// C++ Reference: src/app/WriteHandler.cpp
type WriteHandler struct {
	// dispatcher routes write operations to clusters.
	dispatcher Dispatcher

	// node resolves wildcard endpoint/cluster paths and list-write
	// notifications against live cluster state. May be nil.
	node datamodel.Node

	// State
	state WriteHandlerState
	ctx   *WriteContext

	// Pending response statuses
	writeStatuses []message.AttributeStatusIB

	// Suppress response flag from request
	suppressResponse bool

	// pendingLists accumulates in-flight chunked list writes, keyed by
	// concrete attribute path.
	pendingLists map[writeListKey]*pendingListWrite

	mu sync.Mutex
}

// NewWriteHandler creates a new write handler.
func NewWriteHandler(dispatcher Dispatcher) *WriteHandler {
	if dispatcher == nil {
		dispatcher = NullDispatcher{}
	}
	return &WriteHandler{
		dispatcher:   dispatcher,
		state:        WriteHandlerStateIdle,
		pendingLists: make(map[writeListKey]*pendingListWrite),
	}
}

// SetNode wires a data model Node into the handler, enabling wildcard
// endpoint/cluster expansion and list-write begin/success/failure
// notifications.
func (h *WriteHandler) SetNode(node datamodel.Node) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.node = node
}

// HandleWriteRequest processes an incoming WriteRequestMessage.
// Returns the WriteResponseMessage.
//
// Spec: 8.7.3.2 "Outgoing Write Response Action" (server-side processing)
func (h *WriteHandler) HandleWriteRequest(
	exchCtx *exchange.ExchangeContext,
	msg *message.WriteRequestMessage,
	fabricIndex uint8,
	sourceNodeID uint64,
	isTimed bool,
) (*message.WriteResponseMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Validate timed request flag
	// Spec 8.7.2.3: TimedRequest field must match actual timed interaction state
	if msg.TimedRequest && !isTimed {
		return nil, ErrWriteTimedMismatch
	}

	// Create write context
	h.ctx = &WriteContext{
		Exchange:     exchCtx,
		FabricIndex:  fabricIndex,
		IsTimed:      isTimed,
		SourceNodeID: sourceNodeID,
	}

	h.state = WriteHandlerStateProcessing
	h.suppressResponse = msg.SuppressResponse
	h.writeStatuses = nil

	if msg.MoreChunkedMessages {
		h.state = WriteHandlerStateReceivingChunks
	}

	// Process all attribute data IBs in the request
	for _, attrData := range msg.WriteRequests {
		statuses := h.processAttributeWrite(&attrData, msg.MoreChunkedMessages)
		h.writeStatuses = append(h.writeStatuses, statuses...)
	}

	h.state = WriteHandlerStateIdle

	// A chunk that isn't the last one produces no statuses yet; the client
	// is expected to follow up with the remaining chunks on the same
	// exchange before a WriteResponse is generated.
	if msg.MoreChunkedMessages {
		return nil, nil
	}

	// If SuppressResponse is set, return nil (no response sent)
	// Spec 8.7.2.3: "If SuppressResponse is true, no response shall be generated"
	if msg.SuppressResponse {
		return nil, nil
	}

	return &message.WriteResponseMessage{
		WriteResponses: h.writeStatuses,
	}, nil
}

// processAttributeWrite processes one AttributeDataIB, which may expand to
// several concrete writes if its Endpoint or Cluster is wildcarded.
func (h *WriteHandler) processAttributeWrite(attrData *message.AttributeDataIB, moreChunks bool) []message.AttributeStatusIB {
	path := attrData.Path

	// Spec 8.7.3.2: the Attribute field SHALL NOT be a wildcard.
	if path.Attribute == nil {
		return []message.AttributeStatusIB{h.createWriteStatusResponse(&path, message.StatusInvalidAction)}
	}

	// List element writes (by index) are not supported; only whole-list
	// REPLACE_ALL via chunked writes and plain attribute replacement are.
	if path.ListIndex != nil {
		return []message.AttributeStatusIB{h.createWriteStatusResponse(&path, message.StatusUnsupportedWrite)}
	}

	targets, ok := h.expandWritePath(&path)
	if !ok {
		return []message.AttributeStatusIB{h.createWriteStatusResponse(&path, message.StatusInvalidAction)}
	}
	if len(targets) == 0 {
		return []message.AttributeStatusIB{h.createWriteStatusResponse(&path, message.StatusUnsupportedAttribute)}
	}

	statuses := make([]message.AttributeStatusIB, 0, len(targets))
	for _, target := range targets {
		if status, emit := h.writeOneAttribute(target, attrData, moreChunks); emit {
			statuses = append(statuses, status)
		}
	}
	return statuses
}

// expandWritePath resolves a write path's Endpoint/Cluster wildcards (if
// any) into concrete paths. The second return value is false only when the
// path cannot be processed at all (wildcarded with no Node wired in).
func (h *WriteHandler) expandWritePath(path *message.AttributePathIB) ([]message.AttributePathIB, bool) {
	if path.Endpoint != nil && path.Cluster != nil {
		return []message.AttributePathIB{*path}, true
	}

	if h.node == nil {
		return nil, false
	}

	var endpoints []datamodel.Endpoint
	if path.Endpoint != nil {
		ep := h.node.GetEndpoint(*path.Endpoint)
		if ep == nil {
			return nil, true
		}
		endpoints = []datamodel.Endpoint{ep}
	} else {
		endpoints = h.node.GetEndpoints()
	}

	var out []message.AttributePathIB
	for _, ep := range endpoints {
		var clusters []datamodel.Cluster
		if path.Cluster != nil {
			cl := ep.GetCluster(*path.Cluster)
			if cl == nil {
				continue
			}
			clusters = []datamodel.Cluster{cl}
		} else {
			clusters = ep.GetClusters()
		}

		for _, cl := range clusters {
			epID, clID, attrID := ep.ID(), cl.ID(), *path.Attribute
			out = append(out, message.AttributePathIB{
				Endpoint:  &epID,
				Cluster:   &clID,
				Attribute: &attrID,
			})
		}
	}
	return out, true
}

// writeOneAttribute dispatches (or accumulates, for a chunked list write) a
// single concrete attribute write. The bool result reports whether a status
// should be included in the response now.
func (h *WriteHandler) writeOneAttribute(path message.AttributePathIB, attrData *message.AttributeDataIB, moreChunks bool) (message.AttributeStatusIB, bool) {
	key := writeListKey{Endpoint: *path.Endpoint, Cluster: *path.Cluster, Attribute: *path.Attribute}

	if moreChunks || h.pendingLists[key] != nil {
		return h.accumulateListChunk(key, path, attrData, moreChunks)
	}

	return h.dispatchWrite(path, attrData), true
}

// accumulateListChunk folds one chunk of a list attribute write into the
// pending accumulation for its path, notifying the cluster's list-write
// hook (if it implements one) on the first and last chunk, and dispatches
// the assembled REPLACE_ALL once the final chunk arrives.
func (h *WriteHandler) accumulateListChunk(key writeListKey, path message.AttributePathIB, attrData *message.AttributeDataIB, moreChunks bool) (message.AttributeStatusIB, bool) {
	pending, exists := h.pendingLists[key]
	if !exists {
		pending = &pendingListWrite{}
		h.pendingLists[key] = pending
		h.notifyListWrite(path, datamodel.ListWriteBegin)
	}

	pending.elements = append(pending.elements, attrData.Data)
	if attrData.DataVersion != 0 {
		dv := attrData.DataVersion
		pending.dataVersion = &dv
	}

	if moreChunks {
		return message.AttributeStatusIB{}, false
	}

	delete(h.pendingLists, key)

	assembled, err := assembleListArray(pending.elements)
	if err != nil {
		h.notifyListWrite(path, datamodel.ListWriteFailure)
		return h.createWriteStatusResponse(&path, message.StatusInvalidAction), true
	}

	status := h.dispatchWrite(path, &message.AttributeDataIB{
		DataVersion: derefDataVersion(pending.dataVersion),
		Path:        path,
		Data:        assembled,
	})

	if status.Status.Status == message.StatusSuccess {
		h.notifyListWrite(path, datamodel.ListWriteSuccess)
	} else {
		h.notifyListWrite(path, datamodel.ListWriteFailure)
	}
	return status, true
}

// notifyListWrite informs the cluster backing path of a list write's
// lifecycle, if it implements ClusterWithListNotification.
func (h *WriteHandler) notifyListWrite(path message.AttributePathIB, op datamodel.ListWriteOperation) {
	if h.node == nil || path.Endpoint == nil || path.Cluster == nil {
		return
	}
	ep := h.node.GetEndpoint(*path.Endpoint)
	if ep == nil {
		return
	}
	cl := ep.GetCluster(*path.Cluster)
	notifier, ok := cl.(datamodel.ClusterWithListNotification)
	if !ok {
		return
	}
	notifier.ListAttributeWriteNotification(
		datamodel.ConcreteAttributePath{
			Endpoint:  *path.Endpoint,
			Cluster:   *path.Cluster,
			Attribute: *path.Attribute,
		},
		op,
		h.ctx.FabricIndex,
	)
}

// assembleListArray concatenates individually-encoded list elements
// (each TLV-anonymous-tagged, as they arrive per chunk) into one array.
func assembleListArray(elements [][]byte) ([]byte, error) {
	var buf bytes.Buffer
	w := tlv.NewWriter(&buf)
	if err := w.StartArray(tlv.Anonymous()); err != nil {
		return nil, err
	}
	for _, el := range elements {
		if err := w.PutRaw(tlv.Anonymous(), el); err != nil {
			return nil, err
		}
	}
	if err := w.EndContainer(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func derefDataVersion(dv *message.DataVersion) message.DataVersion {
	if dv == nil {
		return 0
	}
	return *dv
}

// dispatchWrite sends a single concrete attribute write to the dispatcher.
// The accessing fabric index is taken from the element's own fabric-index
// override when present (Spec 8.7.3.2, group writes carry one per list
// element), falling back to the session's ambient fabric index otherwise.
func (h *WriteHandler) dispatchWrite(path message.AttributePathIB, attrData *message.AttributeDataIB) message.AttributeStatusIB {
	fabricIndex := h.ctx.FabricIndex
	if idx, ok := extractElementFabricIndex(attrData.Data); ok {
		fabricIndex = idx
	}

	writeReq := &AttributeWriteRequest{
		Path: path,
		IMContext: NewRequestContext(h.ctx.Exchange, datamodel.SubjectDescriptor{
			FabricIndex: fabric.FabricIndex(fabricIndex),
			NodeID:      h.ctx.SourceNodeID,
		}),
		IsTimed: h.ctx.IsTimed,
	}

	// DataVersion is optional - only set if non-zero
	if attrData.DataVersion != 0 {
		dv := attrData.DataVersion
		writeReq.DataVersion = &dv
	}

	r := tlv.NewReader(bytes.NewReader(attrData.Data))
	err := h.dispatcher.WriteAttribute(context.Background(), writeReq, r)
	if err != nil {
		return h.createWriteStatusResponse(&path, ErrorToStatus(err))
	}

	return h.createWriteStatusResponse(&path, message.StatusSuccess)
}

// extractElementFabricIndex reads the fabric-index override field (tag 0xFE,
// Spec 7.13.6) from a write element's encoded struct, if present.
func extractElementFabricIndex(data []byte) (uint8, bool) {
	r := tlv.NewReader(bytes.NewReader(data))
	if err := r.Next(); err != nil {
		return 0, false
	}
	if r.Type() != tlv.ElementTypeStruct {
		return 0, false
	}
	if err := r.EnterContainer(); err != nil {
		return 0, false
	}
	defer r.ExitContainer()

	for {
		if err := r.Next(); err != nil || r.IsEndOfContainer() {
			break
		}
		tag := r.Tag()
		if tag.IsContext() && tag.TagNumber() == datamodel.GlobalFieldFabricIndex {
			v, err := r.Uint()
			if err != nil {
				return 0, false
			}
			return uint8(v), true
		}
		if err := r.Skip(); err != nil {
			break
		}
	}
	return 0, false
}

// createWriteStatusResponse creates an AttributeStatusIB for the response.
func (h *WriteHandler) createWriteStatusResponse(path *message.AttributePathIB, status message.Status) message.AttributeStatusIB {
	return message.AttributeStatusIB{
		Path: *path,
		Status: message.StatusIB{
			Status: status,
		},
	}
}

// isWildcardAttributePath reports whether any dimension of the path is
// absent (Spec 8.4.3.2). Used by the read path for wildcard expansion; for
// writes, only the Attribute field is ever required to be concrete.
func isWildcardAttributePath(path *message.AttributePathIB) bool {
	return path.Endpoint == nil || path.Cluster == nil || path.Attribute == nil
}

// Reset resets the handler to idle state.
func (h *WriteHandler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.state = WriteHandlerStateIdle
	h.ctx = nil
	h.writeStatuses = nil
	h.suppressResponse = false
	h.pendingLists = make(map[writeListKey]*pendingListWrite)
}

// State returns the current handler state.
func (h *WriteHandler) State() WriteHandlerState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// EncodeWriteResponse encodes a write response message.
func EncodeWriteResponse(msg *message.WriteResponseMessage) ([]byte, error) {
	var buf bytes.Buffer
	w := tlv.NewWriter(&buf)
	if err := msg.Encode(w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeWriteRequest decodes a write request message.
func DecodeWriteRequest(data []byte) (*message.WriteRequestMessage, error) {
	r := tlv.NewReader(bytes.NewReader(data))
	var msg message.WriteRequestMessage
	if err := msg.Decode(r); err != nil {
		return nil, err
	}
	return &msg, nil
}
