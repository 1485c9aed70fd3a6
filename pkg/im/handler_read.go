package im

import (
	"bytes"
	"errors"
	"sync"

	"github.com/nodefabric/matter/pkg/datamodel"
	"github.com/nodefabric/matter/pkg/exchange"
	"github.com/nodefabric/matter/pkg/im/message"
	"github.com/nodefabric/matter/pkg/tlv"
)

// ReadHandler errors.
var (
	ErrReadHandlerBusy  = errors.New("read handler: busy processing another request")
	ErrReadPathNotFound = errors.New("read handler: path not found")
	ErrReadAccessDenied = errors.New("read handler: access denied")
)

// AttributeReader is called to read attribute data.
// It receives the attribute path and returns the TLV-encoded data.
// The path passed to the reader is always concrete: wildcard expansion
// happens in the handler before this callback is invoked.
type AttributeReader func(
	ctx *ReadContext,
	path message.AttributePathIB,
) (*AttributeResult, error)

// AttributeResult is the result of reading an attribute.
type AttributeResult struct {
	// DataVersion is the current data version of the cluster.
	DataVersion message.DataVersion

	// Data is the TLV-encoded attribute value.
	Data []byte

	// Status is set if the read failed with a status.
	Status *message.StatusIB
}

// ReadContext provides context for attribute reads.
type ReadContext struct {
	// Exchange is the underlying exchange context.
	Exchange *exchange.ExchangeContext

	// FabricIndex is the accessing fabric (0 if none).
	FabricIndex uint8

	// IsFabricFiltered indicates fabric-filtered read.
	IsFabricFiltered bool

	// SourceNodeID is the requesting node.
	SourceNodeID uint64
}

// ReadHandlerState represents the handler state machine.
type ReadHandlerState int

const (
	ReadHandlerStateIdle ReadHandlerState = iota
	ReadHandlerStateProcessing
	ReadHandlerStateSendingReport
)

// String returns the state name.
func (s ReadHandlerState) String() string {
	switch s {
	case ReadHandlerStateIdle:
		return "Idle"
	case ReadHandlerStateProcessing:
		return "Processing"
	case ReadHandlerStateSendingReport:
		return "SendingReport"
	default:
		return "Unknown"
	}
}

// WildcardPathFlags narrows what a wildcard attribute path expands to.
// These mirror the exclusions a client can request on an otherwise
// fully-wildcarded read (Spec 8.4.3.2) so that, e.g., a subscription
// bootstrap doesn't re-fetch AttributeList/CommandList churn on every
// resubscribe.
type WildcardPathFlags uint32

const (
	// WildcardSkipRootNode excludes endpoint 0 from a wildcard endpoint expansion.
	WildcardSkipRootNode WildcardPathFlags = 1 << iota

	// WildcardSkipGlobalAttributes excludes all global attributes (Spec 7.13)
	// from a wildcard attribute expansion.
	WildcardSkipGlobalAttributes

	// WildcardSkipAttributeList excludes the AttributeList global attribute.
	WildcardSkipAttributeList

	// WildcardSkipCommandLists excludes AcceptedCommandList/GeneratedCommandList.
	WildcardSkipCommandLists

	// WildcardSkipFixedAttributes excludes attributes with the Fixed quality.
	WildcardSkipFixedAttributes

	// WildcardSkipDiagnosticsClusters excludes clusters carrying verbose
	// diagnostic data (General/Software Diagnostics and similar).
	WildcardSkipDiagnosticsClusters

	// WildcardSkipChangesOmittedAttributes excludes attributes marked
	// ChangesOmitted (C quality): fast-changing data unsuited to a bulk read.
	WildcardSkipChangesOmittedAttributes
)

// ReadHandler handles read request messages, including wildcard path
// expansion and data-version filtering when a data model Node is wired
// in via SetNode. Without a Node, paths are treated as already concrete,
// preserving the behavior of direct single-attribute reads.
type ReadHandler struct {
	// attributeReader is called to read attributes.
	attributeReader AttributeReader

	// node resolves wildcard paths into concrete ones. May be nil.
	node datamodel.Node

	// events serves EventRequests/EventFilters. May be nil, in which case
	// a ReadRequest carrying event paths yields no event reports.
	events *EventManager

	// wildcardFlags narrows wildcard expansion; zero value expands everything.
	wildcardFlags WildcardPathFlags

	// fragmenter for chunked responses
	fragmenter *Fragmenter

	// State
	state ReadHandlerState
	ctx   *ReadContext

	// Pending response chunks
	pendingChunks []*message.ReportDataMessage
	chunkIndex    int

	mu sync.Mutex
}

// NewReadHandler creates a new read handler.
func NewReadHandler(reader AttributeReader, maxPayload int) *ReadHandler {
	return &ReadHandler{
		attributeReader: reader,
		fragmenter:      NewFragmenter(maxPayload),
		state:           ReadHandlerStateIdle,
	}
}

// SetNode wires a data model Node into the handler, enabling wildcard
// path expansion and data-version comparison against real cluster state.
func (h *ReadHandler) SetNode(node datamodel.Node) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.node = node
}

// SetEventManager wires an EventManager into the handler, enabling
// EventRequests/EventFilters on a ReadRequest to be served from stored
// events rather than silently dropped.
func (h *ReadHandler) SetEventManager(events *EventManager) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = events
}

// SetWildcardPathFlags narrows what wildcard attribute paths expand to.
func (h *ReadHandler) SetWildcardPathFlags(flags WildcardPathFlags) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.wildcardFlags = flags
}

// HandleReadRequest processes an incoming ReadRequestMessage.
// Returns the ReportData response message.
func (h *ReadHandler) HandleReadRequest(
	exchCtx *exchange.ExchangeContext,
	msg *message.ReadRequestMessage,
	fabricIndex uint8,
	sourceNodeID uint64,
) (*message.ReportDataMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Create read context
	h.ctx = &ReadContext{
		Exchange:         exchCtx,
		FabricIndex:      fabricIndex,
		IsFabricFiltered: msg.FabricFiltered,
		SourceNodeID:     sourceNodeID,
	}

	h.state = ReadHandlerStateProcessing

	// Process attribute requests, expanding each wildcard path into the
	// set of concrete paths it matches before reading.
	var attributeReports []message.AttributeReportIB

	for _, attrPath := range msg.AttributeRequests {
		for _, concretePath := range h.expandAttributePath(&attrPath) {
			report := h.readAttribute(&concretePath, msg.DataVersionFilters)
			if report.AttributeData == nil && report.AttributeStatus == nil {
				// Suppressed by data-version filtering; omit entirely.
				continue
			}
			attributeReports = append(attributeReports, report)
		}
	}

	eventReports := h.readEvents(msg.EventRequests, msg.EventFilters, fabricIndex)

	// Build response
	response := &message.ReportDataMessage{
		AttributeReports:    attributeReports,
		EventReports:        eventReports,
		SuppressResponse:    true, // Read responses suppress further response
		MoreChunkedMessages: false,
	}

	// Check if response needs chunking
	chunks, err := h.fragmenter.FragmentReportData(response)
	if err != nil {
		h.state = ReadHandlerStateIdle
		return nil, err
	}

	if len(chunks) == 1 {
		h.state = ReadHandlerStateIdle
		return chunks[0], nil
	}

	// Chunked response
	h.state = ReadHandlerStateSendingReport
	h.pendingChunks = chunks
	h.chunkIndex = 1

	return chunks[0], nil
}

// HandleStatusResponse processes a StatusResponse during chunked transmission.
func (h *ReadHandler) HandleStatusResponse(status message.Status) (*message.ReportDataMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != ReadHandlerStateSendingReport {
		return nil, nil
	}

	if status != message.StatusSuccess {
		h.state = ReadHandlerStateIdle
		h.pendingChunks = nil
		return nil, nil
	}

	if h.chunkIndex >= len(h.pendingChunks) {
		h.state = ReadHandlerStateIdle
		h.pendingChunks = nil
		return nil, nil
	}

	chunk := h.pendingChunks[h.chunkIndex]
	h.chunkIndex++

	if h.chunkIndex >= len(h.pendingChunks) {
		h.state = ReadHandlerStateIdle
		h.pendingChunks = nil
	}

	return chunk, nil
}

// expandAttributePath resolves a possibly-wildcard path into the concrete
// paths it matches. If no Node is wired in, the path is returned as-is:
// this preserves exact behavior for direct concrete-path reads.
func (h *ReadHandler) expandAttributePath(path *message.AttributePathIB) []message.AttributePathIB {
	if h.node == nil || !isWildcardAttributePath(path) {
		return []message.AttributePathIB{*path}
	}

	var out []message.AttributePathIB
	for _, ep := range h.endpointsForPath(path) {
		if path.Endpoint == nil && h.wildcardFlags&WildcardSkipRootNode != 0 && ep.ID() == datamodel.EndpointRoot {
			continue
		}
		for _, cl := range h.clustersForPath(ep, path) {
			if path.Cluster == nil && h.wildcardFlags&WildcardSkipDiagnosticsClusters != 0 && datamodel.IsDiagnosticsCluster(cl.ID()) {
				continue
			}
			for _, attrID := range h.attributesForPath(cl, path) {
				epID, clID, atID := ep.ID(), cl.ID(), attrID
				out = append(out, message.AttributePathIB{
					Endpoint:  &epID,
					Cluster:   &clID,
					Attribute: &atID,
				})
			}
		}
	}
	return out
}

func (h *ReadHandler) endpointsForPath(path *message.AttributePathIB) []datamodel.Endpoint {
	if path.Endpoint != nil {
		ep := h.node.GetEndpoint(*path.Endpoint)
		if ep == nil {
			return nil
		}
		return []datamodel.Endpoint{ep}
	}
	return h.node.GetEndpoints()
}

func (h *ReadHandler) clustersForPath(ep datamodel.Endpoint, path *message.AttributePathIB) []datamodel.Cluster {
	if path.Cluster != nil {
		cl := ep.GetCluster(*path.Cluster)
		if cl == nil {
			return nil
		}
		return []datamodel.Cluster{cl}
	}
	return ep.GetClusters()
}

func (h *ReadHandler) attributesForPath(cl datamodel.Cluster, path *message.AttributePathIB) []message.AttributeID {
	if path.Attribute != nil {
		return []message.AttributeID{*path.Attribute}
	}

	var ids []message.AttributeID
	for _, attr := range cl.AttributeList() {
		if !attr.IsReadable() {
			continue
		}
		if h.wildcardFlags&WildcardSkipGlobalAttributes != 0 && datamodel.IsGlobalAttribute(attr.ID) {
			continue
		}
		if h.wildcardFlags&WildcardSkipAttributeList != 0 && attr.ID == datamodel.GlobalAttrAttributeList {
			continue
		}
		if h.wildcardFlags&WildcardSkipCommandLists != 0 &&
			(attr.ID == datamodel.GlobalAttrAcceptedCommandList || attr.ID == datamodel.GlobalAttrGeneratedCommandList) {
			continue
		}
		if h.wildcardFlags&WildcardSkipFixedAttributes != 0 && attr.HasQuality(datamodel.AttrQualityFixed) {
			continue
		}
		if h.wildcardFlags&WildcardSkipChangesOmittedAttributes != 0 && attr.HasQuality(datamodel.AttrQualityChangesOmitted) {
			continue
		}
		ids = append(ids, attr.ID)
	}
	return ids
}

// readAttribute reads a single concrete attribute and returns a report IB.
func (h *ReadHandler) readAttribute(
	path *message.AttributePathIB,
	dataVersionFilters []message.DataVersionFilterIB,
) message.AttributeReportIB {
	if h.attributeReader == nil {
		return h.createAttributeStatusReport(path, message.StatusUnsupportedAttribute)
	}

	// Check data version filter
	if h.shouldSkipForDataVersion(path, dataVersionFilters) {
		return message.AttributeReportIB{}
	}

	result, err := h.attributeReader(h.ctx, *path)
	if err != nil {
		return h.createAttributeStatusReport(path, ErrorToStatus(err))
	}

	if result == nil {
		return h.createAttributeStatusReport(path, message.StatusUnsupportedAttribute)
	}

	if result.Status != nil {
		return message.AttributeReportIB{
			AttributeStatus: &message.AttributeStatusIB{
				Path:   *path,
				Status: *result.Status,
			},
		}
	}

	return message.AttributeReportIB{
		AttributeData: &message.AttributeDataIB{
			DataVersion: result.DataVersion,
			Path:        *path,
			Data:        result.Data,
		},
	}
}

// readEvents resolves EventRequests against the wired EventManager,
// applying the lowest EventMin across EventFilters and dropping any event
// whose number falls below it (Spec 8.4.3, "events whose eventNumber is
// less than eventMin are dropped"). Without an EventManager wired in, it
// returns nil: event paths are accepted but yield no reports.
func (h *ReadHandler) readEvents(
	paths []message.EventPathIB,
	filters []message.EventFilterIB,
	fabricIndex uint8,
) []message.EventReportIB {
	if h.events == nil || len(paths) == 0 {
		return nil
	}

	var eventMin *message.EventNumber
	for _, f := range filters {
		if eventMin == nil || f.EventMin < *eventMin {
			v := f.EventMin
			eventMin = &v
		}
	}

	records := h.events.GetEvents(nil, eventMin, fabricIndex, nil)

	var reports []message.EventReportIB
	for _, record := range records {
		for _, path := range paths {
			if eventPathMatches(&path, record.Path) {
				reports = append(reports, record.ToEventReportIB())
				break
			}
		}
	}
	return reports
}

// eventPathMatches reports whether a (possibly wildcarded) EventPathIB
// matches a concrete event path; a nil field in the request matches any
// value, per the same wildcard convention used for attribute paths.
func eventPathMatches(path *message.EventPathIB, actual EventPath) bool {
	if path.Endpoint != nil && *path.Endpoint != actual.EndpointID {
		return false
	}
	if path.Cluster != nil && *path.Cluster != actual.ClusterID {
		return false
	}
	if path.Event != nil && *path.Event != actual.EventID {
		return false
	}
	return true
}

// shouldSkipForDataVersion reports whether the attribute's cluster has not
// changed since the version given by a matching filter, per Spec 8.4.3.4.
// Without a Node wired in there is no authoritative DataVersion to compare
// against, so the attribute is always reported (matches prior behavior).
func (h *ReadHandler) shouldSkipForDataVersion(
	path *message.AttributePathIB,
	filters []message.DataVersionFilterIB,
) bool {
	if len(filters) == 0 || h.node == nil || path.Endpoint == nil || path.Cluster == nil {
		return false
	}

	for _, filter := range filters {
		if !h.pathMatchesFilter(path, &filter.Path) {
			continue
		}
		ep := h.node.GetEndpoint(*path.Endpoint)
		if ep == nil {
			return false
		}
		cl := ep.GetCluster(*path.Cluster)
		if cl == nil {
			return false
		}
		return cl.DataVersion() == filter.DataVersion
	}

	return false
}

// pathMatchesFilter checks if an attribute path matches a cluster path filter.
func (h *ReadHandler) pathMatchesFilter(attrPath *message.AttributePathIB, filterPath *message.ClusterPathIB) bool {
	if filterPath.Endpoint == nil || attrPath.Endpoint == nil || *filterPath.Endpoint != *attrPath.Endpoint {
		return false
	}
	if filterPath.Cluster == nil || attrPath.Cluster == nil || *filterPath.Cluster != *attrPath.Cluster {
		return false
	}
	return true
}

// createAttributeStatusReport creates an error status report.
func (h *ReadHandler) createAttributeStatusReport(path *message.AttributePathIB, status message.Status) message.AttributeReportIB {
	return message.AttributeReportIB{
		AttributeStatus: &message.AttributeStatusIB{
			Path: *path,
			Status: message.StatusIB{
				Status: status,
			},
		},
	}
}

// Reset resets the handler to idle state.
func (h *ReadHandler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.state = ReadHandlerStateIdle
	h.ctx = nil
	h.pendingChunks = nil
	h.chunkIndex = 0
}

// State returns the current handler state.
func (h *ReadHandler) State() ReadHandlerState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// EncodeReportData encodes a report data message.
func EncodeReportData(msg *message.ReportDataMessage) ([]byte, error) {
	var buf bytes.Buffer
	w := tlv.NewWriter(&buf)
	if err := msg.Encode(w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeReadRequest decodes a read request message.
func DecodeReadRequest(data []byte) (*message.ReadRequestMessage, error) {
	r := tlv.NewReader(bytes.NewReader(data))
	var msg message.ReadRequestMessage
	if err := msg.Decode(r); err != nil {
		return nil, err
	}
	return &msg, nil
}
