package im

import (
	"bytes"
	"sync"

	"github.com/nodefabric/matter/pkg/datamodel"
	"github.com/nodefabric/matter/pkg/exchange"
	imsg "github.com/nodefabric/matter/pkg/im/message"
	"github.com/nodefabric/matter/pkg/message"
	"github.com/nodefabric/matter/pkg/session"
	"github.com/nodefabric/matter/pkg/tlv"
	"github.com/pion/logging"
)

// ProtocolID is the Interaction Model protocol ID.
// Spec: Section 10.2.1
const ProtocolID message.ProtocolID = 0x0001

// Engine is the Interaction Model engine.
// It implements exchange.ExchangeDelegate for the IM protocol.
//
// It supports:
//   - ReadRequest → ReportData (with chunking)
//   - WriteRequest → WriteResponse
//   - InvokeRequest → InvokeResponse (with chunking)
//   - SubscribeRequest → ReportData + keepalive
//   - TimedRequest → arms a timed-interaction window
//   - StatusResponse (for chunked flows)
//
// Spec Reference: Chapter 8 "Interaction Model Specification"
// C++ Reference: src/app/InteractionModelEngine.cpp
type Engine struct {
	// dispatcher routes operations to clusters
	dispatcher Dispatcher

	// node resolves wildcard read paths against live cluster state.
	// May be nil, in which case reads are restricted to concrete paths.
	node datamodel.Node

	// events serves EventRequests/EventFilters on reads. May be nil.
	events *EventManager

	// Handlers (pooled for reuse)
	readHandler   *ReadHandler
	writeHandler  *WriteHandler
	invokeHandler *InvokeHandler

	// subscriptions tracks active subscriptions owned by this engine.
	subscriptions *SubscriptionManager

	// timedWindows tracks armed timed-interaction windows per exchange.
	timedWindows *timedWindowTracker

	// pendingSubscriptionID is set while a subscription's priming report is
	// still being chunked out; handleStatusResponse consults it to know
	// whether to follow the final chunk with a SubscribeResponse.
	pendingSubscriptionID *imsg.SubscriptionID

	// maxPayload for chunked responses
	maxPayload int

	// maxPathsPerInvoke caps commands accepted in a single invoke batch.
	// Zero means unlimited.
	maxPathsPerInvoke int

	log logging.LeveledLogger

	mu sync.Mutex
}

// EngineConfig configures the Engine.
type EngineConfig struct {
	// Dispatcher routes operations to cluster implementations.
	// Required.
	Dispatcher Dispatcher

	// Node exposes the endpoint/cluster tree for wildcard path expansion
	// on reads. Optional: without it, reads accept concrete paths only.
	Node datamodel.Node

	// Events serves EventRequests/EventFilters on reads and subscriptions.
	// Optional: without it, event paths in a ReadRequest are accepted but
	// yield no event reports.
	Events *EventManager

	// MaxPayload is the maximum payload size for responses.
	// Defaults to DefaultMaxPayload if 0.
	MaxPayload int

	// MaxPathsPerInvoke caps the number of commands accepted in a single
	// invoke batch. Zero means unlimited.
	MaxPathsPerInvoke int

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// NewEngine creates a new IM engine.
func NewEngine(config EngineConfig) *Engine {
	maxPayload := config.MaxPayload
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}

	dispatcher := config.Dispatcher
	if dispatcher == nil {
		dispatcher = NullDispatcher{}
	}

	e := &Engine{
		dispatcher:        dispatcher,
		node:              config.Node,
		events:            config.Events,
		maxPayload:        maxPayload,
		maxPathsPerInvoke: config.MaxPathsPerInvoke,
		readHandler:       NewReadHandler(nil, maxPayload),   // Reader set per-request
		writeHandler:      NewWriteHandler(dispatcher),
		invokeHandler:     NewInvokeHandler(nil, maxPayload), // Handler set per-request
		subscriptions:     NewSubscriptionManager(),
		timedWindows:      newTimedWindowTracker(),
	}

	if config.LoggerFactory != nil {
		e.log = config.LoggerFactory.NewLogger("im")
	}

	return e
}

// subjectFromSession derives the accessing subject from an exchange's
// underlying session. CASE and PASE sessions resolve to the peer's fabric
// index and node ID; anything else (including a nil exchange used in unit
// tests) resolves to the anonymous subject.
func subjectFromSession(ctx *exchange.ExchangeContext) datamodel.SubjectDescriptor {
	if ctx == nil {
		return datamodel.SubjectDescriptor{}
	}

	secure, ok := ctx.Session().(*session.SecureContext)
	if !ok {
		return datamodel.SubjectDescriptor{}
	}

	mode := datamodel.AuthModeCASE
	if secure.SessionType() == session.SessionTypePASE {
		mode = datamodel.AuthModePASE
	}

	return datamodel.SubjectDescriptor{
		FabricIndex: uint8(secure.FabricIndex()),
		NodeID:      uint64(secure.PeerNodeID()),
		AuthMode:    mode,
	}
}

// OnMessage implements exchange.ExchangeDelegate.
// This is the main entry point for IM messages.
//
// The engine sends responses directly via ctx.SendMessage with the correct
// response opcode (matching the C++ SDK architecture), then returns (nil, nil)
// so the exchange layer doesn't send again.
//
// Spec: 8.2.4 "Action" - defines valid opcodes
// C++ Reference: InteractionModelEngine::OnMessageReceived
func (e *Engine) OnMessage(
	ctx *exchange.ExchangeContext,
	header *message.ProtocolHeader,
	payload []byte,
) ([]byte, error) {
	opcode := imsg.Opcode(header.ProtocolOpcode)

	var responsePayload []byte
	var responseOpcode imsg.Opcode
	var err error

	switch opcode {
	case imsg.OpcodeReadRequest:
		responsePayload, err = e.handleReadRequest(ctx, payload)
		responseOpcode = imsg.OpcodeReportData

	case imsg.OpcodeWriteRequest:
		responsePayload, err = e.handleWriteRequest(ctx, payload)
		responseOpcode = imsg.OpcodeWriteResponse

	case imsg.OpcodeInvokeRequest:
		responsePayload, err = e.handleInvokeRequest(ctx, payload)
		responseOpcode = imsg.OpcodeInvokeResponse

	case imsg.OpcodeStatusResponse:
		// StatusResponse handling may return different response types
		return e.handleStatusResponse(ctx, payload)

	case imsg.OpcodeSubscribeRequest:
		responsePayload, err = e.handleSubscribeRequest(ctx, payload)
		responseOpcode = imsg.OpcodeReportData

	case imsg.OpcodeTimedRequest:
		responsePayload, err = e.handleTimedRequest(ctx, payload)
		responseOpcode = imsg.OpcodeStatusResponse

	default:
		responsePayload, _ = e.encodeStatusResponse(imsg.StatusInvalidAction)
		responseOpcode = imsg.OpcodeStatusResponse
	}

	if err != nil {
		return nil, err
	}

	// No response to send (e.g., SuppressResponse was set)
	if responsePayload == nil {
		return nil, nil
	}

	// If context is nil (unit tests), return payload directly for verification
	if ctx == nil {
		return responsePayload, nil
	}

	// Send response directly with correct opcode
	// C++ Reference: CommandResponseSender::SendCommandResponse calls
	// mExchangeCtx->SendMessage(MsgType::InvokeCommandResponse, ...)
	if sendErr := ctx.SendMessage(uint8(responseOpcode), responsePayload, true); sendErr != nil {
		return nil, sendErr
	}

	// Return nil so exchange layer doesn't send again
	return nil, nil
}

// OnClose implements exchange.ExchangeDelegate.
func (e *Engine) OnClose(ctx *exchange.ExchangeContext) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Reset handlers if they were active on this exchange
	e.readHandler.Reset()
	e.writeHandler.Reset()
	e.invokeHandler.Reset()

	e.timedWindows.clear(ctx)
	e.subscriptions.RemoveByExchange(ctx)
}

// handleReadRequest processes a ReadRequestMessage.
func (e *Engine) handleReadRequest(ctx *exchange.ExchangeContext, payload []byte) ([]byte, error) {
	// Decode request
	req, err := DecodeReadRequest(payload)
	if err != nil {
		return e.encodeStatusResponse(imsg.StatusInvalidAction)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Create attribute reader that uses dispatcher
	reader := e.createAttributeReader()

	// Create handler with reader
	handler := NewReadHandler(reader, e.maxPayload)
	handler.SetNode(e.node)
	handler.SetEventManager(e.events)

	subject := subjectFromSession(ctx)

	// Process request
	resp, err := handler.HandleReadRequest(ctx, req, subject.FabricIndex, subject.NodeID)
	if err != nil {
		return e.encodeStatusResponse(ErrorToStatus(err))
	}

	// Store handler for potential chunked continuation
	e.readHandler = handler

	return EncodeReportData(resp)
}

// handleWriteRequest processes a WriteRequestMessage.
func (e *Engine) handleWriteRequest(ctx *exchange.ExchangeContext, payload []byte) ([]byte, error) {
	// Decode request
	req, err := DecodeWriteRequest(payload)
	if err != nil {
		return e.encodeStatusResponse(imsg.StatusInvalidAction)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	subject := subjectFromSession(ctx)
	isTimed := e.timedWindows.consume(ctx)

	// Process request
	resp, err := e.writeHandler.HandleWriteRequest(ctx, req, subject.FabricIndex, subject.NodeID, isTimed)
	if err != nil {
		return e.encodeStatusResponse(ErrorToStatus(err))
	}

	// If SuppressResponse was set, resp is nil
	if resp == nil {
		return nil, nil
	}

	return EncodeWriteResponse(resp)
}

// handleInvokeRequest processes an InvokeRequestMessage.
func (e *Engine) handleInvokeRequest(ctx *exchange.ExchangeContext, payload []byte) ([]byte, error) {
	// Decode request
	req, err := DecodeInvokeRequest(payload)
	if err != nil {
		return e.encodeStatusResponse(imsg.StatusInvalidAction)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Create command handler that uses dispatcher
	cmdHandler := e.createCommandHandler()

	// Create handler
	handler := NewInvokeHandler(cmdHandler, e.maxPayload)
	handler.SetMaxPathsPerInvoke(e.maxPathsPerInvoke)

	subject := subjectFromSession(ctx)
	isTimed := e.timedWindows.consume(ctx)

	// Process request
	resp, err := handler.HandleInvokeRequest(ctx, req, subject.FabricIndex, subject.NodeID, isTimed)
	if err != nil {
		return e.encodeStatusResponse(ErrorToStatus(err))
	}

	// Store handler for potential chunked continuation
	e.invokeHandler = handler

	return EncodeInvokeResponse(resp)
}

// handleStatusResponse processes a StatusResponseMessage.
// Used for chunked response flow control.
// This method sends responses directly with correct opcodes.
func (e *Engine) handleStatusResponse(ctx *exchange.ExchangeContext, payload []byte) ([]byte, error) {
	// Decode status
	statusMsg, err := DecodeStatusResponse(payload)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Check if read handler has pending chunks
	if e.readHandler.State() == ReadHandlerStateSendingReport {
		resp, err := e.readHandler.HandleStatusResponse(statusMsg.Status)
		if err != nil {
			responsePayload, _ := e.encodeStatusResponse(ErrorToStatus(err))
			return e.sendOrReturn(ctx, uint8(imsg.OpcodeStatusResponse), responsePayload)
		}
		if resp != nil {
			responsePayload, err := EncodeReportData(resp)
			if err != nil {
				return nil, err
			}
			return e.sendOrReturn(ctx, uint8(imsg.OpcodeReportData), responsePayload)
		}

		return e.finalizeSubscriptionIfPending(ctx)
	}

	// A priming report that fit in a single chunk leaves the read handler
	// Idle; its ack still needs to be followed by a SubscribeResponse.
	if e.pendingSubscriptionID != nil {
		return e.finalizeSubscriptionIfPending(ctx)
	}

	// Check if invoke handler has pending chunks
	if e.invokeHandler.State() == InvokeHandlerStateSendingResponse {
		resp, err := e.invokeHandler.HandleStatusResponse(statusMsg.Status)
		if err != nil {
			responsePayload, _ := e.encodeStatusResponse(ErrorToStatus(err))
			return e.sendOrReturn(ctx, uint8(imsg.OpcodeStatusResponse), responsePayload)
		}
		if resp != nil {
			responsePayload, err := EncodeInvokeResponse(resp)
			if err != nil {
				return nil, err
			}
			return e.sendOrReturn(ctx, uint8(imsg.OpcodeInvokeResponse), responsePayload)
		}
		return nil, nil
	}

	// No handler expecting status response
	return nil, nil
}

// finalizeSubscriptionIfPending sends the SubscribeResponse confirming a
// subscription whose priming report has just been fully acknowledged.
func (e *Engine) finalizeSubscriptionIfPending(ctx *exchange.ExchangeContext) ([]byte, error) {
	if e.pendingSubscriptionID == nil {
		return nil, nil
	}
	id := *e.pendingSubscriptionID
	e.pendingSubscriptionID = nil

	sub, ok := e.subscriptions.Get(id)
	if !ok {
		return nil, nil
	}
	respPayload, err := EncodeSubscribeResponse(&imsg.SubscribeResponseMessage{
		SubscriptionID: id,
		MaxInterval:    sub.MaxIntervalCeiling,
	})
	if err != nil {
		return nil, err
	}
	return e.sendOrReturn(ctx, uint8(imsg.OpcodeSubscribeResponse), respPayload)
}

// sendOrReturn either sends via exchange context or returns payload for unit tests.
func (e *Engine) sendOrReturn(ctx *exchange.ExchangeContext, opcode uint8, payload []byte) ([]byte, error) {
	if ctx == nil {
		return payload, nil
	}
	if err := ctx.SendMessage(opcode, payload, true); err != nil {
		return nil, err
	}
	return nil, nil
}

// createAttributeReader creates an AttributeReader that uses the dispatcher.
func (e *Engine) createAttributeReader() AttributeReader {
	return func(ctx *ReadContext, path imsg.AttributePathIB) (*AttributeResult, error) {
		req := &AttributeReadRequest{
			Path:             path,
			IsFabricFiltered: ctx.IsFabricFiltered,
		}

		var buf bytes.Buffer
		w := tlv.NewWriter(&buf)

		err := e.dispatcher.ReadAttribute(nil, req, w)
		if err != nil {
			return &AttributeResult{
				Status: &imsg.StatusIB{
					Status: ErrorToStatus(err),
				},
			}, nil
		}

		return &AttributeResult{
			DataVersion: e.clusterDataVersion(path),
			Data:        buf.Bytes(),
		}, nil
	}
}

// clusterDataVersion returns the live DataVersion for the cluster backing
// path, if a Node was wired in and the path is concrete. Falls back to 1
// when the cluster can't be resolved, matching the dispatcher's behavior
// of treating version tracking as best-effort.
func (e *Engine) clusterDataVersion(path imsg.AttributePathIB) imsg.DataVersion {
	if e.node == nil || path.Endpoint == nil || path.Cluster == nil {
		return 1
	}
	ep := e.node.GetEndpoint(*path.Endpoint)
	if ep == nil {
		return 1
	}
	cl := ep.GetCluster(*path.Cluster)
	if cl == nil {
		return 1
	}
	return cl.DataVersion()
}

// createCommandHandler creates a CommandHandler that uses the dispatcher.
func (e *Engine) createCommandHandler() CommandHandler {
	return func(ctx *InvokeContext, path imsg.CommandPathIB, fields []byte) (*CommandResult, error) {
		req := &CommandInvokeRequest{
			Path:    path,
			IsTimed: ctx.IsTimed,
		}

		r := tlv.NewReader(bytes.NewReader(fields))

		respData, err := e.dispatcher.InvokeCommand(nil, req, r)
		if err != nil {
			return &CommandResult{
				Status: &imsg.StatusIB{
					Status: ErrorToStatus(err),
				},
			}, nil
		}

		return &CommandResult{
			ResponsePath: path,
			ResponseData: respData,
		}, nil
	}
}

// encodeStatusResponse encodes a status response message.
func (e *Engine) encodeStatusResponse(status imsg.Status) ([]byte, error) {
	return EncodeStatusResponse(status)
}

// GetProtocolID returns the protocol ID for registration with ExchangeManager.
func (e *Engine) GetProtocolID() message.ProtocolID {
	return ProtocolID
}

// Events returns the EventManager wired into this engine, or nil if none
// was configured. Cluster implementations bind their EventPublisher to
// NewEventManagerPublisher(engine.Events()) so events they generate are
// servable by this engine's ReadHandler.
func (e *Engine) Events() *EventManager {
	return e.events
}
