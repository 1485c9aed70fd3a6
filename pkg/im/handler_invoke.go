package im

import (
	"bytes"
	"errors"
	"sync"

	"github.com/nodefabric/matter/pkg/exchange"
	"github.com/nodefabric/matter/pkg/im/message"
	"github.com/nodefabric/matter/pkg/tlv"
)

// InvokeHandler errors.
var (
	ErrInvokeHandlerBusy     = errors.New("invoke handler: busy processing another request")
	ErrInvokeTimedMismatch   = errors.New("invoke handler: timed request mismatch")
	ErrInvokeCommandNotFound = errors.New("invoke handler: command not found")
	ErrInvokeInvalidPath     = errors.New("invoke handler: invalid command path")

	// ErrInvokeTooManyPaths is returned when a batch exceeds the configured
	// maxPathsPerInvoke. The whole request is rejected before any command runs.
	ErrInvokeTooManyPaths = errors.New("invoke handler: request exceeds maxPathsPerInvoke")

	// ErrInvokeDuplicateRef is returned when two entries in a batch share the
	// same non-nil CommandRef. Spec 8.8.2: refs correlate responses to
	// requests and must be unique within a batch.
	ErrInvokeDuplicateRef = errors.New("invoke handler: duplicate commandRef in batch")

	// ErrInvokeWildcardBatch is returned when a batch of more than one command
	// contains a wildcard command path. Spec 8.8.2 forbids wildcard expansion
	// once a request carries multiple commands.
	ErrInvokeWildcardBatch = errors.New("invoke handler: wildcard command path not allowed in a batch")

	// ErrInvokeDuplicatePath is returned when two entries in a batch target
	// the exact same concrete (endpoint, cluster, command) path.
	ErrInvokeDuplicatePath = errors.New("invoke handler: duplicate command path in batch")
)

// DefaultMaxPathsPerInvoke is used when no explicit limit has been set via
// SetMaxPathsPerInvoke. Zero means unlimited.
const DefaultMaxPathsPerInvoke = 0

// CommandHandler is called to process an invoke request.
// It receives the command path and raw TLV command fields,
// and returns response data (raw TLV) or an error status.
type CommandHandler func(
	ctx *InvokeContext,
	path message.CommandPathIB,
	fields []byte,
) (*CommandResult, error)

// CommandResult is the result of a command invocation.
type CommandResult struct {
	// ResponsePath is the command path for the response.
	// Typically the same as the request path for server commands.
	ResponsePath message.CommandPathIB

	// ResponseData is the TLV-encoded response data.
	// nil if command has no response data.
	ResponseData []byte

	// Status is set if the command failed with a status instead of response.
	Status *message.StatusIB
}

// InvokeContext provides context for command invocation.
type InvokeContext struct {
	// Exchange is the underlying exchange context.
	Exchange *exchange.ExchangeContext

	// FabricIndex is the accessing fabric (0 if none).
	FabricIndex uint8

	// IsTimed indicates if this is part of a timed interaction.
	IsTimed bool

	// SourceNodeID is the requesting node.
	SourceNodeID uint64
}

// InvokeHandlerState represents the handler state machine.
type InvokeHandlerState int

const (
	InvokeHandlerStateIdle InvokeHandlerState = iota
	InvokeHandlerStateReceiving
	InvokeHandlerStateProcessing
	InvokeHandlerStateSendingResponse
)

// String returns the state name.
func (s InvokeHandlerState) String() string {
	switch s {
	case InvokeHandlerStateIdle:
		return "Idle"
	case InvokeHandlerStateReceiving:
		return "Receiving"
	case InvokeHandlerStateProcessing:
		return "Processing"
	case InvokeHandlerStateSendingResponse:
		return "SendingResponse"
	default:
		return "Unknown"
	}
}

// InvokeHandler handles invoke request messages.
// It splits large responses into chunks; requests are not chunked.
type InvokeHandler struct {
	// commandHandler is called to process commands.
	commandHandler CommandHandler

	// chunking support
	assembler   *Assembler
	fragmenter  *Fragmenter

	// State
	state       InvokeHandlerState
	ctx         *InvokeContext

	// Pending response chunks
	pendingChunks []*message.InvokeResponseMessage
	chunkIndex    int

	// maxPathsPerInvoke caps the number of commands accepted in one batch.
	// Zero means unlimited. Set via SetMaxPathsPerInvoke.
	maxPathsPerInvoke int

	mu sync.Mutex
}

// NewInvokeHandler creates a new invoke handler.
func NewInvokeHandler(handler CommandHandler, maxPayload int) *InvokeHandler {
	return &InvokeHandler{
		commandHandler:    handler,
		assembler:         NewAssembler(),
		fragmenter:        NewFragmenter(maxPayload),
		state:             InvokeHandlerStateIdle,
		maxPathsPerInvoke: DefaultMaxPathsPerInvoke,
	}
}

// SetMaxPathsPerInvoke bounds the number of commands accepted in a single
// InvokeRequestMessage. A batch exceeding the limit is rejected in full
// before any command handler runs. Zero (the default) means unlimited.
func (h *InvokeHandler) SetMaxPathsPerInvoke(max int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.maxPathsPerInvoke = max
}

// HandleInvokeRequest processes an incoming InvokeRequestMessage.
// Returns the response message, or its first chunk when the response is chunked.
func (h *InvokeHandler) HandleInvokeRequest(
	exchCtx *exchange.ExchangeContext,
	msg *message.InvokeRequestMessage,
	fabricIndex uint8,
	sourceNodeID uint64,
	isTimed bool,
) (*message.InvokeResponseMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Validate timed request flag
	if msg.TimedRequest && !isTimed {
		return nil, ErrInvokeTimedMismatch
	}

	if err := validateInvokeBatch(msg.InvokeRequests, h.maxPathsPerInvoke); err != nil {
		return nil, err
	}

	// Create invoke context
	h.ctx = &InvokeContext{
		Exchange:     exchCtx,
		FabricIndex:  fabricIndex,
		IsTimed:      isTimed,
		SourceNodeID: sourceNodeID,
	}

	// Note: Per Matter spec, InvokeRequestMessage does NOT support chunking
	// in the current specification version. The MoreChunkedMessages field
	// exists only in InvokeResponseMessage.
	// See: "NOTE In this version of the specification, InvokeRequestMessage
	// contains no provisions for spanning multiple messages"

	// Process all commands in the request
	h.state = InvokeHandlerStateProcessing

	responses, err := h.processCommands(msg)
	if err != nil {
		h.state = InvokeHandlerStateIdle
		return nil, err
	}

	// Build response message
	response := &message.InvokeResponseMessage{
		SuppressResponse: msg.SuppressResponse,
		InvokeResponses:  responses,
	}

	// Check if response needs chunking
	chunks, err := h.fragmenter.FragmentInvokeResponse(response)
	if err != nil {
		h.state = InvokeHandlerStateIdle
		return nil, err
	}

	if len(chunks) == 1 {
		// No chunking needed
		h.state = InvokeHandlerStateIdle
		return chunks[0], nil
	}

	// Chunked response - store chunks and return first
	h.state = InvokeHandlerStateSendingResponse
	h.pendingChunks = chunks
	h.chunkIndex = 1 // First chunk (index 0) returned now

	return chunks[0], nil
}

// HandleStatusResponse processes a StatusResponse during chunked transmission.
// Returns the next response chunk, or nil if transmission is complete.
func (h *InvokeHandler) HandleStatusResponse(status message.Status) (*message.InvokeResponseMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != InvokeHandlerStateSendingResponse {
		return nil, nil // Not in chunking mode
	}

	if status != message.StatusSuccess {
		// Peer rejected - abort chunking
		h.state = InvokeHandlerStateIdle
		h.pendingChunks = nil
		return nil, nil
	}

	// Send next chunk
	if h.chunkIndex >= len(h.pendingChunks) {
		// All chunks sent
		h.state = InvokeHandlerStateIdle
		h.pendingChunks = nil
		return nil, nil
	}

	chunk := h.pendingChunks[h.chunkIndex]
	h.chunkIndex++

	// Check if this was the last chunk
	if h.chunkIndex >= len(h.pendingChunks) {
		h.state = InvokeHandlerStateIdle
		h.pendingChunks = nil
	}

	return chunk, nil
}

// validateInvokeBatch rejects the whole request before any command handler
// runs if the batch violates spec 8.8.2 batching rules: a path count over
// maxPathsPerInvoke (0 = unlimited), a wildcard command path alongside other
// commands, or two entries sharing a CommandRef or a concrete path.
func validateInvokeBatch(requests []message.CommandDataIB, maxPathsPerInvoke int) error {
	if maxPathsPerInvoke > 0 && len(requests) > maxPathsPerInvoke {
		return ErrInvokeTooManyPaths
	}

	if len(requests) <= 1 {
		return nil
	}

	seenRefs := make(map[uint16]bool, len(requests))
	type concretePath struct {
		endpoint message.EndpointID
		cluster  message.ClusterID
		command  message.CommandID
	}
	seenPaths := make(map[concretePath]bool, len(requests))

	for _, req := range requests {
		if req.Path.IsWildcard() {
			return ErrInvokeWildcardBatch
		}

		if req.Ref != nil {
			if seenRefs[*req.Ref] {
				return ErrInvokeDuplicateRef
			}
			seenRefs[*req.Ref] = true
		}

		cp := concretePath{req.Path.Endpoint, req.Path.Cluster, req.Path.Command}
		if seenPaths[cp] {
			return ErrInvokeDuplicatePath
		}
		seenPaths[cp] = true
	}

	return nil
}

// processCommands invokes all commands in the request.
func (h *InvokeHandler) processCommands(msg *message.InvokeRequestMessage) ([]message.InvokeResponseIB, error) {
	var responses []message.InvokeResponseIB

	for i, cmdData := range msg.InvokeRequests {
		response, err := h.invokeCommand(&cmdData)
		if err != nil {
			// Create error response for this command
			response = h.createErrorResponse(&cmdData, ErrorToStatus(err))
		}

		// Set CommandRef if present in request (for batch correlation)
		if cmdData.Ref != nil {
			if response.Command != nil {
				response.Command.Ref = cmdData.Ref
			}
			if response.Status != nil {
				ref := *cmdData.Ref
				response.Status.Ref = &ref
			}
		} else if len(msg.InvokeRequests) > 1 {
			// Multiple commands require CommandRef per spec
			// Use index as implicit ref
			ref := uint16(i)
			if response.Command != nil {
				response.Command.Ref = &ref
			}
			if response.Status != nil {
				response.Status.Ref = &ref
			}
		}

		responses = append(responses, response)
	}

	return responses, nil
}

// invokeCommand calls the command handler for a single command.
func (h *InvokeHandler) invokeCommand(cmdData *message.CommandDataIB) (message.InvokeResponseIB, error) {
	if h.commandHandler == nil {
		return h.createErrorResponse(cmdData, message.StatusUnsupportedCommand), nil
	}

	result, err := h.commandHandler(h.ctx, cmdData.Path, cmdData.Fields)
	if err != nil {
		return h.createErrorResponse(cmdData, ErrorToStatus(err)), nil
	}

	if result == nil {
		// No response (command with no response data)
		return h.createSuccessResponse(cmdData), nil
	}

	if result.Status != nil {
		// Command returned a status
		return message.InvokeResponseIB{
			Status: &message.CommandStatusIB{
				Path:   cmdData.Path,
				Status: *result.Status,
			},
		}, nil
	}

	// Command returned response data
	return message.InvokeResponseIB{
		Command: &message.CommandDataIB{
			Path:   result.ResponsePath,
			Fields: result.ResponseData,
		},
	}, nil
}

// createErrorResponse creates an error response for a command.
func (h *InvokeHandler) createErrorResponse(cmdData *message.CommandDataIB, status message.Status) message.InvokeResponseIB {
	return message.InvokeResponseIB{
		Status: &message.CommandStatusIB{
			Path: cmdData.Path,
			Status: message.StatusIB{
				Status: status,
			},
		},
	}
}

// createSuccessResponse creates a success response for a command.
func (h *InvokeHandler) createSuccessResponse(cmdData *message.CommandDataIB) message.InvokeResponseIB {
	return message.InvokeResponseIB{
		Status: &message.CommandStatusIB{
			Path: cmdData.Path,
			Status: message.StatusIB{
				Status: message.StatusSuccess,
			},
		},
	}
}

// Reset resets the handler to idle state.
func (h *InvokeHandler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.state = InvokeHandlerStateIdle
	h.ctx = nil
	h.pendingChunks = nil
	h.chunkIndex = 0
	h.assembler.Reset()
}

// State returns the current handler state.
func (h *InvokeHandler) State() InvokeHandlerState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// EncodeStatusResponse encodes a status response message.
func EncodeStatusResponse(status message.Status) ([]byte, error) {
	msg := message.StatusResponseMessage{Status: status}
	var buf bytes.Buffer
	w := tlv.NewWriter(&buf)
	if err := msg.Encode(w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeInvokeResponse encodes an invoke response message.
func EncodeInvokeResponse(msg *message.InvokeResponseMessage) ([]byte, error) {
	var buf bytes.Buffer
	w := tlv.NewWriter(&buf)
	if err := msg.Encode(w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeInvokeRequest decodes an invoke request message.
func DecodeInvokeRequest(data []byte) (*message.InvokeRequestMessage, error) {
	r := tlv.NewReader(bytes.NewReader(data))
	var msg message.InvokeRequestMessage
	if err := msg.Decode(r); err != nil {
		return nil, err
	}
	return &msg, nil
}

// DecodeStatusResponse decodes a status response message.
func DecodeStatusResponse(data []byte) (*message.StatusResponseMessage, error) {
	r := tlv.NewReader(bytes.NewReader(data))
	var msg message.StatusResponseMessage
	if err := msg.Decode(r); err != nil {
		return nil, err
	}
	return &msg, nil
}
