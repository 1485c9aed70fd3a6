package im

import (
	"github.com/nodefabric/matter/pkg/datamodel"
	"github.com/nodefabric/matter/pkg/exchange"
)

// RequestContext provides context for IM operations.
// It wraps the exchange context and carries the subject descriptor derived
// from the underlying secure session, used for fabric filtering and the
// per-element fabric index override on writes.
// This is passed to all handler operations and can be used by clusters.
type RequestContext struct {
	// Exchange is the underlying exchange context.
	// Provides access to session info and message sending.
	Exchange *exchange.ExchangeContext

	// Subject describes the identity making the request.
	Subject datamodel.SubjectDescriptor
}

// NewRequestContext creates a new request context.
func NewRequestContext(exchCtx *exchange.ExchangeContext, subject datamodel.SubjectDescriptor) *RequestContext {
	return &RequestContext{
		Exchange: exchCtx,
		Subject:  subject,
	}
}

// FabricIndex returns the accessing fabric index.
func (c *RequestContext) FabricIndex() uint8 {
	return c.Subject.FabricIndex
}

// SourceNodeID returns the requesting node's ID.
func (c *RequestContext) SourceNodeID() uint64 {
	return c.Subject.NodeID
}

// AuthMode returns the authentication mode of the session.
func (c *RequestContext) AuthMode() datamodel.AuthMode {
	return c.Subject.AuthMode
}

// IsGroup returns true if the request arrived over a group (multicast) session.
// Spec 4.7: group messages are never permitted while a timed interaction is pending.
func (c *RequestContext) IsGroup() bool {
	return c.Subject.AuthMode == datamodel.AuthModeGroup
}
