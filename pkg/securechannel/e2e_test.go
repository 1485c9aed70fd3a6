package securechannel

import (
	"sync"
	"testing"

	"github.com/nodefabric/matter/pkg/crypto"
	"github.com/nodefabric/matter/pkg/fabric"
	casesession "github.com/nodefabric/matter/pkg/securechannel/case"
	"github.com/nodefabric/matter/pkg/session"
)

// =============================================================================
// E2E Tests: CASE Happy Path
// =============================================================================

// TestE2E_CASE_HappyPath tests a complete CASE handshake between two commissioned nodes.
func TestE2E_CASE_HappyPath(t *testing.T) {
	// Create test fabric info for both sides
	fabricID := uint64(0x1234567890ABCDEF)
	initiatorNodeID := uint64(0x1111111111111111)
	responderNodeID := uint64(0x2222222222222222)

	initiatorFabric, initiatorKey := createTestFabricInfoE2E(t, 1, fabricID, initiatorNodeID)
	responderFabric, responderKey := createTestFabricInfoE2E(t, 1, fabricID, responderNodeID)

	// Share root and IPK (they're on the same fabric)
	responderFabric.RootPublicKey = initiatorFabric.RootPublicKey
	responderFabric.IPK = initiatorFabric.IPK
	cfid, _ := fabric.CompressedFabricIDFromCert(responderFabric.RootPublicKey, responderFabric.FabricID)
	responderFabric.CompressedFabricID = cfid

	// Create session managers
	initiatorSessionMgr := session.NewManager(session.ManagerConfig{})
	responderSessionMgr := session.NewManager(session.ManagerConfig{})

	var initiatorSession *session.SecureContext
	var initiatorMu, responderMu sync.Mutex

	// Create certificate validators
	initiatorCertValidator := func(noc []byte, icac []byte, trustedRoot [65]byte) (*casesession.PeerCertInfo, error) {
		var pubKey [65]byte
		copy(pubKey[:], responderKey.P256PublicKey())
		return &casesession.PeerCertInfo{
			NodeID:    responderNodeID,
			FabricID:  fabricID,
			PublicKey: pubKey,
		}, nil
	}

	responderCertValidator := func(noc []byte, icac []byte, trustedRoot [65]byte) (*casesession.PeerCertInfo, error) {
		var pubKey [65]byte
		copy(pubKey[:], initiatorKey.P256PublicKey())
		return &casesession.PeerCertInfo{
			NodeID:    initiatorNodeID,
			FabricID:  fabricID,
			PublicKey: pubKey,
		}, nil
	}

	// Create initiator manager
	initiatorMgr := NewManager(ManagerConfig{
		SessionManager: initiatorSessionMgr,
		CertValidator:  initiatorCertValidator,
		LocalNodeID:    fabric.NodeID(initiatorNodeID),
		Callbacks: Callbacks{
			OnSessionEstablished: func(ctx *session.SecureContext) {
				initiatorMu.Lock()
				initiatorSession = ctx
				initiatorMu.Unlock()
			},
		},
	})

	// Create fabric lookup for responder
	fabricLookup := func(destID [casesession.DestinationIDSize]byte, initiatorRandom [casesession.RandomSize]byte) (*fabric.FabricInfo, *crypto.P256KeyPair, error) {
		ipkSlice, _ := crypto.DeriveGroupOperationalKeyV1(responderFabric.IPK[:], responderFabric.CompressedFabricID[:])
		var ipk [crypto.SymmetricKeySize]byte
		copy(ipk[:], ipkSlice)
		if casesession.MatchDestinationID(destID, initiatorRandom, responderFabric.RootPublicKey, uint64(responderFabric.FabricID), uint64(responderFabric.NodeID), ipk) {
			return responderFabric, responderKey, nil
		}
		return nil, nil, casesession.ErrNoSharedRoot
	}

	// Create responder CASE session (simulating direct handling)
	responderCASE := casesession.NewResponder(fabricLookup, nil)
	responderCASE.WithCertValidator(responderCertValidator)

	// Use exchange ID for this handshake
	exchangeID := uint16(100)

	// Step 1: Initiator starts CASE handshake
	sigma1, err := initiatorMgr.StartCASE(exchangeID, initiatorFabric, initiatorKey, responderNodeID, nil)
	if err != nil {
		t.Fatalf("StartCASE failed: %v", err)
	}
	t.Logf("Initiator → Responder: Sigma1 (%d bytes)", len(sigma1))

	// Verify initiator has active CASE handshake
	if !initiatorMgr.HasActiveHandshake(exchangeID) {
		t.Error("expected CASE handshake on initiator")
	}

	// Step 2: Responder handles Sigma1 → Sigma2
	responderLocalSessionID, _ := responderSessionMgr.AllocateSessionID()
	sigma2, isResumption, err := responderCASE.HandleSigma1(sigma1, responderLocalSessionID)
	if err != nil {
		t.Fatalf("HandleSigma1 failed: %v", err)
	}
	if isResumption {
		t.Error("expected full handshake, not resumption")
	}
	t.Logf("Responder → Initiator: Sigma2 (%d bytes)", len(sigma2))

	// Step 3: Initiator handles Sigma2 → Sigma3
	sigma3Msg, err := initiatorMgr.Route(exchangeID, &Message{
		Opcode:  OpcodeCASESigma2,
		Payload: sigma2,
	})
	if err != nil {
		t.Fatalf("Initiator Route Sigma2 failed: %v", err)
	}
	if sigma3Msg == nil || sigma3Msg.Opcode != OpcodeCASESigma3 {
		t.Fatalf("expected Sigma3, got %v", sigma3Msg)
	}
	t.Logf("Initiator → Responder: Sigma3 (%d bytes)", len(sigma3Msg.Payload))

	// Step 4: Responder handles Sigma3 → Success
	err = responderCASE.HandleSigma3(sigma3Msg.Payload)
	if err != nil {
		t.Fatalf("HandleSigma3 failed: %v", err)
	}

	// Verify responder session keys are available
	responderKeys, err := responderCASE.SessionKeys()
	if err != nil {
		t.Fatalf("responder SessionKeys failed: %v", err)
	}
	if responderKeys == nil {
		t.Error("responder keys should be available")
	}

	// Record responder session info
	responderMu.Lock()
	t.Logf("Responder session established: localID=%d, peerSessionID=%d",
		responderLocalSessionID, responderCASE.PeerSessionID())
	responderMu.Unlock()

	// Step 5: Send success status to initiator
	successStatus := Success().Encode()
	_, err = initiatorMgr.Route(exchangeID, &Message{
		Opcode:  OpcodeStatusReport,
		Payload: successStatus,
	})
	if err != nil {
		t.Fatalf("Initiator Route StatusReport failed: %v", err)
	}

	// Verify initiator session established
	initiatorMu.Lock()
	if initiatorSession == nil {
		t.Error("initiator session should be established")
	} else {
		if initiatorSession.SessionType() != session.SessionTypeCASE {
			t.Errorf("initiator session type: got %v, want CASE", initiatorSession.SessionType())
		}
		if initiatorSession.PeerNodeID() != fabric.NodeID(responderNodeID) {
			t.Errorf("initiator peer node ID: got %d, want %d", initiatorSession.PeerNodeID(), responderNodeID)
		}
		t.Logf("Initiator session established: localID=%d, peerNodeID=%d",
			initiatorSession.LocalSessionID(), initiatorSession.PeerNodeID())
	}
	initiatorMu.Unlock()

	// Verify handshake cleaned up
	if initiatorMgr.HasActiveHandshake(exchangeID) {
		t.Error("initiator handshake should be cleaned up")
	}

	t.Log("CASE E2E happy path: SUCCESS")
}

// =============================================================================
// E2E Tests: Negative Cases
// =============================================================================

// TestE2E_CASE_NoSharedRoot tests CASE failure when no shared trust root exists.
func TestE2E_CASE_NoSharedRoot(t *testing.T) {
	// Create fabric info with different roots
	fabricID := uint64(0x1234567890ABCDEF)
	initiatorNodeID := uint64(0x1111111111111111)
	responderNodeID := uint64(0x2222222222222222)

	initiatorFabric, initiatorKey := createTestFabricInfoE2E(t, 1, fabricID, initiatorNodeID)
	responderFabric, responderKey := createTestFabricInfoE2E(t, 2, fabricID, responderNodeID) // Different fabric index

	// DON'T share root - each has their own
	// This simulates nodes on different fabrics

	initiatorSessionMgr := session.NewManager(session.ManagerConfig{})

	initiatorMgr := NewManager(ManagerConfig{
		SessionManager: initiatorSessionMgr,
		LocalNodeID:    fabric.NodeID(initiatorNodeID),
	})

	// Responder fabric lookup that won't match
	fabricLookup := func(destID [casesession.DestinationIDSize]byte, initiatorRandom [casesession.RandomSize]byte) (*fabric.FabricInfo, *crypto.P256KeyPair, error) {
		// Check with responder's own root/IPK (won't match initiator's destination ID)
		ipkSlice, _ := crypto.DeriveGroupOperationalKeyV1(responderFabric.IPK[:], responderFabric.CompressedFabricID[:])
		var ipk [crypto.SymmetricKeySize]byte
		copy(ipk[:], ipkSlice)
		if casesession.MatchDestinationID(destID, initiatorRandom, responderFabric.RootPublicKey, uint64(responderFabric.FabricID), uint64(responderFabric.NodeID), ipk) {
			return responderFabric, responderKey, nil
		}
		return nil, nil, casesession.ErrNoSharedRoot
	}

	responderCASE := casesession.NewResponder(fabricLookup, nil)

	exchangeID := uint16(1)

	// Initiator starts CASE
	sigma1, err := initiatorMgr.StartCASE(exchangeID, initiatorFabric, initiatorKey, responderNodeID, nil)
	if err != nil {
		t.Fatalf("StartCASE failed: %v", err)
	}

	// Responder should fail to find matching fabric
	_, _, err = responderCASE.HandleSigma1(sigma1, 1000)
	if err == nil {
		t.Error("expected ErrNoSharedRoot error, but got none")
	} else {
		t.Logf("CASE correctly failed (no shared root): %v", err)
	}
}

// TestE2E_StatusReport_Busy tests handling of Busy status during handshake.
func TestE2E_StatusReport_Busy(t *testing.T) {
	initiatorSessionMgr := session.NewManager(session.ManagerConfig{})

	var busyCalled bool
	var busyWaitTime uint16

	initiatorMgr := NewManager(ManagerConfig{
		SessionManager: initiatorSessionMgr,
		Callbacks: Callbacks{
			OnResponderBusy: func(waitTimeMs uint16) {
				busyCalled = true
				busyWaitTime = waitTimeMs
			},
		},
	})

	exchangeID := uint16(1)

	// Start a CASE handshake
	fabricInfo, opKey := createTestFabricInfoE2E(t, 1, 0xABCDEF, 0x1234)
	_, _ = initiatorMgr.StartCASE(exchangeID, fabricInfo, opKey, 0x5678, nil)

	// Simulate device responding with Busy
	busyStatus := Busy(5000)
	_, err := initiatorMgr.Route(exchangeID, &Message{
		Opcode:  OpcodeStatusReport,
		Payload: busyStatus.Encode(),
	})
	if err != nil {
		t.Fatalf("Route Busy failed: %v", err)
	}

	if !busyCalled {
		t.Error("OnResponderBusy callback should have been called")
	}
	if busyWaitTime != 5000 {
		t.Errorf("busyWaitTime = %d, want 5000", busyWaitTime)
	}

	// Handshake should be cleaned up
	if initiatorMgr.HasActiveHandshake(exchangeID) {
		t.Error("handshake should be cleaned up after Busy response")
	}

	t.Log("Busy status handling: SUCCESS")
}

// =============================================================================
// Helper Functions
// =============================================================================

// createTestFabricInfoE2E creates a test fabric with generated keys.
func createTestFabricInfoE2E(t *testing.T, index uint8, fabricID uint64, nodeID uint64) (*fabric.FabricInfo, *crypto.P256KeyPair) {
	t.Helper()

	operationalKey, err := crypto.P256GenerateKeyPair()
	if err != nil {
		t.Fatalf("failed to generate operational key: %v", err)
	}

	rootKey, err := crypto.P256GenerateKeyPair()
	if err != nil {
		t.Fatalf("failed to generate root key: %v", err)
	}

	var rootPubKey [65]byte
	copy(rootPubKey[:], rootKey.P256PublicKey())

	cfid, err := fabric.CompressedFabricIDFromCert(rootPubKey, fabric.FabricID(fabricID))
	if err != nil {
		t.Fatalf("failed to compute compressed fabric ID: %v", err)
	}

	noc := operationalKey.P256PublicKey()

	var ipk [16]byte
	for i := range ipk {
		ipk[i] = byte(i + int(index))
	}

	info := &fabric.FabricInfo{
		FabricIndex:        fabric.FabricIndex(index),
		FabricID:           fabric.FabricID(fabricID),
		NodeID:             fabric.NodeID(nodeID),
		VendorID:           fabric.VendorIDTestVendor1,
		RootPublicKey:      rootPubKey,
		CompressedFabricID: cfid,
		IPK:                ipk,
		NOC:                noc,
	}

	return info, operationalKey
}
