package securechannel

import (
	"testing"

	"github.com/nodefabric/matter/pkg/session"
)

func TestMessagePermitted(t *testing.T) {
	tests := []struct {
		opcode   Opcode
		expected bool
	}{
		// CASE opcodes - permitted
		{OpcodeCASESigma1, true},
		{OpcodeCASESigma2, true},
		{OpcodeCASESigma3, true},
		{OpcodeCASESigma2Resume, true},
		// Other permitted
		{OpcodeStandaloneAck, true},
		{OpcodeStatusReport, true},
		// Not permitted during session establishment
		{OpcodeMsgCounterSyncReq, false},
		{OpcodeMsgCounterSyncResp, false},
		{OpcodeICDCheckIn, false},
		{Opcode(0xFF), false},
	}

	for _, tc := range tests {
		t.Run(tc.opcode.String(), func(t *testing.T) {
			if got := MessagePermitted(tc.opcode); got != tc.expected {
				t.Errorf("MessagePermitted(%s) = %v, want %v", tc.opcode, got, tc.expected)
			}
		})
	}
}

func TestIsCASEOpcode(t *testing.T) {
	tests := []struct {
		opcode   Opcode
		expected bool
	}{
		{OpcodeCASESigma1, true},
		{OpcodeCASESigma2, true},
		{OpcodeCASESigma3, true},
		{OpcodeCASESigma2Resume, true},
		{OpcodeStatusReport, false},
	}

	for _, tc := range tests {
		t.Run(tc.opcode.String(), func(t *testing.T) {
			if got := IsCASEOpcode(tc.opcode); got != tc.expected {
				t.Errorf("IsCASEOpcode(%s) = %v, want %v", tc.opcode, got, tc.expected)
			}
		})
	}
}

func TestNewManager(t *testing.T) {
	sessionMgr := session.NewManager(session.ManagerConfig{})

	config := ManagerConfig{
		SessionManager: sessionMgr,
	}

	mgr := NewManager(config)
	if mgr == nil {
		t.Fatal("NewManager returned nil")
	}

	if mgr.ActiveHandshakeCount() != 0 {
		t.Errorf("new manager should have 0 active handshakes, got %d", mgr.ActiveHandshakeCount())
	}
}

func TestRouteInvalidOpcode(t *testing.T) {
	sessionMgr := session.NewManager(session.ManagerConfig{})
	mgr := NewManager(ManagerConfig{SessionManager: sessionMgr})

	// Try to route a non-permitted opcode
	msg := &Message{Opcode: OpcodeMsgCounterSyncReq, Payload: nil}
	_, err := mgr.Route(1, msg)
	if err != ErrInvalidOpcode {
		t.Errorf("Route with invalid opcode should return ErrInvalidOpcode, got %v", err)
	}
}

func TestRouteStatusReport(t *testing.T) {
	sessionMgr := session.NewManager(session.ManagerConfig{})
	var busyCallbackCalled bool
	var busyWaitTime uint16

	mgr := NewManager(ManagerConfig{
		SessionManager: sessionMgr,
		Callbacks: Callbacks{
			OnResponderBusy: func(waitTimeMs uint16) {
				busyCallbackCalled = true
				busyWaitTime = waitTimeMs
			},
		},
	})

	// Create a Busy status report
	busy := Busy(500)
	busyBytes := busy.Encode()

	// Route the status report
	msg := &Message{Opcode: OpcodeStatusReport, Payload: busyBytes}
	_, err := mgr.Route(1, msg)
	if err != nil {
		t.Errorf("Route Busy status should not error, got %v", err)
	}

	if !busyCallbackCalled {
		t.Error("OnResponderBusy callback should have been called")
	}

	if busyWaitTime != 500 {
		t.Errorf("busyWaitTime = %d, want 500", busyWaitTime)
	}
}

func TestHasActiveHandshake(t *testing.T) {
	sessionMgr := session.NewManager(session.ManagerConfig{})
	mgr := NewManager(ManagerConfig{SessionManager: sessionMgr})

	// No active handshake initially
	if mgr.HasActiveHandshake(1) {
		t.Error("should not have active handshake on exchange 1")
	}

	// Start a CASE handshake
	fabricInfo, opKey := createTestFabricInfo(t, 1, 0x1, 0x2)
	_, err := mgr.StartCASE(1, fabricInfo, opKey, 0xDEADBEEF, nil)
	if err != nil {
		t.Fatalf("StartCASE failed: %v", err)
	}

	// Now should have active handshake
	if !mgr.HasActiveHandshake(1) {
		t.Error("should have active handshake on exchange 1")
	}

	// Different exchange should not have handshake
	if mgr.HasActiveHandshake(2) {
		t.Error("should not have active handshake on exchange 2")
	}
}

func TestStartCASE(t *testing.T) {
	sessionMgr := session.NewManager(session.ManagerConfig{})
	mgr := NewManager(ManagerConfig{SessionManager: sessionMgr})

	fabricInfo, opKey := createTestFabricInfo(t, 1, 0x1, 0x2)

	sigma1, err := mgr.StartCASE(1, fabricInfo, opKey, 0xDEADBEEF, nil)
	if err != nil {
		t.Fatalf("StartCASE failed: %v", err)
	}
	if len(sigma1) == 0 {
		t.Error("StartCASE should return non-empty Sigma1")
	}

	// Try to start another CASE handshake on the same exchange
	_, err = mgr.StartCASE(1, fabricInfo, opKey, 0xDEADBEEF, nil)
	if err != ErrHandshakeInProgress {
		t.Errorf("second StartCASE on same exchange should return ErrHandshakeInProgress, got %v", err)
	}

	// Can start on a different exchange
	_, err = mgr.StartCASE(2, fabricInfo, opKey, 0xDEADBEEF, nil)
	if err != nil {
		t.Errorf("StartCASE on different exchange should succeed, got %v", err)
	}
}

func TestCleanupExpiredHandshakes(t *testing.T) {
	sessionMgr := session.NewManager(session.ManagerConfig{})
	var errorCalled bool

	mgr := NewManager(ManagerConfig{
		SessionManager: sessionMgr,
		Callbacks: Callbacks{
			OnSessionError: func(err error, stage string) {
				errorCalled = true
			},
		},
	})

	fabricInfo, opKey := createTestFabricInfo(t, 1, 0x1, 0x2)
	_, err := mgr.StartCASE(1, fabricInfo, opKey, 0xDEADBEEF, nil)
	if err != nil {
		t.Fatalf("StartCASE failed: %v", err)
	}

	// Cleanup shouldn't remove it yet (not expired)
	mgr.CleanupExpiredHandshakes()
	if !mgr.HasActiveHandshake(1) {
		t.Error("handshake should not be cleaned up yet")
	}

	_ = errorCalled
}

func TestActiveHandshakeCount(t *testing.T) {
	sessionMgr := session.NewManager(session.ManagerConfig{})
	mgr := NewManager(ManagerConfig{SessionManager: sessionMgr})

	if mgr.ActiveHandshakeCount() != 0 {
		t.Errorf("ActiveHandshakeCount = %d, want 0", mgr.ActiveHandshakeCount())
	}

	fabricInfo, opKey := createTestFabricInfo(t, 1, 0x1, 0x2)

	_, _ = mgr.StartCASE(1, fabricInfo, opKey, 0xDEADBEEF, nil)
	if mgr.ActiveHandshakeCount() != 1 {
		t.Errorf("ActiveHandshakeCount = %d, want 1", mgr.ActiveHandshakeCount())
	}

	_, _ = mgr.StartCASE(2, fabricInfo, opKey, 0xDEADBEEF, nil)
	if mgr.ActiveHandshakeCount() != 2 {
		t.Errorf("ActiveHandshakeCount = %d, want 2", mgr.ActiveHandshakeCount())
	}
}
