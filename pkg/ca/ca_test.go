package ca

import (
	"testing"
	"time"

	"github.com/nodefabric/matter/pkg/credentials"
	"github.com/nodefabric/matter/pkg/crypto"
)

func newTestAuthority(t *testing.T) *Authority {
	t.Helper()
	a, err := New(NewMemStorage())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestAuthority_GenerateRoot(t *testing.T) {
	a := newTestAuthority(t)

	root, err := a.GenerateRoot(1, 10*365*24*time.Hour)
	if err != nil {
		t.Fatalf("GenerateRoot: %v", err)
	}

	if root.Cert.Type() != credentials.CertTypeRCAC {
		t.Errorf("expected RCAC, got %s", root.Cert.Type())
	}
	if !root.Cert.IsCA() {
		t.Error("expected root certificate to be a CA")
	}
	if root.Cert.RCACID() != 1 {
		t.Errorf("expected RCACID 1, got %d", root.Cert.RCACID())
	}

	ok, err := crypto.P256Verify(root.KeyPair.P256PublicKey(), tbsOrFatal(t, root.Cert), root.Cert.Signature)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Error("expected self-signed root certificate to verify")
	}

	if a.Root() != root {
		t.Error("Root() should return the generated identity")
	}
}

func TestAuthority_TwoTierNOC(t *testing.T) {
	a := newTestAuthority(t)
	root, err := a.GenerateRoot(1, 0)
	if err != nil {
		t.Fatalf("GenerateRoot: %v", err)
	}

	nodeKeyPair, err := crypto.P256GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate node key pair: %v", err)
	}

	noc, err := a.GenerateNOC(nil, NOCRequest{
		NodeID:    42,
		FabricID:  7,
		PublicKey: nodeKeyPair.P256PublicKey(),
		Validity:  365 * 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("GenerateNOC: %v", err)
	}

	if noc.Type() != credentials.CertTypeNOC {
		t.Errorf("expected NOC, got %s", noc.Type())
	}
	if noc.NodeID() != 42 {
		t.Errorf("expected NodeID 42, got %d", noc.NodeID())
	}
	if noc.FabricID() != 7 {
		t.Errorf("expected FabricID 7, got %d", noc.FabricID())
	}
	if noc.IsCA() {
		t.Error("NOC must not be a CA certificate")
	}

	ok, err := crypto.P256Verify(root.KeyPair.P256PublicKey(), tbsOrFatal(t, noc), noc.Signature)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Error("expected NOC to verify against root public key")
	}
}

func TestAuthority_ThreeTierNOC(t *testing.T) {
	a := newTestAuthority(t)
	if _, err := a.GenerateRoot(1, 0); err != nil {
		t.Fatalf("GenerateRoot: %v", err)
	}

	icac, err := a.IssueIntermediate(2, 5*365*24*time.Hour)
	if err != nil {
		t.Fatalf("IssueIntermediate: %v", err)
	}
	if icac.Cert.Type() != credentials.CertTypeICAC {
		t.Errorf("expected ICAC, got %s", icac.Cert.Type())
	}
	if !icac.Cert.IsCA() {
		t.Error("expected intermediate certificate to be a CA")
	}

	nodeKeyPair, err := crypto.P256GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate node key pair: %v", err)
	}

	noc, err := a.GenerateNOC(icac, NOCRequest{
		NodeID:    99,
		FabricID:  7,
		CATs:      []uint32{0x0001_0001},
		PublicKey: nodeKeyPair.P256PublicKey(),
	})
	if err != nil {
		t.Fatalf("GenerateNOC: %v", err)
	}

	ok, err := crypto.P256Verify(icac.KeyPair.P256PublicKey(), tbsOrFatal(t, noc), noc.Signature)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Error("expected NOC to verify against intermediate public key")
	}

	cats := noc.NOCCATs()
	if len(cats) != 1 || cats[0] != 0x0001_0001 {
		t.Errorf("expected CATs [0x00010001], got %v", cats)
	}
}

func TestAuthority_GenerateNOCWithoutRoot(t *testing.T) {
	a := newTestAuthority(t)
	_, err := a.GenerateNOC(nil, NOCRequest{NodeID: 1, FabricID: 1})
	if err != ErrNoRoot {
		t.Errorf("expected ErrNoRoot, got %v", err)
	}
}

func TestAuthority_SerialNumbersAreUnique(t *testing.T) {
	a := newTestAuthority(t)
	if _, err := a.GenerateRoot(1, 0); err != nil {
		t.Fatalf("GenerateRoot: %v", err)
	}

	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		kp, err := crypto.P256GenerateKeyPair()
		if err != nil {
			t.Fatalf("generate key pair: %v", err)
		}
		noc, err := a.GenerateNOC(nil, NOCRequest{NodeID: uint64(i), FabricID: 1, PublicKey: kp.P256PublicKey()})
		if err != nil {
			t.Fatalf("GenerateNOC: %v", err)
		}
		serial := string(noc.SerialNum)
		if seen[serial] {
			t.Fatalf("duplicate serial number at iteration %d", i)
		}
		seen[serial] = true
	}
}

func TestAuthority_PersistsAcrossReload(t *testing.T) {
	storage := NewMemStorage()

	a, err := New(storage)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := a.GenerateRoot(1, 0); err != nil {
		t.Fatalf("GenerateRoot: %v", err)
	}

	reloaded, err := New(storage)
	if err != nil {
		t.Fatalf("New (reload): %v", err)
	}
	if reloaded.Root() == nil {
		t.Fatal("expected reloaded authority to have a root identity")
	}
	if reloaded.Root().Cert.RCACID() != 1 {
		t.Errorf("expected reloaded RCACID 1, got %d", reloaded.Root().Cert.RCACID())
	}
}

// tbsOrFatal recomputes the to-be-signed bytes for a certificate the tests
// just built, so verification can be checked independently of buildAndSign.
func tbsOrFatal(t *testing.T, cert *credentials.Certificate) []byte {
	t.Helper()
	tbs, err := encodeTBS(cert)
	if err != nil {
		t.Fatalf("encodeTBS: %v", err)
	}
	return tbs
}
