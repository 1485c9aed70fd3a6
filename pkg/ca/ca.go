// Package ca implements a certificate authority that owns root (and,
// optionally, intermediate) key material, issues Node Operational
// Certificates, and persists certificate-id allocation state across
// restarts.
//
// The teacher repo only parses and builds certificate structures
// (pkg/credentials); nothing in it owns a private key or mints one. This
// package is grounded on pkg/credentials' Certificate/DistinguishedName/
// Extensions builders for the TLV shape, on pkg/crypto's P256 signer for the
// actual cryptography, and on pkg/matter's deleted Storage interface for the
// load/save persistence convention (broad per-domain Load/Save methods
// rather than a generic key-value store).
package ca

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nodefabric/matter/pkg/credentials"
	"github.com/nodefabric/matter/pkg/crypto"
	"github.com/nodefabric/matter/pkg/tlv"
)

// ErrNotFound is returned by Storage when no root identity or counter state
// has been saved yet.
var ErrNotFound = errors.New("ca: not found")

// Authority errors.
var (
	// ErrNoRoot indicates an operation that requires a root identity was
	// attempted before one was generated or loaded.
	ErrNoRoot = errors.New("ca: no root identity configured")

	// ErrNotCA indicates the signer certificate lacks the BasicConstraints
	// CA bit and cannot issue subordinate certificates.
	ErrNotCA = errors.New("ca: signer certificate is not a CA")
)

// Identity is a certificate plus the private key that proves ownership of
// its subject public key. The root identity (an RCAC) and any intermediate
// identity (an ICAC) are both represented this way so GenerateNOC can treat
// either as the signer for 2-tier or 3-tier chains.
type Identity struct {
	Cert    *credentials.Certificate
	KeyPair *crypto.P256KeyPair
}

// CertTLV returns the Matter TLV encoding of the identity's certificate.
func (id *Identity) CertTLV() ([]byte, error) {
	return id.Cert.EncodeTLV()
}

// subjectKeyID is the SHA-1 hash of the uncompressed public key, per
// Spec Section 6.5.11.4/6.5.11.5. SHA-1 is a fixed wire requirement here,
// not a design choice, so crypto/sha1 is used directly rather than through
// pkg/crypto (which only exposes the SHA-256 family the rest of the stack
// actually negotiates).
func subjectKeyID(pubKey []byte) [20]byte {
	return sha1.Sum(pubKey)
}

// Authority owns a root (and, for 3-tier deployments, intermediate) identity
// and mints subordinate certificates from it. Safe for concurrent use.
type Authority struct {
	mu      sync.Mutex
	storage Storage
	root    *Identity
	nextID  uint64
}

// New loads an Authority from storage. If no root identity has been
// persisted yet, Root() returns nil until GenerateRoot is called.
func New(storage Storage) (*Authority, error) {
	a := &Authority{storage: storage}

	root, err := storage.LoadRoot()
	switch {
	case err == nil:
		a.root = root
	case errors.Is(err, ErrNotFound):
		// No root yet; GenerateRoot will create and persist one.
	default:
		return nil, fmt.Errorf("ca: load root: %w", err)
	}

	next, err := storage.LoadNextCertID()
	if err != nil {
		return nil, fmt.Errorf("ca: load next cert id: %w", err)
	}
	a.nextID = next

	return a, nil
}

// Root returns the authority's current root identity, or nil if none has
// been generated or loaded yet.
func (a *Authority) Root() *Identity {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.root
}

// GenerateRoot creates a fresh, self-signed Root CA Certificate (RCAC) with
// a newly generated P-256 key pair and persists it as the authority's root
// identity. rcacID is the Matter RCAC-id distinguished-name attribute
// (Spec Section 6.5.6, Table 4.12).
func (a *Authority) GenerateRoot(rcacID uint64, validity time.Duration) (*Identity, error) {
	keyPair, err := crypto.P256GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("ca: generate root key pair: %w", err)
	}

	subject := credentials.DistinguishedName{
		credentials.NewDNUint64(credentials.TagDNMatterRCACID, rcacID),
	}

	pathLen := uint8(1)
	cert, err := a.buildAndSign(buildCertParams{
		signerKeyPair:  keyPair, // self-signed
		issuer:         subject,
		subject:        subject,
		pubKey:         keyPair.P256PublicKey(),
		authorityKeyID: subjectKeyID(keyPair.P256PublicKey()),
		validity:       validity,
		isCA:           true,
		pathLen:        &pathLen,
		keyUsage:       credentials.KeyUsageKeyCertSign | credentials.KeyUsageCRLSign,
	})
	if err != nil {
		return nil, err
	}

	id := &Identity{Cert: cert, KeyPair: keyPair}

	a.mu.Lock()
	a.root = id
	a.mu.Unlock()

	if err := a.storage.SaveRoot(id); err != nil {
		return nil, fmt.Errorf("ca: persist root: %w", err)
	}

	return id, nil
}

// IssueIntermediate mints an Intermediate CA Certificate (ICAC) signed by
// the authority's root identity, for 3-tier deployments (Spec Section
// 6.2.2). icacID is the Matter ICAC-id distinguished-name attribute.
func (a *Authority) IssueIntermediate(icacID uint64, validity time.Duration) (*Identity, error) {
	a.mu.Lock()
	root := a.root
	a.mu.Unlock()

	if root == nil {
		return nil, ErrNoRoot
	}

	keyPair, err := crypto.P256GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("ca: generate intermediate key pair: %w", err)
	}

	subject := credentials.DistinguishedName{
		credentials.NewDNUint64(credentials.TagDNMatterICACID, icacID),
	}

	pathLen := uint8(0)
	cert, err := a.buildAndSign(buildCertParams{
		signerKeyPair:  root.KeyPair,
		issuer:         root.Cert.Subject,
		subject:        subject,
		pubKey:         keyPair.P256PublicKey(),
		authorityKeyID: subjectKeyID(root.KeyPair.P256PublicKey()),
		validity:       validity,
		isCA:           true,
		pathLen:        &pathLen,
		keyUsage:       credentials.KeyUsageKeyCertSign | credentials.KeyUsageCRLSign,
	})
	if err != nil {
		return nil, err
	}

	return &Identity{Cert: cert, KeyPair: keyPair}, nil
}

// NOCRequest describes a Node Operational Certificate to mint.
type NOCRequest struct {
	// NodeID is the operational node identifier (Spec Section 6.5.6.2).
	NodeID uint64

	// FabricID is the fabric this NOC is scoped to.
	FabricID uint64

	// CATs are optional CASE Authenticated Tags (up to 3 per Spec 6.5.6.3).
	CATs []uint32

	// PublicKey is the node's own uncompressed P-256 public key, as
	// presented in its CSR. The authority never sees the node's private
	// key: it only signs over the public key the node supplied.
	PublicKey []byte

	// Validity is how long the issued NOC remains valid.
	Validity time.Duration
}

// GenerateNOC mints a Node Operational Certificate signed by signer (the
// authority's root identity for a 2-tier chain, or an Identity previously
// returned by IssueIntermediate for a 3-tier chain). The returned
// certificate is ready to be delivered to the node in an NOC Chain
// (AddNOC/UpdateNOC command fields).
func (a *Authority) GenerateNOC(signer *Identity, req NOCRequest) (*credentials.Certificate, error) {
	if signer == nil {
		a.mu.Lock()
		signer = a.root
		a.mu.Unlock()
	}
	if signer == nil {
		return nil, ErrNoRoot
	}
	if !signer.Cert.IsCA() {
		return nil, ErrNotCA
	}

	subject := credentials.DistinguishedName{
		credentials.NewDNUint64(credentials.TagDNMatterNodeID, req.NodeID),
		credentials.NewDNUint64(credentials.TagDNMatterFabricID, req.FabricID),
	}
	for _, cat := range req.CATs {
		subject = append(subject, credentials.NewDNUint64(credentials.TagDNMatterNOCCAT, uint64(cat)))
	}

	cert, err := a.buildAndSign(buildCertParams{
		signerKeyPair:  signer.KeyPair,
		issuer:         signer.Cert.Subject,
		subject:        subject,
		pubKey:         req.PublicKey,
		authorityKeyID: subjectKeyID(signer.KeyPair.P256PublicKey()),
		validity:       req.Validity,
		isCA:           false,
		keyUsage:       credentials.KeyUsageDigitalSignature,
		extKeyUsage:    []credentials.KeyPurposeID{credentials.KeyPurposeServerAuth, credentials.KeyPurposeClientAuth},
	})
	if err != nil {
		return nil, fmt.Errorf("ca: generate noc: %w", err)
	}

	return cert, nil
}

// buildCertParams collects the per-certificate-type fields buildAndSign
// needs; isCA/keyUsage/extKeyUsage/pathLen vary between RCAC, ICAC, and NOC.
type buildCertParams struct {
	signerKeyPair  *crypto.P256KeyPair
	issuer         credentials.DistinguishedName
	subject        credentials.DistinguishedName
	pubKey         []byte
	authorityKeyID [20]byte
	validity       time.Duration
	isCA           bool
	pathLen        *uint8
	keyUsage       credentials.KeyUsage
	extKeyUsage    []credentials.KeyPurposeID
}

// buildAndSign assembles a Certificate, computes its to-be-signed TLV
// encoding (every field except the trailing signature), signs that digest
// with the signer's private key, and returns the completed certificate with
// its signature populated. Mirrors pkg/credentials.Certificate.WriteTLV
// field-for-field, stopping short of the signature tag, since Matter
// certificates are signed over exactly that prefix (Spec Section 6.5.2).
func (a *Authority) buildAndSign(p buildCertParams) (*credentials.Certificate, error) {
	now := time.Now()

	serial, err := a.allocateSerial()
	if err != nil {
		return nil, err
	}

	ext := credentials.Extensions{
		BasicConstraints: &credentials.BasicConstraints{
			IsCA:              p.isCA,
			PathLenConstraint: p.pathLen,
		},
		KeyUsage:       &credentials.KeyUsageExt{Usage: p.keyUsage},
		SubjectKeyID:   &credentials.SubjectKeyIDExt{KeyID: subjectKeyID(p.pubKey)},
		AuthorityKeyID: &credentials.AuthorityKeyIDExt{KeyID: p.authorityKeyID},
	}
	if len(p.extKeyUsage) > 0 {
		ext.ExtendedKeyUsage = &credentials.ExtendedKeyUsageExt{KeyPurposes: p.extKeyUsage}
	}

	cert := &credentials.Certificate{
		SerialNum:  serial,
		SigAlgo:    credentials.SignatureAlgoECDSASHA256,
		Issuer:     p.issuer,
		NotBefore:  credentials.TimeToMatterEpoch(now),
		NotAfter:   notAfter(now, p.validity),
		Subject:    p.subject,
		PubKeyAlgo: credentials.PublicKeyAlgoEC,
		ECCurveID:  credentials.EllipticCurvePrime256v1,
		ECPubKey:   p.pubKey,
		Extensions: ext,
	}

	tbs, err := encodeTBS(cert)
	if err != nil {
		return nil, fmt.Errorf("ca: encode to-be-signed: %w", err)
	}

	sig, err := crypto.P256Sign(p.signerKeyPair, tbs)
	if err != nil {
		return nil, fmt.Errorf("ca: sign certificate: %w", err)
	}
	cert.Signature = sig

	return cert, nil
}

// notAfter returns 0 ("no well-defined expiration", Spec Section 6.5.6.5)
// when validity is zero, otherwise the Matter-epoch NotAfter time.
func notAfter(now time.Time, validity time.Duration) uint32 {
	if validity <= 0 {
		return 0
	}
	return credentials.TimeToMatterEpoch(now.Add(validity))
}

// encodeTBS re-implements Certificate.WriteTLV up to (but excluding) the
// signature field, matching the field order pkg/credentials already uses on
// the wire so verification elsewhere (which reads the full cert and strips
// the trailing signature element) reproduces the same bytes.
func encodeTBS(c *credentials.Certificate) ([]byte, error) {
	var buf bytes.Buffer
	w := tlv.NewWriter(&buf)

	if err := w.StartStructure(tlv.Anonymous()); err != nil {
		return nil, err
	}
	if err := w.PutBytes(tlv.ContextTag(credentials.TagSerialNum), c.SerialNum); err != nil {
		return nil, err
	}
	if err := w.PutUint(tlv.ContextTag(credentials.TagSigAlgo), uint64(c.SigAlgo)); err != nil {
		return nil, err
	}
	if err := c.Issuer.EncodeTLV(w, tlv.ContextTag(credentials.TagIssuer)); err != nil {
		return nil, err
	}
	if err := w.PutUintWithWidth(tlv.ContextTag(credentials.TagNotBefore), uint64(c.NotBefore), 4); err != nil {
		return nil, err
	}
	if err := w.PutUintWithWidth(tlv.ContextTag(credentials.TagNotAfter), uint64(c.NotAfter), 4); err != nil {
		return nil, err
	}
	if err := c.Subject.EncodeTLV(w, tlv.ContextTag(credentials.TagSubject)); err != nil {
		return nil, err
	}
	if err := w.PutUint(tlv.ContextTag(credentials.TagPubKeyAlgo), uint64(c.PubKeyAlgo)); err != nil {
		return nil, err
	}
	if err := w.PutUint(tlv.ContextTag(credentials.TagECCurveID), uint64(c.ECCurveID)); err != nil {
		return nil, err
	}
	if err := w.PutBytes(tlv.ContextTag(credentials.TagECPubKey), c.ECPubKey); err != nil {
		return nil, err
	}
	if err := c.Extensions.EncodeTLV(w); err != nil {
		return nil, err
	}
	if err := w.EndContainer(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// allocateSerial returns the next certificate serial number as a big-endian
// byte string (trimmed of leading zero bytes, at least one byte long, and
// never exceeding credentials.MaxSerialNumSize), persisting the incremented
// counter.
func (a *Authority) allocateSerial() ([]byte, error) {
	a.mu.Lock()
	next := a.nextID
	if next == 0 {
		next = 1
	}
	a.nextID = next + 1
	toPersist := a.nextID
	a.mu.Unlock()

	if err := a.storage.SaveNextCertID(toPersist); err != nil {
		return nil, fmt.Errorf("ca: persist next cert id: %w", err)
	}

	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], next)

	i := 0
	for i < len(raw)-1 && raw[i] == 0 {
		i++
	}
	return raw[i:], nil
}
