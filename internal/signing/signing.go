// Package signing implements the repository's signature header: a
// length-prefixed signature prepended to every signed artifact (per-app
// metadata, bulk metadata, the top-level index, and the public key PEM's
// siblings), together with a streaming reader that verifies the header
// against the bytes that follow it.
//
// SHA-256 is the only digest. RSA keys sign with PSS (MGF1-SHA-256, salt
// length equal to the digest length); EC keys sign with ECDSA over a
// DER-encoded (r, s). CRLF line endings are not supported: the header is
// terminated by exactly one LF, and a legacy CRLF/CR-terminated variant
// (if ever encountered) is rejected on read.
package signing

import (
	"bufio"
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
)

// KeyKind identifies the algorithm family of a parsed private key.
type KeyKind int

const (
	KindRSA KeyKind = iota
	KindEC
)

func (k KeyKind) String() string {
	if k == KindRSA {
		return "RSA"
	}
	return "EC"
}

// ErrUnsupportedKeyAlgorithm is returned by ParsePrivateKey for any PKCS#8
// key that is neither RSA nor EC.
var ErrUnsupportedKeyAlgorithm = errors.New("unsupported private key algorithm")

// PrivateKey is a parsed PKCS#8 private key ready to sign byte streams.
type PrivateKey struct {
	Kind   KeyKind
	rsaKey *rsa.PrivateKey
	ecKey  *ecdsa.PrivateKey
}

// ParsePrivateKey reads a PEM or raw-DER PKCS#8 file at path and returns the
// parsed key. A zero-length file, a file that is not PKCS#8, or a key
// algorithm other than RSA/EC is rejected.
func ParsePrivateKey(path string) (*PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w", path, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("private key %s is empty", path)
	}

	der := raw
	if block, _ := pem.Decode(raw); block != nil {
		der = block.Bytes
	}

	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse PKCS#8 private key %s: %w", path, err)
	}

	switch k := key.(type) {
	case *rsa.PrivateKey:
		return &PrivateKey{Kind: KindRSA, rsaKey: k}, nil
	case *ecdsa.PrivateKey:
		return &PrivateKey{Kind: KindEC, ecKey: k}, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKeyAlgorithm, key)
	}
}

// Public returns the crypto.PublicKey corresponding to the private key.
func (k *PrivateKey) Public() crypto.PublicKey {
	if k.Kind == KindRSA {
		return &k.rsaKey.PublicKey
	}
	return &k.ecKey.PublicKey
}

// DerivePublicKeyPEM renders the public key as a PEM-encoded SubjectPublicKeyInfo.
func (k *PrivateKey) DerivePublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(k.Public())
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// maxSignatureLen returns the upper bound, in raw signature bytes, that
// SignDigest can ever produce for this key. The header parser uses the
// base64-encoded form of this bound to reject an implausible length claim
// before allocating or reading it.
func (k *PrivateKey) maxSignatureLen() int {
	if k.Kind == KindRSA {
		return (k.rsaKey.N.BitLen() + 7) / 8
	}
	// DER-encoded ECDSA (r, s): each integer is at most curveBytes+1 (sign
	// byte) prefixed by a short tag+length, plus the outer SEQUENCE header.
	curveBytes := (k.ecKey.Curve.Params().BitSize + 7) / 8
	return 2*(curveBytes+3) + 3
}

// SignDigest signs the SHA-256 digest of payload and returns the raw
// signature bytes (not base64-encoded).
func (k *PrivateKey) SignDigest(digest [32]byte) ([]byte, error) {
	switch k.Kind {
	case KindRSA:
		return rsa.SignPSS(rand.Reader, k.rsaKey, crypto.SHA256, digest[:], &rsa.PSSOptions{
			SaltLength: rsa.PSSSaltLengthEqualsHash,
			Hash:       crypto.SHA256,
		})
	case KindEC:
		return ecdsa.SignASN1(rand.Reader, k.ecKey, digest[:])
	default:
		return nil, ErrUnsupportedKeyAlgorithm
	}
}

// SignBytes signs payload in one shot and returns the raw signature bytes.
func (k *PrivateKey) SignBytes(payload []byte) ([]byte, error) {
	return k.SignDigest(sha256.Sum256(payload))
}

// verifierFor constructs a verification closure bound to pub and kind.
func verifierFor(pub crypto.PublicKey, kind KeyKind) func(digest [32]byte, sig []byte) bool {
	switch kind {
	case KindRSA:
		rsaPub := pub.(*rsa.PublicKey)
		return func(digest [32]byte, sig []byte) bool {
			return rsa.VerifyPSS(rsaPub, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{
				SaltLength: rsa.PSSSaltLengthEqualsHash,
				Hash:       crypto.SHA256,
			}) == nil
		}
	case KindEC:
		ecPub := pub.(*ecdsa.PublicKey)
		return func(digest [32]byte, sig []byte) bool {
			return ecdsa.VerifyASN1(ecPub, digest[:], sig)
		}
	default:
		return func([32]byte, []byte) bool { return false }
	}
}

// ParsePublicKeyPEM parses a PEM-encoded SubjectPublicKeyInfo and reports
// which KeyKind it is.
func ParsePublicKeyPEM(pemBytes []byte) (crypto.PublicKey, KeyKind, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, 0, fmt.Errorf("no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, 0, fmt.Errorf("parse public key: %w", err)
	}
	switch p := pub.(type) {
	case *rsa.PublicKey:
		return p, KindRSA, nil
	case *ecdsa.PublicKey:
		return p, KindEC, nil
	default:
		return nil, 0, fmt.Errorf("%w: %T", ErrUnsupportedKeyAlgorithm, pub)
	}
}

// maxSignatureLenForPublicKey mirrors PrivateKey.maxSignatureLen for a
// public key obtained from disk rather than derived from a PrivateKey.
func maxSignatureLenForPublicKey(pub crypto.PublicKey, kind KeyKind) int {
	switch kind {
	case KindRSA:
		return (pub.(*rsa.PublicKey).N.BitLen() + 7) / 8
	case KindEC:
		curveBytes := (pub.(*ecdsa.PublicKey).Curve.Params().BitSize + 7) / 8
		return 2*(curveBytes+3) + 3
	default:
		return 0
	}
}

// --- header encode/decode ---

const headerLengthFieldBytes = 8 // base64(LE uint32) is always 8 chars

// encodeHeader builds the "NNNNNNNN SIGBASE64\n" header for the given raw
// signature bytes.
func encodeHeader(sig []byte) []byte {
	sigB64 := base64.URLEncoding.EncodeToString(sig)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(sigB64)))
	lenB64 := base64.URLEncoding.EncodeToString(lenBuf[:])
	out := make([]byte, 0, len(lenB64)+1+len(sigB64)+1)
	out = append(out, lenB64...)
	out = append(out, ' ')
	out = append(out, sigB64...)
	out = append(out, '\n')
	return out
}

// SignBuffer signs payload and returns the header-prefixed signed artifact
// bytes in full: header + "\n" + payload.
func SignBuffer(key *PrivateKey, payload []byte) ([]byte, error) {
	sig, err := key.SignBytes(payload)
	if err != nil {
		return nil, fmt.Errorf("sign payload: %w", err)
	}
	header := encodeHeader(sig)
	out := make([]byte, 0, len(header)+len(payload))
	out = append(out, header...)
	out = append(out, payload...)
	return out, nil
}

// SignToFile signs payload and atomically writes the signed artifact to
// path, via a temp file in the same directory followed by a rename, so a
// reader never observes a partially written file.
func SignToFile(key *PrivateKey, payload []byte, path string) error {
	signed, err := SignBuffer(key, payload)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, signed)
}

// writeFileAtomic writes data to a temp file in dir(path) then renames it
// over path, the same copy-through-temp approach used throughout the
// repository for files that must never be observed half-written.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s to %s: %w", tmpName, path, err)
	}
	return nil
}

// --- streaming verify ---

// ErrStreamOpUnsupported is returned by Skip/Mark/Reset: any byte not fed
// to the verifier would defeat the point of streaming verification.
var ErrStreamOpUnsupported = errors.New("skip/mark is not supported by a verifying reader")

// VerifyingReader wraps a signed artifact, consumes its header on the
// first Read, and feeds every subsequent byte to a running SHA-256 hash so
// that Verify can be checked once the caller has finished reading.
type VerifyingReader struct {
	br           *bufio.Reader
	pub          crypto.PublicKey
	kind         KeyKind
	maxSigLen    int
	hasher       hash.Hash
	sig          []byte
	headerParsed bool
	headerErr    error
}

// NewVerifyingReader constructs a VerifyingReader. No bytes are read from r
// until the first call to Read.
func NewVerifyingReader(r io.Reader, pub crypto.PublicKey, kind KeyKind) *VerifyingReader {
	return &VerifyingReader{
		br:        bufio.NewReader(r),
		pub:       pub,
		kind:      kind,
		maxSigLen: maxSignatureLenForPublicKey(pub, kind),
		hasher:    sha256.New(),
	}
}

// parseHeader consumes the header line from the underlying reader. Any
// malformation surfaces as an I/O error from the first Read call, per the
// streaming verify contract.
func (v *VerifyingReader) parseHeader() error {
	lenB64 := make([]byte, headerLengthFieldBytes)
	if _, err := io.ReadFull(v.br, lenB64); err != nil {
		return fmt.Errorf("read signature header length field: %w", err)
	}
	lenBuf, err := base64.URLEncoding.DecodeString(string(lenB64))
	if err != nil || len(lenBuf) != 4 {
		return fmt.Errorf("malformed signature header length field")
	}
	n := binary.LittleEndian.Uint32(lenBuf)

	maxB64Len := base64.URLEncoding.EncodedLen(v.maxSigLen)
	if int(n) > maxB64Len {
		return fmt.Errorf("signature header claims length %d above upper bound %d", n, maxB64Len)
	}

	sp, err := v.br.ReadByte()
	if err != nil {
		return fmt.Errorf("read signature header separator: %w", err)
	}
	if sp != ' ' {
		return fmt.Errorf("malformed signature header: expected space separator")
	}

	sigB64 := make([]byte, n)
	if _, err := io.ReadFull(v.br, sigB64); err != nil {
		return fmt.Errorf("read signature bytes: %w", err)
	}
	sig, err := base64.URLEncoding.DecodeString(string(sigB64))
	if err != nil {
		return fmt.Errorf("malformed signature base64: %w", err)
	}

	lf, err := v.br.ReadByte()
	if err != nil {
		return fmt.Errorf("read signature header terminator: %w", err)
	}
	if lf != '\n' {
		return fmt.Errorf("missing LF terminator after signature header (CRLF is not supported)")
	}

	v.sig = sig
	return nil
}

// Read implements io.Reader. The first call parses and consumes the
// signature header; every byte returned to the caller (from this call
// onward) is also fed to the running verifier.
func (v *VerifyingReader) Read(p []byte) (int, error) {
	if !v.headerParsed {
		v.headerParsed = true
		if err := v.parseHeader(); err != nil {
			v.headerErr = err
			return 0, err
		}
	}
	if v.headerErr != nil {
		return 0, v.headerErr
	}
	n, err := v.br.Read(p)
	if n > 0 {
		v.hasher.Write(p[:n])
	}
	return n, err
}

// Skip is unsupported: it would let the caller withhold bytes from the
// verifier while still claiming a verified stream.
func (v *VerifyingReader) Skip(int64) (int64, error) { return 0, ErrStreamOpUnsupported }

// Mark is unsupported, for the same reason as Skip.
func (v *VerifyingReader) Mark() error { return ErrStreamOpUnsupported }

// Reset is unsupported, for the same reason as Skip.
func (v *VerifyingReader) Reset() error { return ErrStreamOpUnsupported }

// Verify finalizes the running hash and checks it against the header's
// signature. Call it only after the caller has finished consuming the
// stream (typically after reading until io.EOF); checking earlier checks
// a partial digest and is not meaningful.
func (v *VerifyingReader) Verify() (bool, error) {
	if v.headerErr != nil {
		return false, v.headerErr
	}
	if !v.headerParsed {
		return false, fmt.Errorf("Verify called before any bytes were read")
	}
	var digest [32]byte
	copy(digest[:], v.hasher.Sum(nil))
	verify := verifierFor(v.pub, v.kind)
	return verify(digest, v.sig), nil
}

// VerifyAll reads r to completion through a VerifyingReader and returns the
// verification result together with the payload bytes that were read. It is
// a convenience for callers such as the validator.
func VerifyAll(r io.Reader, pub crypto.PublicKey, kind KeyKind) (bool, []byte, error) {
	vr := NewVerifyingReader(r, pub, kind)
	payload, err := io.ReadAll(vr)
	if err != nil {
		return false, nil, err
	}
	ok, err := vr.Verify()
	return ok, payload, err
}

// SplitHeaderAndPayload is a non-streaming convenience used by tests and by
// the validator's "re-derive the covered bytes" checks: it returns the
// payload bytes (everything after the header's LF) without verifying.
func SplitHeaderAndPayload(signed []byte) (payload []byte, ok bool) {
	idx := bytes.IndexByte(signed, '\n')
	if idx < 0 {
		return nil, false
	}
	return signed[idx+1:], true
}
