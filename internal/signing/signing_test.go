package signing

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"encoding/pem"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func writeTestKey(t *testing.T, kind KeyKind) string {
	t.Helper()
	var der []byte
	var err error
	switch kind {
	case KindRSA:
		k, kerr := rsa.GenerateKey(rand.Reader, 2048)
		if kerr != nil {
			t.Fatal(kerr)
		}
		der, err = x509.MarshalPKCS8PrivateKey(k)
	case KindEC:
		k, kerr := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if kerr != nil {
			t.Fatal(kerr)
		}
		der, err = x509.MarshalPKCS8PrivateKey(k)
	}
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "key.pk8")
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParsePrivateKeyRoundTrip(t *testing.T) {
	for _, kind := range []KeyKind{KindRSA, KindEC} {
		t.Run(kind.String(), func(t *testing.T) {
			path := writeTestKey(t, kind)
			key, err := ParsePrivateKey(path)
			if err != nil {
				t.Fatal(err)
			}
			if key.Kind != kind {
				t.Fatalf("got kind %v, want %v", key.Kind, kind)
			}

			pemStr, err := key.DerivePublicKeyPEM()
			if err != nil {
				t.Fatal(err)
			}
			pub, gotKind, err := ParsePublicKeyPEM([]byte(pemStr))
			if err != nil {
				t.Fatal(err)
			}
			if gotKind != kind {
				t.Fatalf("public key kind %v, want %v", gotKind, kind)
			}

			payload := []byte("hello, signed world")
			signed, err := SignBuffer(key, payload)
			if err != nil {
				t.Fatal(err)
			}

			ok, gotPayload, err := VerifyAll(bytes.NewReader(signed), pub, gotKind)
			if err != nil {
				t.Fatal(err)
			}
			if !ok {
				t.Fatal("expected verification to succeed")
			}
			if !bytes.Equal(gotPayload, payload) {
				t.Fatalf("payload mismatch: got %q want %q", gotPayload, payload)
			}
		})
	}
}

func TestZeroLengthKeyRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.pk8")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ParsePrivateKey(path); err == nil {
		t.Fatal("expected error for zero-length key file")
	}
}

func TestVerifyFailsOnTamperedPayload(t *testing.T) {
	path := writeTestKey(t, KindEC)
	key, err := ParsePrivateKey(path)
	if err != nil {
		t.Fatal(err)
	}
	signed, err := SignBuffer(key, []byte("original"))
	if err != nil {
		t.Fatal(err)
	}
	tampered := append([]byte(nil), signed...)
	tampered[len(tampered)-1] = 'X' // last payload byte

	ok, _, err := VerifyAll(bytes.NewReader(tampered), key.Public(), key.Kind)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected verification to fail on tampered payload")
	}
}

func TestMissingLFTerminatorIsIOFailure(t *testing.T) {
	path := writeTestKey(t, KindRSA)
	key, err := ParsePrivateKey(path)
	if err != nil {
		t.Fatal(err)
	}
	signed, err := SignBuffer(key, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	idx := bytes.IndexByte(signed, '\n')
	withCRLF := append(append([]byte{}, signed[:idx]...), '\r', '\n')
	withCRLF = append(withCRLF, signed[idx+1:]...)

	vr := NewVerifyingReader(bytes.NewReader(withCRLF), key.Public(), key.Kind)
	_, err = io.ReadAll(vr)
	if err == nil {
		t.Fatal("expected CRLF variant to be rejected as malformed")
	}
}

func TestHeaderLengthAboveUpperBoundRejected(t *testing.T) {
	path := writeTestKey(t, KindEC)
	key, err := ParsePrivateKey(path)
	if err != nil {
		t.Fatal(err)
	}
	signed, err := SignBuffer(key, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}

	// Forge the length field to claim an implausibly large signature; the
	// rest of the header and payload are untouched.
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], 1<<20)
	bogusLenField := base64.URLEncoding.EncodeToString(lenBuf[:])
	bogus := append([]byte(bogusLenField), signed[headerLengthFieldBytes:]...)

	vr := NewVerifyingReader(bytes.NewReader(bogus), key.Public(), key.Kind)
	_, err = io.ReadAll(vr)
	if err == nil {
		t.Fatal("expected oversized length claim to be rejected")
	}
}

func TestSkipMarkResetUnsupported(t *testing.T) {
	path := writeTestKey(t, KindEC)
	key, err := ParsePrivateKey(path)
	if err != nil {
		t.Fatal(err)
	}
	signed, err := SignBuffer(key, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	vr := NewVerifyingReader(bytes.NewReader(signed), key.Public(), key.Kind)
	if _, err := vr.Skip(1); err != ErrStreamOpUnsupported {
		t.Fatalf("Skip: got %v", err)
	}
	if err := vr.Mark(); err != ErrStreamOpUnsupported {
		t.Fatalf("Mark: got %v", err)
	}
	if err := vr.Reset(); err != ErrStreamOpUnsupported {
		t.Fatalf("Reset: got %v", err)
	}
}

func TestSignToFileAtomicRename(t *testing.T) {
	path := writeTestKey(t, KindRSA)
	key, err := ParsePrivateKey(path)
	if err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(t.TempDir(), "latest.txt")
	if err := SignToFile(key, []byte(`{"a":1}`), dst); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	payload, ok := SplitHeaderAndPayload(data)
	if !ok || string(payload) != `{"a":1}` {
		t.Fatalf("unexpected file contents: %q", data)
	}
	entries, err := os.ReadDir(filepath.Dir(dst))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != "latest.txt" && e.Name() != filepath.Base(path) {
			t.Fatalf("leftover temp file: %s", e.Name())
		}
	}
}
