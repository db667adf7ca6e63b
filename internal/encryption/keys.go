package encryption

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
)

// ErrNoKey is returned when a handshake step needs a key that was not given.
var ErrNoKey = errors.New("encryption: no key provided")

// LoadPrivateKey reads a PEM encoded PKCS#8 (or PKCS#1) RSA private key.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	block, err := readPEM(path)
	if err != nil {
		return nil, err
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%s: not an RSA key", path)
		}
		return rsaKey, nil
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", path, err)
	}
	return key, nil
}

// LoadPublicKey reads a PEM encoded PKIX (or PKCS#1) RSA public key.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	block, err := readPEM(path)
	if err != nil {
		return nil, err
	}
	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%s: not an RSA key", path)
		}
		return rsaKey, nil
	}
	key, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key %s: %w", path, err)
	}
	return key, nil
}

func readPEM(path string) (*pem.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block found", path)
	}
	return block, nil
}

// leInt converts a little-endian magnitude.
func leInt(b []byte) *big.Int {
	be := make([]byte, len(b))
	for i, c := range b {
		be[len(b)-1-i] = c
	}
	return new(big.Int).SetBytes(be)
}

// PrivateKeyFromParams builds a key from little-endian components.
func PrivateKeyFromParams(n, e, d, p, q []byte) (*rsa.PrivateKey, error) {
	exp := leInt(e)
	if !exp.IsInt64() || exp.Int64() > 1<<31-1 {
		return nil, errors.New("encryption: public exponent too large")
	}
	key := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: leInt(n), E: int(exp.Int64())},
		D:         leInt(d),
		Primes:    []*big.Int{leInt(p), leInt(q)},
	}
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	key.Precompute()
	return key, nil
}

// PublicKeyFromParams builds a key from little-endian components.
func PublicKeyFromParams(n, e []byte) (*rsa.PublicKey, error) {
	exp := leInt(e)
	if !exp.IsInt64() || exp.Int64() > 1<<31-1 || exp.Sign() <= 0 {
		return nil, errors.New("encryption: invalid public exponent")
	}
	return &rsa.PublicKey{N: leInt(n), E: int(exp.Int64())}, nil
}

// DecryptRSA opens a PKCS#1 v1.5 encrypted handshake blob.
func DecryptRSA(key *rsa.PrivateKey, data []byte) ([]byte, error) {
	if key == nil {
		return nil, ErrNoKey
	}
	// leading zero bytes are lost on the wire
	if k := key.Size(); len(data) < k {
		padded := make([]byte, k)
		copy(padded[k-len(data):], data)
		data = padded
	}
	out, err := rsa.DecryptPKCS1v15(rand.Reader, key, data)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt handshake: %w", err)
	}
	return out, nil
}

// EncryptRSA seals a handshake blob with PKCS#1 v1.5.
func EncryptRSA(key *rsa.PublicKey, data []byte) ([]byte, error) {
	if key == nil {
		return nil, ErrNoKey
	}
	out, err := rsa.EncryptPKCS1v15(rand.Reader, key, data)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt handshake: %w", err)
	}
	return out, nil
}

// Reencrypt opens data with in and seals the plaintext again with out.
func Reencrypt(data []byte, in *rsa.PrivateKey, out *rsa.PublicKey) ([]byte, error) {
	plain, err := DecryptRSA(in, data)
	if err != nil {
		return nil, err
	}
	return EncryptRSA(out, plain)
}
