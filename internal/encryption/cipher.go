// Package encryption implements the session ciphers negotiated during the
// RSA handshake: AES-256-CBC framing for base clients, chained AES for NGS
// and RC4 for Vita.
package encryption

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rc4"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Kind names the negotiated cipher.
type Kind uint8

const (
	None Kind = iota
	AES
	AESNGS
	RC4
)

func (k Kind) String() string {
	switch k {
	case AES:
		return "aes"
	case AESNGS:
		return "aes-ngs"
	case RC4:
		return "rc4"
	}
	return "none"
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// AESHeaderLength is the offset of the frame length inside an AES header.
const AESHeaderLength = 0x44

var (
	ErrShortHandshake = errors.New("encryption: handshake data too short")
	ErrBadPadding     = errors.New("encryption: invalid padding")
	ErrShortFrame     = errors.New("encryption: encrypted frame too short")
)

const (
	marker      = 0x0100FFFF
	baseHeader  = 0x58
	ngsHeader   = 0x48
	handshakeIV = "\x00\x01\x02\x03\x04\x05\x06\x07\x08\x09\x0A\x0B\x0C\x0D\x0E\x0F"
	hmacKey     = "passwordxxxxxxxx"
)

// Cipher encrypts outgoing and decrypts incoming data of one connection.
// Empty input passes through unchanged.
type Cipher interface {
	Kind() Kind
	Encrypt(data []byte) ([]byte, error)
	Decrypt(data []byte) ([]byte, error)
	// Key returns the negotiated secret.
	Key() []byte
}

// Plain is the cipher in use before the handshake.
type Plain struct{}

func (Plain) Kind() Kind                          { return None }
func (Plain) Encrypt(data []byte) ([]byte, error) { return append([]byte(nil), data...), nil }
func (Plain) Decrypt(data []byte) ([]byte, error) { return append([]byte(nil), data...), nil }
func (Plain) Key() []byte                         { return nil }

// FromDecrypted derives the session cipher from a decrypted handshake blob.
// Blobs longer than 0x30 bytes select AES, shorter ones RC4.
func FromDecrypted(data []byte, ngs bool) (Cipher, error) {
	if len(data) > 0x30 {
		if len(data) < 0x50 {
			return nil, fmt.Errorf("%w: %d bytes", ErrShortHandshake, len(data))
		}
		key := append([]byte(nil), data[0x30:0x50]...)
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		secret := make([]byte, 0x30)
		cipher.NewCBCDecrypter(block, []byte(handshakeIV)).CryptBlocks(secret, data[:0x30])
		if _, err := unpad(secret); err != nil {
			return nil, err
		}
		if ngs {
			iv := append([]byte(nil), secret[:0x10]...)
			return &AesNgs{block: block, ivIn: iv, ivOut: append([]byte(nil), iv...), secret: secret}, nil
		}
		return &Aes{block: block, key: key, secret: secret}, nil
	}
	if len(data) < 0x20 {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortHandshake, len(data))
	}
	return newRc4(data[0x10:0x20], data[:0x10])
}

func pad(data []byte) []byte {
	n := aes.BlockSize - len(data)%aes.BlockSize
	return append(append([]byte(nil), data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, ErrBadPadding
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize {
		return nil, ErrBadPadding
	}
	for _, c := range data[len(data)-n:] {
		if int(c) != n {
			return nil, ErrBadPadding
		}
	}
	return data[:len(data)-n], nil
}

func writeFrameHeader(out []byte, total int) {
	binary.BigEndian.PutUint32(out[0x40:], marker)
	binary.LittleEndian.PutUint32(out[AESHeaderLength:], uint32(total))
}

// Aes frames every packet with a random IV and two HMAC-SHA256 digests.
type Aes struct {
	block  cipher.Block
	key    []byte
	secret []byte
}

func (a *Aes) Kind() Kind  { return AES }
func (a *Aes) Key() []byte { return append([]byte(nil), a.secret...) }

func (a *Aes) Encrypt(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	plain := pad(data)
	out := make([]byte, baseHeader+len(plain))
	writeFrameHeader(out, len(out))
	iv := out[0x48:baseHeader]
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}
	cipher.NewCBCEncrypter(a.block, iv).CryptBlocks(out[baseHeader:], plain)

	mac := hmac.New(sha256.New, []byte(hmacKey))
	mac.Write(out[AESHeaderLength:])
	copy(out[0x20:0x40], mac.Sum(nil))
	mac = hmac.New(sha256.New, []byte(hmacKey))
	mac.Write(out[:baseHeader])
	copy(out[:0x20], mac.Sum(nil))
	return out, nil
}

func (a *Aes) Decrypt(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	body := len(data) - baseHeader
	if body <= 0 || body%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(data))
	}
	plain := make([]byte, body)
	cipher.NewCBCDecrypter(a.block, data[0x48:baseHeader]).CryptBlocks(plain, data[baseHeader:])
	return unpad(plain)
}

var (
	zstdOnce    sync.Once
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func inflate(data []byte) ([]byte, error) {
	zstdOnce.Do(func() {
		zstdDecoder, zstdErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	if zstdErr != nil {
		return nil, zstdErr
	}
	out, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to inflate payload: %w", err)
	}
	return out, nil
}

// AesNgs chains the IV across frames in each direction and inflates
// zstd-compressed payloads.
type AesNgs struct {
	block  cipher.Block
	ivIn   []byte
	ivOut  []byte
	secret []byte
}

func (a *AesNgs) Kind() Kind  { return AESNGS }
func (a *AesNgs) Key() []byte { return append([]byte(nil), a.secret...) }

func (a *AesNgs) Encrypt(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	plain := pad(data)
	out := make([]byte, ngsHeader+len(plain))
	writeFrameHeader(out, len(out))
	cipher.NewCBCEncrypter(a.block, a.ivOut).CryptBlocks(out[ngsHeader:], plain)

	sum := sha256.Sum256(out[AESHeaderLength:])
	copy(out[0x20:0x40], sum[:])
	sum = sha256.Sum256(out[:ngsHeader])
	copy(out[:0x20], sum[:])
	a.ivOut = append([]byte(nil), out[len(out)-aes.BlockSize:]...)
	return out, nil
}

func (a *AesNgs) Decrypt(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	body := len(data) - ngsHeader
	if body <= 0 || body%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(data))
	}
	next := append([]byte(nil), data[len(data)-aes.BlockSize:]...)
	buf := make([]byte, body)
	cipher.NewCBCDecrypter(a.block, a.ivIn).CryptBlocks(buf, data[ngsHeader:])
	plain, err := unpad(buf)
	if err != nil {
		return nil, err
	}
	if len(plain) >= 4 && plain[1] == 0xB5 && plain[2] == 0x2F && plain[3] == 0xFD {
		if plain, err = inflate(plain); err != nil {
			return nil, err
		}
	}
	a.ivIn = next
	return plain, nil
}

// Rc4 keeps independent keystreams for each direction.
type Rc4 struct {
	enc    *rc4.Cipher
	dec    *rc4.Cipher
	secret []byte
}

func newRc4(key, sealed []byte) (*Rc4, error) {
	tmp, err := rc4.NewCipher(key)
	if err != nil {
		return nil, err
	}
	secret := make([]byte, len(sealed))
	tmp.XORKeyStream(secret, sealed)
	enc, _ := rc4.NewCipher(key)
	dec, _ := rc4.NewCipher(key)
	return &Rc4{enc: enc, dec: dec, secret: secret}, nil
}

func (r *Rc4) Kind() Kind  { return RC4 }
func (r *Rc4) Key() []byte { return append([]byte(nil), r.secret...) }

func (r *Rc4) Encrypt(data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	r.enc.XORKeyStream(out, data)
	return out, nil
}

func (r *Rc4) Decrypt(data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	r.dec.XORKeyStream(out, data)
	return out, nil
}

// GenerateHandshake builds a fresh plaintext handshake blob as a client
// would before sealing it with the server's public key.
func GenerateHandshake(kind Kind) ([]byte, error) {
	switch kind {
	case AES, AESNGS:
		secret := make([]byte, 0x20)
		key := make([]byte, 0x20)
		if _, err := rand.Read(secret); err != nil {
			return nil, err
		}
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		sealed := pad(secret)
		cipher.NewCBCEncrypter(block, []byte(handshakeIV)).CryptBlocks(sealed, sealed)
		return append(sealed, key...), nil
	case RC4:
		blob := make([]byte, 0x20)
		if _, err := rand.Read(blob); err != nil {
			return nil, err
		}
		return blob, nil
	}
	return nil, fmt.Errorf("encryption: no handshake for %s", kind)
}
