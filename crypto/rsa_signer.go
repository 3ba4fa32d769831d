package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
)

// DefaultRSAKeyBits is the modulus size of generated bridge keys.
const DefaultRSAKeyBits = 2048

// pssOptions: SHA-256, MGF1 with SHA-256 and the maximum salt length.
var pssOptions = &rsa.PSSOptions{
	SaltLength: rsa.PSSSaltLengthAuto,
	Hash:       crypto.SHA256,
}

// InMemoryRSASigner signs data using RSA-PSS.
type InMemoryRSASigner struct {
	key *rsa.PrivateKey
}

// NewInMemoryRSASigner generates new RSA key of "bits" size and creates a signer.
func NewInMemoryRSASigner(bits int) (*InMemoryRSASigner, error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generating RSA key: %w", err)
	}
	return NewRSASigner(key)
}

func NewRSASigner(key *rsa.PrivateKey) (*InMemoryRSASigner, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: private key is nil", ErrInvalidKey)
	}
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return &InMemoryRSASigner{key: key}, nil
}

// NewRSASignerFromKey creates signer from PKCS #8 DER encoded private key (see MarshalPrivateKey).
func NewRSASignerFromKey(der []byte) (*InMemoryRSASigner, error) {
	k, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	key, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: expected RSA key, got %T", ErrInvalidKey, k)
	}
	return NewRSASigner(key)
}

func (s *InMemoryRSASigner) SignBytes(data []byte) ([]byte, error) {
	if s == nil {
		return nil, ErrSignerIsNil
	}
	digest := sha256.Sum256(data)
	return rsa.SignPSS(rand.Reader, s.key, crypto.SHA256, digest[:], pssOptions)
}

func (s *InMemoryRSASigner) MarshalPrivateKey() ([]byte, error) {
	if s == nil {
		return nil, ErrSignerIsNil
	}
	return x509.MarshalPKCS8PrivateKey(s.key)
}

func (s *InMemoryRSASigner) Verifier() (Verifier, error) {
	if s == nil {
		return nil, ErrSignerIsNil
	}
	return NewRSAVerifier(&s.key.PublicKey)
}

// RSAVerifier verifies RSA-PSS signatures.
type RSAVerifier struct {
	key *rsa.PublicKey
}

func NewRSAVerifier(key *rsa.PublicKey) (*RSAVerifier, error) {
	if key == nil || key.N == nil {
		return nil, fmt.Errorf("%w: public key is nil", ErrInvalidKey)
	}
	return &RSAVerifier{key: key}, nil
}

// NewRSAVerifierFromKey creates verifier from PKIX DER encoded public key (see MarshalPublicKey).
func NewRSAVerifierFromKey(der []byte) (*RSAVerifier, error) {
	k, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	key, ok := k.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: expected RSA key, got %T", ErrInvalidKey, k)
	}
	return NewRSAVerifier(key)
}

func (v *RSAVerifier) VerifyBytes(sig []byte, data []byte) error {
	if v == nil {
		return ErrVerifierIsNil
	}
	digest := sha256.Sum256(data)
	if err := rsa.VerifyPSS(v.key, crypto.SHA256, digest[:], sig, pssOptions); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	return nil
}

func (v *RSAVerifier) MarshalPublicKey() ([]byte, error) {
	if v == nil {
		return nil, ErrVerifierIsNil
	}
	return x509.MarshalPKIXPublicKey(v.key)
}
