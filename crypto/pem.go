package crypto

import (
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

const (
	pemTypePrivateKey = "PRIVATE KEY"
	pemTypePublicKey  = "PUBLIC KEY"
)

// MarshalPrivateKeyPEM returns the signer's private key as PKCS #8 PEM block.
func MarshalPrivateKeyPEM(s *InMemoryRSASigner) ([]byte, error) {
	der, err := s.MarshalPrivateKey()
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypePrivateKey, Bytes: der}), nil
}

// MarshalPublicKeyPEM returns the verifier's public key as PKIX PEM block.
func MarshalPublicKeyPEM(v Verifier) ([]byte, error) {
	if v == nil {
		return nil, ErrVerifierIsNil
	}
	der, err := v.MarshalPublicKey()
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypePublicKey, Bytes: der}), nil
}

func ParseRSAPrivateKeyPEM(data []byte) (*InMemoryRSASigner, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM data found", ErrInvalidKey)
	}
	if block.Type != pemTypePrivateKey {
		return nil, fmt.Errorf("%w: unexpected PEM block type %q", ErrInvalidKey, block.Type)
	}
	return NewRSASignerFromKey(block.Bytes)
}

func ParseRSAPublicKeyPEM(data []byte) (*RSAVerifier, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM data found", ErrInvalidKey)
	}
	if block.Type != pemTypePublicKey {
		return nil, fmt.Errorf("%w: unexpected PEM block type %q", ErrInvalidKey, block.Type)
	}
	return NewRSAVerifierFromKey(block.Bytes)
}

/*
LoadRSASigner reads RSA private key from PEM file "filename".
*/
func LoadRSASigner(filename string) (*InMemoryRSASigner, error) {
	data, err := os.ReadFile(filename) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	return ParseRSAPrivateKeyPEM(data)
}

/*
WriteRSASigner writes private key of "s" into PEM file "filename". Existing
file is not overwritten unless "force" is true.
*/
func WriteRSASigner(filename string, s *InMemoryRSASigner, force bool) error {
	data, err := MarshalPrivateKeyPEM(s)
	if err != nil {
		return fmt.Errorf("encoding private key: %w", err)
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(filename, flags, 0600) // #nosec G304
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("key file %s already exists", filename)
		}
		return fmt.Errorf("creating key file: %w", err)
	}
	_, err = f.Write(data)
	return errors.Join(err, f.Close())
}
