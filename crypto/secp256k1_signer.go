package crypto

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const (
	// CompressedSecp256K1PublicKeySize is size of public key in compressed format
	CompressedSecp256K1PublicKeySize = 33
	// Secp256K1SignatureSize is size of the signature, [R || S || V] format
	Secp256K1SignatureSize = 65
)

// InMemorySecp256K1Signer signs the SHA-256 hash of the data using secp256k1 ECDSA.
type InMemorySecp256K1Signer struct {
	key *ecdsa.PrivateKey
}

// NewInMemorySecp256K1Signer generates new key pair and creates a new InMemorySecp256K1Signer.
func NewInMemorySecp256K1Signer() (*InMemorySecp256K1Signer, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generating secp256k1 key: %w", err)
	}
	return &InMemorySecp256K1Signer{key: key}, nil
}

// NewInMemorySecp256K1SignerFromKey creates signer from raw 32 byte private key.
func NewInMemorySecp256K1SignerFromKey(privKey []byte) (*InMemorySecp256K1Signer, error) {
	key, err := ethcrypto.ToECDSA(privKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return &InMemorySecp256K1Signer{key: key}, nil
}

func (s *InMemorySecp256K1Signer) SignBytes(data []byte) ([]byte, error) {
	if s == nil {
		return nil, ErrSignerIsNil
	}
	hash := sha256.Sum256(data)
	return ethcrypto.Sign(hash[:], s.key)
}

func (s *InMemorySecp256K1Signer) MarshalPrivateKey() ([]byte, error) {
	if s == nil {
		return nil, ErrSignerIsNil
	}
	return ethcrypto.FromECDSA(s.key), nil
}

func (s *InMemorySecp256K1Signer) Verifier() (Verifier, error) {
	if s == nil {
		return nil, ErrSignerIsNil
	}
	return NewVerifierSecp256k1(ethcrypto.CompressPubkey(&s.key.PublicKey))
}

// verifierSecp256k1 is Verifier for secp256k1 ECDSA signatures.
type verifierSecp256k1 struct {
	pubKey []byte // compressed
}

// NewVerifierSecp256k1 creates new verifier from a compressed public key.
func NewVerifierSecp256k1(compressedPubKey []byte) (Verifier, error) {
	if len(compressedPubKey) != CompressedSecp256K1PublicKeySize {
		return nil, fmt.Errorf("%w: pubkey must be %d bytes long, but is %d", ErrInvalidKey, CompressedSecp256K1PublicKeySize, len(compressedPubKey))
	}
	if _, err := ethcrypto.DecompressPubkey(compressedPubKey); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return &verifierSecp256k1{pubKey: compressedPubKey}, nil
}

func (v *verifierSecp256k1) VerifyBytes(sig []byte, data []byte) error {
	if v == nil {
		return ErrVerifierIsNil
	}
	if len(sig) != Secp256K1SignatureSize {
		return fmt.Errorf("%w: signature length is %d b (expected %d b)", ErrInvalidSignature, len(sig), Secp256K1SignatureSize)
	}
	hash := sha256.Sum256(data)
	// VerifySignature wants [R || S] format, recovery id is dropped
	if !ethcrypto.VerifySignature(v.pubKey, hash[:], sig[:64]) {
		return ErrInvalidSignature
	}
	return nil
}

func (v *verifierSecp256k1) MarshalPublicKey() ([]byte, error) {
	if v == nil {
		return nil, ErrVerifierIsNil
	}
	return v.pubKey, nil
}
