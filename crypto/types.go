package crypto

import "errors"

var (
	ErrSignerIsNil      = errors.New("signer is nil")
	ErrVerifierIsNil    = errors.New("verifier is nil")
	ErrInvalidSignature = errors.New("signature verification failed")
	ErrInvalidKey       = errors.New("invalid key")
)

type (
	// Signer component for digitally signing data.
	Signer interface {
		// SignBytes signs the data using the signature scheme and private key specified by the Signer.
		// Returns signature bytes or error.
		SignBytes(data []byte) ([]byte, error)
		// MarshalPrivateKey returns the private key bytes so these could be unmarshalled later to create the Signer.
		MarshalPrivateKey() ([]byte, error)
		// Verifier returns a verifier that verifies using the public key part.
		Verifier() (Verifier, error)
	}

	// Verifier component for verifying signatures.
	Verifier interface {
		// VerifyBytes verifies the bytes against the signature, using the internal public key.
		VerifyBytes(sig []byte, data []byte) error
		// MarshalPublicKey marshal verifier public key to bytes.
		MarshalPublicKey() ([]byte, error)
	}
)

/*
Verify returns true when "sig" is valid signature of "data" for the
public key of "v". Any failure (nil verifier, malformed signature,
tampered data, wrong key) results in false.
*/
func Verify(v Verifier, sig, data []byte) (ok bool) {
	if v == nil || len(sig) == 0 {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	return v.VerifyBytes(sig, data) == nil
}
