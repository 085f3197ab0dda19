package signature

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"

	"github.com/pkg/errors"

	"github.com/dmitrorezn/bundler-validator/internal/domain"
)

var signOpts = &rsa.PSSOptions{
	SaltLength: rsa.PSSSaltLengthEqualsHash,
	Hash:       crypto.SHA256,
}

var verifyOpts = &rsa.PSSOptions{
	SaltLength: rsa.PSSSaltLengthAuto,
	Hash:       crypto.SHA256,
}

// Sign returns an RSA-PSS signature over sha256(message).
func Sign(priv *rsa.PrivateKey, message []byte) ([]byte, error) {
	if priv == nil {
		return nil, &KeyLoadError{Source: "sign", Err: errors.New("nil private key")}
	}
	digest := sha256.Sum256(message)
	sig, err := rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest[:], signOpts)
	if err != nil {
		return nil, errors.Wrap(err, "SignPSS")
	}

	return sig, nil
}

// Verify reports whether sig is a valid RSA-PSS signature over
// sha256(message). Every failure is false.
func Verify(pub *rsa.PublicKey, message, sig []byte) bool {
	if pub == nil || pub.N == nil || len(sig) != pub.Size() {
		return false
	}
	digest := sha256.Sum256(message)

	return rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, verifyOpts) == nil
}

// Service owns the validator private key and the bundler public key for
// the lifetime of the process.
type Service struct {
	validator        *rsa.PrivateKey
	bundler          *rsa.PublicKey
	validatorAddress string
	bundlerAddress   string
}

func NewService(validator *rsa.PrivateKey, bundler *rsa.PublicKey) (*Service, error) {
	if validator == nil {
		return nil, &KeyLoadError{Source: "validator", Err: errors.New("missing private key")}
	}
	if bundler == nil {
		return nil, &KeyLoadError{Source: "bundler", Err: errors.New("missing public key")}
	}

	return &Service{
		validator:        validator,
		bundler:          bundler,
		validatorAddress: Address(&validator.PublicKey),
		bundlerAddress:   Address(bundler),
	}, nil
}

func (s *Service) Countersign(message []byte) ([]byte, error) {
	return Sign(s.validator, message)
}

func (s *Service) VerifyBundler(message, sig []byte) bool {
	return Verify(s.bundler, message, sig)
}

func (s *Service) VerifyValidator(message, sig []byte) bool {
	return Verify(&s.validator.PublicKey, message, sig)
}

func (s *Service) BundlerAddress() string {
	return s.bundlerAddress
}

func (s *Service) ValidatorAddress() string {
	return s.validatorAddress
}

// Address is the Arweave address of a key: base64url(sha256(modulus)).
func Address(pub *rsa.PublicKey) string {
	sum := sha256.Sum256(pub.N.Bytes())

	return domain.EncodeID(sum[:])
}
