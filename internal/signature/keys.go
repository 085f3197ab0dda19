package signature

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/dmitrorezn/bundler-validator/internal/domain"
)

// KeyLoadError is returned when key material cannot be parsed. It is fatal
// at startup.
type KeyLoadError struct {
	Source string
	Err    error
}

func (e *KeyLoadError) Error() string {
	return fmt.Sprintf("load key %s: %v", e.Source, e.Err)
}

func (e *KeyLoadError) Unwrap() error {
	return e.Err
}

// defaultExponent is AQAB.
const defaultExponent = 65537

// JWK is an RSA JSON web key as stored in an Arweave wallet file.
type JWK struct {
	Kty string `json:"kty"`
	E   string `json:"e"`
	N   string `json:"n"`
	D   string `json:"d,omitempty"`
	P   string `json:"p,omitempty"`
	Q   string `json:"q,omitempty"`
	Dp  string `json:"dp,omitempty"`
	Dq  string `json:"dq,omitempty"`
	Qi  string `json:"qi,omitempty"`
}

// LoadPrivateKey reads a JWK wallet or a PEM encoded RSA private key.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &KeyLoadError{Source: path, Err: errors.Wrap(err, "ReadFile")}
	}
	key, err := ParsePrivateKey(raw)
	if err != nil {
		return nil, &KeyLoadError{Source: path, Err: err}
	}

	return key, nil
}

func ParsePrivateKey(raw []byte) (*rsa.PrivateKey, error) {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "{") {
		var jwk JWK
		if err := json.Unmarshal(raw, &jwk); err != nil {
			return nil, errors.Wrap(err, "Unmarshal")
		}

		return jwk.PrivateKey()
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "ParsePKCS8PrivateKey")
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.Errorf("unsupported private key type %T", parsed)
	}

	return key, nil
}

func (j JWK) PrivateKey() (*rsa.PrivateKey, error) {
	if j.Kty != "" && j.Kty != "RSA" {
		return nil, errors.Errorf("unsupported kty %q", j.Kty)
	}
	pub, err := j.PublicKey()
	if err != nil {
		return nil, err
	}
	d, err := decodeInt("d", j.D)
	if err != nil {
		return nil, err
	}
	p, err := decodeInt("p", j.P)
	if err != nil {
		return nil, err
	}
	q, err := decodeInt("q", j.Q)
	if err != nil {
		return nil, err
	}
	key := &rsa.PrivateKey{
		PublicKey: *pub,
		D:         d,
		Primes:    []*big.Int{p, q},
	}
	if err = key.Validate(); err != nil {
		return nil, errors.Wrap(err, "Validate")
	}
	key.Precompute()

	return key, nil
}

func (j JWK) PublicKey() (*rsa.PublicKey, error) {
	n, err := decodeInt("n", j.N)
	if err != nil {
		return nil, err
	}
	e := big.NewInt(defaultExponent)
	if j.E != "" {
		if e, err = decodeInt("e", j.E); err != nil {
			return nil, err
		}
	}
	if !e.IsInt64() || e.Int64() > 1<<31-1 {
		return nil, errors.New("exponent too large")
	}

	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

// PublicKeyFromModulus builds a public key from a base64url modulus with
// the AQAB exponent, the way bundlers publish their keys.
func PublicKeyFromModulus(n string) (*rsa.PublicKey, error) {
	pub, err := JWK{Kty: "RSA", N: n}.PublicKey()
	if err != nil {
		return nil, &KeyLoadError{Source: "modulus", Err: err}
	}

	return pub, nil
}

// MarshalJWK encodes key as an Arweave wallet.
func MarshalJWK(key *rsa.PrivateKey) ([]byte, error) {
	if len(key.Primes) != 2 {
		return nil, errors.New("multi-prime keys are not supported")
	}
	key.Precompute()
	jwk := JWK{
		Kty: "RSA",
		E:   encodeInt(big.NewInt(int64(key.E))),
		N:   encodeInt(key.N),
		D:   encodeInt(key.D),
		P:   encodeInt(key.Primes[0]),
		Q:   encodeInt(key.Primes[1]),
		Dp:  encodeInt(key.Precomputed.Dp),
		Dq:  encodeInt(key.Precomputed.Dq),
		Qi:  encodeInt(key.Precomputed.Qinv),
	}

	return json.Marshal(jwk)
}

func ModulusOf(pub *rsa.PublicKey) string {
	return encodeInt(pub.N)
}

func decodeInt(name, v string) (*big.Int, error) {
	if v == "" {
		return nil, errors.Errorf("missing %q", name)
	}
	b, err := domain.DecodeID(v)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %q", name)
	}

	return new(big.Int).SetBytes(b), nil
}

func encodeInt(i *big.Int) string {
	return domain.EncodeID(i.Bytes())
}
