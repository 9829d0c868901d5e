package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/md5" // #nosec G501 -- legacy webhook senders still sign with hmac-md5
	"crypto/rsa"
	"crypto/sha1" // #nosec G505 -- legacy webhook senders still sign with hmac-sha1
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"hash"
	"strings"

	"github.com/dukex/strata/pkg/models"
)

const DefaultSignatureHeader = "X-Signature"

var signaturePrefixes = map[string]bool{
	"sha256": true, "sha1": true, "md5": true, "ed25519": true, "rsa-sha256": true, "ecdsa-sha256": true,
}

func hmacHash(algorithm string) (func() hash.Hash, error) {
	switch strings.ToLower(algorithm) {
	case "", "sha256":
		return sha256.New, nil
	case "sha1":
		return sha1.New, nil
	case "md5":
		return md5.New, nil
	default:
		return nil, fmt.Errorf("%w: hmac-%s", ErrUnsupportedAlgorithm, algorithm)
	}
}

// decodeSignature accepts "algo=<hex>", bare hex or base64.
func decodeSignature(header string) ([]byte, error) {
	value := strings.TrimSpace(header)
	if before, after, ok := strings.Cut(value, "="); ok && signaturePrefixes[strings.ToLower(before)] {
		value = after
	}

	if raw, err := hex.DecodeString(value); err == nil {
		return raw, nil
	}

	if raw, err := base64.StdEncoding.DecodeString(value); err == nil {
		return raw, nil
	}

	return nil, ErrInvalidSignature
}

// SignWebhookHMAC returns the "algo=<hex>" header value a sender would attach.
func SignWebhookHMAC(algorithm, secret string, payload []byte) (string, error) {
	newHash, err := hmacHash(algorithm)
	if err != nil {
		return "", err
	}

	mac := hmac.New(newHash, []byte(secret))
	mac.Write(payload)

	if algorithm == "" {
		algorithm = "sha256"
	}

	return strings.ToLower(algorithm) + "=" + hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyWebhookSignature checks header against payload using auth. HMAC
// comparison is constant time.
func VerifyWebhookSignature(auth models.WebhookAuth, payload []byte, header string) error {
	if auth.Type == models.AuthNone || auth.Type == "" {
		return nil
	}

	if strings.TrimSpace(header) == "" {
		return ErrMissingSignature
	}

	signature, err := decodeSignature(header)
	if err != nil {
		return err
	}

	switch auth.Type {
	case models.AuthHMAC:
		newHash, err := hmacHash(auth.Algorithm)
		if err != nil {
			return err
		}

		mac := hmac.New(newHash, []byte(auth.Secret))
		mac.Write(payload)

		if !hmac.Equal(mac.Sum(nil), signature) {
			return ErrInvalidSignature
		}

		return nil
	case models.AuthAsymmetric:
		return verifyAsymmetric(auth.Algorithm, auth.PublicKey, payload, signature)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, auth.Type)
	}
}

func parsePublicKey(encoded string) (crypto.PublicKey, error) {
	if block, _ := pem.Decode([]byte(encoded)); block != nil {
		return x509.ParsePKIXPublicKey(block.Bytes)
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}

	if len(raw) == ed25519.PublicKeySize {
		return ed25519.PublicKey(raw), nil
	}

	return x509.ParsePKIXPublicKey(raw)
}

func verifyAsymmetric(algorithm, publicKey string, payload, signature []byte) error {
	key, err := parsePublicKey(publicKey)
	if err != nil {
		return err
	}

	switch strings.ToLower(algorithm) {
	case "", "ed25519":
		edKey, ok := key.(ed25519.PublicKey)
		if !ok || !ed25519.Verify(edKey, payload, signature) {
			return ErrInvalidSignature
		}
	case "rsa-sha256":
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return ErrInvalidSignature
		}

		digest := sha256.Sum256(payload)
		if rsa.VerifyPKCS1v15(rsaKey, crypto.SHA256, digest[:], signature) != nil {
			return ErrInvalidSignature
		}
	case "ecdsa-sha256":
		ecKey, ok := key.(*ecdsa.PublicKey)
		digest := sha256.Sum256(payload)

		if !ok || !ecdsa.VerifyASN1(ecKey, digest[:], signature) {
			return ErrInvalidSignature
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
	}

	return nil
}
