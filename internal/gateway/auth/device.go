package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/highclaw/clawdesk/internal/gateway/protocol"
)

// DeviceIdentity is an Ed25519 key pair used to prove possession of a
// registered device during the handshake. Experimental: gateways that do not
// check device proofs ignore it.
type DeviceIdentity struct {
	ID         string
	PrivateKey ed25519.PrivateKey
}

type deviceFile struct {
	DeviceID      string `json:"deviceId"`
	PublicKeyPem  string `json:"publicKeyPem"`
	PrivateKeyPem string `json:"privateKeyPem"`
}

// GenerateDeviceIdentity creates a fresh key pair. The device id is the hex
// SHA-256 of the raw public key.
func GenerateDeviceIdentity() (*DeviceIdentity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate device key: %w", err)
	}
	sum := sha256.Sum256(pub)
	return &DeviceIdentity{ID: hex.EncodeToString(sum[:]), PrivateKey: priv}, nil
}

// LoadDeviceIdentity reads an identity saved by Save.
func LoadDeviceIdentity(path string) (*DeviceIdentity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read device identity %s: %w", path, err)
	}
	var f deviceFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse device identity %s: %w", path, err)
	}
	f.DeviceID = strings.TrimSpace(f.DeviceID)
	if f.DeviceID == "" {
		return nil, errors.New("device identity missing deviceId")
	}
	block, _ := pem.Decode([]byte(f.PrivateKeyPem))
	if block == nil {
		return nil, errors.New("device private key PEM decode failed")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("device private key parse: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("device private key is %T, want ed25519", key)
	}
	return &DeviceIdentity{ID: f.DeviceID, PrivateKey: priv}, nil
}

// LoadOrCreateDeviceIdentity loads path, generating and saving a new identity
// when the file does not exist.
func LoadOrCreateDeviceIdentity(path string) (*DeviceIdentity, error) {
	id, err := LoadDeviceIdentity(path)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	id, err = GenerateDeviceIdentity()
	if err != nil {
		return nil, err
	}
	if err := id.Save(path); err != nil {
		return nil, err
	}
	return id, nil
}

// Save writes the identity as JSON with PEM-encoded keys, mode 0600.
func (d *DeviceIdentity) Save(path string) error {
	privDER, err := x509.MarshalPKCS8PrivateKey(d.PrivateKey)
	if err != nil {
		return fmt.Errorf("marshal device private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(d.PublicKey())
	if err != nil {
		return fmt.Errorf("marshal device public key: %w", err)
	}
	data, err := json.MarshalIndent(deviceFile{
		DeviceID:      d.ID,
		PublicKeyPem:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
		PrivateKeyPem: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})),
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create device identity dir: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// PublicKey returns the public half of the key pair.
func (d *DeviceIdentity) PublicKey() ed25519.PublicKey {
	return d.PrivateKey.Public().(ed25519.PublicKey)
}

// Sign builds the device proof for one handshake.
func (d *DeviceIdentity) Sign(client protocol.ClientInfo, role string, scopes []string, signedAt time.Time, token, nonce string) protocol.DeviceAuth {
	ms := signedAt.UnixMilli()
	payload := SignaturePayload(d.ID, client.ID, client.Mode, role, scopes, ms, token, nonce)
	sig := ed25519.Sign(d.PrivateKey, []byte(payload))
	return protocol.DeviceAuth{
		ID:        d.ID,
		PublicKey: base64.StdEncoding.EncodeToString(d.PublicKey()),
		Signature: base64.StdEncoding.EncodeToString(sig),
		SignedAt:  ms,
		Nonce:     nonce,
	}
}

// SignaturePayload is the string the device signs. With a nonce it is the
// v2 form, otherwise v1 without the trailing nonce.
func SignaturePayload(deviceID, clientID, clientMode, role string, scopes []string, signedAtMs int64, token, nonce string) string {
	version := "v1"
	if strings.TrimSpace(nonce) != "" {
		version = "v2"
	}
	parts := []string{
		version,
		deviceID,
		clientID,
		clientMode,
		role,
		strings.Join(scopes, ","),
		strconv.FormatInt(signedAtMs, 10),
		token,
	}
	if version == "v2" {
		parts = append(parts, nonce)
	}
	return strings.Join(parts, "|")
}
