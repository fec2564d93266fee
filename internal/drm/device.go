package drm

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

// Device is the local Widevine identity a license challenge is bound to:
// the provisioned client ID blob and its RSA private key.
type Device struct {
	ClientID      []byte
	Key           *rsa.PrivateKey
	SecurityLevel int
}

// LoadDevice reads a serialized device profile ("WVD" v2 layout: magic,
// version, type, security level, flags, BE16-prefixed private key DER,
// BE16-prefixed client ID blob).
func LoadDevice(path string) (*Device, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("read device profile %s: %v", path, err)}
	}
	return parseDevice(raw)
}

func parseDevice(raw []byte) (*Device, error) {
	if len(raw) < 10 || string(raw[:3]) != "WVD" {
		return nil, &ConfigError{Reason: "not a device profile (bad magic)"}
	}
	version := raw[3]
	if version != 2 {
		return nil, &ConfigError{Reason: fmt.Sprintf("unsupported device profile version %d", version)}
	}
	securityLevel := int(raw[5])
	rest := raw[7:] // type, security_level, flags consumed

	keyLen := int(binary.BigEndian.Uint16(rest[:2]))
	rest = rest[2:]
	if len(rest) < keyLen+2 {
		return nil, &ConfigError{Reason: "truncated private key"}
	}
	keyDER := rest[:keyLen]
	rest = rest[keyLen:]

	idLen := int(binary.BigEndian.Uint16(rest[:2]))
	rest = rest[2:]
	if len(rest) < idLen {
		return nil, &ConfigError{Reason: "truncated client ID"}
	}
	clientID := make([]byte, idLen)
	copy(clientID, rest[:idLen])

	key, err := parseRSAKey(keyDER)
	if err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("private key: %v", err)}
	}
	return &Device{ClientID: clientID, Key: key, SecurityLevel: securityLevel}, nil
}

func parseRSAKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA key")
	}
	return key, nil
}
