package drm

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Widevine wire schema, hand-encoded. Field numbers for the handful of
// messages the license exchange touches:
//
//	SignedMessage:   type=1, msg=2, signature=3, session_key=4
//	LicenseRequest:  client_id=1, content_id=2, type=3, request_time=4,
//	                 protocol_version=6, key_control_nonce=7
//	ContentId:       widevine_pssh_data=1 {pssh_data=1, license_type=2,
//	                 request_id=3}
//	License:         key=3 repeated KeyContainer{id=1, iv=2, key=3, type=4}
const (
	msgTypeLicenseRequest = 1
	msgTypeLicense        = 2

	requestTypeNew   = 1
	licenseStreaming = 1
	protocolVersion  = 21

	keyTypeContent = 2
)

// ContentKey is one decrypted content key from a license.
type ContentKey struct {
	ID  []byte
	Key []byte
}

// challenge pairs the serialized signed message with the raw request bytes,
// which the key derivation after the license response needs again.
type challenge struct {
	Signed  []byte
	Request []byte
}

// buildChallenge assembles and signs a license request for pssh. requestID is
// echoed back by the server and salts the request so two challenges for the
// same content never byte-match.
func buildChallenge(dev *Device, pssh *PSSH, requestID []byte, now time.Time) (*challenge, error) {
	var wvPSSH []byte
	wvPSSH = protowire.AppendTag(wvPSSH, 1, protowire.BytesType)
	wvPSSH = protowire.AppendBytes(wvPSSH, pssh.Data)
	wvPSSH = protowire.AppendTag(wvPSSH, 2, protowire.VarintType)
	wvPSSH = protowire.AppendVarint(wvPSSH, licenseStreaming)
	wvPSSH = protowire.AppendTag(wvPSSH, 3, protowire.BytesType)
	wvPSSH = protowire.AppendBytes(wvPSSH, requestID)

	var contentID []byte
	contentID = protowire.AppendTag(contentID, 1, protowire.BytesType)
	contentID = protowire.AppendBytes(contentID, wvPSSH)

	nonce, err := randomNonce()
	if err != nil {
		return nil, err
	}

	var req []byte
	req = protowire.AppendTag(req, 1, protowire.BytesType)
	req = protowire.AppendBytes(req, dev.ClientID)
	req = protowire.AppendTag(req, 2, protowire.BytesType)
	req = protowire.AppendBytes(req, contentID)
	req = protowire.AppendTag(req, 3, protowire.VarintType)
	req = protowire.AppendVarint(req, requestTypeNew)
	req = protowire.AppendTag(req, 4, protowire.VarintType)
	req = protowire.AppendVarint(req, uint64(now.Unix()))
	req = protowire.AppendTag(req, 6, protowire.VarintType)
	req = protowire.AppendVarint(req, protocolVersion)
	req = protowire.AppendTag(req, 7, protowire.VarintType)
	req = protowire.AppendVarint(req, nonce)

	digest := sha1.Sum(req)
	sig, err := rsa.SignPSS(rand.Reader, dev.Key, crypto.SHA1, digest[:], &rsa.PSSOptions{SaltLength: 20})
	if err != nil {
		return nil, fmt.Errorf("license: sign challenge: %w", err)
	}

	var signed []byte
	signed = protowire.AppendTag(signed, 1, protowire.VarintType)
	signed = protowire.AppendVarint(signed, msgTypeLicenseRequest)
	signed = protowire.AppendTag(signed, 2, protowire.BytesType)
	signed = protowire.AppendBytes(signed, req)
	signed = protowire.AppendTag(signed, 3, protowire.BytesType)
	signed = protowire.AppendBytes(signed, sig)

	return &challenge{Signed: signed, Request: req}, nil
}

func randomNonce() (uint64, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("license: nonce: %w", err)
	}
	// keep it positive in a 32-bit signed field
	return uint64(binary.BigEndian.Uint32(b[:]) & 0x7fffffff), nil
}

// parseLicense unwraps a signed license response and decrypts its content
// keys. The session key travels RSA-OAEP wrapped; the AES key that actually
// protects the key containers is derived from it with a CMAC over the
// original request bytes.
func parseLicense(dev *Device, ch *challenge, raw []byte) ([]ContentKey, error) {
	var msgType uint64
	var msg, wrappedSession []byte

	b := raw
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("license: malformed response")
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("license: malformed response")
			}
			msgType = v
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("license: malformed response")
			}
			msg = v
			b = b[n:]
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("license: malformed response")
			}
			wrappedSession = v
			b = b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("license: malformed response")
			}
			b = b[n:]
		}
	}

	if msgType != msgTypeLicense {
		return nil, fmt.Errorf("license: unexpected message type %d", msgType)
	}
	if len(msg) == 0 || len(wrappedSession) == 0 {
		return nil, fmt.Errorf("license: response missing payload or session key")
	}

	sessionKey, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, dev.Key, wrappedSession, nil)
	if err != nil {
		return nil, fmt.Errorf("license: unwrap session key: %w", err)
	}
	encKey, err := deriveEncKey(sessionKey, ch.Request)
	if err != nil {
		return nil, err
	}

	keys, err := decryptContentKeys(msg, encKey)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("license: no content keys in response")
	}
	return keys, nil
}

// deriveEncKey implements the Widevine KDF: a single AES-CMAC block over
// 0x01 || "ENCRYPTION" || 0x00 || request || BE32(128).
func deriveEncKey(sessionKey, request []byte) ([]byte, error) {
	context := make([]byte, 0, len("ENCRYPTION")+1+len(request)+4)
	context = append(context, []byte("ENCRYPTION")...)
	context = append(context, 0x00)
	context = append(context, request...)
	context = binary.BigEndian.AppendUint32(context, 128)

	block := make([]byte, 0, 1+len(context))
	block = append(block, 0x01)
	block = append(block, context...)
	return aesCMAC(sessionKey, block)
}

func decryptContentKeys(license, encKey []byte) ([]ContentKey, error) {
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("license: %w", err)
	}

	var keys []ContentKey
	b := license
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("license: malformed payload")
		}
		b = b[n:]
		if num == 3 && typ == protowire.BytesType {
			container, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("license: malformed payload")
			}
			b = b[n:]
			key, ok, err := decryptKeyContainer(container, block)
			if err != nil {
				return nil, err
			}
			if ok {
				keys = append(keys, key)
			}
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return nil, fmt.Errorf("license: malformed payload")
		}
		b = b[n:]
	}
	return keys, nil
}

// decryptKeyContainer returns the decrypted key for CONTENT-type containers
// and ok=false for every other container type (signing keys and the like).
func decryptKeyContainer(container []byte, block cipher.Block) (ContentKey, bool, error) {
	var id, iv, enc []byte
	keyType := uint64(keyTypeContent) // absent type field means CONTENT

	b := container
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ContentKey{}, false, fmt.Errorf("license: malformed key container")
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			id, n = protowire.ConsumeBytes(b)
		case num == 2 && typ == protowire.BytesType:
			iv, n = protowire.ConsumeBytes(b)
		case num == 3 && typ == protowire.BytesType:
			enc, n = protowire.ConsumeBytes(b)
		case num == 4 && typ == protowire.VarintType:
			keyType, n = protowire.ConsumeVarint(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return ContentKey{}, false, fmt.Errorf("license: malformed key container")
		}
		b = b[n:]
	}

	if keyType != keyTypeContent {
		return ContentKey{}, false, nil
	}
	if len(iv) != aes.BlockSize || len(enc) == 0 || len(enc)%aes.BlockSize != 0 {
		return ContentKey{}, false, fmt.Errorf("license: bad key container geometry")
	}

	plain := make([]byte, len(enc))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, enc)
	plain, err := pkcs7Unpad(plain)
	if err != nil {
		return ContentKey{}, false, err
	}

	out := ContentKey{ID: append([]byte(nil), id...), Key: plain}
	return out, true, nil
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("license: empty plaintext")
	}
	pad := int(b[len(b)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(b) {
		return nil, fmt.Errorf("license: bad padding")
	}
	for _, c := range b[len(b)-pad:] {
		if int(c) != pad {
			return nil, fmt.Errorf("license: bad padding")
		}
	}
	return b[:len(b)-pad], nil
}
