package drm

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// WidevineSystemID identifies Widevine ContentProtection entries in DASH
// manifests and PSSH boxes.
var WidevineSystemID = uuid.MustParse("edef8ba9-79d6-4ace-a3c8-27dcd51d21ed")

// PSSH is a parsed Protection System Specific Header box.
type PSSH struct {
	Raw      []byte // the full box, as carried in the manifest
	Version  byte
	SystemID uuid.UUID
	KeyIDs   [][]byte // v1 box key IDs, plus IDs from the Widevine payload
	Data     []byte   // system-specific payload (Widevine: protobuf)
}

// Base64 returns the box re-encoded for license/query parameters.
func (p *PSSH) Base64() string {
	return base64.StdEncoding.EncodeToString(p.Raw)
}

// ParsePSSHBox parses a raw pssh box: BMFF header, system ID, optional v1
// key IDs, and the system-specific data payload. For Widevine payloads the
// embedded protobuf key IDs are collected as well.
func ParsePSSHBox(raw []byte) (*PSSH, error) {
	if len(raw) < 32 {
		return nil, fmt.Errorf("pssh: box too short (%d bytes)", len(raw))
	}
	size := binary.BigEndian.Uint32(raw[0:4])
	if string(raw[4:8]) != "pssh" {
		return nil, fmt.Errorf("pssh: bad box type %q", raw[4:8])
	}
	if int(size) > len(raw) {
		return nil, fmt.Errorf("pssh: declared size %d exceeds payload", size)
	}
	version := raw[8]
	systemID, err := uuid.FromBytes(raw[12:28])
	if err != nil {
		return nil, fmt.Errorf("pssh: system id: %w", err)
	}

	p := &PSSH{Raw: raw, Version: version, SystemID: systemID}
	rest := raw[28:]
	if version == 1 {
		if len(rest) < 4 {
			return nil, fmt.Errorf("pssh: truncated v1 key ID count")
		}
		count := int(binary.BigEndian.Uint32(rest[:4]))
		rest = rest[4:]
		if len(rest) < count*16 {
			return nil, fmt.Errorf("pssh: truncated v1 key IDs")
		}
		for i := 0; i < count; i++ {
			kid := make([]byte, 16)
			copy(kid, rest[i*16:(i+1)*16])
			p.KeyIDs = append(p.KeyIDs, kid)
		}
		rest = rest[count*16:]
	}
	if len(rest) < 4 {
		return nil, fmt.Errorf("pssh: truncated data length")
	}
	dataLen := int(binary.BigEndian.Uint32(rest[:4]))
	rest = rest[4:]
	if len(rest) < dataLen {
		return nil, fmt.Errorf("pssh: truncated data")
	}
	p.Data = rest[:dataLen]

	if systemID == WidevineSystemID {
		p.KeyIDs = append(p.KeyIDs, widevineKeyIDs(p.Data)...)
	}
	return p, nil
}

// widevineKeyIDs pulls the repeated key_id field (2) out of the Widevine
// cenc header protobuf. Unknown fields are skipped, not rejected.
func widevineKeyIDs(data []byte) [][]byte {
	var ids [][]byte
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ids
		}
		b = b[n:]
		if num == 2 && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return ids
			}
			kid := make([]byte, len(v))
			copy(kid, v)
			ids = append(ids, kid)
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return ids
		}
		b = b[n:]
	}
	return ids
}

// FindPSSH locates the Widevine PSSH inside a DASH manifest. It checks
// cenc:pssh elements under Widevine ContentProtection first, then any pssh
// element or *pssh attribute. Returns (nil, false, nil) when the manifest
// carries no ContentProtection at all: unprotected content is not an error.
func FindPSSH(manifest []byte) (*PSSH, bool, error) {
	dec := xml.NewDecoder(bytes.NewReader(manifest))
	protected := false
	inWidevineCP := 0
	var anyPSSH *PSSH

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, protected, fmt.Errorf("pssh: manifest parse: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			local := strings.ToLower(t.Name.Local)
			if local == "contentprotection" {
				protected = true
				if cpIsWidevine(t) {
					inWidevineCP++
				}
			}
			// pssh carried as an attribute (some packagers do this)
			for _, attr := range t.Attr {
				if strings.Contains(strings.ToLower(attr.Name.Local), "pssh") {
					if p, err := decodePSSHText(attr.Value); err == nil {
						if p.SystemID == WidevineSystemID {
							return p, true, nil
						}
						if anyPSSH == nil {
							anyPSSH = p
						}
					}
				}
			}
			if local == "pssh" {
				var text string
				if err := dec.DecodeElement(&text, &t); err != nil {
					continue
				}
				p, err := decodePSSHText(text)
				if err != nil {
					continue
				}
				if inWidevineCP > 0 || p.SystemID == WidevineSystemID {
					return p, true, nil
				}
				if anyPSSH == nil {
					anyPSSH = p
				}
			}
		case xml.EndElement:
			if strings.EqualFold(t.Name.Local, "ContentProtection") && inWidevineCP > 0 {
				inWidevineCP--
			}
		}
	}
	if anyPSSH != nil {
		return anyPSSH, true, nil
	}
	if protected {
		return nil, true, fmt.Errorf("pssh: manifest is protected but carries no pssh box")
	}
	return nil, false, nil
}

func cpIsWidevine(el xml.StartElement) bool {
	for _, attr := range el.Attr {
		if strings.EqualFold(attr.Name.Local, "schemeIdUri") {
			v := strings.ToLower(attr.Value)
			return strings.Contains(v, WidevineSystemID.String()) || strings.Contains(v, "widevine")
		}
	}
	return false
}

func decodePSSHText(text string) (*PSSH, error) {
	cleaned := strings.Join(strings.Fields(text), "")
	if cleaned == "" {
		return nil, fmt.Errorf("pssh: empty text")
	}
	raw, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("pssh: base64: %w", err)
	}
	return ParsePSSHBox(raw)
}
