package ldap

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Normalizer turns raw attribute values into their string form.
type Normalizer interface {
	Normalize(values [][]byte) ([]string, error)
}

type StringNormalizer struct{}

func (StringNormalizer) Normalize(values [][]byte) ([]string, error) {
	out := make([]string, len(values))
	for i, b := range values {
		if !utf8.Valid(b) {
			out[i] = base64.StdEncoding.EncodeToString(b)
			continue
		}
		out[i] = string(b)
	}
	return out, nil
}

type Base64Normalizer struct{}

func (Base64Normalizer) Normalize(values [][]byte) ([]string, error) {
	out := make([]string, len(values))
	for i, b := range values {
		out[i] = base64.StdEncoding.EncodeToString(b)
	}
	return out, nil
}

// GUIDNormalizer converts Active Directory GUIDs (mixed-endian) to RFC 4122 form.
type GUIDNormalizer struct{}

func (GUIDNormalizer) Normalize(values [][]byte) ([]string, error) {
	out := make([]string, 0, len(values))
	for i, raw := range values {
		if len(raw) != 16 {
			return nil, fmt.Errorf("invalid GUID at index %d: expected 16 bytes, got %d", i, len(raw))
		}
		b := make([]byte, 16)
		copy(b, raw)
		b[0], b[1], b[2], b[3] = b[3], b[2], b[1], b[0]
		b[4], b[5] = b[5], b[4]
		b[6], b[7] = b[7], b[6]
		u, err := uuid.FromBytes(b)
		if err != nil {
			return nil, fmt.Errorf("invalid GUID at index %d: %w", i, err)
		}
		out = append(out, u.String())
	}
	return out, nil
}

type SIDNormalizer struct{}

func (SIDNormalizer) Normalize(values [][]byte) ([]string, error) {
	out := make([]string, 0, len(values))
	for _, raw := range values {
		sid, err := sidString(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse SID: %w", err)
		}
		out = append(out, sid)
	}
	return out, nil
}

func sidString(b []byte) (string, error) {
	// revision (1), sub-authority count (1), authority (6)
	if len(b) < 8 {
		return "", fmt.Errorf("invalid SID: too short")
	}
	count := int(b[1])
	if len(b) < 8+count*4 {
		return "", fmt.Errorf("invalid SID: insufficient length for sub-authorities")
	}
	authority := binary.BigEndian.Uint64(append([]byte{0, 0}, b[2:8]...))

	var sb bytes.Buffer
	fmt.Fprintf(&sb, "S-%d-%d", b[0], authority)
	for i := 0; i < count; i++ {
		fmt.Fprintf(&sb, "-%d", binary.LittleEndian.Uint32(b[8+i*4:]))
	}
	return sb.String(), nil
}

// FiletimeNormalizer renders Windows FILETIME integers as RFC 3339 UTC.
// Zero and "never" values are dropped.
type FiletimeNormalizer struct{}

const (
	filetimeEpochOffset = 116444736000000000
	filetimeNever       = int64(9223372036854775807)
)

func (FiletimeNormalizer) Normalize(values [][]byte) ([]string, error) {
	var out []string
	for _, b := range values {
		s := strings.TrimSpace(string(b))
		if s == "" || s == "0" {
			continue
		}
		ft, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid FILETIME integer: %w", err)
		}
		if ft == filetimeNever {
			continue
		}
		t := time.Unix(0, (ft-filetimeEpochOffset)*100).UTC()
		out = append(out, t.Format(time.RFC3339))
	}
	return out, nil
}

// attributeNormalizers pins well-known attributes regardless of schema.
var attributeNormalizers = map[string]Normalizer{
	"objectguid":         GUIDNormalizer{},
	"objectsid":          SIDNormalizer{},
	"lastlogontimestamp": FiletimeNormalizer{},
	"lastlogon":          FiletimeNormalizer{},
	"pwdlastset":         FiletimeNormalizer{},
	"accountexpires":     FiletimeNormalizer{},
	"badpasswordtime":    FiletimeNormalizer{},
}

// syntaxNormalizers maps Active Directory attributeSyntax/oMSyntax pairs.
// https://learn.microsoft.com/en-us/windows/win32/adschema/syntaxes
var syntaxNormalizers = map[string]Normalizer{
	"2.5.5.10/4":   Base64Normalizer{},
	"2.5.5.10/127": Base64Normalizer{},
	"2.5.5.15/66":  Base64Normalizer{},
	"2.5.5.17/4":   SIDNormalizer{},
}

func normalizerFor(attr string, schema map[string]AttributeSchema) Normalizer {
	if n, ok := attributeNormalizers[strings.ToLower(attr)]; ok {
		return n
	}
	if s, ok := schema[strings.ToLower(attr)]; ok {
		if n, ok := syntaxNormalizers[s.Syntax+"/"+s.OMSyntax]; ok {
			return n
		}
	}
	return StringNormalizer{}
}
