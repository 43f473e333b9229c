// Package codec implements the portable credential string: a session
// serialized to JSON, deflated, checksummed, and encoded URL-safe so it
// can be pasted between machines.
//
// Format: "WC01" || base64url_nopad( zlib_deflate(json) || crc32_be )
package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"strings"
	"time"

	"github.com/klauspost/compress/zlib"

	"github.com/pubplat/scraper/pkg/types"
)

// VersionPrefix gates forward compatibility. Other WC?? prefixes are
// rejected as unsupported versions rather than garbage.
const VersionPrefix = "WC01"

// checksumSize is the trailing CRC32, packed big-endian.
const checksumSize = 4

var (
	// ErrValidation is returned when the session structure is invalid.
	ErrValidation = errors.New("session validation failed")
	// ErrVersion is returned for a WC?? prefix other than the supported one.
	ErrVersion = errors.New("unsupported codec version")
	// ErrChecksum is returned when the embedded CRC32 does not match.
	ErrChecksum = errors.New("checksum mismatch")
	// ErrDecode is returned for any other malformed input.
	ErrDecode = errors.New("decode failed")
)

// Encode serializes a session into the portable string.
func Encode(session *types.Session) (string, error) {
	if err := session.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}

	jsonBytes, err := marshalSession(session)
	if err != nil {
		return "", fmt.Errorf("failed to serialize session: %w", err)
	}

	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return "", fmt.Errorf("failed to create compressor: %w", err)
	}
	if _, err := w.Write(jsonBytes); err != nil {
		w.Close()
		return "", fmt.Errorf("compression failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("compression close failed: %w", err)
	}

	compressed := buf.Bytes()

	var checksum [checksumSize]byte
	binary.BigEndian.PutUint32(checksum[:], crc32.ChecksumIEEE(compressed))

	payload := append(compressed, checksum[:]...)
	encoded := base64.RawURLEncoding.EncodeToString(payload)

	return VersionPrefix + encoded, nil
}

// Decode parses a portable string back into a session. The returned
// error matches ErrVersion, ErrChecksum, ErrDecode, or ErrValidation.
func Decode(encoded string) (*types.Session, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, fmt.Errorf("%w: input is empty", ErrDecode)
	}

	if !strings.HasPrefix(encoded, VersionPrefix) {
		if strings.HasPrefix(encoded, "WC") && len(encoded) >= 4 {
			return nil, fmt.Errorf("%w: got %s, supported %s", ErrVersion, encoded[:4], VersionPrefix)
		}
		return nil, fmt.Errorf("%w: missing version prefix", ErrDecode)
	}

	b64 := encoded[len(VersionPrefix):]
	if b64 == "" {
		return nil, fmt.Errorf("%w: no payload after prefix", ErrDecode)
	}

	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(b64, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrDecode, err)
	}

	if len(payload) < checksumSize+1 {
		return nil, fmt.Errorf("%w: payload truncated", ErrDecode)
	}

	compressed := payload[:len(payload)-checksumSize]
	stored := binary.BigEndian.Uint32(payload[len(payload)-checksumSize:])
	calculated := crc32.ChecksumIEEE(compressed)
	if stored != calculated {
		return nil, fmt.Errorf("%w: expected %08X, got %08X", ErrChecksum, stored, calculated)
	}

	r, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("%w: decompression failed: %v", ErrDecode, err)
	}
	jsonBytes, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: decompression failed: %v", ErrDecode, err)
	}

	var session types.Session
	if err := json.Unmarshal(jsonBytes, &session); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON payload: %v", ErrDecode, err)
	}

	if err := session.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	return &session, nil
}

// QuickValidate checks prefix, length, and base64 decodability without
// verifying the checksum. Cheap enough to run on every keystroke as the
// user pastes a string.
func QuickValidate(encoded string) (bool, string) {
	encoded = strings.TrimSpace(encoded)

	if encoded == "" {
		return false, "string is empty"
	}
	if !strings.HasPrefix(encoded, VersionPrefix) {
		if strings.HasPrefix(encoded, "WC") && len(encoded) >= 4 {
			return false, fmt.Sprintf("unsupported version: %s", encoded[:4])
		}
		return false, "missing version prefix"
	}

	b64 := encoded[len(VersionPrefix):]
	if len(b64) < 10 {
		return false, "payload too short"
	}

	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(b64, "="))
	if err != nil {
		return false, "invalid base64"
	}
	if len(payload) < checksumSize+1 {
		return false, "payload truncated"
	}

	return true, "format ok"
}

// Info is the human-readable summary of a session, shown after decode.
type Info struct {
	TokenPreview string
	CookieCount  int
	CapturedAt   string
	Timestamp    int64
}

// Summarize builds the session summary without exposing the full token.
func Summarize(session *types.Session) Info {
	preview := session.Token
	if len(preview) > 6 {
		preview = preview[:6] + "..."
	}
	return Info{
		TokenPreview: preview,
		CookieCount:  len(session.Cookies),
		CapturedAt:   time.Unix(session.Timestamp, 0).Format("2006-01-02 15:04:05"),
		Timestamp:    session.Timestamp,
	}
}

// marshalSession emits compact JSON with non-ASCII characters preserved
// and fields in declaration order (token, cookies, timestamp).
func marshalSession(session *types.Session) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(session); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
