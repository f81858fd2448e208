// Package datauri decodes RFC 2397 data URIs and bare base64 payloads into
// raw bytes. Only base64-encoded data URIs are supported; the upstream image
// services never produce percent-encoded ones.
package datauri

import (
	"encoding/base64"
	"errors"
	"strings"
)

// ErrNotDataURI is returned by Parse when the input lacks the data: scheme.
var ErrNotDataURI = errors.New("datauri: not a data URI")

// IsDataURI reports whether s looks like a data URI.
func IsDataURI(s string) bool {
	return strings.HasPrefix(s, "data:")
}

// Parse decodes a base64 data URI, returning the declared media type and the
// raw bytes. The media type may be empty when the URI omits it.
func Parse(s string) (mediaType string, data []byte, err error) {
	if !IsDataURI(s) {
		return "", nil, ErrNotDataURI
	}
	rest := s[len("data:"):]
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, errors.New("datauri: missing comma separator")
	}
	if !strings.HasSuffix(meta, ";base64") {
		return "", nil, errors.New("datauri: only base64 encoding supported")
	}
	mediaType = strings.TrimSuffix(meta, ";base64")
	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		// Some clients emit URL-safe alphabets; accept those too.
		data, err = base64.URLEncoding.DecodeString(payload)
		if err != nil {
			return "", nil, errors.New("datauri: invalid base64 payload")
		}
	}
	return mediaType, data, nil
}

// DecodeBase64 decodes a bare base64 string, tolerating both standard and
// URL-safe alphabets with or without padding.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("datauri: invalid base64 input")
}
