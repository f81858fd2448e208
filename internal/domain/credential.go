package domain

import (
	"crypto/md5" //nolint:gosec // session ids are non-secret bucket keys, not auth material
	"encoding/hex"
	"fmt"
	"strings"
)

// Region selects upstream endpoints, signing region, and model availability.
type Region string

const (
	RegionCN Region = "cn"
	RegionUS Region = "us"
	// RegionHK covers the HK/SG/JP edge cluster.
	RegionHK Region = "hk"
)

// Credential is a parsed upstream refresh token. The raw token is the secret;
// SessionID is the derived non-secret identity used for quota accounting.
type Credential struct {
	Token     string
	Region    Region
	SessionID string
}

// regionPrefixes maps credential prefix markers onto regions. SG and JP ride
// the HK cluster.
var regionPrefixes = map[string]Region{
	"US": RegionUS,
	"HK": RegionHK,
	"SG": RegionHK,
	"JP": RegionHK,
	"CN": RegionCN,
}

// ParseCredential splits an opaque credential string into its region marker
// and token. Absence of a marker defaults to CN. The session id is
// "session_" + first 16 hex chars of MD5 over the full raw credential, so the
// same string always lands in the same quota bucket.
func ParseCredential(raw string) (Credential, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Credential{}, fmt.Errorf("op=domain.ParseCredential: %w", ErrUnauthorized)
	}
	region := RegionCN
	token := raw
	if prefix, rest, ok := strings.Cut(raw, ":"); ok && rest != "" {
		if r, known := regionPrefixes[strings.ToUpper(prefix)]; known {
			region = r
			token = rest
		}
	}
	sum := md5.Sum([]byte(raw)) //nolint:gosec
	return Credential{
		Token:     token,
		Region:    region,
		SessionID: "session_" + hex.EncodeToString(sum[:])[:16],
	}, nil
}
