package dreamina

import (
	"crypto/md5" //nolint:gosec // upstream protocol requires MD5 request signing
	"encoding/hex"
	"fmt"
	"strings"
)

// platformCode and the sign salt pair are fixed constants of the web client's
// request signing scheme.
const (
	platformCode = "7"
	signPrefix   = "9e2c"
	signSuffix   = "11ac"
)

// signRequest computes the sign header for a request path at a given
// device-time: md5("9e2c|<last 7 chars of path>|7|<version>|<ts>||11ac").
func signRequest(path, version string, deviceTime int64) string {
	tail := path
	if len(tail) > 7 {
		tail = tail[len(tail)-7:]
	}
	payload := fmt.Sprintf("%s|%s|%s|%s|%d||%s", signPrefix, tail, platformCode, version, deviceTime, signSuffix)
	sum := md5.Sum([]byte(payload)) //nolint:gosec // protocol constant
	return hex.EncodeToString(sum[:])
}

// deriveNumericID builds a stable pseudo device/web id from a seed. The web
// client uses random 19-digit identifiers; deriving them from the session
// keeps one identity per credential across restarts.
func deriveNumericID(seed string, digits int) string {
	sum := md5.Sum([]byte(seed)) //nolint:gosec // non-cryptographic id derivation
	var b strings.Builder
	b.Grow(digits)
	// Leading 7 matches the id space the web client allocates from.
	b.WriteByte('7')
	for i := 0; b.Len() < digits; i++ {
		b.WriteByte('0' + sum[i%len(sum)]%10)
	}
	return b.String()
}
