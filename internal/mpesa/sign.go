package mpesa

import (
	"encoding/base64"
	"time"
)

// Timestamp formats t as YYYYMMDDHHMMSS, local wall clock with no offset,
// which is what the provider expects on signed requests.
func Timestamp(t time.Time) string {
	return t.Format("20060102150405")
}

// Password derives the request password: base64(shortcode + passkey + timestamp).
// It must be re-derived per request because the provider rejects stale timestamps.
func Password(shortcode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortcode + passkey + timestamp))
}
