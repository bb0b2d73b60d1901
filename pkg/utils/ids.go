package utils

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DeviceCodeChars contains allowed characters for device activation codes.
	DeviceCodeChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	// DeviceCodeLength is the length of generated device activation codes.
	DeviceCodeLength = 6
)

// GenerateDeviceCode generates a short out-of-band activation code
// (uppercase alphanumeric). Uniqueness is the caller's concern.
func GenerateDeviceCode() (string, error) {
	return randomString(DeviceCodeChars, DeviceCodeLength)
}

// Format: device_<unix-ms>_<9 base36 chars>.
func GenerateDeviceID() string {
	suffix, err := randomString("abcdefghijklmnopqrstuvwxyz0123456789", 9)
	if err != nil {
		// crypto/rand failure is unrecoverable for id generation; fall back
		// to a time-derived suffix rather than returning an error to every
		// caller on a path that cannot fail in practice.
		suffix = strconv.FormatInt(time.Now().UnixNano(), 36)
		if len(suffix) > 9 {
			suffix = suffix[len(suffix)-9:]
		}
	}
	return fmt.Sprintf("device_%d_%s", time.Now().UnixMilli(), suffix)
}

// GenerateRequestID generates an unguessable correlation id for an
// in-flight request/response pair. UUIDv4, never reused within a server
// lifetime.
func GenerateRequestID() string {
	return uuid.NewString()
}

func randomString(charset string, length int) (string, error) {
	result := make([]byte, length)
	charsLen := big.NewInt(int64(len(charset)))

	for i := 0; i < length; i++ {
		num, err := rand.Int(rand.Reader, charsLen)
		if err != nil {
			return "", err
		}
		result[i] = charset[num.Int64()]
	}

	return string(result), nil
}

// TruncateUserAgent caps a user-agent string at max bytes for storage.
func TruncateUserAgent(ua string, max int) string {
	if len(ua) <= max {
		return ua
	}
	return ua[:max]
}

// IsPrivateIP reports whether the address belongs to a loopback or private
// range that must never hit the external geolocation service.
func IsPrivateIP(ip string) bool {
	if ip == "" || ip == "unknown" {
		return true
	}
	return strings.HasPrefix(ip, "127.") ||
		strings.HasPrefix(ip, "192.168.") ||
		strings.HasPrefix(ip, "10.")
}
