package ledger

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID returns a random identifier for any ledger record.
func NewID[T ~string]() T {
	return T(uuid.NewString())
}

// NewReferralCode returns an "AF" prefixed code: base36 timestamp plus four random characters.
func NewReferralCode(now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "AF" + strings.ToUpper(strconv.FormatInt(now.UnixMilli(), 36)+random[:4])
}

// ReferralURL builds the public affiliate link. The product is not exposed in the URL.
func ReferralURL(baseURL, code string) string {
	return strings.TrimRight(baseURL, "/") + "/checkout?ref=" + code
}
