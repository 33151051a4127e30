package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

const DefaultFingerprintThreshold = 0.8

// FingerprintInput holds the request attributes a device fingerprint is derived from.
type FingerprintInput struct {
	UserAgent      string
	AcceptLanguage string
	AcceptEncoding string
	Accept         string
	Ip             string
}

type Fingerprinter struct {
	Key []byte
	// Threshold is the minimal similarity of an untrusted device to its baseline.
	Threshold float64
}

// Compute returns hex encoded HMAC-SHA256 of the input attributes.
func (f *Fingerprinter) Compute(in FingerprintInput) string {
	mac := hmac.New(sha256.New, f.Key)
	for _, part := range []string{in.UserAgent, in.AcceptLanguage, in.AcceptEncoding, in.Accept, in.Ip} {
		mac.Write([]byte(part))
		mac.Write([]byte{0})
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// Matches compares current fingerprint against the baseline. The similarity
// is returned even when it passes.
func (f *Fingerprinter) Matches(baseline string, current string) (float64, bool) {
	similarity := Similarity(baseline, current)
	threshold := f.Threshold
	if threshold <= 0 {
		threshold = DefaultFingerprintThreshold
	}
	return similarity, similarity >= threshold
}

// Similarity is the ratio of positions holding the same character, relative
// to the longer string.
func Similarity(a string, b string) float64 {
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 1
	}
	shortest := len(a) + len(b) - longest
	matches := 0
	for i := 0; i < shortest; i++ {
		if a[i] == b[i] {
			matches++
		}
	}
	return float64(matches) / float64(longest)
}
