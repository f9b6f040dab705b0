package protocol

import (
	"encoding/hex"
	"encoding/json"
	"math"
	"strings"

	"golang.org/x/crypto/blake2b"
)

type fingerprintInput struct {
	Kind     Kind   `json:"k"`
	Code     string `json:"c"`
	Title    string `json:"t"`
	Author   string `json:"a"`
	LoanDate string `json:"l"`
	DueDate  string `json:"d"`
	Second   int64  `json:"s"`
}

// Fingerprint derives a request id from the normalized payload and the
// envelope timestamp truncated to the second. Redeliveries of one message
// share a fingerprint; so do two independent submissions of an identical
// payload within the same second.
func Fingerprint(e Envelope) string {
	in := fingerprintInput{
		Kind:     Kind(strings.ToLower(strings.TrimSpace(string(e.Kind)))),
		Code:     strings.TrimSpace(e.Payload.Code),
		Title:    strings.TrimSpace(e.Payload.Title),
		Author:   strings.TrimSpace(e.Payload.Author),
		LoanDate: e.Payload.LoanDate.String(),
		DueDate:  e.Payload.DueDate.String(),
		Second:   int64(math.Floor(float64(e.Timestamp))),
	}
	data, _ := json.Marshal(in)
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}
