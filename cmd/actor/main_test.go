package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"libralink/internal/dispatch"
	"libralink/internal/protocol"
)

func TestPrintUnresolved(t *testing.T) {
	var out bytes.Buffer
	printUnresolved(&out, "unresolved.jsonl", nil)
	assert.Equal(t, "No unresolved operations in unresolved.jsonl\n", out.String())

	out.Reset()
	env := protocol.NewEnvelope(protocol.KindLoan, protocol.LoanRequest{Code: "B1"}, time.Now())
	printUnresolved(&out, "unresolved.jsonl", []dispatch.UnresolvedEntry{{
		RequestID:  "r-1",
		Kind:       protocol.KindLoan,
		Envelope:   env,
		Sites:      []string{"http://a", "http://b"},
		Attempts:   2,
		Error:      "all sites unreachable",
		RecordedAt: time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC),
	}})
	assert.Contains(t, out.String(), "1 unresolved operations in unresolved.jsonl")
	assert.Contains(t, out.String(), "2026-10-19T08:00:00Z")
	assert.Contains(t, out.String(), "id=r-1 sites=http://a,http://b attempts=2: all sites unreachable")
}
