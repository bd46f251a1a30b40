package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpgov/policy-gateway/internal/policymodel"
)

func TestSinkWritesOneJSONLinePerRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	sink, err := Open(path)
	require.NoError(t, err)

	sink.Write(Record{
		TraceID:          "t-1",
		EventType:        EventMCPRequest,
		PrincipalSubject: "u1",
		Server:           "github",
		Tool:             "list_repos",
		ParametersHash:   HashPayload(map[string]any{"q": "x"}),
		Decision:         policymodel.ActionAllow,
		PolicyID:         "P1",
		RuleID:           "r1",
		ResponseStatus:   200,
		DurationMS:       12.5,
	})
	sink.Write(Record{TraceID: "t-2", EventType: EventPolicyViolation, Decision: policymodel.ActionDeny})
	require.NoError(t, sink.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		lines = append(lines, rec)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "t-1", lines[0].TraceID)
	assert.Equal(t, EventMCPRequest, lines[0].EventType)
	assert.False(t, lines[0].Timestamp.IsZero(), "sink must stamp records missing a timestamp")
	assert.Equal(t, EventPolicyViolation, lines[1].EventType)
}

func TestAuditRecordNeverCarriesRawParameters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	sink, err := Open(path)
	require.NoError(t, err)

	secret := "sk-live-super-secret-value"
	sink.Write(Record{
		TraceID:        "t-1",
		EventType:      EventMCPRequest,
		ParametersHash: HashPayload(map[string]any{"token": secret}),
	})
	require.NoError(t, sink.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), secret)
}

func TestHashPayloadIsStable(t *testing.T) {
	payload := map[string]any{"to": "alice@corp.example", "n": 3}
	first := HashPayload(payload)
	second := HashPayload(payload)
	assert.Equal(t, first, second)
	assert.Len(t, first, 64)
	assert.NotEqual(t, first, HashPayload(map[string]any{"to": "bob@corp.example"}))
}
