package rtbf

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/privacy-decision-gateway/internal/domain/errors"
)

func TestParseScope(t *testing.T) {
	tests := []struct {
		name    string
		scope   []string
		want    []Layer
		invalid bool
	}{
		{name: "empty means all", scope: nil, want: AllLayers()},
		{name: "all keyword", scope: []string{"all"}, want: AllLayers()},
		{name: "subset dedupes", scope: []string{"cache_layer", "backups", "cache_layer"}, want: []Layer{LayerCache, LayerBackups}},
		{name: "unknown layer", scope: []string{"tape_vault"}, invalid: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseScope(tt.scope)
			if tt.invalid {
				assert.True(t, errors.IsValidation(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetermineStatus(t *testing.T) {
	ok := StepResult{Status: StepCompleted}
	bad := StepResult{Status: StepFailed}

	assert.Equal(t, StatusCompleted, DetermineStatus(map[string]StepResult{"a": ok, "b": ok}))
	assert.Equal(t, StatusPartial, DetermineStatus(map[string]StepResult{"a": ok, "b": bad}))
	assert.Equal(t, StatusFailed, DetermineStatus(map[string]StepResult{"a": bad}))
	assert.Equal(t, StatusFailed, DetermineStatus(map[string]StepResult{}))
}

func TestNewRequestID(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	id := NewRequestID("user-1", now)

	assert.True(t, strings.HasPrefix(id, "RTBF_"))
	assert.Len(t, id, len("RTBF_")+16)
	assert.NotEqual(t, id, NewRequestID("user-1", now.Add(time.Nanosecond)))
}

func completedRequest() *Request {
	return &Request{
		ID:        "RTBF_0123456789abcdef",
		SubjectID: "user-1",
		Status:    StatusCompleted,
		LayerStatus: map[string]StepResult{
			StepConsentRegistry:    {Status: StepCompleted, RecordsAffected: 1},
			string(LayerCache):     {Status: StepCompleted, RecordsAffected: 3},
			string(LayerAuditLogs): {Status: StepCompleted, RecordsAffected: 7},
		},
	}
}

func TestCertificate_TamperEvidence(t *testing.T) {
	at := time.Date(2026, 5, 5, 5, 5, 5, 5, time.UTC)
	req := completedRequest()

	cert, err := IssueCertificate(req, at, nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(cert.CertificateHash, "sha256:"))
	assert.Equal(t, DefaultComplianceStandards, cert.ComplianceStandards)
	assert.True(t, VerifyCertificate(cert, req))

	again, err := IssueCertificate(completedRequest(), at, nil)
	require.NoError(t, err)
	assert.Equal(t, cert.CertificateHash, again.CertificateHash, "hash is deterministic")

	tampered := completedRequest()
	tampered.LayerStatus[string(LayerCache)] = StepResult{Status: StepCompleted, RecordsAffected: 4}
	assert.False(t, VerifyCertificate(cert, tampered))

	other, err := IssueCertificate(tampered, at, nil)
	require.NoError(t, err)
	assert.NotEqual(t, cert.CertificateHash, other.CertificateHash)
}

func TestIssueCertificate_RequiresCompleted(t *testing.T) {
	req := completedRequest()
	req.Status = StatusPartial
	_, err := IssueCertificate(req, time.Now(), nil)
	assert.True(t, errors.IsValidation(err))
}

func TestMemoryRequestStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryRequestStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	first := completedRequest()
	first.ID = "RTBF_a"
	first.CreatedAt = base
	first.Certificate = &Certificate{CertificateHash: "sha256:a"}
	second := completedRequest()
	second.ID = "RTBF_b"
	second.CreatedAt = base.Add(time.Hour)
	second.Certificate = &Certificate{CertificateHash: "sha256:b"}
	partial := &Request{ID: "RTBF_c", SubjectID: "user-1", Status: StatusPartial, CreatedAt: base.Add(2 * time.Hour)}

	for _, r := range []*Request{first, second, partial} {
		require.NoError(t, s.Save(ctx, r))
	}

	latest, err := s.LatestCompleted(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "RTBF_b", latest.ID)

	partials, err := s.List(ctx, StatusPartial)
	require.NoError(t, err)
	assert.Len(t, partials, 1)

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = s.LatestCompleted(ctx, "someone-else")
	assert.True(t, errors.IsNotFound(err))

	got, err := s.Get(ctx, "RTBF_a")
	require.NoError(t, err)
	got.LayerStatus["x"] = StepResult{}
	again, _ := s.Get(ctx, "RTBF_a")
	assert.NotContains(t, again.LayerStatus, "x")
}

func TestMemoryBlockList(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBlockList()

	added, err := b.Block(ctx, "u", time.Now())
	require.NoError(t, err)
	assert.True(t, added)

	added, err = b.Block(ctx, "u", time.Now())
	require.NoError(t, err)
	assert.False(t, added)

	blocked, err := b.IsBlocked(ctx, "u")
	require.NoError(t, err)
	assert.True(t, blocked)
}
