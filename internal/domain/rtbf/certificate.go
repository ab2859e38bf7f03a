package rtbf

import (
	"time"

	"github.com/davidleathers/privacy-decision-gateway/internal/domain/errors"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/values"
)

// DefaultComplianceStandards are stamped on certificates unless configured.
var DefaultComplianceStandards = []string{"GDPR_Art17", "CCPA", "DPDP"}

// CertifiedStep is the part of a step result covered by the certificate
// hash.
type CertifiedStep struct {
	Status          StepStatus `json:"status"`
	RecordsAffected int        `json:"records_affected"`
}

// Certificate proves a completed erasure. It is immutable once issued.
type Certificate struct {
	RequestID           string                   `json:"request_id"`
	SubjectID           string                   `json:"subject_id"`
	DeletionTimestamp   time.Time                `json:"deletion_timestamp"`
	LayerStatus         map[string]CertifiedStep `json:"layer_status"`
	ComplianceStandards []string                 `json:"compliance_standards"`
	CertificateHash     string                   `json:"certificate_hash"`
}

func certifiedSteps(steps map[string]StepResult) map[string]CertifiedStep {
	out := make(map[string]CertifiedStep, len(steps))
	for name, r := range steps {
		out[name] = CertifiedStep{Status: r.Status, RecordsAffected: r.RecordsAffected}
	}
	return out
}

// CertificateHash is "sha256:" over the canonical JSON of subject, step
// outcomes and deletion time.
func CertificateHash(subjectID string, steps map[string]CertifiedStep, deletedAt time.Time) (string, error) {
	return values.CanonicalHash(struct {
		SubjectID         string                   `json:"subject_id"`
		LayerStatus       map[string]CertifiedStep `json:"layer_status"`
		DeletionTimestamp string                   `json:"deletion_timestamp"`
	}{
		SubjectID:         subjectID,
		LayerStatus:       steps,
		DeletionTimestamp: deletedAt.UTC().Format(time.RFC3339Nano),
	})
}

// IssueCertificate certifies req. Only completed requests qualify.
func IssueCertificate(req *Request, deletedAt time.Time, standards []string) (*Certificate, error) {
	if req.Status != StatusCompleted {
		return nil, errors.NewValidationError("ERASURE_INCOMPLETE", "certificates are issued only for completed erasures")
	}
	if len(standards) == 0 {
		standards = DefaultComplianceStandards
	}
	steps := certifiedSteps(req.LayerStatus)
	hash, err := CertificateHash(req.SubjectID, steps, deletedAt)
	if err != nil {
		return nil, err
	}
	return &Certificate{
		RequestID:           req.ID,
		SubjectID:           req.SubjectID,
		DeletionTimestamp:   deletedAt.UTC(),
		LayerStatus:         steps,
		ComplianceStandards: append([]string(nil), standards...),
		CertificateHash:     hash,
	}, nil
}

// VerifyCertificate recomputes the hash from req's recorded outcomes and
// compares it with the certificate's.
func VerifyCertificate(cert *Certificate, req *Request) bool {
	if cert == nil || req == nil || req.Status != StatusCompleted || cert.SubjectID != req.SubjectID {
		return false
	}
	hash, err := CertificateHash(req.SubjectID, certifiedSteps(req.LayerStatus), cert.DeletionTimestamp)
	if err != nil {
		return false
	}
	return hash == cert.CertificateHash
}
