package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/davidleathers/privacy-decision-gateway/internal/domain/errors"
	"github.com/davidleathers/privacy-decision-gateway/internal/domain/rtbf"
	"github.com/davidleathers/privacy-decision-gateway/internal/infrastructure/config"
)

// API is the slice of the S3 client the archive uses.
type API interface {
	manager.UploadAPIClient
	s3.ListObjectsV2APIClient
}

// NewS3Client builds a client from the default AWS credential chain. A
// custom endpoint switches to path-style addressing for MinIO and
// LocalStack.
func NewS3Client(ctx context.Context, cfg config.ArchiveConfig) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, errors.NewInternalError("failed to load AWS config").WithCause(err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// CertificateArchiver writes issued deletion certificates to S3 as JSON
// under <prefix><yyyy>/<mm>/<request_id>.json.
type CertificateArchiver struct {
	bucket   string
	prefix   string
	uploader *manager.Uploader
	logger   *zap.Logger
}

func NewCertificateArchiver(client API, cfg config.ArchiveConfig, logger *zap.Logger) *CertificateArchiver {
	return &CertificateArchiver{
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		uploader: manager.NewUploader(client),
		logger:   logger.Named("archive"),
	}
}

// Key returns the object key for a certificate.
func (a *CertificateArchiver) Key(cert *rtbf.Certificate) string {
	ts := cert.DeletionTimestamp.UTC()
	return path.Join(a.prefix, fmt.Sprintf("%04d", ts.Year()), fmt.Sprintf("%02d", ts.Month()), cert.RequestID+".json")
}

func (a *CertificateArchiver) Archive(ctx context.Context, cert *rtbf.Certificate) error {
	if cert == nil || cert.RequestID == "" {
		return errors.NewValidationError("INVALID_CERTIFICATE", "certificate with a request id is required")
	}
	body, err := json.Marshal(cert)
	if err != nil {
		return errors.NewInternalError("failed to encode certificate").WithCause(err)
	}

	key := a.Key(cert)
	out, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(a.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
		Metadata: map[string]string{
			"certificate-hash": cert.CertificateHash,
			"request-id":       cert.RequestID,
		},
	})
	if err != nil {
		return errors.NewExternalError("s3", "failed to upload certificate").WithCause(err)
	}

	a.logger.Info("deletion certificate archived",
		zap.String("request_id", cert.RequestID),
		zap.String("location", out.Location))
	return nil
}

// BackupMarker flags every backup snapshot under the backup prefix for
// purge at its next rotation by writing a marker object listing them.
type BackupMarker struct {
	client     API
	bucket     string
	prefix     string
	markPrefix string
	uploader   *manager.Uploader
	logger     *zap.Logger
}

func NewBackupMarker(client API, cfg config.ArchiveConfig, logger *zap.Logger) *BackupMarker {
	return &BackupMarker{
		client:     client,
		bucket:     cfg.Bucket,
		prefix:     cfg.BackupPrefix,
		markPrefix: path.Join(cfg.Prefix, "rotation-marks"),
		uploader:   manager.NewUploader(client),
		logger:     logger.Named("archive"),
	}
}

type rotationMark struct {
	SubjectHash string   `json:"subject_hash"`
	Snapshots   []string `json:"snapshots"`
}

// MarkForRotation returns the number of snapshots marked.
func (m *BackupMarker) MarkForRotation(ctx context.Context, subjectID string) (int, error) {
	if subjectID == "" {
		return 0, errors.NewValidationError("MISSING_SUBJECT", "subject_id is required")
	}

	snapshots := make([]string, 0)
	p := s3.NewListObjectsV2Paginator(m.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(m.bucket),
		Prefix: aws.String(m.prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return 0, errors.NewExternalError("s3", "failed to list backup snapshots").WithCause(err)
		}
		for _, obj := range page.Contents {
			snapshots = append(snapshots, aws.ToString(obj.Key))
		}
	}

	// The marker is keyed by a digest so the subject id never appears in
	// object names.
	sum := sha256.Sum256([]byte(subjectID))
	digest := hex.EncodeToString(sum[:])
	body, err := json.Marshal(rotationMark{SubjectHash: digest, Snapshots: snapshots})
	if err != nil {
		return 0, errors.NewInternalError("failed to encode rotation mark").WithCause(err)
	}
	if _, err := m.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(path.Join(m.markPrefix, digest+".json")),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	}); err != nil {
		return 0, errors.NewExternalError("s3", "failed to write rotation mark").WithCause(err)
	}

	m.logger.Debug("backups marked for rotation", zap.Int("snapshots", len(snapshots)))
	return len(snapshots), nil
}
