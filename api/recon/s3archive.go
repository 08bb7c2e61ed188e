package recon

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

const (
	archiveDefaultBucket  = "commitrak"
	archivePrefix         = "statements/"
	archiveDefaultRegion  = "us-east-1"
	archiveDefaultBaseURL = "https://commitrak.s3.us-east-1.amazonaws.com/"
)

// Archiver stores original uploaded statement files in S3 so finalized
// batches can always be traced back to the exact bytes the carrier sent.
type Archiver struct {
	bucket  string
	region  string
	baseURL string
}

// NewArchiverFromEnv returns nil when archival is disabled via
// RECON_S3_ENABLED, which keeps local dev free of AWS credentials.
func NewArchiverFromEnv() *Archiver {
	v := strings.TrimSpace(strings.ToLower(os.Getenv("RECON_S3_ENABLED")))
	if v == "" || v == "0" || v == "false" || v == "no" {
		return nil
	}
	a := &Archiver{
		bucket:  archiveDefaultBucket,
		region:  archiveDefaultRegion,
		baseURL: archiveDefaultBaseURL,
	}
	if b := strings.TrimSpace(os.Getenv("RECON_S3_BUCKET")); b != "" {
		a.bucket = b
	}
	if r := strings.TrimSpace(os.Getenv("RECON_S3_REGION")); r != "" {
		a.region = r
	}
	if u := strings.TrimSpace(os.Getenv("RECON_S3_BASE_URL")); u != "" {
		a.baseURL = strings.TrimSuffix(u, "/") + "/"
	}
	return a
}

// Upload archives the original statement bytes, keyed by workspace and
// content hash so re-uploads overwrite the same object.
func (a *Archiver) Upload(ctx context.Context, workspaceID uuid.UUID, filename string, raw []byte) (string, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(a.region))
	if err != nil {
		return "", fmt.Errorf("load AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg)

	sum := sha256.Sum256(raw)
	key := buildArchiveKey(workspaceID, hex.EncodeToString(sum[:]), filepath.Ext(filename))
	contentType := "application/octet-stream"
	if len(raw) > 0 {
		n := len(raw)
		if n > 512 {
			n = 512
		}
		contentType = http.DetectContentType(raw[:n])
	}
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("upload to s3 (bucket %s, key %s): %w", a.bucket, key, err)
	}
	return a.baseURL + key, nil
}

func buildArchiveKey(workspaceID uuid.UUID, fileHash, fileExt string) string {
	ext := strings.TrimSpace(fileExt)
	if ext == "" {
		ext = ".bin"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return fmt.Sprintf("%s%s/%s%s", archivePrefix, workspaceID, fileHash, ext)
}
