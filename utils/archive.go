// utils/archive.go
package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gosimple/slug"

	"github.com/jrkphani/pipeline-pulse-sub001/models"
)

var archiveClient *s3.Client
var archiveBucket string

// InitArchive configures the S3-compatible bucket that finished sync-run
// reports are copied into. Returns false (and no error) when the archive is
// simply not configured — it is an optional feature.
func InitArchive() (bool, error) {
	accountID := os.Getenv("CLOUDFLARE_ACCOUNT_ID")
	accessKeyID := os.Getenv("R2_ACCESS_KEY_ID")
	accessKeySecret := os.Getenv("R2_ACCESS_KEY_SECRET")
	archiveBucket = os.Getenv("R2_BUCKET_NAME")

	if accountID == "" || accessKeyID == "" || archiveBucket == "" {
		return false, nil
	}

	cfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion("auto"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKeyID, accessKeySecret, "",
		)),
		config.WithEndpointResolver(aws.EndpointResolverFunc(
			func(service, region string) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL: fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID),
				}, nil
			}),
		),
	)
	if err != nil {
		return false, fmt.Errorf("failed to load archive config: %w", err)
	}

	archiveClient = s3.NewFromConfig(cfg)
	return true, nil
}

// UploadRunReport archives one finalized sync run as JSON under a slugged
// key, e.g. sync-runs/delta-2024-01-01t06-00-00z-3f2a….json.
func UploadRunReport(ctx context.Context, run *models.SyncRun) (string, error) {
	if archiveClient == nil {
		return "", fmt.Errorf("archive not initialized")
	}

	payload, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode run report: %w", err)
	}

	key := fmt.Sprintf("sync-runs/%s.json",
		slug.Make(fmt.Sprintf("%s %s %s", run.Mode, run.StartedAt.Format("2006-01-02T15:04:05Z"), run.ID[:8])))

	_, err = archiveClient.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(archiveBucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload run report: %w", err)
	}
	return key, nil
}
