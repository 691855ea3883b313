package aws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"

	"scenesync/core"
	"scenesync/stores/blob"
)

const keyPrefix = "controllers/"

// objectAPI is the part of the S3 client the store uses.
type objectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type s3Backend struct {
	client objectAPI
	bucket string
}

// NewRowStore creates an S3-backed store with one object per session.
func NewRowStore(bucketName string) core.RowStore {
	cfg, err := config.LoadDefaultConfig(context.TODO())
	if err != nil {
		log.Fatalf("unable to load SDK config, %v", err)
	}
	return newRowStore(s3.NewFromConfig(cfg), bucketName)
}

func newRowStore(client objectAPI, bucket string) core.RowStore {
	return blob.NewRowStore(&s3Backend{client: client, bucket: bucket})
}

func objectKey(id string) (string, error) {
	if id == "" || id == "." || id == ".." || path.Base(id) != id {
		return "", fmt.Errorf("invalid session id %q", id)
	}
	return keyPrefix + id + ".json", nil
}

func (b *s3Backend) Load(ctx context.Context, id string) (*core.Row, error) {
	key, err := objectKey(id)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get row %s: %w", id, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read row data: %w", err)
	}

	var row core.Row
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("failed to unmarshal row data: %w", err)
	}
	return &row, nil
}

func (b *s3Backend) Save(ctx context.Context, row *core.Row) error {
	key, err := objectKey(row.ID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal row: %w", err)
	}

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to save row %s: %w", row.ID, err)
	}

	logrus.WithFields(logrus.Fields{
		"session_id": row.ID,
		"bucket":     b.bucket,
		"key":        key,
	}).Debug("Row saved successfully")
	return nil
}
