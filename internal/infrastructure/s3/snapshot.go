package s3infra

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/go-join-verify/internal/domain"
	"github.com/go-join-verify/internal/infrastructure/filestore"
	"github.com/go-join-verify/internal/pkg/logger"
)

// ObjectAPI is the subset of the S3 client the snapshot store uses.
type ObjectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// SnapshotStore keeps the snapshot as one JSON object. PutObject replaces
// the object atomically, so readers never observe a partial write.
type SnapshotStore struct {
	client ObjectAPI
	bucket string
	key    string
	log    logger.Logger
	mu     sync.Mutex
}

// NewSnapshotStore creates a SnapshotStore for bucket/key.
func NewSnapshotStore(client ObjectAPI, bucket, key string, log logger.Logger) *SnapshotStore {
	return &SnapshotStore{client: client, bucket: bucket, key: key, log: log}
}

func (s *SnapshotStore) Load(ctx context.Context) (domain.Snapshot, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return domain.Snapshot{}, nil
		}
		return domain.Snapshot{}, fmt.Errorf("s3 get object: %w", err)
	}
	defer out.Body.Close()

	b, err := io.ReadAll(out.Body)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("s3 read object: %w", err)
	}
	snap, err := filestore.Decode(b)
	if err != nil {
		s.log.Error().Err(err).Str("bucket", s.bucket).Str("key", s.key).Msg("state object is corrupt, starting empty")
		return domain.Snapshot{}, nil
	}
	return snap, nil
}

func (s *SnapshotStore) Save(ctx context.Context, snap domain.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := filestore.Encode(snap)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key),
		Body:        bytes.NewReader(b),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3 put object: %w", err)
	}
	return nil
}
