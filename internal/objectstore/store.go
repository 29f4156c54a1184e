// Package objectstore is the archival object-store client: it uploads
// mixed-stereo WAV recordings produced by internal/audio to S3, keyed
// by root_call_sid so a transfer's pre- and post-hand-off legs land
// under one prefix.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/wolfman30/shiftcascade/pkg/logging"
)

// API is the subset of the S3 client Store uses, grounded on the
// teacher's archive.S3API narrowing.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Store archives call recordings to S3.
type Store struct {
	bucket string
	client API
	logger *logging.Logger
}

// New builds a Store. If bucket is empty, Upload is a no-op — mirrors
// the teacher's archive.Store.Enabled() guard so a missing
// S3_RECORDINGS_BUCKET degrades gracefully in dev rather than panicking.
func New(client API, bucket string, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{bucket: bucket, client: client, logger: logger}
}

// Enabled reports whether archival is configured.
func (s *Store) Enabled() bool {
	return s != nil && s.bucket != "" && s.client != nil
}

// Upload writes a WAV recording under recordings/{rootCallSID}/{startedAt}.wav
// and returns the object's URI. Upload failures are returned to the
// caller (internal/audio), which logs against root_call_sid per spec.md
// §7 and never lets an archival failure affect escalation correctness.
func (s *Store) Upload(ctx context.Context, rootCallSID string, startedAt time.Time, wav []byte) (string, error) {
	if !s.Enabled() {
		return "", nil
	}
	key := fmt.Sprintf("recordings/%s/%s.wav", rootCallSID, startedAt.UTC().Format("20060102T150405Z"))

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(wav),
		ContentType: aws.String("audio/wav"),
	})
	if err != nil {
		return "", fmt.Errorf("objectstore: upload %s: %w", key, err)
	}

	uri := fmt.Sprintf("s3://%s/%s", s.bucket, key)
	s.logger.Info("objectstore: uploaded recording", "root_call_sid", rootCallSID, "uri", uri, "bytes", len(wav))
	return uri, nil
}
