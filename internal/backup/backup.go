// Package backup copies the state document to somewhere off the local
// machine and back: the remote host's home directory or an S3 bucket.
package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/shawl-hpc/shawl/internal/config"
	"github.com/shawl-hpc/shawl/internal/constants"
	"github.com/shawl-hpc/shawl/internal/remote"
)

// ErrEmptyBackup is returned by Load when the stored document is empty.
var ErrEmptyBackup = errors.New("backup is empty")

// Target stores one backup document.
type Target interface {
	Name() string
	Save(ctx context.Context, data []byte) error
	Load(ctx context.Context) ([]byte, error)
}

// RemoteTarget keeps the backup as a single file on the remote host.
// A relative path resolves against the remote home directory.
type RemoteTarget struct {
	session remote.Session
	path    string
}

// NewRemoteTarget returns a target writing to path on the session's host.
// An empty path means ~/shawl.json.
func NewRemoteTarget(session remote.Session, path string) *RemoteTarget {
	if path == "" {
		path = constants.RemoteBackupName
	}
	return &RemoteTarget{session: session, path: path}
}

func (t *RemoteTarget) Name() string { return "remote:" + t.path }

func (t *RemoteTarget) Save(ctx context.Context, data []byte) error {
	tmp, err := os.CreateTemp("", "shawl-backup-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := remote.EnsureConnected(ctx, t.session); err != nil {
		return err
	}
	if err := t.session.Push(ctx, tmp.Name(), t.path, false); err != nil {
		return fmt.Errorf("failed to upload backup: %w", err)
	}
	return nil
}

func (t *RemoteTarget) Load(ctx context.Context) ([]byte, error) {
	dir, err := os.MkdirTemp("", "shawl-restore-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)
	local := filepath.Join(dir, constants.RemoteBackupName)

	if err := remote.EnsureConnected(ctx, t.session); err != nil {
		return nil, err
	}
	if err := t.session.Pull(ctx, t.path, local, false); err != nil {
		return nil, fmt.Errorf("failed to download backup: %w", err)
	}
	data, err := os.ReadFile(local)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyBackup
	}
	return data, nil
}

// ObjectAPI is the part of *s3.Client the S3 target uses.
type ObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Target keeps the backup as one object.
type S3Target struct {
	client ObjectAPI
	bucket string
	key    string
}

// NewS3Target wraps an existing client.
func NewS3Target(client ObjectAPI, bucket, key string) *S3Target {
	if key == "" {
		key = constants.DefaultBackupKey
	}
	return &S3Target{client: client, bucket: bucket, key: key}
}

// NewS3TargetFromConfig builds an S3 client from the default AWS credential
// chain, honouring the configured region and endpoint.
func NewS3TargetFromConfig(ctx context.Context, cfg config.BackupConfig) (*S3Target, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.S3Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.S3Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		})
	}
	return NewS3Target(s3.NewFromConfig(awsCfg, s3Opts...), cfg.S3Bucket, cfg.S3Key), nil
}

func (t *S3Target) Name() string { return "s3://" + t.bucket + "/" + t.key }

func (t *S3Target) Save(ctx context.Context, data []byte) error {
	_, err := t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(t.bucket),
		Key:           aws.String(t.key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", t.Name(), err)
	}
	return nil
}

func (t *S3Target) Load(ctx context.Context) ([]byte, error) {
	out, err := t.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(t.key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", t.Name(), err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", t.Name(), err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyBackup
	}
	return data, nil
}

// Select returns the S3 target when a bucket is configured, otherwise the
// remote home target.
func Select(ctx context.Context, cfg config.BackupConfig, session remote.Session) (Target, error) {
	if cfg.S3Bucket == "" {
		return NewRemoteTarget(session, ""), nil
	}
	return NewS3TargetFromConfig(ctx, cfg)
}
