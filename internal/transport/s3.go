package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"syftsync/internal/config"
	"syftsync/internal/sync"
)

// S3Binding uses a shared bucket as the mailbox medium. Folder keys map to
// object prefixes; grants live in a .grants object per folder. All peers of
// one medium share bucket credentials; the bucket plays the role of the
// shared drive, and grant objects carry the mailbox-level access model.
type S3Binding struct {
	client     *s3.Client
	uploader   *manager.Uploader
	bucket     string
	prefix     string
	localEmail string
}

// NewS3Binding builds the client from config and verifies bucket access so
// misconfiguration fails at construction, not on first send.
func NewS3Binding(ctx context.Context, cfg config.TransportConfig, localEmail string) (*S3Binding, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3 transport requires s3_bucket to be set")
	}

	region := cfg.S3Region
	if region == "" {
		region = "us-east-1"
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(region))
	if cfg.S3AccessKeyID != "" && cfg.S3SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.S3Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		})
	}
	if cfg.S3ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.S3Bucket)}); err != nil {
		return nil, fmt.Errorf("%w: bucket %s not accessible: %v", sync.ErrAuth, cfg.S3Bucket, err)
	}

	prefix := cfg.S3Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &S3Binding{
		client:     client,
		uploader:   manager.NewUploader(client),
		bucket:     cfg.S3Bucket,
		prefix:     prefix,
		localEmail: localEmail,
	}, nil
}

func (b *S3Binding) Name() string { return "s3" }

func (b *S3Binding) Capabilities() sync.Capabilities {
	return sync.Capabilities{
		MaxBlobSize:      5 * 1024 * 1024 * 1024 * 1024, // S3 object limit
		SupportsDeletion: true,
		SupportsSharing:  true,
	}
}

func (b *S3Binding) folderPrefix(key string) string {
	return b.prefix + key + "/"
}

func (b *S3Binding) grantsKey(key string) string {
	return b.folderPrefix(key) + grantsFileName
}

// EnsureFolder materializes the folder as its grants object; S3 has no real
// directories.
func (b *S3Binding) EnsureFolder(key string) error {
	ctx := context.Background()
	grants, err := b.readGrants(ctx, key)
	if err != nil {
		var nf *sync.NotFoundError
		if !errors.As(err, &nf) {
			return err
		}
		grants = map[string]string{}
	}
	if _, ok := grants[b.localEmail]; ok {
		return nil
	}
	grants[b.localEmail] = sync.RoleWriter
	return b.writeGrants(ctx, key, grants)
}

func (b *S3Binding) Upload(key, blobName string, r io.Reader, size int64) (string, error) {
	ctx := context.Background()
	if _, err := b.readGrants(ctx, key); err != nil {
		return "", err
	}

	objectKey := b.folderPrefix(key) + blobName
	if _, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(objectKey),
		Body:   r,
	}); err != nil {
		return "", &sync.TransientError{Op: "upload", Err: err}
	}
	return objectKey, nil
}

func (b *S3Binding) List(key string) ([]sync.BlobInfo, error) {
	ctx := context.Background()
	if _, err := b.readGrants(ctx, key); err != nil {
		return nil, err
	}

	prefix := b.folderPrefix(key)
	var blobs []sync.BlobInfo
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, &sync.TransientError{Op: "list", Err: err}
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" || strings.HasPrefix(name, ".") || strings.Contains(name, "/") {
				continue
			}
			blobs = append(blobs, sync.BlobInfo{
				Name: name,
				ID:   aws.ToString(obj.Key),
				Size: aws.ToInt64(obj.Size),
			})
		}
	}
	return blobs, nil
}

func (b *S3Binding) Download(id string, w io.Writer) error {
	ctx := context.Background()
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		if isNotFound(err) {
			return &sync.NotFoundError{Kind: "blob", Name: id}
		}
		return &sync.TransientError{Op: "download", Err: err}
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return &sync.TransientError{Op: "download", Err: err}
	}
	return nil
}

// Delete removes a blob; S3 delete is already idempotent.
func (b *S3Binding) Delete(id string) error {
	ctx := context.Background()
	if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(id),
	}); err != nil {
		return &sync.TransientError{Op: "delete", Err: err}
	}
	return nil
}

func (b *S3Binding) Share(key, email, role string) error {
	ctx := context.Background()
	grants, err := b.readGrants(ctx, key)
	if err != nil {
		return err
	}
	grants[email] = role
	return b.writeGrants(ctx, key, grants)
}

func (b *S3Binding) Revoke(key, email string) error {
	ctx := context.Background()
	grants, err := b.readGrants(ctx, key)
	if err != nil {
		var nf *sync.NotFoundError
		if errors.As(err, &nf) {
			return nil
		}
		return err
	}
	delete(grants, email)
	return b.writeGrants(ctx, key, grants)
}

// SharedWithMe enumerates folder prefixes and keeps those whose grants
// include the local email.
func (b *S3Binding) SharedWithMe() ([]string, error) {
	ctx := context.Background()
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.bucket),
		Prefix:    aws.String(b.prefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, &sync.TransientError{Op: "shared_with_me", Err: err}
		}
		for _, cp := range page.CommonPrefixes {
			folder := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), b.prefix), "/")
			if folder == "" {
				continue
			}
			grants, err := b.readGrants(ctx, folder)
			if err != nil {
				continue
			}
			if _, ok := grants[b.localEmail]; ok {
				keys = append(keys, folder)
			}
		}
	}
	return keys, nil
}

func (b *S3Binding) readGrants(ctx context.Context, key string) (map[string]string, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.grantsKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, &sync.NotFoundError{Kind: "folder", Name: key}
		}
		return nil, &sync.TransientError{Op: "read_grants", Err: err}
	}
	defer out.Body.Close()

	grants := map[string]string{}
	if err := json.NewDecoder(out.Body).Decode(&grants); err != nil {
		return nil, fmt.Errorf("decoding grants for %s: %w", key, err)
	}
	return grants, nil
}

func (b *S3Binding) writeGrants(ctx context.Context, key string, grants map[string]string) error {
	data, err := json.Marshal(grants)
	if err != nil {
		return fmt.Errorf("encoding grants: %w", err)
	}
	if _, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.grantsKey(key)),
		Body:   bytes.NewReader(data),
	}); err != nil {
		return &sync.TransientError{Op: "write_grants", Err: err}
	}
	return nil
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	// HeadObject returns a generic error with status 404.
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404 {
		return true
	}
	return false
}

// Compile-time check that S3Binding implements sync.Binding
var _ sync.Binding = (*S3Binding)(nil)
