// Package remote wraps the S3-compatible object store operations the
// freeze and thaw workers need: idempotent PUT with a storage-class
// header, HEAD for existence/size/restore-status checks, GET, LIST by
// prefix, and the archival-tier restore-initiate request.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/cryophile/cryophile/internal/cryoerrors"
)

// RestoreStatus reports an object's archival-tier state as observed via
// HEAD, for the thaw worker's poll loop.
type RestoreStatus int

const (
	// RestoreStatusReady means the object's storage class does not
	// require a restore request, or a prior restore has completed and
	// the temporary hot copy is available for GET.
	RestoreStatusReady RestoreStatus = iota
	// RestoreStatusInProgress means a restore request is outstanding.
	RestoreStatusInProgress
	// RestoreStatusNotRequested means the object lives in an archival
	// class and no restore request has been issued for it yet.
	RestoreStatusNotRequested
)

// ObjectInfo describes a remote object as seen by Head or List.
type ObjectInfo struct {
	Key string
	Size int64
	StorageClass string
	Restore RestoreStatus
}

// Client is the remote object store surface the freeze and thaw
// workers depend on.
type Client interface {
	// Put uploads an object under the given storage class. Idempotent:
	// callers are expected to HEAD first and skip on a matching size.
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, storageClass string) error
	// Head returns ObjectInfo for key, or, when the object does not
	// exist, a RemotePermanent error wrapping ErrNotFound that the
	// caller can detect with errors.Is(err, ErrNotFound).
	Head(ctx context.Context, bucket, key string) (ObjectInfo, error)
	// Get streams the object body. The caller must Close it.
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	// List enumerates objects under prefix, handling pagination
	// internally and returning the full set.
	List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
	// InitiateRestore issues an archival-tier restore request for
	// expiryDays. A RestoreAlreadyInProgress condition is not an error
	// — callers get a nil error and should keep polling via Head.
	InitiateRestore(ctx context.Context, bucket, key string, expiryDays int32) error
}

// ErrNotFound is returned (wrapped) by Head when the object does not
// exist.
var ErrNotFound = errors.New("remote: object not found")

type s3Client struct {
	api *s3.Client
	bucket string
}

// Config names the connection parameters for one remote store, after
// ResolveEndpointRegion has filled in provider defaults.
type Config struct {
	Provider string
	Endpoint string
	Region string
	AccessKey string
	SecretKey string
	PathStyle bool
}

// NewClient builds a Client from cfg, selecting path-style addressing
// and a custom endpoint as the provider requires.
func NewClient(ctx context.Context, cfg Config) (Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey, cfg.SecretKey, "",
		)),
	)
	if err != nil {
		return nil, cryoerrors.New(cryoerrors.KindConfig, "remote.NewClient", err)
	}

	var opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.PathStyle {
		opts = append(opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return &s3Client{api: s3.NewFromConfig(awsCfg, opts...)}, nil
}

func (c *s3Client) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, storageClass string) error {
	_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key: aws.String(key),
		Body: body,
		ContentLength: aws.Int64(size),
		StorageClass: types.StorageClass(storageClass),
	})
	if err != nil {
		return wrapRemoteError("remote.Put", err)
	}
	return nil
}

func (c *s3Client) Head(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key: aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return ObjectInfo{}, cryoerrors.New(cryoerrors.KindRemotePermanent, "remote.Head",
				fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound))
		}
		return ObjectInfo{}, wrapRemoteError("remote.Head", err)
	}

	storageClass := string(out.StorageClass)
	restore := parseRestoreHeader(aws.ToString(out.Restore))
	if restore == RestoreStatusReady && aws.ToString(out.Restore) == "" && isArchivalStorageClass(storageClass) {
		restore = RestoreStatusNotRequested
	}

	info := ObjectInfo{
		Key: key,
		Size: aws.ToInt64(out.ContentLength),
		StorageClass: storageClass,
		Restore: restore,
	}
	return info, nil
}

func (c *s3Client) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key: aws.String(key),
	})
	if err != nil {
		return nil, wrapRemoteError("remote.Get", err)
	}
	return out.Body, nil
}

func (c *s3Client) List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	var token *string
	for {
		out, err := c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket: aws.String(bucket),
			Prefix: aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, wrapRemoteError("remote.List", err)
		}
		for _, obj := range out.Contents {
			storageClass := string(obj.StorageClass)
			// LIST carries no restore status; an archival-class object
			// is reported NotRequested so the caller requests a restore
			// and confirms readiness via Head.
			restore := RestoreStatusReady
			if isArchivalStorageClass(storageClass) {
				restore = RestoreStatusNotRequested
			}
			objects = append(objects, ObjectInfo{
				Key: aws.ToString(obj.Key),
				Size: aws.ToInt64(obj.Size),
				StorageClass: storageClass,
				Restore: restore,
			})
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	return objects, nil
}

func (c *s3Client) InitiateRestore(ctx context.Context, bucket, key string, expiryDays int32) error {
	_, err := c.api.RestoreObject(ctx, &s3.RestoreObjectInput{
		Bucket: aws.String(bucket),
		Key: aws.String(key),
		RestoreRequest: &types.RestoreRequest{
			Days: aws.Int32(expiryDays),
			GlacierJobParameters: &types.GlacierJobParameters{
				Tier: types.TierStandard,
			},
		},
	})
	if err != nil {
		if isRestoreAlreadyInProgress(err) {
			return nil
		}
		return wrapRemoteError("remote.InitiateRestore", err)
	}
	return nil
}

// parseRestoreHeader interprets the x-amz-restore header value S3
// returns on HEAD for archival objects, e.g.
// `ongoing-request="true"` while a restore is in progress, or
// `ongoing-request="false", expiry-date="..."` once it has completed.
func parseRestoreHeader(header string) RestoreStatus {
	if header == "" {
		return RestoreStatusReady
	}
	if containsOngoingTrue(header) {
		return RestoreStatusInProgress
	}
	return RestoreStatusReady
}

// isArchivalStorageClass reports whether storageClass requires a
// restore request before the object body can be read. This is an S3
// wire-format concept independent of the provider registry in
// providers.go: GLACIER and DEEP_ARCHIVE always require a restore;
// GLACIER_IR serves reads directly and does not.
func isArchivalStorageClass(storageClass string) bool {
	switch storageClass {
	case "GLACIER", "DEEP_ARCHIVE":
		return true
	default:
		return false
	}
}

func containsOngoingTrue(header string) bool {
	const needle = `ongoing-request="true"`
	for i := 0; i+len(needle) <= len(header); i++ {
		if header[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == 404
	}
	return false
}

func isRestoreAlreadyInProgress(err error) bool {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == 409
	}
	return false
}

// wrapRemoteError classifies an AWS SDK error as RemoteTransient
// (worth a local retry with backoff) or RemotePermanent (auth, quota,
// precondition — surfaces immediately without retrying).
func wrapRemoteError(op string, err error) error {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case 401, 403, 404, 412:
			return cryoerrors.New(cryoerrors.KindRemotePermanent, op, err)
		}
	}
	return cryoerrors.New(cryoerrors.KindRemoteTransient, op, err)
}

// RetryBackoff computes the exponential-backoff-with-jitter delay for
// attempt (1-indexed), bounded by max. Shared by the freeze worker's
// upload-retry loop and the thaw worker's readiness-poll loop, with
// each caller supplying its own base/max/jitter.
func RetryBackoff(attempt int, base, max time.Duration, jitter func(n int64) int64) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > max {
			d = max
			break
		}
	}
	if jitter != nil && d > 0 {
		d = time.Duration(jitter(int64(d)))
	}
	if d > max {
		d = max
	}
	return d
}
