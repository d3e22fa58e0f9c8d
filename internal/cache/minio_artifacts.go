package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/proxycad/proxycad/internal/config"
)

// NewMinioArtifacts 连接对象存储并确保桶存在，产物对象键为 <key>/<file>。
func NewMinioArtifacts(ctx context.Context, cfg config.ArtifactsConfig) (ArtifactStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newObjectTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &minioArtifacts{client: minioClient{client}, bucket: cfg.Bucket}, nil
}

// objectClient 是产物存储用到的对象操作子集。
type objectClient interface {
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	StatObject(ctx context.Context, bucket, object string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	OpenObject(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	RemoveObject(ctx context.Context, bucket, object string, opts minio.RemoveObjectOptions) error
}

type minioClient struct {
	*minio.Client
}

func (c minioClient) OpenObject(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return c.GetObject(ctx, bucket, object, minio.GetObjectOptions{})
}

type minioArtifacts struct {
	client objectClient
	bucket string
}

func objectKey(key, name string) string {
	return path.Join(key, path.Base(filepath.ToSlash(name)))
}

func (a *minioArtifacts) Commit(ctx context.Context, key, dir string, names []string) error {
	if ok, err := a.Exists(ctx, key, names); err == nil && ok {
		return os.RemoveAll(dir)
	}
	for _, name := range names {
		opts := minio.PutObjectOptions{ContentType: mime.TypeByExtension(filepath.Ext(name))}
		if opts.ContentType == "" {
			opts.ContentType = "application/octet-stream"
		}
		if _, err := a.client.FPutObject(ctx, a.bucket, objectKey(key, name), filepath.Join(dir, name), opts); err != nil {
			_ = a.Delete(context.WithoutCancel(ctx), key)
			return fmt.Errorf("upload %s: %w", name, err)
		}
	}
	return os.RemoveAll(dir)
}

func (a *minioArtifacts) Exists(ctx context.Context, key string, names []string) (bool, error) {
	for _, name := range names {
		if _, err := a.client.StatObject(ctx, a.bucket, objectKey(key, name), minio.StatObjectOptions{}); err != nil {
			if isNoSuchKey(err) {
				return false, nil
			}
			return false, err
		}
	}
	return true, nil
}

func (a *minioArtifacts) Open(ctx context.Context, key, name string) (io.ReadCloser, int64, error) {
	info, err := a.client.StatObject(ctx, a.bucket, objectKey(key, name), minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, err
	}
	obj, err := a.client.OpenObject(ctx, a.bucket, objectKey(key, name))
	if err != nil {
		return nil, 0, err
	}
	return obj, info.Size, nil
}

func (a *minioArtifacts) Delete(ctx context.Context, key string) error {
	var errs []error
	for obj := range a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{Prefix: key + "/", Recursive: true}) {
		if obj.Err != nil {
			errs = append(errs, obj.Err)
			continue
		}
		if err := a.client.RemoveObject(ctx, a.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *minioArtifacts) Locate(key, name string) string {
	return "s3://" + a.bucket + "/" + objectKey(key, name)
}

func isNoSuchKey(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

func newObjectTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
