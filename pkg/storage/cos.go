package stores

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"

	cos "github.com/tencentyun/cos-go-sdk-v5"
)

// CosConfig 腾讯云 COS，BucketURL 形如 https://examplebucket-1250000000.cos.ap-guangzhou.myqcloud.com
type CosConfig struct {
	BucketURL string `env:"COS_BUCKET_URL"`
	SecretID  string `env:"COS_SECRET_ID"`
	SecretKey string `env:"COS_SECRET_KEY"`
}

type CosStore struct {
	client *cos.Client
}

func NewCosStore(cfg CosConfig) (*CosStore, error) {
	if cfg.BucketURL == "" {
		return nil, errors.New("stores: cos bucket url is required")
	}
	u, err := url.Parse(cfg.BucketURL)
	if err != nil {
		return nil, err
	}
	client := cos.NewClient(&cos.BaseURL{BucketURL: u}, &http.Client{
		Transport: &cos.AuthorizationTransport{
			SecretID:  cfg.SecretID,
			SecretKey: cfg.SecretKey,
		},
	})
	return &CosStore{client: client}, nil
}

func (c *CosStore) Write(ctx context.Context, key string, r io.Reader) error {
	_, err := c.client.Object.Put(ctx, key, r, &cos.ObjectPutOptions{
		ObjectPutHeaderOptions: &cos.ObjectPutHeaderOptions{ContentType: contentType(key)},
	})
	return err
}

func (c *CosStore) Read(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	resp, err := c.client.Object.Get(ctx, key, nil)
	if err != nil {
		if cos.IsNotFoundError(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, err
	}
	return resp.Body, resp.ContentLength, nil
}

func (c *CosStore) Delete(ctx context.Context, key string) error {
	_, err := c.client.Object.Delete(ctx, key)
	return err
}

func (c *CosStore) Exists(ctx context.Context, key string) (bool, error) {
	return c.client.Object.IsExist(ctx, key)
}
