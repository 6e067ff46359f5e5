package stores

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/qiniu/go-sdk/v7/auth/qbox"
	"github.com/qiniu/go-sdk/v7/storage"
)

// QiNiuConfig 七牛云归档空间，归档一般放私有空间
type QiNiuConfig struct {
	AccessKey  string `env:"QINIU_ACCESS_KEY"`
	SecretKey  string `env:"QINIU_SECRET_KEY"`
	BucketName string `env:"QINIU_BUCKET"`
	// 绑定的访问域名，如：https://static.example.com
	Domain  string `env:"QINIU_DOMAIN"`
	Private bool   `env:"QINIU_PRIVATE"`
}

type QiNiuStore struct {
	cfg    QiNiuConfig
	mac    *qbox.Mac
	client *http.Client
}

func NewQiNiuStore(cfg QiNiuConfig) (*QiNiuStore, error) {
	if cfg.AccessKey == "" || cfg.SecretKey == "" || cfg.BucketName == "" {
		return nil, errors.New("stores: qiniu access key, secret key and bucket are required")
	}
	return &QiNiuStore{
		cfg:    cfg,
		mac:    qbox.NewMac(cfg.AccessKey, cfg.SecretKey),
		client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (q *QiNiuStore) makeConfig() storage.Config {
	// 区域留空，SDK 首次请求时自动发现
	return storage.Config{UseHTTPS: strings.HasPrefix(strings.ToLower(q.cfg.Domain), "https://")}
}

func (q *QiNiuStore) uploadToken(key string) string {
	// scope 带 key 允许覆盖同名对象（checkpoint 需要）
	p := storage.PutPolicy{
		Scope:   q.cfg.BucketName + ":" + key,
		Expires: 3600,
	}
	return p.UploadToken(q.mac)
}

// Write 表单上传，归档分片不大，整体读入内存
func (q *QiNiuStore) Write(ctx context.Context, key string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	cfg := q.makeConfig()
	uploader := storage.NewFormUploader(&cfg)
	ret := storage.PutRet{}
	return uploader.Put(ctx, &ret, q.uploadToken(key), key, bytes.NewReader(data), int64(len(data)), &storage.PutExtra{})
}

// Exists 612 表示不存在
func (q *QiNiuStore) Exists(_ context.Context, key string) (bool, error) {
	cfg := q.makeConfig()
	bm := storage.NewBucketManager(q.mac, &cfg)
	_, err := bm.Stat(q.cfg.BucketName, key)
	if err == nil {
		return true, nil
	}
	var info *storage.ErrorInfo
	if errors.As(err, &info) && info.Code == 612 {
		return false, nil
	}
	return false, err
}

func (q *QiNiuStore) Delete(_ context.Context, key string) error {
	cfg := q.makeConfig()
	bm := storage.NewBucketManager(q.mac, &cfg)
	err := bm.Delete(q.cfg.BucketName, key)
	var info *storage.ErrorInfo
	if errors.As(err, &info) && info.Code == 612 {
		return nil
	}
	return err
}

// Read 通过下载域名 GET，私有空间用签名 URL
func (q *QiNiuStore) Read(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	u := q.downloadURL(key)
	if u == "" {
		return nil, 0, errors.New("stores: qiniu domain is not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := q.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Body, resp.ContentLength, nil
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, 0, ErrNotFound
	default:
		resp.Body.Close()
		return nil, 0, fmt.Errorf("stores: qiniu read status %d", resp.StatusCode)
	}
}

func (q *QiNiuStore) downloadURL(key string) string {
	if q.cfg.Domain == "" {
		return ""
	}
	d := q.cfg.Domain
	if !strings.HasPrefix(d, "http://") && !strings.HasPrefix(d, "https://") {
		d = "http://" + d
	}
	if !q.cfg.Private {
		return storage.MakePublicURLv2(d, key)
	}
	deadline := time.Now().Add(time.Hour).Unix()
	return storage.MakePrivateURL(q.mac, d, key, deadline)
}
