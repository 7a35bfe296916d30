package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
)

// Downloader 获取远程资源正文。调用方负责关闭返回的 ReadCloser。
type Downloader interface {
	Download(ctx context.Context, uri string) (io.ReadCloser, error)
}

// DownloaderFunc adapts a function to the Downloader interface.
type DownloaderFunc func(ctx context.Context, uri string) (io.ReadCloser, error)

// Download makes DownloaderFunc satisfy Downloader.
func (f DownloaderFunc) Download(ctx context.Context, uri string) (io.ReadCloser, error) {
	return f(ctx, uri)
}

// ErrUnsupportedScheme 表示 URI 不是 http/https。
var ErrUnsupportedScheme = errors.New("unsupported uri scheme")

// StatusError 表示上游返回了非 200 状态码。
type StatusError struct {
	URI        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("download %s failed with status %d", e.URI, e.StatusCode)
}

// HTTPDownloaderOptions 控制 HTTPDownloader 的重试与请求头。
type HTTPDownloaderOptions struct {
	Client         *http.Client
	MaxRetries     int
	InitialBackoff time.Duration
	UserAgent      string
	Logger         *logrus.Logger
}

// HTTPDownloader 通过共享 http.Client 下载图片。网络错误与 5xx 按指数退避重试，
// 4xx 直接失败。
type HTTPDownloader struct {
	client     *http.Client
	maxRetries int
	backoff    time.Duration
	userAgent  string
	logger     *logrus.Logger
}

// NewHTTPDownloader 构造下载器，未提供 Client 时使用 http.DefaultClient。
func NewHTTPDownloader(opts HTTPDownloaderOptions) *HTTPDownloader {
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	backoff := opts.InitialBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	retries := opts.MaxRetries
	if retries < 0 {
		retries = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &HTTPDownloader{
		client:     client,
		maxRetries: retries,
		backoff:    backoff,
		userAgent:  opts.UserAgent,
		logger:     logger,
	}
}

func (d *HTTPDownloader) Download(ctx context.Context, uri string) (io.ReadCloser, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse uri: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, parsed.Scheme)
	}

	for attempt := 0; ; attempt++ {
		body, retryable, err := d.do(ctx, uri)
		if err == nil {
			return body, nil
		}
		if !retryable || attempt >= d.maxRetries {
			return nil, err
		}

		wait := d.backoff << attempt
		d.logger.WithError(err).WithFields(logrus.Fields{
			"action":  "download_retry",
			"uri":     uri,
			"attempt": attempt + 1,
			"wait":    wait.String(),
		}).Debug("download_retry")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (d *HTTPDownloader) do(ctx context.Context, uri string) (io.ReadCloser, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, false, err
	}
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, resp.StatusCode >= http.StatusInternalServerError, &StatusError{URI: uri, StatusCode: resp.StatusCode}
	}
	return resp.Body, false, nil
}
