package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/imgcache/imgcache/internal/cache"
	"github.com/imgcache/imgcache/internal/logging"
)

var errInvalidTTL = errors.New("ttl must be a positive number of milliseconds")

// maxTTLMillis 是换算成 time.Duration 不溢出的最大毫秒数。
const maxTTLMillis = math.MaxInt64 / int64(time.Millisecond)

type imageHandler struct {
	cache  *cache.Service
	logger *logrus.Logger
}

// resolvePayload 是 /-/resolve 的响应体，local_reference 为空时输出 null。
type resolvePayload struct {
	LocalReference *string `json:"local_reference"`
	IsLoading      bool    `json:"is_loading"`
	Error          string  `json:"error,omitempty"`
	Source         string  `json:"source"`
	Key            string  `json:"key,omitempty"`
}

// serve 解析 uri 并直接输出本地正文；缓存链路失败时 302 到原始地址。
func (h *imageHandler) serve(c fiber.Ctx) error {
	req, err := parseImageRequest(c)
	if err != nil {
		return writeError(c, fiber.StatusBadRequest, "invalid_ttl")
	}
	if req.URI == "" {
		return writeError(c, fiber.StatusBadRequest, "uri_required")
	}

	result := h.cache.Resolve(requestContext(c), req)
	c.Set("X-Imgcache-Source", string(result.Source))
	if result.Key != "" {
		c.Set("X-Imgcache-Key", result.Key)
	}

	if !result.Cached() {
		if result.Err != nil {
			c.Set("X-Imgcache-Error", result.Err.Error())
		}
		return c.Redirect().Status(fiber.StatusFound).To(result.LocalReference)
	}
	return h.streamFile(c, result)
}

func (h *imageHandler) streamFile(c fiber.Ctx, result cache.Result) error {
	file, err := os.Open(result.LocalReference)
	if err != nil {
		h.logger.WithError(err).
			WithFields(logging.CacheFields("", result.Key, string(result.Source))).
			WithField("request_id", RequestID(c)).
			Warn("cache_read_failed")
		return writeError(c, fiber.StatusInternalServerError, "cache_read_failed")
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return writeError(c, fiber.StatusInternalServerError, "cache_read_failed")
	}

	sniff := make([]byte, 512)
	n, _ := io.ReadFull(file, sniff)
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return writeError(c, fiber.StatusInternalServerError, "cache_read_failed")
	}

	c.Set(fiber.HeaderContentType, http.DetectContentType(sniff[:n]))
	c.Response().Header.SetContentLength(int(info.Size()))
	c.Status(fiber.StatusOK)

	if c.Method() == http.MethodHead {
		return nil
	}
	if _, err := io.Copy(c.Response().BodyWriter(), file); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("read cache failed: %v", err))
	}
	return nil
}

// resolve 返回解析结果本身，供调用方自行决定如何使用本地路径。
func (h *imageHandler) resolve(c fiber.Ctx) error {
	req, err := parseImageRequest(c)
	if err != nil {
		return writeError(c, fiber.StatusBadRequest, "invalid_ttl")
	}

	result := h.cache.Resolve(requestContext(c), req)
	payload := resolvePayload{
		IsLoading: result.Loading,
		Source:    string(result.Source),
		Key:       result.Key,
	}
	if result.LocalReference != "" {
		ref := result.LocalReference
		payload.LocalReference = &ref
	}
	if result.Err != nil {
		payload.Error = result.Err.Error()
	}
	return c.JSON(payload)
}

func (h *imageHandler) stats(c fiber.Ctx) error {
	return c.JSON(h.cache.Stats(requestContext(c)))
}

func (h *imageHandler) clear(c fiber.Ctx) error {
	if err := h.cache.ClearAll(requestContext(c)); err != nil {
		return writeError(c, fiber.StatusInternalServerError, "clear_failed")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// parseImageRequest 读取 uri/key/ttl 查询参数，ttl 以毫秒计。
func parseImageRequest(c fiber.Ctx) (cache.Request, error) {
	req := cache.Request{
		URI:      strings.TrimSpace(c.Query("uri")),
		CacheKey: strings.TrimSpace(c.Query("key")),
	}
	if raw := strings.TrimSpace(c.Query("ttl")); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms <= 0 || ms > maxTTLMillis {
			return req, errInvalidTTL
		}
		req.TTL = time.Duration(ms) * time.Millisecond
	}
	return req, nil
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}

func writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}
