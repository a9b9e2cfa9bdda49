package stt

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/gaoyangz77/easyclaw/types"
)

// Client 本地语音转写服务的 HTTP 客户端。
// 服务地址可配；为空时语音消息走占位文案降级。
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient 创建转写客户端
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Enabled 是否配置了转写服务
func (c *Client) Enabled() bool {
	return c.baseURL != ""
}

// Transcribe 上传音频并返回转写文本
func (c *Client) Transcribe(ctx context.Context, audio []byte, format string) (string, error) {
	if c.baseURL == "" {
		return "", types.NewUpstreamAPIError("stt service not configured", nil)
	}
	if format == "" {
		format = "amr"
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "voice."+format)
	if err != nil {
		return "", fmt.Errorf("creating form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("writing audio data: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("closing multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transcribe", &buf)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", types.NewUpstreamAPIError("stt request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading stt response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", types.NewUpstreamAPIError(
			fmt.Sprintf("stt service returned status %d", resp.StatusCode), nil)
	}

	text := gjson.GetBytes(body, "text")
	if !text.Exists() {
		return "", types.NewUpstreamAPIError("stt response missing text field", nil)
	}
	return text.String(), nil
}
