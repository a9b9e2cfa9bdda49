package wecom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/gaoyangz77/easyclaw/config"
	"github.com/gaoyangz77/easyclaw/internal/logger"
	"github.com/gaoyangz77/easyclaw/types"
)

// DefaultBaseURL 企业微信官方接口地址
const DefaultBaseURL = "https://qyapi.weixin.qq.com"

// tokenSafetyMargin access_token 提前该时长视为过期，避免边界上调用失败
const tokenSafetyMargin = 5 * time.Minute

// Client 企业微信客服 API 客户端。
// 覆盖中继需要的面：取 token、拉取/发送消息、媒体上传下载、获客链接、结束会话。
type Client struct {
	corpID   string
	secret   string
	openKfID string
	baseURL  string

	httpClient *http.Client
	retry      *types.RetryStrategy

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient 创建客服 API 客户端
func NewClient(cfg *config.WeComConfig) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		corpID:     cfg.CorpID,
		secret:     cfg.Secret,
		openKfID:   cfg.OpenKfID,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retry:      types.NewDefaultRetryStrategy(),
	}
}

// OpenKfID 返回配置的客服账号 id（入站消息按此过滤）
func (c *Client) OpenKfID() string {
	return c.openKfID
}

// AccessToken 返回缓存的 access_token，过期则重新获取
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	token, err := types.RetryWithResult(ctx, c.retry, func() (string, error) {
		return c.fetchToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// fetchToken 调用 gettoken；调用方持有 c.mu
func (c *Client) fetchToken(ctx context.Context) (string, error) {
	u := fmt.Sprintf("%s/cgi-bin/gettoken?corpid=%s&corpsecret=%s",
		c.baseURL, url.QueryEscape(c.corpID), url.QueryEscape(c.secret))

	body, err := c.get(ctx, u)
	if err != nil {
		return "", err
	}
	if err := apiError("gettoken", body); err != nil {
		return "", err
	}

	token := gjson.GetBytes(body, "access_token").String()
	if token == "" {
		return "", types.NewUpstreamAPIError("gettoken", fmt.Errorf("empty access_token"))
	}
	expiresIn := gjson.GetBytes(body, "expires_in").Int()
	if expiresIn <= 0 {
		expiresIn = 7200
	}

	c.token = token
	c.tokenExpiry = time.Now().Add(time.Duration(expiresIn)*time.Second - tokenSafetyMargin)
	logger.Debug("wecom access token refreshed", zap.Int64("expires_in", expiresIn))
	return token, nil
}

// SendText 发送文本消息给外部用户
func (c *Client) SendText(ctx context.Context, toUser, content string) error {
	payload := map[string]interface{}{
		"touser":    toUser,
		"open_kfid": c.openKfID,
		"msgtype":   "text",
		"text":      map[string]string{"content": content},
	}
	body, err := c.postJSON(ctx, "/cgi-bin/kf/send_msg", payload)
	if err != nil {
		return err
	}
	return apiError("send_msg", body)
}

// SendImage 发送图片消息（media_id 须先经 UploadMedia 获得）
func (c *Client) SendImage(ctx context.Context, toUser, mediaID string) error {
	payload := map[string]interface{}{
		"touser":    toUser,
		"open_kfid": c.openKfID,
		"msgtype":   "image",
		"image":     map[string]string{"media_id": mediaID},
	}
	body, err := c.postJSON(ctx, "/cgi-bin/kf/send_msg", payload)
	if err != nil {
		return err
	}
	return apiError("send_msg", body)
}

// UploadMedia 上传临时素材，返回 media_id
func (c *Client) UploadMedia(ctx context.Context, mediaType, filename string, data []byte) (string, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("media", filename)
	if err != nil {
		return "", fmt.Errorf("creating multipart form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("writing media payload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("closing multipart form: %w", err)
	}

	u := fmt.Sprintf("%s/cgi-bin/media/upload?access_token=%s&type=%s",
		c.baseURL, url.QueryEscape(token), url.QueryEscape(mediaType))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &buf)
	if err != nil {
		return "", fmt.Errorf("building upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	body, err := c.do(req)
	if err != nil {
		return "", err
	}
	if err := apiError("media/upload", body); err != nil {
		return "", err
	}

	mediaID := gjson.GetBytes(body, "media_id").String()
	if mediaID == "" {
		return "", types.NewUpstreamAPIError("media/upload", fmt.Errorf("empty media_id"))
	}
	return mediaID, nil
}

// DownloadMedia 下载媒体文件，返回内容与 MIME 类型
func (c *Client) DownloadMedia(ctx context.Context, mediaID string) ([]byte, string, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, "", err
	}

	u := fmt.Sprintf("%s/cgi-bin/media/get?access_token=%s&media_id=%s",
		c.baseURL, url.QueryEscape(token), url.QueryEscape(mediaID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", fmt.Errorf("building download request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", types.NewUpstreamAPIError("media/get", err)
	}
	defer resp.Body.Close() // nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", types.NewUpstreamAPIError("media/get", err)
	}

	contentType := resp.Header.Get("Content-Type")
	// 下载失败时返回的是 JSON 错误体而不是媒体内容
	if strings.HasPrefix(contentType, "application/json") || strings.HasPrefix(contentType, "text/plain") {
		if err := apiError("media/get", body); err != nil {
			return nil, "", err
		}
	}
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}
	return body, contentType, nil
}

// AddContactWay 生成携带场景参数的客服链接（扫码配对入口）
func (c *Client) AddContactWay(ctx context.Context, scene string) (string, error) {
	payload := map[string]interface{}{
		"open_kfid": c.openKfID,
		"scene":     scene,
	}
	body, err := c.postJSON(ctx, "/cgi-bin/kf/add_contact_way", payload)
	if err != nil {
		return "", err
	}
	if err := apiError("add_contact_way", body); err != nil {
		return "", err
	}

	u := gjson.GetBytes(body, "url").String()
	if u == "" {
		return "", types.NewUpstreamAPIError("add_contact_way", fmt.Errorf("empty url"))
	}
	return u, nil
}

// EndSession 结束外部用户的客服会话（解绑时尽力而为调用）
func (c *Client) EndSession(ctx context.Context, externalUserID string) error {
	payload := map[string]interface{}{
		"open_kfid":       c.openKfID,
		"external_userid": externalUserID,
		"service_state":   4, // 已结束
	}
	body, err := c.postJSON(ctx, "/cgi-bin/kf/service_state/trans", payload)
	if err != nil {
		return err
	}
	return apiError("service_state/trans", body)
}

// SyncMessages 用回调携带的 token 拉取增量消息，返回消息列表与新 cursor
func (c *Client) SyncMessages(ctx context.Context, cursor, callbackToken string) ([]Message, string, error) {
	payload := map[string]interface{}{
		"cursor":    cursor,
		"token":     callbackToken,
		"open_kfid": c.openKfID,
	}
	body, err := c.postJSON(ctx, "/cgi-bin/kf/sync_msg", payload)
	if err != nil {
		return nil, cursor, err
	}
	if err := apiError("sync_msg", body); err != nil {
		return nil, cursor, err
	}

	var messages []Message
	gjson.GetBytes(body, "msg_list").ForEach(func(_, item gjson.Result) bool {
		messages = append(messages, parseMessage(item))
		return true
	})

	next := gjson.GetBytes(body, "next_cursor").String()
	if next == "" {
		next = cursor
	}
	return messages, next, nil
}

// parseMessage 把 sync_msg 的一条记录归一化为 Message
func parseMessage(item gjson.Result) Message {
	m := Message{
		MsgID:          item.Get("msgid").String(),
		OpenKfID:       item.Get("open_kfid").String(),
		ExternalUserID: item.Get("external_userid").String(),
		SendTime:       item.Get("send_time").Int(),
		MsgType:        item.Get("msgtype").String(),
	}
	switch m.MsgType {
	case MsgTypeText:
		m.Content = item.Get("text.content").String()
	case MsgTypeImage:
		m.MediaID = item.Get("image.media_id").String()
	case MsgTypeVoice:
		m.MediaID = item.Get("voice.media_id").String()
	case MsgTypeEvent:
		m.EventType = item.Get("event.event_type").String()
		m.SceneParam = item.Get("event.scene_param").String()
		if m.OpenKfID == "" {
			m.OpenKfID = item.Get("event.open_kfid").String()
		}
		if m.ExternalUserID == "" {
			m.ExternalUserID = item.Get("event.external_userid").String()
		}
	}
	return m
}

// postJSON 向带 access_token 的接口 POST JSON
func (c *Client) postJSON(ctx context.Context, path string, payload map[string]interface{}) ([]byte, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload for %s: %w", path, err)
	}

	u := fmt.Sprintf("%s%s?access_token=%s", c.baseURL, path, url.QueryEscape(token))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req)
}

func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, types.NewUpstreamAPIError(req.URL.Path, err)
	}
	defer resp.Body.Close() // nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewUpstreamAPIError(req.URL.Path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, types.NewUpstreamAPIError(req.URL.Path,
			fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(body, 200)))
	}
	return body, nil
}

// apiError 检查响应体的 errcode，非零转为 UpstreamAPIError
func apiError(op string, body []byte) error {
	code := gjson.GetBytes(body, "errcode").Int()
	if code == 0 {
		return nil
	}
	msg := gjson.GetBytes(body, "errmsg").String()
	return types.NewUpstreamAPIError(op, fmt.Errorf("errcode %d: %s", code, msg))
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
