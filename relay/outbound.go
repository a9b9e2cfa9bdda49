package relay

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"

	"go.uber.org/zap"

	"github.com/gaoyangz77/easyclaw/internal/logger"
)

// OutboundHandler 把网关回复帧转换为平台接口调用。
// 平台调用失败原样上抛，由分发层决定回 error 帧；中继自身从不重试。
type OutboundHandler struct {
	api PlatformAPI
}

// NewOutboundHandler 创建出站处理器
func NewOutboundHandler(api PlatformAPI) *OutboundHandler {
	return &OutboundHandler{api: api}
}

// HandleReply 处理文本回复帧
func (h *OutboundHandler) HandleReply(ctx context.Context, f *Frame) error {
	if f.CustomerID == "" {
		return fmt.Errorf("reply frame missing customer_id")
	}
	if err := h.api.SendText(ctx, f.CustomerID, f.Content); err != nil {
		return err
	}

	logger.Debug("reply delivered",
		zap.String("id", f.ID),
		zap.String("customer_id", f.CustomerID))
	return nil
}

// HandleImageReply 处理图片回复帧：解码 → 上传换 media_id → 发送。
// 两步任一失败都按一次整体失败上报，不暴露中间状态。
func (h *OutboundHandler) HandleImageReply(ctx context.Context, f *Frame) error {
	if f.CustomerID == "" {
		return fmt.Errorf("image_reply frame missing customer_id")
	}

	data, err := base64.StdEncoding.DecodeString(f.ImageData)
	if err != nil {
		return fmt.Errorf("decoding image payload: %w", err)
	}

	filename := "reply" + extensionForMime(f.ImageMime)
	mediaID, err := h.api.UploadMedia(ctx, "image", filename, data)
	if err != nil {
		return err
	}

	if err := h.api.SendImage(ctx, f.CustomerID, mediaID); err != nil {
		return err
	}

	logger.Debug("image reply delivered",
		zap.String("id", f.ID),
		zap.String("customer_id", f.CustomerID),
		zap.Int("bytes", len(data)))
	return nil
}

// extensionForMime 根据 MIME 推断上传文件名后缀，默认 .jpg
func extensionForMime(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/jpeg", "":
		return ".jpg"
	}
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".jpg"
}
