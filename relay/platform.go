package relay

import (
	"context"

	"github.com/gaoyangz77/easyclaw/wecom"
)

// PlatformAPI 中继依赖的平台接口面（由 wecom.Client 实现，测试用 fake）
type PlatformAPI interface {
	OpenKfID() string
	SendText(ctx context.Context, toUser, content string) error
	SendImage(ctx context.Context, toUser, mediaID string) error
	UploadMedia(ctx context.Context, mediaType, filename string, data []byte) (string, error)
	DownloadMedia(ctx context.Context, mediaID string) ([]byte, string, error)
	AddContactWay(ctx context.Context, scene string) (string, error)
	EndSession(ctx context.Context, externalUserID string) error
	SyncMessages(ctx context.Context, cursor, callbackToken string) ([]wecom.Message, string, error)
}

var _ PlatformAPI = (*wecom.Client)(nil)
