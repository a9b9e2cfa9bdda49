package gateway

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// 智能体回复里的内联标记
const noReplyMarker = "[no-reply]"

// 发给用户的语音降级文案
const textVoiceFallback = "[收到语音消息，暂不支持语音回复]"

// 形如 [img:/absolute/path.png] 的附件标记
var mediaPathPattern = regexp.MustCompile(`\[img:([^\]]+)\]`)

// Attachment 从回复文本中提取出的本地图片
type Attachment struct {
	Path string
	Data []byte
	Mime string
}

// ExtractAttachments 拆出回复中的附件标记，返回剔除标记后的文本与附件路径列表
func ExtractAttachments(text string) (string, []string) {
	matches := mediaPathPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return text, nil
	}

	paths := make([]string, 0, len(matches))
	for _, m := range matches {
		paths = append(paths, strings.TrimSpace(m[1]))
	}

	cleaned := mediaPathPattern.ReplaceAllString(text, "")
	return strings.TrimSpace(cleaned), paths
}

// LoadAttachment 读取本地图片并探测 MIME 类型
func LoadAttachment(path string) (*Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading attachment: %w", err)
	}

	mime := http.DetectContentType(data)
	if !strings.HasPrefix(mime, "image/") {
		// 探测失败时按扩展名兜底
		switch strings.ToLower(filepath.Ext(path)) {
		case ".png":
			mime = "image/png"
		case ".jpg", ".jpeg":
			mime = "image/jpeg"
		case ".gif":
			mime = "image/gif"
		default:
			return nil, fmt.Errorf("attachment is not an image: %s", path)
		}
	}

	return &Attachment{Path: path, Data: data, Mime: mime}, nil
}

// StripNoReply 剔除免回复标记，返回剩余文本与标记是否出现。
// 标记不区分大小写；剔除后为空即表示整条回复应被抑制。
func StripNoReply(text string) (string, bool) {
	lower := strings.ToLower(text)
	idx := strings.Index(lower, noReplyMarker)
	if idx < 0 {
		return text, false
	}

	var b strings.Builder
	rest := text
	for {
		lowerRest := strings.ToLower(rest)
		i := strings.Index(lowerRest, noReplyMarker)
		if i < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:i])
		rest = rest[i+len(noReplyMarker):]
	}
	return strings.TrimSpace(b.String()), true
}
