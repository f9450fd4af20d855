package utils

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUnsupportedFile = errors.New("unsupported file type")
	ErrFileTooLarge    = errors.New("file too large")
)

// ValidateUpload 在任何远端调用之前对上传图片做客户端侧校验。
// data为base64载荷，declaredMime为请求声明的MIME类型。
// 校验通过时返回解码后的字节与嗅探出的实际MIME类型。
func ValidateUpload(data, declaredMime string, maxSize int64, allowedTypes []string) ([]byte, string, error) {
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, "", fmt.Errorf("%w: not valid base64", ErrUnsupportedFile)
	}

	if int64(len(decoded)) > maxSize {
		return nil, "", fmt.Errorf("%w: %d bytes (max %d)", ErrFileTooLarge, len(decoded), maxSize)
	}

	// 不信任声明的类型，按内容嗅探
	sniffed := http.DetectContentType(decoded)
	if !mimeAllowed(sniffed, allowedTypes) {
		return nil, "", fmt.Errorf("%w: %s", ErrUnsupportedFile, sniffed)
	}

	if declaredMime != "" && declaredMime != sniffed {
		return nil, "", fmt.Errorf("%w: declared %s, detected %s", ErrUnsupportedFile, declaredMime, sniffed)
	}

	return decoded, sniffed, nil
}

// DataURI 把图片载荷编码为data URI，供多模态消息内联
func DataURI(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func mimeAllowed(mime string, allowed []string) bool {
	for _, t := range allowed {
		if t == mime {
			return true
		}
	}
	return false
}
