package utils

import (
	"net/http"
	"time"
)

// NewHTTPClient 构造带连接池的HTTP客户端，供各提供方客户端复用
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
