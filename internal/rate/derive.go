package rate

import (
	"fmt"
	"net/url"
	"strings"
)

// DeriveKeyFromBaseURL 以 API 主机（含端口）构造限流分组键，
// 使同一实例的所有请求共享一个令牌桶。
func DeriveKeyFromBaseURL(client, apiURL string) (LimitKey, error) {
	u, err := url.Parse(strings.TrimSpace(apiURL))
	if err != nil {
		return "", fmt.Errorf("rate: parse api url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("rate: api url %q has no host", apiURL)
	}
	return LimitKey(fmt.Sprintf("%s:%s", client, strings.ToLower(u.Host))), nil
}
