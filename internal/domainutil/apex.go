package domainutil

import (
	"fmt"
	"net"
	"strings"

	"github.com/go-acme/lego/v4/challenge/dns01"
	"golang.org/x/net/publicsuffix"
)

// Normalize 对挑战记录名进行规范化处理
// 规则：
//   - 小写
//   - trim 空格
//   - 去掉末尾 .（只去一个，多余的 . 直接拒绝）
//   - 拒绝 IP（IPv4/IPv6）
//   - 拒绝空字符串/非法字符/空标签
//   - 标签不能以 - 开头或结尾
//
// 与网站域名不同，这里允许下划线（_acme-challenge）。
func Normalize(name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	name = dns01.UnFqdn(name)

	if name == "" {
		return "", fmt.Errorf("domain must not be empty")
	}

	if net.ParseIP(strings.Trim(name, "[]")) != nil {
		return "", fmt.Errorf("IP address is not allowed as domain: %s", name)
	}

	for _, r := range name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '.' || r == '-' || r == '_') {
			return "", fmt.Errorf("domain contains invalid character: %c in %s", r, name)
		}
	}

	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return "", fmt.Errorf("domain must not start or end with '.': %s", name)
	}

	for _, label := range strings.Split(name, ".") {
		if label == "" {
			return "", fmt.Errorf("domain must not contain empty labels: %s", name)
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return "", fmt.Errorf("label must not start or end with '-': %s", label)
		}
	}

	if !strings.Contains(name, ".") {
		return "", fmt.Errorf("domain must contain at least one dot: %s", name)
	}

	return name, nil
}

// ParentDomain 去掉最左侧标签得到父域名
// 例如：
//   - _acme-challenge.example.com -> example.com
//   - _acme-challenge.www.example.co.uk -> www.example.co.uk
//
// 父域名本身是公共后缀（如 com、co.uk）时返回错误：门户不可能托管这样的域名。
func ParentDomain(fqdn string) (string, error) {
	normalized, err := Normalize(fqdn)
	if err != nil {
		return "", err
	}

	_, parent, _ := strings.Cut(normalized, ".")

	if suffix, _ := publicsuffix.PublicSuffix(parent); suffix == parent {
		return "", fmt.Errorf("parent of %s is a public suffix: %s", normalized, parent)
	}

	return parent, nil
}

// AbsoluteName 返回带末尾 . 的绝对名称（门户 zone 字段的格式）
func AbsoluteName(fqdn string) (string, error) {
	normalized, err := Normalize(fqdn)
	if err != nil {
		return "", err
	}
	return dns01.ToFqdn(normalized), nil
}
