package auth

import (
	"fmt"
	"net"
	"strings"
)

// TrustedNetworks 受信任网络（私有地址段与配置的CIDR）
type TrustedNetworks struct {
	nets []*net.IPNet
}

// ParseTrustedNetworks 解析CIDR或单个IP列表
func ParseTrustedNetworks(entries []string) (*TrustedNetworks, error) {
	t := &TrustedNetworks{}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			if ip := net.ParseIP(entry); ip != nil && ip.To4() != nil {
				entry += "/32"
			} else {
				entry += "/128"
			}
		}
		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("无效的网络地址 %s: %w", entry, err)
		}
		t.nets = append(t.nets, ipNet)
	}
	return t, nil
}

// Contains 判断地址是否属于受信任网络
func (t *TrustedNetworks) Contains(address string) bool {
	ip := net.ParseIP(strings.TrimSpace(address))
	if ip == nil {
		return false
	}
	if ip.IsPrivate() || ip.IsLoopback() {
		return true
	}
	if t == nil {
		return false
	}
	for _, n := range t.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
