package services

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cloud-platform/identity-core/shared/auth"
)

// MFAPolicyConfig MFA策略配置
type MFAPolicyConfig struct {
	MandatoryRoles             []string
	BypassRoles                []string
	TrustedNetworks            []string
	TrustWindow                time.Duration
	BlockUnconfiguredMandatory bool
	EnrollmentLockout          bool
}

// MFAPolicy 可热更新的MFA策略
type MFAPolicy struct {
	mu                sync.RWMutex
	mandatory         map[string]struct{}
	bypass            map[string]struct{}
	networks          *auth.TrustedNetworks
	trustWindow       time.Duration
	blockUnconfigured bool
	enrollmentLockout bool
}

// NewMFAPolicy 创建策略
func NewMFAPolicy(cfg MFAPolicyConfig) (*MFAPolicy, error) {
	p := &MFAPolicy{}
	if err := p.Update(cfg); err != nil {
		return nil, err
	}
	return p, nil
}

// Update 原子替换策略，解析失败时保留旧策略
func (p *MFAPolicy) Update(cfg MFAPolicyConfig) error {
	networks, err := auth.ParseTrustedNetworks(cfg.TrustedNetworks)
	if err != nil {
		return fmt.Errorf("解析受信任网络失败: %w", err)
	}
	window := cfg.TrustWindow
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.mandatory = roleSet(cfg.MandatoryRoles)
	p.bypass = roleSet(cfg.BypassRoles)
	p.networks = networks
	p.trustWindow = window
	p.blockUnconfigured = cfg.BlockUnconfiguredMandatory
	p.enrollmentLockout = cfg.EnrollmentLockout
	return nil
}

func roleSet(roles []string) map[string]struct{} {
	set := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		if r = strings.TrimSpace(r); r != "" {
			set[strings.ToUpper(r)] = struct{}{}
		}
	}
	return set
}

// IsMandatory 角色是否必须使用MFA
func (p *MFAPolicy) IsMandatory(role string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.mandatory[strings.ToUpper(role)]
	return ok
}

// CanBypass 角色是否允许在受信任环境下跳过MFA
func (p *MFAPolicy) CanBypass(role string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.bypass[strings.ToUpper(role)]
	return ok
}

// IsTrustedNetwork 来源地址是否属于受信任网络
func (p *MFAPolicy) IsTrustedNetwork(ip string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.networks.Contains(ip)
}

// TrustWindow 受信任设备有效期
func (p *MFAPolicy) TrustWindow() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.trustWindow
}

// BlockUnconfigured 强制角色未配置MFA时是否拒绝登录
func (p *MFAPolicy) BlockUnconfigured() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.blockUnconfigured
}

// EnrollmentLockout 注册确认是否计入方式锁定
func (p *MFAPolicy) EnrollmentLockout() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.enrollmentLockout
}
