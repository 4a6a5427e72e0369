package monitoring

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Checker 依赖健康检查函数
type Checker func(ctx context.Context) error

// PerformanceMonitor 请求指标与依赖健康检查
type PerformanceMonitor struct {
	logger        *zap.Logger
	slowThreshold time.Duration

	mu        sync.Mutex
	started   time.Time
	routes    map[string]*routeMetric
	checkers  map[string]Checker
	checkKeys []string
}

type routeMetric struct {
	count    int64
	errors   int64
	total    time.Duration
	max      time.Duration
	byStatus map[string]int64
}

// NewPerformanceMonitor 创建性能监控器，slowThreshold<=0时默认1秒
func NewPerformanceMonitor(logger *zap.Logger, slowThreshold time.Duration) *PerformanceMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if slowThreshold <= 0 {
		slowThreshold = time.Second
	}
	return &PerformanceMonitor{
		logger:        logger,
		slowThreshold: slowThreshold,
		started:       time.Now(),
		routes:        make(map[string]*routeMetric),
		checkers:      make(map[string]Checker),
	}
}

// HTTPMiddleware HTTP性能监控中间件
func (pm *PerformanceMonitor) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		duration := time.Since(start)
		status := c.Writer.Status()
		pm.record(c.Request.Method+" "+path, status, duration)

		if duration > pm.slowThreshold {
			pm.logger.Warn("慢请求",
				zap.String("method", c.Request.Method),
				zap.String("path", path),
				zap.Int("status", status),
				zap.Duration("duration", duration))
		}
	}
}

func (pm *PerformanceMonitor) record(route string, status int, duration time.Duration) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	m, ok := pm.routes[route]
	if !ok {
		m = &routeMetric{byStatus: make(map[string]int64)}
		pm.routes[route] = m
	}
	m.count++
	m.total += duration
	if duration > m.max {
		m.max = duration
	}
	class := statusClass(status)
	m.byStatus[class]++
	if status >= 500 {
		m.errors++
	}
}

// statusClass 状态码分组
func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// RouteStats 单个路由的统计
type RouteStats struct {
	Route       string           `json:"route"`
	Requests    int64            `json:"requests"`
	ServerError int64            `json:"server_errors"`
	AvgLatency  time.Duration    `json:"avg_latency"`
	MaxLatency  time.Duration    `json:"max_latency"`
	ByStatus    map[string]int64 `json:"by_status"`
}

// PerformanceReport 性能报告
type PerformanceReport struct {
	Uptime        time.Duration `json:"uptime"`
	TotalRequests int64         `json:"total_requests"`
	ErrorRate     float64       `json:"error_rate"`
	Routes        []RouteStats  `json:"routes"`
}

// GenerateReport 生成性能报告，路由按请求量降序
func (pm *PerformanceMonitor) GenerateReport() *PerformanceReport {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	report := &PerformanceReport{
		Uptime: time.Since(pm.started).Truncate(time.Second),
		Routes: make([]RouteStats, 0, len(pm.routes)),
	}
	var errs int64
	for route, m := range pm.routes {
		byStatus := make(map[string]int64, len(m.byStatus))
		for k, v := range m.byStatus {
			byStatus[k] = v
		}
		report.Routes = append(report.Routes, RouteStats{
			Route:       route,
			Requests:    m.count,
			ServerError: m.errors,
			AvgLatency:  m.total / time.Duration(m.count),
			MaxLatency:  m.max,
			ByStatus:    byStatus,
		})
		report.TotalRequests += m.count
		errs += m.errors
	}
	if report.TotalRequests > 0 {
		report.ErrorRate = float64(errs) / float64(report.TotalRequests)
	}
	sort.Slice(report.Routes, func(i, j int) bool {
		if report.Routes[i].Requests != report.Routes[j].Requests {
			return report.Routes[i].Requests > report.Routes[j].Requests
		}
		return report.Routes[i].Route < report.Routes[j].Route
	})
	return report
}

// RegisterCheck 注册依赖健康检查，同名覆盖
func (pm *PerformanceMonitor) RegisterCheck(name string, check Checker) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if _, exists := pm.checkers[name]; !exists {
		pm.checkKeys = append(pm.checkKeys, name)
	}
	pm.checkers[name] = check
}

// HealthCheck 健康检查结果
type HealthCheck struct {
	Service   string        `json:"service"`
	Status    string        `json:"status"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// PerformHealthCheck 依次执行已注册的健康检查
func (pm *PerformanceMonitor) PerformHealthCheck(ctx context.Context) []HealthCheck {
	pm.mu.Lock()
	names := append([]string(nil), pm.checkKeys...)
	checks := make([]Checker, len(names))
	for i, name := range names {
		checks[i] = pm.checkers[name]
	}
	pm.mu.Unlock()

	results := make([]HealthCheck, 0, len(names))
	for i, name := range names {
		start := time.Now()
		result := HealthCheck{Service: name, Status: "healthy"}
		if err := checks[i](ctx); err != nil {
			result.Status = "unhealthy"
			result.Error = err.Error()
			pm.logger.Warn("依赖健康检查失败", zap.String("service", name), zap.Error(err))
		}
		result.Latency = time.Since(start)
		result.CheckedAt = time.Now().UTC()
		results = append(results, result)
	}
	return results
}

// Healthy 所有检查均通过
func Healthy(results []HealthCheck) bool {
	for _, r := range results {
		if r.Status != "healthy" {
			return false
		}
	}
	return true
}
