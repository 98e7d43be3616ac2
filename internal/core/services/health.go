package services

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/redis/go-redis/v9"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
)

// ComponentHealth represents the health of a specific component
type ComponentHealth struct {
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	Latency   string       `json:"latency,omitempty"`
	CheckedAt time.Time    `json:"checked_at"`
}

// HealthReport represents the overall health report
type HealthReport struct {
	Status     HealthStatus               `json:"status"`
	Version    string                     `json:"version"`
	CheckedAt  time.Time                  `json:"checked_at"`
	Components map[string]ComponentHealth `json:"components"`
}

type HealthService struct {
	sched       *Scheduler
	redis       *redis.Client // nil when no event channel is configured
	launcherBin string
	version     string
}

func NewHealthService(sched *Scheduler, redisClient *redis.Client, launcherBin, version string) *HealthService {
	if version == "" {
		version = "0.0.1"
	}
	return &HealthService{
		sched:       sched,
		redis:       redisClient,
		launcherBin: launcherBin,
		version:     version,
	}
}

func (s *HealthService) CheckHealth(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Status:     HealthStatusHealthy,
		Version:    s.version,
		CheckedAt:  time.Now(),
		Components: make(map[string]ComponentHealth),
	}

	schedHealth := s.checkScheduler()
	report.Components["scheduler"] = schedHealth
	if schedHealth.Status != HealthStatusHealthy {
		report.Status = HealthStatusUnhealthy
	}

	launcherHealth := s.checkLauncher()
	report.Components["display_launcher"] = launcherHealth
	if launcherHealth.Status != HealthStatusHealthy && report.Status == HealthStatusHealthy {
		report.Status = HealthStatusDegraded
	}

	if s.redis != nil {
		redisHealth := s.checkRedis(ctx)
		report.Components["event_channel"] = redisHealth
		if redisHealth.Status != HealthStatusHealthy && report.Status == HealthStatusHealthy {
			report.Status = HealthStatusDegraded
		}
	}

	return report
}

func (s *HealthService) checkScheduler() ComponentHealth {
	pending, running := s.sched.Stats()
	return ComponentHealth{
		Status:    HealthStatusHealthy,
		Message:   fmt.Sprintf("%d pending, %d running", pending, running),
		CheckedAt: time.Now(),
	}
}

func (s *HealthService) checkLauncher() ComponentHealth {
	if _, err := exec.LookPath(s.launcherBin); err != nil {
		return ComponentHealth{
			Status:    HealthStatusUnhealthy,
			Message:   fmt.Sprintf("display server binary %q not found", s.launcherBin),
			CheckedAt: time.Now(),
		}
	}
	return ComponentHealth{
		Status:    HealthStatusHealthy,
		CheckedAt: time.Now(),
	}
}

func (s *HealthService) checkRedis(ctx context.Context) ComponentHealth {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.redis.Ping(ctx).Err(); err != nil {
		return ComponentHealth{
			Status:    HealthStatusUnhealthy,
			Message:   fmt.Sprintf("Redis ping failed: %v", err),
			Latency:   time.Since(start).String(),
			CheckedAt: time.Now(),
		}
	}

	return ComponentHealth{
		Status:    HealthStatusHealthy,
		Latency:   time.Since(start).String(),
		CheckedAt: time.Now(),
	}
}

// SimpleHealthCheck returns a simple health status for load balancers
func (s *HealthService) SimpleHealthCheck(ctx context.Context) (string, int) {
	report := s.CheckHealth(ctx)

	switch report.Status {
	case HealthStatusHealthy:
		return "ok", 200
	case HealthStatusDegraded:
		return "degraded", 200 // Still serving requests
	default:
		return "unhealthy", 503
	}
}
