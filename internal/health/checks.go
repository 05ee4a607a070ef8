package health

import (
	"context"
	"fmt"
	"time"
)

// QueueDepthCheck degrades when the backlog reaches warnAt and fails at
// limit, the point where the queue starts dropping segments.
func QueueDepthCheck(depth func() int, warnAt, limit int) Check {
	return func(ctx context.Context) CheckResult {
		n := depth()
		details := map[string]any{"depth": n, "limit": limit}
		switch {
		case n >= limit:
			return CheckResult{Status: StatusUnhealthy, Message: "queue full; oldest segments are being dropped", Details: details}
		case n >= warnAt:
			return CheckResult{Status: StatusDegraded, Message: "delivery backlog growing", Details: details}
		default:
			return CheckResult{Status: StatusHealthy, Message: "queue ok", Details: details}
		}
	}
}

// DeliveryCheck degrades when nothing was delivered within maxAge while
// segments are waiting.
func DeliveryCheck(last func() time.Time, pending func() int, maxAge time.Duration, now func() time.Time) Check {
	return func(ctx context.Context) CheckResult {
		l, p := last(), pending()
		details := map[string]any{"pending": p}
		if !l.IsZero() {
			details["last_delivery"] = l.UTC()
		}
		if p == 0 {
			return CheckResult{Status: StatusHealthy, Message: "nothing pending", Details: details}
		}
		if l.IsZero() || now().Sub(l) > maxAge {
			return CheckResult{Status: StatusDegraded, Message: "collector has not accepted a batch recently", Details: details}
		}
		return CheckResult{Status: StatusHealthy, Message: "delivering", Details: details}
	}
}

// CapabilityCheck reports an optional platform capability. Missing
// capabilities degrade rather than fail: tracking continues with less signal.
func CapabilityCheck(name string, available func() (bool, string)) Check {
	return func(ctx context.Context) CheckResult {
		ok, reason := available()
		if ok {
			return CheckResult{Status: StatusHealthy, Message: reason}
		}
		return CheckResult{Status: StatusDegraded, Message: fmt.Sprintf("%s unavailable: %s", name, reason)}
	}
}

// ErrorCheck fails when fn returns an error.
func ErrorCheck(fn func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := fn(ctx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "check failed", Error: err.Error()}
		}
		return CheckResult{Status: StatusHealthy, Message: "ok"}
	}
}

// DiskSpaceCheck degrades when the filesystem holding path has less than
// minFree bytes available.
func DiskSpaceCheck(path string, minFree uint64) Check {
	return func(ctx context.Context) CheckResult {
		free, err := freeBytes(path)
		if err != nil {
			return CheckResult{Status: StatusUnknown, Message: "cannot stat filesystem", Error: err.Error()}
		}
		details := map[string]any{"path": path, "free_bytes": free, "min_free_bytes": minFree}
		if free < minFree {
			return CheckResult{Status: StatusDegraded, Message: "low disk space", Details: details}
		}
		return CheckResult{Status: StatusHealthy, Message: "disk space ok", Details: details}
	}
}
