package todo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nugget/todolink/internal/events"
)

// Notification control methods and the server push carrying due tasks.
const (
	MethodEnableNotifications  = "notifications/enable"
	MethodDisableNotifications = "notifications/disable"
	MethodSetInterval          = "notifications/setInterval"
	MethodSetMaxTasks          = "notifications/setMaxTasks"
	MethodGetStatus            = "notifications/getStatus"
	MethodTasksNotification    = "notifications/tasks"
)

// EnableNotifications turns on server-side due-task reminders.
func (r *Repository) EnableNotifications(ctx context.Context) bool {
	return r.control(ctx, MethodEnableNotifications, nil)
}

// DisableNotifications turns off server-side due-task reminders.
func (r *Repository) DisableNotifications(ctx context.Context) bool {
	return r.control(ctx, MethodDisableNotifications, nil)
}

// SetNotificationInterval sets how often the server checks for due tasks.
func (r *Repository) SetNotificationInterval(ctx context.Context, seconds int) bool {
	if seconds <= 0 {
		r.logger.Warn("ignoring non-positive notification interval", "seconds", seconds)
		return false
	}
	return r.control(ctx, MethodSetInterval, map[string]any{"interval": seconds})
}

// SetMaxTasks caps how many tasks one notification may list.
func (r *Repository) SetMaxTasks(ctx context.Context, n int) bool {
	if n <= 0 {
		r.logger.Warn("ignoring non-positive max tasks", "max_tasks", n)
		return false
	}
	return r.control(ctx, MethodSetMaxTasks, map[string]any{"maxTasks": n})
}

// NotificationStatus queries the server's reminder configuration. It
// returns nil if the request fails or the reply cannot be decoded.
func (r *Repository) NotificationStatus(ctx context.Context) *NotificationStatus {
	raw, err := r.gw.Call(ctx, MethodGetStatus, nil)
	if err != nil {
		r.logger.Warn("notification status unavailable", "error", err)
		return nil
	}

	var st NotificationStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		r.logger.Warn("undecodable notification status", "error", err, "result", string(raw))
		return nil
	}
	return &st
}

// control issues a preference RPC. These are non-critical toggles, so
// every failure degrades to false. A result carrying "success": false is
// a failure too.
func (r *Repository) control(ctx context.Context, method string, params any) bool {
	raw, err := r.gw.Call(ctx, method, params)
	if err != nil {
		r.logger.Warn("notification control failed", "method", method, "error", err)
		return false
	}

	var reply struct {
		Success *bool `json:"success"`
	}
	if json.Unmarshal(raw, &reply) == nil && reply.Success != nil && !*reply.Success {
		r.logger.Warn("notification control rejected", "method", method)
		return false
	}
	return true
}

// SubscribeTasks installs fn as the single subscriber for due-task
// pushes, replacing any previous one. A nil fn unsubscribes. fn runs on
// the protocol client's dispatcher goroutine, in arrival order.
func (r *Repository) SubscribeTasks(fn func(NotificationEvent)) {
	r.subMu.Lock()
	r.subscriber = fn
	r.subMu.Unlock()
}

func (r *Repository) onTasksNotification(params json.RawMessage) {
	var ev NotificationEvent
	if err := json.Unmarshal(params, &ev); err != nil {
		r.logger.Warn("undecodable task notification", "error", err)
		return
	}

	r.logger.Info("tasks due", "message", ev.Message, "task_count", ev.TaskCount)
	r.bus.Publish(events.Event{
		Timestamp: notificationTime(ev.Timestamp),
		Source:    events.SourceNotifications,
		Kind:      events.KindTasksDue,
		Data: map[string]any{
			"message":    ev.Message,
			"task_count": ev.TaskCount,
			"timestamp":  ev.Timestamp,
		},
	})

	r.subMu.RLock()
	fn := r.subscriber
	r.subMu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}

// notificationTime interprets a server timestamp in milliseconds. Zero
// leaves the event time to the bus.
func notificationTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
