// Package notify delivers status-change notifications.
package notify

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"
)

// Notification types.
const (
	HealthCheckFailed   = "health_check_failed"
	HealthCheckRestored = "health_check_restored"
	E2EFailed           = "e2e_failed"
	E2EPassed           = "e2e_passed"
)

// Notification is one event to deliver.
type Notification struct {
	Type        string
	ProjectID   string
	ProjectName string
	// CheckType is the health check kind for health notifications.
	CheckType string
	Details   string
	Timestamp time.Time

	// E2E fields.
	Failed       int
	Total        int
	DashboardURL string
	Causes       []string
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Noop discards notifications. It is used when no channel is configured.
type Noop struct{}

func (Noop) Notify(context.Context, Notification) error { return nil }

const timeLayout = "02/01/2006 15:04:05 MST"

// Format renders n as Telegram HTML. User-controlled text is escaped.
func Format(n Notification) (string, error) {
	ts := n.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	project := html.EscapeString(n.ProjectName)
	when := ts.UTC().Format(timeLayout)

	var b strings.Builder
	switch n.Type {
	case HealthCheckFailed:
		fmt.Fprintf(&b, "<b>🚨 Health Check Failed</b>\n\n")
		fmt.Fprintf(&b, "<b>Project:</b> %s\n<b>Type:</b> %s\n<b>Time:</b> %s\n\n", project, html.EscapeString(n.CheckType), when)
		b.WriteString(html.EscapeString(n.Details))

	case HealthCheckRestored:
		fmt.Fprintf(&b, "<b>✅ Health Check Restored</b>\n\n")
		fmt.Fprintf(&b, "<b>Project:</b> %s\n<b>Type:</b> %s\n<b>Time:</b> %s\n\n", project, html.EscapeString(n.CheckType), when)
		b.WriteString("Service is now operational.")

	case E2EFailed:
		fmt.Fprintf(&b, "<b>❌ E2E Tests Failed</b>\n\n")
		fmt.Fprintf(&b, "<b>Project:</b> %s\n<b>Time:</b> %s\n\n", project, when)
		fmt.Fprintf(&b, "E2E tests failed for project \"%s\"", project)
		if n.Failed > 0 {
			fmt.Fprintf(&b, "\n<b>Failed Tests:</b> %d out of %d", n.Failed, n.Total)
		}
		if n.Details != "" {
			fmt.Fprintf(&b, "\n<b>Error:</b> %s", html.EscapeString(n.Details))
		}
		if len(n.Causes) > 0 {
			fmt.Fprintf(&b, "\n<b>Likely cause:</b> %s", html.EscapeString(strings.Join(n.Causes, ", ")))
		}
		if n.DashboardURL != "" {
			u := html.EscapeString(n.DashboardURL)
			fmt.Fprintf(&b, "\n\n<b>View Details:</b> <a href=\"%s\">%s</a>", u, u)
		}

	case E2EPassed:
		fmt.Fprintf(&b, "<b>✅ E2E Tests Passed</b>\n\n")
		fmt.Fprintf(&b, "<b>Project:</b> %s\n<b>Time:</b> %s\n\n", project, when)
		b.WriteString("All tests completed successfully.")

	default:
		return "", fmt.Errorf("unknown notification type %q", n.Type)
	}
	return b.String(), nil
}
