package notify

import (
	"fmt"
	"sort"
)

// SlackMessage represents a Slack webhook message
type SlackMessage struct {
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack attachment
type SlackAttachment struct {
	Color  string       `json:"color,omitempty"`
	Title  string       `json:"title,omitempty"`
	Text   string       `json:"text,omitempty"`
	Fields []SlackField `json:"fields,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// FormatSlackMessage formats an event as a Slack message
func FormatSlackMessage(event *Event) SlackMessage {
	fields := []SlackField{
		{Title: "Tenant", Value: event.TenantID, Short: true},
		{Title: "Event ID", Value: event.ID, Short: true},
		{Title: "Timestamp", Value: event.Timestamp.Format("2006-01-02 15:04:05"), Short: true},
	}
	if event.AppID != "" {
		fields = append(fields, SlackField{Title: "App", Value: event.AppID, Short: true})
	}

	keys := make([]string, 0, len(event.Data))
	for k := range event.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, SlackField{Title: k, Value: fmt.Sprint(event.Data[k]), Short: true})
	}

	return SlackMessage{
		Attachments: []SlackAttachment{{
			Color:  eventColor(event.Type),
			Title:  eventTitle(event.Type),
			Fields: fields,
		}},
	}
}

func eventColor(t EventType) string {
	switch t {
	case EventUsageCritical, EventSubscriptionEnded:
		return "danger"
	case EventUsageWarning, EventTrialWillEnd:
		return "warning"
	default:
		return "#439FE0"
	}
}

func eventTitle(t EventType) string {
	switch t {
	case EventUsageWarning:
		return "Usage Warning"
	case EventUsageCritical:
		return "Usage Limit Reached"
	case EventSubscriptionChanged:
		return "Subscription Changed"
	case EventSubscriptionEnded:
		return "Subscription Ended"
	case EventTrialWillEnd:
		return "Trial Ending Soon"
	default:
		return string(t)
	}
}
