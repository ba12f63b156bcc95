package observability

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/valter-silva-au/digital-fte/internal/storage"
)

// Notice is an alert as announced outside the vault. Marker is the
// vault-relative path of its Alerts/<id>.md file.
type Notice struct {
	Alert
	Vault  string
	Marker string
	Stage  string
}

// NewNotices pairs each alert with its marker and the stage of the item it
// is about.
func NewNotices(vault string, alerts []Alert) []Notice {
	notices := make([]Notice, 0, len(alerts))
	for _, a := range alerts {
		notices = append(notices, Notice{
			Alert:  a,
			Vault:  vault,
			Marker: path.Join(storage.AlertsDir, storage.SanitizeID(a.ID)+".md"),
			Stage:  a.Data["stage"],
		})
	}
	return notices
}

// Notifier announces alerts to a human channel.
type Notifier interface {
	Notify(notices []Notice) error
}

// slackNotifier posts Block Kit messages to an incoming webhook.
type slackNotifier struct {
	webhookURL string
	client     *http.Client
}

// NewSlackNotifier creates a Notifier posting to a Slack incoming webhook.
func NewSlackNotifier(webhookURL string) Notifier {
	return &slackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

type slackMessage struct {
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks"`
}

type slackBlock struct {
	Type     string      `json:"type"`
	Text     *slackText  `json:"text,omitempty"`
	Elements []slackText `json:"elements,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Notify posts one message for the batch. An empty batch sends nothing.
func (s *slackNotifier) Notify(notices []Notice) error {
	if len(notices) == 0 {
		return nil
	}
	body, err := json.Marshal(buildSlackMessage(notices))
	if err != nil {
		return fmt.Errorf("encoding slack message: %w", err)
	}

	resp, err := s.client.Post(s.webhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("posting to slack webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func buildSlackMessage(notices []Notice) slackMessage {
	title := fmt.Sprintf("%d mailbox alert(s)", len(notices))
	if v := notices[0].Vault; v != "" {
		title += " in " + filepath.Base(v)
	}
	msg := slackMessage{
		Text:   title,
		Blocks: []slackBlock{{Type: "header", Text: &slackText{Type: "plain_text", Text: title}}},
	}
	for i, n := range notices {
		if i > 0 {
			msg.Blocks = append(msg.Blocks, slackBlock{Type: "divider"})
		}
		msg.Blocks = append(msg.Blocks,
			slackBlock{Type: "section", Text: &slackText{Type: "mrkdwn", Text: noticeText(n)}},
			slackBlock{Type: "context", Elements: noticeContext(n)},
		)
	}
	return msg
}

func noticeText(n Notice) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s* %s", severityEmoji(n.Severity), conditionTitle(n), n.Message)
	if n.ItemID != "" {
		fmt.Fprintf(&b, "\nItem `%s`", n.ItemID)
		if n.Stage != "" {
			fmt.Fprintf(&b, " in %s", n.Stage)
		}
	}
	if t := dataTime(n.Data, "expiry"); t != "" {
		fmt.Fprintf(&b, "\nExpired: %s", t)
	}
	if t := dataTime(n.Data, "escalated_at"); t != "" {
		fmt.Fprintf(&b, "\nEscalated: %s", t)
	}
	if owner := n.Data["owner"]; owner != "" {
		fmt.Fprintf(&b, "\nClaimed by %s", owner)
		if t := dataTime(n.Data, "claimed_at"); t != "" {
			fmt.Fprintf(&b, " since %s", t)
		}
	}
	return b.String()
}

func noticeContext(n Notice) []slackText {
	elems := []slackText{{Type: "mrkdwn", Text: fmt.Sprintf("Marker `%s`", n.Marker)}}
	if n.Vault != "" {
		elems = append(elems, slackText{Type: "mrkdwn", Text: fmt.Sprintf("Vault `%s`", n.Vault)})
	}
	if !n.TriggeredAt.IsZero() {
		elems = append(elems, slackText{Type: "mrkdwn", Text: "Raised " + n.TriggeredAt.UTC().Format(slackTimeLayout)})
	}
	return elems
}

const slackTimeLayout = "2006-01-02 15:04 UTC"

// dataTime formats an RFC 3339 value from alert data; other values pass
// through.
func dataTime(data map[string]string, key string) string {
	raw := data[key]
	if raw == "" {
		return ""
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return raw
	}
	return t.UTC().Format(slackTimeLayout)
}

func conditionTitle(n Notice) string {
	switch n.Condition {
	case "approval_expired":
		return "Approval escalated"
	case "approval_overdue":
		return "Approval overdue"
	case "claim_stale":
		return "Stale claim"
	case "backlog_too_large":
		return "Backlog"
	case "quarantine_not_empty":
		return "Quarantine"
	case "driver_aborted":
		return "Driver aborted"
	}
	return strings.ToUpper(string(n.Severity))
}

func severityEmoji(severity AlertSeverity) string {
	switch severity {
	case SeverityHigh:
		return "\U0001f534"
	case SeverityMedium:
		return "\U0001f7e1"
	case SeverityLow:
		return "\U0001f535"
	default:
		return "❓"
	}
}
