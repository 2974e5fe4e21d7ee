package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"net/url"
	"strings"
	"time"

	"github.com/vigsterkr/watchz/internal/session"
)

// sendTimeout bounds every outbound notification request.
const sendTimeout = 10 * time.Second

// ParseURL turns a service URL of the form
// service://[user[:pass]@]host[:port][/path][?k=v] into a notifier. Unknown
// services fall back to the generic webhook.
func ParseURL(raw string) (Notifier, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid notification URL %q: %w", raw, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("notification URL %q has no host", raw)
	}

	switch strings.ToLower(u.Scheme) {
	case "slack":
		return &slackNotifier{endpoint: httpsEndpoint(u)}, nil
	case "discord":
		return &discordNotifier{endpoint: httpsEndpoint(u)}, nil
	case "smtp", "email":
		return newSMTPNotifier(u)
	default:
		// webhook, generic, and anything unrecognized
		return &webhookNotifier{endpoint: httpsEndpoint(u)}, nil
	}
}

// ParseURLs builds the notifier set from the configured URL list.
func ParseURLs(raw []string) ([]Notifier, error) {
	notifiers := make([]Notifier, 0, len(raw))
	for _, r := range raw {
		n, err := ParseURL(r)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, n)
	}
	return notifiers, nil
}

// httpsEndpoint rewrites the service URL onto https, dropping the
// service scheme and userinfo.
func httpsEndpoint(u *url.URL) string {
	out := url.URL{Scheme: "https", Host: u.Host, Path: u.Path, RawQuery: u.RawQuery}
	return out.String()
}

var httpClient = &http.Client{Timeout: sendTimeout}

func postJSON(endpoint string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := httpClient.Post(endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notification endpoint returned %s", resp.Status)
	}
	return nil
}

type slackNotifier struct {
	endpoint string
}

func (n *slackNotifier) SendEvent(ev Event) error {
	text := fmt.Sprintf("[%s] %s: %s", ev.Level, ev.Container, ev.Message)
	return postJSON(n.endpoint, map[string]string{"text": text})
}

func (n *slackNotifier) SendReport(r *session.Report) error {
	return postJSON(n.endpoint, map[string]string{"text": reportText(r)})
}

type discordNotifier struct {
	endpoint string
}

func (n *discordNotifier) SendEvent(ev Event) error {
	content := fmt.Sprintf("[%s] %s: %s", ev.Level, ev.Container, ev.Message)
	return postJSON(n.endpoint, map[string]string{"content": content})
}

func (n *discordNotifier) SendReport(r *session.Report) error {
	return postJSON(n.endpoint, map[string]string{"content": reportText(r)})
}

// webhookNotifier posts the structured event as-is.
type webhookNotifier struct {
	endpoint string
}

func (n *webhookNotifier) SendEvent(ev Event) error {
	return postJSON(n.endpoint, map[string]interface{}{
		"level":     ev.Level.String(),
		"container": ev.Container,
		"state":     ev.State,
		"message":   ev.Message,
		"time":      ev.Time.Format(time.RFC3339),
	})
}

func (n *webhookNotifier) SendReport(r *session.Report) error {
	results := make([]map[string]interface{}, 0, len(r.Results))
	for _, res := range r.Results {
		entry := map[string]interface{}{
			"container_id":   res.ContainerID,
			"container_name": res.ContainerName,
			"outcome":        string(res.Outcome),
		}
		if res.Error != nil {
			entry["error"] = res.Error.Error()
		}
		results = append(results, entry)
	}
	return postJSON(n.endpoint, map[string]interface{}{
		"session_id": r.SessionID,
		"status":     string(r.Status),
		"scanned":    r.Scanned,
		"updated":    r.Updated,
		"failed":     r.Failed,
		"results":    results,
	})
}

type smtpNotifier struct {
	addr string
	auth smtp.Auth
	from string
	to   []string
}

func newSMTPNotifier(u *url.URL) (Notifier, error) {
	q := u.Query()
	from := q.Get("from")
	to := q.Get("to")
	if from == "" || to == "" {
		return nil, fmt.Errorf("smtp notification URL needs from= and to= parameters")
	}

	n := &smtpNotifier{
		addr: u.Host,
		from: from,
		to:   strings.Split(to, ","),
	}
	if !strings.Contains(n.addr, ":") {
		n.addr += ":25"
	}
	if user := u.User.Username(); user != "" {
		pass, _ := u.User.Password()
		n.auth = smtp.PlainAuth("", user, pass, u.Hostname())
	}
	return n, nil
}

func (n *smtpNotifier) send(subject, body string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		n.from, strings.Join(n.to, ", "), subject, body)
	return smtp.SendMail(n.addr, n.auth, n.from, n.to, []byte(msg))
}

func (n *smtpNotifier) SendEvent(ev Event) error {
	subject := fmt.Sprintf("watchz: %s %s", ev.Container, ev.State)
	return n.send(subject, ev.Message)
}

func (n *smtpNotifier) SendReport(r *session.Report) error {
	return n.send("watchz session report", reportText(r))
}

func reportText(r *session.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session %s %s: %s\n", r.SessionID, r.Status, r.Summary())
	for _, res := range r.Results {
		if res.Error != nil {
			fmt.Fprintf(&b, "- %s: %s (%v)\n", res.ContainerName, res.Outcome, res.Error)
		} else {
			fmt.Fprintf(&b, "- %s: %s\n", res.ContainerName, res.Outcome)
		}
	}
	return b.String()
}
