// Package email sends transactional mail through the email provider's
// HTTP API.  Both messages this service sends are best-effort at every
// call site: a delivery failure is logged and never rolls back the
// state change it accompanies.
package email

import (
    "bytes"
    "context"
    "encoding/json"
    "fmt"
    "net/http"
    "time"
)

// AccessDetails carries everything the customer needs to reach and
// open their pod.
type AccessDetails struct {
    SessionID  string
    PodName    string
    Address    string
    StartTime  time.Time
    AccessCode string
}

// Mailer is the transactional email capability.
type Mailer interface {
    // SendAccessDetails emails the customer their access code and
    // directions once provisioning succeeds.
    SendAccessDetails(ctx context.Context, to string, details AccessDetails) error

    // SendPaymentAlert notifies operators that a checkout charge was
    // declined and needs manual follow-up.
    SendPaymentAlert(ctx context.Context, sessionID, customerEmail string, amountPence int64) error
}

const defaultResendBaseURL = "https://api.resend.com"

// ResendMailer implements Mailer over the provider's JSON API.
type ResendMailer struct {
    baseURL string
    apiKey  string
    from    string
    alertTo []string
    client  *http.Client
}

// NewResendMailer returns a ResendMailer sending from the given
// address.  alertTo lists the operator recipients of payment alerts.
func NewResendMailer(apiKey, from string, alertTo []string) *ResendMailer {
    return &ResendMailer{
        baseURL: defaultResendBaseURL,
        apiKey:  apiKey,
        from:    from,
        alertTo: alertTo,
        client:  &http.Client{Timeout: 10 * time.Second},
    }
}

// SendAccessDetails emails the access code to the customer.
func (m *ResendMailer) SendAccessDetails(ctx context.Context, to string, d AccessDetails) error {
    subject := fmt.Sprintf("Your session at %s from %s", d.PodName, formatStart(d.StartTime))
    html := fmt.Sprintf(
        `<p>Thanks for booking!</p>
<p><strong>Start time:</strong> %s</p>
<p><strong>Access code:</strong> %s</p>
<p>Go to <strong>%s</strong> and enter the code on the pod's keypad.</p>`,
        formatStart(d.StartTime), d.AccessCode, d.Address,
    )
    return m.send(ctx, []string{to}, subject, html)
}

// SendPaymentAlert emails operators about a declined checkout charge.
func (m *ResendMailer) SendPaymentAlert(ctx context.Context, sessionID, customerEmail string, amountPence int64) error {
    if len(m.alertTo) == 0 {
        return fmt.Errorf("no alert recipients configured")
    }
    subject := "Issue with a session payment"
    html := fmt.Sprintf(
        `<p>A checkout charge was declined:</p>
<p><strong>Session ID:</strong> %s<br/>
<strong>Customer:</strong> %s<br/>
<strong>Amount (pence):</strong> %d</p>`,
        sessionID, customerEmail, amountPence,
    )
    return m.send(ctx, m.alertTo, subject, html)
}

func (m *ResendMailer) send(ctx context.Context, to []string, subject, html string) error {
    payload, err := json.Marshal(map[string]any{
        "from":    m.from,
        "to":      to,
        "subject": subject,
        "html":    html,
    })
    if err != nil {
        return err
    }
    req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/emails", bytes.NewReader(payload))
    if err != nil {
        return err
    }
    req.Header.Set("Authorization", "Bearer "+m.apiKey)
    req.Header.Set("Content-Type", "application/json")

    resp, err := m.client.Do(req)
    if err != nil {
        return err
    }
    defer resp.Body.Close()
    if resp.StatusCode < 200 || resp.StatusCode >= 300 {
        return fmt.Errorf("email provider returned %s", resp.Status)
    }
    return nil
}

// formatStart renders a start time the way customers expect to read
// it, e.g. "3rd June 2025 @ 2PM".
func formatStart(t time.Time) string {
    t = t.UTC()
    return fmt.Sprintf("%s %s %d @ %s", ordinal(t.Day()), t.Month().String(), t.Year(), hour12(t))
}

func ordinal(n int) string {
    suffix := "th"
    if n%100 < 10 || n%100 > 20 {
        switch n % 10 {
        case 1:
            suffix = "st"
        case 2:
            suffix = "nd"
        case 3:
            suffix = "rd"
        }
    }
    return fmt.Sprintf("%d%s", n, suffix)
}

func hour12(t time.Time) string {
    h := t.Hour() % 12
    if h == 0 {
        h = 12
    }
    ampm := "AM"
    if t.Hour() >= 12 {
        ampm = "PM"
    }
    if m := t.Minute(); m != 0 {
        return fmt.Sprintf("%d:%02d%s", h, m, ampm)
    }
    return fmt.Sprintf("%d%s", h, ampm)
}
