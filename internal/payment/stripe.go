package payment

import (
    "context"
    "crypto/hmac"
    "crypto/sha256"
    "encoding/hex"
    "encoding/json"
    "fmt"
    "net/http"
    "net/url"
    "strconv"
    "strings"
    "time"
)

const defaultStripeBaseURL = "https://api.stripe.com"

// StripeClient implements Processor over the processor's form-encoded
// HTTP wire format.
type StripeClient struct {
    baseURL       string
    apiKey        string
    webhookSecret string
    client        *http.Client
}

// NewStripeClient returns a StripeClient authenticating with apiKey.
// webhookSecret may be empty, in which case ParseEvent skips signature
// verification (development mode).
func NewStripeClient(apiKey, webhookSecret string) *StripeClient {
    return &StripeClient{
        baseURL:       defaultStripeBaseURL,
        apiKey:        apiKey,
        webhookSecret: webhookSecret,
        client:        &http.Client{Timeout: 15 * time.Second},
    }
}

type stripeCustomer struct {
    ID string `json:"id"`
}

type stripeSetupIntent struct {
    ID            string `json:"id"`
    ClientSecret  string `json:"client_secret"`
    Status        string `json:"status"`
    Customer      string `json:"customer"`
    PaymentMethod string `json:"payment_method"`
}

type stripePaymentMethod struct {
    BillingDetails struct {
        Email string `json:"email"`
    } `json:"billing_details"`
}

type stripeError struct {
    Error struct {
        Type string `json:"type"`
        Code string `json:"code"`
    } `json:"error"`
}

// CreateSetupIntent creates a fresh customer and an off-session setup
// intent carrying the pod ID in its metadata.
func (c *StripeClient) CreateSetupIntent(ctx context.Context, podID string) (*SetupIntent, error) {
    var cust stripeCustomer
    if err := c.call(ctx, http.MethodPost, "/v1/customers", url.Values{}, &cust); err != nil {
        return nil, fmt.Errorf("create customer: %w", err)
    }
    form := url.Values{}
    form.Set("customer", cust.ID)
    form.Set("usage", "off_session")
    form.Set("metadata[pod_id]", podID)
    var si stripeSetupIntent
    if err := c.call(ctx, http.MethodPost, "/v1/setup_intents", form, &si); err != nil {
        return nil, fmt.Errorf("create setup intent: %w", err)
    }
    return &SetupIntent{
        ID:           si.ID,
        ClientSecret: si.ClientSecret,
        Status:       si.Status,
        CustomerRef:  cust.ID,
    }, nil
}

// GetSetupIntent retrieves a setup intent and resolves the billing
// email from its payment method when one is attached.
func (c *StripeClient) GetSetupIntent(ctx context.Context, id string) (*SetupIntent, error) {
    var si stripeSetupIntent
    if err := c.call(ctx, http.MethodGet, "/v1/setup_intents/"+id, nil, &si); err != nil {
        return nil, fmt.Errorf("get setup intent: %w", err)
    }
    out := &SetupIntent{
        ID:            si.ID,
        ClientSecret:  si.ClientSecret,
        Status:        si.Status,
        CustomerRef:   si.Customer,
        PaymentMethod: si.PaymentMethod,
    }
    if si.PaymentMethod != "" {
        var pm stripePaymentMethod
        if err := c.call(ctx, http.MethodGet, "/v1/payment_methods/"+si.PaymentMethod, nil, &pm); err != nil {
            return nil, fmt.Errorf("get payment method: %w", err)
        }
        out.CustomerEmail = pm.BillingDetails.Email
    }
    return out, nil
}

// Charge creates and confirms an off-session payment intent in one
// call.  A card decline comes back as ErrChargeDeclined so checkout
// can record it and still close the session.
func (c *StripeClient) Charge(ctx context.Context, customerRef, paymentMethod string, amountPence int64) error {
    form := url.Values{}
    form.Set("customer", customerRef)
    form.Set("payment_method", paymentMethod)
    form.Set("amount", strconv.FormatInt(amountPence, 10))
    form.Set("currency", "gbp")
    form.Set("confirm", "true")
    form.Set("off_session", "true")
    if err := c.call(ctx, http.MethodPost, "/v1/payment_intents", form, nil); err != nil {
        return fmt.Errorf("charge: %w", err)
    }
    return nil
}

// ParseEvent decodes a webhook payload and, when a signing secret is
// configured, checks the HMAC carried in the signature header.
func (c *StripeClient) ParseEvent(payload []byte, signature string) (*Event, error) {
    if c.webhookSecret != "" {
        if err := c.verifySignature(payload, signature); err != nil {
            return nil, err
        }
    }
    var raw struct {
        ID   string `json:"id"`
        Type string `json:"type"`
        Data struct {
            Object struct {
                ID string `json:"id"`
            } `json:"object"`
        } `json:"data"`
    }
    if err := json.Unmarshal(payload, &raw); err != nil {
        return nil, fmt.Errorf("decode event: %w", err)
    }
    if raw.Type != EventSetupIntentSucceeded {
        return nil, fmt.Errorf("%w: %s", ErrUnhandledEvent, raw.Type)
    }
    return &Event{ID: raw.ID, Type: raw.Type, SetupIntentID: raw.Data.Object.ID}, nil
}

// verifySignature checks the t=timestamp,v1=hex-hmac header format
// against the configured signing secret.
func (c *StripeClient) verifySignature(payload []byte, header string) error {
    var ts, sig string
    for _, part := range strings.Split(header, ",") {
        k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
        if !ok {
            continue
        }
        switch k {
        case "t":
            ts = v
        case "v1":
            sig = v
        }
    }
    if ts == "" || sig == "" {
        return fmt.Errorf("malformed signature header")
    }
    mac := hmac.New(sha256.New, []byte(c.webhookSecret))
    mac.Write([]byte(ts))
    mac.Write([]byte("."))
    mac.Write(payload)
    want := hex.EncodeToString(mac.Sum(nil))
    if !hmac.Equal([]byte(want), []byte(sig)) {
        return fmt.Errorf("signature mismatch")
    }
    return nil
}

// call performs one request against the processor API.  form is sent
// urlencoded for POSTs; GETs ignore it.  Decline-class errors on the
// payment intents endpoint map to ErrChargeDeclined.
func (c *StripeClient) call(ctx context.Context, method, path string, form url.Values, out any) error {
    var body *strings.Reader
    if method == http.MethodPost {
        body = strings.NewReader(form.Encode())
    } else {
        body = strings.NewReader("")
    }
    req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
    if err != nil {
        return err
    }
    req.SetBasicAuth(c.apiKey, "")
    if method == http.MethodPost {
        req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
    }
    resp, err := c.client.Do(req)
    if err != nil {
        return err
    }
    defer resp.Body.Close()

    if resp.StatusCode < 200 || resp.StatusCode >= 300 {
        var se stripeError
        _ = json.NewDecoder(resp.Body).Decode(&se)
        if se.Error.Type == "card_error" || resp.StatusCode == http.StatusPaymentRequired {
            return fmt.Errorf("%w: %s", ErrChargeDeclined, se.Error.Code)
        }
        return fmt.Errorf("processor returned %s for %s", resp.Status, path)
    }
    if out == nil {
        return nil
    }
    return json.NewDecoder(resp.Body).Decode(out)
}
