// Package alert forwards announcements to the haptic alert backend.
// Delivery is best effort: callers log failures and move on.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/herald/internal/config"
)

const triggerPath = "/api/haptic-alerts/trigger"

// ErrDelivery wraps every failure to hand an alert to the backend.
var ErrDelivery = errors.New("alert: delivery failed")

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
)

// Payload is the JSON body of a trigger request.
type Payload struct {
	VenueID   string   `json:"venueId"`
	Severity  Severity `json:"severity"`
	Message   string   `json:"message"`
	MorseCode string   `json:"morseCode"`
}

// Sender delivers one alert.
type Sender interface {
	Send(ctx context.Context, category, text string) error
}

// Client posts alerts over HTTP. It never retries.
type Client struct {
	endpoint   string
	venueID    string
	maxMessage int
	http       *http.Client
}

func NewClient(cfg config.AlertConfig, venueID string) *Client {
	return &Client{
		endpoint:   strings.TrimRight(cfg.BaseURL, "/") + triggerPath,
		venueID:    venueID,
		maxMessage: cfg.MaxMessageLen,
		http:       &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond},
	}
}

// Build maps an announcement to its alert payload.
func (c *Client) Build(category, text string) Payload {
	severity, morse := Classify(category, text)
	return Payload{
		VenueID:   c.venueID,
		Severity:  severity,
		Message:   truncate(text, c.maxMessage),
		MorseCode: morse,
	}
}

func (c *Client) Send(ctx context.Context, category, text string) error {
	body, err := json.Marshal(c.Build(category, text))
	if err != nil {
		return fmt.Errorf("%w: encode payload: %v", ErrDelivery, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrDelivery, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("%w: status %d: %s", ErrDelivery, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

var urgencyWords = []string{"urgent", "immediate", "attention"}

// Classify returns the severity and morse pattern for an announcement.
func Classify(category, text string) (Severity, string) {
	if category == "emergency" {
		return SeverityCritical, "SOS"
	}
	if category == "travel" {
		return SeverityHigh, "HELP"
	}
	lower := strings.ToLower(text)
	for _, w := range urgencyWords {
		if strings.Contains(lower, w) {
			return SeverityHigh, "HELP"
		}
	}
	return SeverityMedium, "HELP"
}

func truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
