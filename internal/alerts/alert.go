// Package alerts evaluates standing price alerts against fresh quotes and fans
// triggered alerts out to notification channels.
package alerts

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/bizmatters/market-dashboard/orchestrator/internal/notify"
)

// Type selects the trigger rule.
type Type string

const (
	PriceAbove        Type = "price_above"
	PriceBelow        Type = "price_below"
	PercentChangeUp   Type = "percent_change_up"
	PercentChangeDown Type = "percent_change_down"
)

var (
	// ErrAlertNotFound is returned for an unknown alert id.
	ErrAlertNotFound = errors.New("alert not found")
	// ErrInvalidAlert is returned when a create request fails validation.
	ErrInvalidAlert = errors.New("invalid alert")
)

// Alert is a standing condition on a subject's quote. Destinations overrides
// the notifier's default destination per channel.
type Alert struct {
	ID             string                    `json:"id"`
	Subject        string                    `json:"subject"`
	Type           Type                      `json:"type"`
	Condition      string                    `json:"condition,omitempty"`
	Threshold      float64                   `json:"thresholdValue"`
	Message        string                    `json:"message,omitempty"`
	Channels       []notify.Channel          `json:"channels"`
	Destinations   map[notify.Channel]string `json:"destinations,omitempty"`
	Active         bool                      `json:"active"`
	CreatedAt      time.Time                 `json:"createdAt"`
	LastChecked    *time.Time                `json:"lastChecked,omitempty"`
	LastTriggered  *time.Time                `json:"lastTriggered,omitempty"`
	TriggeredCount int64                     `json:"triggeredCount"`
}

func (a Alert) clone() Alert {
	a.Channels = append([]notify.Channel(nil), a.Channels...)
	if a.Destinations != nil {
		d := make(map[notify.Channel]string, len(a.Destinations))
		for k, v := range a.Destinations {
			d[k] = v
		}
		a.Destinations = d
	}
	if a.LastChecked != nil {
		t := *a.LastChecked
		a.LastChecked = &t
	}
	if a.LastTriggered != nil {
		t := *a.LastTriggered
		a.LastTriggered = &t
	}
	return a
}

// CreateRequest describes a new alert. Active defaults to true.
type CreateRequest struct {
	Subject      string                    `json:"subject"`
	Type         Type                      `json:"type"`
	Condition    string                    `json:"condition,omitempty"`
	Threshold    float64                   `json:"threshold"`
	Message      string                    `json:"message,omitempty"`
	Channels     []notify.Channel          `json:"channels"`
	Destinations map[notify.Channel]string `json:"destinations,omitempty"`
	Active       *bool                     `json:"active,omitempty"`
}

func (r CreateRequest) validate() error {
	if strings.TrimSpace(r.Subject) == "" {
		return fmt.Errorf("%w: subject is required", ErrInvalidAlert)
	}
	switch r.Type {
	case PriceAbove, PriceBelow, PercentChangeUp, PercentChangeDown:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidAlert, r.Type)
	}
	if math.IsNaN(r.Threshold) || math.IsInf(r.Threshold, 0) {
		return fmt.Errorf("%w: threshold must be a finite number", ErrInvalidAlert)
	}
	for _, ch := range r.Channels {
		switch ch {
		case notify.ChannelEmail, notify.ChannelSMS, notify.ChannelPush:
		default:
			return fmt.Errorf("%w: unknown channel %q", ErrInvalidAlert, ch)
		}
	}
	return nil
}

// Quote is the part of a quote result alerts evaluate against.
type Quote struct {
	Price         float64
	ChangePercent float64
}

// Evaluate applies the alert's rule to q and returns whether it triggers
// and a human readable reason.
func (a Alert) Evaluate(q Quote) (bool, string) {
	switch a.Type {
	case PriceAbove:
		if q.Price >= a.Threshold {
			return true, fmt.Sprintf("%s price %.2f is at or above %.2f", a.Subject, q.Price, a.Threshold)
		}
	case PriceBelow:
		if q.Price <= a.Threshold {
			return true, fmt.Sprintf("%s price %.2f is at or below %.2f", a.Subject, q.Price, a.Threshold)
		}
	case PercentChangeUp:
		if q.ChangePercent >= a.Threshold {
			return true, fmt.Sprintf("%s is up %.2f%% (threshold %.2f%%)", a.Subject, q.ChangePercent, a.Threshold)
		}
	case PercentChangeDown:
		if q.ChangePercent <= -a.Threshold {
			return true, fmt.Sprintf("%s is down %.2f%% (threshold %.2f%%)", a.Subject, -q.ChangePercent, a.Threshold)
		}
	}
	return false, ""
}

// TriggeredRecord captures one trigger and its deliveries.
type TriggeredRecord struct {
	AlertID           string            `json:"alertId"`
	Subject           string            `json:"subject"`
	Type              Type              `json:"type"`
	Reason            string            `json:"reason"`
	Price             float64           `json:"price"`
	ChangePercent     float64           `json:"changePercent"`
	TriggeredAt       time.Time         `json:"triggeredAt"`
	NotificationsSent []notify.Delivery `json:"notificationsSent"`
}

// CheckSummary reports one evaluation pass.
type CheckSummary struct {
	SubjectsChecked int               `json:"subjectsChecked"`
	AlertsEvaluated int               `json:"alertsEvaluated"`
	Triggered       int               `json:"triggered"`
	FetchErrors     map[string]string `json:"fetchErrors,omitempty"`
	Records         []TriggeredRecord `json:"records,omitempty"`
}
