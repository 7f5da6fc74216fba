package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bizmatters/market-dashboard/orchestrator/internal/agent"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/clock"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/notify"
)

// DefaultHistoryLimit bounds the triggered history.
const DefaultHistoryLimit = 200

// Dispatcher runs a task against a registered agent.
type Dispatcher interface {
	Run(ctx context.Context, agentKey string, task agent.Task, execCtx agent.ExecContext) agent.ExecutionResult
}

// Notifier delivers one message over one channel.
type Notifier interface {
	Send(ctx context.Context, ch notify.Channel, destination, subject, body string) notify.Delivery
}

// TriggerRecorder receives trigger events. Optional.
type TriggerRecorder interface {
	RecordAlertTriggered(ctx context.Context, alertType, subject string)
}

// Config configures a Manager.
type Config struct {
	// QuoteAgent and QuoteAction name the capability used to fetch a
	// subject's quote. Defaults: "market", "quote".
	QuoteAgent  string
	QuoteAction string
	Clock       clock.Clock
	// Cooldown suppresses re-triggering an alert within the window. Zero
	// triggers on every pass where the condition holds.
	Cooldown     time.Duration
	HistoryLimit int
	Recorder     TriggerRecorder
	Logger       *slog.Logger
}

// Manager owns the alerts and the triggered history.
type Manager struct {
	dispatcher   Dispatcher
	notifier     Notifier
	quoteAgent   string
	quoteAction  string
	clock        clock.Clock
	cooldown     time.Duration
	historyLimit int
	recorder     TriggerRecorder
	logger       *slog.Logger

	mu      sync.Mutex
	alerts  map[string]*Alert
	history []TriggeredRecord

	// checkMu keeps evaluation passes from overlapping.
	checkMu sync.Mutex

	loopMu   sync.Mutex
	loopStop context.CancelFunc
}

// NewManager creates a Manager. notifier may be nil, in which case triggers
// are recorded without deliveries.
func NewManager(d Dispatcher, notifier Notifier, cfg Config) *Manager {
	if cfg.QuoteAgent == "" {
		cfg.QuoteAgent = "market"
	}
	if cfg.QuoteAction == "" {
		cfg.QuoteAction = "quote"
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		dispatcher:   d,
		notifier:     notifier,
		quoteAgent:   cfg.QuoteAgent,
		quoteAction:  cfg.QuoteAction,
		clock:        cfg.Clock,
		cooldown:     cfg.Cooldown,
		historyLimit: cfg.HistoryLimit,
		recorder:     cfg.Recorder,
		logger:       cfg.Logger.With("component", "alerts"),
		alerts:       make(map[string]*Alert),
	}
}

func normalizeSubject(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Create validates and stores a new alert.
func (m *Manager) Create(req CreateRequest) (Alert, error) {
	if err := req.validate(); err != nil {
		return Alert{}, err
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	channels := req.Channels
	if len(channels) == 0 {
		channels = []notify.Channel{notify.ChannelPush}
	}

	a := &Alert{
		ID:        uuid.NewString(),
		Subject:   normalizeSubject(req.Subject),
		Type:      req.Type,
		Condition: req.Condition,
		Threshold: req.Threshold,
		Message:   req.Message,
		Channels:  append([]notify.Channel(nil), channels...),
		Active:    active,
		CreatedAt: m.clock.Now(),
	}
	if len(req.Destinations) > 0 {
		a.Destinations = make(map[notify.Channel]string, len(req.Destinations))
		for k, v := range req.Destinations {
			a.Destinations[k] = v
		}
	}

	m.mu.Lock()
	m.alerts[a.ID] = a
	m.mu.Unlock()

	m.logger.Info("alert created", "id", a.ID, "subject", a.Subject, "type", a.Type, "threshold", a.Threshold)
	return a.clone(), nil
}

// Get returns an alert by id.
func (m *Manager) Get(id string) (Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[id]
	if !ok {
		return Alert{}, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	return a.clone(), nil
}

// List returns every alert ordered by creation time.
func (m *Manager) List() []Alert {
	return m.filter(func(*Alert) bool { return true })
}

// ListBySubject returns the alerts for one subject.
func (m *Manager) ListBySubject(subject string) []Alert {
	subject = normalizeSubject(subject)
	return m.filter(func(a *Alert) bool { return a.Subject == subject })
}

func (m *Manager) filter(keep func(*Alert) bool) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if keep(a) {
			out = append(out, a.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Delete removes an alert.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.alerts[id]; !ok {
		return fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	delete(m.alerts, id)
	return nil
}

// DeleteBySubject removes every alert for subject and returns how many
// were removed.
func (m *Manager) DeleteBySubject(subject string) int {
	subject = normalizeSubject(subject)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, a := range m.alerts {
		if a.Subject == subject {
			delete(m.alerts, id)
			removed++
		}
	}
	return removed
}

// SetActive toggles whether an alert is evaluated.
func (m *Manager) SetActive(id string, active bool) (Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[id]
	if !ok {
		return Alert{}, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	a.Active = active
	return a.clone(), nil
}

// TriggeredHistory returns up to limit records, most recent first.
func (m *Manager) TriggeredHistory(limit int) []TriggeredRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]TriggeredRecord, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.history[i])
	}
	return out
}

// CheckAlerts runs one evaluation pass: one quote fetch per distinct
// subject of the active alerts, then every alert of that subject is
// evaluated. A failed fetch is logged and only skips its own subject.
func (m *Manager) CheckAlerts(ctx context.Context) CheckSummary {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()

	groups := m.activeBySubject()
	subjects := make([]string, 0, len(groups))
	for s := range groups {
		subjects = append(subjects, s)
	}
	sort.Strings(subjects)

	summary := CheckSummary{}
	for _, subject := range subjects {
		if ctx.Err() != nil {
			break
		}
		summary.SubjectsChecked++

		quote, err := m.fetchQuote(ctx, subject)
		if err != nil {
			m.logger.Warn("alert quote fetch failed", "subject", subject, "error", err)
			if summary.FetchErrors == nil {
				summary.FetchErrors = make(map[string]string)
			}
			summary.FetchErrors[subject] = err.Error()
			continue
		}

		for _, a := range groups[subject] {
			summary.AlertsEvaluated++
			if rec, ok := m.evaluate(ctx, a, quote); ok {
				summary.Triggered++
				summary.Records = append(summary.Records, rec)
			}
		}
	}

	m.logger.Info("alert check completed", "subjects", summary.SubjectsChecked,
		"evaluated", summary.AlertsEvaluated, "triggered", summary.Triggered, "fetch_errors", len(summary.FetchErrors))
	return summary
}

func (m *Manager) activeBySubject() map[string][]Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	groups := make(map[string][]Alert)
	for _, a := range m.alerts {
		if a.Active {
			groups[a.Subject] = append(groups[a.Subject], a.clone())
		}
	}
	for _, g := range groups {
		sort.Slice(g, func(i, j int) bool { return g[i].CreatedAt.Before(g[j].CreatedAt) })
	}
	return groups
}

func (m *Manager) fetchQuote(ctx context.Context, subject string) (Quote, error) {
	res := m.dispatcher.Run(ctx, m.quoteAgent, agent.Task{
		Action: m.quoteAction,
		Params: agent.Params{"symbol": subject},
	}, agent.ExecContext{"source": "alerts"})
	if !res.Success {
		return Quote{}, fmt.Errorf("%s.%s failed: %s", m.quoteAgent, m.quoteAction, res.Error)
	}
	return extractQuote(res.Result)
}

// evaluate checks one alert and, when it triggers, delivers notifications
// and records the trigger.
func (m *Manager) evaluate(ctx context.Context, a Alert, q Quote) (TriggeredRecord, bool) {
	now := m.clock.Now()
	triggered, reason := a.Evaluate(q)

	m.mu.Lock()
	live, ok := m.alerts[a.ID]
	if !ok || !live.Active {
		m.mu.Unlock()
		return TriggeredRecord{}, false
	}
	live.LastChecked = &now
	if triggered && m.cooldown > 0 && live.LastTriggered != nil && now.Sub(*live.LastTriggered) < m.cooldown {
		triggered = false
	}
	m.mu.Unlock()

	if !triggered {
		return TriggeredRecord{}, false
	}

	rec := TriggeredRecord{
		AlertID:       a.ID,
		Subject:       a.Subject,
		Type:          a.Type,
		Reason:        reason,
		Price:         q.Price,
		ChangePercent: q.ChangePercent,
		TriggeredAt:   now,
	}

	title := fmt.Sprintf("%s alert: %s", a.Subject, a.Type)
	body := reason
	if a.Message != "" {
		body = a.Message + "\n" + reason
	}
	rec.NotificationsSent = make([]notify.Delivery, 0, len(a.Channels))
	for _, ch := range a.Channels {
		if m.notifier == nil {
			rec.NotificationsSent = append(rec.NotificationsSent, notify.Delivery{Channel: ch, Error: "no notifier configured"})
			continue
		}
		rec.NotificationsSent = append(rec.NotificationsSent, m.notifier.Send(ctx, ch, a.Destinations[ch], title, body))
	}

	m.mu.Lock()
	if live, ok := m.alerts[a.ID]; ok {
		live.TriggeredCount++
		live.LastTriggered = &now
	}
	m.history = append(m.history, rec)
	if len(m.history) > m.historyLimit {
		m.history = m.history[len(m.history)-m.historyLimit:]
	}
	m.mu.Unlock()

	if m.recorder != nil {
		m.recorder.RecordAlertTriggered(ctx, string(a.Type), a.Subject)
	}
	m.logger.Info("alert triggered", "id", a.ID, "subject", a.Subject, "reason", reason)
	return rec, true
}

// Start runs CheckAlerts every interval on the manager's clock until ctx is
// cancelled or Stop is called. Calling Start again replaces the loop.
func (m *Manager) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	m.Stop()

	loopCtx, cancel := context.WithCancel(ctx)
	m.loopMu.Lock()
	m.loopStop = cancel
	m.loopMu.Unlock()

	var tick func()
	tick = func() {
		if loopCtx.Err() != nil {
			return
		}
		m.CheckAlerts(loopCtx)
		if loopCtx.Err() == nil {
			m.clock.AfterFunc(interval, tick)
		}
	}
	m.clock.AfterFunc(interval, tick)
	m.logger.Info("alert loop started", "interval", interval.String())
}

// Stop ends the periodic loop.
func (m *Manager) Stop() {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.loopStop != nil {
		m.loopStop()
		m.loopStop = nil
	}
}
