package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/MetaStark/vision-IoS-sub006/internal/config"
	"github.com/MetaStark/vision-IoS-sub006/internal/model"
	"github.com/MetaStark/vision-IoS-sub006/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertDefconEscalation  AlertType = "defcon_escalation"
	AlertDefconDowngrade   AlertType = "defcon_downgrade"
	AlertInconsistentState AlertType = "inconsistent_state"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter turns DEFCON transitions into webhook alerts. It satisfies the
// state machine's notifier interface.
type Alerter struct {
	cfg      config.MonitoringConfig
	minLevel model.DefconLevel
	client   *http.Client
	guard    *resilience.Guard
	retry    resilience.RetryConfig
	now      func() time.Time

	// Repeated inconsistency alerts for the same row count are suppressed
	// for repeatWindow.
	mu               sync.Mutex
	lastInconsistent time.Time
	lastRows         int
}

const repeatWindow = 5 * time.Minute

// NewAlerter creates a new Alerter with the given monitoring config. A nil
// guard gets a default one named "webhook".
func NewAlerter(cfg config.MonitoringConfig, guard *resilience.Guard) *Alerter {
	minLevel, err := model.ParseDefconLevel(cfg.MinLevel)
	if err != nil {
		minLevel = model.DefconOrange
	}
	if guard == nil {
		guard = resilience.NewGuard("webhook", resilience.DefaultGuardConfig())
	}
	retry := resilience.DefaultRetryConfig()
	if cfg.WebhookRetries > 0 {
		retry.MaxAttempts = cfg.WebhookRetries
	}
	retry.OnRetry = resilience.LogRetry("monitoring.alerter", "webhook")
	return &Alerter{
		cfg:      cfg,
		minLevel: minLevel,
		client:   &http.Client{Timeout: 10 * time.Second},
		guard:    guard,
		retry:    retry,
		now:      time.Now,
	}
}

// Evaluate returns the alert for a committed transition, or nil when neither
// side of it reaches the configured minimum level.
func (a *Alerter) Evaluate(st model.SystemState) *Alert {
	if a.minLevel.MoreSevereThan(st.Level) && a.minLevel.MoreSevereThan(st.PreviousLevel) {
		return nil
	}

	typ := AlertDefconEscalation
	verb := "escalated"
	if st.PreviousLevel.MoreSevereThan(st.Level) {
		typ, verb = AlertDefconDowngrade, "lowered"
	}
	details := map[string]any{
		"state_id":     st.ID,
		"from":         st.PreviousLevel,
		"to":           st.Level,
		"triggered_by": st.TriggeredBy,
	}
	if st.TriggerBreaker != "" {
		details["trigger_breaker"] = st.TriggerBreaker
	}
	if len(st.ActiveBreakers) > 0 {
		details["active_breakers"] = st.ActiveBreakers
	}
	return &Alert{
		Type:      typ,
		Severity:  severity(st.Level),
		Message:   fmt.Sprintf("DEFCON %s from %s to %s: %s", verb, st.PreviousLevel, st.Level, st.Reason),
		Details:   details,
		Timestamp: a.now().UTC(),
	}
}

// NotifyTransition alerts on a committed transition when it reaches the
// minimum level.
func (a *Alerter) NotifyTransition(ctx context.Context, st model.SystemState) error {
	alert := a.Evaluate(st)
	if alert == nil || a.cfg.WebhookURL == "" {
		return nil
	}
	return a.deliver(ctx, *alert)
}

// NotifyInconsistent alerts that the store holds zero or several active
// state rows.
func (a *Alerter) NotifyInconsistent(ctx context.Context, activeRows int) error {
	if a.cfg.WebhookURL == "" || a.repeated(activeRows) {
		return nil
	}
	return a.deliver(ctx, Alert{
		Type:      AlertInconsistentState,
		Severity:  "critical",
		Message:   fmt.Sprintf("system state has %d active rows; operating as BLACK until repaired", activeRows),
		Details:   map[string]any{"active_rows": activeRows},
		Timestamp: a.now().UTC(),
	})
}

func (a *Alerter) repeated(activeRows int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	if activeRows == a.lastRows && !a.lastInconsistent.IsZero() && now.Sub(a.lastInconsistent) < repeatWindow {
		return true
	}
	a.lastInconsistent, a.lastRows = now, activeRows
	return false
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.deliver(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		sent++
	}
	return sent
}

func (a *Alerter) deliver(ctx context.Context, alert Alert) error {
	err := resilience.Do(ctx, a.retry, func(ctx context.Context) error {
		return a.guard.Execute(ctx, func(ctx context.Context) error {
			return a.sendWebhook(ctx, alert)
		})
	})
	if err != nil {
		return err
	}
	zap.L().Info("monitoring: alert sent",
		zap.String("type", string(alert.Type)),
		zap.String("severity", alert.Severity),
	)
	return nil
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "monitoring: webhook request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return resilience.NewTransientError(eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode), resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func severity(l model.DefconLevel) string {
	switch l {
	case model.DefconRed, model.DefconBlack:
		return "critical"
	case model.DefconOrange:
		return "high"
	default:
		return "warning"
	}
}
