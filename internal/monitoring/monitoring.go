// Package monitoring provides New Relic APM integration.
package monitoring

import (
	"sync"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"

	"github.com/kaspool/kaspool/internal/config"
	"github.com/kaspool/kaspool/internal/util"
)

// Agent wraps New Relic APM functionality. All recording methods are
// no-ops when the agent is disabled or not yet connected.
type Agent struct {
	cfg *config.MonitoringConfig
	mu  sync.RWMutex
	app *newrelic.Application
}

// NewAgent creates a New Relic agent.
func NewAgent(cfg *config.MonitoringConfig) *Agent {
	return &Agent{cfg: cfg}
}

// Start initializes the agent.
func (a *Agent) Start() error {
	if !a.cfg.Enabled {
		util.Info("New Relic APM disabled")
		return nil
	}
	if a.cfg.LicenseKey == "" {
		util.Warn("New Relic license key not configured, APM disabled")
		return nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(a.cfg.AppName),
		newrelic.ConfigLicense(a.cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
		newrelic.ConfigAppLogForwardingEnabled(true),
	)
	if err != nil {
		return err
	}

	if err := app.WaitForConnection(5 * time.Second); err != nil {
		util.Warnf("New Relic connection timeout: %v (will retry in background)", err)
	}

	a.mu.Lock()
	a.app = app
	a.mu.Unlock()

	util.Infof("New Relic APM enabled for app: %s", a.cfg.AppName)
	return nil
}

// Stop shuts the agent down, flushing buffered data.
func (a *Agent) Stop() {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		util.Info("Shutting down New Relic agent")
		app.Shutdown(10 * time.Second)
	}
}

// Application returns the underlying application (for middleware).
func (a *Agent) Application() *newrelic.Application {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app
}

func (a *Agent) recordEvent(eventType string, params map[string]interface{}) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.RecordCustomEvent(eventType, params)
	}
}

// RecordCustomMetric records a custom metric.
func (a *Agent) RecordCustomMetric(name string, value float64) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.RecordCustomMetric(name, value)
	}
}

// BlockFound records a found-block event. Satisfies the orchestrator's
// notifier contract.
func (a *Agent) BlockFound(hash, finder string) {
	a.recordEvent("BlockFound", map[string]interface{}{
		"hash":   hash,
		"finder": finder,
	})
}

// PaymentSent records a payout event.
func (a *Agent) PaymentSent(address string, amount uint64, txID string) {
	a.recordEvent("Payment", map[string]interface{}{
		"address": address,
		"amount":  amount,
		"txId":    txID,
	})
}

// UpdatePoolMetrics pushes pool-wide gauges.
func (a *Agent) UpdatePoolMetrics(sessions, miners, jobWindow int) {
	a.RecordCustomMetric("Custom/Pool/Sessions", float64(sessions))
	a.RecordCustomMetric("Custom/Pool/Miners", float64(miners))
	a.RecordCustomMetric("Custom/Pool/JobWindow", float64(jobWindow))
}
