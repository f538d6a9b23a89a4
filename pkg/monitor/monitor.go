package monitor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/tidwall/gjson"

	"github.com/tovfikur/infra-controlplane/pkg/cache"
	"github.com/tovfikur/infra-controlplane/pkg/events"
	"github.com/tovfikur/infra-controlplane/pkg/health"
	"github.com/tovfikur/infra-controlplane/pkg/installer"
	"github.com/tovfikur/infra-controlplane/pkg/inventory"
	"github.com/tovfikur/infra-controlplane/pkg/log"
	"github.com/tovfikur/infra-controlplane/pkg/metrics"
	"github.com/tovfikur/infra-controlplane/pkg/placement"
	"github.com/tovfikur/infra-controlplane/pkg/security"
	"github.com/tovfikur/infra-controlplane/pkg/sshconn"
	"github.com/tovfikur/infra-controlplane/pkg/storage"
	"github.com/tovfikur/infra-controlplane/pkg/types"
)

// perServiceFailurePenalty is subtracted from a host's health score for
// every declared service found not to be present-active, per spec.md
// §4.9's "subtract 20 per failed declared service".
const perServiceFailurePenalty = 20

// Threshold is a metric's warning/critical band.
type Threshold struct {
	Warning  float64
	Critical float64
}

// Thresholds maps a metric name to its warning/critical bands.
type Thresholds map[string]Threshold

// DefaultThresholds returns the control plane's out-of-the-box bands for
// the four metrics the metrics tick collects. Operators may override
// individual entries without replacing the whole map.
func DefaultThresholds() Thresholds {
	return Thresholds{
		"cpu_percent":    {Warning: 80, Critical: 95},
		"memory_percent": {Warning: 80, Critical: 95},
		"disk_percent":   {Warning: 85, Critical: 95},
		"load_average":   {Warning: 4, Critical: 8},
	}
}

func (t Thresholds) severity(metric string, value float64) (types.AlertSeverity, float64, bool) {
	band, ok := t[metric]
	if !ok {
		return "", 0, false
	}
	switch {
	case value >= band.Critical:
		return types.SeverityCritical, band.Critical, true
	case value >= band.Warning:
		return types.SeverityWarning, band.Warning, true
	default:
		return "", 0, false
	}
}

// Engine is the Monitor & Alert Engine (C9): three independently-clocked
// tickers (health, metrics, alert-sweep) driving probe-lite checks,
// resource-metric collection, and threshold-breach alerting.
type Engine struct {
	store       storage.Store
	inv         *inventory.Inventory
	placement   *placement.Placement
	registry    *installer.Registry
	dialer      *sshconn.Dialer
	credentials *security.CredentialStore
	broker      *events.Broker

	thresholds        Thresholds
	autoResolveMinAge time.Duration
	probeTimeout      time.Duration

	// lastMetrics holds each host's most recently observed metric
	// values, read back by the auto-resolve sweep to decide whether a
	// threshold-breach alert's condition has cleared without a
	// synchronous re-probe.
	metricsMu   sync.RWMutex
	lastMetrics map[string]map[string]float64

	// views is the shared ephemeral key-value cache spec.md §5 calls out
	// under "Shared resources": only the Monitor writes to it, the
	// operator API reads the derived views it produces. Nil until
	// SetViewCache is called, in which case caching is simply skipped.
	views *cache.TTLMap

	stopHealth  chan struct{}
	stopMetrics chan struct{}
	stopAlerts  chan struct{}
}

// New wires an Engine to its collaborators. A nil thresholds map falls
// back to DefaultThresholds.
func New(store storage.Store, inv *inventory.Inventory, pl *placement.Placement, registry *installer.Registry, dialer *sshconn.Dialer, credentials *security.CredentialStore, broker *events.Broker, thresholds Thresholds, autoResolveMinAge, probeTimeout time.Duration) *Engine {
	if thresholds == nil {
		thresholds = DefaultThresholds()
	}
	return &Engine{
		store: store, inv: inv, placement: pl, registry: registry,
		dialer: dialer, credentials: credentials, broker: broker,
		thresholds: thresholds, autoResolveMinAge: autoResolveMinAge, probeTimeout: probeTimeout,
		lastMetrics: make(map[string]map[string]float64),
	}
}

// Start launches the three ticker loops against clock. Each loop stops
// only on its own Stop call, matching spec.md's "independent intervals"
// wording — a slow health tick never delays the alert sweep.
func (e *Engine) Start(clock clockwork.Clock, healthInterval, metricsInterval, alertSweepInterval time.Duration) {
	e.stopHealth = make(chan struct{})
	e.stopMetrics = make(chan struct{})
	e.stopAlerts = make(chan struct{})

	go e.loop(clock, healthInterval, e.stopHealth, e.HealthTick)
	go e.loop(clock, metricsInterval, e.stopMetrics, e.MetricsTick)
	go e.loop(clock, alertSweepInterval, e.stopAlerts, e.AlertSweepTick)
}

func (e *Engine) loop(clock clockwork.Clock, interval time.Duration, stop chan struct{}, tick func(context.Context)) {
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			tick(context.Background())
		case <-stop:
			return
		}
	}
}

// viewTTL bounds how stale a cached derived view may be before it's
// treated as absent; twice the default MetricsInterval (1m) so a single
// missed tick doesn't blank the view out.
const viewTTL = 2 * time.Minute

// metricsViewKey is the cache key under which a host's most recent
// metrics snapshot is published for the operator API to read.
func metricsViewKey(hostID string) string { return "monitor:metrics:" + hostID }

// SetViewCache wires the shared ephemeral cache the operator API reads
// derived views from. Safe to leave unset; writes become no-ops.
func (e *Engine) SetViewCache(c *cache.TTLMap) { e.views = c }

// Stop ends all three loops.
func (e *Engine) Stop() {
	for _, ch := range []chan struct{}{e.stopHealth, e.stopMetrics, e.stopAlerts} {
		if ch != nil {
			close(ch)
		}
	}
}

// HealthTick runs probe-lite against every active host: open an SSH
// session, ask each declared service's Installer whether it's
// present-active, and persist the resulting health score. A host that
// refuses the connection entirely scores 0 and is reported unhealthy to
// pkg/inventory.RecordProbeOutcome, which owns the
// three-consecutive-failure -> maintenance transition; a host that
// answers but has degraded services stays "healthy" (reachable) at a
// reduced score.
func (e *Engine) HealthTick(ctx context.Context) {
	hosts, err := e.store.ListHosts()
	if err != nil {
		log.WithComponent("monitor").Error().Err(err).Msg("list hosts for health tick")
		return
	}
	for _, h := range hosts {
		if h.Status != types.HostActive {
			continue
		}
		e.probeHostLite(ctx, h)
	}
	e.probePlacements(ctx, hosts)
}

// probePlacements TCP-checks every running placement's port on its host
// and feeds the result to pkg/placement.RecordHealthOutcome, the same
// way probeHostLite feeds pkg/inventory.RecordProbeOutcome — a
// placement's health is a narrower, port-level question than the host's
// own declared-service probe above.
func (e *Engine) probePlacements(ctx context.Context, hosts []*types.Host) {
	if e.placement == nil {
		return
	}
	byID := make(map[string]*types.Host, len(hosts))
	for _, h := range hosts {
		byID[h.ID] = h
	}

	placements, err := e.store.ListPlacements()
	if err != nil {
		log.WithComponent("monitor").Error().Err(err).Msg("list placements for health tick")
		return
	}
	for _, pl := range placements {
		if pl.Status != types.PlacementRunning {
			continue
		}
		host, ok := byID[pl.HostID]
		if !ok {
			continue
		}
		checker := health.NewTCPChecker(fmt.Sprintf("%s:%d", host.Address, pl.Port)).WithTimeout(e.probeTimeout)
		result := checker.Check(ctx)
		if err := e.placement.RecordHealthOutcome(pl.ID, result.Healthy); err != nil {
			log.WithPlacement(pl.ID).Error().Err(err).Msg("record placement health outcome")
		}
	}
}

func (e *Engine) probeHostLite(ctx context.Context, h *types.Host) {
	probeCtx, cancel := context.WithTimeout(ctx, e.probeTimeout)
	defer cancel()

	secret, kind, err := e.credentials.Get(h.ID)
	if err != nil {
		log.WithHost(h.ID).Warn().Err(err).Msg("probe-lite: load credential")
		_ = e.inv.RecordProbeOutcome(h.ID, false, 0)
		return
	}
	sess, err := e.dialer.Open(probeCtx, h, kind, secret)
	if err != nil {
		log.WithHost(h.ID).Warn().Err(err).Msg("probe-lite: connectivity failed")
		_ = e.inv.RecordProbeOutcome(h.ID, false, 0)
		_ = e.upsertAlert("host-unreachable", h.ID, "", "", 0, 0, types.SeverityCritical, err.Error())
		return
	}
	defer sess.Close()

	score := 100
	for _, role := range h.DeclaredRoles {
		inst, ok := e.registry.Get(role)
		if !ok {
			continue
		}
		status, detail, derr := inst.Detect(probeCtx, sess)
		if derr != nil || status != installer.PresentActive {
			score -= perServiceFailurePenalty
			note := detail
			if derr != nil {
				note = derr.Error()
			}
			_ = e.upsertAlert("service-down", h.ID, "", string(role), 0, 1, types.SeverityWarning,
				fmt.Sprintf("declared service %s is %s: %s", role, status, note))
		}
	}
	if score < 0 {
		score = 0
	}
	if err := e.inv.RecordProbeOutcome(h.ID, true, score); err != nil {
		log.WithHost(h.ID).Error().Err(err).Msg("record probe outcome")
	}
}

// MetricsTick collects CPU/memory/disk/load from every active host over
// SSH, publishes them as Prometheus gauges (the "externalized
// time-series store" spec.md places out of scope is satisfied by
// scraping these, not by this process owning a TSDB), and evaluates them
// against thresholds inline — spec.md doesn't mandate a separate read
// before the alert-sweep tick re-evaluates, and doing it here means a
// metric spike is visible to the gauge scrape immediately rather than up
// to AlertSweepInterval later.
func (e *Engine) MetricsTick(ctx context.Context) {
	hosts, err := e.store.ListHosts()
	if err != nil {
		log.WithComponent("monitor").Error().Err(err).Msg("list hosts for metrics tick")
		return
	}
	for _, h := range hosts {
		if h.Status != types.HostActive {
			continue
		}
		e.collectHostMetrics(ctx, h)
	}
}

func (e *Engine) collectHostMetrics(ctx context.Context, h *types.Host) {
	probeCtx, cancel := context.WithTimeout(ctx, e.probeTimeout)
	defer cancel()

	secret, kind, err := e.credentials.Get(h.ID)
	if err != nil {
		return
	}
	sess, err := e.dialer.Open(probeCtx, h, kind, secret)
	if err != nil {
		return
	}
	defer sess.Close()

	res, err := sess.Execute(probeCtx, []string{"sh", "-c", metricsScript}, e.probeTimeout)
	if err != nil || res.ExitCode != 0 {
		return
	}
	values := parseMetrics(res.Stdout)

	e.metricsMu.Lock()
	e.lastMetrics[h.ID] = values
	e.metricsMu.Unlock()

	if e.views != nil {
		e.views.Set(metricsViewKey(h.ID), values, viewTTL)
	}

	if v, ok := values["cpu_percent"]; ok {
		metrics.HostCPUPercent.WithLabelValues(h.ID).Set(v)
	}
	if v, ok := values["memory_percent"]; ok {
		metrics.HostMemoryPercent.WithLabelValues(h.ID).Set(v)
	}
	if v, ok := values["disk_percent"]; ok {
		metrics.HostDiskPercent.WithLabelValues(h.ID).Set(v)
	}
	if v, ok := values["load_average"]; ok {
		metrics.HostLoadAverage.WithLabelValues(h.ID).Set(v)
	}

	for metric, value := range values {
		if sev, threshold, breached := e.thresholds.severity(metric, value); breached {
			_ = e.upsertAlert("threshold-breach", h.ID, "", metric, value, threshold, sev, "")
		}
	}
}

// parseMetrics extracts each metric independently, the same
// name-it-and-skip-it-on-failure style pkg/probe's parseFacts uses: a
// missing or "unknown" value is simply absent from the result rather
// than failing the whole parse.
func parseMetrics(payload string) map[string]float64 {
	jsonStart := strings.IndexByte(payload, '{')
	if jsonStart < 0 {
		return nil
	}
	payload = payload[jsonStart:]

	out := map[string]float64{}
	for _, field := range []string{"cpu_percent", "memory_percent", "disk_percent", "load_average"} {
		v := gjson.Get(payload, field).String()
		if v == "" || v == "unknown" {
			continue
		}
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			out[field] = n
		}
	}
	return out
}

// AlertSweepTick auto-resolves alerts whose underlying condition has
// cleared and refreshes the active-alert gauge. It raises no alerts
// itself: threshold alerts come from the metrics tick and host/service
// alerts from the health tick.
func (e *Engine) AlertSweepTick(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.AlertEvaluationDuration)

	e.autoResolveStale()
	e.observeActiveCount()
}

// autoResolveStale re-evaluates every active, auto-resolve-enabled alert
// older than autoResolveMinAge, and resolves it with the fixed note
// spec.md §4.9 names if its condition no longer holds. Threshold-breach
// alerts are re-checked against the host's last-observed gauge value;
// alerts recorded by the health tick (host-unreachable, service-down)
// are skipped and are not auto-resolved anywhere: they stay active until
// an operator resolves them.
func (e *Engine) autoResolveStale() {
	active, err := e.store.ListActiveAlerts()
	if err != nil {
		log.WithComponent("monitor").Error().Err(err).Msg("list active alerts for auto-resolve sweep")
		return
	}
	now := time.Now()
	for _, a := range active {
		if !a.AutoResolveEnabled {
			continue
		}
		if now.Sub(a.FirstOccurrence) < e.autoResolveMinAge {
			continue
		}
		if a.Kind != "threshold-breach" {
			continue
		}
		if e.conditionStillBreaches(a) {
			continue
		}
		a.Status = types.AlertResolved
		a.ResolutionNote = "condition cleared"
		a.ResolvedAt = now
		a.UpdatedAt = now
		if err := e.store.UpdateAlert(a); err != nil {
			log.WithComponent("monitor").Error().Err(err).Str("alert_id", a.ID).Msg("auto-resolve alert")
			continue
		}
		e.publish(events.EventAlertResolved, a)
	}
}

func (e *Engine) conditionStillBreaches(a *types.Alert) bool {
	e.metricsMu.RLock()
	current, ok := e.lastMetrics[a.HostID][a.MetricName]
	e.metricsMu.RUnlock()
	if !ok {
		return true // no observation yet: don't auto-resolve blind
	}
	_, _, breached := e.thresholds.severity(a.MetricName, current)
	return breached
}

func (e *Engine) observeActiveCount() {
	active, err := e.store.ListActiveAlerts()
	if err != nil {
		return
	}
	counts := map[types.AlertSeverity]int{}
	for _, a := range active {
		counts[a.Severity]++
	}
	for _, sev := range []types.AlertSeverity{types.SeverityInfo, types.SeverityWarning, types.SeverityCritical} {
		metrics.AlertsActiveTotal.WithLabelValues(string(sev)).Set(float64(counts[sev]))
	}
}

// Acknowledge marks alert acknowledged by actor, per spec.md §4.9's
// operator action.
func (e *Engine) Acknowledge(alertID, actor string) (*types.Alert, error) {
	a, err := e.store.GetAlert(alertID)
	if err != nil {
		return nil, err
	}
	a.Status = types.AlertAcknowledged
	a.AcknowledgedBy = actor
	a.AcknowledgedAt = time.Now()
	a.UpdatedAt = time.Now()
	if err := e.store.UpdateAlert(a); err != nil {
		return nil, err
	}
	e.publish(events.EventAlertUpdated, a)
	return a, nil
}

// Resolve marks alert resolved by actor with an operator-supplied note,
// per spec.md §4.9's operator action.
func (e *Engine) Resolve(alertID, actor, note string) (*types.Alert, error) {
	a, err := e.store.GetAlert(alertID)
	if err != nil {
		return nil, err
	}
	a.Status = types.AlertResolved
	a.ResolutionNote = note
	a.ResolvedAt = time.Now()
	a.UpdatedAt = time.Now()
	if err := e.store.UpdateAlert(a); err != nil {
		return nil, err
	}
	e.publish(events.EventAlertResolved, a)
	return a, nil
}

// upsertAlert implements spec.md §4.9's upsert_alert: find an active
// alert by (kind, host, placement, metric); if one exists, bump its
// LastOccurrence/Value and raise severity to the max of old and new;
// otherwise create a new active alert. The same dedup shape
// pkg/proxy.Manager.raiseRollbackAlert already established.
func (e *Engine) upsertAlert(kind, hostID, placementID, metricName string, value, threshold float64, severity types.AlertSeverity, note string) error {
	key := (&types.Alert{Kind: kind, HostID: hostID, PlacementID: placementID, MetricName: metricName}).DedupKey()
	now := time.Now()

	existing, err := e.store.GetActiveAlertByDedupKey(key)
	if err == nil {
		existing.Value = value
		existing.LastOccurrence = now
		existing.Severity = types.MaxSeverity(existing.Severity, severity)
		existing.UpdatedAt = now
		if uerr := e.store.UpdateAlert(existing); uerr != nil {
			return uerr
		}
		e.publish(events.EventAlertUpdated, existing)
		return nil
	}

	alert := &types.Alert{
		ID:                 uuid.NewString(),
		Kind:               kind,
		Severity:           severity,
		HostID:             hostID,
		PlacementID:        placementID,
		MetricName:         metricName,
		Value:              value,
		Threshold:          threshold,
		Status:             types.AlertActive,
		FirstOccurrence:    now,
		LastOccurrence:     now,
		AutoResolveEnabled: kind == "threshold-breach",
		ResolutionNote:     note,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := e.store.CreateAlert(alert); err != nil {
		return err
	}
	e.publish(events.EventAlertRaised, alert)
	return nil
}

func (e *Engine) publish(evt events.EventType, a *types.Alert) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(&events.Event{ID: uuid.NewString(), Type: evt, Metadata: map[string]string{
		"alert_id": a.ID, "kind": a.Kind, "host_id": a.HostID,
	}})
}
