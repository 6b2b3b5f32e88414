// Package monitor wires packet capture, feature engineering, anomaly
// detection, signature matching and the firewall/store/cache/event-bus/
// archive sinks into the per-frame analyze loop and the background
// online-retrain worker.
package monitor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/atailh4n/sentryd/internal/archive"
	"github.com/atailh4n/sentryd/internal/cache"
	"github.com/atailh4n/sentryd/internal/capture"
	"github.com/atailh4n/sentryd/internal/config"
	"github.com/atailh4n/sentryd/internal/detector"
	"github.com/atailh4n/sentryd/internal/eventbus"
	"github.com/atailh4n/sentryd/internal/firewall"
	"github.com/atailh4n/sentryd/internal/geoenrich"
	"github.com/atailh4n/sentryd/internal/signature"
	"github.com/atailh4n/sentryd/internal/store"
	"github.com/atailh4n/sentryd/pkg/idutil"
	"github.com/atailh4n/sentryd/pkg/models"
)

// Monitor is the orchestrator tying together capture, detection and
// response. It is safe for concurrent use: Analyze may be called from the
// capture loop while a retrain runs in the background.
type Monitor struct {
	cfg *config.Config

	store     *store.Store
	detector  *detector.Detector
	processor *capture.PacketProcessor
	sigEngine *signature.Engine
	fw        firewall.Firewall

	cache   *cache.Cache   // nil when disabled
	bus     *eventbus.Publisher // nil when disabled
	archive *archive.Sink  // nil when disabled
	geo     *geoenrich.Provider // nil when disabled

	blockedMu      sync.Mutex
	runtimeBlocked map[string]struct{}

	retrainMu sync.Mutex

	packetCounter uint64
	counterMu     sync.Mutex

	thresholdHigh, thresholdMedium float64
}

// New constructs a Monitor. Any of cache, bus, archive, geo may be nil to
// disable that optional subsystem.
func New(
	cfg *config.Config,
	st *store.Store,
	det *detector.Detector,
	proc *capture.PacketProcessor,
	sig *signature.Engine,
	fw firewall.Firewall,
	c *cache.Cache,
	bus *eventbus.Publisher,
	arc *archive.Sink,
	geo *geoenrich.Provider,
) *Monitor {
	hi, med := cfg.Monitoring.ThresholdsOrDefault()
	return &Monitor{
		cfg:            cfg,
		store:          st,
		detector:       det,
		processor:      proc,
		sigEngine:      sig,
		fw:             fw,
		cache:          c,
		bus:            bus,
		archive:        arc,
		geo:            geo,
		runtimeBlocked: make(map[string]struct{}),
		thresholdHigh:  hi,
		thresholdMedium: med,
	}
}

// SyncFirewallFromHistory replays the block-history table into both the
// runtime_blocked set and the live firewall, so a restart does not silently
// drop previously-installed blocks. An IP whose latest action is "block"
// and whose expiry (if any) has not yet passed is re-installed.
func (m *Monitor) SyncFirewallFromHistory(ctx context.Context) error {
	rows, err := m.store.ListBlocks(ctx, 10000)
	if err != nil {
		return err
	}

	latest := make(map[string]models.BlockAction)
	for _, b := range rows {
		if cur, ok := latest[b.IP]; !ok || b.Ts.After(cur.Ts) {
			latest[b.IP] = b
		}
	}

	now := idutil.NowUTC()
	for ip, b := range latest {
		if b.Action != models.ActionBlock {
			continue
		}
		if b.ExpiresAt != nil && !b.ExpiresAt.After(now) {
			continue
		}
		if _, err := m.fw.EnsureBlock(ip, b.Reason); err != nil {
			log.Printf("monitor: failed to re-sync firewall block for %s: %v", ip, err)
			continue
		}
		m.blockedMu.Lock()
		m.runtimeBlocked[ip] = struct{}{}
		m.blockedMu.Unlock()
	}
	return nil
}

// Analyze runs the detection pipeline for one already-captured record and
// its freshly engineered feature vector (the last row of
// PacketProcessor.EngineerFeatures, or ExtractFeatures for a single
// map-keyed record).
func (m *Monitor) Analyze(ctx context.Context, rec capture.PacketRecord, fv capture.FeatureVector) {
	m.bumpPacketCounter()

	window := m.processor.GetWindowView()
	if len(window) < m.cfg.Monitoring.WarmupPackets {
		return
	}

	var alerts []models.Alert

	if score, err := m.detector.DecisionScores([]capture.FeatureVector{fv}); err == nil && len(score) == 1 {
		if sev, ok := severityFromScore(score[0], m.thresholdHigh, m.thresholdMedium); ok {
			alerts = append(alerts, models.Alert{
				SrcIP:    rec.SrcIP,
				Label:    "anomaly",
				Severity: sev,
				Kind:     models.AlertKindAnomaly,
			})
			if m.cfg.Monitoring.FirewallEnabled {
				m.maybeBlock(ctx, rec.SrcIP, sev, "auto-block: anomaly")
			}
		}
	} else if err != nil && err != detector.ModelNotReady {
		log.Printf("monitor: decision scoring failed: %v", err)
	}

	for _, hit := range m.sigEngine.Evaluate(rec, window) {
		alerts = append(alerts, models.Alert{
			SrcIP:    rec.SrcIP,
			Label:    hit.Name,
			Severity: models.Severity(hit.Severity),
			Kind:     models.AlertKindSignature,
		})
	}

	for _, a := range alerts {
		m.persistAndDispatch(ctx, a)
	}

	if m.archive != nil {
		m.archive.Write(archive.Row{
			Ts:       time.Unix(int64(rec.Timestamp), 0).UTC(),
			SrcIP:    rec.SrcIP,
			DestIP:   rec.DestIP,
			Features: fv,
			Label:    labelFor(alerts),
		})
	}

	if interval := m.cfg.Monitoring.OnlineRetrainInterval; interval > 0 {
		if m.packetCount()%uint64(interval) == 0 {
			m.triggerRetrain()
		}
	}
}

func (m *Monitor) persistAndDispatch(ctx context.Context, a models.Alert) {
	saved, err := m.store.AddAlert(ctx, a)
	if err != nil {
		log.Printf("monitor: failed to persist alert: %v", err)
		return
	}
	if m.bus != nil {
		m.bus.PublishAlert(ctx, saved)
	}
	m.logGeoContext(ctx, saved)
}

// logGeoContext records a best-effort enrichment log event alongside a
// persisted alert, when a GeoIP database is configured.
func (m *Monitor) logGeoContext(ctx context.Context, a models.Alert) {
	if m.geo == nil {
		return
	}
	info, ok := m.geo.Lookup(a.SrcIP)
	if !ok {
		return
	}
	_, err := m.store.AddLogEvent(ctx, models.LogEvent{
		Level:   "info",
		Source:  "geoenrich",
		Message: fmt.Sprintf("alert source %s geolocated to %s, %s", a.SrcIP, info.City, info.Country),
		SrcIP:   a.SrcIP,
	})
	if err != nil {
		log.Printf("monitor: failed to log geo context: %v", err)
	}
}

// maybeBlock implements the policy from the monitor's block decision:
// skip if ip is empty, loopback, one of the host's own addresses, already
// blocked this run, or explicitly trusted; otherwise call the firewall
// with "auto-"+severity, record the block in the store under reason, and
// add ip to the runtime-blocked set.
func (m *Monitor) maybeBlock(ctx context.Context, ip string, severity models.Severity, reason string) {
	if ip == "" || ip == "127.0.0.1" || m.processor.IsLocalIP(ip) {
		return
	}

	m.blockedMu.Lock()
	_, already := m.runtimeBlocked[ip]
	m.blockedMu.Unlock()
	if already {
		return
	}

	if m.cache != nil {
		if trusted, err := m.cache.IsTrustedCached(ctx, ip); err == nil && trusted {
			return
		}
	}
	trusted, err := m.store.IsTrusted(ctx, ip)
	if err != nil {
		log.Printf("monitor: trusted lookup failed for %s: %v", ip, err)
	} else if trusted {
		if m.cache != nil {
			m.cache.CacheTrusted(ctx, ip, 5*time.Minute)
		}
		return
	}

	if _, err := m.fw.EnsureBlock(ip, "auto-"+string(severity)); err != nil {
		log.Printf("monitor: firewall block failed for %s: %v", ip, err)
		return
	}

	if err := m.store.DeleteActionByIP(ctx, ip); err != nil {
		log.Printf("monitor: failed to clear prior block history for %s: %v", ip, err)
	}

	block := models.BlockAction{
		IP:     ip,
		Action: models.ActionBlock,
		Reason: reason,
	}
	saved, err := m.store.AddBlock(ctx, block)
	if err != nil {
		log.Printf("monitor: failed to persist block for %s: %v", ip, err)
	}

	m.blockedMu.Lock()
	m.runtimeBlocked[ip] = struct{}{}
	m.blockedMu.Unlock()

	if m.cache != nil {
		m.cache.CacheBlocked(ctx, ip, 0)
	}
	if m.bus != nil && err == nil {
		m.bus.PublishBlock(ctx, saved)
	}
}

// Unblock lifts a runtime block for ip, both on the host firewall and in
// the in-memory set, and records the unblock in history.
func (m *Monitor) Unblock(ctx context.Context, ip, reason string) error {
	if err := m.fw.Unblock(ip); err != nil {
		return err
	}
	m.blockedMu.Lock()
	delete(m.runtimeBlocked, ip)
	m.blockedMu.Unlock()

	if m.cache != nil {
		m.cache.InvalidateBlocked(ctx, ip)
	}

	unblock := models.BlockAction{IP: ip, Action: models.ActionUnblock, Reason: reason}
	saved, err := m.store.AddBlock(ctx, unblock)
	if err != nil {
		return err
	}
	if m.bus != nil {
		m.bus.PublishBlock(ctx, saved)
	}
	return nil
}

// ExpireBans sweeps the store for blocks past their expiry, lifting each
// one on the firewall and in the runtime set.
func (m *Monitor) ExpireBans(ctx context.Context) error {
	expired, err := m.store.ExpireBans(ctx, idutil.NowUTC())
	if err != nil {
		return err
	}
	for _, ip := range expired {
		if err := m.fw.Unblock(ip); err != nil {
			log.Printf("monitor: firewall unblock failed during expiry for %s: %v", ip, err)
		}
		m.blockedMu.Lock()
		delete(m.runtimeBlocked, ip)
		m.blockedMu.Unlock()
		if m.cache != nil {
			m.cache.InvalidateBlocked(ctx, ip)
		}
	}
	return nil
}

func (m *Monitor) bumpPacketCounter() {
	m.counterMu.Lock()
	m.packetCounter++
	m.counterMu.Unlock()
}

func (m *Monitor) packetCount() uint64 {
	m.counterMu.Lock()
	defer m.counterMu.Unlock()
	return m.packetCounter
}

// triggerRetrain fits a fresh model against the current window snapshot on
// a background goroutine and atomically swaps it into the live detector.
// retrainMu enforces a single in-flight retrain: a trigger that arrives
// while one is already running is dropped rather than queued.
func (m *Monitor) triggerRetrain() {
	if !m.retrainMu.TryLock() {
		return
	}
	go func() {
		defer m.retrainMu.Unlock()

		rows := m.processor.GetWindowView()
		if len(rows) < m.cfg.Training.MinPackets {
			return
		}
		features, _ := m.processor.EngineerFeatures(rows)

		staged := detector.NewDetector(m.cfg.ModelDir)
		staged.Fit(features, detector.DetectorParams{
			Contamination: m.cfg.IsolationForest.Contamination,
			NEstimators:   m.cfg.IsolationForest.NEstimators,
			RandomState:   m.cfg.IsolationForest.RandomState,
		})

		m.detector.Swap(staged)
		if _, err := m.detector.Save(m.cfg.ModelPath); err != nil {
			log.Printf("monitor: failed to persist retrained model: %v", err)
		} else {
			log.Printf("monitor: online retrain complete over %d rows", len(rows))
		}
	}()
}

// severityFromScore maps a decision score to an alert severity. Scores are
// "lower is more anomalous"; thresholds are negative, with thresholdHigh
// more negative than thresholdMedium. A score above thresholdMedium is not
// anomalous enough to alert on.
func severityFromScore(score, thresholdHigh, thresholdMedium float64) (models.Severity, bool) {
	switch {
	case score <= thresholdHigh:
		return models.SeverityHigh, true
	case score <= thresholdMedium:
		return models.SeverityMedium, true
	default:
		return "", false
	}
}

func labelFor(alerts []models.Alert) string {
	if len(alerts) == 0 {
		return "normal"
	}
	return "anomaly"
}
