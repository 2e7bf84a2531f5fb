package security

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	mwaperrors "github.com/dhirmadi/mwapserver-sub005/pkg/errors"
	"github.com/dhirmadi/mwapserver-sub005/pkg/logger"
	"github.com/dhirmadi/mwapserver-sub005/pkg/oauth"
)

// PatternType identifies a kind of suspicious behavior in the attempt stream.
type PatternType string

const (
	PatternHighFailureRate   PatternType = "HIGH_FAILURE_RATE"
	PatternRapidAttempts     PatternType = "RAPID_ATTEMPTS"
	PatternIPAbuse           PatternType = "IP_ABUSE"
	PatternStateManipulation PatternType = "STATE_MANIPULATION"
	PatternReplayAttack      PatternType = "REPLAY_ATTACK"
)

// Severity ranks patterns and alerts.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// severityRank orders severities for aggregation.
var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// AlertStatus is the lifecycle state of a security alert.
type AlertStatus string

const (
	AlertActive        AlertStatus = "ACTIVE"
	AlertInvestigating AlertStatus = "INVESTIGATING"
	AlertResolved      AlertStatus = "RESOLVED"
)

// AlertTypeSecurityIncident is the only alert type the monitor raises.
const AlertTypeSecurityIncident = "SECURITY_INCIDENT"

// Attempt is one observed callback outcome. It carries request metadata and
// the catalogued error code and issue strings only; never token material.
type Attempt struct {
	Timestamp      time.Time
	IP             string
	UserAgent      string
	Success        bool
	ErrorCode      string
	TenantID       string
	IntegrationID  string
	UserID         string
	Provider       string
	SecurityIssues []string
}

// Pattern is a detected suspicious behavior.
type Pattern struct {
	ID          string         `json:"id"`
	Type        PatternType    `json:"type"`
	Severity    Severity       `json:"severity"`
	Description string         `json:"description"`
	Evidence    map[string]any `json:"evidence"`
	Source      string         `json:"source"`
	DetectedAt  time.Time      `json:"detectedAt"`
}

// Alert aggregates one or more high-severity patterns into an incident with
// recommended actions and a lifecycle status.
type Alert struct {
	ID                 string      `json:"id"`
	Type               string      `json:"type"`
	Severity           Severity    `json:"severity"`
	Patterns           []Pattern   `json:"patterns"`
	RecommendedActions []string    `json:"recommendedActions"`
	Status             AlertStatus `json:"status"`
	CreatedAt          time.Time   `json:"createdAt"`
	UpdatedAt          time.Time   `json:"updatedAt"`
}

// MonitorConfig carries the detection thresholds and retention policy.
type MonitorConfig struct {
	// Window bounds ratio and velocity computations.
	Window time.Duration

	// MinAttemptsForRate is the minimum sample size before the failure-rate
	// detector fires.
	MinAttemptsForRate int
	// FailureRateMedium and FailureRateHigh are the failure ratios at which
	// the failure-rate pattern fires at MEDIUM and HIGH severity.
	FailureRateMedium float64
	FailureRateHigh   float64

	// RapidAttempts and RapidAttemptsHigh are the per-(ip, userAgent) attempt
	// counts at which the rapid-attempts pattern fires at MEDIUM and HIGH.
	RapidAttempts     int
	RapidAttemptsHigh int

	// IPAbuseAttempts and IPAbuseCritical are the per-IP attempt counts,
	// across all user agents, at which the IP-abuse pattern fires at HIGH
	// and CRITICAL.
	IPAbuseAttempts int
	IPAbuseCritical int

	// MaxAttemptsPerKey caps retained attempts per (ip, userAgent) key;
	// oldest entries are evicted first.
	MaxAttemptsPerKey int

	// Retention horizons enforced by the cleanup loop.
	AttemptRetention time.Duration
	PatternRetention time.Duration
	AlertRetention   time.Duration

	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval time.Duration
}

// DefaultMonitorConfig returns the production thresholds.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Window:             5 * time.Minute,
		MinAttemptsForRate: 5,
		FailureRateMedium:  0.5,
		FailureRateHigh:    0.8,
		RapidAttempts:      10,
		RapidAttemptsHigh:  20,
		IPAbuseAttempts:    20,
		IPAbuseCritical:    50,
		MaxAttemptsPerKey:  1000,
		AttemptRetention:   24 * time.Hour,
		PatternRetention:   24 * time.Hour,
		AlertRetention:     7 * 24 * time.Hour,
		CleanupInterval:    time.Minute,
	}
}

// normalize fills zero-valued fields with the defaults.
func (c MonitorConfig) normalize() MonitorConfig {
	def := DefaultMonitorConfig()
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.MinAttemptsForRate <= 0 {
		c.MinAttemptsForRate = def.MinAttemptsForRate
	}
	if c.FailureRateMedium <= 0 {
		c.FailureRateMedium = def.FailureRateMedium
	}
	if c.FailureRateHigh <= 0 {
		c.FailureRateHigh = def.FailureRateHigh
	}
	if c.RapidAttempts <= 0 {
		c.RapidAttempts = def.RapidAttempts
	}
	if c.RapidAttemptsHigh <= 0 {
		c.RapidAttemptsHigh = def.RapidAttemptsHigh
	}
	if c.IPAbuseAttempts <= 0 {
		c.IPAbuseAttempts = def.IPAbuseAttempts
	}
	if c.IPAbuseCritical <= 0 {
		c.IPAbuseCritical = def.IPAbuseCritical
	}
	if c.MaxAttemptsPerKey <= 0 {
		c.MaxAttemptsPerKey = def.MaxAttemptsPerKey
	}
	if c.AttemptRetention <= 0 {
		c.AttemptRetention = def.AttemptRetention
	}
	if c.PatternRetention <= 0 {
		c.PatternRetention = def.PatternRetention
	}
	if c.AlertRetention <= 0 {
		c.AlertRetention = def.AlertRetention
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = def.CleanupInterval
	}
	return c
}

// Monitor observes callback attempts, detects suspicious patterns, and raises
// alerts for high-severity ones. All storage is in memory with bounded
// retention; a background loop evicts expired records.
type Monitor struct {
	mu  sync.RWMutex
	cfg MonitorConfig

	// attempts is keyed by "ip|userAgent".
	attempts map[string][]Attempt
	patterns []Pattern
	alerts   []Alert

	// lastPattern deduplicates patterns per (type, source): within the window
	// a pattern is only re-raised when its severity escalates.
	lastPattern map[string]patternMark

	totalAttempts int
	totalFailures int
	startedAt     time.Time

	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

// NewMonitor creates a monitor and starts its cleanup loop. Call Close to
// stop it.
func NewMonitor(cfg MonitorConfig) *Monitor {
	m := &Monitor{
		cfg:         cfg.normalize(),
		attempts:    make(map[string][]Attempt),
		lastPattern: make(map[string]patternMark),
		startedAt:   time.Now(),
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	go m.runCleanup()
	return m
}

// patternMark remembers when a (type, source) pattern last fired and at what
// severity, for deduplication.
type patternMark struct {
	at       time.Time
	severity Severity
}

// Close stops the cleanup loop and waits for it to finish.
func (m *Monitor) Close() {
	close(m.stopCleanup)
	<-m.cleanupDone
}

// attemptKey groups attempts by source.
func attemptKey(ip, userAgent string) string {
	return ip + "|" + userAgent
}

// RecordAttempt stores one callback outcome, runs the detectors over the
// updated window, and raises an alert if any new pattern is HIGH or CRITICAL.
// It returns the patterns detected for this attempt.
func (m *Monitor) RecordAttempt(a Attempt) []Pattern {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := attemptKey(a.IP, a.UserAgent)
	m.attempts[key] = append(m.attempts[key], a)
	if len(m.attempts[key]) > m.cfg.MaxAttemptsPerKey {
		m.attempts[key] = m.attempts[key][len(m.attempts[key])-m.cfg.MaxAttemptsPerKey:]
	}

	m.totalAttempts++
	if !a.Success {
		m.totalFailures++
	}

	detected := m.detect(key, a)
	if len(detected) == 0 {
		return nil
	}

	m.patterns = append(m.patterns, detected...)

	var alerting []Pattern
	for _, p := range detected {
		if severityRank[p.Severity] >= severityRank[SeverityHigh] {
			alerting = append(alerting, p)
		}
	}
	if len(alerting) > 0 {
		m.raiseAlert(alerting, a.Timestamp)
	}

	return detected
}

// detect runs all detectors for the attempt. Caller holds the write lock.
func (m *Monitor) detect(key string, a Attempt) []Pattern {
	var out []Pattern

	recent := m.windowAttempts(key, a.Timestamp)

	if p := m.detectFailureRate(key, recent, a.Timestamp); p != nil {
		out = append(out, *p)
	}
	if p := m.detectRapidAttempts(key, recent, a.Timestamp); p != nil {
		out = append(out, *p)
	}
	if p := m.detectIPAbuse(a.IP, a.Timestamp); p != nil {
		out = append(out, *p)
	}
	if p := m.detectStateManipulation(key, a); p != nil {
		out = append(out, *p)
	}
	if p := m.detectReplay(key, a); p != nil {
		out = append(out, *p)
	}

	return out
}

// windowAttempts returns the attempts for key within the window ending at now.
func (m *Monitor) windowAttempts(key string, now time.Time) []Attempt {
	cutoff := now.Add(-m.cfg.Window)
	var recent []Attempt
	for _, a := range m.attempts[key] {
		if !a.Timestamp.Before(cutoff) {
			recent = append(recent, a)
		}
	}
	return recent
}

func (m *Monitor) detectFailureRate(key string, recent []Attempt, now time.Time) *Pattern {
	if len(recent) < m.cfg.MinAttemptsForRate {
		return nil
	}
	failures := 0
	for _, a := range recent {
		if !a.Success {
			failures++
		}
	}
	rate := float64(failures) / float64(len(recent))
	if rate < m.cfg.FailureRateMedium {
		return nil
	}

	severity := SeverityMedium
	if rate >= m.cfg.FailureRateHigh {
		severity = SeverityHigh
	}
	return m.newPattern(PatternHighFailureRate, severity, key, now,
		fmt.Sprintf("%d of %d recent attempts from this source failed", failures, len(recent)),
		map[string]any{
			"attempts":    len(recent),
			"failures":    failures,
			"failureRate": rate,
		})
}

func (m *Monitor) detectRapidAttempts(key string, recent []Attempt, now time.Time) *Pattern {
	if len(recent) < m.cfg.RapidAttempts {
		return nil
	}
	severity := SeverityMedium
	if len(recent) >= m.cfg.RapidAttemptsHigh {
		severity = SeverityHigh
	}
	return m.newPattern(PatternRapidAttempts, severity, key, now,
		fmt.Sprintf("%d attempts from this source within %s", len(recent), m.cfg.Window),
		map[string]any{"attempts": len(recent)})
}

func (m *Monitor) detectIPAbuse(ip string, now time.Time) *Pattern {
	cutoff := now.Add(-m.cfg.Window)
	prefix := ip + "|"
	count := 0
	agents := 0
	for key, list := range m.attempts {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		agents++
		for _, a := range list {
			if !a.Timestamp.Before(cutoff) {
				count++
			}
		}
	}
	if count < m.cfg.IPAbuseAttempts {
		return nil
	}
	severity := SeverityHigh
	if count >= m.cfg.IPAbuseCritical {
		severity = SeverityCritical
	}
	return m.newPattern(PatternIPAbuse, severity, ip, now,
		fmt.Sprintf("%d attempts from this IP across %d user agents within %s", count, agents, m.cfg.Window),
		map[string]any{
			"attempts":   count,
			"userAgents": agents,
		})
}

func (m *Monitor) detectStateManipulation(key string, a Attempt) *Pattern {
	if a.Success || !mentionsStateMaterial(a.SecurityIssues) {
		return nil
	}
	return m.newPattern(PatternStateManipulation, SeverityHigh, key, a.Timestamp,
		"attempt carried a tampered state parameter",
		map[string]any{
			"errorCode": a.ErrorCode,
			"issues":    append([]string(nil), a.SecurityIssues...),
		})
}

func (m *Monitor) detectReplay(key string, a Attempt) *Pattern {
	if a.ErrorCode != mwaperrors.ErrAlreadyConfigured {
		return nil
	}
	return m.newPattern(PatternReplayAttack, SeverityMedium, key, a.Timestamp,
		"callback replayed against an already configured integration",
		map[string]any{
			"tenantId":      a.TenantID,
			"integrationId": a.IntegrationID,
		})
}

// mentionsStateMaterial reports whether any issue references the state
// envelope fields an attacker would tamper with.
func mentionsStateMaterial(issues []string) bool {
	for _, issue := range issues {
		lowered := strings.ToLower(issue)
		if strings.Contains(lowered, "state") ||
			strings.Contains(lowered, "nonce") ||
			strings.Contains(lowered, "timestamp") {
			return true
		}
	}
	return false
}

// newPattern builds a pattern unless an equal-or-higher-severity pattern for
// the same (type, source) was already raised within the window. Escalations
// always get through so a source crossing a higher threshold is re-reported.
// Caller holds the write lock.
func (m *Monitor) newPattern(t PatternType, severity Severity, source string, now time.Time, description string, evidence map[string]any) *Pattern {
	dedupKey := string(t) + "|" + source
	if mark, ok := m.lastPattern[dedupKey]; ok &&
		now.Sub(mark.at) < m.cfg.Window &&
		severityRank[severity] <= severityRank[mark.severity] {
		return nil
	}
	m.lastPattern[dedupKey] = patternMark{at: now, severity: severity}

	return &Pattern{
		ID:          uuid.NewString(),
		Type:        t,
		Severity:    severity,
		Description: description,
		Evidence:    evidence,
		Source:      source,
		DetectedAt:  now,
	}
}

// raiseAlert aggregates the given patterns into one incident. Caller holds
// the write lock.
func (m *Monitor) raiseAlert(patterns []Pattern, now time.Time) {
	severity := SeverityHigh
	for _, p := range patterns {
		if severityRank[p.Severity] > severityRank[severity] {
			severity = p.Severity
		}
	}

	alert := Alert{
		ID:                 uuid.NewString(),
		Type:               AlertTypeSecurityIncident,
		Severity:           severity,
		Patterns:           append([]Pattern(nil), patterns...),
		RecommendedActions: recommendedActions(patterns),
		Status:             AlertActive,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	m.alerts = append(m.alerts, alert)

	types := make([]string, 0, len(patterns))
	for _, p := range patterns {
		types = append(types, string(p.Type))
	}
	logger.Warnw("security incident raised",
		"alert_id", alert.ID,
		"severity", string(severity),
		"patterns", types,
		"source", patterns[0].Source,
	)
}

// recommendedActions returns the deterministic action list for the pattern
// types present, deduplicated in order.
func recommendedActions(patterns []Pattern) []string {
	var out []string
	seen := make(map[string]bool)
	for _, p := range patterns {
		for _, action := range actionsForPattern(p.Type) {
			if !seen[action] {
				seen[action] = true
				out = append(out, action)
			}
		}
	}
	return out
}

func actionsForPattern(t PatternType) []string {
	switch t {
	case PatternHighFailureRate:
		return []string{
			"Review recent callback failures from this source",
			"Consider rate limiting the source IP",
		}
	case PatternRapidAttempts:
		return []string{
			"Consider rate limiting the source IP",
			"Verify the client is not stuck in a redirect loop",
		}
	case PatternIPAbuse:
		return []string{
			"Consider blocking or rate limiting the source IP",
			"Review all tenants contacted from this IP",
		}
	case PatternStateManipulation:
		return []string{
			"Investigate the source for state parameter tampering",
			"Consider blocking the source IP",
		}
	case PatternReplayAttack:
		return []string{
			"Verify the integration's tokens were not exposed",
			"Investigate the source for callback replay",
		}
	default:
		return []string{"Review the attempt stream for this source"}
	}
}

// Metrics is a point-in-time summary of the attempt stream.
type Metrics struct {
	TotalAttempts    int       `json:"totalAttempts"`
	TotalFailures    int       `json:"totalFailures"`
	AttemptsInWindow int       `json:"attemptsInWindow"`
	FailuresInWindow int       `json:"failuresInWindow"`
	SuccessRate      float64   `json:"successRate"`
	FailureRate      float64   `json:"failureRate"`
	WindowStart      time.Time `json:"windowStart"`
	WindowEnd        time.Time `json:"windowEnd"`
	TrackedSources   int       `json:"trackedSources"`
	ActiveAlerts     int       `json:"activeAlerts"`
	StartedAt        time.Time `json:"startedAt"`
}

// CurrentMetrics computes metrics over the current window.
func (m *Monitor) CurrentMetrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	cutoff := now.Add(-m.cfg.Window)

	inWindow, failed := 0, 0
	for _, list := range m.attempts {
		for _, a := range list {
			if a.Timestamp.Before(cutoff) {
				continue
			}
			inWindow++
			if !a.Success {
				failed++
			}
		}
	}

	metrics := Metrics{
		TotalAttempts:    m.totalAttempts,
		TotalFailures:    m.totalFailures,
		AttemptsInWindow: inWindow,
		FailuresInWindow: failed,
		WindowStart:      cutoff,
		WindowEnd:        now,
		TrackedSources:   len(m.attempts),
		ActiveAlerts:     m.countActiveAlertsLocked(),
		StartedAt:        m.startedAt,
	}
	if inWindow > 0 {
		metrics.FailureRate = float64(failed) / float64(inWindow)
		metrics.SuccessRate = 1 - metrics.FailureRate
	}
	return metrics
}

func (m *Monitor) countActiveAlertsLocked() int {
	count := 0
	for _, a := range m.alerts {
		if a.Status == AlertActive {
			count++
		}
	}
	return count
}

// ActiveAlerts returns alerts still in the ACTIVE state, newest first.
func (m *Monitor) ActiveAlerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Alert
	for _, a := range m.alerts {
		if a.Status == AlertActive {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// RecentPatterns returns detected patterns, newest first, up to limit.
// A non-positive limit returns all retained patterns.
func (m *Monitor) RecentPatterns(limit int) []Pattern {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := append([]Pattern(nil), m.patterns...)
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// SetAlertStatus transitions an alert's lifecycle state.
func (m *Monitor) SetAlertStatus(id string, status AlertStatus) error {
	switch status {
	case AlertActive, AlertInvestigating, AlertResolved:
	default:
		return fmt.Errorf("unknown alert status %q", status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.alerts {
		if m.alerts[i].ID == id {
			m.alerts[i].Status = status
			m.alerts[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("alert %s not found", id)
}

// ErrorCodeCount is one row of the error code breakdown in a report.
type ErrorCodeCount struct {
	Code  string `json:"code"`
	Count int    `json:"count"`
}

// Report is a fuller snapshot than Metrics, for the admin reporting endpoint.
type Report struct {
	GeneratedAt   time.Time        `json:"generatedAt"`
	Metrics       Metrics          `json:"metrics"`
	TopErrorCodes []ErrorCodeCount `json:"topErrorCodes"`
	ActiveAlerts  []Alert          `json:"activeAlerts"`
	Patterns      []Pattern        `json:"patterns"`
}

// GenerateReport summarizes the retained records: metrics, the most frequent
// error codes, active alerts, and recent patterns.
func (m *Monitor) GenerateReport() Report {
	metrics := m.CurrentMetrics()
	alerts := m.ActiveAlerts()
	patterns := m.RecentPatterns(50)

	m.mu.RLock()
	counts := make(map[string]int)
	for _, list := range m.attempts {
		for _, a := range list {
			if a.ErrorCode != "" {
				counts[a.ErrorCode]++
			}
		}
	}
	m.mu.RUnlock()

	codes := make([]ErrorCodeCount, 0, len(counts))
	for code, n := range counts {
		codes = append(codes, ErrorCodeCount{Code: code, Count: n})
	}
	sort.Slice(codes, func(i, j int) bool {
		if codes[i].Count != codes[j].Count {
			return codes[i].Count > codes[j].Count
		}
		return codes[i].Code < codes[j].Code
	})

	return Report{
		GeneratedAt:   time.Now(),
		Metrics:       metrics,
		TopErrorCodes: codes,
		ActiveAlerts:  alerts,
		Patterns:      patterns,
	}
}

// CheckResult is the outcome of a self-check: whether it passed, what was
// examined, and any findings.
type CheckResult struct {
	Passed   bool     `json:"passed"`
	Checked  int      `json:"checked"`
	Findings []string `json:"findings"`
}

// ValidateDataExposure proves the retained attempt records carry only
// catalogued error codes and issue strings. Any finding means something wrote
// uncatalogued — potentially sensitive — text into the monitoring store.
func (m *Monitor) ValidateDataExposure() CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := CheckResult{Passed: true}
	for _, list := range m.attempts {
		for _, a := range list {
			result.Checked++
			if a.ErrorCode != "" && !mwaperrors.KnownCode(a.ErrorCode) && !isProviderCode(a.ErrorCode) {
				result.Passed = false
				result.Findings = append(result.Findings,
					fmt.Sprintf("attempt carries uncatalogued error code %q", a.ErrorCode))
			}
			for _, issue := range a.SecurityIssues {
				if !knownIssues[issue] && !mwaperrors.IsGenericMessage(issue) {
					result.Passed = false
					result.Findings = append(result.Findings,
						fmt.Sprintf("attempt carries uncatalogued issue %q", issue))
				}
			}
		}
	}
	return result
}

// isProviderCode recognizes the RFC 6749 token endpoint error codes that may
// appear as attempt error codes.
func isProviderCode(code string) bool {
	switch code {
	case "invalid_request", "invalid_client", "invalid_grant",
		"unauthorized_client", "unsupported_grant_type", "invalid_scope":
		return true
	}
	return false
}

// attackVectors are canned malicious callback inputs for the self-check.
// Every one of them must be rejected by the validator.
var attackVectors = []struct {
	name  string
	state string
}{
	{"empty state", ""},
	{"script injection", "<script>alert(1)</script>"},
	{"path traversal", "../../etc/passwd"},
	{"sql injection", "' OR '1'='1"},
	{"null bytes", "AAAA\x00BBBB"},
	{"oversized state", strings.Repeat("QUFBQQ", 2000)},
	{"bare json", `{"tenantId":"x"}`},
}

// ValidateAttackVectors runs canned malicious states through the validator
// and reports any that were accepted.
func (m *Monitor) ValidateAttackVectors(v *Validator) CheckResult {
	result := CheckResult{Passed: true}
	now := time.Now()
	for _, vector := range attackVectors {
		result.Checked++
		if _, failure := v.ValidateState(vector.state, now); failure == nil {
			result.Passed = false
			result.Findings = append(result.Findings,
				fmt.Sprintf("vector %q was accepted by state validation", vector.name))
		}
	}

	// A well-formed state must still be rejected when expired or future-dated.
	for _, vector := range []struct {
		name string
		age  time.Duration
	}{
		{"expired state", -11 * time.Minute},
		{"future-dated state", time.Minute},
	} {
		result.Checked++
		raw := syntheticState(now.Add(vector.age))
		if _, failure := v.ValidateState(raw, now); failure == nil {
			result.Passed = false
			result.Findings = append(result.Findings,
				fmt.Sprintf("vector %q was accepted by state validation", vector.name))
		}
	}

	return result
}

// syntheticState builds a structurally valid state with the given timestamp.
func syntheticState(ts time.Time) string {
	p := &oauth.Parameter{
		TenantID:      "aaaaaaaaaaaaaaaaaaaaaaaa",
		IntegrationID: "bbbbbbbbbbbbbbbbbbbbbbbb",
		UserID:        "cccccccccccccccccccccccc",
		Timestamp:     ts.UnixMilli(),
		Nonce:         "self-check-nonce-0000000",
	}
	raw, err := p.Encode()
	if err != nil {
		return ""
	}
	return raw
}

// runCleanup periodically evicts expired records.
func (m *Monitor) runCleanup() {
	defer close(m.cleanupDone)

	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanup(time.Now())
		case <-m.stopCleanup:
			return
		}
	}
}

// cleanup drops attempts, patterns, and alerts past their retention horizons.
func (m *Monitor) cleanup(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	attemptCutoff := now.Add(-m.cfg.AttemptRetention)
	for key, list := range m.attempts {
		kept := list[:0]
		for _, a := range list {
			if !a.Timestamp.Before(attemptCutoff) {
				kept = append(kept, a)
			}
		}
		if len(kept) == 0 {
			delete(m.attempts, key)
			continue
		}
		m.attempts[key] = kept
	}

	patternCutoff := now.Add(-m.cfg.PatternRetention)
	keptPatterns := m.patterns[:0]
	for _, p := range m.patterns {
		if !p.DetectedAt.Before(patternCutoff) {
			keptPatterns = append(keptPatterns, p)
		}
	}
	m.patterns = keptPatterns

	for key, mark := range m.lastPattern {
		if mark.at.Before(patternCutoff) {
			delete(m.lastPattern, key)
		}
	}

	alertCutoff := now.Add(-m.cfg.AlertRetention)
	keptAlerts := m.alerts[:0]
	for _, a := range m.alerts {
		if !a.CreatedAt.Before(alertCutoff) {
			keptAlerts = append(keptAlerts, a)
		}
	}
	m.alerts = keptAlerts
}
