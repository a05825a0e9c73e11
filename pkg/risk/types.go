// Package risk scores deployment risk from situational factors and produces
// the gating verdict. Factors are additive: risk compounds, it never offsets.
package risk

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrValidation  = errors.New("validation failed")
	ErrUnknownEnv  = errors.New("unknown environment")
	ErrUnknownApp  = errors.New("unknown application")
	ErrFailClosed  = errors.New("assessment not durably recorded, failing closed")
	ErrBadOverride = errors.New("override token rejected")
)

// Level classifies a total score.
type Level string

const (
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// Decision is the gating verdict.
type Decision string

const (
	DecisionAllow           Decision = "ALLOW"
	DecisionRequireApproval Decision = "REQUIRE_APPROVAL"
	DecisionBlock           Decision = "BLOCK"
)

// Environment is the closed set of deployment targets.
type Environment string

const (
	EnvProduction Environment = "production"
	EnvStaging    Environment = "staging"
	EnvDev        Environment = "dev"
)

// ParseEnvironment validates an environment name.
func ParseEnvironment(s string) (Environment, error) {
	switch Environment(s) {
	case EnvProduction, EnvStaging, EnvDev:
		return Environment(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEnv, s)
}

// SensitiveWindow is a recurring daily window during which a system is
// change-sensitive (a trading session, a production shift).
type SensitiveWindow struct {
	StartHour    int  `yaml:"start_hour" json:"start_hour"`
	StartMinute  int  `yaml:"start_minute" json:"start_minute"`
	EndHour      int  `yaml:"end_hour" json:"end_hour"`
	EndMinute    int  `yaml:"end_minute" json:"end_minute"`
	WeekdaysOnly bool `yaml:"weekdays_only" json:"weekdays_only"`
}

// Contains reports whether t (in its own location) falls inside the window.
func (w SensitiveWindow) Contains(t time.Time) bool {
	if w.WeekdaysOnly {
		switch t.Weekday() {
		case time.Saturday, time.Sunday:
			return false
		}
	}
	minutes := t.Hour()*60 + t.Minute()
	start := w.StartHour*60 + w.StartMinute
	end := w.EndHour*60 + w.EndMinute
	return minutes >= start && minutes < end
}

// ApplicationProfile carries an application's risk posture.
type ApplicationProfile struct {
	Name            string            `yaml:"name" json:"name"`
	BasePoints      int               `yaml:"base_points" json:"base_points"`
	Description     string            `yaml:"description" json:"description"`
	SensitiveHours  []SensitiveWindow `yaml:"sensitive_hours" json:"sensitive_hours"`
	CriticalMetrics []string          `yaml:"critical_metrics" json:"critical_metrics"`
}

// Registry is the typed extension point for known applications.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]ApplicationProfile
}

// NewRegistry creates a registry pre-loaded with the built-in applications.
func NewRegistry() *Registry {
	r := &Registry{profiles: make(map[string]ApplicationProfile)}
	for _, p := range builtinProfiles() {
		r.profiles[p.Name] = p
	}
	return r
}

// Register adds or replaces an application profile.
func (r *Registry) Register(p ApplicationProfile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.Name] = p
}

// Lookup resolves an application name.
func (r *Registry) Lookup(name string) (ApplicationProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[name]
	if !ok {
		return ApplicationProfile{}, fmt.Errorf("%w: %q", ErrUnknownApp, name)
	}
	return p, nil
}

func builtinProfiles() []ApplicationProfile {
	return []ApplicationProfile{
		{
			Name:        "finance-trading",
			BasePoints:  25,
			Description: "market data and order flow; latency and correctness sensitive",
			SensitiveHours: []SensitiveWindow{
				{StartHour: 9, EndHour: 17, EndMinute: 30, WeekdaysOnly: true},
			},
			CriticalMetrics: []string{"order_latency_ms", "feed_gap_count", "error_rate"},
		},
		{
			Name:        "pharma-manufacturing",
			BasePoints:  30,
			Description: "regulated batch-record workload; integrity sensitive",
			SensitiveHours: []SensitiveWindow{
				{StartHour: 6, EndHour: 22},
			},
			CriticalMetrics: []string{"batch_failure_rate", "record_write_errors"},
		},
	}
}

// Factor is one named contributor to the total score. Points are
// non-negative; factors sum, they are never averaged.
type Factor struct {
	Name      string `json:"name"`
	Points    int    `json:"points"`
	Rationale string `json:"rationale"`
}

// Assessment is the engine's output.
type Assessment struct {
	SessionID          string    `json:"session_id,omitempty"`
	TotalScore         int       `json:"total_score"`
	Level              Level     `json:"level"`
	Factors            []Factor  `json:"factors"`
	Decision           Decision  `json:"gating_decision"`
	EnhancedMonitoring bool      `json:"enhanced_monitoring"`
	OverrideSubject    string    `json:"override_subject,omitempty"`
	Environment        string    `json:"environment"`
	Applications       []string  `json:"applications"`
	AssessedAt         time.Time `json:"assessed_at"`
}

// RepoState describes the source tree being deployed.
type RepoState struct {
	Dirty    bool   `json:"dirty"`
	Revision string `json:"revision"`
}

// Weights is the full scoring policy. It is an explicit input to the engine;
// nothing here lives in process-wide mutable state.
type Weights struct {
	Production        int `yaml:"production" json:"production"`
	Staging           int `yaml:"staging" json:"staging"`
	Dev               int `yaml:"dev" json:"dev"`
	SensitiveHours    int `yaml:"sensitive_hours" json:"sensitive_hours"`
	DirtyRepo         int `yaml:"dirty_repo" json:"dirty_repo"`
	CombinedSurcharge int `yaml:"combined_surcharge" json:"combined_surcharge"`

	// Level thresholds, inclusive lower bounds.
	MediumAt   int `yaml:"medium_at" json:"medium_at"`
	HighAt     int `yaml:"high_at" json:"high_at"`
	CriticalAt int `yaml:"critical_at" json:"critical_at"`
}

// DefaultWeights returns the standard scoring policy.
func DefaultWeights() Weights {
	return Weights{
		Production:        30,
		Staging:           15,
		Dev:               5,
		SensitiveHours:    15,
		DirtyRepo:         10,
		CombinedSurcharge: 10,
		MediumAt:          20,
		HighAt:            40,
		CriticalAt:        70,
	}
}

// LevelFor classifies a score against the thresholds.
func (w Weights) LevelFor(score int) Level {
	switch {
	case score >= w.CriticalAt:
		return LevelCritical
	case score >= w.HighAt:
		return LevelHigh
	case score >= w.MediumAt:
		return LevelMedium
	default:
		return LevelLow
	}
}

func (w Weights) environmentPoints(env Environment) int {
	switch env {
	case EnvProduction:
		return w.Production
	case EnvStaging:
		return w.Staging
	default:
		return w.Dev
	}
}
