package risk

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crucible-sre/crucible/pkg/evidence"
)

// tradingHours is a Tuesday 11:00 UTC: inside the finance-trading session.
var tradingHours = time.Date(2026, 3, 3, 11, 0, 0, 0, time.UTC)

// quietHours is a Saturday 03:00 UTC: outside every sensitive window.
var quietHours = time.Date(2026, 3, 7, 3, 0, 0, 0, time.UTC)

func newEngine(t *testing.T, ledger evidence.Ledger) *Engine {
	t.Helper()
	return NewEngine(DefaultWeights(), NewRegistry(), ledger, nil, nil)
}

func TestLevelThresholdBoundaries(t *testing.T) {
	w := DefaultWeights()
	cases := []struct {
		score int
		level Level
	}{
		{0, LevelLow},
		{19, LevelLow},
		{20, LevelMedium},
		{39, LevelMedium},
		{40, LevelHigh},
		{69, LevelHigh},
		{70, LevelCritical},
		{120, LevelCritical},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.level, w.LevelFor(tc.score), "score %d", tc.score)
	}
}

func TestProductionTradingInSessionBlocks(t *testing.T) {
	ledger := evidence.NewMemoryLedger()
	e := newEngine(t, ledger)

	// production +30, finance-trading +25, trading session +15, clean tree +0.
	a, err := e.Assess(context.Background(), Input{
		Environment:  EnvProduction,
		Applications: []string{"finance-trading"},
		Now:          tradingHours,
	})
	require.NoError(t, err)
	assert.Equal(t, 70, a.TotalScore)
	assert.Equal(t, LevelCritical, a.Level)
	assert.Equal(t, DecisionBlock, a.Decision)

	records, err := ledger.Query(context.Background(), evidence.Query{Type: evidence.TypeRiskAssessment})
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestDevPharmaAllowsWithEnhancedMonitoring(t *testing.T) {
	e := newEngine(t, evidence.NewMemoryLedger())

	// dev +5, pharma-manufacturing +30, outside shift, clean tree = 35.
	a, err := e.Assess(context.Background(), Input{
		Environment:  EnvDev,
		Applications: []string{"pharma-manufacturing"},
		Now:          quietHours,
	})
	require.NoError(t, err)
	assert.Equal(t, 35, a.TotalScore)
	assert.Equal(t, LevelMedium, a.Level)
	assert.Equal(t, DecisionAllow, a.Decision)
	assert.True(t, a.EnhancedMonitoring)
}

func TestCombinedDeploymentSurcharge(t *testing.T) {
	e := newEngine(t, evidence.NewMemoryLedger())

	a, err := e.Assess(context.Background(), Input{
		Environment:  EnvDev,
		Applications: []string{"finance-trading", "pharma-manufacturing"},
		Now:          quietHours,
	})
	require.NoError(t, err)
	// dev +5, trading +25, pharma +30, surcharge +10.
	assert.Equal(t, 70, a.TotalScore)

	names := make([]string, 0, len(a.Factors))
	for _, f := range a.Factors {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, "combined_deployment")
}

func TestDirtyRepoAddsPoints(t *testing.T) {
	e := newEngine(t, evidence.NewMemoryLedger())

	clean, err := e.Assess(context.Background(), Input{
		Environment:  EnvStaging,
		Applications: []string{"finance-trading"},
		Now:          quietHours,
	})
	require.NoError(t, err)

	dirty, err := e.Assess(context.Background(), Input{
		Environment:  EnvStaging,
		Applications: []string{"finance-trading"},
		RepoState:    RepoState{Dirty: true},
		Now:          quietHours,
	})
	require.NoError(t, err)
	assert.Equal(t, clean.TotalScore+10, dirty.TotalScore)
}

func TestAssessIsPure(t *testing.T) {
	e := newEngine(t, evidence.NewMemoryLedger())
	in := Input{
		Environment:  EnvProduction,
		Applications: []string{"pharma-manufacturing"},
		Now:          tradingHours,
	}
	first, err := e.Assess(context.Background(), in)
	require.NoError(t, err)
	second, err := e.Assess(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, first.TotalScore, second.TotalScore)
	assert.Equal(t, first.Level, second.Level)
	assert.Equal(t, first.Decision, second.Decision)
	assert.Equal(t, first.Factors, second.Factors)
}

func TestUnknownApplicationRejected(t *testing.T) {
	e := newEngine(t, evidence.NewMemoryLedger())
	_, err := e.Assess(context.Background(), Input{
		Environment:  EnvDev,
		Applications: []string{"mystery-app"},
		Now:          quietHours,
	})
	assert.ErrorIs(t, err, ErrUnknownApp)
}

func TestRegistryExtensionPoint(t *testing.T) {
	reg := NewRegistry()
	reg.Register(ApplicationProfile{Name: "billing", BasePoints: 12})
	e := NewEngine(DefaultWeights(), reg, evidence.NewMemoryLedger(), nil, nil)

	a, err := e.Assess(context.Background(), Input{
		Environment:  EnvDev,
		Applications: []string{"billing"},
		Now:          quietHours,
	})
	require.NoError(t, err)
	assert.Equal(t, 17, a.TotalScore) // dev +5, billing +12
}

type failLedger struct{}

func (failLedger) Append(ctx context.Context, rt evidence.RecordType, payload any) (*evidence.Record, error) {
	return nil, evidence.ErrLedgerWrite
}
func (failLedger) Verify(ctx context.Context, fromSeq uint64) (*evidence.VerificationReport, error) {
	return &evidence.VerificationReport{OK: true}, nil
}
func (failLedger) Query(ctx context.Context, q evidence.Query) ([]*evidence.Record, error) {
	return nil, nil
}
func (failLedger) Head(ctx context.Context) (string, error) { return evidence.GenesisHash, nil }
func (failLedger) Len(ctx context.Context) (uint64, error)  { return 0, nil }

func TestLedgerFailureFailsClosed(t *testing.T) {
	e := NewEngine(DefaultWeights(), NewRegistry(), failLedger{}, nil, nil)

	// A low-risk deployment still blocks if it cannot be audited.
	a, err := e.Assess(context.Background(), Input{
		Environment:  EnvDev,
		Applications: []string{"finance-trading"},
		Now:          quietHours,
	})
	require.ErrorIs(t, err, ErrFailClosed)
	assert.Equal(t, DecisionBlock, a.Decision)
}

func TestScoreMonotonicityProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("adding a factor never decreases the total", prop.ForAll(
		func(points []int) bool {
			var a Assessment
			prev := 0
			for _, p := range points {
				a.add(Factor{Name: "f", Points: p})
				if a.TotalScore < prev {
					return false
				}
				prev = a.TotalScore
			}
			return true
		},
		gen.SliceOf(gen.IntRange(-5, 50)),
	))

	properties.TestingRun(t)
}

func TestCriticalMetricsUnion(t *testing.T) {
	e := newEngine(t, evidence.NewMemoryLedger())
	got := e.CriticalMetrics([]string{"finance-trading", "pharma-manufacturing"})
	assert.Contains(t, got, "order_latency_ms")
	assert.Contains(t, got, "batch_failure_rate")
}
