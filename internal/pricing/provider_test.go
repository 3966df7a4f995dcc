package pricing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/recoup/internal/config"
)

func writePolicy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestProviderDefaultsWithoutPath(t *testing.T) {
	p := NewProvider(config.Config{}, zap.NewNop())

	pol := p.Current()
	assert.Empty(t, pol.DefaultUnitPrices)
	assert.True(t, pol.Severity.HighValue.Equal(decimal.NewFromInt(1000)))
	assert.True(t, pol.Severity.MediumValue.Equal(decimal.NewFromInt(100)))
	assert.InDelta(t, 0.9, pol.Severity.HighConfidence, 1e-9)
	assert.InDelta(t, 0.5, pol.Confidence.UnpricedCap, 1e-9)
}

func TestProviderDefaultsWhenFileUnreadable(t *testing.T) {
	p := NewProvider(config.Config{PolicyPath: "/nonexistent/policy.yaml"}, zap.NewNop())

	pol := p.Current()
	assert.Empty(t, pol.DefaultUnitPrices)
	assert.True(t, pol.Severity.HighValue.Equal(decimal.NewFromInt(1000)))
}

func TestProviderLoadsPolicyFile(t *testing.T) {
	path := writePolicy(t, `
default_unit_prices:
  api_calls: "0.02"
  storage_gb: "0.10"
severity:
  high_value: "500"
  medium_value: "50"
  high_confidence: 0.8
confidence:
  magnitude: 0.4
  entitlement: 0.3
  coverage: 0.3
  coverage_target: 14
  unpriced_cap: 0.4
renewal_drift:
  reported_drop_ratio: 0.6
  actual_drop_factor: 0.4
`)

	p := NewProvider(config.Config{PolicyPath: path}, zap.NewNop())
	pol := p.Current()

	price, ok := pol.DefaultUnitPrice("api_calls")
	require.True(t, ok)
	assert.True(t, price.Equal(decimal.RequireFromString("0.02")))

	_, ok = pol.DefaultUnitPrice("unknown_product")
	assert.False(t, ok)

	assert.True(t, pol.Severity.HighValue.Equal(decimal.NewFromInt(500)))
	assert.True(t, pol.Severity.MediumValue.Equal(decimal.NewFromInt(50)))
	assert.InDelta(t, 0.8, pol.Severity.HighConfidence, 1e-9)
	assert.InDelta(t, 0.4, pol.Confidence.Magnitude, 1e-9)
	assert.Equal(t, 14, pol.Confidence.CoverageTarget)
	assert.InDelta(t, 0.6, pol.RenewalDrift.ReportedDropRatio, 1e-9)
}

func TestProviderSkipsInvalidPrices(t *testing.T) {
	path := writePolicy(t, `
default_unit_prices:
  api_calls: "0.02"
  broken: "not-a-number"
  negative: "-1"
`)

	p := NewProvider(config.Config{PolicyPath: path}, zap.NewNop())
	pol := p.Current()

	_, ok := pol.DefaultUnitPrice("api_calls")
	assert.True(t, ok)
	_, ok = pol.DefaultUnitPrice("broken")
	assert.False(t, ok)
	_, ok = pol.DefaultUnitPrice("negative")
	assert.False(t, ok)
}

func TestProviderRejectsInvalidWeights(t *testing.T) {
	path := writePolicy(t, `
confidence:
  magnitude: -1
  entitlement: 0.3
  coverage: 0.3
  coverage_target: 7
  unpriced_cap: 0.5
`)

	p := NewProvider(config.Config{PolicyPath: path}, zap.NewNop())

	// Invalid weights keep the defaults intact.
	assert.InDelta(t, 0.5, p.Current().Confidence.Magnitude, 1e-9)
}

func TestProviderReappliesOnChange(t *testing.T) {
	path := writePolicy(t, `
severity:
  high_value: "2000"
`)

	p := NewProvider(config.Config{PolicyPath: path}, zap.NewNop())
	require.True(t, p.Current().Severity.HighValue.Equal(decimal.NewFromInt(2000)))

	// Exercise the reload path directly rather than waiting on fsnotify.
	require.NoError(t, os.WriteFile(path, []byte("severity:\n  high_value: \"3000\"\n"), 0o600))

	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())
	p.apply(v)

	assert.True(t, p.Current().Severity.HighValue.Equal(decimal.NewFromInt(3000)))
}
