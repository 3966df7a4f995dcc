package pricing

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/smallbiznis/recoup/internal/config"
)

// Provider serves the current policy snapshot and hot-reloads it when the
// backing file changes. Readers always get a complete, consistent Policy.
type Provider struct {
	log *zap.Logger

	mu     sync.RWMutex
	policy Policy
}

// NewProvider loads the policy file named by RECON_POLICY_PATH, if any, and
// watches it for changes. A missing or unreadable file falls back to
// DefaultPolicy so the engine never starts without tunables.
func NewProvider(cfg config.Config, log *zap.Logger) *Provider {
	p := &Provider{
		log:    log.Named("pricing.provider"),
		policy: DefaultPolicy(),
	}

	if cfg.PolicyPath == "" {
		return p
	}

	v := viper.New()
	v.SetConfigFile(cfg.PolicyPath)
	if err := v.ReadInConfig(); err != nil {
		p.log.Warn("policy file unreadable, using defaults",
			zap.String("path", cfg.PolicyPath),
			zap.Error(err),
		)
		return p
	}

	p.apply(v)

	v.OnConfigChange(func(e fsnotify.Event) {
		if err := v.ReadInConfig(); err != nil {
			p.log.Warn("policy reload failed, keeping previous policy",
				zap.String("path", e.Name),
				zap.Error(err),
			)
			return
		}
		p.apply(v)
		p.log.Info("policy reloaded", zap.String("path", e.Name))
	})
	v.WatchConfig()

	return p
}

// Current returns the active policy snapshot.
func (p *Provider) Current() Policy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.policy
}

func (p *Provider) apply(v *viper.Viper) {
	next := DefaultPolicy()

	prices := v.GetStringMapString("default_unit_prices")
	for product, raw := range prices {
		price, err := decimal.NewFromString(raw)
		if err != nil || price.IsNegative() {
			p.log.Warn("ignoring invalid default unit price",
				zap.String("product_id", product),
				zap.String("value", raw),
			)
			continue
		}
		next.DefaultUnitPrices[product] = price
	}

	if v.IsSet("severity.high_value") {
		if d, err := decimal.NewFromString(v.GetString("severity.high_value")); err == nil {
			next.Severity.HighValue = d
		}
	}
	if v.IsSet("severity.medium_value") {
		if d, err := decimal.NewFromString(v.GetString("severity.medium_value")); err == nil {
			next.Severity.MediumValue = d
		}
	}
	if v.IsSet("severity.high_confidence") {
		next.Severity.HighConfidence = v.GetFloat64("severity.high_confidence")
	}

	if v.IsSet("confidence") {
		var w ConfidenceWeights
		if err := v.UnmarshalKey("confidence", &w); err == nil && validWeights(w) {
			next.Confidence = w
		} else {
			p.log.Warn("ignoring invalid confidence weights")
		}
	}

	if v.IsSet("renewal_drift") {
		var rd RenewalDriftPolicy
		if err := v.UnmarshalKey("renewal_drift", &rd); err == nil && rd.ReportedDropRatio > 0 {
			next.RenewalDrift = rd
		}
	}

	p.mu.Lock()
	p.policy = next
	p.mu.Unlock()
}

func validWeights(w ConfidenceWeights) bool {
	if w.Magnitude < 0 || w.Entitlement < 0 || w.Coverage < 0 {
		return false
	}
	if w.Magnitude+w.Entitlement+w.Coverage == 0 {
		return false
	}
	return w.CoverageTarget > 0 && w.UnpricedCap >= 0 && w.UnpricedCap <= 1
}
