package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"emarsi-trader/internal/backtest"
	"emarsi-trader/internal/strategy"
)

// StrategyFile is the YAML overlay for strategy and backtest defaults:
//
//	strategy:
//	  ema_short_period: 9
//	  rsi_oversold: 25
//	backtest:
//	  trade_amount_percent: 5
type StrategyFile struct {
	Strategy strategy.Params `yaml:"strategy"`
	Backtest backtest.Config `yaml:"backtest"`
}

// DefaultStrategyFile returns the built-in defaults.
func DefaultStrategyFile() StrategyFile {
	return StrategyFile{
		Strategy: strategy.DefaultParams(),
		Backtest: backtest.DefaultConfig(),
	}
}

// LoadStrategyFile overlays the YAML file at path on the defaults and
// validates the result. An empty path returns the defaults.
func LoadStrategyFile(path string) (StrategyFile, error) {
	sf := DefaultStrategyFile()
	if path == "" {
		return sf, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return sf, fmt.Errorf("read strategy file: %w", err)
	}
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return sf, fmt.Errorf("parse strategy file %s: %w", path, err)
	}
	if err := sf.Strategy.Validate(); err != nil {
		return sf, fmt.Errorf("strategy file %s: %w", path, err)
	}
	if err := sf.Backtest.Validate(); err != nil {
		return sf, fmt.Errorf("strategy file %s: %w", path, err)
	}
	return sf, nil
}
