package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// universeFile is the on-disk shape of a universe. Both the "coins" key used by
// selected_coins.json and a plain "symbols" key are accepted.
type universeFile struct {
	Coins   []string `json:"coins" yaml:"coins"`
	Symbols []string `json:"symbols" yaml:"symbols"`
}

var defaultSymbols = []string{
	"ETHUSDT", "BTCUSDT", "SUIUSDT", "SOLUSDT", "XRPUSDT", "ERAUSDT", "ENAUSDT",
	"PENGUUSDT", "DOGEUSDT", "HBARUSDT", "PEPEUSDT", "ADAUSDT", "CRVUSDT",
	"TRXUSDT", "BONKUSDT", "AVAXUSDT", "UNIUSDT", "OMUSDT", "LINKUSDT",
	"CFXUSDT", "BCHUSDT", "WIFUSDT", "XLMUSDT", "CUSDT", "SPKUSDT",
	"SEIUSDT", "KERNELUSDT", "IDEXUSDT", "LTCUSDT", "CAKEUSDT",
	"SYRUPUSDT", "REIUSDT", "WLDUSDT", "FISUSDT", "TRUMPUSDT",
	"ASRUSDT", "FLOKIUSDT", "ENSUSDT", "ETHFIUSDT", "AAVEUSDT",
	"NEARUSDT", "SAHARAUSDT", "INJUSDT", "ONDOUSDT", "NEIROUSDT",
	"TAOUSDT", "CVXUSDT", "TONUSDT", "BIGTIMEUSDT", "SLPUSDT",
}

// DefaultSymbols returns the reference universe of 50 USDT pairs.
func DefaultSymbols() []string {
	out := make([]string, len(defaultSymbols))
	copy(out, defaultSymbols)
	return out
}

// LoadUniverse reads a universe file. Files ending in .yaml or .yml are parsed
// as YAML, everything else as JSON.
func LoadUniverse(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read universe file %s: %w", path, err)
	}

	var uf universeFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &uf)
	default:
		err = json.Unmarshal(data, &uf)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse universe file %s: %w", path, err)
	}

	symbols := append(uf.Coins, uf.Symbols...)
	if len(symbols) == 0 {
		return nil, fmt.Errorf("universe file %s lists no symbols", path)
	}
	return normalizeSymbols(symbols)
}

// normalizeSymbols upper-cases, trims and de-duplicates symbols, keeping first-seen order.
func normalizeSymbols(symbols []string) ([]string, error) {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if strings.ContainsAny(s, ": \t/") {
			return nil, fmt.Errorf("invalid symbol %q", s)
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("universe is empty")
	}
	return out, nil
}

// Delays parses the duration fields of the policy. Unparseable values fall
// back to the defaults, since validateConfig has already rejected them on load.
func (p RetryPolicyConfig) Delays() (initial, max, cooldown time.Duration) {
	parse := func(s string, def time.Duration) time.Duration {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			return def
		}
		return d
	}
	return parse(p.InitialDelay, time.Second), parse(p.MaxDelay, 30*time.Second), parse(p.RateLimitCooldown, time.Minute)
}
