package logx

import (
	"os"
	"strings"
	"sync"
)

type debugConfig struct {
	domains map[string]bool // nil = all domains
	enabled bool
}

var (
	debugMu  sync.RWMutex
	debugCfg = loadDebugFromEnv()
)

func loadDebugFromEnv() debugConfig {
	var cfg debugConfig
	if v := os.Getenv("DEBUG"); v == "1" || strings.EqualFold(v, "true") {
		cfg.enabled = true
	}
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		cfg.domains = make(map[string]bool)
		for _, d := range strings.Split(domains, ",") {
			cfg.domains[strings.TrimSpace(d)] = true
		}
	}
	return cfg
}

// SetDebug enables domain debugging programmatically. An empty domain list
// enables every domain.
func SetDebug(enabled bool, domains ...string) {
	debugMu.Lock()
	defer debugMu.Unlock()
	debugCfg.enabled = enabled
	debugCfg.domains = nil
	if len(domains) > 0 {
		debugCfg.domains = make(map[string]bool, len(domains))
		for _, d := range domains {
			debugCfg.domains[strings.TrimSpace(d)] = true
		}
	}
}

// IsDebugEnabledForDomain reports whether domain debugging is on for domain.
// The empty domain is never force-enabled.
func IsDebugEnabledForDomain(domain string) bool {
	if domain == "" {
		return false
	}
	debugMu.RLock()
	defer debugMu.RUnlock()
	if !debugCfg.enabled {
		return false
	}
	if debugCfg.domains == nil {
		return true
	}
	return debugCfg.domains[domain]
}
