package params

import (
	"sync"

	"github.com/mohae/deepcopy"
)

var treasuryConfig = BaseMainnetConfig()
var treasuryConfigLock sync.RWMutex

// TreasuryConfig retrieves the active treasury config.
func TreasuryConfig() *Config {
	treasuryConfigLock.RLock()
	defer treasuryConfigLock.RUnlock()
	return treasuryConfig
}

// OverrideTreasuryConfig by replacing the config. The preferred pattern
// is to call TreasuryConfig(), change the specific parameters, and then
// call OverrideTreasuryConfig(c). Any subsequent calls to
// params.TreasuryConfig() will return this new configuration.
func OverrideTreasuryConfig(c *Config) {
	treasuryConfigLock.Lock()
	defer treasuryConfigLock.Unlock()
	treasuryConfig = c
}

// Copy returns a copy of the config object.
func (c *Config) Copy() *Config {
	config, ok := deepcopy.Copy(*c).(Config)
	if !ok {
		panic("somehow deepcopy produced a config of the wrong type")
	}
	return &config
}
