package params

import (
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// LoadTreasuryConfigFile loads a YAML config file and applies it on top
// of the Base mainnet defaults. Fields absent from the file keep their
// default values. The loaded config becomes the active one.
func LoadTreasuryConfigFile(configFileName string) error {
	yamlFile, err := os.ReadFile(configFileName) // #nosec G304
	if err != nil {
		return errors.Wrap(err, "failed to read treasury config file")
	}
	conf := BaseMainnetConfig()
	if err := yaml.UnmarshalStrict(yamlFile, conf); err != nil {
		return errors.Wrap(err, "failed to unmarshal treasury config file")
	}
	if err := conf.Validate(); err != nil {
		return errors.Wrap(err, "invalid treasury config file")
	}
	log.WithField("file", configFileName).Info("Loaded treasury config file")
	OverrideTreasuryConfig(conf)
	return nil
}

// Validate checks the structural invariants of the asset list.
func (c *Config) Validate() error {
	natives := 0
	for i := range c.Assets {
		a := &c.Assets[i]
		switch a.Kind {
		case AssetKindNative:
			natives++
			if a.TokenAddress != "" {
				return errors.Errorf("native asset %s must not carry a token address", a.ID)
			}
		case AssetKindToken:
			if a.TokenAddress == "" {
				return errors.Errorf("token asset %s requires a token address", a.ID)
			}
		default:
			return errors.Errorf("asset %s has unknown kind %q", a.ID, a.Kind)
		}
	}
	if natives != 1 {
		return errors.Errorf("config requires exactly one native asset, found %d", natives)
	}
	if c.StableAsset() == nil {
		return errors.Errorf("stable asset %q is not in the asset list", c.StableAssetID)
	}
	return nil
}
