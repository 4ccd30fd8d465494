package conf

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// BindFlags binds each config key in keys to the flag of that name in fs.
// Bound flags override the config file and environment when set.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet, keys map[string]string) error {
	for key, name := range keys {
		flag := fs.Lookup(name)
		if flag == nil {
			return fmt.Errorf("error binding flags: no flag %q for %s", name, key)
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("error binding flags: %w", err)
		}
	}
	return nil
}
