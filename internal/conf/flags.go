package conf

import "github.com/spf13/pflag"

// flagKeyAnnotation marks a flag with the config key it overrides
const flagKeyAnnotation = "sensorcore_config_key"

// BindFlag records that flag name on fs overrides key. It panics if the
// flag does not exist, which is a programming error.
func BindFlag(fs *pflag.FlagSet, name, key string) {
	if err := fs.SetAnnotation(name, flagKeyAnnotation, []string{key}); err != nil {
		panic(err)
	}
}

// BoundFlags returns the flags of fs that were bound with BindFlag, keyed by
// config key. Pass the result to LoadWithFlags.
func BoundFlags(fs *pflag.FlagSet) map[string]*pflag.Flag {
	out := make(map[string]*pflag.Flag)
	fs.VisitAll(func(f *pflag.Flag) {
		if keys := f.Annotations[flagKeyAnnotation]; len(keys) == 1 {
			out[keys[0]] = f
		}
	})
	return out
}
