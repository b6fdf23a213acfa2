// Package config loads bridge.yaml, the defaults file for bridge serve.
package config

import (
	"os"
	"regexp"
)

// envRef matches ${NAME} and ${NAME:-fallback}.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv substitutes environment references in raw bridge.yaml text
// before it is parsed, so endpoints and redis credentials can come from the
// deployment environment. A variable that is unset or empty takes the
// fallback, or becomes empty when there is none; Validate then reports
// required keys such as adapter.url.
func ExpandEnv(input string) string {
	return expand(input, os.LookupEnv)
}

func expand(input string, lookup func(string) (string, bool)) string {
	return envRef.ReplaceAllStringFunc(input, func(ref string) string {
		m := envRef.FindStringSubmatch(ref)
		if v, ok := lookup(m[1]); ok && v != "" {
			return v
		}
		return m[2]
	})
}
