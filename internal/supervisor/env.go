package supervisor

import "strings"

const (
	keyEnvVar  = "MOSH_KEY"
	termEnvVar = "TERM"
)

// clientEnv returns base without any inherited key or terminal type,
// followed by the values for this launch.
func clientEnv(base []string, key, terminalType string) []string {
	out := filteredEnv(base, keyEnvVar, termEnvVar)
	out = append(out, keyEnvVar+"="+key)
	if strings.TrimSpace(terminalType) != "" {
		out = append(out, termEnvVar+"="+terminalType)
	}
	return out
}

// wipeEnv blanks the value of key in env, in place.
func wipeEnv(env []string, key string) {
	prefix := key + "="
	for i, entry := range env {
		if strings.HasPrefix(entry, prefix) {
			env[i] = prefix
		}
	}
}

func filteredEnv(base []string, removeKeys ...string) []string {
	if len(base) == 0 {
		return []string{}
	}
	removeSet := make(map[string]struct{}, len(removeKeys))
	for _, key := range removeKeys {
		trimmed := strings.TrimSpace(key)
		if trimmed == "" {
			continue
		}
		removeSet[trimmed] = struct{}{}
	}
	out := make([]string, 0, len(base)+2)
	for _, entry := range base {
		if entry == "" {
			continue
		}
		key := entry
		if idx := strings.IndexByte(entry, '='); idx >= 0 {
			key = entry[:idx]
		}
		if _, drop := removeSet[key]; drop {
			continue
		}
		out = append(out, entry)
	}
	return out
}
