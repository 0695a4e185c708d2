package process

import "strings"

const defaultTerm = "xterm-256color"

// ColorEnv returns a copy of base adjusted so that child processes emit color
// even though their output is captured. When force is false base is returned
// unchanged (copied).
func ColorEnv(base []string, force bool) []string {
	env := make([]string, 0, len(base)+4)
	if !force {
		return append(env, base...)
	}

	overrides := map[string]string{
		"FORCE_COLOR":    "1",
		"CLICOLOR":       "1",
		"CLICOLOR_FORCE": "1",
	}
	termSet := false
	for _, kv := range base {
		key, value, _ := strings.Cut(kv, "=")
		switch {
		case key == "NO_COLOR":
			continue
		case key == "TERM":
			if value == "" || termSet {
				continue
			}
			termSet = true
		case overrides[key] != "":
			continue
		}
		env = append(env, kv)
	}

	for _, key := range []string{"FORCE_COLOR", "CLICOLOR", "CLICOLOR_FORCE"} {
		env = append(env, key+"="+overrides[key])
	}
	if !termSet {
		env = append(env, "TERM="+defaultTerm)
	}
	return env
}

