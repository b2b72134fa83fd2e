package providers

import "strings"

func augmentProviderError(providerName, message string) string {
	msg := strings.TrimSpace(message)
	if msg == "" {
		return msg
	}

	lower := strings.ToLower(msg)
	providerName = NormalizeProviderName(providerName)
	envKey := "DOTLORE_PROVIDERS_" + strings.ToUpper(providerName) + "_API_KEY"

	switch {
	case strings.Contains(lower, "incorrect api key provided"),
		strings.Contains(lower, "no auth credentials found"),
		strings.Contains(lower, "invalid api key"):
		return msg + " Hint: check providers." + providerName + ".api_key or " + envKey + "."
	case strings.Contains(lower, "is not a valid model id"),
		strings.Contains(lower, "model_not_found"),
		strings.Contains(lower, "does not exist"):
		return msg + " Hint: agents.defaults.model names a model " + providerName + " does not serve."
	case strings.Contains(lower, "maximum context length"):
		return msg + " Hint: lower session.overflow_threshold so the transcript is truncated sooner."
	}

	return msg
}
