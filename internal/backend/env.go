package backend

import (
	"os"
	"strings"
)

// knownCredentialVars are environment variables forwarded to agent
// processes and containers when present on the host.
var knownCredentialVars = []string{
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
	"GEMINI_API_KEY",
	"GOOGLE_API_KEY",
	"AZURE_OPENAI_API_KEY",
	"MISTRAL_API_KEY",
	"OLLAMA_HOST",
	"GITHUB_TOKEN",
	"COPILOT_TOKEN",
}

// CredentialEnv collects credential variables from the host
// environment. Used to forward provider keys into spawned agents;
// containers do not inherit the daemon's environment, so the docker
// backend needs this explicitly.
func CredentialEnv() map[string]string {
	env := make(map[string]string)
	for _, key := range knownCredentialVars {
		if value := os.Getenv(key); value != "" {
			env[key] = value
		}
	}
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" {
			continue
		}
		if _, seen := env[key]; seen {
			continue
		}
		lower := strings.ToLower(key)
		if strings.HasSuffix(lower, "_api_key") || strings.HasSuffix(lower, "_token") {
			env[key] = value
		}
	}
	return env
}
