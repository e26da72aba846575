package llm

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/samber/lo"
)

const (
	BackendAnthropic = "anthropic"
	BackendOllama    = "ollama"
	BackendOpenAI    = "openai"
)

// Preference represents a single backend/model preference. Preference lists
// are resolved in order: the first available backend wins.
type Preference struct {
	Backend string
	Model   string
}

// ProviderConfig holds the credential/host material needed to decide whether
// a backend is usable. Values are supplied at construction time; the registry
// performs no discovery beyond environment fallbacks for credentials.
type ProviderConfig struct {
	AnthropicAPIKey string
	OpenAIAPIKey    string
	OllamaHost      string
}

// ProviderRegistry manages backend selection: which backends are enabled,
// which are configured, and which Client serves each one.
type ProviderRegistry struct {
	mu      sync.RWMutex
	enabled map[string]bool
	config  *ProviderConfig
	clients map[string]Client
}

// NewProviderRegistry creates a ProviderRegistry with the given config and
// enabled backends.
func NewProviderRegistry(providerConfig *ProviderConfig, enabledBackends []string) *ProviderRegistry {
	enabledMap := make(map[string]bool)
	for _, b := range enabledBackends {
		enabledMap[b] = true
	}

	return &ProviderRegistry{
		enabled: enabledMap,
		config:  providerConfig,
		clients: make(map[string]Client),
	}
}

// RegisterClient binds a Client to a backend name. It replaces any previous
// binding for that backend.
func (r *ProviderRegistry) RegisterClient(backend string, client Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[backend] = client
}

// ClientFor returns the Client registered for a backend.
func (r *ProviderRegistry) ClientFor(backend string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, ok := r.clients[backend]
	if !ok {
		return nil, fmt.Errorf("no client registered for backend %q", backend)
	}
	return client, nil
}

// IsBackendEnabled checks if a backend is in the enabled backends list.
func (r *ProviderRegistry) IsBackendEnabled(backend string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled[backend]
}

// IsBackendConfigured checks if a backend has the required configuration
// (API keys, hosts). Ollama needs no credential; its host has a default.
func (r *ProviderRegistry) IsBackendConfigured(backend string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isConfiguredUnlocked(backend)
}

// EnabledBackends returns the enabled backends in stable order.
func (r *ProviderRegistry) EnabledBackends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	backends := lo.Keys(r.enabled)
	sort.Strings(backends)
	return backends
}

// RouteModel resolves a user-facing model name to the client that serves it.
// Enabled backends are tried in stable order; the first client that resolves
// the name wins. An unresolvable name is an unknown-model error.
func (r *ProviderRegistry) RouteModel(model string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, backend := range r.enabledUnlocked() {
		if !r.isConfiguredUnlocked(backend) {
			continue
		}
		client, ok := r.clients[backend]
		if !ok {
			continue
		}
		if _, err := client.ResolveModelID(model); err == nil {
			return client, nil
		}
	}

	return nil, NewUnknownModelError(model, nil)
}

// ResolvePreferred resolves an ordered preference list to the first backend
// that is enabled, configured, registered, and able to resolve the requested
// model name. Used for the title-inference fast-model order.
func (r *ProviderRegistry) ResolvePreferred(prefs []Preference) (Preference, Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	attempted := lo.Map(prefs, func(p Preference, _ int) string { return p.Backend })

	for _, pref := range prefs {
		if !r.enabled[pref.Backend] {
			continue
		}
		if !r.isConfiguredUnlocked(pref.Backend) {
			continue
		}
		client, ok := r.clients[pref.Backend]
		if !ok {
			continue
		}
		if _, err := client.ResolveModelID(pref.Model); err != nil {
			continue
		}
		return pref, client, nil
	}

	return Preference{}, nil, fmt.Errorf("no available backend from preferences %v (enabled: %v)", attempted, r.enabledUnlocked())
}

// isConfiguredUnlocked must be called with r.mu held.
func (r *ProviderRegistry) isConfiguredUnlocked(backend string) bool {
	switch backend {
	case BackendAnthropic:
		apiKey := r.config.AnthropicAPIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		return apiKey != ""
	case BackendOllama:
		return true
	case BackendOpenAI:
		apiKey := r.config.OpenAIAPIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		return apiKey != ""
	default:
		return false
	}
}

func (r *ProviderRegistry) enabledUnlocked() []string {
	backends := lo.Keys(r.enabled)
	sort.Strings(backends)
	return backends
}
