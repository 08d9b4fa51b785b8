package config

// CredentialRegistry holds all credentials
type CredentialRegistry struct {
	Providers ProviderCredentials `json:"providers"`
}

// ProviderCredentials holds AI provider API credentials
type ProviderCredentials struct {
	Credentials map[string]ProviderCredential `json:"credentials"`
	Default     string                        `json:"default"`
}

// ProviderCredential is a single provider API key (Anthropic, OpenAI, etc.)
type ProviderCredential struct {
	Provider    string `json:"provider"` // anthropic, openai, google
	APIKey      string `json:"api_key"`
	Description string `json:"description"`
}

// GetProviderCredential returns a provider credential by name
func (r *CredentialRegistry) GetProviderCredential(name string) (*ProviderCredential, bool) {
	if cred, ok := r.Providers.Credentials[name]; ok {
		return &cred, true
	}
	return nil, false
}

// GetDefaultProviderCredential returns the default provider credential
func (r *CredentialRegistry) GetDefaultProviderCredential() (*ProviderCredential, bool) {
	if r.Providers.Default == "" {
		return nil, false
	}
	return r.GetProviderCredential(r.Providers.Default)
}

// HasProviderCredential checks if a provider credential exists
func (r *CredentialRegistry) HasProviderCredential(name string) bool {
	_, ok := r.Providers.Credentials[name]
	return ok
}

// ProviderCredentialInfo includes provider type, without the API key (for API responses)
type ProviderCredentialInfo struct {
	Name        string `json:"name"`
	Provider    string `json:"provider"`
	Description string `json:"description"`
	IsDefault   bool   `json:"is_default,omitempty"`
}

// CredentialsList is the response for a credentials-introspection endpoint
type CredentialsList struct {
	Providers []ProviderCredentialInfo `json:"providers"`
}

// ListCredentials returns all credentials without sensitive data
func (r *CredentialRegistry) ListCredentials() CredentialsList {
	result := CredentialsList{
		Providers: make([]ProviderCredentialInfo, 0, len(r.Providers.Credentials)),
	}

	for name, cred := range r.Providers.Credentials {
		result.Providers = append(result.Providers, ProviderCredentialInfo{
			Name:        name,
			Provider:    cred.Provider,
			Description: cred.Description,
			IsDefault:   name == r.Providers.Default,
		})
	}

	return result
}

// ProviderEnvVar returns the environment variable name for a provider
func ProviderEnvVar(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	default:
		return ""
	}
}
