package pagegen

import "slices"

// ProviderInfo describes what a provider type serves and which config fields
// it needs.
type ProviderInfo struct {
	Type         ProviderType
	Capabilities []Capability

	// RequiresBaseURL is true when the provider has no usable default endpoint.
	RequiresBaseURL bool

	// DefaultModels suggests a model per capability for new configs.
	DefaultModels map[Capability]string

	// SupportsEndpointType is true when EndpointType selects the call style.
	SupportsEndpointType bool
}

// Supports reports whether the provider serves capability c.
func (p ProviderInfo) Supports(c Capability) bool {
	return slices.Contains(p.Capabilities, c)
}

var providerInfos = map[ProviderType]ProviderInfo{
	ProviderOpenAICompatible: {
		Type:            ProviderOpenAICompatible,
		Capabilities:    []Capability{CapabilityText, CapabilityImage},
		RequiresBaseURL: true,
		DefaultModels: map[Capability]string{
			CapabilityText:  "gpt-4o-mini",
			CapabilityImage: "dall-e-3",
		},
		SupportsEndpointType: true,
	},
	ProviderGoogleGenAI: {
		Type:         ProviderGoogleGenAI,
		Capabilities: []Capability{CapabilityText, CapabilityImage},
		DefaultModels: map[Capability]string{
			CapabilityText:  "gemini-2.5-flash",
			CapabilityImage: "gemini-2.5-flash-image",
		},
	},
	ProviderImageAPI: {
		Type:            ProviderImageAPI,
		Capabilities:    []Capability{CapabilityImage},
		RequiresBaseURL: true,
		DefaultModels: map[Capability]string{
			CapabilityImage: "default",
		},
		SupportsEndpointType: true,
	},
}

// LookupProvider returns the info for a provider type.
func LookupProvider(t ProviderType) (ProviderInfo, bool) {
	info, ok := providerInfos[t]
	return info, ok
}

// ProviderTypes lists every known provider type.
func ProviderTypes() []ProviderType {
	return []ProviderType{ProviderOpenAICompatible, ProviderGoogleGenAI, ProviderImageAPI}
}
