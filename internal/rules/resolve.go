package rules

import (
	"slices"
	"strings"
)

// Rule identifiers and scopes consulted by the engine
const (
	RuleTaxRegistration = "agt.header.tax_registration_number.digits_only"
	RuleBuildingNumber  = "agt.header.building_number.normalised"
	RulePostalCode      = "agt.header.postal_code.placeholder"
	RuleCountryRegion   = "agt.tax.country_region.required"

	ScopeTaxRegistration = "header.tax_registration_number"
	ScopeBuildingNumber  = "header.company_address.building_number"
	ScopePostalCode      = "header.company_address.postal_code"
	ScopeCountryRegion   = "tax.country_region"
)

// Resolve returns the governing rule: the rule with the given id when it is
// active, otherwise the highest precedence active rule in scope.
func (ix *Index) Resolve(id, scope string) (Rule, bool) {
	if ix == nil {
		return Rule{}, false
	}
	at := ix.clock()

	if r, ok := ix.FindRule(id); ok && r.Active(at) {
		return r, true
	}

	var best Rule
	found := false
	for r := range ix.InScope(scope) {
		if !r.Active(at) {
			continue
		}
		if !found || r.Precedence > best.Precedence {
			best = r
			found = true
		}
	}
	return best, found
}

// TaxRegistrationConfig governs TaxRegistrationNumber normalisation
type TaxRegistrationConfig struct {
	StripNonDigits bool
}

// TaxRegistration resolves the tax registration config, falling back to defaults
func (ix *Index) TaxRegistration() TaxRegistrationConfig {
	cfg := TaxRegistrationConfig{StripNonDigits: true}
	if r, ok := ix.Resolve(RuleTaxRegistration, ScopeTaxRegistration); ok {
		if v, ok := r.Bool("strip_non_digits"); ok {
			cfg.StripNonDigits = v
		}
	}
	return cfg
}

// BuildingNumberConfig governs BuildingNumber normalisation
type BuildingNumberConfig struct {
	Markers   []string
	Forbidden []string
}

// BuildingNumber resolves the building number config, falling back to defaults
func (ix *Index) BuildingNumber() BuildingNumberConfig {
	cfg := BuildingNumberConfig{Markers: []string{"S/N"}}
	if r, ok := ix.Resolve(RuleBuildingNumber, ScopeBuildingNumber); ok {
		if v, ok := r.Strings("allowed_markers"); ok && len(nonEmpty(v)) > 0 {
			cfg.Markers = nonEmpty(v)
		}
		if v, ok := r.Strings("forbidden_values"); ok {
			cfg.Forbidden = nonEmpty(v)
		}
	}
	return cfg
}

// Marker returns the replacement marker
func (c BuildingNumberConfig) Marker() string {
	if len(c.Markers) == 0 {
		return "S/N"
	}
	return c.Markers[0]
}

// IsMarker reports whether value is an accepted "no number" marker
func (c BuildingNumberConfig) IsMarker(value string) bool {
	return slices.Contains(c.Markers, value)
}

// IsForbidden reports whether value must be replaced. All-zero values always are.
func (c BuildingNumberConfig) IsForbidden(value string) bool {
	if slices.Contains(c.Forbidden, value) {
		return true
	}
	return value != "" && strings.Trim(value, "0") == ""
}

// PostalCodeConfig governs PostalCode normalisation
type PostalCodeConfig struct {
	Placeholder string
	Alias       string
}

// PostalCode resolves the postal code config, falling back to defaults
func (ix *Index) PostalCode() PostalCodeConfig {
	cfg := PostalCodeConfig{Placeholder: "0000", Alias: "0000-000"}
	if r, ok := ix.Resolve(RulePostalCode, ScopePostalCode); ok {
		if v, ok := r.String("placeholder"); ok && strings.TrimSpace(v) != "" {
			cfg.Placeholder = strings.TrimSpace(v)
		}
		if v, ok := r.String("alias"); ok && strings.TrimSpace(v) != "" {
			cfg.Alias = strings.TrimSpace(v)
		}
	}
	return cfg
}

// CountryRegionConfig governs Tax/TaxCountryRegion
type CountryRegionConfig struct {
	Default  string
	Required bool
	// Allowed is nil when no rule restricts the values
	Allowed []string
}

// CountryRegion resolves the country region config, falling back to defaults
func (ix *Index) CountryRegion() CountryRegionConfig {
	cfg := CountryRegionConfig{Default: "AO", Required: true}
	if r, ok := ix.Resolve(RuleCountryRegion, ScopeCountryRegion); ok {
		if v, ok := r.Bool("required"); ok {
			cfg.Required = v
		}
		if v, ok := r.Strings("allowed_values"); ok && len(nonEmpty(v)) > 0 {
			cfg.Allowed = nonEmpty(v)
		}
		if v, ok := r.String("default"); ok && strings.TrimSpace(v) != "" {
			cfg.Default = strings.TrimSpace(v)
		}
	}
	return cfg
}

// IsAllowed reports whether value passes the allow-list
func (c CountryRegionConfig) IsAllowed(value string) bool {
	if len(c.Allowed) == 0 {
		return true
	}
	return slices.Contains(c.Allowed, value)
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
