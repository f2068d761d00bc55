// Package focus defines the FOCUS 1.2 canonical billing record and the
// validation rules every record must satisfy before it is loaded.
package focus

// SpecVersion is the FOCUS specification version this package implements.
const SpecVersion = "1.2"

// ServiceCategory is the FOCUS service category dimension.
type ServiceCategory string

const (
	CategoryAIAndML      ServiceCategory = "AI and Machine Learning"
	CategoryAnalytics    ServiceCategory = "Analytics"
	CategoryCompute      ServiceCategory = "Compute"
	CategoryDatabases    ServiceCategory = "Databases"
	CategoryDevTools     ServiceCategory = "Developer Tools"
	CategoryManagement   ServiceCategory = "Management and Governance"
	CategoryNetworking   ServiceCategory = "Networking"
	CategorySecurity     ServiceCategory = "Security, Identity, and Compliance"
	CategoryStorage      ServiceCategory = "Storage"
	CategoryOther        ServiceCategory = "Other"
)

var serviceCategories = map[ServiceCategory]struct{}{
	CategoryAIAndML:    {},
	CategoryAnalytics:  {},
	CategoryCompute:    {},
	CategoryDatabases:  {},
	CategoryDevTools:   {},
	CategoryManagement: {},
	CategoryNetworking: {},
	CategorySecurity:   {},
	CategoryStorage:    {},
	CategoryOther:      {},
}

// Valid reports whether c is one of the fixed FOCUS service categories.
func (c ServiceCategory) Valid() bool {
	_, ok := serviceCategories[c]
	return ok
}

// ChargeCategory is the FOCUS charge category dimension.
type ChargeCategory string

const (
	ChargeUsage      ChargeCategory = "Usage"
	ChargePurchase   ChargeCategory = "Purchase"
	ChargeTax        ChargeCategory = "Tax"
	ChargeCredit     ChargeCategory = "Credit"
	ChargeAdjustment ChargeCategory = "Adjustment"
)

var chargeCategories = map[ChargeCategory]struct{}{
	ChargeUsage:      {},
	ChargePurchase:   {},
	ChargeTax:        {},
	ChargeCredit:     {},
	ChargeAdjustment: {},
}

// Valid reports whether c is one of the fixed FOCUS charge categories.
func (c ChargeCategory) Valid() bool {
	_, ok := chargeCategories[c]
	return ok
}

// ChargeClass values. FOCUS 1.2 defines only Correction.
type ChargeClass string

const ChargeClassCorrection ChargeClass = "Correction"

// ChargeFrequency values.
type ChargeFrequency string

const (
	FrequencyOneTime    ChargeFrequency = "One-Time"
	FrequencyRecurring  ChargeFrequency = "Recurring"
	FrequencyUsageBased ChargeFrequency = "Usage-Based"
)

// Valid reports whether f is one of the fixed FOCUS charge frequencies.
func (f ChargeFrequency) Valid() bool {
	switch f {
	case FrequencyOneTime, FrequencyRecurring, FrequencyUsageBased:
		return true
	}
	return false
}

// CommitmentDiscountStatus values.
type CommitmentDiscountStatus string

const (
	CommitmentUsed   CommitmentDiscountStatus = "Used"
	CommitmentUnused CommitmentDiscountStatus = "Unused"
)

// Valid reports whether s is one of the fixed commitment discount statuses.
func (s CommitmentDiscountStatus) Valid() bool {
	return s == CommitmentUsed || s == CommitmentUnused
}
