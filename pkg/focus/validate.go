package focus

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// FieldError is a single validation failure on a named FOCUS column.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) String() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError aggregates every rule a record violates. Mapping code
// treats it as record-scoped: the record is rejected, the batch continues.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.String()
	}
	return "focus: invalid record: " + strings.Join(msgs, "; ")
}

func (e *ValidationError) add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate checks every FOCUS 1.2 invariant the pipeline enforces at
// construction time. It returns nil for a conforming record and a
// *ValidationError listing all violations otherwise.
func (r *Record) Validate() error {
	verr := &ValidationError{}

	r.validateCosts(verr)
	r.validateMandatory(verr)
	r.validatePeriods(verr)
	r.validateConditional(verr)

	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

func (r *Record) validateCosts(verr *ValidationError) {
	costs := []struct {
		name  string
		value decimal.Decimal
	}{
		{"BilledCost", r.BilledCost},
		{"EffectiveCost", r.EffectiveCost},
		{"ListCost", r.ListCost},
		{"ContractedCost", r.ContractedCost},
	}
	for _, c := range costs {
		if c.value.IsNegative() {
			verr.add(c.name, "must be >= 0, got %s", c.value)
		}
	}
	if r.PricingQuantity.IsNegative() {
		verr.add("PricingQuantity", "must be >= 0, got %s", r.PricingQuantity)
	}
	if r.ConsumedQuantity != nil && r.ConsumedQuantity.IsNegative() {
		verr.add("ConsumedQuantity", "must be >= 0, got %s", r.ConsumedQuantity)
	}
	if r.CommitmentDiscountQuantity != nil && r.CommitmentDiscountQuantity.IsNegative() {
		verr.add("CommitmentDiscountQuantity", "must be >= 0, got %s", r.CommitmentDiscountQuantity)
	}
}

func (r *Record) validateMandatory(verr *ValidationError) {
	mandatory := []struct {
		name  string
		value string
	}{
		{"BillingAccountId", r.BillingAccountID},
		{"BillingAccountType", r.BillingAccountType},
		{"BillingCurrency", r.BillingCurrency},
		{"ServiceName", r.ServiceName},
		{"ProviderName", r.ProviderName},
		{"PublisherName", r.PublisherName},
		{"InvoiceIssuerName", r.InvoiceIssuerName},
		{"ChargeDescription", r.ChargeDescription},
		{"PricingUnit", r.PricingUnit},
	}
	for _, m := range mandatory {
		if m.value == "" {
			verr.add(m.name, "is mandatory")
		}
	}

	if r.ServiceCategory == "" {
		verr.add("ServiceCategory", "is mandatory")
	} else if !r.ServiceCategory.Valid() {
		verr.add("ServiceCategory", "invalid service category %q", r.ServiceCategory)
	}

	if r.ChargeCategory == "" {
		verr.add("ChargeCategory", "is mandatory")
	} else if !r.ChargeCategory.Valid() {
		verr.add("ChargeCategory", "invalid charge category %q", r.ChargeCategory)
	}

	if r.ChargeFrequency != "" && !r.ChargeFrequency.Valid() {
		verr.add("ChargeFrequency", "invalid charge frequency %q", r.ChargeFrequency)
	}
	if r.CommitmentDiscountStatus != "" && !r.CommitmentDiscountStatus.Valid() {
		verr.add("CommitmentDiscountStatus", "invalid commitment discount status %q", r.CommitmentDiscountStatus)
	}
}

func (r *Record) validatePeriods(verr *ValidationError) {
	if r.BillingPeriodStart.IsZero() {
		verr.add("BillingPeriodStart", "is mandatory")
	}
	if r.BillingPeriodEnd.IsZero() {
		verr.add("BillingPeriodEnd", "is mandatory")
	}
	if r.ChargePeriodStart.IsZero() {
		verr.add("ChargePeriodStart", "is mandatory")
	}
	if r.ChargePeriodEnd.IsZero() {
		verr.add("ChargePeriodEnd", "is mandatory")
	}
	if !r.BillingPeriodStart.IsZero() && !r.BillingPeriodEnd.IsZero() &&
		!r.BillingPeriodEnd.After(r.BillingPeriodStart) {
		verr.add("BillingPeriodEnd", "must be after BillingPeriodStart")
	}
	if !r.ChargePeriodStart.IsZero() && !r.ChargePeriodEnd.IsZero() &&
		!r.ChargePeriodEnd.After(r.ChargePeriodStart) {
		verr.add("ChargePeriodEnd", "must be after ChargePeriodStart")
	}
}

// validateConditional enforces the "presence implies consistency" rules:
// dependent fields may only be set alongside the field they qualify.
func (r *Record) validateConditional(verr *ValidationError) {
	if r.SubAccountName != "" && r.SubAccountID == "" {
		verr.add("SubAccountName", "requires SubAccountId")
	}
	if r.SubAccountType != "" && r.SubAccountID == "" {
		verr.add("SubAccountType", "requires SubAccountId")
	}
	if r.ResourceName != "" && r.ResourceID == "" {
		verr.add("ResourceName", "requires ResourceId")
	}
	if r.ResourceType != "" && r.ResourceID == "" {
		verr.add("ResourceType", "requires ResourceId")
	}
	if r.RegionName != "" && r.RegionID == "" {
		verr.add("RegionName", "requires RegionId")
	}
	if r.CapacityReservationStatus != "" && r.CapacityReservationID == "" {
		verr.add("CapacityReservationStatus", "requires CapacityReservationId")
	}
	if r.ConsumedUnit != "" && r.ConsumedQuantity == nil {
		verr.add("ConsumedUnit", "requires ConsumedQuantity")
	}
	if r.CommitmentDiscountUnit != "" && r.CommitmentDiscountQuantity == nil {
		verr.add("CommitmentDiscountUnit", "requires CommitmentDiscountQuantity")
	}
	for _, dep := range []struct {
		name  string
		value string
	}{
		{"CommitmentDiscountType", r.CommitmentDiscountType},
		{"CommitmentDiscountCategory", r.CommitmentDiscountCategory},
		{"CommitmentDiscountName", r.CommitmentDiscountName},
		{"CommitmentDiscountStatus", string(r.CommitmentDiscountStatus)},
	} {
		if dep.value != "" && r.CommitmentDiscountID == "" {
			verr.add(dep.name, "requires CommitmentDiscountId")
		}
	}
}
