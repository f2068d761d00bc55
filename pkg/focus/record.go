package focus

import (
	"time"

	"github.com/shopspring/decimal"
)

// Record is one canonical charge line, FOCUS 1.2 shaped.
//
// Mandatory fields are plain values; conditional fields use pointers or the
// empty string so that absence is representable. A Record is immutable once
// loaded: corrections arrive as new Credit/Adjustment rows, never as edits.
type Record struct {
	// Costs (mandatory).
	BilledCost     decimal.Decimal `ch:"billed_cost" json:"billed_cost"`
	EffectiveCost  decimal.Decimal `ch:"effective_cost" json:"effective_cost"`
	ListCost       decimal.Decimal `ch:"list_cost" json:"list_cost"`
	ContractedCost decimal.Decimal `ch:"contracted_cost" json:"contracted_cost"`

	// Account identification (mandatory).
	BillingAccountID   string `ch:"billing_account_id" json:"billing_account_id"`
	BillingAccountName string `ch:"billing_account_name" json:"billing_account_name,omitempty"`
	BillingAccountType string `ch:"billing_account_type" json:"billing_account_type"`

	// Time periods (mandatory, end exclusive).
	BillingPeriodStart time.Time `ch:"billing_period_start" json:"billing_period_start"`
	BillingPeriodEnd   time.Time `ch:"billing_period_end" json:"billing_period_end"`
	ChargePeriodStart  time.Time `ch:"charge_period_start" json:"charge_period_start"`
	ChargePeriodEnd    time.Time `ch:"charge_period_end" json:"charge_period_end"`

	// Currency (mandatory).
	BillingCurrency string `ch:"billing_currency" json:"billing_currency"`

	// Services (mandatory).
	ServiceName       string          `ch:"service_name" json:"service_name"`
	ServiceCategory   ServiceCategory `ch:"service_category" json:"service_category"`
	ProviderName      string          `ch:"provider_name" json:"provider_name"`
	PublisherName     string          `ch:"publisher_name" json:"publisher_name"`
	InvoiceIssuerName string          `ch:"invoice_issuer_name" json:"invoice_issuer_name"`

	// Charges (mandatory).
	ChargeCategory    ChargeCategory `ch:"charge_category" json:"charge_category"`
	ChargeDescription string         `ch:"charge_description" json:"charge_description"`

	// Pricing (quantity/unit mandatory, rest conditional).
	PricingQuantity decimal.Decimal  `ch:"pricing_quantity" json:"pricing_quantity"`
	PricingUnit     string           `ch:"pricing_unit" json:"pricing_unit"`
	PricingCurrency string           `ch:"pricing_currency" json:"pricing_currency,omitempty"`
	PricingCategory string           `ch:"pricing_category" json:"pricing_category,omitempty"`
	ChargeClass     ChargeClass      `ch:"charge_class" json:"charge_class,omitempty"`
	ChargeFrequency ChargeFrequency  `ch:"charge_frequency" json:"charge_frequency,omitempty"`
	ListUnitPrice   *decimal.Decimal `ch:"list_unit_price" json:"list_unit_price,omitempty"`
	ContractedUnitPrice *decimal.Decimal `ch:"contracted_unit_price" json:"contracted_unit_price,omitempty"`

	// Multi-currency pricing (conditional, when PricingCurrency differs from
	// BillingCurrency).
	PricingCurrencyEffectiveCost      *decimal.Decimal `ch:"pricing_currency_effective_cost" json:"pricing_currency_effective_cost,omitempty"`
	PricingCurrencyListUnitPrice      *decimal.Decimal `ch:"pricing_currency_list_unit_price" json:"pricing_currency_list_unit_price,omitempty"`
	PricingCurrencyContractedUnitPrice *decimal.Decimal `ch:"pricing_currency_contracted_unit_price" json:"pricing_currency_contracted_unit_price,omitempty"`

	// Sub-accounts (conditional).
	SubAccountID   string `ch:"sub_account_id" json:"sub_account_id,omitempty"`
	SubAccountName string `ch:"sub_account_name" json:"sub_account_name,omitempty"`
	SubAccountType string `ch:"sub_account_type" json:"sub_account_type,omitempty"`

	// Resources (conditional).
	ResourceID   string `ch:"resource_id" json:"resource_id,omitempty"`
	ResourceName string `ch:"resource_name" json:"resource_name,omitempty"`
	ResourceType string `ch:"resource_type" json:"resource_type,omitempty"`

	// Location (conditional).
	RegionID         string `ch:"region_id" json:"region_id,omitempty"`
	RegionName       string `ch:"region_name" json:"region_name,omitempty"`
	AvailabilityZone string `ch:"availability_zone" json:"availability_zone,omitempty"`

	// Capacity reservation (conditional).
	CapacityReservationID     string `ch:"capacity_reservation_id" json:"capacity_reservation_id,omitempty"`
	CapacityReservationStatus string `ch:"capacity_reservation_status" json:"capacity_reservation_status,omitempty"`

	// SKU (conditional).
	SkuID           string `ch:"sku_id" json:"sku_id,omitempty"`
	SkuPriceID      string `ch:"sku_price_id" json:"sku_price_id,omitempty"`
	SkuMeter        string `ch:"sku_meter" json:"sku_meter,omitempty"`
	SkuPriceDetails string `ch:"sku_price_details" json:"sku_price_details,omitempty"`

	// Commitment discounts (conditional).
	CommitmentDiscountID       string                   `ch:"commitment_discount_id" json:"commitment_discount_id,omitempty"`
	CommitmentDiscountType     string                   `ch:"commitment_discount_type" json:"commitment_discount_type,omitempty"`
	CommitmentDiscountCategory string                   `ch:"commitment_discount_category" json:"commitment_discount_category,omitempty"`
	CommitmentDiscountName     string                   `ch:"commitment_discount_name" json:"commitment_discount_name,omitempty"`
	CommitmentDiscountStatus   CommitmentDiscountStatus `ch:"commitment_discount_status" json:"commitment_discount_status,omitempty"`
	CommitmentDiscountQuantity *decimal.Decimal         `ch:"commitment_discount_quantity" json:"commitment_discount_quantity,omitempty"`
	CommitmentDiscountUnit     string                   `ch:"commitment_discount_unit" json:"commitment_discount_unit,omitempty"`

	// Usage (conditional).
	ConsumedQuantity *decimal.Decimal `ch:"consumed_quantity" json:"consumed_quantity,omitempty"`
	ConsumedUnit     string           `ch:"consumed_unit" json:"consumed_unit,omitempty"`

	// Tags (conditional).
	Tags map[string]string `ch:"tags" json:"tags,omitempty"`

	// Recommended extras.
	ServiceSubcategory string `ch:"service_subcategory" json:"service_subcategory,omitempty"`
	InvoiceID          string `ch:"invoice_id" json:"invoice_id,omitempty"`
	SkuDescription     string `ch:"sku_description" json:"sku_description,omitempty"`

	// Lineage extensions (x_ prefix, not part of the FOCUS column set).
	XProviderID        string `ch:"x_provider_id" json:"x_provider_id"`
	XRawBillingDataID  string `ch:"x_raw_billing_data_id" json:"x_raw_billing_data_id"`
	XSourceChargeID    string `ch:"x_source_charge_id" json:"x_source_charge_id"`
	XDltID             string `ch:"x_dlt_id" json:"x_dlt_id"`
	XDltLoadID         string `ch:"x_dlt_load_id" json:"x_dlt_load_id"`
	XCreatedAt         time.Time `ch:"x_created_at" json:"x_created_at"`
}
