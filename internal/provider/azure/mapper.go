package azure

import (
	"errors"
	"strings"

	"focus-pipeline/internal/provider"
	perrors "focus-pipeline/pkg/errors"
	"focus-pipeline/pkg/focus"
)

const azureEntityName = "Microsoft Azure"

// Mapper normalizes Azure FOCUS export rows. The export already carries
// FOCUS column names, so mapping is mostly pass-through plus defaulting
// and invariant validation.
type Mapper struct {
	providerID string
}

// NewMapper returns an Azure export mapper for one configured provider.
func NewMapper(providerID string) *Mapper {
	return &Mapper{providerID: providerID}
}

func (m *Mapper) Map(raw map[string]any) (*focus.Record, error) {
	if len(raw) == 0 {
		return nil, perrors.NewMappingError("", errors.New("empty azure record"))
	}

	record := &focus.Record{
		XProviderID:     m.providerID,
		XSourceChargeID: sourceChargeID(raw),
	}

	billed, _ := provider.DecimalField(raw, "BilledCost")
	record.BilledCost = billed
	record.EffectiveCost = billed
	if d, ok := provider.DecimalField(raw, "EffectiveCost"); ok {
		record.EffectiveCost = d
	}
	record.ListCost = billed
	if d, ok := provider.DecimalField(raw, "ListCost"); ok {
		record.ListCost = d
	}
	record.ContractedCost = record.EffectiveCost
	if d, ok := provider.DecimalField(raw, "ContractedCost"); ok {
		record.ContractedCost = d
	}

	record.BillingAccountID = provider.StringField(raw, "BillingAccountId")
	record.BillingAccountName = provider.StringField(raw, "BillingAccountName")
	record.BillingAccountType = provider.StringField(raw, "BillingAccountType")
	if record.BillingAccountType == "" {
		record.BillingAccountType = "BillingAccount"
	}
	record.SubAccountID = provider.StringField(raw, "SubAccountId")
	if record.SubAccountID != "" {
		record.SubAccountName = provider.StringField(raw, "SubAccountName")
		record.SubAccountType = provider.StringField(raw, "SubAccountType")
	}

	record.BillingPeriodStart, _ = provider.TimeField(raw, "BillingPeriodStart")
	record.BillingPeriodEnd, _ = provider.TimeField(raw, "BillingPeriodEnd")
	record.ChargePeriodStart, _ = provider.TimeField(raw, "ChargePeriodStart")
	record.ChargePeriodEnd, _ = provider.TimeField(raw, "ChargePeriodEnd")

	record.BillingCurrency = provider.StringField(raw, "BillingCurrency")
	record.PricingCurrency = provider.StringField(raw, "PricingCurrency")
	if record.PricingCurrency != "" && record.PricingCurrency != record.BillingCurrency {
		record.PricingCurrencyEffectiveCost = provider.DecimalFieldPtr(raw, "PricingCurrencyEffectiveCost")
		record.PricingCurrencyListUnitPrice = provider.DecimalFieldPtr(raw, "PricingCurrencyListUnitPrice")
		record.PricingCurrencyContractedUnitPrice = provider.DecimalFieldPtr(raw, "PricingCurrencyContractedUnitPrice")
	}

	record.ServiceName = provider.StringField(raw, "ServiceName", "MeterCategory")
	if cat := focus.ServiceCategory(provider.StringField(raw, "ServiceCategory")); cat.Valid() {
		record.ServiceCategory = cat
	} else {
		record.ServiceCategory = ServiceCategoryFor(record.ServiceName)
	}
	record.ServiceSubcategory = provider.StringField(raw, "ServiceSubcategory")
	record.ProviderName = defaultString(provider.StringField(raw, "ProviderName"), azureEntityName)
	record.PublisherName = defaultString(provider.StringField(raw, "PublisherName"), azureEntityName)
	record.InvoiceIssuerName = defaultString(provider.StringField(raw, "InvoiceIssuerName"), azureEntityName)

	if cat := focus.ChargeCategory(provider.StringField(raw, "ChargeCategory")); cat.Valid() {
		record.ChargeCategory = cat
	} else {
		record.ChargeCategory = focus.ChargeUsage
	}
	record.ChargeDescription = provider.StringField(raw, "ChargeDescription")
	if record.ChargeDescription == "" {
		record.ChargeDescription = record.ServiceName + " charge"
	}
	if provider.StringField(raw, "ChargeClass") == string(focus.ChargeClassCorrection) {
		record.ChargeClass = focus.ChargeClassCorrection
	}
	if freq := focus.ChargeFrequency(provider.StringField(raw, "ChargeFrequency")); freq.Valid() {
		record.ChargeFrequency = freq
	}

	if qty, ok := provider.DecimalField(raw, "PricingQuantity"); ok {
		record.PricingQuantity = qty
	}
	record.PricingUnit = defaultString(provider.StringField(raw, "PricingUnit"), "Units")
	record.ListUnitPrice = provider.DecimalFieldPtr(raw, "ListUnitPrice")
	record.ContractedUnitPrice = provider.DecimalFieldPtr(raw, "ContractedUnitPrice")

	record.ResourceID = provider.StringField(raw, "ResourceId")
	if record.ResourceID != "" {
		record.ResourceName = provider.StringField(raw, "ResourceName")
		record.ResourceType = provider.StringField(raw, "ResourceType")
	}
	record.RegionID = provider.StringField(raw, "RegionId")
	if record.RegionID != "" {
		record.RegionName = provider.StringField(raw, "RegionName")
	}
	record.AvailabilityZone = provider.StringField(raw, "AvailabilityZone")

	record.SkuID = provider.StringField(raw, "SkuId")
	record.SkuPriceID = provider.StringField(raw, "SkuPriceId")
	record.SkuMeter = provider.StringField(raw, "SkuMeter")
	record.SkuPriceDetails = provider.StringField(raw, "SkuPriceDetails")

	record.CommitmentDiscountID = provider.StringField(raw, "CommitmentDiscountId")
	if record.CommitmentDiscountID != "" {
		record.CommitmentDiscountType = provider.StringField(raw, "CommitmentDiscountType")
		record.CommitmentDiscountCategory = provider.StringField(raw, "CommitmentDiscountCategory")
		record.CommitmentDiscountName = provider.StringField(raw, "CommitmentDiscountName")
		if st := focus.CommitmentDiscountStatus(provider.StringField(raw, "CommitmentDiscountStatus")); st.Valid() {
			record.CommitmentDiscountStatus = st
		}
		record.CommitmentDiscountQuantity = provider.DecimalFieldPtr(raw, "CommitmentDiscountQuantity")
		record.CommitmentDiscountUnit = provider.StringField(raw, "CommitmentDiscountUnit")
	}

	record.ConsumedQuantity = provider.DecimalFieldPtr(raw, "ConsumedQuantity")
	if record.ConsumedQuantity != nil {
		record.ConsumedUnit = provider.StringField(raw, "ConsumedUnit")
	}
	record.Tags = provider.TagsField(raw, "Tags")
	record.InvoiceID = provider.StringField(raw, "InvoiceId")

	if err := record.Validate(); err != nil {
		return nil, perrors.NewMappingError(record.XSourceChargeID, err)
	}
	return record, nil
}

func sourceChargeID(raw map[string]any) string {
	if id := provider.StringField(raw, "ChargeId", "Id"); id != "" {
		return id
	}
	return strings.Join([]string{
		provider.StringField(raw, "SubAccountId", "BillingAccountId"),
		provider.StringField(raw, "ResourceId", "ServiceName"),
		provider.StringField(raw, "ChargePeriodStart"),
		provider.StringField(raw, "SkuPriceId", "SkuId"),
	}, "|")
}

// ServiceCategoryFor maps an Azure meter category onto the FOCUS set.
func ServiceCategoryFor(service string) focus.ServiceCategory {
	s := strings.ToLower(service)
	switch {
	case strings.Contains(s, "machine learning") || strings.Contains(s, "cognitive") ||
		strings.Contains(s, "openai"):
		return focus.CategoryAIAndML
	case strings.Contains(s, "synapse") || strings.Contains(s, "databricks") ||
		strings.Contains(s, "analysis") || strings.Contains(s, "data factory"):
		return focus.CategoryAnalytics
	case strings.Contains(s, "virtual machine") || strings.Contains(s, "functions") ||
		strings.Contains(s, "container") || strings.Contains(s, "kubernetes") ||
		strings.Contains(s, "app service"):
		return focus.CategoryCompute
	case strings.Contains(s, "sql") || strings.Contains(s, "cosmos") ||
		strings.Contains(s, "database") || strings.Contains(s, "redis"):
		return focus.CategoryDatabases
	case strings.Contains(s, "devops") || strings.Contains(s, "visual studio"):
		return focus.CategoryDevTools
	case strings.Contains(s, "monitor") || strings.Contains(s, "automation") ||
		strings.Contains(s, "advisor") || strings.Contains(s, "log analytics"):
		return focus.CategoryManagement
	case strings.Contains(s, "bandwidth") || strings.Contains(s, "virtual network") ||
		strings.Contains(s, "load balancer") || strings.Contains(s, "front door") ||
		strings.Contains(s, "cdn") || strings.Contains(s, "dns") ||
		strings.Contains(s, "expressroute"):
		return focus.CategoryNetworking
	case strings.Contains(s, "key vault") || strings.Contains(s, "sentinel") ||
		strings.Contains(s, "defender") || strings.Contains(s, "active directory"):
		return focus.CategorySecurity
	case strings.Contains(s, "storage") || strings.Contains(s, "backup") ||
		strings.Contains(s, "files") || strings.Contains(s, "blob"):
		return focus.CategoryStorage
	default:
		return focus.CategoryOther
	}
}

func defaultString(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
