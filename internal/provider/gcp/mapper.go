package gcp

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"focus-pipeline/internal/provider"
	perrors "focus-pipeline/pkg/errors"
	"focus-pipeline/pkg/focus"
)

const gcpEntityName = "Google Cloud"

// Mapper converts GCP BigQuery billing-export rows to FOCUS records.
// Export rows use the flattened standard-export schema: service_description,
// sku_description, usage_start_time, cost, credits_total and so on.
type Mapper struct {
	providerID string
}

// NewMapper returns a billing-export mapper for one configured provider.
func NewMapper(providerID string) *Mapper {
	return &Mapper{providerID: providerID}
}

func (m *Mapper) Map(raw map[string]any) (*focus.Record, error) {
	if len(raw) == 0 {
		return nil, perrors.NewMappingError("", errors.New("empty gcp record"))
	}

	record := &focus.Record{
		XProviderID:     m.providerID,
		XSourceChargeID: sourceChargeID(raw),
	}

	cost, _ := provider.DecimalField(raw, "cost")
	record.BilledCost = cost
	// GCP reports credits separately as negative amounts; effective cost is
	// the billed cost after applying them.
	if credits, ok := provider.DecimalField(raw, "credits_total", "credits_amount"); ok {
		effective := cost.Add(credits)
		if effective.IsNegative() {
			effective = decimal.Zero
		}
		record.EffectiveCost = effective
	} else {
		record.EffectiveCost = cost
	}
	record.ListCost = cost
	if d, ok := provider.DecimalField(raw, "cost_at_list", "list_cost"); ok {
		record.ListCost = d
	}
	record.ContractedCost = record.EffectiveCost

	record.BillingCurrency = provider.StringField(raw, "currency")
	if record.BillingCurrency == "" {
		record.BillingCurrency = "USD"
	}

	record.BillingAccountID = provider.StringField(raw, "billing_account_id")
	record.BillingAccountType = "BillingAccount"
	record.SubAccountID = provider.StringField(raw, "project_id", "project.id")
	if record.SubAccountID != "" {
		record.SubAccountName = provider.StringField(raw, "project_name", "project.name")
		record.SubAccountType = "Project"
	}

	chargeStart, okStart := provider.TimeField(raw, "usage_start_time")
	chargeEnd, okEnd := provider.TimeField(raw, "usage_end_time")
	if !okStart || !okEnd {
		return nil, perrors.NewMappingError(record.XSourceChargeID, errors.New("gcp record missing usage period"))
	}
	record.ChargePeriodStart = chargeStart
	record.ChargePeriodEnd = chargeEnd

	if invoiceMonth := provider.StringField(raw, "invoice_month"); len(invoiceMonth) == 6 {
		if t, err := time.Parse("200601", invoiceMonth); err == nil {
			record.BillingPeriodStart = t
			record.BillingPeriodEnd = t.AddDate(0, 1, 0)
		}
	}
	if record.BillingPeriodStart.IsZero() {
		record.BillingPeriodStart = time.Date(chargeStart.Year(), chargeStart.Month(), 1, 0, 0, 0, 0, time.UTC)
		record.BillingPeriodEnd = record.BillingPeriodStart.AddDate(0, 1, 0)
	}

	record.ServiceName = provider.StringField(raw, "service_description", "service.description")
	record.ServiceCategory = ServiceCategoryFor(record.ServiceName)
	record.ProviderName = gcpEntityName
	record.PublisherName = gcpEntityName
	record.InvoiceIssuerName = gcpEntityName

	record.ChargeCategory = chargeCategoryFor(raw)
	record.ChargeDescription = provider.StringField(raw, "sku_description", "sku.description")
	if record.ChargeDescription == "" {
		record.ChargeDescription = record.ServiceName + " usage"
	}
	record.ChargeFrequency = focus.FrequencyUsageBased

	if qty, ok := provider.DecimalField(raw, "usage_amount", "usage.amount"); ok {
		record.PricingQuantity = qty
	}
	record.PricingUnit = provider.StringField(raw, "usage_pricing_unit", "usage_unit", "usage.pricing_unit")
	if record.PricingUnit == "" {
		record.PricingUnit = "Units"
	}

	record.SkuID = provider.StringField(raw, "sku_id", "sku.id")
	record.SkuDescription = provider.StringField(raw, "sku_description", "sku.description")

	record.ResourceID = provider.StringField(raw, "resource_global_name", "resource.global_name")
	if record.ResourceID != "" {
		record.ResourceName = provider.StringField(raw, "resource_name", "resource.name")
	}
	record.RegionID = provider.StringField(raw, "location_region", "location.region")
	if record.RegionID != "" {
		record.RegionName = record.RegionID
	}
	record.AvailabilityZone = provider.StringField(raw, "location_zone", "location.zone")

	record.ConsumedQuantity = provider.DecimalFieldPtr(raw, "usage_amount_in_pricing_units", "usage_amount")
	if record.ConsumedQuantity != nil {
		record.ConsumedUnit = record.PricingUnit
	}
	record.Tags = provider.TagsField(raw, "labels", "project_labels")
	record.InvoiceID = provider.StringField(raw, "invoice_month")

	if err := record.Validate(); err != nil {
		return nil, perrors.NewMappingError(record.XSourceChargeID, err)
	}
	return record, nil
}

func sourceChargeID(raw map[string]any) string {
	return strings.Join([]string{
		provider.StringField(raw, "billing_account_id"),
		provider.StringField(raw, "project_id", "project.id"),
		provider.StringField(raw, "sku_id", "sku.id"),
		provider.StringField(raw, "usage_start_time"),
	}, "|")
}

func chargeCategoryFor(raw map[string]any) focus.ChargeCategory {
	costType := provider.StringField(raw, "cost_type")
	switch costType {
	case "tax":
		return focus.ChargeTax
	case "adjustment":
		return focus.ChargeAdjustment
	case "rounding_error":
		return focus.ChargeAdjustment
	default:
		return focus.ChargeUsage
	}
}

// ServiceCategoryFor maps a GCP service description onto the FOCUS set.
func ServiceCategoryFor(service string) focus.ServiceCategory {
	s := strings.ToLower(service)
	switch {
	case strings.Contains(s, "vertex") || strings.Contains(s, "ai platform") ||
		strings.Contains(s, "vision") || strings.Contains(s, "speech") ||
		strings.Contains(s, "translation") || strings.Contains(s, "natural language"):
		return focus.CategoryAIAndML
	case strings.Contains(s, "bigquery") || strings.Contains(s, "dataflow") ||
		strings.Contains(s, "dataproc") || strings.Contains(s, "pub/sub") ||
		strings.Contains(s, "looker") || strings.Contains(s, "composer"):
		return focus.CategoryAnalytics
	case strings.Contains(s, "compute engine") || strings.Contains(s, "kubernetes") ||
		strings.Contains(s, "cloud run") || strings.Contains(s, "cloud functions") ||
		strings.Contains(s, "app engine"):
		return focus.CategoryCompute
	case strings.Contains(s, "cloud sql") || strings.Contains(s, "spanner") ||
		strings.Contains(s, "firestore") || strings.Contains(s, "bigtable") ||
		strings.Contains(s, "memorystore") || strings.Contains(s, "alloydb"):
		return focus.CategoryDatabases
	case strings.Contains(s, "cloud build") || strings.Contains(s, "artifact registry") ||
		strings.Contains(s, "source repositories"):
		return focus.CategoryDevTools
	case strings.Contains(s, "monitoring") || strings.Contains(s, "logging") ||
		strings.Contains(s, "deployment manager"):
		return focus.CategoryManagement
	case strings.Contains(s, "network") || strings.Contains(s, "cloud cdn") ||
		strings.Contains(s, "cloud dns") || strings.Contains(s, "load balancing") ||
		strings.Contains(s, "interconnect"):
		return focus.CategoryNetworking
	case strings.Contains(s, "iam") || strings.Contains(s, "kms") ||
		strings.Contains(s, "secret manager") || strings.Contains(s, "security"):
		return focus.CategorySecurity
	case strings.Contains(s, "cloud storage") || strings.Contains(s, "filestore") ||
		strings.Contains(s, "persistent disk"):
		return focus.CategoryStorage
	default:
		return focus.CategoryOther
	}
}
