package gcp

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "focus-pipeline/pkg/errors"
	"focus-pipeline/pkg/focus"
)

func exportRow() map[string]any {
	return map[string]any{
		"billing_account_id":  "01A2B3-C4D5E6-F7G8H9",
		"project_id":          "my-project",
		"project_name":        "My Project",
		"service_description": "Compute Engine",
		"sku_id":              "2E27-4F75-95CD",
		"sku_description":     "N1 Predefined Instance Core",
		"usage_start_time":    "2025-01-10T00:00:00Z",
		"usage_end_time":      "2025-01-10T01:00:00Z",
		"invoice_month":       "202501",
		"cost":                "1.50",
		"currency":            "USD",
		"usage_amount":        "3600",
		"usage_pricing_unit":  "hour",
	}
}

func TestMapExportRow(t *testing.T) {
	rec, err := NewMapper("prov-gcp").Map(exportRow())
	require.NoError(t, err)

	assert.True(t, rec.BilledCost.Equal(decimal.RequireFromString("1.50")))
	assert.True(t, rec.EffectiveCost.Equal(rec.BilledCost), "no credits means effective equals billed")
	assert.Equal(t, "01A2B3-C4D5E6-F7G8H9", rec.BillingAccountID)
	assert.Equal(t, "my-project", rec.SubAccountID)
	assert.Equal(t, "Project", rec.SubAccountType)
	assert.Equal(t, focus.CategoryCompute, rec.ServiceCategory)
	assert.Equal(t, gcpEntityName, rec.ProviderName)
	assert.Equal(t, "hour", rec.PricingUnit)
	assert.Equal(t, "prov-gcp", rec.XProviderID)

	// invoice_month drives the billing period.
	assert.Equal(t, 2025, rec.BillingPeriodStart.Year())
	assert.Equal(t, 1, int(rec.BillingPeriodStart.Month()))
	assert.Equal(t, 2, int(rec.BillingPeriodEnd.Month()))
}

func TestMapAppliesCredits(t *testing.T) {
	row := exportRow()
	row["credits_total"] = "-0.50"
	rec, err := NewMapper("prov-gcp").Map(row)
	require.NoError(t, err)
	assert.True(t, rec.BilledCost.Equal(decimal.RequireFromString("1.50")))
	assert.True(t, rec.EffectiveCost.Equal(decimal.RequireFromString("1.00")))
}

func TestMapClampsOverlappingCreditsAtZero(t *testing.T) {
	row := exportRow()
	row["credits_total"] = "-2.00"
	rec, err := NewMapper("prov-gcp").Map(row)
	require.NoError(t, err)
	assert.True(t, rec.EffectiveCost.IsZero(), "credits never push effective cost negative")
}

func TestMapMissingUsagePeriod(t *testing.T) {
	row := exportRow()
	delete(row, "usage_start_time")
	_, err := NewMapper("prov-gcp").Map(row)
	require.Error(t, err)
	assert.True(t, perrors.IsMapping(err))
}

func TestMapChargeCategoryFromCostType(t *testing.T) {
	row := exportRow()
	row["cost_type"] = "tax"
	rec, err := NewMapper("prov-gcp").Map(row)
	require.NoError(t, err)
	assert.Equal(t, focus.ChargeTax, rec.ChargeCategory)

	row["cost_type"] = "adjustment"
	rec, err = NewMapper("prov-gcp").Map(row)
	require.NoError(t, err)
	assert.Equal(t, focus.ChargeAdjustment, rec.ChargeCategory)
}

func TestServiceCategoryFor(t *testing.T) {
	assert.Equal(t, focus.CategoryAIAndML, ServiceCategoryFor("Vertex AI"))
	assert.Equal(t, focus.CategoryAnalytics, ServiceCategoryFor("BigQuery"))
	assert.Equal(t, focus.CategoryStorage, ServiceCategoryFor("Cloud Storage"))
	assert.Equal(t, focus.CategoryOther, ServiceCategoryFor("Maps Platform"))
}
