package aws

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "focus-pipeline/pkg/errors"
	"focus-pipeline/pkg/focus"
)

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, got.Equal(decimal.RequireFromString(want)), "want %s, got %s", want, got)
}

func legacyCURRow() map[string]any {
	return map[string]any{
		"identity/LineItemId":          "line-1",
		"bill/PayerAccountId":          "111111111111",
		"lineItem/UsageAccountId":      "222222222222",
		"lineItem/ProductCode":         "AmazonEC2",
		"product/ProductName":          "Amazon Elastic Compute Cloud",
		"lineItem/LineItemType":        "Usage",
		"lineItem/LineItemDescription": "$0.096 per On Demand Linux t3.large Instance Hour",
		"lineItem/UsageStartDate":      "2025-01-15T00:00:00Z",
		"lineItem/UsageEndDate":        "2025-01-15T01:00:00Z",
		"bill/BillingPeriodStartDate":  "2025-01-01T00:00:00Z",
		"bill/BillingPeriodEndDate":    "2025-02-01T00:00:00Z",
		"lineItem/UnblendedCost":       "0.096",
		"pricing/publicOnDemandCost":   "0.096",
		"lineItem/CurrencyCode":        "USD",
		"lineItem/UsageAmount":         "1.0",
		"pricing/unit":                 "Hrs",
		"lineItem/ResourceId":          "i-0abc123",
		"product/regionCode":           "us-east-1",
		"product/region":               "US East (N. Virginia)",
		"product/sku":                  "SKU123",
	}
}

func TestMapLegacyCURUsageRow(t *testing.T) {
	m := NewMapper("prov-1")
	rec, err := m.Map(legacyCURRow())
	require.NoError(t, err)

	assertDecimal(t, "0.096", rec.BilledCost)
	assertDecimal(t, "0.096", rec.EffectiveCost)
	assertDecimal(t, "0.096", rec.ListCost)
	assert.Equal(t, "111111111111", rec.BillingAccountID)
	assert.Equal(t, "222222222222", rec.SubAccountID)
	assert.Equal(t, "Account", rec.SubAccountType)
	assert.Equal(t, "USD", rec.BillingCurrency)
	assert.Equal(t, focus.CategoryCompute, rec.ServiceCategory)
	assert.Equal(t, focus.ChargeUsage, rec.ChargeCategory)
	assert.Equal(t, "i-0abc123", rec.ResourceID)
	assert.Equal(t, "us-east-1", rec.RegionID)
	assert.Equal(t, "Hrs", rec.PricingUnit)
	assert.Equal(t, "line-1", rec.XSourceChargeID)
	assert.Equal(t, "prov-1", rec.XProviderID)
	assert.Equal(t, 15, rec.ChargePeriodStart.Day())
	assert.True(t, rec.ChargePeriodEnd.After(rec.ChargePeriodStart))
}

func TestMapNetCostBecomesEffectiveCost(t *testing.T) {
	row := legacyCURRow()
	row["lineItem/NetUnblendedCost"] = "0.080"
	rec, err := NewMapper("prov-1").Map(row)
	require.NoError(t, err)
	assertDecimal(t, "0.096", rec.BilledCost)
	assertDecimal(t, "0.08", rec.EffectiveCost)
	assert.True(t, rec.ContractedCost.Equal(rec.EffectiveCost))
}

func TestMapFocusExportColumns(t *testing.T) {
	rec, err := NewMapper("prov-1").Map(map[string]any{
		"ChargeId":           "charge-9",
		"BilledCost":         "12.34",
		"EffectiveCost":      "10.00",
		"ListCost":           "15.00",
		"BillingAccountId":   "111111111111",
		"BillingCurrency":    "EUR",
		"ChargePeriodStart":  "2025-03-01T00:00:00Z",
		"ChargePeriodEnd":    "2025-03-02T00:00:00Z",
		"BillingPeriodStart": "2025-03-01T00:00:00Z",
		"BillingPeriodEnd":   "2025-04-01T00:00:00Z",
		"ServiceName":        "Amazon S3",
		"ServiceCategory":    "Storage",
		"ChargeCategory":     "Usage",
		"ChargeDescription":  "standard storage",
		"PricingQuantity":    "100",
		"PricingUnit":        "GB-Mo",
	})
	require.NoError(t, err)
	assertDecimal(t, "12.34", rec.BilledCost)
	assertDecimal(t, "10", rec.EffectiveCost)
	assert.Equal(t, "EUR", rec.BillingCurrency)
	assert.Equal(t, focus.CategoryStorage, rec.ServiceCategory)
	assert.Equal(t, "charge-9", rec.XSourceChargeID)
}

func TestMapRejectsNegativeCost(t *testing.T) {
	row := legacyCURRow()
	row["lineItem/UnblendedCost"] = "-5.00"
	row["lineItem/LineItemType"] = "Usage"
	_, err := NewMapper("prov-1").Map(row)
	require.Error(t, err)
	assert.True(t, perrors.IsMapping(err))
	assert.Contains(t, err.Error(), "BilledCost")
}

func TestMapRejectsMissingPeriod(t *testing.T) {
	row := legacyCURRow()
	delete(row, "lineItem/UsageStartDate")
	_, err := NewMapper("prov-1").Map(row)
	require.Error(t, err)
	assert.True(t, perrors.IsMapping(err))
}

func TestMapEmptyRecord(t *testing.T) {
	_, err := NewMapper("prov-1").Map(map[string]any{})
	require.Error(t, err)
	assert.True(t, perrors.IsMapping(err))
}

func TestMapBillingPeriodFallsBackToCalendarMonth(t *testing.T) {
	row := legacyCURRow()
	delete(row, "bill/BillingPeriodStartDate")
	delete(row, "bill/BillingPeriodEndDate")
	rec, err := NewMapper("prov-1").Map(row)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.BillingPeriodStart.Day())
	assert.Equal(t, rec.ChargePeriodStart.Month(), rec.BillingPeriodStart.Month())
	assert.Equal(t, rec.BillingPeriodStart.AddDate(0, 1, 0), rec.BillingPeriodEnd)
}

func TestSourceChargeIDSynthesizedWithoutLineItemID(t *testing.T) {
	row := legacyCURRow()
	delete(row, "identity/LineItemId")
	row["lineItem/UsageType"] = "BoxUsage:t3.large"
	rec, err := NewMapper("prov-1").Map(row)
	require.NoError(t, err)
	assert.Contains(t, rec.XSourceChargeID, "222222222222")
	assert.Contains(t, rec.XSourceChargeID, "AmazonEC2")
	assert.Contains(t, rec.XSourceChargeID, "BoxUsage:t3.large")
}

func TestChargeCategoryFor(t *testing.T) {
	assert.Equal(t, focus.ChargeTax, ChargeCategoryFor("Tax"))
	assert.Equal(t, focus.ChargeCredit, ChargeCategoryFor("Refund"))
	assert.Equal(t, focus.ChargeCredit, ChargeCategoryFor("Credit"))
	assert.Equal(t, focus.ChargePurchase, ChargeCategoryFor("RIFee"))
	assert.Equal(t, focus.ChargeAdjustment, ChargeCategoryFor("SavingsPlanNegation"))
	assert.Equal(t, focus.ChargeUsage, ChargeCategoryFor("Usage"))
	assert.Equal(t, focus.ChargeUsage, ChargeCategoryFor("DiscountedUsage"))
}

func TestServiceCategoryFor(t *testing.T) {
	assert.Equal(t, focus.CategoryAIAndML, ServiceCategoryFor("AmazonSageMaker"))
	assert.Equal(t, focus.CategoryCompute, ServiceCategoryFor("AmazonEC2"))
	assert.Equal(t, focus.CategoryCompute, ServiceCategoryFor("AWSLambda"))
	assert.Equal(t, focus.CategoryDatabases, ServiceCategoryFor("AmazonRDS"))
	assert.Equal(t, focus.CategoryStorage, ServiceCategoryFor("AmazonS3"))
	assert.Equal(t, focus.CategoryNetworking, ServiceCategoryFor("AmazonCloudFront"))
	assert.Equal(t, focus.CategoryOther, ServiceCategoryFor("SomeUnknownService"))
}
