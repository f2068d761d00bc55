package aws

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"focus-pipeline/internal/provider"
	perrors "focus-pipeline/pkg/errors"
	"focus-pipeline/pkg/focus"
)

const awsEntityName = "Amazon Web Services"

// Mapper converts AWS CUR line items to FOCUS records. It accepts both the
// AWS FOCUS 1.0 export column names (BilledCost, ...) and the legacy CUR
// columns (lineItem/UnblendedCost, ...).
type Mapper struct {
	providerID string
}

// NewMapper returns a CUR mapper for one configured provider.
func NewMapper(providerID string) *Mapper {
	return &Mapper{providerID: providerID}
}

// Map is pure: no I/O, deterministic for a given raw record.
func (m *Mapper) Map(raw map[string]any) (*focus.Record, error) {
	if len(raw) == 0 {
		return nil, perrors.NewMappingError("", errors.New("empty CUR record"))
	}

	record := &focus.Record{
		XProviderID:     m.providerID,
		XSourceChargeID: sourceChargeID(raw),
	}

	m.mapCosts(raw, record)
	m.mapAccount(raw, record)
	if err := m.mapPeriods(raw, record); err != nil {
		return nil, perrors.NewMappingError(record.XSourceChargeID, err)
	}
	m.mapService(raw, record)
	m.mapCharge(raw, record)
	m.mapResource(raw, record)
	m.mapLocation(raw, record)
	m.mapSku(raw, record)
	m.mapCommitment(raw, record)
	m.mapUsage(raw, record)
	record.Tags = provider.TagsField(raw, "Tags", "resourceTags")

	if err := record.Validate(); err != nil {
		return nil, perrors.NewMappingError(record.XSourceChargeID, err)
	}
	return record, nil
}

// sourceChargeID is the natural identity of a CUR line item, the basis of
// the downstream dedup key.
func sourceChargeID(raw map[string]any) string {
	if id := provider.StringField(raw, "lineItem/LineItemId", "identity/LineItemId"); id != "" {
		return id
	}
	if id := provider.StringField(raw, "ChargeId", "x_ChargeId"); id != "" {
		return id
	}
	// Synthesized from the stable dimensions when the export carries no id.
	return strings.Join([]string{
		provider.StringField(raw, "lineItem/UsageAccountId", "SubAccountId"),
		provider.StringField(raw, "lineItem/ProductCode", "ServiceName"),
		provider.StringField(raw, "lineItem/UsageStartDate", "ChargePeriodStart"),
		provider.StringField(raw, "lineItem/UsageType", "SkuId"),
	}, "|")
}

func (m *Mapper) mapCosts(raw map[string]any, record *focus.Record) {
	if billed, ok := provider.DecimalField(raw, "BilledCost"); ok {
		record.BilledCost = billed
		record.EffectiveCost = decimalOr(raw, billed, "EffectiveCost")
		record.ListCost = decimalOr(raw, billed, "ListCost")
		record.ContractedCost = decimalOr(raw, record.EffectiveCost, "ContractedCost")
		record.BillingCurrency = provider.StringField(raw, "BillingCurrency")
		if record.BillingCurrency == "" {
			record.BillingCurrency = "USD"
		}
		return
	}

	billed, _ := provider.DecimalField(raw, "lineItem/UnblendedCost")
	record.BilledCost = billed
	// Effective cost derives from the provider's net/amortized columns when
	// AWS does not supply it directly.
	record.EffectiveCost = decimalOr(raw, billed, "lineItem/NetUnblendedCost", "savingsPlan/NetSavingsPlanEffectiveCost", "reservation/NetEffectiveCost")
	record.ListCost = decimalOr(raw, billed, "pricing/publicOnDemandCost")
	record.ContractedCost = record.EffectiveCost
	record.BillingCurrency = provider.StringField(raw, "lineItem/CurrencyCode")
	if record.BillingCurrency == "" {
		record.BillingCurrency = "USD"
	}
}

func decimalOr(raw map[string]any, fallback decimal.Decimal, keys ...string) decimal.Decimal {
	if d, ok := provider.DecimalField(raw, keys...); ok {
		return d
	}
	return fallback
}

func (m *Mapper) mapAccount(raw map[string]any, record *focus.Record) {
	record.BillingAccountID = provider.StringField(raw, "BillingAccountId", "bill/PayerAccountId")
	record.BillingAccountName = provider.StringField(raw, "BillingAccountName", "bill/PayerAccountName")
	record.BillingAccountType = provider.StringField(raw, "BillingAccountType")
	if record.BillingAccountType == "" {
		record.BillingAccountType = "BillingAccount"
	}
	record.SubAccountID = provider.StringField(raw, "SubAccountId", "lineItem/UsageAccountId")
	if record.SubAccountID != "" {
		record.SubAccountName = provider.StringField(raw, "SubAccountName", "lineItem/UsageAccountName")
		record.SubAccountType = "Account"
	}
}

func (m *Mapper) mapPeriods(raw map[string]any, record *focus.Record) error {
	chargeStart, okStart := provider.TimeField(raw, "ChargePeriodStart", "lineItem/UsageStartDate")
	chargeEnd, okEnd := provider.TimeField(raw, "ChargePeriodEnd", "lineItem/UsageEndDate")
	if !okStart || !okEnd {
		return fmt.Errorf("CUR record missing usage period")
	}
	record.ChargePeriodStart = chargeStart
	record.ChargePeriodEnd = chargeEnd

	billStart, okStart := provider.TimeField(raw, "BillingPeriodStart", "bill/BillingPeriodStartDate")
	billEnd, okEnd := provider.TimeField(raw, "BillingPeriodEnd", "bill/BillingPeriodEndDate")
	if !okStart || !okEnd {
		// Fall back to the calendar month of the charge.
		billStart = time.Date(chargeStart.Year(), chargeStart.Month(), 1, 0, 0, 0, 0, time.UTC)
		billEnd = billStart.AddDate(0, 1, 0)
	}
	record.BillingPeriodStart = billStart
	record.BillingPeriodEnd = billEnd
	return nil
}

func (m *Mapper) mapService(raw map[string]any, record *focus.Record) {
	record.ServiceName = provider.StringField(raw, "ServiceName", "product/ProductName", "lineItem/ProductCode")
	record.ProviderName = provider.StringField(raw, "ProviderName")
	if record.ProviderName == "" {
		record.ProviderName = awsEntityName
	}
	record.PublisherName = provider.StringField(raw, "PublisherName")
	if record.PublisherName == "" {
		record.PublisherName = awsEntityName
	}
	record.InvoiceIssuerName = provider.StringField(raw, "InvoiceIssuerName")
	if record.InvoiceIssuerName == "" {
		record.InvoiceIssuerName = awsEntityName
	}

	if cat := focus.ServiceCategory(provider.StringField(raw, "ServiceCategory")); cat.Valid() {
		record.ServiceCategory = cat
	} else {
		productCode := provider.StringField(raw, "lineItem/ProductCode")
		if productCode == "" {
			productCode = record.ServiceName
		}
		record.ServiceCategory = ServiceCategoryFor(productCode)
	}
}

func (m *Mapper) mapCharge(raw map[string]any, record *focus.Record) {
	record.ChargeDescription = provider.StringField(raw, "ChargeDescription", "lineItem/LineItemDescription")
	if record.ChargeDescription == "" {
		record.ChargeDescription = record.ServiceName + " charge"
	}

	if cat := focus.ChargeCategory(provider.StringField(raw, "ChargeCategory")); cat.Valid() {
		record.ChargeCategory = cat
	} else {
		record.ChargeCategory = ChargeCategoryFor(provider.StringField(raw, "lineItem/LineItemType"))
	}
	record.ChargeFrequency = focus.FrequencyUsageBased

	if qty, ok := provider.DecimalField(raw, "PricingQuantity", "lineItem/UsageAmount"); ok {
		record.PricingQuantity = qty
	}
	record.PricingUnit = provider.StringField(raw, "PricingUnit", "pricing/unit")
	if record.PricingUnit == "" {
		record.PricingUnit = "Units"
	}
	record.ListUnitPrice = provider.DecimalFieldPtr(raw, "ListUnitPrice", "pricing/publicOnDemandRate")
	record.ContractedUnitPrice = provider.DecimalFieldPtr(raw, "ContractedUnitPrice")
	record.InvoiceID = provider.StringField(raw, "InvoiceId", "bill/InvoiceId")
}

func (m *Mapper) mapResource(raw map[string]any, record *focus.Record) {
	record.ResourceID = provider.StringField(raw, "ResourceId", "lineItem/ResourceId")
	if record.ResourceID != "" {
		record.ResourceName = provider.StringField(raw, "ResourceName")
		record.ResourceType = provider.StringField(raw, "ResourceType", "product/resourceType")
	}
}

func (m *Mapper) mapLocation(raw map[string]any, record *focus.Record) {
	record.RegionID = provider.StringField(raw, "RegionId", "product/regionCode")
	if record.RegionID != "" {
		record.RegionName = provider.StringField(raw, "RegionName", "product/region")
	}
	record.AvailabilityZone = provider.StringField(raw, "AvailabilityZone", "product/availabilityZone", "lineItem/AvailabilityZone")
}

func (m *Mapper) mapSku(raw map[string]any, record *focus.Record) {
	record.SkuID = provider.StringField(raw, "SkuId", "product/sku")
	record.SkuPriceID = provider.StringField(raw, "SkuPriceId", "pricing/RateId")
	record.SkuDescription = provider.StringField(raw, "SkuDescription", "pricing/LeaseContractLength")
}

func (m *Mapper) mapCommitment(raw map[string]any, record *focus.Record) {
	record.CommitmentDiscountID = provider.StringField(raw, "CommitmentDiscountId", "savingsPlan/SavingsPlanARN", "reservation/ReservationARN")
	if record.CommitmentDiscountID == "" {
		return
	}
	record.CommitmentDiscountType = provider.StringField(raw, "CommitmentDiscountType")
	if record.CommitmentDiscountType == "" {
		if strings.Contains(record.CommitmentDiscountID, "savingsplan") {
			record.CommitmentDiscountType = "SavingsPlan"
		} else {
			record.CommitmentDiscountType = "Reserved Instance"
		}
	}
	record.CommitmentDiscountCategory = provider.StringField(raw, "CommitmentDiscountCategory")
	record.CommitmentDiscountName = provider.StringField(raw, "CommitmentDiscountName")
}

func (m *Mapper) mapUsage(raw map[string]any, record *focus.Record) {
	record.ConsumedQuantity = provider.DecimalFieldPtr(raw, "ConsumedQuantity", "lineItem/UsageAmount")
	if record.ConsumedQuantity != nil {
		record.ConsumedUnit = provider.StringField(raw, "ConsumedUnit", "pricing/unit")
		if record.ConsumedUnit == "" {
			record.ConsumedUnit = record.PricingUnit
		}
	}
}

// ServiceCategoryFor maps an AWS product code or service name onto the
// fixed FOCUS category set. Unmapped services fall back to Other.
func ServiceCategoryFor(service string) focus.ServiceCategory {
	s := strings.ToLower(service)
	switch {
	case containsAny(s, "sagemaker", "rekognition", "comprehend", "polly", "transcribe",
		"translate", "textract", "personalize", "forecast", "lex", "kendra", "bedrock"):
		return focus.CategoryAIAndML
	case containsAny(s, "athena", "emr", "kinesis", "glue", "quicksight", "opensearch",
		"elasticsearch", "msk", "redshift", "lake formation"):
		return focus.CategoryAnalytics
	case containsAny(s, "ec2", "lambda", "ecs", "eks", "fargate", "batch", "lightsail",
		"elastic beanstalk", "app runner"):
		return focus.CategoryCompute
	case containsAny(s, "rds", "dynamodb", "elasticache", "neptune", "documentdb",
		"timestream", "keyspaces", "aurora"):
		return focus.CategoryDatabases
	case containsAny(s, "codebuild", "codepipeline", "codecommit", "codedeploy",
		"cloud9", "codeartifact", "x-ray"):
		return focus.CategoryDevTools
	case containsAny(s, "cloudwatch", "cloudtrail", "config", "organizations",
		"systems manager", "ssm", "cloudformation", "control tower"):
		return focus.CategoryManagement
	case containsAny(s, "vpc", "cloudfront", "route 53", "route53", "elb",
		"elasticloadbalancing", "direct connect", "global accelerator", "api gateway",
		"apigateway", "datatransfer"):
		return focus.CategoryNetworking
	case containsAny(s, "iam", "kms", "secrets manager", "guardduty", "waf", "shield",
		"inspector", "macie", "cognito", "acm", "certificate"):
		return focus.CategorySecurity
	case containsAny(s, "s3", "ebs", "efs", "fsx", "glacier", "backup", "storage gateway"):
		return focus.CategoryStorage
	default:
		return focus.CategoryOther
	}
}

// ChargeCategoryFor maps a CUR LineItemType onto the FOCUS charge category.
func ChargeCategoryFor(lineItemType string) focus.ChargeCategory {
	switch lineItemType {
	case "Tax":
		return focus.ChargeTax
	case "Refund", "Credit":
		return focus.ChargeCredit
	case "RIFee", "Fee", "SavingsPlanUpfrontFee", "SavingsPlanRecurringFee", "Support":
		return focus.ChargePurchase
	case "SavingsPlanNegation":
		return focus.ChargeAdjustment
	default: // Usage, DiscountedUsage, SavingsPlanCoveredUsage, ""
		return focus.ChargeUsage
	}
}

func containsAny(s string, terms ...string) bool {
	for _, term := range terms {
		if strings.Contains(s, term) {
			return true
		}
	}
	return false
}
