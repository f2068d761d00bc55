package openai

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

const openaiEntityName = "OpenAI"

// Mapper converts flattened usage-bucket rows into FOCUS records. The
// usage API has no cost column, so billed cost derives from the model
// pricing table.
type Mapper struct {
	providerID string
	orgID      string
}

// NewMapper returns a usage mapper for one configured provider.
func NewMapper(providerID, orgID string) *Mapper {
	return &Mapper{providerID: providerID, orgID: orgID}
}

func (m *Mapper) Map(raw map[string]any) (*focus.Record, error) {
	if len(raw) == 0 {
		return nil, perrors.NewMappingError("", errors.New("empty openai record"))
	}

	model := provider.StringField(raw, "model")
	if model == "" {
		return nil, perrors.NewMappingError("", errors.New("openai record missing model"))
	}

	start, okStart := provider.TimeField(raw, "bucket_start_time", "start_time")
	end, okEnd := provider.TimeField(raw, "bucket_end_time", "end_time")
	if !okStart || !okEnd {
		return nil, perrors.NewMappingError(model, errors.New("openai record missing bucket period"))
	}

	inputTokens := intField(raw, "input_tokens")
	outputTokens := intField(raw, "output_tokens")
	totalTokens := inputTokens + outputTokens
	cost := tokenCost(model, inputTokens, outputTokens)

	orgID := provider.StringField(raw, "organization_id")
	if orgID == "" {
		orgID = m.orgID
	}
	if orgID == "" {
		orgID = "openai_org_unknown"
	}

	record := &focus.Record{
		BilledCost:     cost,
		EffectiveCost:  cost,
		ListCost:       cost,
		ContractedCost: cost,

		BillingAccountID:   orgID,
		BillingAccountName: orgID,
		BillingAccountType: "Organization",

		BillingPeriodStart: monthStart(start),
		BillingPeriodEnd:   monthStart(start).AddDate(0, 1, 0),
		ChargePeriodStart:  start,
		ChargePeriodEnd:    end,

		BillingCurrency: "USD",

		ServiceName:       model,
		ServiceCategory:   focus.CategoryAIAndML,
		ProviderName:      openaiEntityName,
		PublisherName:     openaiEntityName,
		InvoiceIssuerName: openaiEntityName,

		ChargeCategory:    focus.ChargeUsage,
		ChargeDescription: fmt.Sprintf("%s: %d input + %d output tokens", model, inputTokens, outputTokens),
		ChargeFrequency:   focus.FrequencyUsageBased,

		PricingQuantity: decimal.NewFromInt(totalTokens),
		PricingUnit:     "Tokens",
		SkuID:           model,

		XProviderID:     m.providerID,
		XSourceChargeID: sourceChargeID(orgID, model, raw, start),
	}

	if projectID := provider.StringField(raw, "project_id"); projectID != "" {
		record.SubAccountID = projectID
		record.SubAccountType = "Project"
	}
	consumed := decimal.NewFromInt(totalTokens)
	record.ConsumedQuantity = &consumed
	record.ConsumedUnit = "Tokens"

	if err := record.Validate(); err != nil {
		return nil, perrors.NewMappingError(record.XSourceChargeID, err)
	}
	return record, nil
}

func sourceChargeID(orgID, model string, raw map[string]any, start time.Time) string {
	return strings.Join([]string{
		orgID,
		provider.StringField(raw, "project_id"),
		model,
		start.UTC().Format(time.RFC3339),
	}, "|")
}

func intField(raw map[string]any, key string) int64 {
	if d, ok := provider.DecimalField(raw, key); ok {
		return d.IntPart()
	}
	return 0
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
