// Package clickhouse implements the canonical FOCUS store on ClickHouse.
// Optimized for columnar analytics over normalized billing rows; the
// analytics read-side queries this table directly.
package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/google/uuid"

	perrors "focus-pipeline/pkg/errors"
	"focus-pipeline/pkg/focus"
)

// Config holds ClickHouse connection configuration.
type Config struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	Debug    bool
}

// DefaultConfig returns default development configuration.
func DefaultConfig() *Config {
	return &Config{
		Host:     "localhost",
		Port:     9000,
		Database: "billing",
		Username: "default",
		Password: "",
	}
}

// Store implements storage.CanonicalStore on ClickHouse.
type Store struct {
	conn clickhouse.Conn
	cfg  *Config
}

// NewStore connects to ClickHouse.
func NewStore(cfg *Config) (*Store, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Debug: cfg.Debug,
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	return &Store{conn: conn, cfg: cfg}, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// ExistingIDs returns the subset of dedup ids already present in
// billing_data. The load stage filters these out before inserting, which
// makes overlapping-window re-runs idempotent no-ops (first write wins).
func (s *Store) ExistingIDs(ctx context.Context, dedupIDs []string) (map[string]struct{}, error) {
	existing := make(map[string]struct{})
	if len(dedupIDs) == 0 {
		return existing, nil
	}

	query := `SELECT x_dlt_id FROM billing_data WHERE x_dlt_id IN (?)`
	rows, err := s.conn.Query(ctx, query, dedupIDs)
	if err != nil {
		return nil, perrors.NewStorageError("failed to query existing dedup ids", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, perrors.NewStorageError("failed to scan dedup id", err)
		}
		existing[id] = struct{}{}
	}
	return existing, rows.Err()
}

// InsertRecords appends one raw batch's records in a single insert block so
// readers never observe a partially loaded batch. Returns the number of
// rows sent.
func (s *Store) InsertRecords(ctx context.Context, records []*focus.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO billing_data (
			billed_cost, effective_cost, list_cost, contracted_cost,
			billing_account_id, billing_account_name, billing_account_type,
			billing_period_start, billing_period_end,
			charge_period_start, charge_period_end,
			billing_currency,
			service_name, service_category, service_subcategory,
			provider_name, publisher_name, invoice_issuer_name,
			charge_category, charge_class, charge_frequency, charge_description,
			pricing_quantity, pricing_unit, pricing_currency, pricing_category,
			list_unit_price, contracted_unit_price,
			sub_account_id, sub_account_name, sub_account_type,
			resource_id, resource_name, resource_type,
			region_id, region_name, availability_zone,
			capacity_reservation_id, capacity_reservation_status,
			sku_id, sku_price_id, sku_meter, sku_price_details, sku_description,
			commitment_discount_id, commitment_discount_type,
			commitment_discount_category, commitment_discount_name,
			commitment_discount_status, commitment_discount_quantity,
			commitment_discount_unit,
			consumed_quantity, consumed_unit,
			tags, invoice_id,
			x_provider_id, x_raw_billing_data_id, x_source_charge_id,
			x_dlt_id, x_dlt_load_id, x_created_at
		)
	`)
	if err != nil {
		return 0, perrors.NewStorageError("failed to prepare billing_data batch", err)
	}

	now := time.Now().UTC()
	for _, r := range records {
		createdAt := r.XCreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		if err := batch.Append(
			r.BilledCost, r.EffectiveCost, r.ListCost, r.ContractedCost,
			r.BillingAccountID, r.BillingAccountName, r.BillingAccountType,
			r.BillingPeriodStart, r.BillingPeriodEnd,
			r.ChargePeriodStart, r.ChargePeriodEnd,
			r.BillingCurrency,
			r.ServiceName, string(r.ServiceCategory), r.ServiceSubcategory,
			r.ProviderName, r.PublisherName, r.InvoiceIssuerName,
			string(r.ChargeCategory), string(r.ChargeClass), string(r.ChargeFrequency), r.ChargeDescription,
			r.PricingQuantity, r.PricingUnit, r.PricingCurrency, r.PricingCategory,
			r.ListUnitPrice, r.ContractedUnitPrice,
			r.SubAccountID, r.SubAccountName, r.SubAccountType,
			r.ResourceID, r.ResourceName, r.ResourceType,
			r.RegionID, r.RegionName, r.AvailabilityZone,
			r.CapacityReservationID, r.CapacityReservationStatus,
			r.SkuID, r.SkuPriceID, r.SkuMeter, r.SkuPriceDetails, r.SkuDescription,
			r.CommitmentDiscountID, r.CommitmentDiscountType,
			r.CommitmentDiscountCategory, r.CommitmentDiscountName,
			string(r.CommitmentDiscountStatus), r.CommitmentDiscountQuantity,
			r.CommitmentDiscountUnit,
			r.ConsumedQuantity, r.ConsumedUnit,
			r.Tags, r.InvoiceID,
			r.XProviderID, r.XRawBillingDataID, r.XSourceChargeID,
			r.XDltID, r.XDltLoadID, createdAt,
		); err != nil {
			return 0, perrors.NewStorageError("failed to append billing record to batch", err)
		}
	}

	if err := batch.Send(); err != nil {
		return 0, perrors.NewStorageError("failed to send billing_data batch", err)
	}
	return len(records), nil
}

// CountByRawBatch counts canonical rows that reference one raw batch.
func (s *Store) CountByRawBatch(ctx context.Context, rawBillingDataID uuid.UUID) (int, error) {
	query := `SELECT count() FROM billing_data WHERE x_raw_billing_data_id = ?`
	row := s.conn.QueryRow(ctx, query, rawBillingDataID.String())

	var count uint64
	if err := row.Scan(&count); err != nil {
		return 0, perrors.NewStorageError("failed to count billing rows", err)
	}
	return int(count), nil
}
