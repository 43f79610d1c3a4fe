package billing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhonsfran1165/unprice-sub000/app/models"
	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/errs"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func upTo(v int64) *int64 { return &v }

func TestPriceItemFlat(t *testing.T) {
	item := models.SubscriptionItem{ID: "item-1", FeatureType: models.FeatureTypeFlat, Units: 3}
	cfg := models.FeatureConfig{Flat: &models.FlatConfig{Price: dec("10")}}

	got, err := priceItem(item, cfg, 0, dec("1"))
	require.NoError(t, err)
	assert.True(t, got.Equal(dec("30")), "got %s", got)

	// Proration scales flat prices only.
	got, err = priceItem(item, cfg, 0, dec("0.5"))
	require.NoError(t, err)
	assert.True(t, got.Equal(dec("15")), "got %s", got)
}

func TestPriceItemUsageIgnoresProration(t *testing.T) {
	item := models.SubscriptionItem{ID: "item-1", FeatureType: models.FeatureTypeUsage, Units: 1}
	cfg := models.FeatureConfig{Usage: &models.UsageConfig{UnitPrice: dec("0.5")}}

	got, err := priceItem(item, cfg, 101, dec("0.25"))
	require.NoError(t, err)
	assert.True(t, got.Equal(dec("50.5")), "got %s", got)
}

func TestPriceItemPackageRoundsUp(t *testing.T) {
	item := models.SubscriptionItem{ID: "item-1", FeatureType: models.FeatureTypePackage, Units: 1}
	cfg := models.FeatureConfig{Package: &models.PackageConfig{UnitsPerPackage: 1000, PackagePrice: dec("5")}}

	cases := []struct {
		usage int64
		want  string
	}{
		{0, "0"},
		{1, "5"},
		{1000, "5"},
		{1001, "10"},
		{2500, "15"},
	}
	for _, tc := range cases {
		got, err := priceItem(item, cfg, tc.usage, dec("1"))
		require.NoError(t, err)
		assert.True(t, got.Equal(dec(tc.want)), "usage=%d got %s want %s", tc.usage, got, tc.want)
	}
}

func TestPriceItemMissingConfig(t *testing.T) {
	item := models.SubscriptionItem{ID: "item-1", FeatureType: models.FeatureTypeTier, Units: 1}

	_, err := priceItem(item, models.FeatureConfig{}, 10, dec("1"))
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeUnhandledError))
}

func TestPriceTieredGraduated(t *testing.T) {
	tiers := []models.PriceTier{
		{UpTo: upTo(100), UnitPrice: dec("0.10")},
		{UpTo: upTo(1000), UnitPrice: dec("0.05")},
		{UnitPrice: dec("0.01")},
	}

	cases := []struct {
		usage int64
		want  string
	}{
		{0, "0"},
		{50, "5"},
		{100, "10"},
		// 100 * 0.10 + 1 * 0.05: the walk charges each tier for the units
		// inside it, never the whole usage at the marginal price.
		{101, "10.05"},
		{1000, "55"},
		{1500, "60"},
	}
	for _, tc := range cases {
		got := priceTiered(tiers, tc.usage)
		assert.True(t, got.Equal(dec(tc.want)), "usage=%d got %s want %s", tc.usage, got, tc.want)
	}
}

func TestPriceTieredUnboundedOnly(t *testing.T) {
	tiers := []models.PriceTier{{UnitPrice: dec("0.02")}}
	got := priceTiered(tiers, 250)
	assert.True(t, got.Equal(dec("5")), "got %s", got)
}

func TestProrationFactorFullCycle(t *testing.T) {
	sub := &models.Subscription{
		Prorated:            false,
		StartCycle:          1,
		BillingCycleStartAt: date(2026, 8, 1, 0, 0, 0),
		BillingCycleEndAt:   date(2026, 8, 31, 23, 59, 59),
	}
	assert.Equal(t, 1.0, prorationFactor(sub, models.BillingPeriodMonth))
}

func TestProrationFactorPartialCycle(t *testing.T) {
	sub := &models.Subscription{
		Prorated:            true,
		StartCycle:          1,
		BillingCycleStartAt: date(2026, 8, 16, 0, 0, 0),
		BillingCycleEndAt:   date(2026, 8, 31, 23, 59, 59),
	}
	got := prorationFactor(sub, models.BillingPeriodMonth)
	assert.InDelta(t, 16.0/31.0, got, 1e-9)
}
