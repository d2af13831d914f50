package billing

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/zarahub/pkg/quota"
)

func TestParseTierMapping(t *testing.T) {
	m, err := ParseTierMapping(" Price_Pro_Monthly:pro, price_max:Unlimited ,")
	require.NoError(t, err)
	assert.Equal(t, map[string]quota.Tier{
		"price_pro_monthly": quota.TierPro,
		"price_max":         quota.TierUnlimited,
	}, m)

	_, err = ParseTierMapping("price_x:admin")
	assert.True(t, errors.Is(err, ErrInvalidTierMapping))

	_, err = ParseTierMapping("price_x:free")
	assert.ErrorIs(t, err, ErrInvalidTierMapping)

	_, err = ParseTierMapping("price_x")
	assert.ErrorIs(t, err, ErrInvalidTierMapping)

	_, err = ParseTierMapping("price_x:gold")
	assert.ErrorIs(t, err, quota.ErrInvalidTier)

	m, err = ParseTierMapping("")
	require.NoError(t, err)
	assert.Empty(t, m)
}
