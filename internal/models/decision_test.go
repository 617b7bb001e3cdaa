package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeLegacyDecision(t *testing.T) {
	t.Run("approve with payment method", func(t *testing.T) {
		d, err := DecodeLegacyDecision([]byte(`{"payment_method":"deposit_consumption"}`))
		require.NoError(t, err)
		assert.Equal(t, Approve{PaymentMethod: PaymentDeposit}, d)
		assert.Equal(t, StatusApproved, d.Target())
	})

	t.Run("empty body approves by card", func(t *testing.T) {
		d, err := DecodeLegacyDecision(nil)
		require.NoError(t, err)
		assert.Equal(t, Approve{PaymentMethod: PaymentCard}, d)
	})

	t.Run("reject discriminator", func(t *testing.T) {
		d, err := DecodeLegacyDecision([]byte(`{"action":"reject","rejection_reason":"  注文が確認できません "}`))
		require.NoError(t, err)
		assert.Equal(t, Reject{Reason: "注文が確認できません"}, d)
	})

	t.Run("reject needs a reason", func(t *testing.T) {
		_, err := DecodeLegacyDecision([]byte(`{"action":"reject","rejection_reason":"   "}`))
		assert.ErrorIs(t, err, ErrEmptyRejectNote)
	})

	t.Run("unknown payment method", func(t *testing.T) {
		_, err := DecodeLegacyDecision([]byte(`{"payment_method":"cash"}`))
		assert.ErrorIs(t, err, ErrBadPayment)
	})

	t.Run("unknown action", func(t *testing.T) {
		_, err := DecodeLegacyDecision([]byte(`{"action":"archive"}`))
		assert.ErrorIs(t, err, ErrUnknownAction)
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := DecodeLegacyDecision([]byte(`{"action":`))
		assert.Error(t, err)
	})
}

func TestNormalizeRejectsNil(t *testing.T) {
	_, err := Normalize(nil)
	assert.ErrorIs(t, err, ErrUnknownAction)
}
