package reconciler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BearBump/ParcelSync/internal/models"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		code, desc string
		want       models.Status
	}{
		{"InfoReceived", "", models.StatusPending},
		{"PickedUp", "", models.StatusInTransit},
		{"in_transit", "", models.StatusInTransit},
		{"Out For Delivery", "", models.StatusOutForDelivery},
		{"AvailableForPickup", "", models.StatusOutForDelivery},
		{"DELIVERED", "", models.StatusDelivered},
		{"DeliveryFailure", "", models.StatusException},
		{"40", "", models.StatusDelivered},
		{"20", "", models.StatusExpired},
		{"return-to-sender", "", models.StatusReturned},
		{"", "picked up", models.StatusInTransit},
		{"", "Picked up by recipient at locker", models.StatusDelivered},
		{"", "Delivered, front door", models.StatusDelivered},
		{"", "Delivery attempt failed: not delivered", models.StatusException},
		{"", "Out for delivery", models.StatusOutForDelivery},
		{"", "Departed sorting center", models.StatusInTransit},
		{"", "Returned to sender", models.StatusReturned},
		{"", "Shipping label created", models.StatusPending},
		// Code beats description.
		{"InTransit", "delivered to neighbour hub", models.StatusInTransit},
	}
	for _, tc := range cases {
		got, ok := Classify(tc.code, tc.desc)
		require.True(t, ok, "%q / %q", tc.code, tc.desc)
		require.Equal(t, tc.want, got, "%q / %q", tc.code, tc.desc)
	}
}

func TestClassify_Miss(t *testing.T) {
	_, ok := Classify("CUSTOMS_HOLD_XYZ_UNUSED", "Paperwork filed with customs broker")
	require.False(t, ok)

	_, ok = Classify("", "")
	require.False(t, ok)
}
