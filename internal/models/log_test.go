package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeliveryStatus_Advances(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to DeliveryStatus
		want     bool
	}{
		{DeliverySent, DeliveryDelivered, true},
		{DeliverySent, DeliveryBounced, true},
		{DeliveryDelivered, DeliveryOpened, true},
		{DeliveryOpened, DeliveryClicked, true},
		{DeliveryClicked, DeliveryDelivered, false},
		{DeliveryOpened, DeliveryOpened, false},
		{DeliveryDelivered, DeliveryBounced, false},
		{DeliveryFailed, DeliveryDelivered, false},
		{DeliveryPending, DeliveryDelivered, false},
		{DeliverySent, DeliveryFailed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.from.Advances(tt.to))
		})
	}
}
