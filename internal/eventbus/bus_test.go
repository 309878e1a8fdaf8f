package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
)

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern, eventType string
		want               bool
	}{
		{"order.created", "order.created", true},
		{"order.created", "order.shipped", false},
		{"order.*", "order.created", true},
		{"order.*", "order.item.added", true},
		{"order.*", "orders.created", false},
		{"order.*", "order", false},
		{"*", "anything.at.all", true},
		{"task.*", "task.completed", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Match(tc.pattern, tc.eventType), "%s ~ %s", tc.pattern, tc.eventType)
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, ValidateType("order_manager.order-created"))
	assert.True(t, domain.IsKind(ValidateType(""), domain.ErrValidation))
	assert.Error(t, ValidateType("order..created"))
	assert.Error(t, ValidateType("order.*"))
	assert.Error(t, ValidateType("order created"))
	assert.NoError(t, ValidateType("task.completed"))

	assert.NoError(t, ValidateExternalType("order.created"))
	assert.NoError(t, ValidateExternalType("tasks.created"))
	assert.True(t, domain.IsKind(ValidateExternalType("task.completed"), domain.ErrValidation))
	assert.True(t, domain.IsKind(ValidateExternalType("workflow.failed"), domain.ErrValidation))
	assert.Error(t, ValidateExternalType(""))

	assert.NoError(t, ValidatePattern("*"))
	assert.NoError(t, ValidatePattern("order.*"))
	assert.NoError(t, ValidatePattern("order.created"))
	assert.Error(t, ValidatePattern("order.*.created"))
	assert.Error(t, ValidatePattern(".*"))
}
