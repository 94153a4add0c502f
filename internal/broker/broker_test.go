package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoutingNames(t *testing.T) {
	assert.Equal(t, "curral.tablet-03.sync_report", RoutingKey("tablet-03", "sync_report"))
	assert.Equal(t, "curral.tablet-03.commands", CommandQueue("tablet-03"))
}
