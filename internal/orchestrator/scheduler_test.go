package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"parley/internal/domain"
	"parley/internal/registry"
)

func newBareService(cfg Config) *Service {
	return New(nil, nil, nil, nil, nil, nil, nil, registry.New(), cfg, nil)
}

func TestDelaySelection(t *testing.T) {
	s := newBareService(Config{})

	assert.Equal(t, 3*time.Second, s.delayFor(domain.ResponseSpeedFast))
	assert.Equal(t, 5*time.Second, s.delayFor(domain.ResponseSpeedMedium))
	assert.Equal(t, 8*time.Second, s.delayFor(domain.ResponseSpeedSlow))
	assert.Equal(t, 5*time.Second, s.delayFor(domain.ResponseSpeed("")))
	assert.Equal(t, 5*time.Second, s.delayFor(domain.ResponseSpeed("warp")))
}

func TestDelayOverrideWinsPerSpeed(t *testing.T) {
	s := newBareService(Config{
		DebounceDelays: map[domain.ResponseSpeed]time.Duration{
			domain.ResponseSpeedFast: 10 * time.Millisecond,
		},
	})

	assert.Equal(t, 10*time.Millisecond, s.delayFor(domain.ResponseSpeedFast))
	assert.Equal(t, 5*time.Second, s.delayFor(domain.ResponseSpeedMedium), "unlisted speeds keep the table value")
}

func TestTriggerBeforeStartIsIgnored(t *testing.T) {
	s := newBareService(Config{})
	s.Trigger("g1")
	assert.Empty(t, s.reg.Groups())
}
