package alert

import (
	"testing"

	"github.com/soundprediction/credence/pkg/config"
	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	assert.IsType(t, &NoOpAlerter{}, New(config.AlertConfig{}))
	assert.IsType(t, &NoOpAlerter{}, New(config.AlertConfig{Enabled: true}))
	assert.IsType(t, &EmailAlerter{}, New(config.AlertConfig{Enabled: true, SMTPHost: "smtp.example.com", To: []string{"ops@example.com"}}))
}

func TestDisabledEmailAlerterIsSilent(t *testing.T) {
	a := NewEmailAlerter(config.AlertConfig{Enabled: false})
	assert.NoError(t, a.Alert("subject", "body"))
}

func TestMemoryAlerter(t *testing.T) {
	m := &MemoryAlerter{}
	assert.NoError(t, m.Alert("a", "1"))
	assert.NoError(t, m.Alert("b", "2"))
	msgs := m.Messages()
	assert.Len(t, msgs, 2)
	assert.Equal(t, "b", msgs[1].Subject)
}
