package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/taskbot")
	t.Setenv("JWT_SECRET", "secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 24*time.Hour, cfg.ConversationTTL)
	assert.Equal(t, 9, cfg.ReminderHour)
	assert.Equal(t, "UTC", cfg.Location.String())
	assert.Equal(t, "RUB", cfg.PaymentCurrency)
	assert.Empty(t, cfg.AdminIDs)
	assert.Nil(t, cfg.ContactKey)
}

func TestLoadParsesLists(t *testing.T) {
	setRequired(t)
	t.Setenv("ADMIN_IDS", "1, 42 ,")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("CONTACT_KEY", strings.Repeat("ab", 32))
	t.Setenv("CONVERSATION_TTL", "2h")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 42}, cfg.AdminIDs)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
	assert.Len(t, cfg.ContactKey, 32)
	assert.Equal(t, 2*time.Hour, cfg.ConversationTTL)
}

func TestLoadRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"bad admin id", "ADMIN_IDS", "1,abc"},
		{"bad ttl", "CONVERSATION_TTL", "forever"},
		{"negative ttl", "CONVERSATION_TTL", "-1h"},
		{"hour out of range", "REMINDER_HOUR", "24"},
		{"short contact key", "CONTACT_KEY", "abcd"},
		{"unknown timezone", "TIMEZONE", "Mars/Olympus"},
		{"unknown log format", "LOG_FORMAT", "xml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadPanicsWithoutDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "secret")
	assert.Panics(t, func() { _, _ = Load() })
}
