package firestore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mihaimyh/zarahub/pkg/quota"
)

func TestNew_RequiresClient(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)
}

func TestGetIntPtr(t *testing.T) {
	data := map[string]interface{}{
		"int64":   int64(5),
		"float":   2.6,
		"null":    nil,
		"garbage": "ten",
	}
	assert.Equal(t, 5, *getIntPtr(data, "int64"))
	assert.Equal(t, 3, *getIntPtr(data, "float"))
	assert.Nil(t, getIntPtr(data, "null"))
	assert.Nil(t, getIntPtr(data, "garbage"))
	assert.Nil(t, getIntPtr(data, "missing"))
}

func TestIntOrNil(t *testing.T) {
	assert.Nil(t, intOrNil(nil))
	assert.Equal(t, int64(4), intOrNil(quota.Int(4)))
}

func TestUsageFromData(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	rec := usageFromData("alice", "2026-03-14", map[string]interface{}{
		"imageGenerations": int64(1),
		"updatedAt":        ts,
	})
	assert.Equal(t, 0, rec.TextGenerations)
	assert.Equal(t, 1, rec.ImageGenerations)
	assert.Equal(t, ts, rec.UpdatedAt)
	assert.Equal(t, quota.Day("2026-03-14"), rec.Day)
}

func TestCounterField(t *testing.T) {
	f, err := counterField(quota.GenerationText)
	assert.NoError(t, err)
	assert.Equal(t, "textGenerations", f)

	_, err = counterField(quota.GenerationType(0))
	assert.ErrorIs(t, err, quota.ErrInvalidGenerationType)
}
