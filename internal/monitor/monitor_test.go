package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestBus_Publish_NilClientIsNoop(t *testing.T) {
	b := NewBus(nil, nil)
	assert.NotPanics(t, func() {
		b.Publish(context.Background(), TaskEventOccurred{
			TaskID:       uuid.New(),
			EventDateUtc: time.Now().UTC(),
			Severity:     Information,
			Message:      "completed",
		})
	})
}

func TestBus_Subscribe_NilClientClosesImmediately(t *testing.T) {
	b := NewBus(nil, nil)
	ch := b.Subscribe(context.Background())
	_, ok := <-ch
	assert.False(t, ok)
}
