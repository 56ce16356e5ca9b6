package mirror

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	unlock, err := l.Lock(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx)
	assert.Error(t, err, "held lock times out")

	unlock()
	unlock2, err := l.Lock(context.Background())
	require.NoError(t, err)
	unlock2()
}

func TestNewRedisLocker_BadURL(t *testing.T) {
	_, err := NewRedisLocker(context.Background(), "not-a-redis-url", "k")
	assert.Error(t, err)
}
