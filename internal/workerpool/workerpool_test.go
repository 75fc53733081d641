package workerpool

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomRunsAllJobs(t *testing.T) {
	p := New(Config{WorkerCount: 4})
	defer p.Close()

	var count atomic.Int64
	room := p.NewRoom()
	for i := 0; i < 100; i++ {
		room.Go(func() error {
			count.Add(1)
			return nil
		})
	}
	require.Empty(t, room.Wait())
	assert.Equal(t, int64(100), count.Load())
}

func TestRoomCollectsErrors(t *testing.T) {
	p := New(Config{WorkerCount: 2})
	defer p.Close()

	boom := errors.New("boom")
	room := p.NewRoom()
	for i := 0; i < 10; i++ {
		i := i
		room.Go(func() error {
			if i%2 == 0 {
				return boom
			}
			return nil
		})
	}
	errs := room.Wait()
	assert.Len(t, errs, 5)
	for _, err := range errs {
		assert.ErrorIs(t, err, boom)
	}

	// Wait drains the room so it can be reused.
	room.Go(func() error { return nil })
	assert.Empty(t, room.Wait())
}

func TestRoomsAreIndependent(t *testing.T) {
	p := New(Config{WorkerCount: 2})
	defer p.Close()

	good := p.NewRoom()
	bad := p.NewRoom()
	good.Go(func() error { return nil })
	bad.Go(func() error { return errors.New("only here") })
	assert.Empty(t, good.Wait())
	assert.Len(t, bad.Wait(), 1)
}
