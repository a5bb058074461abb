package check

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armour-sheila/PNT-Integrity/internal/models"
)

func newTestBase() *Base {
	b := &Base{}
	b.init("test")
	return b
}

func TestBase_InitialState(t *testing.T) {
	b := newTestBase()
	assert.Equal(t, "test", b.Name())
	assert.Equal(t, models.Unavailable, b.AssuranceLevel())
	assert.False(t, b.Status().LastGoodSet)
}

func TestBase_ChangeAssuranceLevel(t *testing.T) {
	b := newTestBase()
	b.ChangeAssuranceLevel(10, models.Assured)

	s := b.Status()
	assert.Equal(t, models.Assured, s.Level)
	assert.Equal(t, 10.0, s.LevelTime)
	assert.Zero(t, s.OutOfOrderTransitions)
}

func TestBase_OutOfOrderTransitionIsDetected(t *testing.T) {
	b := newTestBase()
	b.ChangeAssuranceLevel(10, models.Assured)
	b.ChangeAssuranceLevel(5, models.Unassured)

	s := b.Status()
	assert.Equal(t, models.Unassured, s.Level, "the transition is still applied")
	assert.Equal(t, 1, s.OutOfOrderTransitions)
}

func TestBase_SetLastGoodPosition(t *testing.T) {
	b := newTestBase()
	pos := models.GeodeticPosition{Latitude: 1, Longitude: 2, Altitude: 3}
	b.SetLastGoodPosition(42, pos)

	s := b.Status()
	assert.True(t, s.LastGoodSet)
	assert.Equal(t, pos, s.LastGoodPosition)
	assert.Equal(t, 42.0, s.LastGoodTime)
}

func TestBase_ObserverSeesChangesOnly(t *testing.T) {
	b := newTestBase()
	var got []models.LevelTransition
	b.SetTransitionObserver(func(tr models.LevelTransition) {
		// Runs after the lock is released, so reading the level is safe.
		assert.Equal(t, tr.Level, b.AssuranceLevel())
		got = append(got, tr)
	})

	b.ChangeAssuranceLevel(1, models.Assured)
	b.ChangeAssuranceLevel(2, models.Assured)
	b.ChangeAssuranceLevel(3, models.Unassured)

	require.Len(t, got, 2)
	assert.Equal(t, models.Unavailable, got[0].Previous)
	assert.Equal(t, models.Assured, got[0].Level)
	assert.Equal(t, models.Unassured, got[1].Level)
	assert.Equal(t, 3.0, got[1].CheckTime)
	assert.Equal(t, "test", got[1].Check)
}

func TestBase_ConcurrentAccess(t *testing.T) {
	b := newTestBase()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.ChangeAssuranceLevel(float64(i*100+j), models.AssuranceLevel(j%4))
				_ = b.AssuranceLevel()
				_ = b.Status()
			}
		}(i)
	}
	wg.Wait()
}
