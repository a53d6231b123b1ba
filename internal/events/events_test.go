package events

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"basketbatch/internal/fixedpoint"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNewAssignsID(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	a := New(KindDeposit, at)
	b := New(KindDeposit, at)
	assert.NotEqual(t, uuid.Nil, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, time.UTC, a.At.Location())
}

func TestEventJSON(t *testing.T) {
	e := New(KindClaimed, time.Unix(0, 0))
	e.Seq = 9
	e.Batch = 3
	e.Amount = fixedpoint.Units(2)
	e.Extra = map[string]string{"batch_type": "mint"}

	data, err := json.Marshal(e)
	require.NoError(t, err)

	var back Event
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, e.ID, back.ID)
	assert.Equal(t, e.Amount, back.Amount)
	assert.Equal(t, "mint", back.Extra["batch_type"])
	assert.True(t, e.At.Equal(back.At))
}

func TestBusFanOut(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	subs := []*Subscription{bus.Subscribe(), bus.Subscribe()}
	require.Equal(t, 2, bus.Subscribers())

	var wg sync.WaitGroup
	got := make([][]Kind, len(subs))
	for i, s := range subs {
		wg.Add(1)
		go func(i int, s *Subscription) {
			defer wg.Done()
			for e := range s.C {
				got[i] = append(got[i], e.Kind)
				if len(got[i]) == 3 {
					return
				}
			}
		}(i, s)
	}

	bus.Publish(New(KindDeposit, time.Now()), New(KindBatchMinted, time.Now()))
	bus.Publish(New(KindClaimed, time.Now()))
	wg.Wait()

	want := []Kind{KindDeposit, KindBatchMinted, KindClaimed}
	assert.Equal(t, want, got[0])
	assert.Equal(t, want, got[1])
	assert.Zero(t, bus.Dropped())
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	bus := NewBus(2)
	defer bus.Close()
	s := bus.Subscribe()

	for i := 0; i < 5; i++ {
		bus.Publish(New(KindDeposit, time.Now()))
	}
	assert.Equal(t, uint64(3), bus.Dropped())
	assert.Len(t, s.C, 2)
}

func TestSubscriptionClose(t *testing.T) {
	bus := NewBus(0)
	s := bus.Subscribe()
	s.Close()
	s.Close()

	_, open := <-s.C
	assert.False(t, open)
	assert.Zero(t, bus.Subscribers())

	bus.Publish(New(KindDeposit, time.Now()))

	bus.Close()
	late := bus.Subscribe()
	_, open = <-late.C
	assert.False(t, open, "subscriptions to a closed bus start closed")
	late.Close()
}
