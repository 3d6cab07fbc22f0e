package runtime

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_RoomLocks_Serialize_A_Room_And_Release_Entries(t *testing.T) {
	req := require.New(t)
	locks := NewRoomLocks()
	var wg sync.WaitGroup
	var inside, maxInside int
	var mu sync.Mutex

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("room")
			defer unlock()
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()

	req.Equal(1, maxInside)
	req.Zero(locks.size())
}

func Test_RoomLocks_Do_Not_Block_Other_Rooms(t *testing.T) {
	locks := NewRoomLocks()
	unlockA := locks.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := locks.Lock("b")
		unlock()
		close(done)
	}()
	<-done
	require.Equal(t, 1, locks.size())
}
