package routingtable

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/meshrouter/pkg/address"
	"github.com/rmacdonaldsmith/meshrouter/pkg/routingtable"
)

var sampleAddresses = []address.Address{
	address.InProcess("dispatcher"),
	address.WebSocket("ws", "cc.local", 4242, "/"),
	address.WebSocketClient("lib-1"),
	address.Binder("io.mesh.app", 0),
	address.Mqtt("tcp://broker:1883", "cc/topic"),
}

func future() int64 {
	return time.Now().Add(time.Hour).UnixMilli()
}

// TestPutPrecedenceGrid tests the update rule for every pair of address kinds
func TestPutPrecedenceGrid(t *testing.T) {
	for _, oldAddr := range sampleAddresses {
		for _, newAddr := range sampleAddresses {
			t.Run(oldAddr.Kind.String()+"->"+newAddr.Kind.String(), func(t *testing.T) {
				rt := NewInMemoryRoutingTable(NewControllerValidator())
				defer rt.Close()

				require.True(t, rt.Put("p", oldAddr, false, future(), false))
				got := rt.Put("p", newAddr, false, future(), false)

				want := newAddr.Precedence() >= oldAddr.Precedence() || newAddr == oldAddr
				assert.Equal(t, want, got)

				entry, ok := rt.Get("p")
				require.True(t, ok)
				if want {
					assert.Equal(t, newAddr, entry.Address)
				} else {
					assert.Equal(t, oldAddr, entry.Address)
				}
			})
		}
	}
}

// TestPutRefreshKeepsLongestExpiry tests that a refresh never shortens an entry
func TestPutRefreshKeepsLongestExpiry(t *testing.T) {
	rt := NewInMemoryRoutingTable(NewControllerValidator())
	addr := address.WebSocketClient("lib-1")

	require.True(t, rt.Put("p", addr, false, 1000, false))
	require.True(t, rt.Put("p", addr, true, 5000, false))
	entry, _ := rt.Get("p")
	assert.Equal(t, int64(5000), entry.ExpiryDateMs)
	assert.True(t, entry.IsGloballyVisible)

	require.True(t, rt.Put("p", addr, true, 2000, false))
	entry, _ = rt.Get("p")
	assert.Equal(t, int64(5000), entry.ExpiryDateMs)
}

// TestPutSticky tests that sticky entries keep their address
func TestPutSticky(t *testing.T) {
	rt := NewInMemoryRoutingTable(NewControllerValidator())
	mqtt := address.Mqtt("tcp://broker:1883", "provisioned")

	require.True(t, rt.Put("p", mqtt, true, routingtable.NoExpiry, true))
	assert.False(t, rt.Put("p", address.InProcess("local"), false, future(), false))

	entry, _ := rt.Get("p")
	assert.Equal(t, mqtt, entry.Address)
	assert.True(t, entry.IsSticky)

	// a refresh of the same address keeps stickiness
	require.True(t, rt.Put("p", mqtt, true, future(), false))
	entry, _ = rt.Get("p")
	assert.True(t, entry.IsSticky)
	assert.Equal(t, routingtable.NoExpiry, entry.ExpiryDateMs)
}

// TestControllerValidatorRejectsOwnAddress tests loop prevention
func TestControllerValidatorRejectsOwnAddress(t *testing.T) {
	own := address.Mqtt("tcp://broker:1883", "cc/own")
	validator := NewControllerValidator(own)
	rt := NewInMemoryRoutingTable(validator)

	assert.False(t, rt.Put("p", own, true, future(), false))
	assert.False(t, rt.Contains("p"))

	late := address.WebSocket("ws", "cc.local", 4242, "/")
	validator.AddOwnAddress(late)
	validator.AddOwnAddress(late)
	assert.False(t, rt.Put("q", late, false, future(), false))
	assert.True(t, rt.Put("r", address.Mqtt("tcp://broker:1883", "other"), true, future(), false))
}

// TestLibValidatorRejectsGlobalKinds tests that libraries never route directly to MQTT or binder
func TestLibValidatorRejectsGlobalKinds(t *testing.T) {
	rt := NewInMemoryRoutingTable(NewLibValidator())

	assert.False(t, rt.Put("a", address.Mqtt("tcp://b:1883", "t"), true, future(), false))
	assert.False(t, rt.Put("b", address.Binder("io.mesh.app", 0), false, future(), false))
	assert.True(t, rt.Put("c", address.InProcess("dispatcher"), false, future(), false))
	assert.True(t, rt.Put("d", address.WebSocket("ws", "cc", 4242, "/"), false, future(), false))
	assert.Equal(t, 2, rt.Len())
}

// TestPurge tests that expired entries are removed and sticky ones survive
func TestPurge(t *testing.T) {
	rt := NewInMemoryRoutingTable(NewControllerValidator())
	now := time.Now()
	past := now.Add(-time.Minute).UnixMilli()

	rt.Put("expired", address.WebSocketClient("a"), false, past, false)
	rt.Put("sticky", address.WebSocketClient("b"), false, past, true)
	rt.Put("alive", address.WebSocketClient("c"), false, future(), false)

	assert.Equal(t, 1, rt.Purge(now))
	assert.False(t, rt.Contains("expired"))
	assert.True(t, rt.Contains("sticky"))
	assert.True(t, rt.Contains("alive"))
	assert.Equal(t, 0, rt.Purge(now))
}

// TestRemoveAndClear tests removal paths
func TestRemoveAndClear(t *testing.T) {
	rt := NewInMemoryRoutingTable(NewControllerValidator())
	rt.Put("a", address.WebSocketClient("a"), false, future(), true)
	rt.Put("b", address.WebSocketClient("b"), false, future(), false)

	rt.Remove("a")
	assert.False(t, rt.Contains("a"))

	entries := rt.Entries()
	assert.Len(t, entries, 1)
	delete(entries, "b")
	assert.Equal(t, 1, rt.Len(), "Entries must return a snapshot")

	rt.Clear()
	assert.Equal(t, 0, rt.Len())
}

// TestClose tests idempotent close and rejection afterwards
func TestClose(t *testing.T) {
	rt := NewInMemoryRoutingTable(NewControllerValidator())
	rt.Put("a", address.WebSocketClient("a"), false, future(), false)

	require.NoError(t, rt.Close())
	require.NoError(t, rt.Close())
	assert.Equal(t, 0, rt.Len())
	assert.False(t, rt.Put("b", address.WebSocketClient("b"), false, future(), false))
}

// TestConcurrentUpdates tests that racing updates always settle on the highest precedence address
func TestConcurrentUpdates(t *testing.T) {
	rt := NewInMemoryRoutingTable(NewControllerValidator())
	const participants = 50

	var wg sync.WaitGroup
	for _, addr := range sampleAddresses {
		for i := 0; i < participants; i++ {
			wg.Add(1)
			go func(id string, a address.Address) {
				defer wg.Done()
				rt.Put(id, a, false, future(), false)
				rt.Get(id)
			}(fmt.Sprintf("p-%d", i), addr)
		}
	}
	wg.Wait()

	require.Equal(t, participants, rt.Len())
	for id, e := range rt.Entries() {
		assert.Equal(t, address.KindInProcess, e.Address.Kind, "participant %s", id)
	}
}

// BenchmarkInMemoryRoutingTable_Get measures lookup performance
func BenchmarkInMemoryRoutingTable_Get(b *testing.B) {
	rt := NewInMemoryRoutingTable(NewControllerValidator())
	defer rt.Close()
	for i := 0; i < 1000; i++ {
		rt.Put(fmt.Sprintf("p-%d", i), address.WebSocketClient(fmt.Sprintf("c-%d", i)), false, routingtable.NoExpiry, false)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			rt.Get(fmt.Sprintf("p-%d", i%1000))
			i++
		}
	})
}

// BenchmarkInMemoryRoutingTable_Put measures update performance
func BenchmarkInMemoryRoutingTable_Put(b *testing.B) {
	rt := NewInMemoryRoutingTable(NewControllerValidator())
	defer rt.Close()
	addr := address.WebSocketClient("c")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rt.Put(fmt.Sprintf("p-%d", i%1000), addr, false, routingtable.NoExpiry, false)
	}
}
