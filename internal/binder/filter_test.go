package binder

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultSeeds(t *testing.T) {
	f := NewFilter()
	f.Seed(DefaultAllow, DefaultBlock)

	tests := []struct {
		service string
		want    Policy
		set     bool
	}{
		{"package", Allow, true},
		{"activity", Allow, true},
		{"window", Allow, true},
		{"input", Allow, true},
		{"power", Allow, true},
		{"telephony.registry", Block, true},
		{"isms", Block, true},
		{"phone", Block, true},
		{"unknown.svc", Allow, false},
	}
	for _, tt := range tests {
		t.Run(tt.service, func(t *testing.T) {
			got, set := f.Lookup(tt.service)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.set, set)
			assert.Equal(t, tt.want == Allow, f.Allowed(tt.service))
		})
	}
}

func TestSetOverwritesAndRemove(t *testing.T) {
	f := NewFilter()
	f.Set("phone", Block)
	f.Set("phone", Allow)
	assert.True(t, f.Allowed("phone"))

	f.Set("camera", Block)
	assert.False(t, f.Allowed("camera"))
	f.Remove("camera")
	p, set := f.Lookup("camera")
	assert.Equal(t, DefaultPolicy, p)
	assert.False(t, set)
}

func TestSnapshotAndClear(t *testing.T) {
	f := NewFilter()
	f.Seed([]string{"window", "activity"}, []string{"isms"})

	assert.Equal(t, []Entry{
		{"activity", Allow},
		{"isms", Block},
		{"window", Allow},
	}, f.Snapshot())
	assert.Equal(t, 3, f.Len())

	f.Clear()
	assert.Zero(t, f.Len())
	assert.Empty(t, f.Snapshot())
}

func TestPolicyString(t *testing.T) {
	assert.Equal(t, "ALLOW", Allow.String())
	assert.Equal(t, "BLOCK", Block.String())
}

func TestConcurrentAccess(t *testing.T) {
	f := NewFilter()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				f.Set("svc", Policy(j%2 == 0))
				f.Allowed("svc")
				f.Lookup("other")
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, f.Len())
}
