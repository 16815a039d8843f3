package collective

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGroupValidation(t *testing.T) {
	_, err := NewGroup(0)
	require.Error(t, err)
	_, err = NewGroup(-3)
	require.Error(t, err)

	g, err := NewGroup(4)
	require.NoError(t, err)
	assert.Equal(t, 4, g.Size())
}

func TestAllReduceSum(t *testing.T) {
	const members = 4
	g, err := NewGroup(members)
	require.NoError(t, err)

	results := make([][]float32, members)
	var wg sync.WaitGroup
	for rank := 0; rank < members; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			data := []float32{float32(rank), 1, float32(rank * 10)}
			if err := g.AllReduce(data, Sum); err != nil {
				t.Errorf("rank %d: AllReduce failed: %v", rank, err)
				return
			}
			results[rank] = data
		}(rank)
	}
	wg.Wait()

	// 0+1+2+3 = 6, 1*4 = 4, 0+10+20+30 = 60
	expected := []float32{6, 4, 60}
	for rank, result := range results {
		assert.Equal(t, expected, result, "rank %d", rank)
	}
}

func TestAllReduceMean(t *testing.T) {
	const members = 2
	g, err := NewGroup(members)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([][]float32, members)
	inputs := [][]float32{{2, 8}, {4, 0}}
	for rank := 0; rank < members; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			data := append([]float32(nil), inputs[rank]...)
			if err := g.AllReduce(data, Mean); err != nil {
				t.Errorf("rank %d: AllReduce failed: %v", rank, err)
				return
			}
			results[rank] = data
		}(rank)
	}
	wg.Wait()

	expected := []float32{3, 4}
	for rank := range results {
		assert.Equal(t, expected, results[rank], "rank %d", rank)
	}
}

func TestAllReduceReusableAcrossRounds(t *testing.T) {
	const members = 3
	const rounds = 5
	g, err := NewGroup(members)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, members)
	finals := make([]float32, members)
	for rank := 0; rank < members; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			for round := 0; round < rounds; round++ {
				data := []float32{1}
				if err := g.AllReduce(data, Sum); err != nil {
					errs[rank] = err
					return
				}
				finals[rank] = data[0]
			}
		}(rank)
	}
	wg.Wait()

	for rank := 0; rank < members; rank++ {
		require.NoError(t, errs[rank], "rank %d", rank)
		assert.Equal(t, float32(members), finals[rank], "rank %d", rank)
	}
}

func TestAllReduceLengthMismatch(t *testing.T) {
	const members = 2
	g, err := NewGroup(members)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, members)
	lengths := []int{3, 4}
	for rank := 0; rank < members; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			errs[rank] = g.AllReduce(make([]float32, lengths[rank]), Sum)
		}(rank)
	}
	wg.Wait()

	// The whole round fails for every member.
	for rank := 0; rank < members; rank++ {
		assert.Error(t, errs[rank], "rank %d", rank)
	}
}

func TestAllReduceSingleMember(t *testing.T) {
	g, err := NewGroup(1)
	require.NoError(t, err)

	data := []float32{7, 9}
	require.NoError(t, g.AllReduce(data, Mean))
	assert.Equal(t, []float32{7, 9}, data)
}
