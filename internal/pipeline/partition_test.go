package pipeline

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/nurture-cli/internal/model"
)

func leadsN(n int) ([]model.Lead, []string) {
	leads := make([]model.Lead, n)
	ids := make([]string, n)
	for i := range leads {
		leads[i] = model.Lead{Email: fmt.Sprintf("l%d@example.com", i)}
		ids[i] = fmt.Sprintf("id-%d", i)
	}
	return leads, ids
}

func TestCreateBatches_SplitsInOrder(t *testing.T) {
	leads, ids := leadsN(12)

	batches, err := CreateBatches(leads, ids, 10)
	require.NoError(t, err)
	require.Len(t, batches, 2)

	assert.Len(t, batches[0].Leads, 10)
	assert.Len(t, batches[1].Leads, 2)
	assert.Equal(t, 1, batches[0].Number)
	assert.Equal(t, 2, batches[1].Number)
	assert.Equal(t, 2, batches[0].Total)

	var got []string
	for _, b := range batches {
		for _, l := range b.Leads {
			got = append(got, l.ID)
		}
	}
	assert.Equal(t, ids, got)
	assert.Equal(t, "l10@example.com", batches[1].Leads[0].Email)
}

func TestCreateBatches_DoesNotModifyInput(t *testing.T) {
	leads, ids := leadsN(3)
	_, err := CreateBatches(leads, ids, 2)
	require.NoError(t, err)
	for _, l := range leads {
		assert.Empty(t, l.ID)
	}
}

func TestCreateBatches_ExactMultiple(t *testing.T) {
	leads, ids := leadsN(20)
	batches, err := CreateBatches(leads, ids, 10)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Len(t, batches[1].Leads, 10)
}

func TestCreateBatches_Errors(t *testing.T) {
	leads, ids := leadsN(3)

	_, err := CreateBatches(leads, ids[:2], 10)
	assert.Error(t, err)

	_, err = CreateBatches(leads, ids, 0)
	assert.Error(t, err)

	batches, err := CreateBatches(nil, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, batches)
}
