package pipeline

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/nurture-cli/internal/model"
)

// DefaultBatchSize is the number of leads processed per batch.
const DefaultBatchSize = 10

// CreateBatches splits leads into consecutive batches of size, in input
// order. ids[i] is stamped onto a copy of leads[i]; the input is not
// modified. The last batch may be short.
func CreateBatches(leads []model.Lead, ids []string, size int) ([]model.Batch, error) {
	if len(leads) != len(ids) {
		return nil, eris.Errorf("pipeline: %d leads but %d ids", len(leads), len(ids))
	}
	if size <= 0 {
		return nil, eris.Errorf("pipeline: batch size must be positive, got %d", size)
	}
	if len(leads) == 0 {
		return nil, nil
	}

	total := (len(leads) + size - 1) / size
	batches := make([]model.Batch, 0, total)
	for start := 0; start < len(leads); start += size {
		end := min(start+size, len(leads))
		rows := make([]model.Lead, end-start)
		copy(rows, leads[start:end])
		for i := range rows {
			rows[i].ID = ids[start+i]
		}
		batches = append(batches, model.Batch{
			Leads:  rows,
			Number: len(batches) + 1,
			Total:  total,
		})
	}
	return batches, nil
}
