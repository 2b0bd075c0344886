package source

import (
	"context"

	"github.com/toolhunt/enrich-scheduler/internal/domain/enrichment"
)

// Static is the invoke-mode batch source: every tick yields one synthetic
// item, meaning "call the function once with an empty payload".
type Static struct{}

func NewStatic() Static {
	return Static{}
}

func (Static) FetchBatch(context.Context) ([]enrichment.WorkItem, error) {
	return []enrichment.WorkItem{{}}, nil
}
