package postgres

import (
	"context"
	"database/sql"

	crerr "github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/toolhunt/enrich-scheduler/internal/domain/enrichment"
	"github.com/toolhunt/enrich-scheduler/internal/platform/logging"
)

// Batch selection is delegated to the database: the function owns the
// "needs fetching or updating" predicate and its ordering.
const toolBatchQuery = `SELECT raw_tool_id, html_url FROM get_existing_tools_to_update_batched($1)`

// ToolBatchSource selects up to limit pending tools per tick through the
// batched-selection SQL function. Rows missing an id or a usable URL are
// logged and dropped rather than dispatched.
type ToolBatchSource struct {
	db       *sqlx.DB
	limit    int
	validate *validator.Validate
	logger   *logging.Logger
}

func NewToolBatchSource(db *sqlx.DB, limit int, logger *logging.Logger) *ToolBatchSource {
	if limit <= 0 {
		limit = 10
	}
	if logger == nil {
		logger = logging.Default()
	}

	return &ToolBatchSource{
		db:       db,
		limit:    limit,
		validate: validator.New(),
		logger:   logger,
	}
}

func (s *ToolBatchSource) FetchBatch(ctx context.Context) ([]enrichment.WorkItem, error) {
	var rows []toolBatchRow
	if err := s.db.SelectContext(ctx, &rows, toolBatchQuery, s.limit); err != nil {
		return nil, crerr.Wrapf(err, "select tool update batch limit=%d", s.limit)
	}

	return s.mapRows(ctx, rows), nil
}

type toolBatchRow struct {
	RawToolID sql.NullString `db:"raw_tool_id"`
	HTMLURL   sql.NullString `db:"html_url"`
}

func (s *ToolBatchSource) mapRows(ctx context.Context, rows []toolBatchRow) []enrichment.WorkItem {
	out := make([]enrichment.WorkItem, 0, len(rows))
	for _, row := range rows {
		item := enrichment.WorkItem{
			ID:        row.RawToolID.String,
			TargetURL: row.HTMLURL.String,
		}
		if err := s.validate.StructCtx(ctx, item); err != nil {
			s.logger.WarnContext(ctx, "skipping tool row with missing or invalid fields",
				"raw_tool_id", item.ID,
				"html_url", item.TargetURL,
				"error", err,
			)
			continue
		}
		out = append(out, item)
	}

	return out
}
