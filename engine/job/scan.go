package job

import (
	"database/sql"

	"github.com/Extra-Chill/data-machine/errors"
)

// ScanArgs holds the nullable column targets needed when scanning a job row.
type ScanArgs struct {
	FlowID      sql.NullString
	PipelineID  sql.NullString
	EngineData  sql.NullString
	ParentJobID sql.NullString
	StartedAt   sql.NullTime
	CompletedAt sql.NullTime
}

// ScanTargets returns the scan destinations for the standard job SELECT
// column order.
func ScanTargets(j *Job, args *ScanArgs) []interface{} {
	return []interface{}{
		&j.ID,
		&args.FlowID,
		&args.PipelineID,
		&j.Status,
		&j.CurrentStep,
		&args.EngineData,
		&args.ParentJobID,
		&j.Version,
		&j.CreatedAt,
		&args.StartedAt,
		&args.CompletedAt,
		&j.UpdatedAt,
	}
}

// ProcessScanArgs populates the job from the scanned nullable columns.
func ProcessScanArgs(j *Job, args *ScanArgs) error {
	if args.FlowID.Valid {
		j.FlowID = args.FlowID.String
	}
	if args.PipelineID.Valid {
		j.PipelineID = args.PipelineID.String
	}
	if args.EngineData.Valid {
		data, err := UnmarshalEngineData(args.EngineData.String)
		if err != nil {
			return errors.Wrapf(err, "engine data for job %s", j.ID)
		}
		j.Data = data
	}
	if args.ParentJobID.Valid {
		j.ParentJobID = args.ParentJobID.String
	}
	if args.StartedAt.Valid {
		j.StartedAt = &args.StartedAt.Time
	}
	if args.CompletedAt.Valid {
		j.CompletedAt = &args.CompletedAt.Time
	}
	return nil
}

// ScanFromRows scans a single job from sql.Rows (for use in loops)
func ScanFromRows(rows *sql.Rows, j *Job) error {
	args := &ScanArgs{}
	if err := rows.Scan(ScanTargets(j, args)...); err != nil {
		return err
	}
	return ProcessScanArgs(j, args)
}

// SelectColumns returns the standard column list for job SELECT queries
func SelectColumns() string {
	return `id, flow_id, pipeline_id, status, current_step,
		engine_data, parent_job_id, version,
		created_at, started_at, completed_at, updated_at`
}
