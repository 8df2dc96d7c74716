package postgresql

// migrations returns the schema migrations keyed by version.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS workflow_definitions (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				nodes JSONB NOT NULL DEFAULT '[]',
				edges JSONB NOT NULL DEFAULT '[]',
				variables JSONB NOT NULL DEFAULT '[]',
				owner VARCHAR(255) NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				deleted_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX IF NOT EXISTS idx_workflow_definitions_owner
				ON workflow_definitions(owner) WHERE deleted_at IS NULL;

			CREATE TABLE IF NOT EXISTS executions (
				id VARCHAR(255) PRIMARY KEY,
				definition_id VARCHAR(255),
				run_kind VARCHAR(32) NOT NULL,
				status VARCHAR(32) NOT NULL,
				nodes JSONB NOT NULL DEFAULT '[]',
				edges JSONB NOT NULL DEFAULT '[]',
				variables JSONB NOT NULL DEFAULT '{}',
				triggered_by VARCHAR(255) NOT NULL DEFAULT '',
				owner VARCHAR(255) NOT NULL,
				idempotency_key VARCHAR(255),
				error_message TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_idempotency
				ON executions(owner, idempotency_key) WHERE idempotency_key IS NOT NULL;

			CREATE INDEX IF NOT EXISTS idx_executions_owner_created
				ON executions(owner, created_at DESC);

			CREATE TABLE IF NOT EXISTS node_executions (
				execution_id VARCHAR(255) NOT NULL REFERENCES executions(id),
				node_id VARCHAR(255) NOT NULL,
				position INTEGER NOT NULL,
				name VARCHAR(255) NOT NULL DEFAULT '',
				capsule_type VARCHAR(255) NOT NULL,
				status VARCHAR(32) NOT NULL,
				output JSONB,
				output_artifacts JSONB NOT NULL DEFAULT '[]',
				logs TEXT NOT NULL DEFAULT '',
				error_message TEXT NOT NULL DEFAULT '',
				backing_job_id VARCHAR(255),
				status_since TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				started_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE,
				duration_ms BIGINT NOT NULL DEFAULT 0,
				PRIMARY KEY (execution_id, node_id)
			);

			CREATE TABLE IF NOT EXISTS execution_events (
				run_kind VARCHAR(32) NOT NULL,
				run_id VARCHAR(255) NOT NULL,
				seq BIGINT NOT NULL,
				event_name VARCHAR(255) NOT NULL,
				payload JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				PRIMARY KEY (run_kind, run_id, seq)
			);
		`,
	}
}
