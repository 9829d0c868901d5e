package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE flows (
				id VARCHAR(255) NOT NULL,
				version INTEGER NOT NULL,
				owner VARCHAR(255) NOT NULL,
				definition JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (id, version)
			);

			CREATE TABLE executions (
				id VARCHAR(255) PRIMARY KEY,
				flow_id VARCHAR(255) NOT NULL,
				status VARCHAR(32) NOT NULL,
				tenant VARCHAR(255),
				state JSONB NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_executions_flow_id ON executions(flow_id);
			CREATE INDEX idx_executions_status ON executions(status);
			CREATE INDEX idx_executions_tenant ON executions(tenant);

			CREATE TABLE webhooks (
				id VARCHAR(255) PRIMARY KEY,
				endpoint VARCHAR(128) NOT NULL UNIQUE,
				config JSONB NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);
		`,
		2: `
			CREATE TABLE audit_records (
				record_id VARCHAR(255) PRIMARY KEY,
				execution_id VARCHAR(255) NOT NULL,
				sequence BIGINT NOT NULL,
				record_type VARCHAR(64) NOT NULL,
				ts TIMESTAMP WITH TIME ZONE NOT NULL,
				actor VARCHAR(255) NOT NULL,
				record JSONB NOT NULL,
				UNIQUE (execution_id, sequence)
			);

			CREATE INDEX idx_audit_records_ts ON audit_records(ts);

			CREATE TABLE state_pointers (
				execution_id VARCHAR(255) PRIMARY KEY,
				address VARCHAR(128) NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE TABLE checkpoints (
				execution_id VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL,
				address VARCHAR(128) NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (execution_id, name)
			);

			CREATE TABLE usage_records (
				allocation_id VARCHAR(255) PRIMARY KEY,
				tenant VARCHAR(255) NOT NULL,
				record JSONB NOT NULL,
				ended_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_usage_records_tenant ON usage_records(tenant);
		`,
	}
}
