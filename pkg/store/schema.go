package store

// Schema is the relational schema for the controller. Applied by
// cmd/archetype-migrate; statements are idempotent so re-running the
// migration is safe.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS labs (
		id               UUID PRIMARY KEY,
		name             TEXT NOT NULL,
		owner            TEXT NOT NULL,
		default_agent    TEXT NOT NULL DEFAULT '',
		state            TEXT NOT NULL DEFAULT 'stopped',
		state_changed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		error_message    TEXT NOT NULL DEFAULT '',
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS nodes (
		id           UUID PRIMARY KEY,
		lab_id       UUID NOT NULL REFERENCES labs(id) ON DELETE CASCADE,
		name         TEXT NOT NULL,
		runtime_name TEXT NOT NULL,
		kind         TEXT NOT NULL,
		image        TEXT NOT NULL,
		host_pin     TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (lab_id, name)
	)`,

	`CREATE TABLE IF NOT EXISTS node_states (
		id                    UUID PRIMARY KEY,
		lab_id                UUID NOT NULL REFERENCES labs(id) ON DELETE CASCADE,
		node_id               UUID NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
		node_name             TEXT NOT NULL,
		desired               TEXT NOT NULL DEFAULT 'stopped',
		actual                TEXT NOT NULL DEFAULT 'undeployed',
		is_ready              BOOLEAN NOT NULL DEFAULT FALSE,
		boot_started_at       TIMESTAMPTZ,
		starting_started_at   TIMESTAMPTZ,
		stopping_started_at   TIMESTAMPTZ,
		error_message         TEXT NOT NULL DEFAULT '',
		image_sync            TEXT NOT NULL DEFAULT 'none',
		enforcement_attempts  INTEGER NOT NULL DEFAULT 0,
		last_enforcement_at   TIMESTAMPTZ,
		enforcement_failed_at TIMESTAMPTZ,
		updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (lab_id, node_id)
	)`,

	`CREATE TABLE IF NOT EXISTS link_states (
		id                    UUID PRIMARY KEY,
		lab_id                UUID NOT NULL REFERENCES labs(id) ON DELETE CASCADE,
		name                  TEXT NOT NULL,
		source_node_id        UUID NOT NULL,
		source_node_name      TEXT NOT NULL,
		source_interface      TEXT NOT NULL,
		target_node_id        UUID NOT NULL,
		target_node_name      TEXT NOT NULL,
		target_interface      TEXT NOT NULL,
		desired               TEXT NOT NULL DEFAULT 'down',
		actual                TEXT NOT NULL DEFAULT 'unknown',
		is_cross_host         BOOLEAN NOT NULL DEFAULT FALSE,
		source_host_id        TEXT NOT NULL DEFAULT '',
		target_host_id        TEXT NOT NULL DEFAULT '',
		vni                   BIGINT NOT NULL DEFAULT 0,
		source_vlan_tag       INTEGER NOT NULL DEFAULT 0,
		target_vlan_tag       INTEGER NOT NULL DEFAULT 0,
		source_vxlan_attached BOOLEAN NOT NULL DEFAULT FALSE,
		target_vxlan_attached BOOLEAN NOT NULL DEFAULT FALSE,
		source_carrier        TEXT NOT NULL DEFAULT 'off',
		target_carrier        TEXT NOT NULL DEFAULT 'off',
		source_oper_state     TEXT NOT NULL DEFAULT '',
		source_oper_reason    TEXT NOT NULL DEFAULT '',
		target_oper_state     TEXT NOT NULL DEFAULT '',
		target_oper_reason    TEXT NOT NULL DEFAULT '',
		oper_epoch            BIGINT NOT NULL DEFAULT 0,
		error_message         TEXT NOT NULL DEFAULT '',
		updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (lab_id, name)
	)`,

	`CREATE TABLE IF NOT EXISTS link_endpoint_reservations (
		id         UUID PRIMARY KEY,
		lab_id     UUID NOT NULL REFERENCES labs(id) ON DELETE CASCADE,
		node_id    UUID NOT NULL,
		interface  TEXT NOT NULL,
		link_id    UUID NOT NULL REFERENCES link_states(id) ON DELETE CASCADE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (lab_id, node_id, interface)
	)`,

	`CREATE TABLE IF NOT EXISTS vxlan_tunnels (
		id         UUID PRIMARY KEY,
		lab_id     UUID NOT NULL REFERENCES labs(id) ON DELETE CASCADE,
		link_id    UUID NOT NULL REFERENCES link_states(id) ON DELETE CASCADE,
		vni        BIGINT NOT NULL,
		agent_a_id TEXT NOT NULL,
		agent_a_ip TEXT NOT NULL,
		agent_b_id TEXT NOT NULL,
		agent_b_ip TEXT NOT NULL,
		port_name  TEXT NOT NULL,
		status     TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (link_id)
	)`,

	`CREATE TABLE IF NOT EXISTS agents (
		id                  TEXT PRIMARY KEY,
		address             TEXT NOT NULL,
		status              TEXT NOT NULL DEFAULT 'offline',
		last_heartbeat      TIMESTAMPTZ,
		version             TEXT NOT NULL DEFAULT '',
		commit_sha          TEXT NOT NULL DEFAULT '',
		deployment_mode     TEXT NOT NULL DEFAULT '',
		capabilities        JSONB NOT NULL DEFAULT '{}',
		usage               JSONB NOT NULL DEFAULT '{}',
		image_sync_strategy TEXT NOT NULL DEFAULT '',
		registered_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS jobs (
		id             UUID PRIMARY KEY,
		lab_id         UUID NOT NULL REFERENCES labs(id) ON DELETE CASCADE,
		user_id        TEXT NOT NULL DEFAULT '',
		action         TEXT NOT NULL,
		status         TEXT NOT NULL DEFAULT 'queued',
		agent_id       TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		started_at     TIMESTAMPTZ,
		completed_at   TIMESTAMPTZ,
		last_heartbeat TIMESTAMPTZ,
		retry_count    INTEGER NOT NULL DEFAULT 0,
		parent_id      TEXT NOT NULL DEFAULT '',
		supersedes_id  TEXT NOT NULL DEFAULT '',
		target_version TEXT NOT NULL DEFAULT '',
		target_commit  TEXT NOT NULL DEFAULT '',
		log            TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE INDEX IF NOT EXISTS idx_jobs_lab_status ON jobs (lab_id, status)`,

	`CREATE TABLE IF NOT EXISTS node_placements (
		id         UUID PRIMARY KEY,
		lab_id     UUID NOT NULL REFERENCES labs(id) ON DELETE CASCADE,
		node_name  TEXT NOT NULL,
		agent_id   TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (lab_id, node_name)
	)`,

	`CREATE TABLE IF NOT EXISTS image_hosts (
		id        UUID PRIMARY KEY,
		image_ref TEXT NOT NULL,
		agent_id  TEXT NOT NULL,
		synced_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (image_ref, agent_id)
	)`,

	`CREATE TABLE IF NOT EXISTS config_snapshots (
		id         UUID PRIMARY KEY,
		lab_id     UUID NOT NULL REFERENCES labs(id) ON DELETE CASCADE,
		node_name  TEXT NOT NULL,
		content    BYTEA NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}
