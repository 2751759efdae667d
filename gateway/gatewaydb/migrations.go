// Copyright (C) 2024 Uploadgate, Inc.
// See LICENSE for copying information.

package gatewaydb

import (
	"github.com/uploadgate/uploadgate/private/migrate"
)

func (db *DB) migration() *migrate.Migration {
	return &migrate.Migration{
		Table: "versions",
		Steps: []migrate.Step{
			{
				Version:     0,
				Description: "initial webhook tables",
				Statements: []string{
					`CREATE TABLE webhooks (
						id text NOT NULL,
						tenant_id text NOT NULL,
						api_key_id text NOT NULL,
						target_url text NOT NULL,
						secret bytea NOT NULL,
						trigger_mode text NOT NULL,
						provider text NOT NULL,
						locator jsonb NOT NULL DEFAULT '{}',
						filename text NOT NULL DEFAULT '',
						content_type text NOT NULL DEFAULT '',
						file_size bigint NOT NULL DEFAULT 0,
						etag text NOT NULL DEFAULT '',
						status text NOT NULL DEFAULT 'pending',
						attempt_count integer NOT NULL DEFAULT 0,
						last_attempt_at timestamp with time zone,
						next_retry_at timestamp with time zone,
						error_message text NOT NULL DEFAULT '',
						created_at timestamp with time zone NOT NULL DEFAULT now(),
						updated_at timestamp with time zone NOT NULL DEFAULT now(),
						expires_at timestamp with time zone NOT NULL,
						completed_at timestamp with time zone,
						failed_at timestamp with time zone,
						metadata jsonb,
						response_status integer,
						response_body text NOT NULL DEFAULT '',
						PRIMARY KEY ( id )
					)`,
					`CREATE INDEX webhooks_tenant_created_index ON webhooks ( tenant_id, created_at DESC )`,
					`CREATE INDEX webhooks_status_index ON webhooks ( status )`,
					`CREATE TABLE webhook_dead_letter (
						id bigserial NOT NULL,
						webhook_id text NOT NULL,
						original_snapshot jsonb NOT NULL,
						failure_reason text NOT NULL DEFAULT '',
						attempt_count integer NOT NULL DEFAULT 0,
						created_at timestamp with time zone NOT NULL DEFAULT now(),
						retry_after timestamp with time zone NOT NULL,
						resolved boolean NOT NULL DEFAULT false,
						resolved_at timestamp with time zone,
						resolved_by text NOT NULL DEFAULT '',
						PRIMARY KEY ( id )
					)`,
					`CREATE INDEX webhook_dead_letter_due_index ON webhook_dead_letter ( resolved, retry_after )`,
				},
			},
			{
				Version:     1,
				Description: "tenant quota tables",
				Statements: []string{
					`CREATE TABLE api_keys (
						id text NOT NULL,
						tenant_id text NOT NULL,
						name text NOT NULL DEFAULT '',
						monthly_quota bigint NOT NULL DEFAULT 0,
						created_at timestamp with time zone NOT NULL DEFAULT now(),
						PRIMARY KEY ( id )
					)`,
					`CREATE INDEX api_keys_tenant_index ON api_keys ( tenant_id )`,
					`CREATE TABLE provider_usage (
						tenant_id text NOT NULL,
						month text NOT NULL,
						used bigint NOT NULL DEFAULT 0,
						updated_at timestamp with time zone NOT NULL DEFAULT now(),
						PRIMARY KEY ( tenant_id, month )
					)`,
				},
			},
			{
				Version:     2,
				Description: "daily usage rollup",
				Statements: []string{
					`CREATE TABLE daily_rollup (
						api_key_id text NOT NULL,
						date date NOT NULL,
						tenant_id text NOT NULL DEFAULT '',
						total_requests bigint NOT NULL DEFAULT 0,
						providers jsonb NOT NULL DEFAULT '{}',
						file_types jsonb NOT NULL DEFAULT '{}',
						file_categories jsonb NOT NULL DEFAULT '{}',
						last_used_at timestamp with time zone,
						updated_at timestamp with time zone NOT NULL DEFAULT now(),
						PRIMARY KEY ( api_key_id, date )
					)`,
				},
			},
		},
	}
}
