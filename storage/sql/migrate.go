package sql

import (
	"context"
	"database/sql"
	"fmt"
)

type migration struct {
	stmt string
}

// migrations is applied in order, once each, tracked by the migrations
// table — grounded on dex's storage/sql migrate.go numbered-migration loop.
var migrations = []migration{
	{stmt: `
		create table users (
			sub text primary key,
			email text not null unique,
			name text not null default '',
			created_at timestamptz not null,
			password_reset_required boolean not null default false
		);
		create table pake_records (
			id bigserial primary key,
			sub text not null references users(sub) on delete cascade,
			envelope bytea not null,
			server_pubkey bytea not null,
			export_key_hash bytea not null,
			created_at timestamptz not null,
			current boolean not null default false
		);
		create unique index pake_records_current_idx on pake_records(sub) where current;

		create table admins (
			id text primary key,
			email text not null unique,
			name text not null default '',
			role text not null,
			password_reset_required boolean not null default false
		);
		create table admin_pake_records (
			id bigserial primary key,
			admin_id text not null references admins(id) on delete cascade,
			envelope bytea not null,
			server_pubkey bytea not null,
			export_key_hash bytea not null,
			created_at timestamptz not null,
			current boolean not null default false
		);
		create unique index admin_pake_records_current_idx on admin_pake_records(admin_id) where current;

		create table clients (
			client_id text primary key,
			type text not null,
			token_endpoint_auth_method text not null,
			require_pkce boolean not null default false,
			redirect_uris text[] not null default '{}',
			post_logout_redirect_uris text[] not null default '{}',
			grant_types text[] not null default '{}',
			response_types text[] not null default '{}',
			scopes text[] not null default '{}',
			allowed_zk_origins text[] not null default '{}',
			zk_delivery text not null default 'none',
			zk_required boolean not null default false,
			id_token_lifetime_seconds integer,
			refresh_token_lifetime_seconds integer,
			client_secret_enc bytea
		);

		create table pending_auths (
			request_id text primary key,
			client_id text not null,
			redirect_uri text not null,
			state text not null default '',
			nonce text not null default '',
			code_challenge text not null default '',
			code_challenge_method text not null default '',
			zk_pub_key bytea,
			zk_pub_kid text not null default '',
			user_sub text not null default '',
			origin text not null default '',
			created_at timestamptz not null,
			expires_at timestamptz not null
		);

		create table auth_codes (
			code text primary key,
			client_id text not null,
			user_sub text not null,
			redirect_uri text not null,
			nonce text not null default '',
			code_challenge text not null default '',
			code_challenge_method text not null default '',
			expires_at timestamptz not null,
			consumed boolean not null default false,
			has_zk boolean not null default false,
			zk_pub_kid text not null default '',
			drk_hash text not null default ''
		);

		create table sessions (
			session_id_hash text primary key,
			actor text not null,
			actor_ref text not null,
			email text not null default '',
			name text not null default '',
			client_id text not null default '',
			created_at timestamptz not null,
			expires_at timestamptz not null,
			csrf_secret text not null,
			otp_required boolean not null default false,
			otp_verified boolean not null default false
		);

		create table refresh_tokens (
			token_hash text primary key,
			session_id_hash text not null,
			rotated_from_hash text not null default '',
			expires_at timestamptz not null,
			consumed boolean not null default false
		);

		create table permissions (
			key text primary key,
			description text not null default ''
		);

		create table groups (
			key text primary key,
			name text not null,
			enable_login boolean not null default true,
			require_otp boolean not null default false,
			permissions text[] not null default '{}'
		);
		create table user_groups (
			user_sub text not null references users(sub) on delete cascade,
			group_key text not null references groups(key) on delete cascade,
			primary key (user_sub, group_key)
		);

		create table organizations (
			id text primary key,
			slug text not null unique,
			name text not null,
			force_otp boolean not null default false,
			created_by_user_sub text not null default ''
		);
		create table organization_members (
			id text primary key,
			organization_id text not null references organizations(id) on delete cascade,
			user_sub text not null references users(sub) on delete cascade,
			status text not null,
			role_keys text[] not null default '{}',
			unique (organization_id, user_sub)
		);

		create table roles (
			id text primary key,
			key text not null unique,
			name text not null,
			system boolean not null default false,
			permissions text[] not null default '{}'
		);

		create table user_permissions (
			user_sub text not null references users(sub) on delete cascade,
			permission_key text not null,
			primary key (user_sub, permission_key)
		);

		create table otp_credentials (
			actor_kind text not null,
			actor_ref text not null,
			secret_enc bytea not null,
			enabled boolean not null default false,
			verified boolean not null default false,
			created_at timestamptz not null,
			last_used_at timestamptz,
			failure_count integer not null default 0,
			locked_until timestamptz,
			last_step bigint not null default 0,
			primary key (actor_kind, actor_ref)
		);

		create table email_verification_tokens (
			token text primary key,
			user_sub text not null,
			purpose text not null,
			target_email text not null default '',
			expires_at timestamptz not null,
			consumed_at timestamptz
		);

		create table install_state (
			id boolean primary key default true check (id),
			token text not null,
			created_at timestamptz not null,
			consumed boolean not null default false
		);

		create table signing_keys (
			kid text primary key,
			alg text not null,
			public_key jsonb,
			private_enc bytea not null,
			created_at timestamptz not null,
			active boolean not null default false
		);

		create table wrapped_drks (
			user_sub text not null,
			kid text not null,
			blob bytea not null,
			updated_at timestamptz not null,
			primary key (user_sub, kid)
		);

		create table settings (
			key text primary key,
			value bytea not null
		);

		create table pake_ceremonies (
			session_id text primary key,
			purpose text not null,
			email text not null default '',
			transcript bytea,
			actor_kind text not null,
			created_at timestamptz not null,
			expires_at timestamptz not null
		);

		create table audit_events (
			id text primary key,
			event_type text not null,
			actor_kind text not null,
			actor_id text not null,
			resource_type text not null default '',
			resource_id text not null default '',
			method text not null default '',
			path text not null default '',
			status_code integer not null default 0,
			ip_address text not null default '',
			user_agent text not null default '',
			success boolean not null default true,
			error_message text not null default '',
			details jsonb,
			created_at timestamptz not null
		);
		create index audit_events_created_at_idx on audit_events(created_at desc);
	`},
}

func (c *conn) migrate() error {
	if _, err := c.db.Exec(`
		create table if not exists migrations (
			num integer not null,
			at timestamptz not null default now()
		);
	`); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	for {
		done := false
		err := c.execTx(context.Background(), func(tx *sql.Tx) error {
			var num sql.NullInt64
			if err := tx.QueryRow(`select max(num) from migrations;`).Scan(&num); err != nil {
				return fmt.Errorf("select max migration: %w", err)
			}
			n := 0
			if num.Valid {
				n = int(num.Int64)
			}
			if n >= len(migrations) {
				done = true
				return nil
			}
			m := migrations[n]
			if _, err := tx.Exec(m.stmt); err != nil {
				return fmt.Errorf("migration %d failed: %w", n+1, err)
			}
			if _, err := tx.Exec(`insert into migrations (num, at) values ($1, now());`, n+1); err != nil {
				return fmt.Errorf("recording migration %d: %w", n+1, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}
