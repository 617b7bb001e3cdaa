package ecstore

import (
	"fmt"

	"github.com/gocql/gocql"
)

// Schema liste les tables utilisées par ScyllaRepository.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS ec_requests (
		request_id uuid PRIMARY KEY,
		request_type text,
		user_id text,
		user_name text,
		user_email text,
		store_id text,
		store_name text,
		purchase_amount decimal,
		order_id text,
		purchase_date timestamp,
		points_to_award int,
		points_awarded int,
		receipt_key text,
		receipt_description text,
		status text,
		rejection_reason text,
		payment_method text,
		payment_reference text,
		decided_by text,
		decided_at timestamp,
		request_hash text,
		ip_address text,
		user_agent text,
		created_at timestamp,
		updated_at timestamp,
		completed_at timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS ec_requests_by_user (
		user_id text,
		created_at timestamp,
		request_id uuid,
		PRIMARY KEY ((user_id), created_at, request_id)
	) WITH CLUSTERING ORDER BY (created_at DESC, request_id ASC)`,
	`CREATE TABLE IF NOT EXISTS ec_requests_by_store (
		store_id text,
		created_at timestamp,
		request_id uuid,
		PRIMARY KEY ((store_id), created_at, request_id)
	) WITH CLUSTERING ORDER BY (created_at DESC, request_id ASC)`,
	`CREATE TABLE IF NOT EXISTS ec_request_hashes (
		request_hash text PRIMARY KEY,
		request_id uuid
	)`,
	`CREATE TABLE IF NOT EXISTS ec_messages (
		request_id uuid,
		message_id timeuuid,
		sender_id text,
		sender_name text,
		message text,
		is_from_store boolean,
		created_at timestamp,
		PRIMARY KEY ((request_id), message_id)
	) WITH CLUSTERING ORDER BY (message_id ASC)`,
	`CREATE TABLE IF NOT EXISTS point_transactions (
		user_id text,
		transaction_id timeuuid,
		points int,
		kind text,
		reference text,
		created_at timestamp,
		PRIMARY KEY ((user_id), transaction_id)
	) WITH CLUSTERING ORDER BY (transaction_id DESC)`,
	`CREATE TABLE IF NOT EXISTS point_award_logs (
		request_id uuid PRIMARY KEY,
		transaction_id timeuuid,
		awarded_points int,
		yen_per_point bigint,
		processing_duration_ms bigint,
		credited boolean,
		created_at timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS stores (
		store_id text PRIMARY KEY,
		name text,
		email text,
		stripe_customer_id text,
		stripe_payment_method text,
		deposit_balance bigint,
		created_at timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS audit_logs_by_day (
		day text,
		id timeuuid,
		user_id text,
		role text,
		action text,
		resource text,
		resource_id text,
		old_value text,
		new_value text,
		ip_address text,
		user_agent text,
		success boolean,
		error_msg text,
		timestamp timestamp,
		PRIMARY KEY ((day), id)
	) WITH CLUSTERING ORDER BY (id DESC)`,
}

// Migrate crée les tables manquantes
func Migrate(session *gocql.Session) error {
	for _, stmt := range Schema {
		if err := session.Query(stmt).Exec(); err != nil {
			return fmt.Errorf("migration: %w", err)
		}
	}
	return nil
}
