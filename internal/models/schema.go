package models

// Schema creates the tables this service owns plus the orders table it
// expects the storefront to provide. Statements are idempotent.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
    id VARCHAR(36) PRIMARY KEY,
    order_number VARCHAR(64) NOT NULL UNIQUE,
    payment_reference VARCHAR(128),
    payment_status VARCHAR(16) NOT NULL DEFAULT 'unpaid',
    total NUMERIC(19, 4) NOT NULL,
    currency VARCHAR(3) NOT NULL,
    customer_email VARCHAR(255) NOT NULL DEFAULT '',
    customer_name VARCHAR(255) NOT NULL DEFAULT '',
    paid_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_payment_reference ON orders (payment_reference)`,
	`CREATE TABLE IF NOT EXISTS payments (
    id VARCHAR(36) PRIMARY KEY,
    order_id VARCHAR(36),
    reference VARCHAR(128) NOT NULL UNIQUE,
    gateway VARCHAR(32) NOT NULL,
    gateway_status VARCHAR(16) NOT NULL,
    amount NUMERIC(19, 8) NOT NULL DEFAULT 0,
    currency VARCHAR(8) NOT NULL DEFAULT '',
    gateway_reference VARCHAR(255) NOT NULL DEFAULT '',
    payment_method VARCHAR(64) NOT NULL DEFAULT '',
    channel VARCHAR(64) NOT NULL DEFAULT '',
    card_type VARCHAR(32) NOT NULL DEFAULT '',
    card_last4 VARCHAR(4) NOT NULL DEFAULT '',
    bank VARCHAR(128) NOT NULL DEFAULT '',
    gateway_fee NUMERIC(19, 8) NOT NULL DEFAULT 0,
    paid_at TIMESTAMPTZ,
    verified_at TIMESTAMPTZ,
    raw_response JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	`CREATE INDEX IF NOT EXISTS idx_payments_order_id ON payments (order_id)`,
	`CREATE INDEX IF NOT EXISTS idx_payments_gateway_status ON payments (gateway_status)`,
	`CREATE TABLE IF NOT EXISTS payment_refunds (
    id VARCHAR(36) PRIMARY KEY,
    refund_reference VARCHAR(255) NOT NULL UNIQUE,
    payment_reference VARCHAR(128) NOT NULL REFERENCES payments (reference),
    gateway VARCHAR(32) NOT NULL,
    status VARCHAR(16) NOT NULL,
    amount NUMERIC(19, 8) NOT NULL,
    currency VARCHAR(8) NOT NULL DEFAULT '',
    reason TEXT NOT NULL DEFAULT '',
    message TEXT NOT NULL DEFAULT '',
    raw_response JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_refunds_payment_reference ON payment_refunds (payment_reference)`,
}
