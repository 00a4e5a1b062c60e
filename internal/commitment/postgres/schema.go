package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS commitments (
	commitment BYTEA PRIMARY KEY,
	leaf_index BIGINT NOT NULL,
	slot BIGINT NOT NULL,
	signature TEXT NOT NULL,
	encrypted_output BYTEA NOT NULL,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT commitment_len CHECK (octet_length(commitment) = 32),
	CONSTRAINT leaf_index_nonneg CHECK (leaf_index >= 0),
	CONSTRAINT slot_nonneg CHECK (slot >= 0)
);

CREATE UNIQUE INDEX IF NOT EXISTS commitments_leaf_index_uidx ON commitments (leaf_index);
`
