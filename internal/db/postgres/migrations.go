package postgres

// migration — одна версия схемы.
type migration struct {
	version int
	name    string
	sql     string
}

// migrations применяются строго по возрастанию version.
// Уже выпущенные миграции не редактируются, только добавляются новые.
var migrations = []migration{
	{
		version: 1,
		name:    "members",
		sql: `
			CREATE TABLE IF NOT EXISTS members (
				user_id    BIGINT PRIMARY KEY,
				username   TEXT NOT NULL DEFAULT '',
				email      TEXT NOT NULL DEFAULT '',
				is_admin   BOOLEAN NOT NULL DEFAULT FALSE,
				is_banned  BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)
		`,
	},
	{
		version: 2,
		name:    "point_balances",
		sql: `
			CREATE TABLE IF NOT EXISTS point_balances (
				member_id  BIGINT PRIMARY KEY REFERENCES members(user_id),
				balance    BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)
		`,
	},
	{
		version: 3,
		name:    "ledger_entries",
		sql: `
			CREATE TABLE IF NOT EXISTS ledger_entries (
				id               BIGSERIAL PRIMARY KEY,
				member_id        BIGINT NOT NULL REFERENCES members(user_id),
				transaction_type TEXT NOT NULL
					CHECK (transaction_type IN ('purchase', 'transfer_in', 'transfer_out', 'award', 'redeem')),
				source           TEXT NOT NULL DEFAULT '',
				amount           BIGINT NOT NULL CHECK (amount <> 0),
				balance_after    BIGINT NOT NULL CHECK (balance_after >= 0),
				reference_type   TEXT NOT NULL DEFAULT '',
				reference_id     UUID,
				metadata         JSONB NOT NULL DEFAULT '{}'::jsonb,
				created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);

			CREATE UNIQUE INDEX IF NOT EXISTS ledger_entries_reference_uniq
				ON ledger_entries (reference_type, reference_id, member_id, transaction_type)
				WHERE reference_id IS NOT NULL;

			CREATE INDEX IF NOT EXISTS ledger_entries_member_created_idx
				ON ledger_entries (member_id, created_at DESC, id DESC);
		`,
	},
	{
		version: 4,
		name:    "purchases",
		sql: `
			CREATE TABLE IF NOT EXISTS purchases (
				id                 UUID PRIMARY KEY,
				member_id          BIGINT NOT NULL REFERENCES members(user_id),
				package_mode       TEXT NOT NULL CHECK (package_mode IN ('preset', 'custom')),
				points_amount      BIGINT NOT NULL CHECK (points_amount > 0),
				local_amount       BIGINT NOT NULL CHECK (local_amount > 0),
				exchange_rate      NUMERIC(18, 6) NOT NULL,
				currency           TEXT NOT NULL,
				external_reference TEXT NOT NULL,
				gateway_handle     TEXT NOT NULL DEFAULT '',
				checkout_url       TEXT NOT NULL DEFAULT '',
				status             TEXT NOT NULL DEFAULT 'pending'
					CHECK (status IN ('pending', 'success', 'failed')),
				payment_method     TEXT NOT NULL,
				metadata           JSONB NOT NULL DEFAULT '{}'::jsonb,
				completed_at       TIMESTAMPTZ,
				created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);

			CREATE UNIQUE INDEX IF NOT EXISTS purchases_external_reference_uniq
				ON purchases (external_reference);

			CREATE INDEX IF NOT EXISTS purchases_member_created_idx
				ON purchases (member_id, created_at DESC);

			CREATE INDEX IF NOT EXISTS purchases_pending_idx
				ON purchases (created_at) WHERE status = 'pending';
		`,
	},
	{
		version: 5,
		name:    "ledger_entries_member_id_idx",
		sql: `
			CREATE INDEX IF NOT EXISTS ledger_entries_member_id_idx
				ON ledger_entries (member_id, id DESC);

			DROP INDEX IF EXISTS ledger_entries_member_created_idx;
		`,
	},
}
