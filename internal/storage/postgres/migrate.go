package postgres

import (
	"context"
	"fmt"
)

// schemaStatements создают таблицы дашборда, триггер updated_at и триггер
// pg_notify, на котором построена подписка. Все операции идемпотентны.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sensors (
	id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	name            TEXT NOT NULL,
	location_lat    DOUBLE PRECISION NOT NULL DEFAULT 0,
	location_lng    DOUBLE PRECISION NOT NULL DEFAULT 0,
	is_active       BOOLEAN NOT NULL DEFAULT TRUE,
	last_reading_at TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE TABLE IF NOT EXISTS sensor_readings (
	id               UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	sensor_id        UUID NOT NULL REFERENCES sensors(id) ON DELETE CASCADE,
	timestamp        TIMESTAMPTZ NOT NULL DEFAULT now(),
	ph               DOUBLE PRECISION NOT NULL DEFAULT 0,
	temperature      DOUBLE PRECISION NOT NULL DEFAULT 0,
	turbidity        DOUBLE PRECISION NOT NULL DEFAULT 0,
	dissolved_oxygen DOUBLE PRECISION NOT NULL DEFAULT 0,
	conductivity     DOUBLE PRECISION NOT NULL DEFAULT 0,
	salinity         DOUBLE PRECISION NOT NULL DEFAULT 0,
	water_level      DOUBLE PRECISION NOT NULL DEFAULT 0,
	location_lat     DOUBLE PRECISION NOT NULL DEFAULT 0,
	location_lng     DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE INDEX IF NOT EXISTS sensor_readings_timestamp_idx ON sensor_readings (timestamp DESC)`,
	`CREATE TABLE IF NOT EXISTS hazard_alerts (
	id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	type            TEXT NOT NULL CHECK (type IN ('tsunami','high_waves','oil_spill','chemical_pollution','biological_pollution')),
	severity        TEXT NOT NULL CHECK (severity IN ('low','medium','high','critical')),
	title           TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	location_lat    DOUBLE PRECISION NOT NULL DEFAULT 0,
	location_lng    DOUBLE PRECISION NOT NULL DEFAULT 0,
	affected_radius DOUBLE PRECISION NOT NULL DEFAULT 0,
	is_active       BOOLEAN NOT NULL DEFAULT TRUE,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE INDEX IF NOT EXISTS hazard_alerts_created_at_idx ON hazard_alerts (created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS user_profiles (
	id           UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	email        TEXT NOT NULL,
	role         TEXT NOT NULL DEFAULT 'viewer' CHECK (role IN ('viewer','operator','admin')),
	full_name    TEXT NOT NULL DEFAULT '',
	organization TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE OR REPLACE FUNCTION aqua_touch_updated_at() RETURNS trigger AS $$
BEGIN
	NEW.updated_at = now();
	RETURN NEW;
END;
$$ LANGUAGE plpgsql`,
	// pg_notify ограничен 8000 байтами, поэтому уходит только id; строку подписчик выбирает сам
	`CREATE OR REPLACE FUNCTION aqua_notify_change() RETURNS trigger AS $$
DECLARE
	row_id UUID;
BEGIN
	IF TG_OP = 'DELETE' THEN
		row_id := OLD.id;
	ELSE
		row_id := NEW.id;
	END IF;
	PERFORM pg_notify('changes_' || TG_TABLE_NAME, json_build_object(
		'type', TG_OP,
		'table', TG_TABLE_NAME,
		'id', row_id
	)::text);
	RETURN NULL;
END;
$$ LANGUAGE plpgsql`,
}

// touchedTables получают триггер updated_at.
var touchedTables = []string{"hazard_alerts", "user_profiles"}

// notifiedTables публикуют изменения в changes_<table>.
var notifiedTables = []string{"sensors", "sensor_readings", "hazard_alerts", "user_profiles"}

func triggerStatements() []string {
	var out []string
	for _, t := range touchedTables {
		out = append(out,
			fmt.Sprintf(`DROP TRIGGER IF EXISTS %s_touch ON %s`, t, t),
			fmt.Sprintf(`CREATE TRIGGER %s_touch BEFORE UPDATE ON %s FOR EACH ROW EXECUTE FUNCTION aqua_touch_updated_at()`, t, t),
		)
	}
	for _, t := range notifiedTables {
		out = append(out,
			fmt.Sprintf(`DROP TRIGGER IF EXISTS %s_notify ON %s`, t, t),
			fmt.Sprintf(`CREATE TRIGGER %s_notify AFTER INSERT OR UPDATE OR DELETE ON %s FOR EACH ROW EXECUTE FUNCTION aqua_notify_change()`, t, t),
		)
	}
	return out
}

// Migrate создаёт схему в одной транзакции.
func (s *Store) Migrate(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin migration: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	stmts := append(append([]string{}, schemaStatements...), triggerStatements()...)
	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migrate: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit migration: %w", err)
	}
	s.logger.Printf("[postgres] schema is up to date")
	return nil
}
