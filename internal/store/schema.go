package store

import "github.com/skobkin/pcstats-logger/internal/database"

const sqliteTimeLayout = "2006-01-02T15:04:05.000000Z"

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS host_stats (
        time                  TEXT PRIMARY KEY,
        cpu_usage_percent     REAL,
        cpu_frequency_mhz     REAL,
        ram_used_gb           REAL,
        ram_available_gb      REAL,
        net_bytes_received_mb REAL,
        net_bytes_sent_mb     REAL
    )`,
	`CREATE TABLE IF NOT EXISTS gpu_stats (
        time                TEXT    NOT NULL,
        gpu_id              INTEGER NOT NULL,
        ram_used_mb         REAL,
        ram_available_mb    REAL,
        temperature_celsius REAL,
        PRIMARY KEY (time, gpu_id)
    )`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS host_stats (
        time                  TIMESTAMPTZ PRIMARY KEY,
        cpu_usage_percent     DOUBLE PRECISION,
        cpu_frequency_mhz     DOUBLE PRECISION,
        ram_used_gb           DOUBLE PRECISION,
        ram_available_gb      DOUBLE PRECISION,
        net_bytes_received_mb DOUBLE PRECISION,
        net_bytes_sent_mb     DOUBLE PRECISION
    )`,
	`CREATE TABLE IF NOT EXISTS gpu_stats (
        time                TIMESTAMPTZ NOT NULL,
        gpu_id              INTEGER     NOT NULL,
        ram_used_mb         DOUBLE PRECISION,
        ram_available_mb    DOUBLE PRECISION,
        temperature_celsius DOUBLE PRECISION,
        PRIMARY KEY (time, gpu_id)
    )`,
}

const (
	insertHostSQL = `
        INSERT INTO host_stats (time, cpu_usage_percent, cpu_frequency_mhz, ram_used_gb, ram_available_gb, net_bytes_received_mb, net_bytes_sent_mb)
        VALUES (?, ?, ?, ?, ?, ?, ?)`
	insertGPUSQL = `
        INSERT INTO gpu_stats (time, gpu_id, ram_used_mb, ram_available_mb, temperature_celsius)
        VALUES (?, ?, ?, ?, ?)`
	selectHostSQL = `
        SELECT time, cpu_usage_percent, cpu_frequency_mhz, ram_used_gb, ram_available_gb, net_bytes_received_mb, net_bytes_sent_mb
        FROM host_stats WHERE time = ?`
	selectGPUSQL = `
        SELECT time, gpu_id, ram_used_mb, ram_available_mb, temperature_celsius
        FROM gpu_stats WHERE time = ? AND gpu_id = ?`
)

func schema(dialect database.Dialect) []string {
	if dialect == database.Postgres {
		return postgresSchema
	}
	return sqliteSchema
}
