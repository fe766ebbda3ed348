package storage

import (
	migrate "github.com/rubenv/sql-migrate"
)

var migrations = &migrate.MemoryMigrationSource{
	Migrations: []*migrate.Migration{
		{
			Id: "0001_telemetry_reading",
			Up: []string{`
				create table telemetry_reading (
					id bigserial primary key,
					received_at timestamp with time zone not null,
					reported_at timestamp with time zone not null,
					node_id varchar(64) not null,
					class_id varchar(64) not null,
					name varchar(64) not null,
					units varchar(16) not null default '',
					value double precision,
					rssi integer not null default 0
				)`,
				`create index idx_telemetry_reading_node_id on telemetry_reading (node_id)`,
				`create index idx_telemetry_reading_received_at on telemetry_reading (received_at)`,
			},
			Down: []string{
				`drop table telemetry_reading`,
			},
		},
	},
}
