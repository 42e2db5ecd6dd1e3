package trackdb

import (
	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
)

func Migrations(log logs.Log) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE track(
			id INTEGER PRIMARY KEY,
			random_id TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			camera INT NOT NULL,
			track_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			first_seen INT NOT NULL,
			last_seen INT NOT NULL,
			total_samples INT NOT NULL,
			positions BLOB
		);

		CREATE INDEX idx_track_camera_last_seen ON track(camera, last_seen);
	`))

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE INDEX idx_track_track_id ON track(track_id);
	`))

	return migs
}
