package catalog

// schemaVersion is the current scalar schema version. Migrations run in a
// transaction with foreign keys disabled, then foreign_keys is switched
// back on for normal operation.
const schemaVersion = 1

const createSchemaSQL = `
CREATE TABLE IF NOT EXISTS SchemaVersion (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS App (
	package TEXT PRIMARY KEY,
	label TEXT,
	group_id TEXT REFERENCES AppGroup(group_id),
	last_update_timestamp INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS AppGroup (
	group_id TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS AppRelease (
	package TEXT NOT NULL REFERENCES App(package),
	version_code INTEGER NOT NULL,
	version_name TEXT NOT NULL,
	min_sdk_version INTEGER NOT NULL,
	release_timestamp INTEGER NOT NULL,
	sha256_checksum TEXT NOT NULL,
	v4_sha256_checksum TEXT,
	static_library_name TEXT,
	static_library_version INTEGER,
	signing_cert_fingerprints TEXT NOT NULL,
	release_notes_markdown TEXT,
	PRIMARY KEY (package, version_code)
);

CREATE TABLE IF NOT EXISTS Delta (
	package TEXT NOT NULL,
	base_version_code INTEGER NOT NULL,
	target_version_code INTEGER NOT NULL,
	file_size INTEGER NOT NULL,
	sha256_checksum TEXT NOT NULL,
	PRIMARY KEY (package, base_version_code, target_version_code)
);

CREATE INDEX IF NOT EXISTS idx_apprelease_package ON AppRelease(package);
CREATE INDEX IF NOT EXISTS idx_delta_target ON Delta(package, target_version_code);
`

// migrate brings a freshly opened database up to schemaVersion. Every
// migration step runs with foreign keys off so intermediate states never
// trip a constraint; once the migration transaction has committed, migrate
// itself switches foreign_keys back on for normal operation.
func (c *Catalog) migrate() error {
	if _, err := c.db.Exec(`PRAGMA foreign_keys = OFF;`); err != nil {
		return err
	}
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(createSchemaSQL); err != nil {
		tx.Rollback()
		return err
	}
	row := tx.QueryRow(`SELECT version FROM SchemaVersion LIMIT 1`)
	var current int
	if err := row.Scan(&current); err != nil {
		if _, err := tx.Exec(`INSERT INTO SchemaVersion(version) VALUES (?)`, schemaVersion); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	_, err = c.db.Exec(`PRAGMA foreign_keys = ON;`)
	return err
}
