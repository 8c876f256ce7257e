// Package store persists the supervisor's operation mode and auto-mode
// tunables in the site configuration database, so operator changes made
// over MQTT survive a restart. One row per (user, site).
package store

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"pms-go/config"
	"pms-go/types"
	"pms-go/x/strx"
)

// DefaultUserID marks rows written by the supervisor itself, as opposed
// to rows seeded by an operator tool.
const DefaultUserID = "pms"

const schema = `
CREATE TABLE IF NOT EXISTS DEVICE_LOCATION_STATUS (
	USER_ID                   TEXT      NOT NULL,
	DEVICE_LOCATION           TEXT      NOT NULL,
	SOC_HIGH_THRESHOLD        REAL      NOT NULL,
	SOC_LOW_THRESHOLD         REAL      NOT NULL,
	SOC_CHARGE_STOP_THRESHOLD REAL      NOT NULL,
	DCDC_STANDBY_TIME         INTEGER   NOT NULL,
	COMMAND_INTERVAL          INTEGER   NOT NULL,
	CHARGING_POWER            REAL      NOT NULL,
	OPERATION_MODE            TEXT      NOT NULL,
	AUTO_MODE_STATUS          TEXT      NOT NULL,
	AUTO_MODE_ACTIVE          INTEGER   NOT NULL DEFAULT 0,
	IS_ACTIVE                 INTEGER   NOT NULL DEFAULT 1,
	UPDATED_AT                TIMESTAMP NOT NULL,
	PRIMARY KEY (USER_ID, DEVICE_LOCATION)
)`

// Store is the configuration database for one site.
type Store struct {
	db       *sql.DB
	userID   string
	location string
	log      *zap.Logger
}

// Open opens the database at url (a sqlite3 DSN, usually a file path)
// and creates the schema if missing.
func Open(url, location string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", url)
	if err != nil {
		return nil, errors.Wrap(err, "store: open")
	}
	// sqlite serialises writers anyway; a single connection also keeps
	// :memory: databases coherent across the pool.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "store: ping")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "store: schema")
	}
	return &Store{
		db:       db,
		userID:   DefaultUserID,
		location: strx.Coalesce(location, "default"),
		log:      log.Named("store"),
	}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Row is one site's persisted state.
type Row struct {
	UserID                 string
	Location               string
	SOCHighThreshold       float64
	SOCLowThreshold        float64
	SOCChargeStopThreshold float64
	DCDCStandbyTime        int
	CommandInterval        int
	ChargingPower          float64
	OperationMode          types.OperationMode
	AutoModeStatus         string
	AutoModeActive         bool
	UpdatedAt              time.Time
}

// Load returns the newest active row for the site, regardless of which
// user wrote it, or nil when the site has never been saved.
func (s *Store) Load() (*Row, error) {
	var r Row
	err := s.db.QueryRow(`
SELECT USER_ID, DEVICE_LOCATION, SOC_HIGH_THRESHOLD, SOC_LOW_THRESHOLD,
       SOC_CHARGE_STOP_THRESHOLD, DCDC_STANDBY_TIME, COMMAND_INTERVAL,
       CHARGING_POWER, OPERATION_MODE, AUTO_MODE_STATUS, AUTO_MODE_ACTIVE,
       UPDATED_AT
  FROM DEVICE_LOCATION_STATUS
 WHERE DEVICE_LOCATION = ? AND IS_ACTIVE = 1
 ORDER BY UPDATED_AT DESC
 LIMIT 1`, s.location).Scan(
		&r.UserID, &r.Location, &r.SOCHighThreshold, &r.SOCLowThreshold,
		&r.SOCChargeStopThreshold, &r.DCDCStandbyTime, &r.CommandInterval,
		&r.ChargingPower, &r.OperationMode, &r.AutoModeStatus, &r.AutoModeActive,
		&r.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "store: load")
	}
	return &r, nil
}

// SaveState upserts the supervisor's row. It satisfies the operation
// manager's Persister.
func (s *Store) SaveState(mode types.OperationMode, st types.AutoModeStatus) error {
	cfg := st.Config
	_, err := s.db.Exec(`
INSERT INTO DEVICE_LOCATION_STATUS (
	USER_ID, DEVICE_LOCATION, SOC_HIGH_THRESHOLD, SOC_LOW_THRESHOLD,
	SOC_CHARGE_STOP_THRESHOLD, DCDC_STANDBY_TIME, COMMAND_INTERVAL,
	CHARGING_POWER, OPERATION_MODE, AUTO_MODE_STATUS, AUTO_MODE_ACTIVE,
	IS_ACTIVE, UPDATED_AT)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
ON CONFLICT(USER_ID, DEVICE_LOCATION) DO UPDATE SET
	SOC_HIGH_THRESHOLD        = excluded.SOC_HIGH_THRESHOLD,
	SOC_LOW_THRESHOLD         = excluded.SOC_LOW_THRESHOLD,
	SOC_CHARGE_STOP_THRESHOLD = excluded.SOC_CHARGE_STOP_THRESHOLD,
	DCDC_STANDBY_TIME         = excluded.DCDC_STANDBY_TIME,
	COMMAND_INTERVAL          = excluded.COMMAND_INTERVAL,
	CHARGING_POWER            = excluded.CHARGING_POWER,
	OPERATION_MODE            = excluded.OPERATION_MODE,
	AUTO_MODE_STATUS          = excluded.AUTO_MODE_STATUS,
	AUTO_MODE_ACTIVE          = excluded.AUTO_MODE_ACTIVE,
	IS_ACTIVE                 = 1,
	UPDATED_AT                = excluded.UPDATED_AT`,
		s.userID, s.location,
		cfg.SOCHighThreshold, cfg.SOCLowThreshold, cfg.SOCChargeStopThreshold,
		cfg.DCDCStandbyTime, cfg.CommandInterval, cfg.ChargingPower,
		string(mode), st.CurrentState, st.Active,
		time.Now(),
	)
	if err != nil {
		return errors.Wrap(err, "store: save")
	}
	s.log.Debug("state saved",
		zap.String("mode", string(mode)), zap.String("state", st.CurrentState))
	return nil
}

// ApplyTo overlays the persisted tunables onto a YAML-derived config.
// Database values win; the SOC monitor interval stays YAML-only.
func (r *Row) ApplyTo(cfg *config.Config) {
	cfg.AutoMode.SOCHighThreshold = r.SOCHighThreshold
	cfg.AutoMode.SOCLowThreshold = r.SOCLowThreshold
	cfg.AutoMode.SOCChargeStopThreshold = r.SOCChargeStopThreshold
	cfg.AutoMode.DCDCStandbyTime = r.DCDCStandbyTime
	cfg.AutoMode.CommandInterval = r.CommandInterval
	cfg.AutoMode.ChargingPower = r.ChargingPower
}
