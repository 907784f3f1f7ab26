package storage

import (
	"context"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/lorawan"

	"github.com/brocaar/lorawan-range-tester/internal/logging"
)

// DownlinkKind defines the kind of downlink received as answer to a ping.
type DownlinkKind string

// Available downlink kinds.
const (
	DownlinkKindAck       DownlinkKind = "ACK"
	DownlinkKindData      DownlinkKind = "DATA"
	DownlinkKindConfirmed DownlinkKind = "CONFIRMED"
	DownlinkKindOther     DownlinkKind = "OTHER"
)

// PingResult contains the outcome of a single TX / RX cycle.
type PingResult struct {
	ID              uuid.UUID       `db:"id"`
	SessionID       uuid.UUID       `db:"session_id"`
	CreatedAt       time.Time       `db:"created_at"`
	Iteration       uint32          `db:"iteration"`
	FCnt            uint32          `db:"f_cnt"`
	DevAddr         lorawan.DevAddr `db:"dev_addr"`
	DownlinkKind    DownlinkKind    `db:"downlink_kind"`
	Message         *string         `db:"message"`
	RSSI            int             `db:"rssi"`
	PacketRSSI      int             `db:"packet_rssi"`
	SNR             float64         `db:"snr"`
	Frequency       uint32          `db:"frequency"`
	SpreadingFactor int             `db:"spreading_factor"`
}

// CreatePingResult creates the given ping result.
func CreatePingResult(ctx context.Context, db sqlx.Execer, pr *PingResult) error {
	if pr.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return errors.Wrap(err, "new uuid v4 error")
		}
		pr.ID = id
	}

	if pr.CreatedAt.IsZero() {
		pr.CreatedAt = time.Now()
	}

	_, err := db.Exec(`
		insert into ping_result (
			id,
			session_id,
			created_at,
			iteration,
			f_cnt,
			dev_addr,
			downlink_kind,
			message,
			rssi,
			packet_rssi,
			snr,
			frequency,
			spreading_factor
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		pr.ID,
		pr.SessionID,
		pr.CreatedAt,
		pr.Iteration,
		pr.FCnt,
		pr.DevAddr[:],
		pr.DownlinkKind,
		pr.Message,
		pr.RSSI,
		pr.PacketRSSI,
		pr.SNR,
		pr.Frequency,
		pr.SpreadingFactor,
	)
	if err != nil {
		return handlePSQLError(err, "insert error")
	}

	log.WithFields(log.Fields{
		"id":            pr.ID,
		"session_id":    pr.SessionID,
		"iteration":     pr.Iteration,
		"downlink_kind": pr.DownlinkKind,
		"ctx_id":        ctx.Value(logging.ContextIDKey),
	}).Info("storage: ping result created")

	return nil
}

// GetPingResultsForSession returns the ping results of the given session,
// ordered by iteration.
func GetPingResultsForSession(ctx context.Context, db sqlx.Queryer, sessionID uuid.UUID) ([]PingResult, error) {
	var items []PingResult
	err := sqlx.Select(db, &items, `
		select
			*
		from
			ping_result
		where
			session_id = $1
		order by
			iteration`,
		sessionID,
	)
	if err != nil {
		return nil, handlePSQLError(err, "select error")
	}

	return items, nil
}

// GetPingResultCount returns the number of ping results of the given session.
func GetPingResultCount(ctx context.Context, db sqlx.Queryer, sessionID uuid.UUID) (int, error) {
	var count int
	err := sqlx.Get(db, &count, `
		select
			count(*)
		from
			ping_result
		where
			session_id = $1`,
		sessionID,
	)
	if err != nil {
		return 0, handlePSQLError(err, "select error")
	}

	return count, nil
}
