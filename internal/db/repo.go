package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"oncoroom-relay/internal/core"
	"oncoroom-relay/pkg"
)

// Repository wraps the Postgres tables used by the relay: patient metadata
// (read only), the message archive and the latest analysis per session.
// It implements core.PatientStore, core.Archive and core.ResultSink.
type Repository struct {
	DB       *sql.DB
	Notifier *Notifier
}

// NewRepository constructs a new Repository from an existing sql.DB.
// The caller is responsible for managing the DB connection lifecycle.
// notifier may be nil.
func NewRepository(db *sql.DB, notifier *Notifier) *Repository {
	return &Repository{DB: db, Notifier: notifier}
}

// Ping verifies the database is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.DB.PingContext(ctx)
}

// FetchPatient loads the client_info row for patientID.
func (r *Repository) FetchPatient(ctx context.Context, patientID string) (*pkg.PatientRecord, error) {
	var p pkg.PatientRecord
	err := r.DB.QueryRowContext(ctx,
		`SELECT patient_id,
                COALESCE(nome_paciente, ''), COALESCE(sexo, ''), COALESCE(idade, 0),
                COALESCE(diagnostico_data, ''), COALESCE(tipo_cancer, ''), COALESCE(estadiamento, ''),
                COALESCE(cirurgia_data, ''), COALESCE(quimioterapia_inicio, ''), COALESCE(radioterapia_inicio, ''),
                COALESCE(ultima_consulta, ''), COALESCE(proxima_consulta, ''), COALESCE(status_jornada, ''),
                alerta_atraso, COALESCE(atraso_etapa, '')
         FROM client_info
         WHERE patient_id = $1`,
		patientID,
	).Scan(&p.PatientID,
		&p.Name, &p.Sex, &p.Age,
		&p.DiagnosisDate, &p.CancerType, &p.Staging,
		&p.SurgeryDate, &p.ChemotherapyStart, &p.RadiotherapyStart,
		&p.LastAppointment, &p.NextAppointment, &p.JourneyStatus,
		&p.DelayAlert, &p.DelayedStage)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", core.ErrPatientNotFound, patientID)
		}
		return nil, err
	}
	return &p, nil
}

// SaveMessage archives a relayed message.  Re-archiving the same
// (session, seq) pair is ignored.
func (r *Repository) SaveMessage(ctx context.Context, m core.ArchivedMessage) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO messages (session_hash, patient_id, seq, role, content)
         VALUES ($1, $2, $3, $4, $5)
         ON CONFLICT (session_hash, seq) DO NOTHING`,
		m.Token, m.PatientID, m.Seq, m.Role.String(), m.Content,
	)
	return err
}

// PatientMessages returns every archived message for a patient across
// sessions, oldest first.
func (r *Repository) PatientMessages(ctx context.Context, patientID string) ([]core.Entry, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT role, content
         FROM messages
         WHERE patient_id = $1
         ORDER BY created_at ASC, seq ASC`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.Entry
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return nil, err
		}
		parsed, err := core.ParseRole(role)
		if err != nil {
			return nil, err
		}
		out = append(out, core.Entry{Role: parsed, Content: content})
	}
	return out, rows.Err()
}

// SaveAnalysis stores the analysis for a session unless a newer one (higher
// seq) is already stored, then announces it on the notify channel.
func (r *Repository) SaveAnalysis(ctx context.Context, token, patientID string, seq int, result json.RawMessage) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO analyses (session_hash, patient_id, seq, result, updated_at)
         VALUES ($1, $2, $3, $4, NOW())
         ON CONFLICT (session_hash) DO UPDATE
         SET patient_id = EXCLUDED.patient_id,
             seq = EXCLUDED.seq,
             result = EXCLUDED.result,
             updated_at = NOW()
         WHERE analyses.seq <= EXCLUDED.seq`,
		token, patientID, seq, []byte(result),
	)
	if err != nil {
		return err
	}
	if r.Notifier != nil {
		return r.Notifier.Notify(ctx, token)
	}
	return nil
}

// LatestAnalysis returns the stored analysis and its seq for a session, or
// nil when none exists.
func (r *Repository) LatestAnalysis(ctx context.Context, token string) (json.RawMessage, int, error) {
	var (
		raw []byte
		seq int
	)
	err := r.DB.QueryRowContext(ctx,
		`SELECT result, seq FROM analyses WHERE session_hash = $1`, token,
	).Scan(&raw, &seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return json.RawMessage(raw), seq, nil
}
