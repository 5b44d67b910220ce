package consultation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/scof256/hellodoctor-sub007/internal/intake"
)

// Repository persists consultations: an append-only message list and a
// single mutable medical-record row per session.
type Repository interface {
	Create(ctx context.Context, c *Consultation) error
	GetByID(ctx context.Context, id uuid.UUID) (*Consultation, error)
	SaveState(ctx context.Context, c *Consultation) error
	AppendTurn(ctx context.Context, consultationID uuid.UUID, user, assistant StoredMessage) error
	FindTurn(ctx context.Context, consultationID uuid.UUID, clientMessageID string) (*RecordedTurn, error)
}

type postgresRepo struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &postgresRepo{db: db}
}

func (r *postgresRepo) Create(ctx context.Context, c *Consultation) error {
	dataJSON, err := json.Marshal(c.MedicalData)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	query := `
		INSERT INTO consultations (id, patient_id, medical_data, status, booking_status, appointment_at, handover_reported_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = r.db.ExecContext(ctx, query,
		c.ID, c.PatientID, dataJSON, c.Status, c.Booking, c.AppointmentAt, c.HandoverReportedAt, c.CreatedAt, c.UpdatedAt)
	return err
}

func (r *postgresRepo) GetByID(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	query := `SELECT id, patient_id, medical_data, status, booking_status, appointment_at, handover_reported_at, created_at, updated_at
		FROM consultations WHERE id = $1`

	var c Consultation
	var dataJSON []byte
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&c.ID,
		&c.PatientID,
		&dataJSON,
		&c.Status,
		&c.Booking,
		&c.AppointmentAt,
		&c.HandoverReportedAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &c.MedicalData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal medical data: %w", err)
		}
	}

	history, err := r.loadHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	c.History = history
	return &c, nil
}

func (r *postgresRepo) loadHistory(ctx context.Context, id uuid.UUID) ([]StoredMessage, error) {
	query := `SELECT id, COALESCE(client_message_id, ''), role, content, agent, images, created_at
		FROM consultation_messages WHERE consultation_id = $1 ORDER BY seq`
	rows, err := r.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []StoredMessage
	for rows.Next() {
		var m StoredMessage
		var agent string
		var imagesJSON []byte
		if err := rows.Scan(&m.ID, &m.ClientMessageID, &m.Role, &m.Content, &agent, &imagesJSON, &m.Timestamp); err != nil {
			return nil, err
		}
		m.Agent = intake.AgentRole(agent)
		if len(imagesJSON) > 0 {
			if err := json.Unmarshal(imagesJSON, &m.Images); err != nil {
				return nil, fmt.Errorf("failed to unmarshal images: %w", err)
			}
		}
		history = append(history, m)
	}
	return history, rows.Err()
}

func (r *postgresRepo) SaveState(ctx context.Context, c *Consultation) error {
	dataJSON, err := json.Marshal(c.MedicalData)
	if err != nil {
		return err
	}
	c.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE consultations SET
			medical_data = $2,
			status = $3,
			booking_status = $4,
			appointment_at = $5,
			handover_reported_at = $6,
			updated_at = $7
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query,
		c.ID, dataJSON, c.Status, c.Booking, c.AppointmentAt, c.HandoverReportedAt, c.UpdatedAt)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendTurn stores the user message and the reply in one transaction. A
// client message id seen before yields ErrDuplicateMessage.
func (r *postgresRepo) AppendTurn(ctx context.Context, consultationID uuid.UUID, user, assistant StoredMessage) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := insertMessage(ctx, tx, consultationID, user, uuid.Nil); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateMessage
		}
		return err
	}
	if err := insertMessage(ctx, tx, consultationID, assistant, user.ID); err != nil {
		return err
	}
	return tx.Commit()
}

func insertMessage(ctx context.Context, tx *sql.Tx, consultationID uuid.UUID, m StoredMessage, replyTo uuid.UUID) error {
	images := m.Images
	if images == nil {
		images = []string{}
	}
	imagesJSON, err := json.Marshal(images)
	if err != nil {
		return err
	}
	var clientID, replyID any
	if m.ClientMessageID != "" {
		clientID = m.ClientMessageID
	}
	if replyTo != uuid.Nil {
		replyID = replyTo
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO consultation_messages (id, consultation_id, role, content, agent, images, client_message_id, reply_to, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = tx.ExecContext(ctx, query,
		m.ID, consultationID, m.Role, m.Content, string(m.Agent), imagesJSON, clientID, replyID, m.Timestamp)
	return err
}

func (r *postgresRepo) FindTurn(ctx context.Context, consultationID uuid.UUID, clientMessageID string) (*RecordedTurn, error) {
	query := `
		SELECT u.id, a.content, a.agent
		FROM consultation_messages u
		JOIN consultation_messages a ON a.reply_to = u.id
		WHERE u.consultation_id = $1 AND u.client_message_id = $2
	`
	var t RecordedTurn
	var agent string
	err := r.db.QueryRowContext(ctx, query, consultationID, clientMessageID).Scan(&t.UserMessageID, &t.Reply, &agent)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.Agent = intake.AgentRole(agent)
	return &t, nil
}
