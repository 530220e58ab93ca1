package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fieldtrace/fieldtrace/internal/models"
	"github.com/fieldtrace/fieldtrace/internal/services"
)

// SQLiteStore persists interviews, paradata, prefilled responses and
// participants. The answer trees are stored as JSON text columns so a partial
// update can replace one tree without touching the others.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("apply sqlite pragma %q: %w", stmt, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func encodeTree(tree map[string]any) (sql.NullString, error) {
	if tree == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(tree)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeTree(ns sql.NullString) (map[string]any, error) {
	if !ns.Valid || strings.TrimSpace(ns.String) == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(ns.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func flagToNull(v *bool) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	n := int64(0)
	if *v {
		n = 1
	}
	return sql.NullInt64{Int64: n, Valid: true}
}

func nullToFlag(ns sql.NullInt64) *bool {
	if !ns.Valid {
		return nil
	}
	return models.Bool(ns.Int64 != 0)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// --- Interviews ---

const interviewColumns = `id, participant_id, survey_id, response, validations, corrected_response, audits,
      is_active, is_completed, is_valid, is_frozen, created_at, updated_at`

func (s *SQLiteStore) GetInterviewByID(id string) (*models.Interview, error) {
	if strings.TrimSpace(id) == "" {
		return nil, nil
	}
	row := s.db.QueryRow(`SELECT `+interviewColumns+` FROM interviews WHERE id = ?`, id)
	iv, err := scanInterview(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return iv, err
}

func scanInterview(row *sql.Row) (*models.Interview, error) {
	var iv models.Interview
	var response, validations, corrected, audits sql.NullString
	var isActive, isCompleted, isValid, isFrozen sql.NullInt64
	var created, updated string
	err := row.Scan(&iv.ID, &iv.ParticipantID, &iv.SurveyID, &response, &validations, &corrected, &audits,
		&isActive, &isCompleted, &isValid, &isFrozen, &created, &updated)
	if err != nil {
		return nil, err
	}
	if iv.Response, err = decodeTree(response); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if iv.Validations, err = decodeTree(validations); err != nil {
		return nil, fmt.Errorf("decode validations: %w", err)
	}
	if iv.CorrectedResponse, err = decodeTree(corrected); err != nil {
		return nil, fmt.Errorf("decode corrected_response: %w", err)
	}
	if audits.Valid && strings.TrimSpace(audits.String) != "" {
		if err := json.Unmarshal([]byte(audits.String), &iv.Audits); err != nil {
			return nil, fmt.Errorf("decode audits: %w", err)
		}
	}
	iv.IsActive = nullToFlag(isActive)
	iv.IsCompleted = nullToFlag(isCompleted)
	iv.IsValid = nullToFlag(isValid)
	iv.IsFrozen = nullToFlag(isFrozen)
	iv.CreatedAt = parseTime(created)
	iv.UpdatedAt = parseTime(updated)
	return &iv, nil
}

func (s *SQLiteStore) CreateInterview(iv *models.Interview) error {
	if iv == nil || strings.TrimSpace(iv.ID) == "" {
		return errors.New("invalid interview")
	}
	response, err := encodeTree(iv.Response)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	validations, err := encodeTree(iv.Validations)
	if err != nil {
		return fmt.Errorf("encode validations: %w", err)
	}
	now := time.Now().UTC()
	created, updated := iv.CreatedAt, iv.UpdatedAt
	if created.IsZero() {
		created = now
	}
	if updated.IsZero() {
		updated = now
	}
	_, err = s.db.Exec(`INSERT INTO interviews (`+interviewColumns+`)
      VALUES (?, ?, ?, ?, ?, NULL, NULL, ?, ?, ?, ?, ?, ?)`,
		iv.ID, iv.ParticipantID, iv.SurveyID, response, validations,
		flagToNull(iv.IsActive), flagToNull(iv.IsCompleted), flagToNull(iv.IsValid), flagToNull(iv.IsFrozen),
		formatTime(created), formatTime(updated))
	return err
}

// interviewUpdateColumns maps an updatable field name to its encoder. Fields
// outside this map are rejected rather than silently dropped.
var interviewUpdateColumns = map[string]func(v any) (any, error){
	models.FieldResponse:          encodeTreeField,
	models.FieldValidations:       encodeTreeField,
	models.FieldCorrectedResponse: encodeTreeField,
	models.FieldAudits:            encodeAuditsField,
	models.FieldIsActive:          encodeFlagField,
	models.FieldIsCompleted:       encodeFlagField,
	models.FieldIsValid:           encodeFlagField,
	models.FieldIsFrozen:          encodeFlagField,
}

func encodeTreeField(v any) (any, error) {
	tree, ok := v.(map[string]any)
	if !ok && v != nil {
		return nil, fmt.Errorf("expected object, got %T", v)
	}
	return encodeTree(tree)
}

func encodeAuditsField(v any) (any, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func encodeFlagField(v any) (any, error) {
	switch f := v.(type) {
	case nil:
		return sql.NullInt64{}, nil
	case *bool:
		return flagToNull(f), nil
	case bool:
		return flagToNull(models.Bool(f)), nil
	default:
		return nil, fmt.Errorf("expected bool, got %T", v)
	}
}

// UpdateInterview writes only the named fields; columns not in fields keep
// their stored value. updated_at is bumped on every write.
func (s *SQLiteStore) UpdateInterview(id string, fields map[string]any) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", errors.New("interview id required")
	}
	if len(fields) == 0 {
		return id, nil
	}
	set := make([]string, 0, len(fields)+1)
	args := make([]any, 0, len(fields)+2)
	for name, value := range fields {
		encode, ok := interviewUpdateColumns[name]
		if !ok {
			return "", fmt.Errorf("unknown interview field %q", name)
		}
		encoded, err := encode(value)
		if err != nil {
			return "", fmt.Errorf("encode %s: %w", name, err)
		}
		set = append(set, name+" = ?")
		args = append(args, encoded)
	}
	set = append(set, "updated_at = ?")
	args = append(args, formatTime(time.Now()))
	args = append(args, id)

	res, err := s.db.Exec(`UPDATE interviews SET `+strings.Join(set, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return "", err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return "", services.NewNotFoundError("interview not found")
	}
	return id, nil
}

func (s *SQLiteStore) ListInterviewsByParticipant(participantID string) ([]*models.Interview, error) {
	rows, err := s.db.Query(`SELECT id FROM interviews WHERE participant_id = ? ORDER BY created_at ASC`, participantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]*models.Interview, 0, len(ids))
	for _, id := range ids {
		iv, err := s.GetInterviewByID(id)
		if err != nil {
			return nil, err
		}
		if iv != nil {
			out = append(out, iv)
		}
	}
	return out, nil
}

// --- Paradata ---

func (s *SQLiteStore) LogEvent(ev *models.ParadataEvent) error {
	if ev == nil {
		return errors.New("nil paradata event")
	}
	data, err := json.Marshal(ev.EventData)
	if err != nil {
		return fmt.Errorf("encode event data: %w", err)
	}
	forCorrection := 0
	if ev.ForCorrection {
		forCorrection = 1
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	var userID sql.NullString
	if strings.TrimSpace(ev.UserID) != "" {
		userID = sql.NullString{String: ev.UserID, Valid: true}
	}
	_, err = s.db.Exec(`INSERT INTO paradata_events (interview_id, user_id, event_type, event_data, for_correction, ts)
      VALUES (?, ?, ?, ?, ?, ?)`,
		ev.InterviewID, userID, ev.EventType, string(data), forCorrection, formatTime(ts))
	return err
}

func (s *SQLiteStore) ListEventsByInterview(interviewID string) ([]*models.ParadataEvent, error) {
	rows, err := s.db.Query(`SELECT interview_id, user_id, event_type, event_data, for_correction, ts
      FROM paradata_events WHERE interview_id = ? ORDER BY id ASC`, interviewID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*models.ParadataEvent
	for rows.Next() {
		var ev models.ParadataEvent
		var userID sql.NullString
		var data string
		var forCorrection int64
		var ts string
		if err := rows.Scan(&ev.InterviewID, &userID, &ev.EventType, &data, &forCorrection, &ts); err != nil {
			return nil, err
		}
		ev.UserID = userID.String
		ev.ForCorrection = forCorrection != 0
		ev.Timestamp = parseTime(ts)
		if strings.TrimSpace(data) != "" {
			if err := json.Unmarshal([]byte(data), &ev.EventData); err != nil {
				return nil, fmt.Errorf("decode event data: %w", err)
			}
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// --- Prefilled responses ---

func (s *SQLiteStore) GetPrefilledByReference(ref string) (map[string]services.PrefilledValue, error) {
	rows, err := s.db.Query(`SELECT field_path, value, action_if_present FROM prefilled_responses WHERE reference = ?`, ref)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := map[string]services.PrefilledValue{}
	for rows.Next() {
		var fieldPath, raw string
		var action sql.NullString
		if err := rows.Scan(&fieldPath, &raw, &action); err != nil {
			return nil, err
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fmt.Errorf("decode prefilled value for %s: %w", fieldPath, err)
		}
		out[fieldPath] = services.PrefilledValue{Value: value, ActionIfPresent: action.String}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func (s *SQLiteStore) SetPrefilledForReference(ref string, values map[string]services.PrefilledValue) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	// The new set replaces the previous one wholesale: rows absent from the
	// incoming map must not survive.
	if _, err := tx.Exec(`DELETE FROM prefilled_responses WHERE reference = ?`, ref); err != nil {
		return err
	}
	for fieldPath, entry := range values {
		raw, err := json.Marshal(entry.Value)
		if err != nil {
			return fmt.Errorf("encode prefilled value for %s: %w", fieldPath, err)
		}
		var action sql.NullString
		if strings.TrimSpace(entry.ActionIfPresent) != "" {
			action = sql.NullString{String: entry.ActionIfPresent, Valid: true}
		}
		_, err = tx.Exec(`INSERT INTO prefilled_responses (reference, field_path, value, action_if_present)
          VALUES (?, ?, ?, ?)`,
			ref, fieldPath, string(raw), action)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// --- Participants ---

func (s *SQLiteStore) FindParticipantByEmail(email string) (*services.Participant, error) {
	row := s.db.QueryRow(`SELECT id, email, access_code_hash, created_at FROM participants WHERE email = ?`, email)
	var p services.Participant
	var created string
	if err := row.Scan(&p.ID, &p.Email, &p.AccessCodeHash, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	p.CreatedAt = parseTime(created)
	return &p, nil
}

func (s *SQLiteStore) AddParticipant(p *services.Participant) error {
	if p == nil || strings.TrimSpace(p.ID) == "" {
		return errors.New("invalid participant")
	}
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO participants (id, email, access_code_hash, created_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.Email, p.AccessCodeHash, formatTime(created))
	return err
}
