package main

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// EDCDB reads (and in one place updates) the OpenClinica database directly.
type EDCDB struct {
	db *sql.DB
}

// OpenEDCDB connects to the OpenClinica database.
func OpenEDCDB(ctx context.Context, dsn string) (*EDCDB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping edc db: %w", err)
	}
	return &EDCDB{db: db}, nil
}

func NewEDCDB(db *sql.DB) *EDCDB {
	return &EDCDB{db: db}
}

func (e *EDCDB) Close() error {
	return e.db.Close()
}

// AccountPasswordHash returns the stored password hash of an OpenClinica
// user, or "" when the user does not exist.
func (e *EDCDB) AccountPasswordHash(ctx context.Context, username string) (string, error) {
	rows, err := e.db.QueryContext(ctx,
		`SELECT ua.passwd FROM user_account ua WHERE ua.user_name = $1`, username)
	if err != nil {
		return "", fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	hash := ""
	for rows.Next() {
		var h sql.NullString
		if err := rows.Scan(&h); err != nil {
			return "", fmt.Errorf("db error: %w", err)
		}
		hash = h.String
	}
	return hash, rows.Err()
}

// OCStudyByIdentifier returns nil unless exactly one study carries identifier.
func (e *EDCDB) OCStudyByIdentifier(ctx context.Context, identifier string) (*OCStudy, error) {
	rows, err := e.db.QueryContext(ctx,
		`SELECT s.study_id, s.unique_identifier, s.secondary_identifier, s.name
		 FROM study s
		 LEFT JOIN status st ON st.status_id = s.status_id
		 WHERE s.unique_identifier = $1`, identifier)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var studies []OCStudy
	for rows.Next() {
		var (
			s                       OCStudy
			unique, secondary, name sql.NullString
		)
		if err := rows.Scan(&s.ID, &unique, &secondary, &name); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		s.UniqueIdentifier, s.SecondaryIdentifier, s.Name = unique.String, secondary.String, name.String
		studies = append(studies, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return exactlyOne(studies, "oc study "+identifier), nil
}

const selectOCStudy = `SELECT s.study_id, s.parent_study_id, s.unique_identifier,
	s.secondary_identifier, s.name, s.oc_oid`

type ocStudyRow struct {
	id                             sql.NullInt64
	parentID                       sql.NullInt64
	unique, secondary, name, ocOID sql.NullString
}

func (r *ocStudyRow) study() OCStudy {
	return OCStudy{
		ID:                  int(r.id.Int64),
		UniqueIdentifier:    r.unique.String,
		SecondaryIdentifier: r.secondary.String,
		Name:                r.name.String,
		OCOID:               r.ocOID.String,
	}
}

// UserActiveStudy returns the active study of an OpenClinica user together
// with its parent study when the active one is a site.
func (e *EDCDB) UserActiveStudy(ctx context.Context, username string) (*OCStudy, error) {
	rows, err := e.db.QueryContext(ctx, selectOCStudy+`
		FROM user_account ua
		LEFT JOIN study s ON ua.active_study = s.study_id
		WHERE ua.user_name = $1`, username)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	var found []ocStudyRow
	for rows.Next() {
		var r ocStudyRow
		if err := rows.Scan(&r.id, &r.parentID, &r.unique, &r.secondary, &r.name, &r.ocOID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("db error: %w", err)
		}
		found = append(found, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	if len(found) != 1 {
		return nil, nil
	}

	study := found[0].study()
	if found[0].parentID.Valid {
		var p ocStudyRow
		err := e.db.QueryRowContext(ctx, selectOCStudy+`
			FROM study s WHERE s.study_id = $1`, found[0].parentID.Int64).
			Scan(&p.id, &p.parentID, &p.unique, &p.secondary, &p.name, &p.ocOID)
		switch {
		case err == sql.ErrNoRows:
		case err != nil:
			return nil, fmt.Errorf("db error: %w", err)
		default:
			parent := p.study()
			study.ParentStudy = &parent
		}
	}
	return &study, nil
}

// ChangeUserActiveStudy reports whether exactly one account was updated.
func (e *EDCDB) ChangeUserActiveStudy(ctx context.Context, username string, studyID int) (bool, error) {
	res, err := e.db.ExecContext(ctx,
		`UPDATE user_account SET active_study = $1 WHERE user_name = $2`, studyID, username)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return n == 1, nil
}

// CrfItemQuery addresses one eCRF item value. An empty RepeatKey matches
// every occurrence of the event.
type CrfItemQuery struct {
	StudySiteOID string
	SubjectPID   string
	EventOID     string
	RepeatKey    string
	FormOID      string
	ItemOID      string
}

const selectCrfItemValue = `SELECT id.value
	FROM study_subject ss
	INNER JOIN subject s ON ss.subject_id = s.subject_id
	INNER JOIN study_event se ON ss.study_subject_id = se.study_subject_id
	INNER JOIN study_event_definition sed ON se.study_event_definition_id = sed.study_event_definition_id
	INNER JOIN event_crf ec ON se.study_event_id = ec.study_event_id
	INNER JOIN crf_version cv ON ec.crf_version_id = cv.crf_version_id
	INNER JOIN event_definition_crf edc ON cv.crf_id = edc.crf_id
		AND se.study_event_definition_id = edc.study_event_definition_id
	INNER JOIN item_form_metadata ifm ON cv.crf_version_id = ifm.crf_version_id
	INNER JOIN item i ON ifm.item_id = i.item_id
	LEFT JOIN item_data id ON ec.event_crf_id = id.event_crf_id AND i.item_id = id.item_id
	WHERE ss.study_id = $1
		AND s.unique_identifier = $2
		AND sed.oc_oid = $3
		AND cv.oc_oid = $4
		AND i.oc_oid = $5`

const orderCrfItemValue = `
	ORDER BY ss.study_subject_id, sed.ordinal, se.sample_ordinal, edc.ordinal, id.ordinal, ifm.ordinal`

// CrfItemValue returns the value of the last matching item row, or "".
func (e *EDCDB) CrfItemValue(ctx context.Context, q CrfItemQuery) (string, error) {
	var studyID sql.NullInt64
	err := e.db.QueryRowContext(ctx,
		`SELECT s.study_id FROM study s WHERE s.oc_oid = $1`, q.StudySiteOID).Scan(&studyID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("db error: %w", err)
	}

	query := selectCrfItemValue
	args := []interface{}{studyID.Int64, q.SubjectPID, q.EventOID, q.FormOID, q.ItemOID}
	if q.RepeatKey != "" {
		ordinal, err := strconv.Atoi(q.RepeatKey)
		if err != nil {
			return "", fmt.Errorf("repeat key %q: %w", q.RepeatKey, err)
		}
		query += ` AND se.sample_ordinal = $6`
		args = append(args, ordinal)
	}

	rows, err := e.db.QueryContext(ctx, query+orderCrfItemValue, args...)
	if err != nil {
		return "", fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	value := ""
	for rows.Next() {
		var v sql.NullString
		if err := rows.Scan(&v); err != nil {
			return "", fmt.Errorf("db error: %w", err)
		}
		value = v.String
	}
	return value, rows.Err()
}
