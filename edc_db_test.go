package main

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEDCDBWithMock(t *testing.T) (*EDCDB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewEDCDB(db), mock
}

func TestAccountPasswordHash(t *testing.T) {
	edc, mock := newEDCDBWithMock(t)
	mock.ExpectQuery(`SELECT ua\.passwd FROM user_account ua WHERE ua\.user_name = \$1`).
		WithArgs("ocuser").
		WillReturnRows(sqlmock.NewRows([]string{"passwd"}).AddRow("a94a8fe5ccb19ba61c4c0873d391e987982fbbd3"))

	hash, err := edc.AccountPasswordHash(context.Background(), "ocuser")
	require.NoError(t, err)
	assert.Equal(t, "a94a8fe5ccb19ba61c4c0873d391e987982fbbd3", hash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountPasswordHashUnknownUser(t *testing.T) {
	edc, mock := newEDCDBWithMock(t)
	mock.ExpectQuery(`FROM user_account`).WillReturnRows(sqlmock.NewRows([]string{"passwd"}))

	hash, err := edc.AccountPasswordHash(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, hash)
}

func TestAccountPasswordHashDBError(t *testing.T) {
	edc, mock := newEDCDBWithMock(t)
	mock.ExpectQuery(`FROM user_account`).WillReturnError(errors.New("db down"))

	_, err := edc.AccountPasswordHash(context.Background(), "ocuser")
	assert.ErrorContains(t, err, "db down")
}

func TestOCStudyByIdentifier(t *testing.T) {
	edc, mock := newEDCDBWithMock(t)
	mock.ExpectQuery(`(?s)FROM study s\s+LEFT JOIN status st .*WHERE s\.unique_identifier = \$1`).
		WithArgs("HNPRIME").
		WillReturnRows(sqlmock.NewRows([]string{"study_id", "unique_identifier", "secondary_identifier", "name"}).
			AddRow(7, "HNPRIME", nil, "Head and neck"))

	s, err := edc.OCStudyByIdentifier(context.Background(), "HNPRIME")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, 7, s.ID)
	assert.Equal(t, "Head and neck", s.Name)
	assert.Empty(t, s.SecondaryIdentifier)
}

func TestOCStudyByIdentifierAmbiguous(t *testing.T) {
	edc, mock := newEDCDBWithMock(t)
	mock.ExpectQuery(`FROM study s`).
		WillReturnRows(sqlmock.NewRows([]string{"study_id", "unique_identifier", "secondary_identifier", "name"}).
			AddRow(7, "X", "", "a").
			AddRow(8, "X", "", "b"))

	s, err := edc.OCStudyByIdentifier(context.Background(), "X")
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestUserActiveStudyWithParent(t *testing.T) {
	edc, mock := newEDCDBWithMock(t)
	cols := []string{"study_id", "parent_study_id", "unique_identifier", "secondary_identifier", "name", "oc_oid"}
	mock.ExpectQuery(`FROM user_account ua\s+LEFT JOIN study s ON ua\.active_study = s\.study_id`).
		WithArgs("ocuser").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(12, 7, "HNPRIME-DD", "", "Dresden", "S_DD"))
	mock.ExpectQuery(`FROM study s WHERE s\.study_id = \$1`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(7, nil, "HNPRIME", "", "Head and neck", "S_HNPRIME"))

	s, err := edc.UserActiveStudy(context.Background(), "ocuser")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "S_DD", s.OCOID)
	require.NotNil(t, s.ParentStudy)
	assert.Equal(t, "S_HNPRIME", s.ParentStudy.OCOID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserActiveStudyNoParent(t *testing.T) {
	edc, mock := newEDCDBWithMock(t)
	cols := []string{"study_id", "parent_study_id", "unique_identifier", "secondary_identifier", "name", "oc_oid"}
	mock.ExpectQuery(`FROM user_account ua`).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(7, nil, "HNPRIME", "", "Head and neck", "S_HNPRIME"))

	s, err := edc.UserActiveStudy(context.Background(), "ocuser")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Nil(t, s.ParentStudy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChangeUserActiveStudy(t *testing.T) {
	edc, mock := newEDCDBWithMock(t)
	mock.ExpectExec(`UPDATE user_account SET active_study = \$1 WHERE user_name = \$2`).
		WithArgs(12, "ocuser").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE user_account`).
		WithArgs(12, "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := edc.ChangeUserActiveStudy(context.Background(), "ocuser", 12)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = edc.ChangeUserActiveStudy(context.Background(), "ghost", 12)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCrfItemValueTakesLastRow(t *testing.T) {
	edc, mock := newEDCDBWithMock(t)
	mock.ExpectQuery(`SELECT s\.study_id FROM study s WHERE s\.oc_oid = \$1`).
		WithArgs("S_DD").
		WillReturnRows(sqlmock.NewRows([]string{"study_id"}).AddRow(12))
	mock.ExpectQuery(`(?s)SELECT id\.value\s+FROM study_subject ss.*AND se\.sample_ordinal = \$6\s+ORDER BY`).
		WithArgs(int64(12), "DD-1234", "SE_BASELINE", "F_CT_V1", "I_CT_STUDYUID", 2).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("1.2.3").AddRow("1.2.3.9"))

	v, err := edc.CrfItemValue(context.Background(), CrfItemQuery{
		StudySiteOID: "S_DD",
		SubjectPID:   "DD-1234",
		EventOID:     "SE_BASELINE",
		RepeatKey:    "2",
		FormOID:      "F_CT_V1",
		ItemOID:      "I_CT_STUDYUID",
	})
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.9", v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCrfItemValueWithoutRepeatKey(t *testing.T) {
	edc, mock := newEDCDBWithMock(t)
	mock.ExpectQuery(`SELECT s\.study_id FROM study s`).
		WillReturnRows(sqlmock.NewRows([]string{"study_id"}).AddRow(12))
	mock.ExpectQuery(`AND i\.oc_oid = \$5\s+ORDER BY`).
		WithArgs(int64(12), "DD-1234", "SE_BASELINE", "F_CT_V1", "I_CT_STUDYUID").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(nil))

	v, err := edc.CrfItemValue(context.Background(), CrfItemQuery{
		StudySiteOID: "S_DD", SubjectPID: "DD-1234", EventOID: "SE_BASELINE",
		FormOID: "F_CT_V1", ItemOID: "I_CT_STUDYUID",
	})
	require.NoError(t, err)
	assert.Empty(t, v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCrfItemValueUnknownStudy(t *testing.T) {
	edc, mock := newEDCDBWithMock(t)
	mock.ExpectQuery(`SELECT s\.study_id FROM study s`).
		WillReturnRows(sqlmock.NewRows([]string{"study_id"}))

	v, err := edc.CrfItemValue(context.Background(), CrfItemQuery{StudySiteOID: "S_NONE"})
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestCrfItemValueBadRepeatKey(t *testing.T) {
	edc, mock := newEDCDBWithMock(t)
	mock.ExpectQuery(`SELECT s\.study_id FROM study s`).
		WillReturnRows(sqlmock.NewRows([]string{"study_id"}).AddRow(12))

	_, err := edc.CrfItemValue(context.Background(), CrfItemQuery{StudySiteOID: "S_DD", RepeatKey: "first"})
	assert.Error(t, err)
}
