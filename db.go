package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/coneno/logger"
	"github.com/pressly/goose/v3"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"radplanbio-rest/migrations"
)

// RPBDB wraps the local RadPlanBio database: accounts, partner sites,
// studies, eCRF annotations and the other administrative tables.
type RPBDB struct {
	db *gorm.DB
}

// NewRPBDB opens the local database at dsn.
func NewRPBDB(dsn string) (*RPBDB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("gorm.Open: %w", err)
	}
	return &RPBDB{db: db}, nil
}

// NewRPBDBFromConn wraps an existing connection pool.
func NewRPBDBFromConn(conn *sql.DB) (*RPBDB, error) {
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: conn}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("gorm.Open: %w", err)
	}
	return &RPBDB{db: db}, nil
}

// SQL exposes the pool, used by migrations.
func (r *RPBDB) SQL() (*sql.DB, error) {
	return r.db.DB()
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations applies the embedded schema migrations.
func (r *RPBDB) RunMigrations(ctx context.Context) error {
	conn, err := r.SQL()
	if err != nil {
		return err
	}
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := gooseUpContext(ctx, conn, "."); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	logger.Info.Printf("RunMigrations: schema up to date")
	return nil
}

// Close releases the underlying connection pool.
func (r *RPBDB) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// withSite preloads a partner site and its endpoint configurations; prefix
// is the association path leading to the site ("" for PartnerSite itself).
func withSite(tx *gorm.DB, prefix string) *gorm.DB {
	for _, rel := range []string{"ServerIE", "Pacs", "Portal", "Pidg", "Edc"} {
		tx = tx.Preload(prefix + rel)
	}
	return tx
}

// exactlyOne mirrors a ".one()" lookup: nil for no match and for several.
func exactlyOne[T any](rows []T, what string) *T {
	switch len(rows) {
	case 1:
		return &rows[0]
	case 0:
		return nil
	default:
		logger.Warning.Printf("exactlyOne: %d rows for %s", len(rows), what)
		return nil
	}
}

// AccountByUsername returns nil without error when no such account exists.
func (r *RPBDB) AccountByUsername(ctx context.Context, username string) (*Account, error) {
	var rows []Account
	tx := withSite(r.db.WithContext(ctx).Preload("PartnerSite"), "PartnerSite.")
	if err := tx.Where("username = ?", username).Limit(2).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("get account (%s): %w", username, err)
	}
	return exactlyOne(rows, "account "+username), nil
}

func (r *RPBDB) AllPartnerSites(ctx context.Context) ([]PartnerSite, error) {
	sites := []PartnerSite{}
	if err := withSite(r.db.WithContext(ctx), "").Order("sitename").Find(&sites).Error; err != nil {
		return nil, fmt.Errorf("list partner sites: %w", err)
	}
	return sites, nil
}

func (r *RPBDB) PartnerSitesExceptName(ctx context.Context, name string) ([]PartnerSite, error) {
	sites := []PartnerSite{}
	err := withSite(r.db.WithContext(ctx), "").
		Where("sitename <> ?", name).
		Order("sitename").
		Find(&sites).Error
	if err != nil {
		return nil, fmt.Errorf("list partner sites except %s: %w", name, err)
	}
	return sites, nil
}

func (r *RPBDB) PartnerSiteByName(ctx context.Context, name string) (*PartnerSite, error) {
	return r.partnerSiteWhere(ctx, "sitename = ?", name)
}

// PartnerSiteByIdentifier looks a site up by its pseudonym prefix.
func (r *RPBDB) PartnerSiteByIdentifier(ctx context.Context, identifier string) (*PartnerSite, error) {
	return r.partnerSiteWhere(ctx, "identifier = ?", identifier)
}

func (r *RPBDB) partnerSiteWhere(ctx context.Context, cond, value string) (*PartnerSite, error) {
	var rows []PartnerSite
	if err := withSite(r.db.WithContext(ctx), "").Where(cond, value).Limit(2).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("get partner site (%s): %w", value, err)
	}
	return exactlyOne(rows, "partner site "+value), nil
}

func (r *RPBDB) StudyByOcIdentifier(ctx context.Context, identifier string) (*Study, error) {
	var rows []Study
	tx := withSite(r.db.WithContext(ctx).Preload("PartnerSite"), "PartnerSite.")
	if err := tx.Where("ocstudyidentifier = ?", identifier).Limit(2).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("get study (%s): %w", identifier, err)
	}
	return exactlyOne(rows, "study "+identifier), nil
}

// CrfFieldAnnotations lists the annotations of a study, restricted to one
// annotation type name unless typeName is empty.
func (r *RPBDB) CrfFieldAnnotations(ctx context.Context, studyID int, typeName string) ([]CrfFieldAnnotation, error) {
	out := []CrfFieldAnnotation{}
	tx := r.db.WithContext(ctx).
		Preload("AnnotationType").
		Preload("Study")
	tx = withSite(tx.Preload("Study.PartnerSite"), "Study.PartnerSite.")
	if typeName != "" {
		tx = tx.Joins("JOIN annotationtype ON annotationtype.id = crffieldannotation.typeid").
			Where("annotationtype.name = ?", typeName)
	}
	if err := tx.Where("crffieldannotation.studyid = ?", studyID).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list annotations of study %d: %w", studyID, err)
	}
	return out, nil
}

func (r *RPBDB) AllRTStructs(ctx context.Context) ([]RTStruct, error) {
	out := []RTStruct{}
	if err := r.db.WithContext(ctx).Preload("StructType").Order("name").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list rt structs: %w", err)
	}
	return out, nil
}

func (r *RPBDB) LatestSoftware(ctx context.Context, name string) (*Software, error) {
	var rows []Software
	err := r.db.WithContext(ctx).
		Preload("Portal").
		Where("name = ? AND latest = ?", name, true).
		Limit(2).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("get latest software (%s): %w", name, err)
	}
	return exactlyOne(rows, "software "+name), nil
}

// AddPullDataRequest stores a request; the site associations are not
// written, only the two foreign keys.
func (r *RPBDB) AddPullDataRequest(ctx context.Context, req *PullDataRequest) error {
	if err := r.db.WithContext(ctx).Omit("SentFromSite", "SentToSite").Create(req).Error; err != nil {
		return fmt.Errorf("create pull data request: %w", err)
	}
	return nil
}

func (r *RPBDB) PullDataRequestsFromSite(ctx context.Context, siteID int) ([]PullDataRequest, error) {
	return r.pullDataRequestsWhere(ctx, "sentfromsiteid = ?", siteID)
}

func (r *RPBDB) PullDataRequestsToSite(ctx context.Context, siteID int) ([]PullDataRequest, error) {
	return r.pullDataRequestsWhere(ctx, "senttositeid = ?", siteID)
}

func (r *RPBDB) pullDataRequestsWhere(ctx context.Context, cond string, siteID int) ([]PullDataRequest, error) {
	out := []PullDataRequest{}
	tx := r.db.WithContext(ctx).Preload("SentFromSite").Preload("SentToSite")
	tx = withSite(withSite(tx, "SentFromSite."), "SentToSite.")
	if err := tx.Where(cond, siteID).Order("created").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list pull data requests: %w", err)
	}
	return out, nil
}
