package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/coneno/logger"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"radplanbio-rest/conquest"
	"radplanbio-rest/dicomweb"
	"radplanbio-rest/edc"
	"radplanbio-rest/ingest"
)

// importPollInterval is the Healthcare operation polling period after a
// GCS upload.
const importPollInterval = 2 * time.Second

// dicomwebStorer sends files to a Healthcare DICOM store. STOW-RS has no
// transfer syntax negotiation, so both attempts send the file as is.
type dicomwebStorer struct {
	client *dicomweb.Client
}

func (s dicomwebStorer) Store(ctx context.Context, path string, _ ingest.StoreOptions) error {
	return s.client.StoreFile(ctx, path)
}

// closers collects release funcs run at shutdown in reverse order.
type closers []func()

func (c *closers) add(f func()) { *c = append(*c, f) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func healthcareClient(ctx context.Context, conf Config) (*dicomweb.Client, error) {
	if conf.HealthcareStoreID == "" {
		return nil, nil
	}
	return dicomweb.NewClient(ctx, conf.ProjectID, conf.HealthcareLocation, conf.HealthcareDatasetID, conf.HealthcareStoreID)
}

// newImportTarget builds the folder-copy target for conf.ImportURI.
func newImportTarget(ctx context.Context, conf Config, dw *dicomweb.Client, cl *closers) (ingest.ImportTarget, error) {
	scheme, bucket, prefix, err := ingest.SplitBucketURI(conf.ImportURI)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "":
		if err := os.MkdirAll(prefix, 0o755); err != nil {
			return nil, fmt.Errorf("import dir: %w", err)
		}
		return ingest.LocalFolder{Dir: prefix}, nil
	case "gs":
		st, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("storage.NewClient: %w", err)
		}
		cl.add(func() {
			if err := st.Close(); err != nil {
				logger.Error.Printf("error closing storage client: %v", err)
			}
		})
		target := ingest.NewGCSFolder(st, bucket, prefix)
		if dw != nil {
			target.AfterUpload = func(ctx context.Context, uri string) error {
				op, err := dw.ImportFromGCS(ctx, uri)
				if err != nil {
					return err
				}
				return dw.WaitForOperation(ctx, op, importPollInterval)
			}
		}
		return target, nil
	case "s3":
		return ingest.NewS3Folder(ctx, conf.S3, bucket, prefix)
	default:
		return nil, fmt.Errorf("unsupported import uri scheme %q", scheme)
	}
}

func newIngestPipeline(ctx context.Context, conf Config, archive ingest.Archive, cl *closers) (*ingest.Pipeline, error) {
	deps := ingest.Deps{Archive: archive}
	if conf.Correct {
		deps.Corrector = ingest.NewToolCorrector(conf.CorrectCommand, conf.CorrectTimeout)
	}

	dw, err := healthcareClient(ctx, conf)
	if err != nil {
		return nil, err
	}
	if conf.DirectStore {
		if conf.StoreMode == StoreModeDICOMWeb {
			deps.Storer = dicomwebStorer{client: dw}
		} else {
			scu := conf.StoreSCU
			deps.Storer = &scu
		}
	} else {
		deps.Importer, err = newImportTarget(ctx, conf, dw, cl)
		if err != nil {
			return nil, err
		}
	}

	for _, dir := range []string{conf.TempDir, conf.CorrectedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("working dir: %w", err)
		}
	}
	return ingest.NewPipeline(ingest.Settings{
		TempDir:        conf.TempDir,
		CorrectedDir:   conf.CorrectedDir,
		Correct:        conf.Correct,
		Verify:         conf.Verify,
		VerifyAttempts: conf.VerifyAttempts,
		VerifyInterval: conf.VerifyInterval,
		DirectStore:    conf.DirectStore,
	}, deps)
}

func newStudyLocker(conf Config, cl *closers) StudyLocker {
	if conf.RedisAddr == "" {
		return newLocalStudyLocker()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     conf.RedisAddr,
		Password: conf.RedisPassword,
		DB:       conf.RedisDB,
	})
	cl.add(func() {
		if err := client.Close(); err != nil {
			logger.Error.Printf("error closing redis client: %v", err)
		}
	})
	logger.Info.Printf("study locks shared through redis at %s", conf.RedisAddr)
	return newRedisStudyLocker(client, conf.LockTTL)
}

func main() {
	hashPassword := flag.String("hash-password", "", "print the bcrypt hash of a local account password and exit")
	flag.Parse()
	if *hashPassword != "" {
		hash, err := HashPassword(*hashPassword)
		if err != nil {
			logger.Error.Fatalf("failed to hash password: %v", err)
		}
		fmt.Println(hash)
		return
	}

	ctx := context.Background()
	conf, err := LoadConfig(ctx)
	if err != nil {
		logger.Error.Fatalf("failed to load config: %v", err)
	}
	logger.SetLevel(conf.LogLevel)
	if !conf.GinDebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	var cl closers
	defer cl.run()

	rpb, err := NewRPBDB(conf.DB.DSN())
	if err != nil {
		logger.Error.Fatalf("failed to open %s: %v", conf.DB, err)
	}
	cl.add(func() {
		if err := rpb.Close(); err != nil {
			logger.Error.Printf("error closing database: %v", err)
		}
	})
	if conf.MigrateDB {
		if err := rpb.RunMigrations(ctx); err != nil {
			logger.Error.Fatalf("failed to migrate %s: %v", conf.DB, err)
		}
	}

	h := &Handlers{
		Cfg:   conf,
		DB:    rpb,
		Sites: Pseudonyms{Separator: conf.PseudonymSeparator},
	}
	var edcPasswords EDCPasswordSource
	if conf.EDCDBEnabled {
		edcDB, err := OpenEDCDB(ctx, conf.EDCDB.DSN())
		if err != nil {
			logger.Error.Fatalf("failed to open EDC database %s: %v", conf.EDCDB, err)
		}
		cl.add(func() {
			if err := edcDB.Close(); err != nil {
				logger.Error.Printf("error closing EDC database: %v", err)
			}
		})
		h.EDC = edcDB
		edcPasswords = edcDB
	}
	h.Auth = NewCredentialVerifier(rpb, edcPasswords)

	archive := conquest.NewClient(conf.InsecureTLS, conf.HTTPTimeout)
	h.Archive = archive
	h.EDCAPI = edcClientFactory{httpClient: edc.NewHTTPClient(conf.Proxy, conf.InsecureTLS, conf.HTTPTimeout)}
	h.Locks = newStudyLocker(conf, &cl)

	pipeline, err := newIngestPipeline(ctx, conf, archive, &cl)
	if err != nil {
		logger.Error.Fatalf("failed to init ingest pipeline: %v", err)
	}
	h.Ingest = pipeline

	for _, dir := range []string{conf.DownloadDir, conf.UnzipDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Error.Fatalf("failed to create %s: %v", dir, err)
		}
	}

	server := &http.Server{
		Addr:    ":" + conf.Port,
		Handler: newRouter(h),
	}

	go func() {
		logger.Info.Printf("RadPlanBio REST server listening on %s (tls=%v)", server.Addr, conf.TLSCertFile != "")
		var err error
		if conf.TLSCertFile != "" {
			err = server.ListenAndServeTLS(conf.TLSCertFile, conf.TLSKeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error.Fatalf("server failed: %v", err)
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info.Println("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error.Printf("server shutdown error: %v", err)
	}
}
