package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	secretmanagerpb "cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/coneno/logger"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"radplanbio-rest/edc"
	"radplanbio-rest/ingest"
)

const (
	ENV_LOG_LEVEL      = "RPB_LOG_LEVEL"
	ENV_GIN_DEBUG_MODE = "RPB_GIN_DEBUG_MODE"
	ENV_LISTEN_PORT    = "RPB_LISTEN_PORT"
	ENV_TLS_CERT_FILE  = "RPB_TLS_CERT_FILE"
	ENV_TLS_KEY_FILE   = "RPB_TLS_KEY_FILE"
	ENV_CORS_ORIGINS   = "RPB_CORS_ALLOW_ORIGINS"
	ENV_GCP_PROJECT    = "RPB_GCP_PROJECT"

	ENV_DB_HOST     = "RPB_DB_HOST"
	ENV_DB_PORT     = "RPB_DB_PORT"
	ENV_DB_NAME     = "RPB_DB_NAME"
	ENV_DB_USER     = "RPB_DB_USER"
	ENV_DB_PASSWORD = "RPB_DB_PASSWORD"
	ENV_DB_SSLMODE  = "RPB_DB_SSLMODE"
	ENV_DB_MIGRATE  = "RPB_DB_MIGRATE"

	ENV_OCDB_ENABLED  = "RPB_OCDB_ENABLED"
	ENV_OCDB_HOST     = "RPB_OCDB_HOST"
	ENV_OCDB_PORT     = "RPB_OCDB_PORT"
	ENV_OCDB_NAME     = "RPB_OCDB_NAME"
	ENV_OCDB_USER     = "RPB_OCDB_USER"
	ENV_OCDB_PASSWORD = "RPB_OCDB_PASSWORD"
	ENV_OCDB_SSLMODE  = "RPB_OCDB_SSLMODE"

	ENV_TEMP_DIR        = "RPB_TEMP_DIR"
	ENV_CORRECTED_DIR   = "RPB_CORRECTED_DIR"
	ENV_DOWNLOAD_DIR    = "RPB_DOWNLOAD_DIR"
	ENV_UNZIP_DIR       = "RPB_UNZIP_DIR"
	ENV_CORRECT         = "RPB_CORRECT"
	ENV_CORRECT_CMD     = "RPB_CORRECT_COMMAND"
	ENV_CORRECT_TIMEOUT = "RPB_CORRECT_TIMEOUT"
	ENV_VERIFY_IMPORT   = "RPB_VERIFY_IMPORT"
	ENV_VERIFY_ATTEMPTS = "RPB_VERIFY_ATTEMPTS"
	ENV_VERIFY_INTERVAL = "RPB_VERIFY_INTERVAL"
	ENV_UPLOAD_MAX      = "RPB_UPLOAD_MAX_BYTES"

	ENV_DIRECT_STORE     = "RPB_DIRECT_STORE"
	ENV_STORE_MODE       = "RPB_STORE_MODE"
	ENV_STORESCU_BINARY  = "RPB_STORESCU_BINARY"
	ENV_STORESCU_AETITLE = "RPB_STORESCU_AETITLE"
	ENV_STORESCU_CALL    = "RPB_STORESCU_CALL"
	ENV_STORESCU_PEER    = "RPB_STORESCU_PEER"
	ENV_STORESCU_PORT    = "RPB_STORESCU_PORT"
	ENV_STORESCU_TIMEOUT = "RPB_STORESCU_TIMEOUT"
	ENV_IMPORT_URI       = "RPB_IMPORT_URI"

	ENV_S3_REGION     = "RPB_S3_REGION"
	ENV_S3_ENDPOINT   = "RPB_S3_ENDPOINT"
	ENV_S3_ACCESS_KEY = "RPB_S3_ACCESS_KEY"
	ENV_S3_SECRET_KEY = "RPB_S3_SECRET_KEY"
	ENV_S3_PATH_STYLE = "RPB_S3_PATH_STYLE"

	ENV_HEALTHCARE_LOCATION = "RPB_HEALTHCARE_LOCATION"
	ENV_HEALTHCARE_DATASET  = "RPB_HEALTHCARE_DATASET"
	ENV_HEALTHCARE_STORE    = "RPB_HEALTHCARE_DICOM_STORE"

	ENV_PSEUDONYM_SEPARATOR = "RPB_PSEUDONYM_SEPARATOR"
	ENV_INSECURE_TLS        = "RPB_INSECURE_TLS"
	ENV_HTTP_TIMEOUT        = "RPB_HTTP_TIMEOUT"

	ENV_PROXY_MODE     = "RPB_PROXY_MODE"
	ENV_PROXY_HOST     = "RPB_PROXY_HOST"
	ENV_PROXY_PORT     = "RPB_PROXY_PORT"
	ENV_PROXY_NO_PROXY = "RPB_PROXY_NO_PROXY"
	ENV_PROXY_USER     = "RPB_PROXY_USER"
	ENV_PROXY_PASSWORD = "RPB_PROXY_PASSWORD"

	ENV_REDIS_ADDR     = "RPB_REDIS_ADDR"
	ENV_REDIS_PASSWORD = "RPB_REDIS_PASSWORD"
	ENV_REDIS_DB       = "RPB_REDIS_DB"
	ENV_LOCK_TTL       = "RPB_LOCK_TTL"
)

const (
	StoreModeStoreSCU = "storescu"
	StoreModeDICOMWeb = "dicomweb"

	secretPrefix = "sm://"

	defaultUploadMaxBytes = 512 << 20
)

// DBConfig is one PostgreSQL connection.
type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// DSN renders the connection as a postgres URL.
func (d DBConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     d.Host + ":" + strconv.Itoa(d.Port),
		Path:     "/" + d.Name,
		RawQuery: "sslmode=" + url.QueryEscape(d.SSLMode),
	}
	return u.String()
}

func (d DBConfig) String() string {
	return fmt.Sprintf("%s@%s:%d", d.Name, d.Host, d.Port)
}

// Config is built once at start-up and passed to every component.
type Config struct {
	Port         string
	TLSCertFile  string
	TLSKeyFile   string
	LogLevel     logger.LogLevel
	GinDebugMode bool
	AllowOrigins []string
	ProjectID    string

	DB           DBConfig
	MigrateDB    bool
	EDCDBEnabled bool
	EDCDB        DBConfig

	TempDir      string
	CorrectedDir string
	DownloadDir  string
	UnzipDir     string

	Correct        bool
	CorrectCommand string
	CorrectTimeout time.Duration
	Verify         bool
	VerifyAttempts int
	VerifyInterval time.Duration
	UploadMaxBytes int64

	DirectStore bool
	StoreMode   string
	StoreSCU    ingest.StoreSCU
	ImportURI   string
	S3          ingest.S3Settings

	HealthcareLocation  string
	HealthcareDatasetID string
	HealthcareStoreID   string

	PseudonymSeparator string
	InsecureTLS        bool
	HTTPTimeout        time.Duration
	Proxy              edc.ProxySettings

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	LockTTL       time.Duration
}

// SecretResolver turns an sm:// reference into its value.
type SecretResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

type secretAccessor interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
}

// secretManagerResolver reads the latest version of a Secret Manager secret.
type secretManagerResolver struct {
	projectID string
	client    secretAccessor
}

// Resolve returns "" for a secret that does not exist.
func (s *secretManagerResolver) Resolve(ctx context.Context, ref string) (string, error) {
	secretID := strings.TrimPrefix(ref, secretPrefix)
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", s.projectID, secretID)
	resp, err := s.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			logger.Warning.Printf("Resolve: secret %s not found", name)
			return "", nil
		}
		return "", fmt.Errorf("access secret %s: %w", name, err)
	}
	if resp.Payload == nil {
		return "", nil
	}
	return strings.TrimSpace(string(resp.Payload.Data)), nil
}

// LoadConfig reads the configuration from the environment. Secret Manager
// is only contacted when a value uses the sm:// form.
func LoadConfig(ctx context.Context) (Config, error) {
	env := envReader{get: os.Getenv}
	needsSecrets := false
	for _, key := range secretKeys {
		if strings.HasPrefix(os.Getenv(key), secretPrefix) {
			needsSecrets = true
		}
	}
	if !needsSecrets {
		return loadConfig(ctx, env, nil)
	}

	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return Config{}, fmt.Errorf("secretmanager.NewClient: %w", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warning.Printf("LoadConfig: error closing Secret Manager client: %v", err)
		}
	}()
	return loadConfig(ctx, env, &secretManagerResolver{projectID: env.str(ENV_GCP_PROJECT, ""), client: client})
}

// secretKeys are the variables that may hold sm:// references.
var secretKeys = []string{ENV_DB_PASSWORD, ENV_OCDB_PASSWORD, ENV_PROXY_PASSWORD, ENV_REDIS_PASSWORD, ENV_S3_SECRET_KEY}

func loadConfig(ctx context.Context, env envReader, secrets SecretResolver) (Config, error) {
	conf := Config{
		Port:         env.str(ENV_LISTEN_PORT, "9000"),
		TLSCertFile:  env.str(ENV_TLS_CERT_FILE, ""),
		TLSKeyFile:   env.str(ENV_TLS_KEY_FILE, ""),
		LogLevel:     getLogLevel(env.str(ENV_LOG_LEVEL, "info")),
		GinDebugMode: env.boolean(ENV_GIN_DEBUG_MODE, false),
		AllowOrigins: env.list(ENV_CORS_ORIGINS),
		ProjectID:    env.str(ENV_GCP_PROJECT, ""),

		DB: DBConfig{
			Host:    env.str(ENV_DB_HOST, "localhost"),
			Port:    env.integer(ENV_DB_PORT, 5432),
			Name:    env.str(ENV_DB_NAME, "radplanbio"),
			User:    env.str(ENV_DB_USER, "radplanbio"),
			SSLMode: env.str(ENV_DB_SSLMODE, "disable"),
		},
		MigrateDB:    env.boolean(ENV_DB_MIGRATE, false),
		EDCDBEnabled: env.boolean(ENV_OCDB_ENABLED, false),
		EDCDB: DBConfig{
			Host:    env.str(ENV_OCDB_HOST, "localhost"),
			Port:    env.integer(ENV_OCDB_PORT, 5432),
			Name:    env.str(ENV_OCDB_NAME, "openclinica"),
			User:    env.str(ENV_OCDB_USER, "clinica"),
			SSLMode: env.str(ENV_OCDB_SSLMODE, "disable"),
		},

		TempDir:      env.str(ENV_TEMP_DIR, "temp"),
		CorrectedDir: env.str(ENV_CORRECTED_DIR, "corrected"),
		DownloadDir:  env.str(ENV_DOWNLOAD_DIR, "downloaded"),
		UnzipDir:     env.str(ENV_UNZIP_DIR, "unzipped"),

		Correct:        env.boolean(ENV_CORRECT, true),
		CorrectCommand: env.str(ENV_CORRECT_CMD, "python correct/mainCorrect.py"),
		CorrectTimeout: env.duration(ENV_CORRECT_TIMEOUT, 5*time.Minute),
		Verify:         env.boolean(ENV_VERIFY_IMPORT, true),
		VerifyAttempts: env.integer(ENV_VERIFY_ATTEMPTS, ingest.DefaultVerifyAttempts),
		VerifyInterval: env.duration(ENV_VERIFY_INTERVAL, ingest.DefaultVerifyInterval),
		UploadMaxBytes: int64(env.integer(ENV_UPLOAD_MAX, defaultUploadMaxBytes)),

		DirectStore: env.boolean(ENV_DIRECT_STORE, true),
		StoreMode:   env.str(ENV_STORE_MODE, StoreModeStoreSCU),
		StoreSCU: ingest.StoreSCU{
			Binary:   env.str(ENV_STORESCU_BINARY, "storescu"),
			AETitle:  env.str(ENV_STORESCU_AETITLE, "RPBSERVER"),
			CalledAE: env.str(ENV_STORESCU_CALL, "CONQUESTSRV1"),
			Peer:     env.str(ENV_STORESCU_PEER, "localhost"),
			Port:     env.integer(ENV_STORESCU_PORT, 5678),
			Timeout:  env.duration(ENV_STORESCU_TIMEOUT, 2*time.Minute),
		},
		ImportURI: env.str(ENV_IMPORT_URI, "import"),
		S3: ingest.S3Settings{
			Region:       env.str(ENV_S3_REGION, "us-east-1"),
			Endpoint:     env.str(ENV_S3_ENDPOINT, ""),
			AccessKey:    env.str(ENV_S3_ACCESS_KEY, ""),
			UsePathStyle: env.boolean(ENV_S3_PATH_STYLE, false),
		},

		HealthcareLocation:  env.str(ENV_HEALTHCARE_LOCATION, "europe-west3"),
		HealthcareDatasetID: env.str(ENV_HEALTHCARE_DATASET, ""),
		HealthcareStoreID:   env.str(ENV_HEALTHCARE_STORE, ""),

		PseudonymSeparator: env.str(ENV_PSEUDONYM_SEPARATOR, "-"),
		InsecureTLS:        env.boolean(ENV_INSECURE_TLS, true),
		HTTPTimeout:        env.duration(ENV_HTTP_TIMEOUT, 2*time.Minute),
		Proxy: edc.ProxySettings{
			Mode:     edc.ParseProxyMode(env.str(ENV_PROXY_MODE, string(edc.ProxySystem))),
			Host:     env.str(ENV_PROXY_HOST, ""),
			Port:     env.integer(ENV_PROXY_PORT, 3128),
			NoProxy:  env.str(ENV_PROXY_NO_PROXY, ""),
			Username: env.str(ENV_PROXY_USER, ""),
		},

		RedisAddr: env.str(ENV_REDIS_ADDR, ""),
		RedisDB:   env.integer(ENV_REDIS_DB, 0),
		LockTTL:   env.duration(ENV_LOCK_TTL, 10*time.Minute),
	}

	secretTargets := map[string]*string{
		ENV_DB_PASSWORD:    &conf.DB.Password,
		ENV_OCDB_PASSWORD:  &conf.EDCDB.Password,
		ENV_PROXY_PASSWORD: &conf.Proxy.Password,
		ENV_REDIS_PASSWORD: &conf.RedisPassword,
		ENV_S3_SECRET_KEY:  &conf.S3.SecretKey,
	}
	for _, key := range secretKeys {
		v, err := env.secret(ctx, key, secrets)
		if err != nil {
			return Config{}, err
		}
		*secretTargets[key] = v
	}

	if err := conf.validate(); err != nil {
		return Config{}, err
	}
	return conf, nil
}

func (c Config) validate() error {
	if c.DirectStore && c.StoreMode != StoreModeStoreSCU && c.StoreMode != StoreModeDICOMWeb {
		return fmt.Errorf("%s: unknown store mode %q", ENV_STORE_MODE, c.StoreMode)
	}
	if c.DirectStore && c.StoreMode == StoreModeDICOMWeb && (c.ProjectID == "" || c.HealthcareDatasetID == "" || c.HealthcareStoreID == "") {
		return fmt.Errorf("dicomweb store mode needs %s, %s and %s", ENV_GCP_PROJECT, ENV_HEALTHCARE_DATASET, ENV_HEALTHCARE_STORE)
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("%s and %s must be set together", ENV_TLS_CERT_FILE, ENV_TLS_KEY_FILE)
	}
	if c.PseudonymSeparator == "" {
		return fmt.Errorf("%s must not be empty", ENV_PSEUDONYM_SEPARATOR)
	}
	return nil
}

func getLogLevel(level string) logger.LogLevel {
	switch level {
	case "debug":
		return logger.LEVEL_DEBUG
	case "info":
		return logger.LEVEL_INFO
	case "error":
		return logger.LEVEL_ERROR
	case "warning":
		return logger.LEVEL_WARNING
	default:
		return logger.LEVEL_INFO
	}
}

type envReader struct {
	get func(string) string
}

func (e envReader) str(key, def string) string {
	if v := strings.TrimSpace(e.get(key)); v != "" {
		return v
	}
	return def
}

func (e envReader) list(key string) []string {
	var out []string
	for _, v := range strings.Split(e.get(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func (e envReader) boolean(key string, def bool) bool {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		logger.Warning.Printf("LoadConfig: %s=%q is not a boolean, using %v", key, v, def)
		return def
	}
	return b
}

func (e envReader) integer(key string, def int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logger.Warning.Printf("LoadConfig: %s=%q is not a number, using %d", key, v, def)
		return def
	}
	return n
}

// duration accepts Go durations ("90s") or a plain number of seconds.
func (e envReader) duration(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logger.Warning.Printf("LoadConfig: %s=%q is not a duration, using %s", key, v, def)
		return def
	}
	return d
}

func (e envReader) secret(ctx context.Context, key string, secrets SecretResolver) (string, error) {
	v := e.str(key, "")
	if !strings.HasPrefix(v, secretPrefix) {
		return v, nil
	}
	if secrets == nil {
		return "", fmt.Errorf("%s: secret reference without a secret resolver", key)
	}
	resolved, err := secrets.Resolve(ctx, v)
	if err != nil {
		return "", fmt.Errorf("%s: %w", key, err)
	}
	return resolved, nil
}
