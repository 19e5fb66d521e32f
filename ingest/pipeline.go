// Package ingest moves uploaded DICOM files into the PACS.
//
// A job goes through RECEIVED -> [CORRECTING] -> DELIVERING -> [VERIFYING]
// and ends as one of the Result values. Delivery is either a direct store
// (storescu or DICOMweb) or a copy into the archive's import folder.
package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/coneno/logger"
	"github.com/sethvargo/go-retry"

	"radplanbio-rest/dicomfile"
)

// Result is the terminal state of one job.
type Result int

const (
	ResultStored Result = iota
	ResultDeliveryFailed
	ResultDataLength
	ResultPACS
)

// Token is the value acknowledged to the upload client.
func (r Result) Token() interface{} {
	switch r {
	case ResultStored:
		return true
	case ResultDataLength:
		return "datalength"
	case ResultPACS:
		return "PACS"
	default:
		return false
	}
}

func (r Result) String() string {
	switch r {
	case ResultStored:
		return "stored"
	case ResultDataLength:
		return "datalength"
	case ResultPACS:
		return "PACS"
	default:
		return "delivery failed"
	}
}

const (
	DefaultVerifyAttempts = 25
	DefaultVerifyInterval = time.Second
)

// Settings are the pipeline policy flags and working directories.
type Settings struct {
	TempDir        string
	CorrectedDir   string
	Correct        bool
	Verify         bool
	VerifyAttempts int
	VerifyInterval time.Duration
	DirectStore    bool
}

// Archive is the existence check used for verification.
type Archive interface {
	Exists(ctx context.Context, baseURL, patientID, studyUID, seriesUID, sopUID string) bool
}

// Deps are the collaborators of a pipeline. Storer is required when
// DirectStore is set, Importer otherwise; Corrector when Correct is set.
type Deps struct {
	Corrector Corrector
	Storer    Storer
	Importer  ImportTarget
	Archive   Archive
	Identify  func(path string) (dicomfile.Identifiers, error)
}

// Job is one upload request.
type Job struct {
	ArchiveURL string // PACS base URL of the uploader's site
	Declared   int64  // Content-Length announced by the client
	Payload    []byte
}

// Pipeline runs jobs; it holds no per-job state and is safe for concurrent use.
type Pipeline struct {
	settings Settings
	deps     Deps
}

var errNotArchived = errors.New("not yet in archive")

// jobDirPattern names the per-job staging directories under TempDir and
// CorrectedDir; uploads keep their client file name inside them.
const jobDirPattern = "job-"

// NewPipeline validates the settings against deps and builds a pipeline.
func NewPipeline(s Settings, deps Deps) (*Pipeline, error) {
	if s.DirectStore && deps.Storer == nil {
		return nil, errors.New("direct store enabled without a storer")
	}
	if !s.DirectStore && deps.Importer == nil {
		return nil, errors.New("folder import enabled without an import target")
	}
	if s.Correct && deps.Corrector == nil {
		return nil, errors.New("correction enabled without a corrector")
	}
	if s.Verify && deps.Archive == nil {
		return nil, errors.New("verification enabled without an archive client")
	}
	if s.VerifyAttempts <= 0 {
		s.VerifyAttempts = DefaultVerifyAttempts
	}
	if s.VerifyInterval <= 0 {
		s.VerifyInterval = DefaultVerifyInterval
	}
	if deps.Identify == nil {
		deps.Identify = dicomfile.ReadIdentifiers
	}
	return &Pipeline{settings: s, deps: deps}, nil
}

// Run drives one job to completion. Each job is staged in its own
// directories, which are removed only on success.
func (p *Pipeline) Run(ctx context.Context, job Job) Result {
	// RECEIVED
	if int64(len(job.Payload)) != job.Declared {
		logger.Warning.Printf("Run: received %d bytes, declared %d", len(job.Payload), job.Declared)
		return ResultDataLength
	}
	bundle, err := DecodeBundle(job.Payload)
	if err != nil {
		logger.Error.Printf("Run: %v", err)
		return ResultDeliveryFailed
	}
	jobDir, err := os.MkdirTemp(p.settings.TempDir, jobDirPattern)
	if err != nil {
		logger.Error.Printf("Run: staging dir: %v", err)
		return ResultDeliveryFailed
	}
	tempPath := filepath.Join(jobDir, bundle.Name)
	if err := os.WriteFile(tempPath, bundle.Data, 0o644); err != nil {
		logger.Error.Printf("Run: write %s: %v", tempPath, err)
		return ResultDeliveryFailed
	}
	ids, err := p.deps.Identify(tempPath)
	if err != nil {
		logger.Warning.Printf("Run: %v", err)
	}
	logger.Debug.Printf("Run: received %s into %s (patient %s, study %s, finish=%v)", bundle.Name, jobDir, ids.PatientID, ids.StudyInstanceUID, bundle.Finish)

	// CORRECTING
	deliverPath := tempPath
	correctedDir := ""
	correctedPath := ""
	if p.settings.Correct {
		correctedDir, err = os.MkdirTemp(p.settings.CorrectedDir, jobDirPattern)
		if err != nil {
			logger.Error.Printf("Run: corrected dir: %v", err)
		} else {
			out := filepath.Join(correctedDir, bundle.Name)
			if err := p.deps.Corrector.Correct(ctx, tempPath, out); err != nil {
				logger.Error.Printf("Run: %v", err)
			}
			if fileExists(out) {
				deliverPath = out
				correctedPath = out
			} else {
				logger.Error.Printf("Run: correction produced no output for %s", bundle.Name)
			}
		}
	}

	// DELIVERING
	if err := p.deliver(ctx, deliverPath, bundle.Name, FirstAttempt); err != nil {
		logger.Error.Printf("Run: delivery of %s failed: %v", bundle.Name, err)
		return ResultDeliveryFailed
	}
	if !p.settings.DirectStore && correctedPath != "" {
		removeFile(correctedPath)
	}

	// VERIFYING
	if p.settings.Verify && !p.verify(ctx, job.ArchiveURL, ids) {
		if !p.settings.DirectStore {
			logger.Error.Printf("Run: %s not found in PACS after import", bundle.Name)
			return ResultPACS
		}
		logger.Warning.Printf("Run: %s not found in PACS, redelivering", bundle.Name)
		if err := p.deps.Storer.Store(ctx, deliverPath, Redelivery); err != nil {
			logger.Error.Printf("Run: redelivery of %s failed: %v", bundle.Name, err)
			return ResultDeliveryFailed
		}
		if !p.verify(ctx, job.ArchiveURL, ids) {
			logger.Error.Printf("Run: %s not found in PACS after redelivery", bundle.Name)
			return ResultPACS
		}
	}

	removeDir(jobDir)
	if correctedDir != "" {
		removeDir(correctedDir)
	}
	return ResultStored
}

func (p *Pipeline) deliver(ctx context.Context, path, name string, opts StoreOptions) error {
	if p.settings.DirectStore {
		return p.deps.Storer.Store(ctx, path, opts)
	}
	return p.deps.Importer.Import(ctx, path, name)
}

// verify polls the archive at most VerifyAttempts times and stops at the
// first hit.
func (p *Pipeline) verify(ctx context.Context, archiveURL string, ids dicomfile.Identifiers) bool {
	if !ids.Complete() {
		logger.Warning.Printf("verify: incomplete identifiers %+v", ids)
		return false
	}
	b := retry.WithMaxRetries(uint64(p.settings.VerifyAttempts-1), retry.NewConstant(p.settings.VerifyInterval))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if p.deps.Archive.Exists(ctx, archiveURL, ids.PatientID, ids.StudyInstanceUID, ids.SeriesInstanceUID, ids.SOPInstanceUID) {
			return nil
		}
		return retry.RetryableError(errNotArchived)
	})
	return err == nil
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}

func removeDir(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		logger.Warning.Printf("removeDir: %v", err)
	}
}

func removeFile(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warning.Printf("removeFile: %v", err)
	}
}
