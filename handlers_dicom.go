package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/coneno/logger"
	"github.com/gin-gonic/gin"

	"radplanbio-rest/conquest"
	"radplanbio-rest/dicomfile"
)

// ArchiveClient is the PACS query and download surface used by handlers.
type ArchiveClient interface {
	ListStudies(ctx context.Context, baseURL string) ([]conquest.StudyDescriptor, error)
	ListStudiesByPatient(ctx context.Context, baseURL, patientID string) ([]conquest.StudyDescriptor, error)
	DownloadStudyArchive(ctx context.Context, baseURL, patientID, studyUID, destDir string) (string, error)
}

type UnzippedFile struct {
	WebAPIURL string `json:"WebApiUrl"`
}

type UnzippedStudy struct {
	StudyInstanceUID string         `json:"StudyInstanceUid"`
	Files            []UnzippedFile `json:"Files"`
}

type UnzippedPatient struct {
	UniqueIdentifier string          `json:"UniqueIdentifier"`
	Studies          []UnzippedStudy `json:"Studies"`
}

type UnzippedStudies struct {
	Patients []UnzippedPatient `json:"Patients"`
}

var errBadSegment = errors.New("invalid path segment")

// pathSegment rejects values that would leave the scratch directory.
func pathSegment(s string) (string, error) {
	if s == "" || s == "." || s == ".." || s != filepath.Base(s) {
		return "", fmt.Errorf("%w: %q", errBadSegment, s)
	}
	return s, nil
}

// studyScratch returns the unzip directory of (user, patient, study).
func (h *Handlers) studyScratch(username, patientID, studyUID string) (string, error) {
	parts := []string{h.Cfg.UnzipDir}
	for _, s := range []string{username, patientID, studyUID} {
		seg, err := pathSegment(s)
		if err != nil {
			return "", err
		}
		parts = append(parts, seg)
	}
	return filepath.Join(parts...), nil
}

func (h *Handlers) AllDicomStudiesHandler(c *gin.Context) {
	acc := accountFrom(c)
	studies, err := h.Archive.ListStudies(c.Request.Context(), acc.PartnerSite.PacsBaseURL())
	if err != nil {
		logger.Error.Printf("AllDicomStudiesHandler: %v", err)
		studies = []conquest.StudyDescriptor{}
	}
	writeJSON(c, http.StatusOK, studies)
}

func (h *Handlers) DicomStudiesByPatientHandler(c *gin.Context) {
	acc := accountFrom(c)
	studies, err := h.Archive.ListStudiesByPatient(c.Request.Context(), acc.PartnerSite.PacsBaseURL(), c.Param("id"))
	if err != nil {
		logger.Error.Printf("DicomStudiesByPatientHandler: %v", err)
		studies = []conquest.StudyDescriptor{}
	}
	writeJSON(c, http.StatusOK, studies)
}

// UnzipStudyHandler downloads a study archive from the PACS of the patient's
// site, unpacks it into the caller's scratch area and lists download URLs.
func (h *Handlers) UnzipStudyHandler(c *gin.Context) {
	ctx := c.Request.Context()
	acc := accountFrom(c)
	pid, uid := c.Param("pid"), c.Param("uid")

	dir, err := h.studyScratch(acc.Username, pid, uid)
	if err != nil {
		notFound(c)
		return
	}
	site, err := h.Sites.SiteFor(ctx, h.DB, pid, acc.PartnerSite)
	if errors.Is(err, errSiteNotFound) {
		logger.Warning.Printf("UnzipStudyHandler: %v", err)
		notFound(c)
		return
	}
	if err != nil {
		writeError(c, "UnzipStudyHandler", err)
		return
	}

	release, err := h.Locks.Lock(ctx, studyLockKey(acc.Username, pid, uid))
	if err != nil {
		writeError(c, "UnzipStudyHandler", err)
		return
	}
	defer release()

	files, err := h.fetchStudy(ctx, site, acc.Username, pid, uid, dir)
	if err != nil {
		logger.Error.Printf("UnzipStudyHandler: %s/%s: %v", pid, uid, err)
		files = []string{}
	}

	study := UnzippedStudy{StudyInstanceUID: uid, Files: make([]UnzippedFile, 0, len(files))}
	base := studyURL(site.PublicURL(), pid, uid)
	for _, f := range files {
		study.Files = append(study.Files, UnzippedFile{WebAPIURL: base + "/dcm/" + url.PathEscape(f)})
	}
	writeJSON(c, http.StatusOK, UnzippedStudies{Patients: []UnzippedPatient{{
		UniqueIdentifier: pid,
		Studies:          []UnzippedStudy{study},
	}}})
}

func (h *Handlers) fetchStudy(ctx context.Context, site *PartnerSite, username, pid, uid, dir string) ([]string, error) {
	downloadDir := filepath.Join(h.Cfg.DownloadDir, username)
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", downloadDir, err)
	}
	zipPath, err := h.Archive.DownloadStudyArchive(ctx, site.PacsBaseURL(), pid, uid, downloadDir)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := os.Remove(zipPath); err != nil {
			logger.Warning.Printf("fetchStudy: remove %s: %v", zipPath, err)
		}
	}()
	return dicomfile.Extract(zipPath, dir)
}

// DcmFileHandler streams one previously unzipped file.
func (h *Handlers) DcmFileHandler(c *gin.Context) {
	acc := accountFrom(c)
	dir, err := h.studyScratch(acc.Username, c.Param("pid"), c.Param("uid"))
	if err != nil {
		notFound(c)
		return
	}
	name, err := pathSegment(c.Param("file"))
	if err != nil {
		notFound(c)
		return
	}
	path := filepath.Join(dir, name)
	f, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Error.Printf("DcmFileHandler: %v", err)
		}
		notFound(c)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		notFound(c)
		return
	}
	c.DataFromReader(http.StatusOK, info.Size(), "application/octet-stream", f, map[string]string{
		"Content-Language": "English",
	})
}

// CleanStudyHandler removes the caller's scratch copy of a study.
func (h *Handlers) CleanStudyHandler(c *gin.Context) {
	ctx := c.Request.Context()
	acc := accountFrom(c)
	pid, uid := c.Param("pid"), c.Param("uid")
	dir, err := h.studyScratch(acc.Username, pid, uid)
	if err != nil {
		notFound(c)
		return
	}

	release, err := h.Locks.Lock(ctx, studyLockKey(acc.Username, pid, uid))
	if err != nil {
		writeError(c, "CleanStudyHandler", err)
		return
	}
	defer release()

	if err := os.RemoveAll(dir); err != nil {
		writeError(c, "CleanStudyHandler", err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"result": true})
}
