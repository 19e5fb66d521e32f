// Package conquest is a client for the Conquest DICOM server's web CGI.
//
// Every call is a GET against the server's dgate URL with a "mode" query
// parameter naming a server-side lua script.
package conquest

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/coneno/logger"
)

const (
	modeFileExists   = "rpbfileexists"
	modeStudies      = "radplanbiostudies"
	modeZipStudy     = "zipstudy"
	zipDummySuffix   = ".zip"
	defaultCallLimit = 5 * time.Minute
)

// StudyDescriptor is one study object as reported by the archive. The
// archive defines its fields, they are passed through untouched.
type StudyDescriptor map[string]interface{}

// Client talks to one or more Conquest servers; the base URL is given per call
// since every partner site has its own archive.
type Client struct {
	http *http.Client
}

// NewClient builds an archive client. insecureTLS disables certificate
// verification for archives inside the institution network.
func NewClient(insecureTLS bool, timeout time.Duration) *Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if insecureTLS {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opt-in
	}
	if timeout <= 0 {
		timeout = defaultCallLimit
	}
	return &Client{http: &http.Client{Transport: tr, Timeout: timeout}}
}

// NewClientWithHTTP wraps an existing http.Client.
func NewClientWithHTTP(c *http.Client) *Client {
	return &Client{http: c}
}

func methodURL(baseURL, mode string, params url.Values) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse archive url %q: %w", baseURL, err)
	}
	q := u.Query()
	q.Set("mode", mode)
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) get(ctx context.Context, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	return c.http.Do(req)
}

// Exists reports whether exactly one file matching the four identifiers is
// stored in the archive. Transport and decoding errors are logged and
// reported as false.
func (c *Client) Exists(ctx context.Context, baseURL, patientID, studyUID, seriesUID, sopUID string) bool {
	target, err := methodURL(baseURL, modeFileExists, url.Values{
		"PatientID": {patientID},
		"StudyUID":  {studyUID},
		"SeriesUID": {seriesUID},
		"SopUID":    {sopUID},
	})
	if err != nil {
		logger.Error.Printf("Exists: %v", err)
		return false
	}
	resp, err := c.get(ctx, target)
	if err != nil {
		logger.Error.Printf("Exists: failed to communicate with PACS: %v", err)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		logger.Error.Printf("Exists: PACS answered %d", resp.StatusCode)
		return false
	}

	var body struct {
		FoundFilesCount json.RawMessage `json:"FoundFilesCount"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		logger.Error.Printf("Exists: decode PACS answer: %v", err)
		return false
	}
	n, err := parseCount(body.FoundFilesCount)
	if err != nil {
		logger.Error.Printf("Exists: FoundFilesCount: %v", err)
		return false
	}
	return n == 1
}

func parseCount(raw json.RawMessage) (int, error) {
	s := strings.Trim(string(bytes.TrimSpace(raw)), `"`)
	if s == "" {
		return 0, errors.New("missing")
	}
	return strconv.Atoi(s)
}

// ListStudies returns all studies known to the archive.
func (c *Client) ListStudies(ctx context.Context, baseURL string) ([]StudyDescriptor, error) {
	return c.listStudies(ctx, baseURL, nil)
}

// ListStudiesByPatient returns the studies of one patient pseudonym.
func (c *Client) ListStudiesByPatient(ctx context.Context, baseURL, patientID string) ([]StudyDescriptor, error) {
	return c.listStudies(ctx, baseURL, url.Values{"patientidmatch": {patientID}})
}

func (c *Client) listStudies(ctx context.Context, baseURL string, params url.Values) ([]StudyDescriptor, error) {
	target, err := methodURL(baseURL, modeStudies, params)
	if err != nil {
		return nil, err
	}
	resp, err := c.get(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("list studies: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list studies: status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("list studies: read: %w", err)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return []StudyDescriptor{}, nil
	}
	if raw[0] == '{' {
		var one StudyDescriptor
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil, fmt.Errorf("list studies: decode: %w", err)
		}
		return []StudyDescriptor{one}, nil
	}
	studies := []StudyDescriptor{}
	if err := json.Unmarshal(raw, &studies); err != nil {
		return nil, fmt.Errorf("list studies: decode: %w", err)
	}
	return studies, nil
}

// ArchiveName is the local file name used for a downloaded study archive.
func ArchiveName(patientID, studyUID string) string {
	return patientID + "_" + studyUID + ".zip"
}

// DownloadStudyArchive asks the archive to zip a study and streams the zip to
// destDir. A stale file of the same name is removed first. The caller owns
// the returned file.
func (c *Client) DownloadStudyArchive(ctx context.Context, baseURL, patientID, studyUID, destDir string) (string, error) {
	target, err := methodURL(baseURL, modeZipStudy, url.Values{
		"study": {patientID + ":" + studyUID},
		"dum":   {zipDummySuffix},
	})
	if err != nil {
		return "", err
	}
	local := filepath.Join(destDir, ArchiveName(patientID, studyUID))
	if err := os.Remove(local); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("remove stale %s: %w", local, err)
	}

	logger.Info.Printf("DownloadStudyArchive: downloading study %s of %s", studyUID, patientID)
	resp, err := c.get(ctx, target)
	if err != nil {
		return "", fmt.Errorf("zip study: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("zip study: status %d", resp.StatusCode)
	}

	f, err := os.Create(local)
	if err != nil {
		return "", fmt.Errorf("os.Create(%s): %w", local, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(local)
		return "", fmt.Errorf("io.Copy to %s: %w", local, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", local, err)
	}
	return local, nil
}
