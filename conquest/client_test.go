package conquest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func archiveServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, NewClientWithHTTP(srv.Client())
}

func TestExistsCountsExactlyOne(t *testing.T) {
	var count atomic.Value
	count.Store(`1`)
	srv, c := archiveServer(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "rpbfileexists", q.Get("mode"))
		assert.Equal(t, "DD-ABC123", q.Get("PatientID"))
		assert.Equal(t, "1.2.3", q.Get("StudyUID"))
		assert.Equal(t, "1.2.3.4", q.Get("SeriesUID"))
		assert.Equal(t, "1.2.3.4.5", q.Get("SopUID"))
		fmt.Fprintf(w, `{"FoundFilesCount": %s}`, count.Load().(string))
	})
	ctx := context.Background()
	base := srv.URL + "/cgi-bin/dgate"

	assert.True(t, c.Exists(ctx, base, "DD-ABC123", "1.2.3", "1.2.3.4", "1.2.3.4.5"))
	// same arguments, no archive change, same answer
	assert.True(t, c.Exists(ctx, base, "DD-ABC123", "1.2.3", "1.2.3.4", "1.2.3.4.5"))

	count.Store(`"1"`)
	assert.True(t, c.Exists(ctx, base, "DD-ABC123", "1.2.3", "1.2.3.4", "1.2.3.4.5"))

	count.Store(`2`)
	assert.False(t, c.Exists(ctx, base, "DD-ABC123", "1.2.3", "1.2.3.4", "1.2.3.4.5"))

	count.Store(`0`)
	assert.False(t, c.Exists(ctx, base, "DD-ABC123", "1.2.3", "1.2.3.4", "1.2.3.4.5"))
}

func TestExistsSwallowsUpstreamErrors(t *testing.T) {
	srv, c := archiveServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("PatientID") {
		case "status":
			w.WriteHeader(http.StatusInternalServerError)
		case "garbage":
			fmt.Fprint(w, `<html>dgate error</html>`)
		default:
			fmt.Fprint(w, `{}`)
		}
	})
	ctx := context.Background()
	for _, pid := range []string{"status", "garbage", "missing-field"} {
		assert.False(t, c.Exists(ctx, srv.URL, pid, "1.2.3", "1.2.3.4", "1.2.3.4.5"), pid)
	}

	closed := httptest.NewServer(http.NotFoundHandler())
	closed.Close()
	assert.False(t, c.Exists(ctx, closed.URL, "DD-ABC123", "1.2.3", "1.2.3.4", "1.2.3.4.5"))
	assert.False(t, c.Exists(ctx, "://bad url", "DD-ABC123", "1.2.3", "1.2.3.4", "1.2.3.4.5"))
}

func TestListStudies(t *testing.T) {
	srv, c := archiveServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "radplanbiostudies", r.URL.Query().Get("mode"))
		if r.URL.Query().Get("patientidmatch") == "DD-ABC123" {
			fmt.Fprint(w, `{"PatientID": "DD-ABC123", "StudyInstanceUID": "1.2.3"}`)
			return
		}
		fmt.Fprint(w, `[{"PatientID": "DD-ABC123", "StudyInstanceUID": "1.2.3"}, {"PatientID": "DD-XYZ789", "StudyInstanceUID": "1.2.4"}]`)
	})
	ctx := context.Background()

	all, err := c.ListStudies(ctx, srv.URL)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "1.2.4", all[1]["StudyInstanceUID"])

	one, err := c.ListStudiesByPatient(ctx, srv.URL, "DD-ABC123")
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "DD-ABC123", one[0]["PatientID"])
}

func TestListStudiesUpstreamError(t *testing.T) {
	srv, c := archiveServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := c.ListStudies(context.Background(), srv.URL)
	assert.Error(t, err)
}

func TestDownloadStudyArchive(t *testing.T) {
	srv, c := archiveServer(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "zipstudy", q.Get("mode"))
		assert.Equal(t, "DD-ABC123:1.2.3", q.Get("study"))
		assert.Equal(t, ".zip", q.Get("dum"))
		_, _ = w.Write([]byte("PK-zip-bytes"))
	})
	dir := t.TempDir()
	stale := filepath.Join(dir, ArchiveName("DD-ABC123", "1.2.3"))
	require.NoError(t, os.WriteFile(stale, []byte("stale content that is longer"), 0o644))

	path, err := c.DownloadStudyArchive(context.Background(), srv.URL, "DD-ABC123", "1.2.3", dir)
	require.NoError(t, err)
	assert.Equal(t, stale, path)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "PK-zip-bytes", string(got))
}

func TestDownloadStudyArchiveFailureLeavesNoFile(t *testing.T) {
	srv, c := archiveServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	dir := t.TempDir()
	_, err := c.DownloadStudyArchive(context.Background(), srv.URL, "DD-ABC123", "1.2.3", dir)
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(dir, ArchiveName("DD-ABC123", "1.2.3")))
	assert.True(t, os.IsNotExist(statErr))
}

func TestNewClientDefaults(t *testing.T) {
	c := NewClient(true, 0)
	assert.Equal(t, defaultCallLimit, c.http.Timeout)
	tr := c.http.Transport.(*http.Transport)
	assert.True(t, tr.TLSClientConfig.InsecureSkipVerify)

	c = NewClient(false, time.Second)
	assert.Equal(t, time.Second, c.http.Timeout)
}
