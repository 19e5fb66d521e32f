package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"radplanbio-rest/ingest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeRPB struct {
	accounts    map[string]*Account
	sites       []PartnerSite
	studies     map[string]*Study
	annotations []CrfFieldAnnotation // AnnotationType.Name carries the type
	rtStructs   []RTStruct
	software    map[string]*Software
	pulls       []*PullDataRequest
	err         error
}

func (f *fakeRPB) AccountByUsername(_ context.Context, username string) (*Account, error) {
	return f.accounts[username], nil
}

func (f *fakeRPB) PartnerSiteByIdentifier(_ context.Context, identifier string) (*PartnerSite, error) {
	for i := range f.sites {
		if f.sites[i].Identifier == identifier {
			return &f.sites[i], nil
		}
	}
	return nil, f.err
}

func (f *fakeRPB) AllPartnerSites(context.Context) ([]PartnerSite, error) {
	return f.sites, f.err
}

func (f *fakeRPB) PartnerSitesExceptName(_ context.Context, name string) ([]PartnerSite, error) {
	out := []PartnerSite{}
	for _, s := range f.sites {
		if s.SiteName != name {
			out = append(out, s)
		}
	}
	return out, f.err
}

func (f *fakeRPB) PartnerSiteByName(_ context.Context, name string) (*PartnerSite, error) {
	for i := range f.sites {
		if f.sites[i].SiteName == name {
			return &f.sites[i], nil
		}
	}
	return nil, f.err
}

func (f *fakeRPB) StudyByOcIdentifier(_ context.Context, identifier string) (*Study, error) {
	return f.studies[identifier], f.err
}

func (f *fakeRPB) CrfFieldAnnotations(_ context.Context, studyID int, typeName string) ([]CrfFieldAnnotation, error) {
	out := []CrfFieldAnnotation{}
	for _, a := range f.annotations {
		if a.StudyID == nil || *a.StudyID != studyID {
			continue
		}
		if typeName != "" && (a.AnnotationType == nil || a.AnnotationType.Name != typeName) {
			continue
		}
		out = append(out, a)
	}
	return out, f.err
}

func (f *fakeRPB) AllRTStructs(context.Context) ([]RTStruct, error) {
	return f.rtStructs, f.err
}

func (f *fakeRPB) LatestSoftware(_ context.Context, name string) (*Software, error) {
	return f.software[name], f.err
}

func (f *fakeRPB) AddPullDataRequest(_ context.Context, req *PullDataRequest) error {
	if f.err != nil {
		return f.err
	}
	req.PullID = len(f.pulls) + 1
	f.pulls = append(f.pulls, req)
	return nil
}

func (f *fakeRPB) pullsWhere(match func(*PullDataRequest) *int, siteID int) []PullDataRequest {
	out := []PullDataRequest{}
	for _, p := range f.pulls {
		if id := match(p); id != nil && *id == siteID {
			out = append(out, *p)
		}
	}
	return out
}

func (f *fakeRPB) PullDataRequestsFromSite(_ context.Context, siteID int) ([]PullDataRequest, error) {
	return f.pullsWhere(func(p *PullDataRequest) *int { return p.SentFromSiteID }, siteID), f.err
}

func (f *fakeRPB) PullDataRequestsToSite(_ context.Context, siteID int) ([]PullDataRequest, error) {
	return f.pullsWhere(func(p *PullDataRequest) *int { return p.SentToSiteID }, siteID), f.err
}

type fakeEDC struct {
	hashes  map[string]string
	studies map[string]*OCStudy
	active  map[string]*OCStudy
	changed bool
	values  map[CrfItemQuery]string
	queries []CrfItemQuery
	err     error
}

func (f *fakeEDC) AccountPasswordHash(_ context.Context, username string) (string, error) {
	return f.hashes[username], nil
}

func (f *fakeEDC) OCStudyByIdentifier(_ context.Context, identifier string) (*OCStudy, error) {
	return f.studies[identifier], f.err
}

func (f *fakeEDC) UserActiveStudy(_ context.Context, username string) (*OCStudy, error) {
	return f.active[username], f.err
}

func (f *fakeEDC) ChangeUserActiveStudy(context.Context, string, int) (bool, error) {
	return f.changed, f.err
}

func (f *fakeEDC) CrfItemValue(_ context.Context, q CrfItemQuery) (string, error) {
	f.queries = append(f.queries, q)
	return f.values[q], f.err
}

type fakeIngester struct {
	job    ingest.Job
	result ingest.Result
}

func (f *fakeIngester) Run(_ context.Context, job ingest.Job) ingest.Result {
	f.job = job
	return f.result
}

func intPtr(i int) *int { return &i }

func dresden() PartnerSite {
	return PartnerSite{
		SiteID:     1,
		Identifier: "DD",
		SiteName:   "Dresden",
		ServerIE:   &ServerIE{PublicURL: "https://rpb.dd.example/serverieDD"},
		Pacs:       &Pacs{PacsBaseURL: "http://pacs.dd.example/cgi-bin/dgate"},
		Edc:        &Edc{EdcBaseURL: "https://oc.dd.example/OpenClinica", SoapBaseURL: "https://oc.dd.example/OpenClinica-ws"},
	}
}

func mainz() PartnerSite {
	return PartnerSite{
		SiteID:     2,
		Identifier: "MZ",
		SiteName:   "Mainz",
		ServerIE:   &ServerIE{PublicURL: "https://rpb.mz.example/serverieMZ"},
		Pacs:       &Pacs{PacsBaseURL: "http://pacs.mz.example/cgi-bin/dgate"},
	}
}

type testEnv struct {
	h       *Handlers
	rpb     *fakeRPB
	edc     *fakeEDC
	ingest  *fakeIngester
	archive *fakeArchive
	router  *gin.Engine
}

// newTestEnv builds handlers over fakes; withEDC wires the EDC database.
func newTestEnv(t *testing.T, withEDC bool) *testEnv {
	t.Helper()
	site := dresden()
	rpb := &fakeRPB{
		accounts: map[string]*Account{
			"alice": {ID: 1, Username: "alice", Password: "secret", OCUsername: "oc_alice", PartnerSiteID: intPtr(1), PartnerSite: &site},
		},
		sites:    []PartnerSite{site, mainz()},
		studies:  map[string]*Study{},
		software: map[string]*Software{},
	}
	env := &testEnv{
		rpb:     rpb,
		ingest:  &fakeIngester{},
		archive: &fakeArchive{},
	}
	tmp := t.TempDir()
	env.h = &Handlers{
		Cfg: Config{
			DownloadDir: tmp + "/downloaded",
			UnzipDir:    tmp + "/unzipped",
		},
		DB:      rpb,
		Archive: env.archive,
		Ingest:  env.ingest,
		Locks:   newLocalStudyLocker(),
		Sites:   Pseudonyms{Separator: "-"},
	}
	if withEDC {
		env.edc = &fakeEDC{hashes: map[string]string{"oc_alice": "sha1hash"}, values: map[CrfItemQuery]string{}}
		env.h.EDC = env.edc
		env.h.Auth = NewCredentialVerifier(rpb, env.edc)
	} else {
		env.h.Auth = NewCredentialVerifier(rpb, nil)
	}
	env.router = newRouter(env.h)
	return env
}

func (e *testEnv) do(method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Username", "alice")
	req.Header.Set("Password", "secret")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) get(path string) *httptest.ResponseRecorder {
	return e.do(http.MethodGet, path, nil, nil)
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestUnauthenticatedIsForbidden(t *testing.T) {
	env := newTestEnv(t, false)
	for _, path := range []string{"/api/v1/authenticateUser/", "/api/v1/getAllPartnerSites/", "/no/such/path"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Username", "alice")
		req.Header.Set("Password", "wrong")
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusForbidden, w.Code, path)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
		assert.Empty(t, w.Body.String())
	}
}

func TestUnknownPathIsNotFound(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.get("/api/v1/noSuchEndpoint")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestAuthenticateUserReturnsAccount(t *testing.T) {
	env := newTestEnv(t, false)
	for _, path := range []string{"/api/v1/authenticateUser", "/api/v1/authenticateUser/", "/api/v1/getMyDefaultAccount/alice"} {
		w := env.get(path)
		require.Equal(t, http.StatusOK, w.Code, path)

		var got map[string]interface{}
		decodeJSON(t, w, &got)
		assert.Equal(t, "alice", got["username"])
		assert.Equal(t, "oc_alice", got["ocusername"])
		assert.NotContains(t, got, "password")
	}
}

func TestEDCPasswordHashAuthenticates(t *testing.T) {
	env := newTestEnv(t, true)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/authenticateUser/", nil)
	req.Header.Set("Username", "alice")
	req.Header.Set("Password", "sha1hash")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStudyByOcIdentifier(t *testing.T) {
	env := newTestEnv(t, false)
	env.rpb.studies["S_HNPROG"] = &Study{ID: 7, OCStudyIdentifier: "S_HNPROG"}

	w := env.get("/api/v1/getStudyByOcIdentifier/S_HNPROG")
	require.Equal(t, http.StatusOK, w.Code)
	var got Study
	decodeJSON(t, w, &got)
	assert.Equal(t, 7, got.ID)

	assert.Equal(t, http.StatusNotFound, env.get("/api/v1/getStudyByOcIdentifier/OTHER").Code)
}

func TestCrfAnnotationsByType(t *testing.T) {
	env := newTestEnv(t, false)
	env.rpb.annotations = []CrfFieldAnnotation{
		{ID: 1, StudyID: intPtr(7), CrfItemOID: "I_UID", AnnotationType: &AnnotationType{Name: AnnotationDicomStudyUID}},
		{ID: 2, StudyID: intPtr(7), CrfItemOID: "I_PID", AnnotationType: &AnnotationType{Name: AnnotationDicomPatientID}},
		{ID: 3, StudyID: intPtr(8), CrfItemOID: "I_OTHER", AnnotationType: &AnnotationType{Name: AnnotationDicomStudyUID}},
	}

	tests := []struct {
		path string
		want []int
	}{
		{"/api/v1/getCrfFieldsAnnotationForStudy/7", []int{1, 2}},
		{"/api/v1/getDicomStudyCrfAnnotationsForStudy/7", []int{1}},
		{"/api/v1/getDicomPatientCrfAnnotationsForStudy/7", []int{2}},
		{"/api/v1/getDicomReportCrfAnnotationsForStudy/7", []int{}},
	}
	for _, tt := range tests {
		w := env.get(tt.path)
		require.Equal(t, http.StatusOK, w.Code, tt.path)
		var got []CrfFieldAnnotation
		decodeJSON(t, w, &got)
		ids := []int{}
		for _, a := range got {
			ids = append(ids, a.ID)
		}
		assert.Equal(t, tt.want, ids, tt.path)
	}

	assert.Equal(t, http.StatusNotFound, env.get("/api/v1/getCrfFieldsAnnotationForStudy/abc").Code)
}

func TestPartnerSiteLookups(t *testing.T) {
	env := newTestEnv(t, false)

	var all []PartnerSite
	decodeJSON(t, env.get("/api/v1/getAllPartnerSites/"), &all)
	assert.Len(t, all, 2)

	var others []PartnerSite
	decodeJSON(t, env.get("/api/v1/getAllPartnerExceptName/Dresden"), &others)
	require.Len(t, others, 1)
	assert.Equal(t, "Mainz", others[0].SiteName)

	var one PartnerSite
	decodeJSON(t, env.get("/api/v1/getPartnerSiteByName/Mainz"), &one)
	assert.Equal(t, "MZ", one.Identifier)
	assert.Equal(t, http.StatusNotFound, env.get("/api/v1/getPartnerSiteByName/Berlin").Code)
}

func TestLatestSoftwareRoute(t *testing.T) {
	env := newTestEnv(t, false)
	env.rpb.software["RadPlanBio-conquest"] = &Software{Name: "RadPlanBio-conquest", Version: "1.4.17", Latest: true}

	var sw Software
	decodeJSON(t, env.get("/api/v1/getLatestSoftware/RadPlanBio-conquest"), &sw)
	assert.Equal(t, "1.4.17", sw.Version)
	assert.Equal(t, http.StatusNotFound, env.get("/api/v1/getLatestSoftware/other").Code)
}

func TestStoreErrorIs500(t *testing.T) {
	env := newTestEnv(t, false)
	env.rpb.err = errors.New("connection reset")
	w := env.get("/api/v1/getAllRTStructs/")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "connection reset")
}

func TestAddPullDataRequestRoute(t *testing.T) {
	env := newTestEnv(t, false)
	body := `{"subject":"MZ-0042","message":"please send CT","sentFromSite":{"sitename":"Mainz"},"sentToSite":{"sitename":"Dresden"}}`

	w := env.do(http.MethodPost, "/api/v1/addPullDataRequest/", strings.NewReader(body), map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, env.rpb.pulls, 1)
	p := env.rpb.pulls[0]
	assert.Equal(t, "MZ-0042", p.Subject)
	assert.Equal(t, 2, *p.SentFromSiteID)
	assert.Equal(t, 1, *p.SentToSiteID)
	assert.WithinDuration(t, time.Now(), p.Created, time.Minute)

	var to []PullDataRequest
	decodeJSON(t, env.get("/api/v1/getPullDataRequestsToMySite/"), &to)
	assert.Len(t, to, 1)
	var from []PullDataRequest
	decodeJSON(t, env.get("/api/v1/getPullDataRequestsFromMySite/"), &from)
	assert.Empty(t, from)
}

func TestAddPullDataRequestRejects(t *testing.T) {
	env := newTestEnv(t, false)
	tests := []struct {
		name, contentType, body string
	}{
		{"not json", "text/plain", `{}`},
		{"malformed", "application/json", `{"subject":`},
		{"missing site", "application/json", `{"subject":"x","sentToSite":{"sitename":"Dresden"}}`},
		{"unknown site", "application/json", `{"subject":"x","sentFromSite":{"sitename":"Berlin"},"sentToSite":{"sitename":"Dresden"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodPost, "/api/v1/addPullDataRequest", strings.NewReader(tt.body), map[string]string{"Content-Type": tt.contentType})
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
	assert.Empty(t, env.rpb.pulls)
}

func TestOCRoutesHiddenWithoutEDC(t *testing.T) {
	env := newTestEnv(t, false)
	for _, path := range []string{
		"/api/v1/getOCStudyByIdentifier/S_1",
		"/api/v1/getOCAccoutPasswordHash/",
		"/api/v2/getCrfItemValue/S_1/DD-1/SE_1/1/F_1/I_1",
		"/api/v1/studies/S_1/dicomStudies",
	} {
		assert.Equal(t, http.StatusNotFound, env.get(path).Code, path)
	}
}

func TestOCStudyLookups(t *testing.T) {
	env := newTestEnv(t, true)
	env.edc.studies = map[string]*OCStudy{"S_1": {ID: 3, UniqueIdentifier: "S_1", OCOID: "S_S1"}}
	env.edc.active = map[string]*OCStudy{"oc_alice": {ID: 4, UniqueIdentifier: "S_1-DD", ParentStudy: &OCStudy{ID: 3}}}
	env.edc.changed = true

	var study OCStudy
	decodeJSON(t, env.get("/api/v1/getOCStudyByIdentifier/S_1"), &study)
	assert.Equal(t, "S_S1", study.OCOID)
	assert.Equal(t, http.StatusNotFound, env.get("/api/v1/getOCStudyByIdentifier/S_2").Code)

	var active OCStudy
	decodeJSON(t, env.get("/api/v1/getUserActiveStudy/oc_alice"), &active)
	require.NotNil(t, active.ParentStudy)
	assert.Equal(t, 3, active.ParentStudy.ID)

	var changed map[string]bool
	decodeJSON(t, env.get("/api/v1/changeUserActiveStudy/oc_alice/4"), &changed)
	assert.True(t, changed["result"])
	assert.Equal(t, http.StatusNotFound, env.get("/api/v1/changeUserActiveStudy/oc_alice/four").Code)
}

func TestCrfItemValueV1AndV2(t *testing.T) {
	env := newTestEnv(t, true)
	v1q := CrfItemQuery{StudySiteOID: "S_1", SubjectPID: "DD-1", EventOID: "SE_BL", FormOID: "F_CT", ItemOID: "I_UID"}
	v2q := v1q
	v2q.RepeatKey = "2"
	env.edc.values[v1q] = "1.2.3"
	env.edc.values[v2q] = "1.2.4"

	var got map[string]string
	decodeJSON(t, env.get("/api/v1/getCrfItemValue/S_1/DD-1/SE_BL/F_CT/I_UID"), &got)
	assert.Equal(t, map[string]string{"itemOid": "I_UID", "itemValue": "1.2.3"}, got)

	decodeJSON(t, env.get("/api/v2/getCrfItemValue/S_1/DD-1/SE_BL/2/F_CT/I_UID"), &got)
	assert.Equal(t, "1.2.4", got["itemValue"])

	assert.Equal(t, http.StatusNotFound, env.get("/api/v2/getCrfItemValue/S_1/DD-1/SE_BL/x/F_CT/I_UID").Code)
}

func TestOCAccountPasswordHash(t *testing.T) {
	env := newTestEnv(t, true)
	var got map[string]string
	decodeJSON(t, env.get("/api/v1/getOCAccoutPasswordHash/"), &got)
	assert.Equal(t, "sha1hash", got["ocPasswordHash"])
}

func TestUploadDicomData(t *testing.T) {
	env := newTestEnv(t, false)
	env.ingest.result = ingest.ResultPACS

	payload := "bundle-bytes"
	w := env.do(http.MethodPost, "/api/v1/uploadDicomData/", strings.NewReader(payload), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/octet-stream", w.Header().Get("Content-Type"))

	token, err := ingest.DecodeToken(w.Body.Bytes())
	require.NoError(t, err)
	if raw, ok := token.([]byte); ok {
		token = string(raw)
	}
	assert.Equal(t, "PACS", token)

	assert.Equal(t, []byte(payload), env.ingest.job.Payload)
	assert.Equal(t, int64(len(payload)), env.ingest.job.Declared)
	assert.Equal(t, "http://pacs.dd.example/cgi-bin/dgate", env.ingest.job.ArchiveURL)
}

func decodeUploadToken(t *testing.T, w *httptest.ResponseRecorder) interface{} {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code)
	token, err := ingest.DecodeToken(w.Body.Bytes())
	require.NoError(t, err)
	if raw, ok := token.([]byte); ok {
		token = string(raw)
	}
	return token
}

func TestUploadDicomDataOverLimit(t *testing.T) {
	env := newTestEnv(t, false)
	env.h.Cfg.UploadMaxBytes = 8
	env.ingest.result = ingest.ResultStored

	w := env.do(http.MethodPost, "/api/v1/uploadDicomData", strings.NewReader("0123456789"), nil)
	assert.Equal(t, "datalength", decodeUploadToken(t, w))
	assert.Nil(t, env.ingest.job.Payload)

	// undeclared length is cut off while reading
	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploadDicomData", io.NopCloser(strings.NewReader("0123456789")))
	req.ContentLength = -1
	req.Header.Set("Username", "alice")
	req.Header.Set("Password", "secret")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, "datalength", decodeUploadToken(t, w))
	assert.Nil(t, env.ingest.job.Payload)

	w = env.do(http.MethodPost, "/api/v1/uploadDicomData", strings.NewReader("01234567"), nil)
	assert.Equal(t, true, decodeUploadToken(t, w))
	assert.Equal(t, []byte("01234567"), env.ingest.job.Payload)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, false)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/getAllPartnerSites/", nil)
	req.Header.Set("Origin", "https://portal.example")
	req.Header.Set("Access-Control-Request-Method", "GET")
	req.Header.Set("Access-Control-Request-Headers", "Username, Password")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestNormalizeOrigins(t *testing.T) {
	got, all := normalizeOrigins([]string{"localhost:3000", "https://portal.example"})
	assert.False(t, all)
	assert.Equal(t, []string{"http://localhost:3000", "https://portal.example"}, got)

	_, all = normalizeOrigins([]string{"https://a.example", "*"})
	assert.True(t, all)
	_, all = normalizeOrigins(nil)
	assert.True(t, all)
}
