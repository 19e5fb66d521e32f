package edc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"github.com/coneno/logger"
	"golang.org/x/net/publicsuffix"
)

// RESTClient reads the live casebook through the OpenClinica REST API. Every
// call logs in with a fresh session, the session lives for that call only.
type RESTClient struct {
	username  string
	clearpass string
	base      *http.Client
}

// NewRESTClient returns a casebook client for one EDC user. httpClient
// carries the transport (proxy, TLS) and may be shared.
func NewRESTClient(username, clearpass string, httpClient *http.Client) *RESTClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &RESTClient{username: username, clearpass: clearpass, base: httpClient}
}

// casebook is the ODM JSON document returned by rest/clinicaldata/json/view.
type casebook struct {
	Study *struct {
		OID             string               `json:"@OID"`
		MetaDataVersion *jsonMetaDataVersion `json:"MetaDataVersion"`
	} `json:"Study"`
	ClinicalData *struct {
		StudyOID    string                     `json:"@StudyOID"`
		SubjectData OneOrMany[json.RawMessage] `json:"SubjectData"`
	} `json:"ClinicalData"`
}

type jsonSubject struct {
	SubjectKey       string                     `json:"@SubjectKey"`
	StudySubjectID   string                     `json:"@OpenClinica:StudySubjectID"`
	UniqueIdentifier string                     `json:"@OpenClinica:UniqueIdentifier"`
	Status           string                     `json:"@OpenClinica:Status"`
	DateOfBirth      string                     `json:"@OpenClinica:DateOfBirth"`
	Sex              string                     `json:"@OpenClinica:Sex"`
	StudyEventData   OneOrMany[json.RawMessage] `json:"StudyEventData"`
}

type jsonEvent struct {
	StudyEventOID     string              `json:"@StudyEventOID"`
	Status            string              `json:"@OpenClinica:Status"`
	StartDate         string              `json:"@OpenClinica:StartDate"`
	RepeatKey         string              `json:"@StudyEventRepeatKey"`
	SubjectAgeAtEvent json.RawMessage     `json:"OpenClinica:SubjectAgeAtEvent"`
	FormData          OneOrMany[jsonForm] `json:"FormData"`
}

type jsonForm struct {
	FormOID string `json:"@FormOID"`
	Version string `json:"@OpenClinica:Version"`
	Status  string `json:"@OpenClinica:Status"`
}

// GetStudyCasebookSubjects lists the subjects of a study (or study-site) OID.
func (c *RESTClient) GetStudyCasebookSubjects(ctx context.Context, baseURL, studyOID string) ([]*Subject, error) {
	cb, err := c.view(ctx, baseURL, studyOID+"/*/*/*")
	if err != nil {
		return nil, err
	}
	if cb.ClinicalData == nil {
		return nil, nil
	}
	md := cb.metadata()
	var subjects []*Subject
	for _, raw := range cb.ClinicalData.SubjectData {
		s, err := decodeSubject(raw, md)
		if err != nil {
			logger.Warning.Printf("GetStudyCasebookSubjects: skipping subject in %s: %v", studyOID, err)
			continue
		}
		subjects = append(subjects, s)
	}
	return subjects, nil
}

// GetStudyCasebookEvents lists the events of one subject. Each event carries
// the forms reported with data plus the default-version forms of its
// definition.
func (c *RESTClient) GetStudyCasebookEvents(ctx context.Context, baseURL, studyOID, subjectOID string) ([]*Event, error) {
	cb, err := c.view(ctx, baseURL, studyOID+"/"+subjectOID+"/*/*")
	if err != nil {
		return nil, err
	}
	if cb.ClinicalData == nil {
		return nil, nil
	}
	md := cb.metadata()
	var events []*Event
	for _, raw := range cb.ClinicalData.SubjectData {
		s, err := decodeSubject(raw, md)
		if err != nil {
			logger.Warning.Printf("GetStudyCasebookEvents: skipping subject %s: %v", subjectOID, err)
			continue
		}
		events = append(events, s.Events...)
	}
	return events, nil
}

func (cb *casebook) metadata() *Metadata {
	if cb.Study == nil {
		return newMetadata("")
	}
	return metadataFromJSON(cb.Study.OID, cb.Study.MetaDataVersion)
}

func decodeSubject(raw json.RawMessage, md *Metadata) (*Subject, error) {
	var js jsonSubject
	if err := json.Unmarshal(raw, &js); err != nil {
		return nil, fmt.Errorf("decode subject: %w", err)
	}
	s := &Subject{
		OID:              js.SubjectKey,
		Label:            js.StudySubjectID,
		UniqueIdentifier: js.UniqueIdentifier,
		Status:           js.Status,
		DateOfBirth:      js.DateOfBirth,
		Gender:           js.Sex,
	}
	for _, rawEvent := range js.StudyEventData {
		e, err := decodeEvent(rawEvent, md)
		if err != nil {
			logger.Warning.Printf("decodeSubject: skipping event of %s: %v", s.Label, err)
			continue
		}
		s.Events = append(s.Events, e)
	}
	return s, nil
}

func decodeEvent(raw json.RawMessage, md *Metadata) (*Event, error) {
	var je jsonEvent
	if err := json.Unmarshal(raw, &je); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	start, err := ParseStartDate(je.StartDate)
	if err != nil {
		return nil, err
	}
	e := &Event{
		DefinitionOID:     je.StudyEventOID,
		RepeatKey:         je.RepeatKey,
		StartDate:         start,
		Status:            je.Status,
		SubjectAgeAtEvent: jsonText(je.SubjectAgeAtEvent),
	}
	for _, f := range je.FormData {
		e.AddForm(Form{OID: f.FormOID, Version: f.Version, Status: f.Status})
	}
	md.ScheduleDefaultForms(e)
	return e, nil
}

func (c *RESTClient) view(ctx context.Context, baseURL, method string) (*casebook, error) {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("cookiejar: %w", err)
	}
	session := &http.Client{Transport: c.base.Transport, Timeout: c.base.Timeout, Jar: jar}

	login := url.Values{"j_username": {c.username}, "j_password": {c.clearpass}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"j_spring_security_check", strings.NewReader(login.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := session.Do(req)
	if err != nil {
		return nil, fmt.Errorf("edc login: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"rest/clinicaldata/json/view/"+method, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err = session.Do(req)
	if err != nil {
		return nil, fmt.Errorf("edc clinicaldata %s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("edc clinicaldata %s: status %d", method, resp.StatusCode)
	}

	var cb casebook
	if err := json.NewDecoder(resp.Body).Decode(&cb); err != nil {
		return nil, fmt.Errorf("decode clinicaldata %s: %w", method, err)
	}
	return &cb, nil
}
