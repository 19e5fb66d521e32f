package edc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/beevik/etree"
	"github.com/coneno/logger"
)

const (
	nsSoapEnv      = "http://schemas.xmlsoap.org/soap/envelope/"
	nsWsse         = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd"
	passwordText   = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-username-token-profile-1.0#PasswordText"
	nsBeans        = "http://openclinica.org/ws/beans"
	nsStudy        = "http://openclinica.org/ws/study/v1"
	nsStudySubject = "http://openclinica.org/ws/studySubject/v1"

	resultSuccess = "Success"
)

// SOAPClient calls the OpenClinica web services for studies, study metadata
// and study subjects. The password is the SHA1 hash stored in the EDC
// account table, as required by the WS-Security username token.
type SOAPClient struct {
	baseURL      string
	username     string
	passwordHash string
	http         *http.Client
}

// NewSOAPClient returns a client for the web services rooted at baseURL.
func NewSOAPClient(baseURL, username, passwordHash string, httpClient *http.Client) *SOAPClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &SOAPClient{baseURL: baseURL, username: username, passwordHash: passwordHash, http: httpClient}
}

// ListAllStudies returns every study visible to the user, with its sites.
func (c *SOAPClient) ListAllStudies(ctx context.Context) ([]Study, error) {
	body, err := c.call(ctx, "ws/study/v1", nsStudy, func(b *etree.Element) {
		b.CreateElement("v1:listAllRequest")
	})
	if err != nil {
		return nil, err
	}
	resp := findFirst(body, "listAllResponse")
	if err := checkResult(resp); err != nil {
		return nil, fmt.Errorf("ListAllStudies: %w", err)
	}

	var studies []Study
	if list := firstChild(resp, "studies"); list != nil {
		for _, s := range children(list, "study") {
			st := Study{
				Identifier: childText(s, "identifier"),
				OID:        childText(s, "oid"),
				Name:       childText(s, "name"),
			}
			if sites := firstChild(s, "sites"); sites != nil {
				for _, site := range children(sites, "site") {
					st.Sites = append(st.Sites, StudySite{
						Identifier: childText(site, "identifier"),
						OID:        childText(site, "oid"),
						Name:       childText(site, "name"),
					})
				}
			}
			studies = append(studies, st)
		}
	}
	return studies, nil
}

// GetStudyMetadata downloads and parses the ODM metadata of a study.
func (c *SOAPClient) GetStudyMetadata(ctx context.Context, study Study) (*Metadata, error) {
	body, err := c.call(ctx, "ws/study/v1", nsStudy, func(b *etree.Element) {
		req := b.CreateElement("v1:getMetadataRequest")
		meta := req.CreateElement("v1:studyMetadata")
		meta.CreateElement("bean:identifier").SetText(study.Identifier)
	})
	if err != nil {
		return nil, err
	}
	resp := findFirst(body, "getMetadataResponse")
	if err := checkResult(resp); err != nil {
		return nil, fmt.Errorf("GetStudyMetadata %s: %w", study.Identifier, err)
	}
	odm := childText(resp, "odm")
	if odm == "" {
		return nil, fmt.Errorf("GetStudyMetadata %s: empty odm", study.Identifier)
	}
	return ParseODMMetadata([]byte(odm))
}

// ListAllStudySubjectsByStudy lists the subjects of a whole study.
func (c *SOAPClient) ListAllStudySubjectsByStudy(ctx context.Context, study Study, md *Metadata) ([]*Subject, error) {
	return c.listSubjects(ctx, study, nil, md)
}

// ListAllStudySubjectsByStudySite lists the subjects enrolled at one site.
func (c *SOAPClient) ListAllStudySubjectsByStudySite(ctx context.Context, study Study, site StudySite, md *Metadata) ([]*Subject, error) {
	return c.listSubjects(ctx, study, &site, md)
}

func (c *SOAPClient) listSubjects(ctx context.Context, study Study, site *StudySite, md *Metadata) ([]*Subject, error) {
	body, err := c.call(ctx, "ws/studySubject/v1", nsStudySubject, func(b *etree.Element) {
		req := b.CreateElement("v1:listAllByStudyRequest")
		ref := req.CreateElement("bean:studyRef")
		ref.CreateElement("bean:identifier").SetText(study.Identifier)
		if site != nil {
			ref.CreateElement("bean:siteRef").CreateElement("bean:identifier").SetText(site.Identifier)
		}
	})
	if err != nil {
		return nil, err
	}
	resp := findFirst(body, "listAllByStudyResponse")
	if err := checkResult(resp); err != nil {
		return nil, fmt.Errorf("listAllByStudy %s: %w", study.Identifier, err)
	}

	var subjects []*Subject
	list := firstChild(resp, "studySubjects")
	if list == nil {
		return subjects, nil
	}
	for _, ss := range children(list, "studySubject") {
		s := &Subject{
			OID:            childText(ss, "oid"),
			Label:          childText(ss, "label"),
			SecondaryLabel: childText(ss, "secondaryLabel"),
			EnrollmentDate: childText(ss, "enrollmentDate"),
		}
		if subj := firstChild(ss, "subject"); subj != nil {
			s.UniqueIdentifier = childText(subj, "uniqueIdentifier")
			s.Gender = childText(subj, "gender")
			s.DateOfBirth = childText(subj, "dateOfBirth")
			s.YearOfBirth = childText(subj, "yearOfBirth")
		}
		if events := firstChild(ss, "events"); events != nil {
			for _, ev := range children(events, "event") {
				start, err := parseSOAPStartDate(childText(ev, "startDate"), childText(ev, "startTime"))
				if err != nil {
					logger.Warning.Printf("listSubjects: skipping event of %s: %v", s.Label, err)
					continue
				}
				e := &Event{DefinitionOID: childText(ev, "eventDefinitionOID"), StartDate: start}
				md.ScheduleDefaultForms(e)
				s.Events = append(s.Events, e)
			}
		}
		subjects = append(subjects, s)
	}
	return subjects, nil
}

func checkResult(resp *etree.Element) error {
	if resp == nil {
		return fmt.Errorf("missing response element")
	}
	if r := childText(resp, "result"); r != resultSuccess {
		return fmt.Errorf("result %q", r)
	}
	return nil
}

// call posts a SOAP envelope to the service and returns the response Body.
func (c *SOAPClient) call(ctx context.Context, service, ns string, build func(body *etree.Element)) (*etree.Element, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	env := doc.CreateElement("soapenv:Envelope")
	env.CreateAttr("xmlns:soapenv", nsSoapEnv)
	env.CreateAttr("xmlns:v1", ns)
	env.CreateAttr("xmlns:bean", nsBeans)

	sec := env.CreateElement("soapenv:Header").CreateElement("wsse:Security")
	sec.CreateAttr("soapenv:mustUnderstand", "1")
	sec.CreateAttr("xmlns:wsse", nsWsse)
	token := sec.CreateElement("wsse:UsernameToken")
	token.CreateElement("wsse:Username").SetText(c.username)
	pw := token.CreateElement("wsse:Password")
	pw.CreateAttr("Type", passwordText)
	pw.SetText(c.passwordHash)

	build(env.CreateElement("soapenv:Body"))

	payload, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+service, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", `""`)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("soap %s: %w", service, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("soap %s: read: %w", service, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("soap %s: status %d", service, resp.StatusCode)
	}

	out := etree.NewDocument()
	if err := out.ReadFromBytes(raw); err != nil {
		return nil, fmt.Errorf("soap %s: parse: %w", service, err)
	}
	root := out.Root()
	if root == nil {
		return nil, fmt.Errorf("soap %s: empty response", service)
	}
	body := findFirst(root, "Body")
	if body == nil {
		return nil, fmt.Errorf("soap %s: no Body", service)
	}
	return body, nil
}
