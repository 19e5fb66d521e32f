package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/coneno/logger"
	"github.com/gin-gonic/gin"

	"radplanbio-rest/edc"
)

// MetadataService is the SOAP side of the EDC.
type MetadataService interface {
	ListAllStudies(ctx context.Context) ([]edc.Study, error)
	GetStudyMetadata(ctx context.Context, study edc.Study) (*edc.Metadata, error)
	ListAllStudySubjectsByStudy(ctx context.Context, study edc.Study, md *edc.Metadata) ([]*edc.Subject, error)
	ListAllStudySubjectsByStudySite(ctx context.Context, study edc.Study, site edc.StudySite, md *edc.Metadata) ([]*edc.Subject, error)
}

// CasebookService is the REST side of the EDC.
type CasebookService interface {
	GetStudyCasebookSubjects(ctx context.Context, baseURL, studyOID string) ([]*edc.Subject, error)
	GetStudyCasebookEvents(ctx context.Context, baseURL, studyOID, subjectOID string) ([]*edc.Event, error)
}

// EDCClients builds per-user EDC clients.
type EDCClients interface {
	Metadata(soapBaseURL, username, passwordHash string) MetadataService
	Casebook(username, clearpass string) CasebookService
}

type edcClientFactory struct {
	httpClient *http.Client
}

func (f edcClientFactory) Metadata(soapBaseURL, username, passwordHash string) MetadataService {
	return edc.NewSOAPClient(soapBaseURL, username, passwordHash, f.httpClient)
}

func (f edcClientFactory) Casebook(username, clearpass string) CasebookService {
	return edc.NewRESTClient(username, clearpass, f.httpClient)
}

var (
	errStudyNotFound = errors.New("study not found in EDC")
	errNoEDCEndpoint = errors.New("account site has no EDC endpoint")
)

// CrossReference correlates the subjects of a study with the DICOM studies
// recorded in their eCRFs.
type CrossReference struct {
	Patients []CrossReferencePatient `json:"Patients"`
}

type CrossReferencePatient struct {
	SubjectKey       string                `json:"SubjectKey"`
	StudySubjectID   string                `json:"StudySubjectID"`
	UniqueIdentifier string                `json:"UniqueIdentifier"`
	Studies          []CrossReferenceStudy `json:"Studies"`
}

type CrossReferenceStudy struct {
	StudyInstanceUID string `json:"StudyInstanceUid"`
	StudyEventOID    string `json:"StudyEventOid"`
	ItemOID          string `json:"ItemOid"`
	Label            string `json:"Label"`
	WebAPIURL        string `json:"WebApiUrl"`
}

// crossReferenceRun holds the state of one synchronisation.
type crossReferenceRun struct {
	h           *Handlers
	account     *Account
	meta        *edc.Metadata
	scopeOID    string
	multiCentre bool
	annotations []CrfFieldAnnotation
}

// selectStudy finds identifier among the EDC studies, either as a study or
// as one of their sites.
func selectStudy(studies []edc.Study, identifier string) (edc.Study, *edc.StudySite, bool) {
	for _, s := range studies {
		if s.Identifier == identifier {
			return s, nil, true
		}
	}
	for _, s := range studies {
		for i := range s.Sites {
			if s.Sites[i].Identifier == identifier {
				site := s.Sites[i]
				return s, &site, true
			}
		}
	}
	return edc.Study{}, nil, false
}

// mergeCasebookSubjects copies the authoritative subject OIDs of the live
// casebook onto the metadata subjects, matched by study subject label.
func mergeCasebookSubjects(subjects, live []*edc.Subject) {
	byLabel := make(map[string]string, len(live))
	for _, s := range live {
		byLabel[s.Label] = s.OID
	}
	for _, s := range subjects {
		if oid, ok := byLabel[s.Label]; ok {
			s.OID = oid
		}
	}
}

// mergeCasebookEvents copies status, repeat key and forms of the live events
// onto the metadata events of the same occurrence.
func mergeCasebookEvents(events, live []*edc.Event) {
	for _, e := range events {
		for _, l := range live {
			if e.SameOccurrence(l) {
				e.MergeLive(l)
			}
		}
	}
}

// CrossReference builds the study to imaging cross-reference for the study
// or study-site identifier, as seen by acc.
func (h *Handlers) CrossReference(ctx context.Context, acc *Account, identifier, clearpass string) (*CrossReference, error) {
	site := acc.PartnerSite
	if site == nil || site.Edc == nil {
		return nil, errNoEDCEndpoint
	}
	username := acc.EDCUsername()
	hash, err := h.EDC.AccountPasswordHash(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("password hash: %w", err)
	}
	soap := h.EDCAPI.Metadata(site.Edc.SoapBaseURL, username, hash)
	rest := h.EDCAPI.Casebook(username, clearpass)

	studies, err := soap.ListAllStudies(ctx)
	if err != nil {
		logger.Error.Printf("CrossReference: list studies: %v", err)
	}
	study, studySite, ok := selectStudy(studies, identifier)
	if !ok {
		return nil, fmt.Errorf("%w: %q", errStudyNotFound, identifier)
	}

	run := &crossReferenceRun{h: h, account: acc}
	run.meta, err = soap.GetStudyMetadata(ctx, study)
	if err != nil {
		logger.Error.Printf("CrossReference: metadata of %s: %v", study.Identifier, err)
	}

	var subjects []*edc.Subject
	if studySite != nil {
		run.scopeOID = studySite.OID
		run.multiCentre = true
		subjects, err = soap.ListAllStudySubjectsByStudySite(ctx, study, *studySite, run.meta)
	} else {
		run.scopeOID = study.OID
		subjects, err = soap.ListAllStudySubjectsByStudy(ctx, study, run.meta)
	}
	if err != nil {
		logger.Error.Printf("CrossReference: subjects of %s: %v", identifier, err)
	}
	logger.Debug.Printf("CrossReference: %d SOAP subjects for %s", len(subjects), identifier)

	live, err := rest.GetStudyCasebookSubjects(ctx, site.Edc.EdcBaseURL, run.scopeOID)
	if err != nil {
		logger.Error.Printf("CrossReference: casebook subjects of %s: %v", run.scopeOID, err)
	}
	mergeCasebookSubjects(subjects, live)

	local, err := h.DB.StudyByOcIdentifier(ctx, study.Identifier)
	if err != nil {
		return nil, fmt.Errorf("local study: %w", err)
	}
	if local == nil {
		logger.Warning.Printf("CrossReference: no local study for %s, no annotations", study.Identifier)
	} else {
		run.annotations, err = h.DB.CrfFieldAnnotations(ctx, local.ID, AnnotationDicomStudyUID)
		if err != nil {
			return nil, fmt.Errorf("annotations: %w", err)
		}
	}

	out := &CrossReference{Patients: make([]CrossReferencePatient, 0, len(subjects))}
	for _, subject := range subjects {
		events, err := rest.GetStudyCasebookEvents(ctx, site.Edc.EdcBaseURL, run.scopeOID, subject.OID)
		if err != nil {
			logger.Error.Printf("CrossReference: casebook events of %s: %v", subject.Label, err)
		}
		mergeCasebookEvents(subject.Events, events)

		patient := CrossReferencePatient{
			SubjectKey:       subject.OID,
			StudySubjectID:   subject.Label,
			UniqueIdentifier: subject.UniqueIdentifier,
			Studies:          []CrossReferenceStudy{},
		}
		if err := run.collectStudies(ctx, subject, &patient); err != nil {
			logger.Error.Printf("CrossReference: subject %s: %v", subject.Label, err)
		}
		out.Patients = append(out.Patients, patient)
	}
	return out, nil
}

// collectStudies appends to p one record per annotated field of subject that
// holds a value. Records found before an error are kept.
func (r *crossReferenceRun) collectStudies(ctx context.Context, subject *edc.Subject, p *CrossReferencePatient) error {
	fallback := r.account.PartnerSite
	site := fallback
	if r.multiCentre {
		var err error
		site, err = r.h.Sites.SiteFor(ctx, r.h.DB, subject.UniqueIdentifier, fallback)
		if err != nil {
			return err
		}
	}

	for _, event := range subject.Events {
		for _, a := range r.annotations {
			if a.EventDefinitionOID != event.DefinitionOID || !event.HasForm(a.FormOID) {
				continue
			}
			value, err := r.h.EDC.CrfItemValue(ctx, CrfItemQuery{
				StudySiteOID: r.scopeOID,
				SubjectPID:   subject.UniqueIdentifier,
				EventOID:     event.DefinitionOID,
				RepeatKey:    event.RepeatKey,
				FormOID:      a.FormOID,
				ItemOID:      a.CrfItemOID,
			})
			if err != nil {
				return err
			}
			if value == "" {
				logger.Debug.Printf("CrossReference: no UID in %s/%s for %s", a.FormOID, a.CrfItemOID, subject.Label)
				continue
			}
			p.Studies = append(p.Studies, CrossReferenceStudy{
				StudyInstanceUID: value,
				StudyEventOID:    a.EventDefinitionOID,
				ItemOID:          a.CrfItemOID,
				Label:            r.meta.ItemLabel(a.FormOID, a.CrfItemOID),
				WebAPIURL:        studyURL(site.PublicURL(), subject.UniqueIdentifier, value),
			})
		}
	}
	return nil
}

func studyURL(publicURL, patientID, studyUID string) string {
	return publicURL + "/api/v1/patients/" + url.PathEscape(patientID) + "/dicomStudies/" + url.PathEscape(studyUID)
}

// StudyDicomStudiesHandler answers /api/v1/studies/:id/dicomStudies.
func (h *Handlers) StudyDicomStudiesHandler(c *gin.Context) {
	acc := accountFrom(c)
	xref, err := h.CrossReference(c.Request.Context(), acc, c.Param("id"), c.GetHeader("Clearpass"))
	switch {
	case errors.Is(err, errStudyNotFound), errors.Is(err, errNoEDCEndpoint):
		logger.Info.Printf("StudyDicomStudiesHandler: %v", err)
		notFound(c)
	case err != nil:
		writeError(c, "StudyDicomStudiesHandler", err)
	default:
		writeJSON(c, http.StatusOK, xref)
	}
}
