package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/coneno/logger"
	"github.com/gin-gonic/gin"
)

// RPBStore is the local RadPlanBio store.
type RPBStore interface {
	AccountStore
	SiteLookup
	AllPartnerSites(ctx context.Context) ([]PartnerSite, error)
	PartnerSitesExceptName(ctx context.Context, name string) ([]PartnerSite, error)
	PartnerSiteByName(ctx context.Context, name string) (*PartnerSite, error)
	StudyByOcIdentifier(ctx context.Context, identifier string) (*Study, error)
	CrfFieldAnnotations(ctx context.Context, studyID int, typeName string) ([]CrfFieldAnnotation, error)
	AllRTStructs(ctx context.Context) ([]RTStruct, error)
	LatestSoftware(ctx context.Context, name string) (*Software, error)
	AddPullDataRequest(ctx context.Context, req *PullDataRequest) error
	PullDataRequestsFromSite(ctx context.Context, siteID int) ([]PullDataRequest, error)
	PullDataRequestsToSite(ctx context.Context, siteID int) ([]PullDataRequest, error)
}

// EDCStore is the direct OpenClinica database access.
type EDCStore interface {
	EDCPasswordSource
	OCStudyByIdentifier(ctx context.Context, identifier string) (*OCStudy, error)
	UserActiveStudy(ctx context.Context, username string) (*OCStudy, error)
	ChangeUserActiveStudy(ctx context.Context, username string, studyID int) (bool, error)
	CrfItemValue(ctx context.Context, q CrfItemQuery) (string, error)
}

// Handlers holds dependencies shared by HTTP handlers.
type Handlers struct {
	Cfg     Config
	DB      RPBStore
	EDC     EDCStore // nil when the OpenClinica database is disabled
	Auth    *CredentialVerifier
	Archive ArchiveClient
	Ingest  Ingester
	EDCAPI  EDCClients
	Locks   StudyLocker
	Sites   Pseudonyms
}

const accountKey = "account"

// writeJSON is a small helper to send JSON responses with status code.
func writeJSON(c *gin.Context, status int, v interface{}) {
	c.Header("Content-Type", "application/json")
	c.Status(status)
	if err := json.NewEncoder(c.Writer).Encode(v); err != nil {
		logger.Error.Printf("writeJSON error: %v", err)
	}
}

func writeError(c *gin.Context, op string, err error) {
	logger.Error.Printf("%s: %v", op, err)
	writeJSON(c, http.StatusInternalServerError, gin.H{"error": "internal error"})
}

// notFound is the fixed answer for unknown paths and missing resources.
func notFound(c *gin.Context) {
	c.Header("Content-Type", "application/json")
	c.AbortWithStatus(http.StatusNotFound)
}

func accountFrom(c *gin.Context) *Account {
	v, ok := c.Get(accountKey)
	if !ok {
		return nil
	}
	acc, _ := v.(*Account)
	return acc
}

// requireAccount authenticates the Username/Password headers.
func (h *Handlers) requireAccount(c *gin.Context) {
	username := c.GetHeader("Username")
	acc, err := h.Auth.Authenticate(c.Request.Context(), username, c.GetHeader("Password"))
	if err != nil {
		logger.Info.Printf("%s %s - not authenticated", c.Request.Method, c.Request.URL.Path)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatus(http.StatusForbidden)
		return
	}
	c.Set(accountKey, acc)
	c.Next()
}

// requireEDC hides the OpenClinica routes when the database is not configured.
func (h *Handlers) requireEDC(c *gin.Context) {
	if h.EDC == nil {
		notFound(c)
		return
	}
	c.Next()
}

func intParam(c *gin.Context, name string) (int, bool) {
	n, err := strconv.Atoi(c.Param(name))
	return n, err == nil
}

// AccountHandler answers authenticateUser and getMyDefaultAccount.
func (h *Handlers) AccountHandler(c *gin.Context) {
	writeJSON(c, http.StatusOK, accountFrom(c))
}

func (h *Handlers) StudyByOcIdentifierHandler(c *gin.Context) {
	study, err := h.DB.StudyByOcIdentifier(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, "StudyByOcIdentifierHandler", err)
		return
	}
	if study == nil {
		notFound(c)
		return
	}
	writeJSON(c, http.StatusOK, study)
}

func (h *Handlers) AllRTStructsHandler(c *gin.Context) {
	structs, err := h.DB.AllRTStructs(c.Request.Context())
	if err != nil {
		writeError(c, "AllRTStructsHandler", err)
		return
	}
	writeJSON(c, http.StatusOK, structs)
}

// CrfAnnotationsHandler lists the annotations of a local study, optionally
// restricted to one annotation type.
func (h *Handlers) CrfAnnotationsHandler(typeName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		studyID, ok := intParam(c, "id")
		if !ok {
			notFound(c)
			return
		}
		annotations, err := h.DB.CrfFieldAnnotations(c.Request.Context(), studyID, typeName)
		if err != nil {
			writeError(c, "CrfAnnotationsHandler", err)
			return
		}
		writeJSON(c, http.StatusOK, annotations)
	}
}

func (h *Handlers) AllPartnerSitesHandler(c *gin.Context) {
	sites, err := h.DB.AllPartnerSites(c.Request.Context())
	if err != nil {
		writeError(c, "AllPartnerSitesHandler", err)
		return
	}
	writeJSON(c, http.StatusOK, sites)
}

func (h *Handlers) PartnerSitesExceptNameHandler(c *gin.Context) {
	sites, err := h.DB.PartnerSitesExceptName(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeError(c, "PartnerSitesExceptNameHandler", err)
		return
	}
	writeJSON(c, http.StatusOK, sites)
}

func (h *Handlers) PartnerSiteByNameHandler(c *gin.Context) {
	site, err := h.DB.PartnerSiteByName(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeError(c, "PartnerSiteByNameHandler", err)
		return
	}
	if site == nil {
		notFound(c)
		return
	}
	writeJSON(c, http.StatusOK, site)
}

func (h *Handlers) LatestSoftwareHandler(c *gin.Context) {
	sw, err := h.DB.LatestSoftware(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeError(c, "LatestSoftwareHandler", err)
		return
	}
	if sw == nil {
		notFound(c)
		return
	}
	writeJSON(c, http.StatusOK, sw)
}

type siteRef struct {
	SiteName string `json:"sitename"`
}

type pullDataRequestBody struct {
	Subject      string    `json:"subject"`
	Message      string    `json:"message"`
	Created      time.Time `json:"created"`
	SentFromSite *siteRef  `json:"sentFromSite"`
	SentToSite   *siteRef  `json:"sentToSite"`
}

// AddPullDataRequestHandler stores a request of another site to pull data
// from the requester's site. Sites are resolved by name.
func (h *Handlers) AddPullDataRequestHandler(c *gin.Context) {
	if c.ContentType() != "application/json" {
		writeJSON(c, http.StatusBadRequest, gin.H{"error": "expected application/json"})
		return
	}
	var body pullDataRequestBody
	if err := json.NewDecoder(c.Request.Body).Decode(&body); err != nil {
		logger.Warning.Printf("AddPullDataRequestHandler: invalid body: %v", err)
		writeJSON(c, http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if body.SentFromSite == nil || body.SentToSite == nil {
		writeJSON(c, http.StatusBadRequest, gin.H{"error": "sentFromSite and sentToSite are required"})
		return
	}

	ctx := c.Request.Context()
	toSite, err := h.DB.PartnerSiteByName(ctx, body.SentToSite.SiteName)
	if err != nil {
		writeError(c, "AddPullDataRequestHandler", err)
		return
	}
	fromSite, err := h.DB.PartnerSiteByName(ctx, body.SentFromSite.SiteName)
	if err != nil {
		writeError(c, "AddPullDataRequestHandler", err)
		return
	}
	if toSite == nil || fromSite == nil {
		writeJSON(c, http.StatusBadRequest, gin.H{"error": "unknown partner site"})
		return
	}

	created := body.Created
	if created.IsZero() {
		created = time.Now().UTC()
	}
	req := &PullDataRequest{
		Subject:        body.Subject,
		Message:        body.Message,
		Created:        created,
		SentFromSiteID: &fromSite.SiteID,
		SentToSiteID:   &toSite.SiteID,
	}
	if err := h.DB.AddPullDataRequest(ctx, req); err != nil {
		writeError(c, "AddPullDataRequestHandler", err)
		return
	}
	logger.Info.Printf("AddPullDataRequestHandler: %s -> %s about %s", fromSite.SiteName, toSite.SiteName, req.Subject)
	c.Status(http.StatusOK)
}

// PullDataRequestsHandler lists the pull requests sent from (outgoing) or
// to the requester's site.
func (h *Handlers) PullDataRequestsHandler(outgoing bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		acc := accountFrom(c)
		if acc.PartnerSiteID == nil {
			writeJSON(c, http.StatusOK, []PullDataRequest{})
			return
		}
		list := h.DB.PullDataRequestsToSite
		if outgoing {
			list = h.DB.PullDataRequestsFromSite
		}
		reqs, err := list(c.Request.Context(), *acc.PartnerSiteID)
		if err != nil {
			writeError(c, "PullDataRequestsHandler", err)
			return
		}
		writeJSON(c, http.StatusOK, reqs)
	}
}

func (h *Handlers) OCStudyByIdentifierHandler(c *gin.Context) {
	study, err := h.EDC.OCStudyByIdentifier(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, "OCStudyByIdentifierHandler", err)
		return
	}
	if study == nil {
		notFound(c)
		return
	}
	writeJSON(c, http.StatusOK, study)
}

func (h *Handlers) UserActiveStudyHandler(c *gin.Context) {
	study, err := h.EDC.UserActiveStudy(c.Request.Context(), c.Param("ocUsername"))
	if err != nil {
		writeError(c, "UserActiveStudyHandler", err)
		return
	}
	if study == nil {
		notFound(c)
		return
	}
	writeJSON(c, http.StatusOK, study)
}

func (h *Handlers) ChangeUserActiveStudyHandler(c *gin.Context) {
	studyID, ok := intParam(c, "newId")
	if !ok {
		notFound(c)
		return
	}
	changed, err := h.EDC.ChangeUserActiveStudy(c.Request.Context(), c.Param("ocUsername"), studyID)
	if err != nil {
		writeError(c, "ChangeUserActiveStudyHandler", err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"result": changed})
}

// CrfItemValueHandler reads one eCRF item value. The v2 route carries the
// event repeat key.
func (h *Handlers) CrfItemValueHandler(c *gin.Context) {
	q := CrfItemQuery{
		StudySiteOID: c.Param("studySiteOid"),
		SubjectPID:   c.Param("subjectPid"),
		EventOID:     c.Param("eventOid"),
		RepeatKey:    c.Param("repeatKey"),
		FormOID:      c.Param("formOid"),
		ItemOID:      c.Param("itemOid"),
	}
	if q.RepeatKey != "" {
		if _, err := strconv.Atoi(q.RepeatKey); err != nil {
			notFound(c)
			return
		}
	}
	value, err := h.EDC.CrfItemValue(c.Request.Context(), q)
	if err != nil {
		writeError(c, "CrfItemValueHandler", err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"itemOid": q.ItemOID, "itemValue": value})
}

// OCAccountPasswordHashHandler returns the EDC password hash of the
// requesting account, used by clients to call the EDC web services.
func (h *Handlers) OCAccountPasswordHashHandler(c *gin.Context) {
	acc := accountFrom(c)
	hash, err := h.EDC.AccountPasswordHash(c.Request.Context(), acc.EDCUsername())
	if err != nil {
		writeError(c, "OCAccountPasswordHashHandler", err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"ocPasswordHash": hash})
}
