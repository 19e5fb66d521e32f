package main

import (
	"time"

	"github.com/coneno/logger"
	"github.com/gin-gonic/gin"
)

// requestLogger logs one line per request at debug level.
func requestLogger(c *gin.Context) {
	start := time.Now()
	c.Next()
	logger.Debug.Printf("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
}

// handle registers path with and without a trailing slash.
func handle(g *gin.RouterGroup, method, path string, handlers ...gin.HandlerFunc) {
	g.Handle(method, path, handlers...)
	g.Handle(method, path+"/", handlers...)
}

// handlePrefix registers path and any path below it.
func handlePrefix(g *gin.RouterGroup, method, path string, handlers ...gin.HandlerFunc) {
	g.Handle(method, path, handlers...)
	g.Handle(method, path+"/*rest", handlers...)
}

// newRouter maps every API path to its handler. All routes, including
// unknown ones, require an authenticated account.
func newRouter(h *Handlers) *gin.Engine {
	router := gin.New()
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false
	router.Use(gin.Recovery(), withCORS(h.Cfg.AllowOrigins), requestLogger)
	router.NoRoute(h.requireAccount, notFound)

	v1 := router.Group("/api/v1", h.requireAccount)

	// accounts
	handlePrefix(v1, "GET", "/authenticateUser", h.AccountHandler)
	handlePrefix(v1, "GET", "/getMyDefaultAccount", h.AccountHandler)

	// local store lookups
	v1.GET("/getStudyByOcIdentifier/:id", h.StudyByOcIdentifierHandler)
	handle(v1, "GET", "/getAllRTStructs", h.AllRTStructsHandler)
	v1.GET("/getCrfFieldsAnnotationForStudy/:id", h.CrfAnnotationsHandler(""))
	v1.GET("/getDicomStudyCrfAnnotationsForStudy/:id", h.CrfAnnotationsHandler(AnnotationDicomStudyUID))
	v1.GET("/getDicomPatientCrfAnnotationsForStudy/:id", h.CrfAnnotationsHandler(AnnotationDicomPatientID))
	v1.GET("/getDicomReportCrfAnnotationsForStudy/:id", h.CrfAnnotationsHandler(AnnotationDicomSRText))
	handle(v1, "GET", "/getAllPartnerSites", h.AllPartnerSitesHandler)
	v1.GET("/getAllPartnerExceptName/:name", h.PartnerSitesExceptNameHandler)
	v1.GET("/getPartnerSiteByName/:name", h.PartnerSiteByNameHandler)
	v1.GET("/getLatestSoftware/:name", h.LatestSoftwareHandler)

	// pull data requests
	handle(v1, "POST", "/addPullDataRequest", h.AddPullDataRequestHandler)
	handle(v1, "GET", "/getPullDataRequestsFromMySite", h.PullDataRequestsHandler(true))
	handle(v1, "GET", "/getPullDataRequestsToMySite", h.PullDataRequestsHandler(false))

	// PACS
	handle(v1, "POST", "/uploadDicomData", h.UploadDicomDataHandler)
	handle(v1, "GET", "/getAllDicomStudies", h.AllDicomStudiesHandler)
	v1.GET("/getDicomStudiesByPatientId/:id", h.DicomStudiesByPatientHandler)
	v1.GET("/patients/:pid/dicomStudies/:uid/dcm/:file", h.DcmFileHandler)
	handle(v1, "GET", "/patients/:pid/dicomStudies/:uid/clean", h.CleanStudyHandler)
	handle(v1, "GET", "/patients/:pid/dicomStudies/:uid/unzip", h.UnzipStudyHandler)

	// OpenClinica
	oc := v1.Group("", h.requireEDC)
	handle(oc, "GET", "/studies/:id/dicomStudies", h.StudyDicomStudiesHandler)
	oc.GET("/getOCStudyByIdentifier/:id", h.OCStudyByIdentifierHandler)
	oc.GET("/getUserActiveStudy/:ocUsername", h.UserActiveStudyHandler)
	oc.GET("/changeUserActiveStudy/:ocUsername/:newId", h.ChangeUserActiveStudyHandler)
	oc.GET("/getCrfItemValue/:studySiteOid/:subjectPid/:eventOid/:formOid/:itemOid", h.CrfItemValueHandler)
	handlePrefix(oc, "GET", "/getOCAccoutPasswordHash", h.OCAccountPasswordHashHandler)

	v2 := router.Group("/api/v2", h.requireAccount, h.requireEDC)
	v2.GET("/getCrfItemValue/:studySiteOid/:subjectPid/:eventOid/:repeatKey/:formOid/:itemOid", h.CrfItemValueHandler)

	return router
}
