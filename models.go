package main

import "time"

// Annotation type names stored in annotationtype.name.
const (
	AnnotationDicomStudyUID  = "DICOM_STUDY_INSTANCE_UID"
	AnnotationDicomPatientID = "DICOM_PATIENT_ID"
	AnnotationDicomSRText    = "DICOM_SR_TEXT"
)

type RTStructType struct {
	ID          int    `gorm:"column:id;primaryKey" json:"id"`
	Name        string `gorm:"column:name" json:"name"`
	Description string `gorm:"column:description" json:"description"`
}

func (RTStructType) TableName() string { return "rtstructtype" }

type RTStruct struct {
	ID          int           `gorm:"column:id;primaryKey" json:"id"`
	Identifier  string        `gorm:"column:identifier" json:"identifier"`
	Name        string        `gorm:"column:name" json:"name"`
	Description string        `gorm:"column:description" json:"description"`
	TypeID      *int          `gorm:"column:typeid" json:"-"`
	StructType  *RTStructType `gorm:"foreignKey:TypeID;references:ID" json:"structType"`
}

func (RTStruct) TableName() string { return "rtstruct" }

type AnnotationType struct {
	ID          int    `gorm:"column:id;primaryKey" json:"id"`
	Name        string `gorm:"column:name" json:"name"`
	Description string `gorm:"column:description" json:"description"`
}

func (AnnotationType) TableName() string { return "annotationtype" }

// ServerIE is the public endpoint of a site's import/export server.
type ServerIE struct {
	ServerID  int    `gorm:"column:serverid;primaryKey" json:"serverid"`
	IPAddress string `gorm:"column:ipaddress" json:"ipaddress"`
	Port      int    `gorm:"column:port" json:"port"`
	PublicURL string `gorm:"column:publicurl" json:"publicurl"`
	IsEnabled bool   `gorm:"column:isenabled" json:"-"`
}

func (ServerIE) TableName() string { return "serverie" }

type Pacs struct {
	PacsID      int    `gorm:"column:pacsid;primaryKey" json:"pacsid"`
	PacsBaseURL string `gorm:"column:pacsbaseurl" json:"pacsbaseurl"`
	IsEnabled   bool   `gorm:"column:isenabled" json:"-"`
}

func (Pacs) TableName() string { return "pacs" }

type Portal struct {
	PortalID      int    `gorm:"column:portalid;primaryKey" json:"portalid"`
	PortalBaseURL string `gorm:"column:portalbaseurl" json:"portalbaseurl"`
	PublicURL     string `gorm:"column:publicurl" json:"publicurl"`
	IsEnabled     bool   `gorm:"column:isenabled" json:"-"`
}

func (Portal) TableName() string { return "portal" }

type Software struct {
	ID          int     `gorm:"column:id;primaryKey" json:"id"`
	Name        string  `gorm:"column:name" json:"name"`
	Description string  `gorm:"column:description" json:"description"`
	Version     string  `gorm:"column:version" json:"version"`
	Filename    string  `gorm:"column:filename" json:"filename"`
	Latest      bool    `gorm:"column:latest" json:"latest"`
	PortalID    *int    `gorm:"column:portalid" json:"-"`
	Portal      *Portal `gorm:"foreignKey:PortalID;references:PortalID" json:"portal"`
}

func (Software) TableName() string { return "software" }

// Edc holds the connection settings of a site's OpenClinica instance.
type Edc struct {
	EdcID       int    `gorm:"column:edcid;primaryKey" json:"edcid"`
	EdcBaseURL  string `gorm:"column:edcbaseurl" json:"edcbaseurl"`
	SoapBaseURL string `gorm:"column:soapbaseurl" json:"soapbaseurl"`
	IsEnabled   bool   `gorm:"column:isenabled" json:"isenabled"`
	Version     string `gorm:"column:version" json:"version"`
}

func (Edc) TableName() string { return "edc" }

// Pidg is a site's pseudonym generator (Mainzelliste).
type Pidg struct {
	GeneratorID      int    `gorm:"column:generatorid;primaryKey" json:"generatorid"`
	GeneratorBaseURL string `gorm:"column:generatorbaseurl" json:"generatorbaseurl"`
	APIKey           string `gorm:"column:apikey" json:"apikey"`
	AdminUsername    string `gorm:"column:adminusername" json:"adminusername"`
	AdminPassword    string `gorm:"column:adminpassword" json:"adminpassword"`
	IsEnabled        bool   `gorm:"column:isenabled" json:"-"`
}

func (Pidg) TableName() string { return "pidg" }

// PartnerSite is one participating institution. Identifier is the prefix
// carried by the pseudonyms it generates.
type PartnerSite struct {
	SiteID      int       `gorm:"column:siteid;primaryKey" json:"siteid"`
	Identifier  string    `gorm:"column:identifier" json:"identifier"`
	SiteName    string    `gorm:"column:sitename" json:"sitename"`
	Description string    `gorm:"column:description" json:"-"`
	IsEnabled   bool      `gorm:"column:isenabled" json:"-"`
	ServerID    *int      `gorm:"column:serverid" json:"-"`
	PacsID      *int      `gorm:"column:pacsid" json:"-"`
	PortalID    *int      `gorm:"column:portalid" json:"-"`
	GeneratorID *int      `gorm:"column:generatorid" json:"-"`
	EdcID       *int      `gorm:"column:edcid" json:"-"`
	ServerIE    *ServerIE `gorm:"foreignKey:ServerID;references:ServerID" json:"serverie"`
	Pacs        *Pacs     `gorm:"foreignKey:PacsID;references:PacsID" json:"pacs"`
	Portal      *Portal   `gorm:"foreignKey:PortalID;references:PortalID" json:"portal"`
	Pidg        *Pidg     `gorm:"foreignKey:GeneratorID;references:GeneratorID" json:"pidg"`
	Edc         *Edc      `gorm:"foreignKey:EdcID;references:EdcID" json:"edc"`
}

func (PartnerSite) TableName() string { return "partnersite" }

// PacsBaseURL is empty when the site has no archive configured.
func (s *PartnerSite) PacsBaseURL() string {
	if s == nil || s.Pacs == nil {
		return ""
	}
	return s.Pacs.PacsBaseURL
}

// PublicURL is the base URL other sites use to reach this site's API.
func (s *PartnerSite) PublicURL() string {
	if s == nil || s.ServerIE == nil {
		return ""
	}
	return s.ServerIE.PublicURL
}

// Account is a local (default) RadPlanBio account. OCUsername links it to
// an OpenClinica user.
type Account struct {
	ID            int          `gorm:"column:id;primaryKey" json:"id"`
	Username      string       `gorm:"column:username" json:"username"`
	Password      string       `gorm:"column:password" json:"-"`
	IsEnabled     bool         `gorm:"column:isenabled" json:"isenabled"`
	OCUsername    string       `gorm:"column:ocusername" json:"ocusername"`
	PartnerSiteID *int         `gorm:"column:partnersiteid" json:"-"`
	PartnerSite   *PartnerSite `gorm:"foreignKey:PartnerSiteID;references:SiteID" json:"partnersite"`
}

func (Account) TableName() string { return "defaultaccount" }

// EDCUsername is the OpenClinica login of the account.
func (a *Account) EDCUsername() string {
	if a.OCUsername != "" {
		return a.OCUsername
	}
	return a.Username
}

type Study struct {
	ID                int          `gorm:"column:id;primaryKey" json:"id"`
	OCStudyIdentifier string       `gorm:"column:ocstudyidentifier" json:"ocstudyidentifier"`
	SiteID            *int         `gorm:"column:siteid" json:"-"`
	PartnerSite       *PartnerSite `gorm:"foreignKey:SiteID;references:SiteID" json:"partnersite"`
}

func (Study) TableName() string { return "study" }

// CrfFieldAnnotation marks one eCRF item as carrying DICOM data.
type CrfFieldAnnotation struct {
	ID                 int             `gorm:"column:id;primaryKey" json:"id"`
	EventDefinitionOID string          `gorm:"column:eventdefinitionoid" json:"eventdefinitionoid"`
	FormOID            string          `gorm:"column:formoid" json:"formoid"`
	GroupOID           string          `gorm:"column:groupoid" json:"groupoid"`
	CrfItemOID         string          `gorm:"column:crfitemoid" json:"crfitemoid"`
	TypeID             *int            `gorm:"column:typeid" json:"-"`
	StudyID            *int            `gorm:"column:studyid" json:"-"`
	AnnotationType     *AnnotationType `gorm:"foreignKey:TypeID;references:ID" json:"annotationtype"`
	Study              *Study          `gorm:"foreignKey:StudyID;references:ID" json:"study"`
}

func (CrfFieldAnnotation) TableName() string { return "crffieldannotation" }

type PullDataRequest struct {
	PullID         int          `gorm:"column:pullid;primaryKey" json:"-"`
	Subject        string       `gorm:"column:subject" json:"subject"`
	Message        string       `gorm:"column:message" json:"message"`
	Created        time.Time    `gorm:"column:created" json:"created"`
	SentFromSiteID *int         `gorm:"column:sentfromsiteid" json:"-"`
	SentToSiteID   *int         `gorm:"column:senttositeid" json:"-"`
	SentFromSite   *PartnerSite `gorm:"foreignKey:SentFromSiteID;references:SiteID" json:"sentFromSite"`
	SentToSite     *PartnerSite `gorm:"foreignKey:SentToSiteID;references:SiteID" json:"sentToSite"`
}

func (PullDataRequest) TableName() string { return "pulldatarequest" }

// OCStudy is a study (or study site) row of the OpenClinica database.
type OCStudy struct {
	ID                  int      `json:"id"`
	UniqueIdentifier    string   `json:"uniqueIdentifier"`
	SecondaryIdentifier string   `json:"secondaryIdentifier"`
	Name                string   `json:"name"`
	OCOID               string   `json:"ocoid"`
	ParentStudy         *OCStudy `json:"parentStudy"`
}
