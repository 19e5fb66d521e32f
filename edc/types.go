// Package edc talks to the OpenClinica electronic data capture system.
//
// Two clients are provided: a SOAP client for study, subject and event
// metadata, and a REST client that reads the live casebook (subject OIDs,
// event repeat keys and the forms that already carry data). Both normalise
// the upstream documents into the types declared here.
package edc

import (
	"time"
)

// Study is an EDC study as listed by the metadata service.
type Study struct {
	Identifier string
	OID        string
	Name       string
	Sites      []StudySite
}

// IsMultiCentre reports whether the study has any study-sites.
func (s Study) IsMultiCentre() bool {
	return len(s.Sites) > 0
}

// StudySite is a site of a multi-centre study.
type StudySite struct {
	Identifier string
	OID        string
	Name       string
}

// Subject is a study subject together with its enrolled events.
type Subject struct {
	OID              string // SubjectKey; authoritative value comes from the REST casebook
	Label            string // study subject ID
	SecondaryLabel   string
	UniqueIdentifier string // pseudonym, may carry a site prefix
	Gender           string
	DateOfBirth      string
	YearOfBirth      string
	EnrollmentDate   string
	Status           string
	Events           []*Event
}

// Event is one occurrence of a study event for a subject.
type Event struct {
	DefinitionOID     string
	RepeatKey         string
	StartDate         time.Time
	Status            string
	SubjectAgeAtEvent string
	Forms             []Form
}

// Form is a CRF version scheduled for, or already filled in, an event.
type Form struct {
	OID     string
	Version string
	Status  string
}

// AddForm appends f unless a form with the same OID is already present.
func (e *Event) AddForm(f Form) bool {
	if e.HasForm(f.OID) {
		return false
	}
	e.Forms = append(e.Forms, f)
	return true
}

// HasForm reports whether the form OID is among the event's scheduled forms.
func (e *Event) HasForm(formOID string) bool {
	for _, f := range e.Forms {
		if f.OID == formOID {
			return true
		}
	}
	return false
}

// SameOccurrence reports whether o describes the same event occurrence as e,
// i.e. same definition OID and same start date.
func (e *Event) SameOccurrence(o *Event) bool {
	return e.DefinitionOID == o.DefinitionOID && e.StartDate.Equal(o.StartDate)
}

// MergeLive copies the live casebook state (status, repeat key and forms) of
// o onto e. Forms already known on e are kept.
func (e *Event) MergeLive(o *Event) {
	e.Status = o.Status
	e.RepeatKey = o.RepeatKey
	for _, f := range o.Forms {
		e.AddForm(f)
	}
}
