package edc

import (
	"encoding/json"
	"fmt"

	"github.com/beevik/etree"
)

// Metadata is the subset of an ODM MetaDataVersion needed to work out which
// forms an event schedules and how CRF items are labelled.
type Metadata struct {
	StudyOID  string
	eventDefs map[string]*EventDef
	formDefs  map[string]*FormDef
	itemDefs  map[string]*ItemDef
}

// EventDef is a study event definition with its referenced forms, in
// document order.
type EventDef struct {
	OID      string
	Name     string
	FormOIDs []string
}

// FormDef is a CRF version definition.
type FormDef struct {
	OID  string
	Name string
	// eventOID -> IsDefaultVersion; "" when the definition did not name the event
	defaults map[string]bool
}

// ItemDef is a CRF item definition. Labels holds the left item text per form.
type ItemDef struct {
	OID    string
	Name   string
	Labels map[string]string
}

func newMetadata(studyOID string) *Metadata {
	return &Metadata{
		StudyOID:  studyOID,
		eventDefs: map[string]*EventDef{},
		formDefs:  map[string]*FormDef{},
		itemDefs:  map[string]*ItemDef{},
	}
}

// EventDef returns the event definition for oid, or nil.
func (m *Metadata) EventDef(oid string) *EventDef {
	if m == nil {
		return nil
	}
	return m.eventDefs[oid]
}

// isDefaultIn reports whether the form is the default version for the event.
func (f *FormDef) isDefaultIn(eventOID string) bool {
	if d, ok := f.defaults[eventOID]; ok {
		return d
	}
	return f.defaults[""]
}

// DefaultForms lists the default-version forms the event definition refers to.
func (m *Metadata) DefaultForms(eventOID string) []Form {
	def := m.EventDef(eventOID)
	if def == nil {
		return nil
	}
	var forms []Form
	for _, oid := range def.FormOIDs {
		fd, ok := m.formDefs[oid]
		if !ok || !fd.isDefaultIn(eventOID) {
			continue
		}
		forms = append(forms, Form{OID: oid})
	}
	return forms
}

// ScheduleDefaultForms adds to e the default-version forms of its event
// definition that are not already reported.
func (m *Metadata) ScheduleDefaultForms(e *Event) {
	for _, f := range m.DefaultForms(e.DefinitionOID) {
		e.AddForm(f)
	}
}

// ItemLabel returns the label of the item as presented in the form. It falls
// back to the item name and returns "" for unknown items.
func (m *Metadata) ItemLabel(formOID, itemOID string) string {
	if m == nil {
		return ""
	}
	item, ok := m.itemDefs[itemOID]
	if !ok {
		return ""
	}
	if l := item.Labels[formOID]; l != "" {
		return l
	}
	return item.Name
}

func (m *Metadata) addEventDef(d *EventDef) { m.eventDefs[d.OID] = d }
func (m *Metadata) addFormDef(d *FormDef)   { m.formDefs[d.OID] = d }
func (m *Metadata) addItemDef(d *ItemDef)   { m.itemDefs[d.OID] = d }

// ParseODMMetadata reads the Study/MetaDataVersion part of an ODM XML document.
func ParseODMMetadata(odm []byte) (*Metadata, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(odm); err != nil {
		return nil, fmt.Errorf("ParseODMMetadata: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("ParseODMMetadata: empty document")
	}
	study := firstChild(root, "Study")
	if study == nil {
		return nil, fmt.Errorf("ParseODMMetadata: no Study element")
	}
	md := newMetadata(study.SelectAttrValue("OID", ""))
	mdv := firstChild(study, "MetaDataVersion")
	if mdv == nil {
		return md, nil
	}

	for _, e := range children(mdv, "StudyEventDef") {
		def := &EventDef{OID: e.SelectAttrValue("OID", ""), Name: e.SelectAttrValue("Name", "")}
		for _, ref := range children(e, "FormRef") {
			def.FormOIDs = append(def.FormOIDs, ref.SelectAttrValue("FormOID", ""))
		}
		md.addEventDef(def)
	}
	for _, e := range children(mdv, "FormDef") {
		def := &FormDef{OID: e.SelectAttrValue("OID", ""), Name: e.SelectAttrValue("Name", ""), defaults: map[string]bool{}}
		for _, details := range children(e, "FormDetails") {
			for _, p := range children(details, "PresentInEventDefinition") {
				def.defaults[p.SelectAttrValue("StudyEventOID", "")] = p.SelectAttrValue("IsDefaultVersion", "") == "Yes"
			}
		}
		md.addFormDef(def)
	}
	for _, e := range children(mdv, "ItemDef") {
		def := &ItemDef{OID: e.SelectAttrValue("OID", ""), Name: e.SelectAttrValue("Name", ""), Labels: map[string]string{}}
		for _, details := range children(e, "ItemDetails") {
			for _, p := range children(details, "ItemPresentInForm") {
				if t := firstChild(p, "LeftItemText"); t != nil {
					def.Labels[p.SelectAttrValue("FormOID", "")] = t.Text()
				}
			}
		}
		md.addItemDef(def)
	}
	return md, nil
}

// ODM JSON shapes of the casebook metadata section.
type jsonMetaDataVersion struct {
	StudyEventDef OneOrMany[jsonStudyEventDef] `json:"StudyEventDef"`
	FormDef       OneOrMany[jsonFormDef]       `json:"FormDef"`
	ItemDef       OneOrMany[jsonItemDef]       `json:"ItemDef"`
}

type jsonStudyEventDef struct {
	OID     string                `json:"@OID"`
	Name    string                `json:"@Name"`
	FormRef OneOrMany[jsonFormRef] `json:"FormRef"`
}

type jsonFormRef struct {
	FormOID string `json:"@FormOID"`
}

type jsonFormDef struct {
	OID         string `json:"@OID"`
	Name        string `json:"@Name"`
	FormDetails struct {
		PresentInEventDefinition OneOrMany[struct {
			StudyEventOID    string `json:"@StudyEventOID"`
			IsDefaultVersion string `json:"@IsDefaultVersion"`
		}] `json:"OpenClinica:PresentInEventDefinition"`
	} `json:"OpenClinica:FormDetails"`
}

type jsonItemDef struct {
	OID         string `json:"@OID"`
	Name        string `json:"@Name"`
	ItemDetails struct {
		ItemPresentInForm OneOrMany[struct {
			FormOID      string          `json:"@FormOID"`
			LeftItemText json.RawMessage `json:"OpenClinica:LeftItemText"`
		}] `json:"OpenClinica:ItemPresentInForm"`
	} `json:"OpenClinica:ItemDetails"`
}

func metadataFromJSON(studyOID string, mdv *jsonMetaDataVersion) *Metadata {
	md := newMetadata(studyOID)
	if mdv == nil {
		return md
	}
	for _, e := range mdv.StudyEventDef {
		def := &EventDef{OID: e.OID, Name: e.Name}
		for _, ref := range e.FormRef {
			def.FormOIDs = append(def.FormOIDs, ref.FormOID)
		}
		md.addEventDef(def)
	}
	for _, f := range mdv.FormDef {
		def := &FormDef{OID: f.OID, Name: f.Name, defaults: map[string]bool{}}
		for _, p := range f.FormDetails.PresentInEventDefinition {
			def.defaults[p.StudyEventOID] = p.IsDefaultVersion == "Yes"
		}
		md.addFormDef(def)
	}
	for _, it := range mdv.ItemDef {
		def := &ItemDef{OID: it.OID, Name: it.Name, Labels: map[string]string{}}
		for _, p := range it.ItemDetails.ItemPresentInForm {
			def.Labels[p.FormOID] = jsonText(p.LeftItemText)
		}
		md.addItemDef(def)
	}
	return md
}

// children returns the direct child elements of e with the given local name,
// whatever their namespace prefix.
func children(e *etree.Element, tag string) []*etree.Element {
	var out []*etree.Element
	for _, c := range e.ChildElements() {
		if c.Tag == tag {
			out = append(out, c)
		}
	}
	return out
}

func firstChild(e *etree.Element, tag string) *etree.Element {
	for _, c := range e.ChildElements() {
		if c.Tag == tag {
			return c
		}
	}
	return nil
}

// childText returns the text of the first child called tag, or "".
func childText(e *etree.Element, tag string) string {
	if c := firstChild(e, tag); c != nil {
		return c.Text()
	}
	return ""
}

// findFirst searches e and its descendants depth-first for tag.
func findFirst(e *etree.Element, tag string) *etree.Element {
	if e.Tag == tag {
		return e
	}
	for _, c := range e.ChildElements() {
		if f := findFirst(c, tag); f != nil {
			return f
		}
	}
	return nil
}
