// Package dicomfile holds the small amount of DICOM file handling the
// gateway needs: reading the identifying UIDs of an instance and unpacking
// study archives downloaded from the PACS.
package dicomfile

import (
	"errors"
	"fmt"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// ErrNoIdentifiers is returned when a file parses but lacks the UIDs needed
// to look it up in the archive.
var ErrNoIdentifiers = errors.New("dicom identifiers missing")

// Identifiers are the four keys the archive's existence check is made on.
type Identifiers struct {
	PatientID         string
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string
}

// Complete reports whether all four identifiers are set.
func (id Identifiers) Complete() bool {
	return id.PatientID != "" && id.StudyInstanceUID != "" && id.SeriesInstanceUID != "" && id.SOPInstanceUID != ""
}

// ReadIdentifiers parses the header of the DICOM file at path, skipping pixel
// data, and returns its identifiers.
func ReadIdentifiers(path string) (Identifiers, error) {
	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		return Identifiers{}, fmt.Errorf("dicom.ParseFile(%s): %w", path, err)
	}
	id := Identifiers{
		PatientID:         getStringByTag(&ds, tag.PatientID),
		StudyInstanceUID:  getStringByTag(&ds, tag.StudyInstanceUID),
		SeriesInstanceUID: getStringByTag(&ds, tag.SeriesInstanceUID),
		SOPInstanceUID:    getStringByTag(&ds, tag.SOPInstanceUID),
	}
	if !id.Complete() {
		return id, fmt.Errorf("%s: %w", path, ErrNoIdentifiers)
	}
	return id, nil
}

// getStringByTag returns the first string value of the tag, trimmed of the
// space and NUL padding DICOM adds to odd-length values.
func getStringByTag(ds *dicom.Dataset, t tag.Tag) string {
	if ds == nil {
		return ""
	}
	el, err := ds.FindElementByTag(t)
	if err != nil || el == nil || el.Value == nil {
		return ""
	}
	vals, ok := el.Value.GetValue().([]string)
	if !ok || len(vals) == 0 {
		return ""
	}
	return strings.Trim(vals[0], " \x00")
}
