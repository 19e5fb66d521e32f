package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/coneno/logger"

	"radplanbio-rest/conquest"
	"radplanbio-rest/dicomweb"
)

/*
Operator tool for the two archive back ends.

 go run ./cmd/dicom_tool -action=list -pacs=http://pacs:8080/cgi-bin/dgate

 go run ./cmd/dicom_tool -action=exists -pacs=... \
  -patient=DD-0001 -study=1.2.3 -series=1.2.3.4 -sop=1.2.3.4.5

 go run ./cmd/dicom_tool -action=download -pacs=... -patient=DD-0001 -study=1.2.3 -out=/tmp

 go run ./cmd/dicom_tool -action=meta -study=1.2.3 \
  -project=rpb -location=europe-west3 -dataset=rpb -store=rpb-dicom
*/

func main() {
	var (
		action    = flag.String("action", "list", "action: list|exists|download|meta|retrieve|delete")
		pacsURL   = flag.String("pacs", "", "Conquest dgate base URL (list|exists|download)")
		patientID = flag.String("patient", "", "DICOM PatientID")
		studyUID  = flag.String("study", "", "DICOM StudyInstanceUID")
		seriesUID = flag.String("series", "", "DICOM SeriesInstanceUID (exists)")
		sopUID    = flag.String("sop", "", "DICOM SOPInstanceUID (exists)")
		output    = flag.String("out", ".", "output directory for download, output file for retrieve")
		insecure  = flag.Bool("insecure", false, "skip TLS verification towards the PACS")
		projectID = flag.String("project", "", "GCP project ID")
		location  = flag.String("location", "europe-west3", "Healthcare location")
		datasetID = flag.String("dataset", "", "Healthcare dataset ID")
		storeID   = flag.String("store", "", "Healthcare DICOM store ID")
	)
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	switch *action {
	case "list", "exists", "download":
		if *pacsURL == "" {
			logger.Error.Fatal("-pacs is required")
		}
		runConquest(ctx, conquest.NewClient(*insecure, 0), *action, *pacsURL, *patientID, *studyUID, *seriesUID, *sopUID, *output)
	case "meta", "retrieve", "delete":
		if *studyUID == "" {
			logger.Error.Fatal("-study is required")
		}
		client, err := dicomweb.NewClient(ctx, *projectID, *location, *datasetID, *storeID)
		if err != nil {
			logger.Error.Fatalf("NewClient: %v", err)
		}
		runDICOMweb(ctx, client, *action, *studyUID, *output)
	default:
		logger.Error.Fatalf("unknown -action %q", *action)
	}
}

func runConquest(ctx context.Context, c *conquest.Client, action, base, patientID, studyUID, seriesUID, sopUID, out string) {
	switch action {
	case "list":
		var (
			studies []conquest.StudyDescriptor
			err     error
		)
		if patientID != "" {
			studies, err = c.ListStudiesByPatient(ctx, base, patientID)
		} else {
			studies, err = c.ListStudies(ctx, base)
		}
		if err != nil {
			logger.Error.Fatalf("list studies: %v", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(studies); err != nil {
			logger.Error.Fatalf("encode: %v", err)
		}
	case "exists":
		fmt.Println(c.Exists(ctx, base, patientID, studyUID, seriesUID, sopUID))
	case "download":
		path, err := c.DownloadStudyArchive(ctx, base, patientID, studyUID, out)
		if err != nil {
			logger.Error.Fatalf("download: %v", err)
		}
		fmt.Println(path)
	}
}

func runDICOMweb(ctx context.Context, c *dicomweb.Client, action, studyUID, out string) {
	switch action {
	case "retrieve":
		if out == "." {
			out = "study.multipart"
		}
		if err := c.RetrieveStudyToFile(ctx, studyUID, out); err != nil {
			logger.Error.Fatalf("RetrieveStudyToFile: %v", err)
		}
	case "delete":
		if err := c.DeleteStudy(ctx, studyUID); err != nil {
			logger.Error.Fatalf("DeleteStudy: %v", err)
		}
	case "meta":
		b, err := c.StudyMetadataJSON(ctx, studyUID)
		if err != nil {
			logger.Error.Fatalf("StudyMetadataJSON: %v", err)
		}
		fmt.Println(string(b))
	}
}
