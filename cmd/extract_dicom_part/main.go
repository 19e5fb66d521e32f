package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/coneno/logger"

	"radplanbio-rest/dicomfile"
	"radplanbio-rest/ingest"
)

// Unpacks a captured uploadDicomData request body and prints the DICOM
// identifiers of the file it carries.
//
//	go run ./cmd/extract_dicom_part -in testdata/upload.msgpack -out /tmp
func main() {
	inPath := flag.String("in", "", "captured msgpack upload body")
	outDir := flag.String("out", ".", "directory the carried file is written to")
	flag.Parse()

	if *inPath == "" {
		logger.Error.Fatal("-in is required")
	}
	payload, err := os.ReadFile(*inPath)
	if err != nil {
		logger.Error.Fatalf("read %s: %v", *inPath, err)
	}

	bundle, err := ingest.DecodeBundle(payload)
	if err != nil {
		logger.Error.Fatalf("DecodeBundle: %v", err)
	}
	outPath := filepath.Join(*outDir, bundle.Name)
	if err := os.WriteFile(outPath, bundle.Data, 0o644); err != nil {
		logger.Error.Fatalf("write %s: %v", outPath, err)
	}
	fmt.Printf("Wrote %s (%d bytes, finish=%v)\n", outPath, len(bundle.Data), bundle.Finish)

	id, err := dicomfile.ReadIdentifiers(outPath)
	if err != nil {
		logger.Error.Fatalf("ReadIdentifiers: %v", err)
	}
	fmt.Printf("  PatientID:         %s\n", id.PatientID)
	fmt.Printf("  StudyInstanceUID:  %s\n", id.StudyInstanceUID)
	fmt.Printf("  SeriesInstanceUID: %s\n", id.SeriesInstanceUID)
	fmt.Printf("  SOPInstanceUID:    %s\n", id.SOPInstanceUID)
}
