// Package dicomweb talks to a Google Cloud Healthcare DICOM store. The
// gateway uses it as an alternate direct-store transport (STOW-RS) and to
// trigger imports of files staged in Cloud Storage.
package dicomweb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/coneno/logger"
	healthcare "google.golang.org/api/healthcare/v1"
	"google.golang.org/api/option"
)

type Client struct {
	projectID string
	location  string
	datasetID string
	storeID   string
	svc       *healthcare.Service
}

func NewClient(ctx context.Context, projectID, location, datasetID, storeID string, opts ...option.ClientOption) (*Client, error) {
	svc, err := healthcare.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("healthcare.NewService: %w", err)
	}
	return &Client{
		projectID: projectID,
		location:  location,
		datasetID: datasetID,
		storeID:   storeID,
		svc:       svc,
	}, nil
}

func (c *Client) dicomStoreParent() string {
	return fmt.Sprintf(
		"projects/%s/locations/%s/datasets/%s/dicomStores/%s",
		c.projectID, c.location, c.datasetID, c.storeID,
	)
}

func (c *Client) String() string { return c.dicomStoreParent() }

// StoreFile uploads one DICOM file with STOW-RS.
func (c *Client) StoreFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("os.Open(%s): %w", path, err)
	}
	defer f.Close()

	call := c.svc.Projects.Locations.Datasets.DicomStores.StoreInstances(c.dicomStoreParent(), "studies", f)
	call.Header().Set("Content-Type", "application/dicom")
	resp, err := call.Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("StoreInstances: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("StoreInstances: status %d %s: %s", resp.StatusCode, resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}

// ImportFromGCS starts a DICOM import of the objects matching uri and
// returns the long-running operation name.
func (c *Client) ImportFromGCS(ctx context.Context, uri string) (string, error) {
	if !strings.HasPrefix(uri, "gs://") {
		return "", fmt.Errorf("uri must start with gs://, got %q", uri)
	}
	req := &healthcare.ImportDicomDataRequest{
		GcsSource: &healthcare.GoogleCloudHealthcareV1DicomGcsSource{Uri: uri},
	}
	op, err := c.svc.Projects.Locations.Datasets.DicomStores.Import(c.dicomStoreParent(), req).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("dicomStores.Import: %w", err)
	}
	logger.Info.Printf("ImportFromGCS: started import of %s, operation %s", uri, op.Name)
	return op.Name, nil
}

// WaitForOperation polls the given long-running operation until completion or context cancel.
func (c *Client) WaitForOperation(ctx context.Context, opName string, interval time.Duration) error {
	ops := c.svc.Projects.Locations.Datasets.Operations

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			op, err := ops.Get(opName).Context(ctx).Do()
			if err != nil {
				return fmt.Errorf("operations.Get(%s): %w", opName, err)
			}
			logger.Debug.Printf("WaitForOperation: op=%s done=%v", op.Name, op.Done)

			if op.Done {
				if op.Error != nil && op.Error.Message != "" {
					return fmt.Errorf("dicom import failed: %s", op.Error.Message)
				}
				return nil
			}
		}
	}
}

func (c *Client) RetrieveStudyToFile(ctx context.Context, studyUID, outputFile string) error {
	if studyUID == "" {
		return fmt.Errorf("studyUID is required")
	}

	parent := c.dicomStoreParent()
	dicomWebPath := fmt.Sprintf("studies/%s", studyUID)

	studiesSvc := c.svc.Projects.Locations.Datasets.DicomStores.Studies
	resp, err := studiesSvc.RetrieveStudy(parent, dicomWebPath).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("RetrieveStudy: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode > 299 {
		return fmt.Errorf("RetrieveStudy: status %d %s", resp.StatusCode, resp.Status)
	}

	f, err := os.Create(outputFile)
	if err != nil {
		return fmt.Errorf("os.Create(%s): %w", outputFile, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("io.Copy to %s: %w", outputFile, err)
	}
	return nil
}

func (c *Client) DeleteStudy(ctx context.Context, studyUID string) error {
	if studyUID == "" {
		return fmt.Errorf("studyUID is required")
	}

	studiesSvc := c.svc.Projects.Locations.Datasets.DicomStores.Studies
	if _, err := studiesSvc.Delete(c.dicomStoreParent(), "studies/"+studyUID).Context(ctx).Do(); err != nil {
		return fmt.Errorf("DeleteStudy: %w", err)
	}
	return nil
}

// StudyMetadataJSON returns the indented DICOM JSON metadata of a study.
func (c *Client) StudyMetadataJSON(ctx context.Context, studyUID string) ([]byte, error) {
	if studyUID == "" {
		return nil, fmt.Errorf("studyUID is required")
	}

	parent := c.dicomStoreParent()
	dicomWebPath := fmt.Sprintf("studies/%s/metadata", studyUID)

	studiesSvc := c.svc.Projects.Locations.Datasets.DicomStores.Studies
	resp, err := studiesSvc.RetrieveMetadata(parent, dicomWebPath).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("RetrieveMetadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode > 299 {
		return nil, fmt.Errorf("RetrieveMetadata: status %d %s", resp.StatusCode, resp.Status)
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode metadata JSON: %w", err)
	}

	pretty, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("pretty-print JSON: %w", err)
	}
	return pretty, nil
}
