// Copyright 2025 James Ross
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Manifest is the exact wire schema written to <output_dir>/manifest.json.
type Manifest struct {
	JobID      string            `json:"job_id"`
	Provider   string            `json:"provider"`
	Collection string            `json:"collection"`
	CreatedAt  string            `json:"created_at"`
	Paths      []string          `json:"paths"`
	Checksums  map[string]string `json:"checksums"`
	Metadata   map[string]interface{} `json:"metadata"`
}

// Build assembles a Manifest entry for the given job outputs. checksums
// must already cover every entry in paths; the manifest's own path and
// digest are added by Write, not here.
func Build(jobID, provider, collection string, paths []string, checksums map[string]string, metadata map[string]interface{}) Manifest {
	return Manifest{
		JobID:      jobID,
		Provider:   provider,
		Collection: collection,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339Nano),
		Paths:      paths,
		Checksums:  checksums,
		Metadata:   metadata,
	}
}

// Write serializes m as pretty (2-space indent) JSON to
// outputDir/fileName, then folds the manifest file's own path and
// digest into the returned paths/checksums so callers can include them
// in the job Result.
func Write(outputDir, fileName string, m Manifest) (finalPaths []string, finalChecksums map[string]string, err error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("marshal manifest: %w", err)
	}

	manifestPath := filepath.Join(outputDir, fileName)
	if err := os.WriteFile(manifestPath, data, 0o644); err != nil {
		return nil, nil, fmt.Errorf("write manifest: %w", err)
	}

	sum, err := SHA256File(manifestPath)
	if err != nil {
		return nil, nil, fmt.Errorf("digest manifest: %w", err)
	}

	finalChecksums = make(map[string]string, len(m.Checksums)+1)
	for k, v := range m.Checksums {
		finalChecksums[k] = v
	}
	finalChecksums[manifestPath] = sum

	finalPaths = append(append([]string{}, m.Paths...), manifestPath)
	return finalPaths, finalChecksums, nil
}
