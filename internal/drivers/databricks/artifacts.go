// SPDX-FileCopyrightText: 2022 SAP SE
// SPDX-License-Identifier: Apache-2.0

package databricks

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/sapcc/luna-agent/internal/luna"
	"github.com/sapcc/luna-agent/internal/models"
)

// MLflow artifact layout used by published projects.
const (
	outputJSONPath  = "output/output.json"
	outputDirPrefix = "output"
)

// getArtifact downloads one artifact of an MLflow run.
func (d *Driver) getArtifact(ctx context.Context, runID, artifactPath string) ([]byte, error) {
	query := url.Values{"run_id": {runID}, "path": {artifactPath}}
	return d.rawRequest(ctx, "2.0/mlflow/artifacts/get-artifact", query)
}

type artifactFile struct {
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
}

// listArtifacts enumerates all files below an artifact path, descending into
// subdirectories.
func (d *Driver) listArtifacts(ctx context.Context, runID, artifactPath string) ([]artifactFile, error) {
	query := url.Values{"run_id": {runID}, "path": {artifactPath}}
	var respBody struct {
		Files []artifactFile `json:"files"`
	}
	err := d.doRequest(ctx, http.MethodGet, "2.0/mlflow/artifacts/list", query, nil, &respBody)
	if err != nil {
		return nil, err
	}

	var result []artifactFile
	for _, file := range respBody.Files {
		if file.IsDir {
			children, err := d.listArtifacts(ctx, runID, file.Path)
			if err != nil {
				return nil, err
			}
			result = append(result, children...)
		} else {
			result = append(result, file)
		}
	}
	return result, nil
}

// GetOperationOutput implements the luna.BackendDriver interface.
func (d *Driver) GetOperationOutput(ctx context.Context, experiment string, kind luna.RunKind, filter luna.TagFilter, outputType luna.OutputType) (*luna.OperationOutput, error) {
	_, child, err := d.findRunPair(ctx, experiment, filter)
	if err != nil || child == nil {
		return nil, err
	}

	switch outputType {
	case luna.OutputTypeJSON:
		content, err := d.getArtifact(ctx, child.Info.RunID, outputJSONPath)
		if err != nil {
			return nil, err
		}
		return &luna.OperationOutput{ContentType: "application/json", Body: content}, nil
	case luna.OutputTypeFile:
		files, err := d.listArtifacts(ctx, child.Info.RunID, outputDirPrefix)
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		writer := zip.NewWriter(&buf)
		for _, file := range files {
			entry, err := writer.Create(strings.TrimPrefix(strings.TrimPrefix(file.Path, outputDirPrefix), "/"))
			if err != nil {
				return nil, err
			}
			content, err := d.getArtifact(ctx, child.Info.RunID, file.Path)
			if err != nil {
				return nil, err
			}
			_, err = entry.Write(content)
			if err != nil {
				return nil, err
			}
		}
		err = writer.Close()
		if err != nil {
			return nil, err
		}
		return &luna.OperationOutput{
			ContentType: "application/zip",
			Filename:    fmt.Sprintf("output_%s.zip", filter.OperationID),
			Body:        buf.Bytes(),
		}, nil
	default:
		return nil, luna.ErrOutputTypeUnsupported.With("unknown output type %q", outputType)
	}
}

// GetOperationLog implements the luna.BackendDriver interface. MLflow does
// not retain driver logs for finished runs, so this is not offered here.
func (d *Driver) GetOperationLog(ctx context.Context, experiment string, kind luna.RunKind, filter luna.TagFilter) (string, error) {
	return "", luna.ErrOperationNotSupported.With("operation logs are not available on Databricks")
}

// DownloadModel implements the luna.BackendDriver interface. The model files
// live in DBFS at the artifact URI recorded in the model registry.
func (d *Driver) DownloadModel(ctx context.Context, model models.MLModel) (*luna.OperationOutput, error) {
	query := url.Values{"name": {model.ModelName}}
	var respBody struct {
		RegisteredModel struct {
			LatestVersions []struct {
				Version     string `json:"version"`
				ArtifactURI string `json:"artifact_uri"` // "dbfs:/..."
			} `json:"latest_versions"`
		} `json:"registered_model"`
	}
	err := d.doRequest(ctx, http.MethodGet, "2.0/mlflow/registered-models/get", query, nil, &respBody)
	if err != nil {
		return nil, err
	}

	artifactURI := ""
	for _, version := range respBody.RegisteredModel.LatestVersions {
		if model.ModelVersion == "" || version.Version == model.ModelVersion {
			artifactURI = version.ArtifactURI
			break
		}
	}
	if artifactURI == "" {
		return nil, luna.ErrNoModelPublished.With("model %q is not registered in the workspace", model.ModelName)
	}

	dbfsRoot := strings.TrimPrefix(artifactURI, "dbfs:")
	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)
	err = d.zipDBFSTree(ctx, writer, dbfsRoot, dbfsRoot)
	if err != nil {
		return nil, err
	}
	err = writer.Close()
	if err != nil {
		return nil, err
	}
	return &luna.OperationOutput{
		ContentType: "application/zip",
		Filename:    fmt.Sprintf("model_%s.zip", model.ModelName),
		Body:        buf.Bytes(),
	}, nil
}

// zipDBFSTree walks a DBFS directory and writes all files into the archive,
// with paths relative to root.
func (d *Driver) zipDBFSTree(ctx context.Context, writer *zip.Writer, root, dirPath string) error {
	query := url.Values{"path": {dirPath}}
	var respBody struct {
		Files []struct {
			Path     string `json:"path"`
			IsDir    bool   `json:"is_dir"`
			FileSize int64  `json:"file_size"`
		} `json:"files"`
	}
	err := d.doRequest(ctx, http.MethodGet, "2.0/dbfs/list", query, nil, &respBody)
	if err != nil {
		return err
	}

	for _, file := range respBody.Files {
		if file.IsDir {
			err := d.zipDBFSTree(ctx, writer, root, file.Path)
			if err != nil {
				return err
			}
			continue
		}
		entry, err := writer.Create(strings.TrimPrefix(strings.TrimPrefix(file.Path, path.Clean(root)), "/"))
		if err != nil {
			return err
		}
		err = d.downloadDBFSFile(ctx, entry, file.Path, file.FileSize)
		if err != nil {
			return err
		}
	}
	return nil
}

const dbfsChunkSize = 1 << 20

// downloadDBFSFile reads one DBFS file in 1 MiB chunks. The read API returns
// base64-encoded chunks and reports how many bytes each chunk contains.
func (d *Driver) downloadDBFSFile(ctx context.Context, target io.Writer, filePath string, size int64) error {
	for offset := int64(0); offset < size; offset += dbfsChunkSize {
		query := url.Values{
			"path":   {filePath},
			"offset": {strconv.FormatInt(offset, 10)},
			"length": {strconv.FormatInt(dbfsChunkSize, 10)},
		}
		var respBody struct {
			BytesRead int64  `json:"bytes_read"`
			Data      string `json:"data"`
		}
		err := d.doRequest(ctx, http.MethodGet, "2.0/dbfs/read", query, nil, &respBody)
		if err != nil {
			return err
		}
		chunk, err := base64.StdEncoding.DecodeString(respBody.Data)
		if err != nil {
			return fmt.Errorf("malformed DBFS chunk at offset %d of %s: %w", offset, filePath, err)
		}
		_, err = target.Write(chunk)
		if err != nil {
			return err
		}
		if respBody.BytesRead == 0 {
			break
		}
	}
	return nil
}
