// SPDX-FileCopyrightText: 2022 SAP SE
// SPDX-License-Identifier: Apache-2.0

package azureml

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/sapcc/luna-agent/internal/luna"
	"github.com/sapcc/luna-agent/internal/models"
)

// artifact store layout for experiment runs
const (
	artifactOriginRun = "ExperimentRun"
	outputJSONPath    = "outputs/output.json"
	outputDirPrefix   = "outputs"
	driverLogPath     = "azureml-logs/70_driver_log.txt"
)

func runContainer(runID string) string {
	return "dcid." + runID
}

type artifactContentInfo struct {
	Path       string `json:"path"`
	ContentURI string `json:"contentUri"`
}

// getArtifactContentInfo resolves one artifact path to its download URI.
func (d *Driver) getArtifactContentInfo(ctx context.Context, origin, container, artifactPath string) (*artifactContentInfo, error) {
	uri := d.requestURL("artifact/v2.0", "artifacts", "contentinfo", origin, container) + "/" + artifactPath
	var info artifactContentInfo
	err := d.doRequest(ctx, http.MethodGet, uri, nil, &info)
	if err != nil {
		return nil, err
	}
	info.Path = artifactPath
	return &info, nil
}

// listArtifactsByPrefix resolves all artifacts below a path prefix.
func (d *Driver) listArtifactsByPrefix(ctx context.Context, origin, container, prefix string) ([]artifactContentInfo, error) {
	uri := d.requestURL("artifact/v2.0", "artifacts", "prefix", "contentinfo", origin, container) + "/" + prefix
	var respBody struct {
		Value []artifactContentInfo `json:"value"`
	}
	err := d.doRequest(ctx, http.MethodGet, uri, nil, &respBody)
	if err != nil {
		return nil, err
	}
	return respBody.Value, nil
}

// downloadContent fetches raw artifact bytes from the (pre-authorized) URI
// that the artifact service handed out.
func (d *Driver) downloadContent(ctx context.Context, contentURI string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, contentURI, http.NoBody)
	if err != nil {
		return nil, err
	}
	resp, err := d.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 299 {
		return nil, fmt.Errorf("cannot download artifact: got %d response", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// zipArtifacts downloads the given artifacts and packs them into a zip
// archive, with paths relative to the given prefix.
func (d *Driver) zipArtifacts(ctx context.Context, infos []artifactContentInfo, prefix string) ([]byte, error) {
	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)
	for _, info := range infos {
		entry, err := writer.Create(strings.TrimPrefix(strings.TrimPrefix(info.Path, prefix), "/"))
		if err != nil {
			return nil, err
		}
		content, err := d.downloadContent(ctx, info.ContentURI)
		if err != nil {
			return nil, err
		}
		_, err = entry.Write(content)
		if err != nil {
			return nil, err
		}
	}
	err := writer.Close()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GetOperationOutput implements the luna.BackendDriver interface.
func (d *Driver) GetOperationOutput(ctx context.Context, experiment string, kind luna.RunKind, filter luna.TagFilter, outputType luna.OutputType) (*luna.OperationOutput, error) {
	root, err := d.findRunRecord(ctx, experiment, kind, filter)
	if err != nil || root == nil {
		return nil, err
	}
	runID, err := d.resolveArtifactRun(ctx, experiment, *root)
	if err != nil {
		return nil, err
	}
	container := runContainer(runID)

	switch outputType {
	case luna.OutputTypeJSON:
		info, err := d.getArtifactContentInfo(ctx, artifactOriginRun, container, outputJSONPath)
		if err != nil {
			return nil, err
		}
		content, err := d.downloadContent(ctx, info.ContentURI)
		if err != nil {
			return nil, err
		}
		return &luna.OperationOutput{ContentType: "application/json", Body: content}, nil
	case luna.OutputTypeFile:
		infos, err := d.listArtifactsByPrefix(ctx, artifactOriginRun, container, outputDirPrefix)
		if err != nil {
			return nil, err
		}
		content, err := d.zipArtifacts(ctx, infos, outputDirPrefix)
		if err != nil {
			return nil, err
		}
		return &luna.OperationOutput{
			ContentType: "application/zip",
			Filename:    fmt.Sprintf("output_%s.zip", filter.OperationID),
			Body:        content,
		}, nil
	default:
		return nil, luna.ErrOutputTypeUnsupported.With("unknown output type %q", outputType)
	}
}

// GetOperationLog implements the luna.BackendDriver interface.
func (d *Driver) GetOperationLog(ctx context.Context, experiment string, kind luna.RunKind, filter luna.TagFilter) (string, error) {
	root, err := d.findRunRecord(ctx, experiment, kind, filter)
	if err != nil {
		return "", err
	}
	if root == nil {
		return "", luna.ErrOperationNotFound.With("operation %q not found", filter.OperationID)
	}
	runID, err := d.resolveArtifactRun(ctx, experiment, *root)
	if err != nil {
		return "", err
	}
	info, err := d.getArtifactContentInfo(ctx, artifactOriginRun, runContainer(runID), driverLogPath)
	if err != nil {
		return "", err
	}
	content, err := d.downloadContent(ctx, info.ContentURI)
	return string(content), err
}

// DownloadModel implements the luna.BackendDriver interface.
func (d *Driver) DownloadModel(ctx context.Context, model models.MLModel) (*luna.OperationOutput, error) {
	uri := d.requestURL("modelmanagement/v1.0", "models") +
		"?name=" + model.ModelName + "&version=" + model.ModelVersion + "&count=1"
	var respBody struct {
		Value []struct {
			URL string `json:"url"` // "aml://artifact/<origin>/<container>/<path>"
		} `json:"value"`
	}
	err := d.doRequest(ctx, http.MethodGet, uri, nil, &respBody)
	if err != nil {
		return nil, err
	}
	if len(respBody.Value) == 0 {
		return nil, luna.ErrNoModelPublished.With("model %q is not registered in the workspace", model.ModelName)
	}

	origin, container, artifactPath, err := parseAssetURL(respBody.Value[0].URL)
	if err != nil {
		return nil, err
	}
	infos, err := d.listArtifactsByPrefix(ctx, origin, container, artifactPath)
	if err != nil {
		return nil, err
	}
	content, err := d.zipArtifacts(ctx, infos, path.Dir(artifactPath))
	if err != nil {
		return nil, err
	}
	return &luna.OperationOutput{
		ContentType: "application/zip",
		Filename:    model.ModelName + ".zip",
		Body:        content,
	}, nil
}

func parseAssetURL(assetURL string) (origin, container, artifactPath string, err error) {
	trimmed, ok := strings.CutPrefix(assetURL, "aml://artifact/")
	if !ok {
		return "", "", "", fmt.Errorf("unexpected model asset URL %q", assetURL)
	}
	fields := strings.SplitN(trimmed, "/", 3)
	if len(fields) < 3 {
		return "", "", "", fmt.Errorf("unexpected model asset URL %q", assetURL)
	}
	return fields[0], fields[1], fields[2], nil
}
