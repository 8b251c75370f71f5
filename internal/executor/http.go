package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/taskmesh/taskmesh/internal/workflow/model"
)

// HTTPRunner executes tasks as a single outbound HTTP call. GET persists the
// response body into the task's outputs; POST uploads the task's inputs as
// multipart form data or sends the configured JSON body.
type HTTPRunner struct{}

func NewHTTPRunner() *HTTPRunner {
	return &HTTPRunner{}
}

// Execute dispatches on the configured method and returns a human-readable
// log line describing the outcome.
func (r *HTTPRunner) Execute(ctx context.Context, spec *model.HTTPExecutor, task model.Task, workdir string) (string, error) {
	switch spec.Method {
	case http.MethodGet:
		return r.get(ctx, spec, task, workdir)
	case http.MethodPost:
		return r.post(ctx, spec, task, workdir)
	default:
		return "", fmt.Errorf("task %s has unsupported HTTP method %q", task.ID, spec.Method)
	}
}

func (r *HTTPRunner) get(ctx context.Context, spec *model.HTTPExecutor, task model.Task, workdir string) (string, error) {
	if spec.Auth == nil {
		message := "[ERROR] Authentication not provided."
		slog.Warn("http get without credentials", "url", spec.URL, "task_id", task.ID)
		return message, nil
	}

	resp, err := r.do(ctx, spec, http.MethodGet, nil, spec.Headers)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &TransportError{URL: spec.URL, Err: err}
	}

	if len(task.Outputs) == 0 {
		message := fmt.Sprintf(
			"[WARNING] File downloaded with status %d (%s), but no output specified. File not saved.",
			resp.StatusCode, http.StatusText(resp.StatusCode),
		)
		slog.Warn("http get response discarded", "url", spec.URL, "task_id", task.ID)
		return message, nil
	}

	for _, out := range task.Outputs {
		if err := writeArtifact(workdir, out, body); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("[SUCCESS] File downloaded and saved to %d locations.", len(task.Outputs)), nil
}

func (r *HTTPRunner) post(ctx context.Context, spec *model.HTTPExecutor, task model.Task, workdir string) (string, error) {
	if spec.Auth == nil {
		message := fmt.Sprintf("[ERROR] Authentication not provided for %s", spec.URL)
		slog.Warn("http post without credentials", "url", spec.URL, "task_id", task.ID)
		return message, nil
	}

	var resp *http.Response
	var err error
	if strings.Contains(strings.ToLower(spec.Headers["Content-Type"]), "multipart/form-data") {
		resp, err = r.postMultipart(ctx, spec, task, workdir)
	} else {
		resp, err = r.do(ctx, spec, http.MethodPost, bytes.NewReader(spec.Body), spec.Headers)
	}
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &TransportError{URL: spec.URL, Err: err}
	}

	if len(task.Outputs) > 0 {
		for _, out := range task.Outputs {
			if err := writeArtifact(workdir, out, body); err != nil {
				return "", err
			}
		}
		return fmt.Sprintf(
			"[SUCCESS] POST response saved to %d locations with status %d (%s)",
			len(task.Outputs), resp.StatusCode, http.StatusText(resp.StatusCode),
		), nil
	}
	return fmt.Sprintf("[SUCCESS] POST to %s returned status %d (%s)",
		spec.URL, resp.StatusCode, http.StatusText(resp.StatusCode)), nil
}

// postMultipart uploads each input artifact as form field "file", along with
// the executor body fields as form data. One request is sent per input; the
// last response is returned.
func (r *HTTPRunner) postMultipart(ctx context.Context, spec *model.HTTPExecutor, task model.Task, workdir string) (*http.Response, error) {
	fields := map[string]any{}
	if len(spec.Body) > 0 {
		if err := json.Unmarshal(spec.Body, &fields); err != nil {
			return nil, fmt.Errorf("task %s has a non-object body for multipart POST: %w", task.ID, err)
		}
	}

	var resp *http.Response
	for _, in := range task.Inputs {
		filePath := workdir + in.Path

		var buf bytes.Buffer
		writer := multipart.NewWriter(&buf)

		part, err := writer.CreateFormFile("file", filepath.Base(filePath))
		if err != nil {
			return nil, fmt.Errorf("failed to build multipart body: %w", err)
		}
		file, err := os.Open(filePath)
		if err != nil {
			return nil, fmt.Errorf("file to upload in POST method not found: %w", err)
		}
		if _, err := io.Copy(part, file); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to read %s for upload: %w", filePath, err)
		}
		file.Close()

		for name, value := range fields {
			if err := writer.WriteField(name, fmt.Sprint(value)); err != nil {
				return nil, fmt.Errorf("failed to build multipart body: %w", err)
			}
		}
		if err := writer.Close(); err != nil {
			return nil, fmt.Errorf("failed to build multipart body: %w", err)
		}

		headers := map[string]string{"Content-Type": writer.FormDataContentType()}
		if resp != nil {
			resp.Body.Close()
		}
		resp, err = r.do(ctx, spec, http.MethodPost, &buf, headers)
		if err != nil {
			return nil, err
		}
	}

	if resp == nil {
		return nil, fmt.Errorf("task %s has no inputs for multipart POST", task.ID)
	}
	return resp, nil
}

// do performs one request with the executor's timeout and credentials, and
// treats any non-2xx response as a transport failure.
func (r *HTTPRunner) do(ctx context.Context, spec *model.HTTPExecutor, method string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, spec.URL, body)
	if err != nil {
		return nil, &TransportError{URL: spec.URL, Err: err}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if spec.Auth != nil {
		req.SetBasicAuth(spec.Auth.Username, spec.Auth.Password)
	}

	client := &http.Client{Timeout: time.Duration(spec.Timeout()) * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &TransportError{URL: spec.URL, Err: err}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		resp.Body.Close()
		return nil, &TransportError{
			URL: spec.URL,
			Err: fmt.Errorf("unexpected status %d (%s)", resp.StatusCode, http.StatusText(resp.StatusCode)),
		}
	}
	return resp, nil
}

// writeArtifact persists response content under the artifact's path inside
// the working directory. The artifact path is appended verbatim.
func writeArtifact(workdir string, out model.Artifact, content []byte) error {
	filePath := workdir + out.Path
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", filePath, err)
	}
	if err := os.WriteFile(filePath, content, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filePath, err)
	}
	return nil
}
