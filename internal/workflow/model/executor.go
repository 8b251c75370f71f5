package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Executor type discriminators as they appear on the wire.
const (
	ExecutorTypeContainer = "container"
	ExecutorTypeHTTP      = "http"
)

// Parameter is one name/value pair of a container command line.
type Parameter struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// ContainerExecutor runs a task as a detached container with the task working
// directory bind-mounted under /mnt.
type ContainerExecutor struct {
	Image       string            `json:"image" validate:"required"`
	Label       string            `json:"label,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	Parameters  []Parameter       `json:"parameters,omitempty"`
}

// Reference returns the image reference including its tag.
func (e ContainerExecutor) Reference() string {
	label := e.Label
	if label == "" {
		label = "latest"
	}
	if strings.Contains(e.Image, ":") {
		return e.Image
	}
	return e.Image + ":" + label
}

// CommandLine assembles the container command from the parameter pairs.
func (e ContainerExecutor) CommandLine() string {
	pairs := make([]string, 0, len(e.Parameters))
	for _, p := range e.Parameters {
		pairs = append(pairs, fmt.Sprintf("%s %v", p.Name, p.Value))
	}
	return strings.Join(pairs, " ")
}

// BasicAuth is an HTTP basic-auth credential pair.
type BasicAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// DefaultHTTPTimeoutSeconds applies when a submission omits the timeout.
const DefaultHTTPTimeoutSeconds = 10

// HTTPExecutor runs a task as a single outbound HTTP call.
type HTTPExecutor struct {
	URL            string            `json:"url" validate:"required,url"`
	Method         string            `json:"method" validate:"required,oneof=GET POST"`
	Headers        map[string]string `json:"headers,omitempty"`
	Auth           *BasicAuth        `json:"auth,omitempty"`
	Body           json.RawMessage   `json:"body,omitempty"`
	TimeoutSeconds int               `json:"timeout,omitempty"`
}

// Timeout returns the configured timeout in seconds, defaulted.
func (e HTTPExecutor) Timeout() int {
	if e.TimeoutSeconds <= 0 {
		return DefaultHTTPTimeoutSeconds
	}
	return e.TimeoutSeconds
}

// ExecutorSpec is the tagged union of the two executor variants. Exactly one
// of Container and HTTP is non-nil, matching Type.
type ExecutorSpec struct {
	Type      string
	Container *ContainerExecutor
	HTTP      *HTTPExecutor
}

// UnmarshalJSON dispatches on the "type" discriminator.
func (s *ExecutorSpec) UnmarshalJSON(data []byte) error {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	switch probe.Type {
	case ExecutorTypeContainer:
		var c ContainerExecutor
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		*s = ExecutorSpec{Type: ExecutorTypeContainer, Container: &c}
	case ExecutorTypeHTTP:
		var h HTTPExecutor
		if err := json.Unmarshal(data, &h); err != nil {
			return err
		}
		*s = ExecutorSpec{Type: ExecutorTypeHTTP, HTTP: &h}
	default:
		return fmt.Errorf("unknown executor type %q", probe.Type)
	}
	return nil
}

// MarshalJSON flattens the active variant and re-adds the discriminator.
func (s ExecutorSpec) MarshalJSON() ([]byte, error) {
	var (
		raw []byte
		err error
	)
	switch s.Type {
	case ExecutorTypeContainer:
		raw, err = json.Marshal(s.Container)
	case ExecutorTypeHTTP:
		raw, err = json.Marshal(s.HTTP)
	default:
		return nil, fmt.Errorf("unknown executor type %q", s.Type)
	}
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	fields["type"] = s.Type
	return json.Marshal(fields)
}
