package queue

import (
	"encoding/json"
	"fmt"
)

// IngestPayload drives phase 1 of an ingestion job. Exactly one of Source
// (inline CSV content, e.g. from an assembled upload) or SourceURL (remote
// fetch) is set.
type IngestPayload struct {
	ProjectID   string   `json:"project_id"`
	Environment string   `json:"environment,omitempty"`
	FileName    string   `json:"file_name,omitempty"`
	Source      string   `json:"source,omitempty"`
	SourceURL   string   `json:"source_url,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
	Embed       bool     `json:"embed,omitempty"`
}

// VectorizePayload drives phase 2; written by Advance at the end of phase 1
// or provided directly for standalone vectorization jobs.
type VectorizePayload struct {
	ProjectID   string `json:"project_id"`
	Environment string `json:"environment,omitempty"`
	BatchSize   int    `json:"batch_size,omitempty"`
}

// EvaluatePayload drives LLM quality evaluation over a project's records.
type EvaluatePayload struct {
	ProjectID string `json:"project_id"`
	Prompt    string `json:"prompt,omitempty"`
	BatchSize int    `json:"batch_size,omitempty"`
}

// DecodePayload unmarshals a job's payload into the concrete type for its
// job type. A terminal job has no payload and returns an error.
func DecodePayload(j *Job) (any, error) {
	if len(j.Payload) == 0 {
		return nil, fmt.Errorf("job %s has no payload", j.ID)
	}

	var (
		out any
		err error
	)
	switch j.Type {
	case TypeIngestData:
		var p IngestPayload
		err = json.Unmarshal(j.Payload, &p)
		out = p
	case TypeVectorize:
		var p VectorizePayload
		err = json.Unmarshal(j.Payload, &p)
		out = p
	case TypeEvaluate:
		var p EvaluatePayload
		err = json.Unmarshal(j.Payload, &p)
		out = p
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, j.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", j.Type, err)
	}
	return out, nil
}
