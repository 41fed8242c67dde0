package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"oncoroom-relay/internal/core"
	"oncoroom-relay/pkg"

	openai "github.com/sashabaranov/go-openai"
)

// ErrEmptyResponse is returned when the model produced no content.
var ErrEmptyResponse = errors.New("agent returned no response")

// Config selects the model and endpoint used for analysis.
type Config struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float32
}

// OpenAIClient runs conversation analysis against the OpenAI chat
// completion API.  It satisfies core.Summarizer.
type OpenAIClient struct {
	client      *openai.Client
	model       string
	temperature float32
}

// NewOpenAIClient constructs an OpenAI-backed analysis client.  An empty
// model falls back to gpt-4o-mini; BaseURL overrides the API endpoint (used
// for proxies and tests).
func NewOpenAIClient(cfg Config) *OpenAIClient {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	temp := cfg.Temperature
	if temp == 0 {
		temp = 0.3
	}
	return &OpenAIClient{
		client:      openai.NewClientWithConfig(oc),
		model:       model,
		temperature: temp,
	}
}

// Summarize asks the model for a structured analysis of the conversation
// and returns it as validated JSON.
func (c *OpenAIClient) Summarize(ctx context.Context, patientID string, transcript []core.Entry, patient *pkg.PatientRecord) (json.RawMessage, error) {
	if c.client == nil {
		return nil, errors.New("openai client not initialized")
	}
	prompt, err := buildPrompt(patientID, transcript, patient)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: AnalysisSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: c.temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return nil, ErrEmptyResponse
	}
	return ParseAnalysis(resp.Choices[0].Message.Content)
}

func buildPrompt(patientID string, transcript []core.Entry, patient *pkg.PatientRecord) (string, error) {
	var conv strings.Builder
	for i, e := range transcript {
		if i > 0 {
			conv.WriteByte('\n')
		}
		conv.WriteString(strings.ToUpper(e.Role.String()))
		conv.WriteString(": ")
		conv.WriteString(e.Content)
	}
	record := []byte("{}")
	if patient != nil {
		var err error
		record, err = json.MarshalIndent(patient, "", "  ")
		if err != nil {
			return "", fmt.Errorf("encode patient record: %w", err)
		}
	}
	return fmt.Sprintf(AnalysisInstruction, patientID, record, conv.String()), nil
}

// ParseAnalysis validates a model response against the analysis schema:
// all four keys present, no others.  The normalised JSON is returned.
func ParseAnalysis(content string) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &fields); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}
	for _, key := range []string{"patient_id", "sintomas", "observacoes", "sugestao_plano"} {
		if _, ok := fields[key]; !ok {
			return nil, fmt.Errorf("decode analysis: missing %q", key)
		}
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(content)))
	dec.DisallowUnknownFields()
	var a pkg.PatientAnalysis
	if err := dec.Decode(&a); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}
	if a.Symptoms == nil {
		a.Symptoms = []string{}
	}
	return json.Marshal(a)
}
