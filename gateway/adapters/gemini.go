package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/infergate/infergate/gateway"
)

// Gemini speaks the native generateContent dialect: contents with
// user/model roles, systemInstruction, key passed as a query parameter,
// and streamGenerateContent with alt=sse for streaming.
type Gemini struct{}

func (g *Gemini) Kind() string { return KindGemini }

func (g *Gemini) CanHandle(providerType string) bool { return providerType == KindGemini }

type gemPart struct {
	Text string `json:"text,omitempty"`
}

type gemContent struct {
	Role  string    `json:"role,omitempty"`
	Parts []gemPart `json:"parts"`
}

type gemGenerationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     float32  `json:"temperature,omitempty"`
	TopP            float32  `json:"topP,omitempty"`
	TopK            int      `json:"topK,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type gemRequest struct {
	Contents          []gemContent         `json:"contents"`
	SystemInstruction *gemContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *gemGenerationConfig `json:"generationConfig,omitempty"`
}

type gemCandidate struct {
	Content      gemContent `json:"content"`
	FinishReason string     `json:"finishReason"`
	Index        int        `json:"index"`
}

type gemUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type gemResponse struct {
	Candidates    []gemCandidate `json:"candidates"`
	UsageMetadata *gemUsage      `json:"usageMetadata,omitempty"`
}

func buildGemRequest(req *gateway.ChatRequest) gemRequest {
	body := gemRequest{}
	for _, m := range req.Messages {
		switch m.Role {
		case gateway.RoleSystem:
			if body.SystemInstruction == nil {
				body.SystemInstruction = &gemContent{}
			}
			body.SystemInstruction.Parts = append(body.SystemInstruction.Parts, gemPart{Text: m.Content})
		case gateway.RoleAssistant:
			body.Contents = append(body.Contents, gemContent{Role: "model", Parts: []gemPart{{Text: m.Content}}})
		default:
			body.Contents = append(body.Contents, gemContent{Role: "user", Parts: []gemPart{{Text: m.Content}}})
		}
	}
	if req.MaxTokens > 0 || req.Temperature > 0 || req.TopP > 0 || req.TopK > 0 || len(req.Stop) > 0 {
		body.GenerationConfig = &gemGenerationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			TopK:            req.TopK,
			StopSequences:   req.Stop,
		}
	}
	return body
}

func (g *Gemini) post(ctx context.Context, client *http.Client, prov *gateway.ProviderConfig, model, verb string, req *gateway.ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(buildGemRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:%s?key=%s", endpoint(prov.Endpoint, ""), model, verb, prov.APIKey)
	if verb == "streamGenerateContent" {
		url += "&alt=sse"
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	applyCustomHeaders(httpReq, prov)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, transportError(err, prov.Key)
	}
	return resp, nil
}

// mapGemFinish translates Gemini finish reasons to OpenAI-style ones.
func mapGemFinish(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	case "":
		return ""
	default:
		return "stop"
	}
}

func gemText(c gemContent) string {
	text := ""
	for _, p := range c.Parts {
		text += p.Text
	}
	return text
}

func (g *Gemini) Execute(ctx context.Context, client *http.Client, prov *gateway.ProviderConfig, model string, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	resp, err := g.post(ctx, client, prov, model, "generateContent", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, MapHTTPError(resp.StatusCode, ReadErrorMessage(resp.Body), prov.Key)
	}

	var gr gemResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, decodeError(err, prov.Key)
	}

	out := &gateway.ChatResponse{Model: model, CreatedAt: time.Now()}
	for _, c := range gr.Candidates {
		out.Choices = append(out.Choices, gateway.ChatChoice{
			Index:        c.Index,
			FinishReason: mapGemFinish(c.FinishReason),
			Message:      gateway.Message{Role: gateway.RoleAssistant, Content: gemText(c.Content)},
		})
	}
	if gr.UsageMetadata != nil {
		out.Usage = gateway.ChatUsage{
			PromptTokens:     gr.UsageMetadata.PromptTokenCount,
			CompletionTokens: gr.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      gr.UsageMetadata.TotalTokenCount,
		}
	}
	return out, nil
}

func (g *Gemini) ExecuteStreaming(ctx context.Context, client *http.Client, prov *gateway.ProviderConfig, model string, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	resp, err := g.post(ctx, client, prov, model, "streamGenerateContent", req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, MapHTTPError(resp.StatusCode, ReadErrorMessage(resp.Body), prov.Key)
	}

	ch := make(chan gateway.StreamChunk)
	go func() {
		defer resp.Body.Close()
		defer close(ch)
		scanErr := scanSSE(resp.Body, func(data string) error {
			var gr gemResponse
			if err := json.Unmarshal([]byte(data), &gr); err != nil {
				return decodeError(err, prov.Key)
			}
			for _, c := range gr.Candidates {
				chunk := gateway.StreamChunk{
					Model:        model,
					Index:        c.Index,
					FinishReason: mapGemFinish(c.FinishReason),
					Delta:        gateway.Message{Role: gateway.RoleAssistant, Content: gemText(c.Content)},
				}
				if gr.UsageMetadata != nil && chunk.FinishReason != "" {
					chunk.Usage = &gateway.ChatUsage{
						PromptTokens:     gr.UsageMetadata.PromptTokenCount,
						CompletionTokens: gr.UsageMetadata.CandidatesTokenCount,
						TotalTokens:      gr.UsageMetadata.TotalTokenCount,
					}
				}
				if !sendChunk(ctx, ch, chunk) {
					return ctx.Err()
				}
			}
			return nil
		})
		if scanErr != nil && ctx.Err() == nil {
			ge, ok := scanErr.(*gateway.Error)
			if !ok {
				ge = transportError(scanErr, prov.Key)
			}
			sendChunk(ctx, ch, gateway.StreamChunk{Err: ge})
		}
	}()
	return ch, nil
}
