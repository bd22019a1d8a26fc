package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-sonnet-4-5-20250929"
const defaultOpenAIModel = "gpt-4o-mini"

type LLMUsage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

func (u LLMUsage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens
}

func (u *LLMUsage) Add(other LLMUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationInputTokens += other.CacheCreationInputTokens
	u.CacheReadInputTokens += other.CacheReadInputTokens
}

// ModelUnavailableError wraps a transport or auth failure against the model
// provider. Never retried automatically; retrying is a user action.
type ModelUnavailableError struct {
	Provider string
	Err      error
}

func (e *ModelUnavailableError) Error() string {
	return fmt.Sprintf("%s model unavailable: %v", e.Provider, e.Err)
}

func (e *ModelUnavailableError) Unwrap() error { return e.Err }

// MalformedResponseError reports a model payload that could not be parsed.
type MalformedResponseError struct {
	Err      error
	Response string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed model response: %v (response: %s)", e.Err, truncateForLog(e.Response, 512))
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

func truncateForLog(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + fmt.Sprintf("... [truncated, total_length=%d]", len(s))
}

// mergeCandidatePayload is the per-issue tuple sent to the model.
type mergeCandidatePayload struct {
	IssueID          string `json:"issue_id"`
	LinkedTheme      string `json:"linked_theme"`
	LinkedStandard   string `json:"linked_standard"`
	FailureRationale string `json:"failure_rationale"`
	InputPrompt      string `json:"input_prompt"`
	GeneratedResp    string `json:"generated_response"`
}

type mergeGroupsResponse struct {
	MergeGroups []ProposalGroup `json:"merge_groups"`
}

// ProposeMerges asks the model to cluster active issues into merge groups,
// consulting the cache first when useCache is set. An empty proposal is a
// valid "no merges suggested" result, not an error.
func ProposeMerges(ctx context.Context, cfg Config, db *sql.DB, store *IssueStore, useCache bool) (*MergeProposal, LLMUsage, error) {
	candidates := store.MergeCandidates()
	sig := Signature(candidates)

	if useCache {
		cached, hit, err := CacheGet(db, sig)
		if err != nil {
			log.Printf("cache lookup error signature=%s err=%v", sig[:12], err)
		} else if hit {
			log.Printf("cache hit signature=%s groups=%d", sig[:12], len(cached.Groups))
			return cached, LLMUsage{}, nil
		}
	}

	known := make(map[string]bool, len(candidates))
	byStandard := make(map[string][]*Issue)
	for _, issue := range candidates {
		known[issue.ID] = true
		byStandard[issue.Standard] = append(byStandard[issue.Standard], issue)
	}

	proposal := &MergeProposal{Validity: ProposalValid}
	totalUsage := LLMUsage{}
	for _, standard := range store.Standards() {
		issues := byStandard[standard]
		if len(issues) < 2 {
			log.Printf("llm merge-analysis skip standard=%q candidates=%d", standard, len(issues))
			continue
		}

		systemPrompt, userPrompt := buildMergePrompts(standard, issues)
		log.Printf("llm merge-analysis provider=%s standard=%q candidates=%d", cfg.LLMProvider, standard, len(issues))
		responseText, usage, err := callLLM(ctx, cfg, systemPrompt, userPrompt)
		totalUsage.Add(usage)
		var malformed *MalformedResponseError
		if errors.As(err, &malformed) {
			log.Printf("llm merge-analysis malformed standard=%q err=%v", standard, err)
			proposal.Validity = ProposalPartial
			proposal.DroppedGroups++
			continue
		}
		if err != nil {
			return nil, totalUsage, err
		}

		groups, err := parseMergeResponse(responseText)
		if err != nil {
			// One unusable payload never drops the whole proposal.
			log.Printf("llm merge-analysis malformed standard=%q err=%v", standard, err)
			proposal.Validity = ProposalPartial
			proposal.DroppedGroups++
			continue
		}

		kept, dropped := validateGroups(known, groups, cfg.LLMConfidence)
		if dropped > 0 {
			proposal.Validity = ProposalPartial
			proposal.DroppedGroups += dropped
		}
		proposal.Groups = append(proposal.Groups, kept...)
	}

	cacheProposal(db, sig, proposal)
	return proposal, totalUsage, nil
}

// cacheProposal stores only fully valid proposals: caching a partial one
// would permanently hide the standards whose payloads failed, since the
// signature does not change until the data does.
func cacheProposal(db *sql.DB, sig string, proposal *MergeProposal) {
	if proposal.Validity != ProposalValid {
		log.Printf("cache skip signature=%s validity=%s dropped=%d", sig[:12], proposal.Validity, proposal.DroppedGroups)
		return
	}
	if err := CachePut(db, sig, proposal); err != nil {
		log.Printf("cache store error signature=%s err=%v", sig[:12], err)
	}
}

func buildMergePrompts(standard string, issues []*Issue) (string, string) {
	payload := make([]mergeCandidatePayload, 0, len(issues))
	for _, issue := range issues {
		payload = append(payload, mergeCandidatePayload{
			IssueID:          issue.ID,
			LinkedTheme:      issue.Theme,
			LinkedStandard:   issue.Standard,
			FailureRationale: issue.Rationale,
			InputPrompt:      issue.Prompt,
			GeneratedResp:    issue.Response,
		})
	}
	encoded, _ := json.MarshalIndent(payload, "", "  ")

	systemPrompt := `You analyze QA test failures for a chatbot and identify which issues should be merged because they share a root cause or overlapping problem.
When analyzing issues:
- look for similar root causes, not surface wording
- group all related issues together rather than splitting them across suggestions
- only suggest a merge when the similarity is strong
- a group may contain more than two issues if they are all related

Respond with JSON only (no markdown):
{"merge_groups": [{"issues": ["issue_id1", "issue_id2"], "rationale": "why these should merge", "confidence": 0.95}]}
Return {"merge_groups": []} if nothing should be merged.`

	userPrompt := fmt.Sprintf("Issues for standard %q:\n%s", standard, encoded)
	return systemPrompt, userPrompt
}

func parseMergeResponse(responseText string) ([]ProposalGroup, error) {
	cleaned := stripMarkdownFences(responseText)

	var parsed mergeGroupsResponse
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return nil, &MalformedResponseError{Err: err, Response: responseText}
	}
	return parsed.MergeGroups, nil
}

func stripMarkdownFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// validateGroups enforces the proposal contract: referenced issues must
// exist (unknown IDs are dropped with a warning), groups need at least two
// surviving members, confidence is clamped to [0,1], and groups under the
// configured threshold are dropped.
func validateGroups(known map[string]bool, groups []ProposalGroup, threshold float64) ([]ProposalGroup, int) {
	var kept []ProposalGroup
	dropped := 0
	for _, group := range groups {
		var members []string
		for _, id := range group.Issues {
			id = strings.TrimSpace(id)
			if !known[id] {
				log.Printf("llm proposal dropped unknown issue id=%q", id)
				continue
			}
			members = append(members, id)
		}
		if len(members) < 2 {
			log.Printf("llm proposal dropped group members=%d rationale=%q", len(members), truncateForLog(group.Rationale, 80))
			dropped++
			continue
		}
		if group.Confidence < 0 {
			group.Confidence = 0
		}
		if group.Confidence > 1 {
			group.Confidence = 1
		}
		if group.Confidence < threshold {
			log.Printf("llm proposal dropped group confidence=%.2f threshold=%.2f", group.Confidence, threshold)
			dropped++
			continue
		}
		group.Issues = members
		kept = append(kept, group)
	}
	return kept, dropped
}

func callLLM(ctx context.Context, cfg Config, systemPrompt, userPrompt string) (string, LLMUsage, error) {
	switch cfg.LLMProvider {
	case "openai":
		model := cfg.LLMModel
		if model == "" {
			model = defaultOpenAIModel
		}
		return callOpenAI(ctx, cfg.OpenAIAPIKey, model, systemPrompt, userPrompt)
	default:
		model := cfg.LLMModel
		if model == "" {
			model = defaultAnthropicModel
		}
		return callAnthropic(ctx, cfg.AnthropicAPIKey, model, systemPrompt, userPrompt)
	}
}

// --- Anthropic ---

func callAnthropic(ctx context.Context, apiKey, model, systemPrompt, userPrompt string) (string, LLMUsage, error) {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))

	message, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 4096,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt, CacheControl: anthropic.NewCacheControlEphemeralParam()},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		log.Printf("llm anthropic error: %v", err)
		return "", LLMUsage{}, &ModelUnavailableError{Provider: "anthropic", Err: err}
	}
	usage := LLMUsage{
		InputTokens:              message.Usage.InputTokens,
		OutputTokens:             message.Usage.OutputTokens,
		CacheCreationInputTokens: message.Usage.CacheCreationInputTokens,
		CacheReadInputTokens:     message.Usage.CacheReadInputTokens,
	}

	for _, block := range message.Content {
		if block.Type == "text" {
			log.Printf("llm anthropic response size=%d tokens_in=%d tokens_out=%d cache_create=%d cache_read=%d", len(block.Text), usage.InputTokens, usage.OutputTokens, usage.CacheCreationInputTokens, usage.CacheReadInputTokens)
			return block.Text, usage, nil
		}
	}
	return "", usage, &MalformedResponseError{Err: fmt.Errorf("no text content in Anthropic response")}
}

// --- OpenAI ---

type openAIRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func callOpenAI(ctx context.Context, apiKey, model, systemPrompt, userPrompt string) (string, LLMUsage, error) {
	reqBody := openAIRequest{
		Model: model,
		Messages: []openAIMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", LLMUsage{}, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", "https://api.openai.com/v1/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", LLMUsage{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Printf("llm openai error: %v", err)
		return "", LLMUsage{}, &ModelUnavailableError{Provider: "openai", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", LLMUsage{}, &ModelUnavailableError{Provider: "openai", Err: err}
	}

	var openAIResp openAIResponse
	if err := json.Unmarshal(respBody, &openAIResp); err != nil {
		return "", LLMUsage{}, &MalformedResponseError{Err: err, Response: string(respBody)}
	}

	if openAIResp.Error != nil {
		log.Printf("llm openai api error: %s", openAIResp.Error.Message)
		return "", LLMUsage{}, &ModelUnavailableError{Provider: "openai", Err: fmt.Errorf("%s", openAIResp.Error.Message)}
	}

	if len(openAIResp.Choices) == 0 {
		return "", LLMUsage{}, &MalformedResponseError{Err: fmt.Errorf("no choices in OpenAI response"), Response: string(respBody)}
	}
	usage := LLMUsage{}
	if openAIResp.Usage != nil {
		usage.InputTokens = openAIResp.Usage.PromptTokens
		usage.OutputTokens = openAIResp.Usage.CompletionTokens
	}

	log.Printf("llm openai response size=%d tokens_in=%d tokens_out=%d", len(openAIResp.Choices[0].Message.Content), usage.InputTokens, usage.OutputTokens)
	return openAIResp.Choices[0].Message.Content, usage, nil
}
