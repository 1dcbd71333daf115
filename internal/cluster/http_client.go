package cluster

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// httpNodeClient speaks the Ollama-compatible HTTP protocol the inference
// nodes expose. It is the default ClientFactory product; tests swap in fakes.
type httpNodeClient struct {
	baseURL string
	hc      *http.Client
}

// NewHTTPClientFactory returns the production ClientFactory.
func NewHTTPClientFactory() ClientFactory {
	return func(host string, port int) NodeClient {
		return &httpNodeClient{
			baseURL: fmt.Sprintf("http://%s", NodeID(host, port)),
			// No overall timeout: generation streams are long-lived and are
			// bounded by the caller's context instead.
			hc: &http.Client{},
		}
	}
}

func (c *httpNodeClient) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return false
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}

func (c *httpNodeClient) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("op=node.list_models: %w", err)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=node.list_models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("op=node.list_models: status %d", resp.StatusCode)
	}
	var body struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("op=node.list_models: %w", err)
	}
	names := make([]string, 0, len(body.Models))
	for _, m := range body.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

func (c *httpNodeClient) WebSearch(ctx context.Context, query string, max int) ([]WebSearchResult, error) {
	payload, _ := json.Marshal(map[string]any{"query": query, "max_results": max})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/web_search", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("op=node.web_search: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=node.web_search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("op=node.web_search: status %d", resp.StatusCode)
	}
	var body struct {
		Results []WebSearchResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("op=node.web_search: %w", err)
	}
	return body.Results, nil
}

// Generate streams newline-delimited JSON chunks from the node's chat
// endpoint, invoking onToken per chunk until the node reports done.
func (c *httpNodeClient) Generate(ctx context.Context, genReq GenerateRequest, onToken TokenFunc) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"model":    genReq.Model,
		"messages": genReq.Messages,
		"images":   genReq.Images,
		"options":  genReq.Options,
		"stream":   true,
	})
	if err != nil {
		return "", fmt.Errorf("op=node.generate: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("op=node.generate: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("op=node.generate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("op=node.generate: status %d", resp.StatusCode)
	}

	var sb strings.Builder
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return sb.String(), err
		}
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			Done bool `json:"done"`
		}
		if err := json.Unmarshal(line, &chunk); err != nil {
			return sb.String(), fmt.Errorf("op=node.generate: decode chunk: %w", err)
		}
		if chunk.Message.Content != "" {
			sb.WriteString(chunk.Message.Content)
			if err := onToken(chunk.Message.Content); err != nil {
				return sb.String(), err
			}
		}
		if chunk.Done {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return sb.String(), fmt.Errorf("op=node.generate: %w", err)
	}
	return sb.String(), nil
}

var _ NodeClient = (*httpNodeClient)(nil)
