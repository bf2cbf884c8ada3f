package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/arrakis-labs/arrakis/internal/auth"
	"github.com/arrakis-labs/arrakis/internal/errs"
)

// peerClient dispatches requests to loa-finn, signing each one with a
// short-lived outbound S2S token (§4.F).
type peerClient struct {
	baseURL string
	authn   *auth.JWTAuth
	http    *http.Client
}

func newPeerClient(baseURL string, authn *auth.JWTAuth) *peerClient {
	return &peerClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		authn:   authn,
		http:    &http.Client{Timeout: 55 * time.Second},
	}
}

// invokeRequest is the body sent to loa-finn's /v1/invoke.
type invokeRequest struct {
	Prompt  string                 `json:"prompt"`
	Options map[string]interface{} `json:"options,omitempty"`
	PoolID  string                 `json:"pool_id"`
}

// peerUsage is the token/cost figures loa-finn reports inline or via SSE.
type peerUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	ReasoningTokens  int64 `json:"reasoning_tokens"`
	CostMicro        int64 `json:"cost_micro"`
}

type invokeResponse struct {
	Content string    `json:"content"`
	Usage   peerUsage `json:"usage"`
}

// Invoke performs the non-streaming dispatch for /v1/agents/invoke.
func (p *peerClient) Invoke(ctx context.Context, reservationID, requestID, accountID, poolID, prompt string, options map[string]interface{}) (invokeResponse, error) {
	token, err := p.authn.MintOutbound(ctx, auth.Claims{TenantID: accountID, ReservationID: reservationID, RequestID: requestID})
	if err != nil {
		return invokeResponse{}, errs.Wrap(errs.Internal, "failed to mint outbound token", err)
	}

	body, err := json.Marshal(invokeRequest{Prompt: prompt, Options: options, PoolID: poolID})
	if err != nil {
		return invokeResponse{}, errs.Wrap(errs.Internal, "failed to encode peer request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/invoke", bytes.NewReader(body))
	if err != nil {
		return invokeResponse{}, errs.Wrap(errs.Internal, "failed to build peer request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Request-ID", requestID)

	resp, err := p.http.Do(req)
	if err != nil {
		return invokeResponse{}, errs.Wrap(errs.PeerUnavailable, "peer invoke request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return invokeResponse{}, errs.New(errs.PeerUnavailable, fmt.Sprintf("peer returned %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return invokeResponse{}, errs.New(errs.PeerUnavailable, fmt.Sprintf("peer rejected request: %d", resp.StatusCode))
	}

	var out invokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return invokeResponse{}, errs.Wrap(errs.PeerUnavailable, "failed to decode peer response", err)
	}
	return out, nil
}

// sseEvent is one parsed `event: <type>\ndata: <json>\n\n` frame.
type sseEvent struct {
	Type string
	Data []byte
}

// Stream opens a streaming dispatch to loa-finn and delivers parsed SSE
// frames to onEvent in arrival order. It returns when the peer closes the
// stream, ctx is canceled, or onEvent returns an error (treated as an
// abort request and propagated).
func (p *peerClient) Stream(ctx context.Context, reservationID, requestID, accountID, poolID, prompt string, options map[string]interface{}, onEvent func(sseEvent) error) error {
	token, err := p.authn.MintOutbound(ctx, auth.Claims{TenantID: accountID, ReservationID: reservationID, RequestID: requestID})
	if err != nil {
		return errs.Wrap(errs.Internal, "failed to mint outbound token", err)
	}

	body, err := json.Marshal(invokeRequest{Prompt: prompt, Options: options, PoolID: poolID})
	if err != nil {
		return errs.Wrap(errs.Internal, "failed to encode peer request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/stream", bytes.NewReader(body))
	if err != nil {
		return errs.Wrap(errs.Internal, "failed to build peer request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Request-ID", requestID)

	resp, err := p.http.Do(req)
	if err != nil {
		return errs.Wrap(errs.PeerUnavailable, "peer stream request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return errs.New(errs.PeerUnavailable, fmt.Sprintf("peer rejected stream: %d", resp.StatusCode))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var evType string
	var dataLines [][]byte
	flush := func() error {
		if evType == "" {
			return nil
		}
		ev := sseEvent{Type: evType, Data: bytes.Join(dataLines, []byte("\n"))}
		evType, dataLines = "", nil
		return onEvent(ev)
	}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := scanner.Bytes()
		switch {
		case len(line) == 0:
			if err := flush(); err != nil {
				return err
			}
		case bytes.HasPrefix(line, []byte("event:")):
			evType = strings.TrimSpace(string(bytes.TrimPrefix(line, []byte("event:"))))
		case bytes.HasPrefix(line, []byte("data:")):
			d := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
			cp := make([]byte, len(d))
			copy(cp, d)
			dataLines = append(dataLines, cp)
		}
	}
	if err := scanner.Err(); err != nil {
		return errs.Wrap(errs.PeerUnavailable, "peer stream read failed", err)
	}
	return flush()
}
