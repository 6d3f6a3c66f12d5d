package nl2sql

import (
	"encoding/json"
	"strings"

	"github.com/koustreak/querygate/internal/errs"
)

// Reply is the structured answer expected from the model. EffectiveSQL is
// filled in once the statement has passed the read-only policy.
type Reply struct {
	SQL          string   `json:"sql"`
	EffectiveSQL string   `json:"-"`
	Explanation  string   `json:"explanation"`
	Assumptions  []string `json:"assumptions"`
}

// maxEchoedReply caps how much of a bad reply is echoed back in error details.
const maxEchoedReply = 200

// ParseResponse decodes the model's raw reply. A Markdown code fence around
// the JSON is tolerated. Anything that is not a JSON object with a non-empty
// "sql" string is AI_INVALID_RESPONSE.
func ParseResponse(raw string) (*Reply, error) {
	text := stripCodeFence(raw)

	var body struct {
		SQL         *string  `json:"sql"`
		Explanation string   `json:"explanation"`
		Assumptions []string `json:"assumptions"`
	}
	if err := json.Unmarshal([]byte(text), &body); err != nil {
		return nil, errs.Wrap(errs.KindAIInvalidResponse, "model reply is not the expected JSON object", err).
			WithDetails(map[string]any{"reply": truncate(raw, maxEchoedReply)})
	}
	if body.SQL == nil {
		return nil, errs.New(errs.KindAIInvalidResponse, "model reply has no sql field")
	}

	sql := strings.TrimSpace(*body.SQL)
	sql = strings.TrimSpace(strings.TrimRight(sql, ";"))
	if sql == "" {
		return nil, errs.New(errs.KindAIInvalidResponse, "model reply has an empty sql field")
	}

	assumptions := make([]string, 0, len(body.Assumptions))
	for _, a := range body.Assumptions {
		if a = strings.TrimSpace(a); a != "" {
			assumptions = append(assumptions, a)
		}
	}

	return &Reply{
		SQL:         sql,
		Explanation: strings.TrimSpace(body.Explanation),
		Assumptions: assumptions,
	}, nil
}

// stripCodeFence removes a surrounding ``` fence, with or without a
// language tag on the opening line.
func stripCodeFence(value string) string {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if nl := strings.IndexByte(trimmed, '\n'); nl >= 0 {
		trimmed = trimmed[nl+1:]
	}
	trimmed = strings.TrimSpace(trimmed)
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.TrimSpace(trimmed)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
