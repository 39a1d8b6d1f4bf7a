// Package audit sequences, hash-chains and persists audit events.
//
// Every event links to its predecessor: hash_i = H(canonical(event_i) || hash_{i-1}),
// with a genesis of 64 zero hex digits. A single sequencer goroutine owns the chain
// head, so sequence numbers and hashes are assigned exactly once and never rewritten.
package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"math/big"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/polisai/polis-governance/pkg/domain"
)

// Genesis is the PrevHash of the first event.
var Genesis = strings.Repeat("0", 64)

// Algorithm selects the chain hash function.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

// ParseAlgorithm accepts "sha256" (also the empty string) and "blake3".
func ParseAlgorithm(raw string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(raw))) {
	case "", SHA256:
		return SHA256, nil
	case BLAKE3:
		return BLAKE3, nil
	default:
		return "", fmt.Errorf("unknown chain hash algorithm %q", raw)
	}
}

func (a Algorithm) newHash() hash.Hash {
	if a == BLAKE3 {
		return blake3.New()
	}
	return sha256.New()
}

// Canonical renders event as JSON with sorted keys and a UTC RFC3339Nano timestamp.
// Hash and PrevHash are excluded; Sequence is included. Details are normalised through
// a JSON round trip and numbers are rewritten in one exact decimal form, so a value
// read back from a store in another notation (1.5e-7 vs 0.00000015) hashes the same.
func Canonical(event domain.AuditEvent) ([]byte, error) {
	details, err := normaliseDetails(event.Details)
	if err != nil {
		return nil, fmt.Errorf("canonical details of %s: %w", event.ID, err)
	}
	doc := map[string]any{
		"id":            event.ID,
		"sequence":      event.Sequence,
		"timestamp":     event.Timestamp.UTC().Format(time.RFC3339Nano),
		"event_type":    event.EventType,
		"actor_id":      event.ActorID,
		"resource_type": event.ResourceType,
		"resource_id":   event.ResourceID,
		"action":        event.Action,
		"result":        event.Result,
		"severity":      string(event.Severity),
		"details":       details,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("canonical %s: %w", event.ID, err)
	}
	return raw, nil
}

func normaliseDetails(details map[string]any) (any, error) {
	if len(details) == 0 {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return canonicalNumbers(out), nil
}

func canonicalNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		return canonicalNumber(x)
	case map[string]any:
		for k, item := range x {
			x[k] = canonicalNumbers(item)
		}
		return x
	case []any:
		for i, item := range x {
			x[i] = canonicalNumbers(item)
		}
		return x
	default:
		return v
	}
}

// canonicalNumber renders n as a plain decimal without exponent or trailing zeros.
func canonicalNumber(n json.Number) json.Number {
	r, ok := new(big.Rat).SetString(string(n))
	if !ok {
		return n
	}
	if r.IsInt() {
		return json.Number(r.Num().String())
	}
	// A decimal literal has a denominator of 2^a * 5^b and needs max(a, b) fraction digits.
	denom := new(big.Int).Set(r.Denom())
	twos := stripFactor(denom, 2)
	fives := stripFactor(denom, 5)
	if denom.Cmp(big.NewInt(1)) != 0 {
		return n
	}
	return json.Number(r.FloatString(max(twos, fives)))
}

// stripFactor divides f out of x in place and returns how often it divided.
func stripFactor(x *big.Int, f int64) int {
	div := big.NewInt(f)
	count := 0
	for {
		q, m := new(big.Int).QuoRem(x, div, new(big.Int))
		if m.Sign() != 0 {
			return count
		}
		x.Set(q)
		count++
	}
}

// ComputeHash returns the hex digest linking event to prevHash.
func ComputeHash(alg Algorithm, event domain.AuditEvent, prevHash string) (string, error) {
	canonical, err := Canonical(event)
	if err != nil {
		return "", err
	}
	h := alg.newHash()
	h.Write(canonical)
	h.Write([]byte(prevHash))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// chain is the sequencer-owned head of the hash chain.
type chain struct {
	alg      Algorithm
	sequence uint64
	head     string
}

func newChain(alg Algorithm, head domain.AuditEvent, found bool) chain {
	if !found {
		return chain{alg: alg, head: Genesis}
	}
	return chain{alg: alg, sequence: head.Sequence, head: head.Hash}
}

// seal assigns the next sequence and links event to the current head.
func (c *chain) seal(event domain.AuditEvent) (domain.AuditEvent, error) {
	event.Sequence = c.sequence + 1
	event.PrevHash = c.head
	digest, err := ComputeHash(c.alg, event, event.PrevHash)
	if err != nil {
		return domain.AuditEvent{}, err
	}
	event.Hash = digest
	c.sequence = event.Sequence
	c.head = digest
	return event, nil
}
