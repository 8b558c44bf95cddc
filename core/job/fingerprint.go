package job

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	jsoncanonicalizer "github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
)

type fingerprintInput struct {
	Type   Kind     `json:"type"`
	Module string   `json:"module"`
	Intent string   `json:"intent"`
	Ops    []wireOp `json:"ops"`
}

// Fingerprint is the SHA-256 of the RFC 8785 canonical form of
// {type, module, intent, ops}. Equal fingerprints mean duplicate jobs.
func Fingerprint(task Task) (string, error) {
	w, err := toWire(task)
	if err != nil {
		return "", err
	}
	ops := w.Ops
	if ops == nil {
		ops = []wireOp{}
	}
	raw, err := json.Marshal(fingerprintInput{Type: w.Type, Module: w.Module, Intent: w.Intent, Ops: ops})
	if err != nil {
		return "", fmt.Errorf("marshal fingerprint input: %w", err)
	}
	canonical, err := jsoncanonicalizer.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize fingerprint input: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
