// Package node authenticates scoring workers.
package node

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"
)

// Authenticator verifies ED25519-signed worker tokens.
//
// An operator signs the NodeID offline with a private key. The server keeps
// only public keys; any configured key may vouch for a node, so keys can be
// rotated without downtime.
type Authenticator struct {
	publicKeys []ed25519.PublicKey
}

// NewAuthenticator creates an Authenticator from Base64-encoded public keys.
func NewAuthenticator(publicKeysBase64 ...string) (*Authenticator, error) {
	a := &Authenticator{}
	for _, k := range publicKeysBase64 {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(k)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 encoded public key: %w", err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid ed25519 public key size: expected %d, got %d", ed25519.PublicKeySize, len(raw))
		}
		a.publicKeys = append(a.publicKeys, ed25519.PublicKey(raw))
	}
	if len(a.publicKeys) == 0 {
		return nil, fmt.Errorf("node verify key not configured")
	}
	return a, nil
}

// VerifyAuthToken checks a "NodeID:Signature" token, Signature being
// Base64, and returns the NodeID.
func (a *Authenticator) VerifyAuthToken(token string) (string, error) {
	nodeID, signature, err := parseAuthToken(token)
	if err != nil {
		return "", err
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return "", fmt.Errorf("invalid base64 encoded signature: %w", err)
	}
	for _, pk := range a.publicKeys {
		if ed25519.Verify(pk, []byte(nodeID), sig) {
			return nodeID, nil
		}
	}
	return "", fmt.Errorf("signature verification failed for node %q", nodeID)
}

// SignToken builds the token a worker presents. Operators use it offline.
func SignToken(priv ed25519.PrivateKey, nodeID string) string {
	return nodeID + ":" + base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(nodeID)))
}

func parseAuthToken(token string) (nodeID, signature string, err error) {
	i := strings.LastIndex(token, ":")
	if i < 1 || i == len(token)-1 {
		return "", "", fmt.Errorf("invalid token format: expected 'NodeID:Signature'")
	}
	return token[:i], token[i+1:], nil
}
