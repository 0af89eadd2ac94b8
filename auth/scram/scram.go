// Package scram implements the SCRAM-SHA-256 SASL mechanism as an MQTT v5
// Authenticator, for use with WithAuthenticator during enhanced
// authentication (CONNECT/AUTH exchange).
package scram

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Authenticator implements the client's Authenticator interface for
// SCRAM-SHA-256 (RFC 5802), channel binding disabled ("n,,").
type Authenticator struct {
	username string
	password string

	clientNonce   string
	serverNonce   string
	authMsg       string
	serverSigWant []byte
}

// New creates a SCRAM-SHA-256 authenticator for the given credentials.
func New(username, password string) *Authenticator {
	return &Authenticator{username: username, password: password}
}

// Method returns the SASL mechanism name sent in CONNECT's
// Authentication Method property.
func (s *Authenticator) Method() string {
	return "SCRAM-SHA-256"
}

// InitialData returns the client-first-message sent as CONNECT's
// Authentication Data property.
func (s *Authenticator) InitialData() ([]byte, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("scram: generating client nonce: %w", err)
	}
	s.clientNonce = base64.RawStdEncoding.EncodeToString(nonce)

	msg := fmt.Sprintf("n,,n=%s,r=%s", s.username, s.clientNonce)
	s.authMsg = msg[3:] // client-first-message-bare, kept for the signature calc

	return []byte(msg), nil
}

// HandleChallenge consumes the server-first-message carried in an AUTH
// packet's Authentication Data and returns the client-final-message.
func (s *Authenticator) HandleChallenge(data []byte, reasonCode uint8) ([]byte, error) {
	attrs := parseAttrs(string(data))

	r, ok := attrs["r"]
	if !ok || !strings.HasPrefix(r, s.clientNonce) {
		return nil, fmt.Errorf("scram: server nonce does not extend client nonce")
	}
	s.serverNonce = r

	saltStr, ok := attrs["s"]
	if !ok {
		return nil, fmt.Errorf("scram: server-first-message missing salt")
	}
	salt, err := base64.StdEncoding.DecodeString(saltStr)
	if err != nil {
		return nil, fmt.Errorf("scram: invalid salt: %w", err)
	}

	iterStr, ok := attrs["i"]
	if !ok {
		return nil, fmt.Errorf("scram: server-first-message missing iteration count")
	}
	var iter int
	if _, err := fmt.Sscanf(iterStr, "%d", &iter); err != nil || iter < 1 {
		return nil, fmt.Errorf("scram: invalid iteration count %q", iterStr)
	}

	// AuthMessage = client-first-message-bare + "," + server-first-message + "," + client-final-message-without-proof
	s.authMsg += "," + string(data) + ",c=biws,r=" + s.serverNonce

	saltedPassword := pbkdf2.Key([]byte(s.password), salt, iter, sha256.Size, sha256.New)
	clientKey := hmacSum(saltedPassword, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)
	clientSignature := hmacSum(storedKey[:], []byte(s.authMsg))

	clientProof := make([]byte, len(clientKey))
	for i := range clientKey {
		clientProof[i] = clientKey[i] ^ clientSignature[i]
	}

	serverKey := hmacSum(saltedPassword, []byte("Server Key"))
	s.serverSigWant = hmacSum(serverKey, []byte(s.authMsg))

	finalMsg := fmt.Sprintf("c=biws,r=%s,p=%s", s.serverNonce, base64.StdEncoding.EncodeToString(clientProof))
	return []byte(finalMsg), nil
}

// Complete is called once the broker accepts the connection; SCRAM itself
// has no further handshake data to send here; the server signature is
// verified from the AUTH success payload via VerifyServerSignature.
func (s *Authenticator) Complete() error {
	return nil
}

// VerifyServerSignature checks the server-final-message ("v=<base64sig>")
// against the signature computed during HandleChallenge. Callers that need
// mutual authentication should invoke this from their OnConnect hook with
// the final AUTH packet's Authentication Data, if the broker sends one.
func (s *Authenticator) VerifyServerSignature(data []byte) error {
	attrs := parseAttrs(string(data))
	v, ok := attrs["v"]
	if !ok {
		return fmt.Errorf("scram: server-final-message missing signature")
	}
	got, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return fmt.Errorf("scram: invalid server signature encoding: %w", err)
	}
	if !hmac.Equal(got, s.serverSigWant) {
		return fmt.Errorf("scram: server signature mismatch")
	}
	return nil
}

func hmacSum(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// parseAttrs parses a comma-separated k=v attribute list as used by every
// SCRAM message (client-first, server-first, client-final, server-final).
func parseAttrs(msg string) map[string]string {
	parts := strings.Split(msg, ",")
	m := make(map[string]string, len(parts))
	for _, p := range parts {
		if len(p) > 1 && p[1] == '=' {
			m[string(p[0])] = p[2:]
		}
	}
	return m
}
