package engine

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// ErrInvalidToken indicates a resume token that is malformed, forged, or no
// longer matches a run awaiting approval.
var ErrInvalidToken = errors.New("invalid resume token")

// tokenPayload binds a token to one suspension point. The nonce makes every
// issued token distinct even for repeated suspensions of the same stage.
type tokenPayload struct {
	RunID   string `json:"run"`
	StageID string `json:"stage"`
	Nonce   string `json:"nonce"`
}

// TokenCodec encodes and verifies opaque resume tokens: an HMAC-SHA256-signed
// JSON payload, base64url on the wire. Tokens carry no secrets; the signature
// only prevents forging or misparsing.
type TokenCodec struct {
	secret []byte
}

// NewTokenCodec creates a codec with the given signing secret. An empty
// secret gets a random one, which means tokens do not survive a process
// restart; durable deployments must supply a stable secret.
func NewTokenCodec(secret []byte) *TokenCodec {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		rand.Read(secret)
	}
	return &TokenCodec{secret: secret}
}

// Encode issues a token for the given run and stage.
func (c *TokenCodec) Encode(runID, stageID string) (string, error) {
	payload, err := json.Marshal(tokenPayload{
		RunID:   runID,
		StageID: stageID,
		Nonce:   ulid.Make().String(),
	})
	if err != nil {
		return "", fmt.Errorf("encode resume token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString(c.sign(payload)), nil
}

// Decode verifies a token's signature and returns its payload. Every failure
// mode maps to ErrInvalidToken.
func (c *TokenCodec) Decode(token string) (tokenPayload, error) {
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok {
		return tokenPayload{}, fmt.Errorf("%w: malformed", ErrInvalidToken)
	}
	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return tokenPayload{}, fmt.Errorf("%w: malformed", ErrInvalidToken)
	}
	signature, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return tokenPayload{}, fmt.Errorf("%w: malformed", ErrInvalidToken)
	}
	if !hmac.Equal(signature, c.sign(payload)) {
		return tokenPayload{}, fmt.Errorf("%w: signature mismatch", ErrInvalidToken)
	}
	var p tokenPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return tokenPayload{}, fmt.Errorf("%w: malformed payload", ErrInvalidToken)
	}
	if p.RunID == "" || p.StageID == "" {
		return tokenPayload{}, fmt.Errorf("%w: incomplete payload", ErrInvalidToken)
	}
	return p, nil
}

func (c *TokenCodec) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}
